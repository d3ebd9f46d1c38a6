package sim

// GroupQueue is a FIFO (by default) list of SequenceGroups with the few
// extra operations the scheduler needs: front insertion for recompute
// preemption, wholesale replacement of its contents (the scheduler sorts
// and trims Items() itself), and id-targeted removal for abort_request. Generalizes
// the teacher's WaitQueue (sim/queue.go) from *Request to *SequenceGroup and
// to the scheduler's three queues (waiting/running/swapped) instead of one.
type GroupQueue struct {
	items []*SequenceGroup
}

func NewGroupQueue() *GroupQueue { return &GroupQueue{} }

func (q *GroupQueue) Len() int { return len(q.items) }

func (q *GroupQueue) Enqueue(g *SequenceGroup) { q.items = append(q.items, g) }

// PrependFront puts g back at the head of the queue — used when a group is
// preempted by recompute and must re-enter the waiting queue ahead of
// requests that have not yet run at all (spec §4.5.2 step 2).
func (q *GroupQueue) PrependFront(g *SequenceGroup) {
	q.items = append([]*SequenceGroup{g}, q.items...)
}

func (q *GroupQueue) Items() []*SequenceGroup { return q.items }

// SetItems replaces the queue's contents wholesale — the scheduler builds
// the surviving slice in a local variable while iterating and commits it
// back with one call per scheduling phase.
func (q *GroupQueue) SetItems(items []*SequenceGroup) { q.items = items }

// Remove detaches and returns the group with the given request id, if
// present in this queue.
func (q *GroupQueue) Remove(requestID string) (*SequenceGroup, bool) {
	for i, g := range q.items {
		if g.RequestID == requestID {
			q.items = append(q.items[:i:i], q.items[i+1:]...)
			return g, true
		}
	}
	return nil, false
}
