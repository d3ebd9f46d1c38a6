package sim

import "sort"

// partialSwapEntry is one partially-swapped-out group: it still has
// RemainingDeviceBlocks blocks on device, the rest already on host.
type partialSwapEntry struct {
	RequestID             string
	RemainingDeviceBlocks int64
	Group                 *SequenceGroup
}

// PartialSwapTable holds every currently partially-swapped-out group,
// ordered by remaining-device-blocks so the scheduler can efficiently find
// "the smallest set of already-partially-swapped groups whose combined
// remaining device blocks sum to at least N" when it needs to free up N
// more device blocks without touching a fresh victim. Grounded on
// .backup/scheduler.py's min_numbers_sum_at_least, redesigned per spec §9's
// note: that function re-sorted and rescanned its whole list on every call;
// here the sorted order is kept up to date on each insert/remove, the prefix
// sums are rebuilt once after a change (on the next query), and the query
// itself is a single binary search.
type PartialSwapTable struct {
	byReqID map[string]*partialSwapEntry
	sorted  []*partialSwapEntry // ascending by RemainingDeviceBlocks
	prefix  []int64
	dirty   bool
}

func NewPartialSwapTable() *PartialSwapTable {
	return &PartialSwapTable{byReqID: make(map[string]*partialSwapEntry)}
}

func (t *PartialSwapTable) Len() int { return len(t.byReqID) }

func (t *PartialSwapTable) Get(requestID string) (*partialSwapEntry, bool) {
	e, ok := t.byReqID[requestID]
	return e, ok
}

func (t *PartialSwapTable) Insert(requestID string, remaining int64, g *SequenceGroup) {
	if old, ok := t.byReqID[requestID]; ok {
		t.removeSorted(old)
	}
	e := &partialSwapEntry{RequestID: requestID, RemainingDeviceBlocks: remaining, Group: g}
	t.byReqID[requestID] = e
	idx := sort.Search(len(t.sorted), func(i int) bool { return t.sorted[i].RemainingDeviceBlocks >= remaining })
	t.sorted = append(t.sorted, nil)
	copy(t.sorted[idx+1:], t.sorted[idx:])
	t.sorted[idx] = e
	t.dirty = true
}

func (t *PartialSwapTable) Remove(requestID string) {
	e, ok := t.byReqID[requestID]
	if !ok {
		return
	}
	delete(t.byReqID, requestID)
	t.removeSorted(e)
}

func (t *PartialSwapTable) removeSorted(e *partialSwapEntry) {
	for i, s := range t.sorted {
		if s == e {
			t.sorted = append(t.sorted[:i], t.sorted[i+1:]...)
			t.dirty = true
			return
		}
	}
}

func (t *PartialSwapTable) rebuildPrefix() {
	t.prefix = make([]int64, len(t.sorted))
	var sum int64
	for i, e := range t.sorted {
		sum += e.RemainingDeviceBlocks
		t.prefix[i] = sum
	}
	t.dirty = false
}

// SmallestSetAtLeast returns the smallest-remaining-blocks-first prefix of
// entries whose combined RemainingDeviceBlocks is >= target, or nil if even
// evicting every partially-swapped group wouldn't reach target.
func (t *PartialSwapTable) SmallestSetAtLeast(target int64) []*partialSwapEntry {
	if target <= 0 {
		return nil
	}
	if t.dirty {
		t.rebuildPrefix()
	}
	idx := sort.Search(len(t.prefix), func(i int) bool { return t.prefix[i] >= target })
	if idx == len(t.prefix) {
		return nil
	}
	return t.sorted[:idx+1]
}
