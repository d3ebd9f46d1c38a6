package sim

// SequenceGroup is one admitted request: one or more Sequences sharing a
// prompt (best_of/n sampling, beam search), plus the scheduling bookkeeping
// the policies in policy.go mutate (skip-join MLFQ's priority level,
// starvation tracking shared by every policy).
type SequenceGroup struct {
	RequestID      string
	Seqs           []*Sequence
	ArrivalTime    int64
	SamplingParams SamplingParams

	// WaitingIterCount counts iterations since this group was last scheduled
	// (reset to 0 each time it is admitted/advanced). Drives wtf, ljf,
	// sjmlfq's starvation promotion, and tfittradeoff's waiting bonus.
	WaitingIterCount int64

	// CurrentPriorityLevel/Promoted are skip-join MLFQ's mutable per-group
	// state (policy.py's SkipJoinMLFQ.current_priority/promoted).
	CurrentPriorityLevel int
	Promoted             bool
	FirstScheduledTime   int64
	HasFirstScheduledTime bool
}

func NewSequenceGroup(requestID string, arrivalTime int64, params SamplingParams, seqs ...*Sequence) *SequenceGroup {
	return &SequenceGroup{RequestID: requestID, Seqs: seqs, ArrivalTime: arrivalTime, SamplingParams: params}
}

func (g *SequenceGroup) IsFinished() bool {
	for _, s := range g.Seqs {
		if !s.Status.IsFinished() {
			return false
		}
	}
	return true
}

func (g *SequenceGroup) RunningSeqs() []*Sequence {
	var out []*Sequence
	for _, s := range g.Seqs {
		if s.Status == StatusRunning {
			out = append(out, s)
		}
	}
	return out
}

func (g *SequenceGroup) SeqsByStatus(st SeqStatus) []*Sequence {
	var out []*Sequence
	for _, s := range g.Seqs {
		if s.Status == st {
			out = append(out, s)
		}
	}
	return out
}

// ResetWaitingIterCount is called whenever the scheduler admits/advances
// this group, clearing the starvation clock that wtf/ljf/sjmlfq watch.
func (g *SequenceGroup) ResetWaitingIterCount() { g.WaitingIterCount = 0 }

// IncrementWaitingIterCount is called once per Schedule() call for every
// group left behind this iteration (not admitted, not advanced), mirroring
// .backup/scheduler.py's update_waiting_iter_nums(). This is the starvation
// clock wtf/ljf/sjmlfq/infer/tfittradeoff read.
func (g *SequenceGroup) IncrementWaitingIterCount() { g.WaitingIterCount++ }

// NumUncomputedTokens sums num_uncomputed_tokens across every non-finished
// sequence — the utf (uncomputed-tokens-first) policy's score and also the
// quantity schedule_prefills/schedule_running must fit within the token
// budget for this group.
func (g *SequenceGroup) NumUncomputedTokens() int64 {
	var n int64
	for _, s := range g.Seqs {
		if s.Status.IsFinished() {
			continue
		}
		n += s.NumUncomputedTokens()
	}
	return n
}

// GeneratedTokens sums each sequence's output length — the las (least
// attained service) policy's score.
func (g *SequenceGroup) GeneratedTokens() int64 {
	var n int64
	for _, s := range g.Seqs {
		n += s.OutputLen()
	}
	return n
}

// SeqLen sums each sequence's total length so far (prompt + generated) —
// ljf (longest job first) and the tradeoff policy's running-priority score.
func (g *SequenceGroup) SeqLen() int64 {
	var n int64
	for _, s := range g.Seqs {
		n += s.TotalLen()
	}
	return n
}

// MaxLen returns the configured max_tokens ceiling on top of the prompt —
// sjf/srjf's "total work" estimate and the tradeoff policy's normalizer.
func (g *SequenceGroup) MaxLen() int64 {
	primary := g.Seqs[0]
	return primary.PromptLen() + g.SamplingParams.MaxTokens
}

func (g *SequenceGroup) numSeqs() int64 { return int64(len(g.Seqs)) }
