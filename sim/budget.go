package sim

// SchedulingBudget tracks how much of the per-iteration token/sequence
// budget has been consumed so far, with idempotent per-request-id
// accounting: adding or subtracting for the same request id twice is a
// no-op the second time, so admission code can call Add speculatively
// without needing to track whether it already did. Grounded on
// .backup/scheduler.py's SchedulingBudget dataclass.
type SchedulingBudget struct {
	TokenBudget int64
	MaxNumSeqs  int64

	numBatchedTokens int64
	numCurrSeqs      int64
	tokenReqIDs      map[string]bool
	seqReqIDs        map[string]bool
}

func NewSchedulingBudget(tokenBudget, maxNumSeqs int64) *SchedulingBudget {
	return &SchedulingBudget{
		TokenBudget: tokenBudget,
		MaxNumSeqs:  maxNumSeqs,
		tokenReqIDs: make(map[string]bool),
		seqReqIDs:   make(map[string]bool),
	}
}

func (b *SchedulingBudget) RemainingTokenBudget() int64 {
	return b.TokenBudget - b.numBatchedTokens
}

func (b *SchedulingBudget) CanSchedule(newTokens, newSeqs int64) bool {
	return b.numBatchedTokens+newTokens <= b.TokenBudget && b.numCurrSeqs+newSeqs <= b.MaxNumSeqs
}

func (b *SchedulingBudget) AddTokens(requestID string, n int64) {
	if b.tokenReqIDs[requestID] {
		return
	}
	b.tokenReqIDs[requestID] = true
	b.numBatchedTokens += n
}

func (b *SchedulingBudget) SubtractTokens(requestID string, n int64) {
	if !b.tokenReqIDs[requestID] {
		return
	}
	delete(b.tokenReqIDs, requestID)
	b.numBatchedTokens -= n
}

func (b *SchedulingBudget) AddSeqs(requestID string, n int64) {
	if b.seqReqIDs[requestID] {
		return
	}
	b.seqReqIDs[requestID] = true
	b.numCurrSeqs += n
}

func (b *SchedulingBudget) SubtractSeqs(requestID string, n int64) {
	if !b.seqReqIDs[requestID] {
		return
	}
	delete(b.seqReqIDs, requestID)
	b.numCurrSeqs -= n
}

func (b *SchedulingBudget) NumBatchedTokens() int64 { return b.numBatchedTokens }
func (b *SchedulingBudget) NumCurrSeqs() int64      { return b.numCurrSeqs }
