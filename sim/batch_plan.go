package sim

// ScheduledEntry is one group admitted into this iteration's batch, along
// with how many of its tokens should be run through the model this step
// (the chunked-prefill token-chunk size; always 1 for a decode step).
type ScheduledEntry struct {
	Group          *SequenceGroup
	TokenChunkSize int64

	// CommonComputedBlockIDs is the longest prefix of device blocks every
	// sequence in Group agrees is already computed (spec §4.2's
	// get_common_computed_block_ids) — only non-empty for a group with more
	// than one live sequence (best_of/n sampling, beam search), telling the
	// executor which of a newly-forked sibling's blocks it can skip
	// recomputing.
	CommonComputedBlockIDs []BlockID
}

// BatchPlan is everything the Engine needs to hand to the model executor
// for one iteration: who runs, how many tokens each gets, what got
// preempted, and which block moves (swap/copy) must happen before
// execution. Ordered so prefill entries precede decode entries (spec
// §4.6) — the executor can rely on that without re-classifying each entry.
type BatchPlan struct {
	Scheduled        []ScheduledEntry
	NumPrefillGroups int
	NumBatchedTokens int64
	NumPreempted     int
	NumLookaheadSlots int64

	BlocksToSwapIn  []BlockMove
	BlocksToSwapOut []BlockMove
	BlocksToCopy    []BlockMove

	IgnoredGroups []*SequenceGroup
}

func (p *BatchPlan) IsEmpty() bool {
	return len(p.Scheduled) == 0 && len(p.IgnoredGroups) == 0
}
