package sim

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestScheduler(schedCfg SchedulerConfig, bsmCfg BlockSpaceManagerConfig) (*Scheduler, *BlockSpaceManager) {
	bsm := NewBlockSpaceManager(bsmCfg)
	return NewScheduler(schedCfg, bsm), bsm
}

func simpleGroup(id string, promptLen int, maxTokens int64, arrival int64) *SequenceGroup {
	seq := NewSequence(id+"-0", promptTokens(promptLen))
	return NewSequenceGroup(id, arrival, SamplingParams{MaxTokens: maxTokens}, seq)
}

// Scenario: a single short request runs its prefill in one chunk, then
// decodes one token at a time until it hits its max_tokens cap.
func TestScheduler_SingleShortRequest_PrefillThenDecodeToCompletion(t *testing.T) {
	sched, _ := newTestScheduler(
		SchedulerConfig{TokenBudget: 100, MaxNumSeqs: 4, PolicyName: "fcfs"},
		BlockSpaceManagerConfig{BlockSizeTokens: 4, NumDeviceBlocks: 10, NumHostBlocks: 10},
	)
	g := simpleGroup("r1", 4, 2, 0)
	require.NoError(t, sched.AddRequest(g))

	plan := sched.Schedule(0)
	require.Len(t, plan.Scheduled, 1)
	require.Equal(t, int64(4), plan.Scheduled[0].TokenChunkSize)

	seq := g.Seqs[0]
	seq.AdvanceComputed(4)
	require.Equal(t, StageDecode, seq.Stage)
	seq.AppendTokenID(11, -0.1, 2)
	sched.FreeFinished()

	plan2 := sched.Schedule(1)
	require.Len(t, plan2.Scheduled, 1)
	require.Equal(t, int64(1), plan2.Scheduled[0].TokenChunkSize)
	require.Equal(t, int64(1), plan2.NumLookaheadSlots, "one running sequence got one more appended slot this step")

	seq.AdvanceComputed(1)
	seq.AppendTokenID(12, -0.05, 1)
	seq.Status = StatusFinishedLengthCapped
	sched.FreeFinished()

	require.False(t, sched.HasUnfinishedRequests())
}

// Scenario: two single-sequence groups both fit in device memory while
// prefilling, but there isn't room for both to grow by one more block during
// decode, so the scheduler preempts the lower-priority one by recompute.
func TestScheduler_Preemption_ByRecompute_WhenDeviceCannotFitBothDecodes(t *testing.T) {
	sched, _ := newTestScheduler(
		SchedulerConfig{TokenBudget: 1000, MaxNumSeqs: 10, PolicyName: "fcfs"},
		BlockSpaceManagerConfig{BlockSizeTokens: 4, NumDeviceBlocks: 2, NumHostBlocks: 0},
	)
	g1 := simpleGroup("g1", 4, 10, 0)
	g2 := simpleGroup("g2", 4, 10, 0)
	require.NoError(t, sched.AddRequest(g1))
	require.NoError(t, sched.AddRequest(g2))

	plan := sched.Schedule(0)
	require.Len(t, plan.Scheduled, 2, "both prefills fit: one block each out of two")

	for _, e := range plan.Scheduled {
		e.Group.Seqs[0].AdvanceComputed(4)
		e.Group.Seqs[0].AppendTokenID(1, -0.2, 3)
	}

	plan2 := sched.Schedule(1)
	require.Equal(t, 1, plan2.NumPreempted, "exactly one victim must be preempted to free a block")
	require.Equal(t, 1, sched.NumWaiting(), "the preempted group goes back to the waiting queue")
	require.Equal(t, 1, sched.NumRunning())

	waitingBack := sched.waiting.Items()[0]
	require.Equal(t, StatusWaiting, waitingBack.Seqs[0].Status)
	require.Equal(t, int64(0), waitingBack.Seqs[0].NumComputedTokens, "recompute preemption resets progress")
}

// Scenario: under swap preemption mode with host capacity available, a
// preempted group's blocks move to the host tier instead of being discarded,
// and a later iteration swaps it back in once device room frees up.
func TestScheduler_Preemption_BySwap_ThenSwapsBackIn(t *testing.T) {
	sched, _ := newTestScheduler(
		SchedulerConfig{TokenBudget: 1000, MaxNumSeqs: 10, PolicyName: "fcfs", PreemptionMode: PreemptionSwap, SwapOutMode: SwapOutFull},
		BlockSpaceManagerConfig{BlockSizeTokens: 4, NumDeviceBlocks: 2, NumHostBlocks: 4},
	)
	g1 := simpleGroup("g1", 4, 10, 0)
	g2 := simpleGroup("g2", 4, 10, 0)
	require.NoError(t, sched.AddRequest(g1))
	require.NoError(t, sched.AddRequest(g2))

	plan := sched.Schedule(0)
	require.Len(t, plan.Scheduled, 2)
	for _, e := range plan.Scheduled {
		e.Group.Seqs[0].AdvanceComputed(4)
		e.Group.Seqs[0].AppendTokenID(1, -0.2, 3)
	}

	plan2 := sched.Schedule(1)
	require.Equal(t, 1, plan2.NumPreempted)
	require.NotEmpty(t, plan2.BlocksToSwapOut)
	require.Equal(t, 1, sched.NumSwapped())

	running := plan2.Scheduled[0].Group
	running.Seqs[0].AdvanceComputed(1)
	running.Seqs[0].AppendTokenID(2, -0.1, 1)
	running.Seqs[0].Status = StatusFinishedLengthCapped
	sched.FreeFinished()

	plan3 := sched.Schedule(2)
	require.NotEmpty(t, plan3.BlocksToSwapIn, "device room is free again, the swapped group should resume")
	require.Equal(t, 0, sched.NumSwapped())
	require.Equal(t, 1, sched.NumRunning())
}

// Scenario: partial swap-out mode moves only a fraction of a victim's
// device blocks to host, leaving it StatusPartialSwapped with the remainder
// tracked for later eviction rather than swapping the whole group at once.
func TestScheduler_PartialSwapOut_LeavesGroupPartiallyOnDevice(t *testing.T) {
	sched, bsm := newTestScheduler(
		SchedulerConfig{
			TokenBudget: 1000, MaxNumSeqs: 10, PolicyName: "fcfs",
			PreemptionMode: PreemptionSwap, SwapOutMode: SwapOutPartial, SwapOutPartialRate: 0.5,
		},
		BlockSpaceManagerConfig{BlockSizeTokens: 4, NumDeviceBlocks: 4, NumHostBlocks: 8},
	)
	g1 := simpleGroup("g1", 16, 20, 0) // 4 device blocks once fully allocated
	require.NoError(t, sched.AddRequest(g1))
	bsm.Allocate(g1)
	g1.Seqs[0].Status = StatusRunning
	g1.Seqs[0].NumComputedTokens = g1.Seqs[0].PromptLen()
	g1.Seqs[0].Stage = StageDecode
	sched.running.Enqueue(g1)
	sched.waiting.Remove("g1")

	// Drive swapOutPartial directly to check its unit-sized accounting in
	// isolation from the full preemption/admission control flow.
	plan := &BatchPlan{}
	sched.swapOutPartial(g1, 1, plan)

	require.NotEmpty(t, plan.BlocksToSwapOut)
	require.Equal(t, StatusPartialSwapped, g1.Seqs[0].Status)
	entry, ok := sched.partial.Get("g1")
	require.True(t, ok, "a remainder must be tracked in the partial-swap table")
	require.Greater(t, entry.RemainingDeviceBlocks, int64(0))
}

// Scenario: once the scheduler's deadline passes, every outstanding request
// (waiting, running, or swapped) is force-finished and further Schedule
// calls are no-ops.
func TestScheduler_Deadline_StopsEverythingAndIsIdempotent(t *testing.T) {
	sched, _ := newTestScheduler(
		SchedulerConfig{TokenBudget: 100, MaxNumSeqs: 4, PolicyName: "fcfs"},
		BlockSpaceManagerConfig{BlockSizeTokens: 4, NumDeviceBlocks: 10, NumHostBlocks: 10},
	)
	g := simpleGroup("r1", 4, 10, 0)
	require.NoError(t, sched.AddRequest(g))
	sched.ArmDeadline(5)

	plan := sched.Schedule(10)
	require.True(t, g.Seqs[0].Status.IsFinished())
	require.Equal(t, StatusFinishedStopped, g.Seqs[0].Status)
	require.Len(t, plan.IgnoredGroups, 1)
	require.False(t, sched.HasUnfinishedRequests())

	plan2 := sched.Schedule(11)
	require.True(t, plan2.IsEmpty())
}

// Scenario: forking a sequence (best_of/beam-search fan-out) shares the
// parent's block table by reference count; a subsequent append that writes
// into the shared last block forces a copy-on-write split.
func TestScheduler_Fork_ThenAppendSlotsCopiesOnWrite(t *testing.T) {
	sched, bsm := newTestScheduler(
		SchedulerConfig{TokenBudget: 100, MaxNumSeqs: 4, PolicyName: "fcfs"},
		BlockSpaceManagerConfig{BlockSizeTokens: 4, NumDeviceBlocks: 10, NumHostBlocks: 10},
	)
	parent := NewSequence("p-0", promptTokens(2))
	g := NewSequenceGroup("p", 0, SamplingParams{MaxTokens: 10}, parent)
	bsm.Allocate(g)
	parent.Status = StatusRunning

	child := NewSequence("p-1", append([]int{}, parent.PromptTokenIDs...))
	sched.Fork(g, parent, child)
	child.Status = StatusRunning
	require.Equal(t, parent.BlockTable[0], child.BlockTable[0])

	parent.AppendTokenID(5, -0.1, 1)
	parent.NumComputedTokens = parent.TotalLen() - 1
	cows := bsm.appendSlots(parent)

	require.Len(t, cows, 1)
	require.NotEqual(t, parent.BlockTable[0], child.BlockTable[0])
}

// Scenario: a group with more than one live sequence (best_of/beam search)
// gets its shared computed-block prefix attached to its scheduled entry, so
// the executor knows which of a forked sibling's blocks it can skip
// recomputing.
func TestScheduler_AttachCommonComputedBlockIDs_SharedPrefixAcrossForkedSiblings(t *testing.T) {
	sched, bsm := newTestScheduler(
		SchedulerConfig{TokenBudget: 100, MaxNumSeqs: 4, PolicyName: "fcfs"},
		BlockSpaceManagerConfig{BlockSizeTokens: 2, NumDeviceBlocks: 10, NumHostBlocks: 10, EnablePrefixCaching: true},
	)
	parent := NewSequence("p-0", promptTokens(2))
	g := NewSequenceGroup("p", 0, SamplingParams{MaxTokens: 10}, parent)
	bsm.Allocate(g)
	parent.Status = StatusRunning
	parent.NumComputedTokens = 2
	bsm.MarkBlocksAsComputed(g)

	child := NewSequence("p-1", append([]int{}, parent.PromptTokenIDs...))
	sched.Fork(g, parent, child)
	child.Status = StatusRunning

	plan := &BatchPlan{Scheduled: []ScheduledEntry{{Group: g, TokenChunkSize: 1}}}
	sched.attachCommonComputedBlockIDs(plan)

	require.Equal(t, []BlockID{parent.BlockTable[0].Number}, plan.Scheduled[0].CommonComputedBlockIDs)
}

// Scenario: a single-sequence group never needs a common-computed-block
// lookup (there is nothing to share a prefix with), so the field stays nil.
func TestScheduler_AttachCommonComputedBlockIDs_NilForSingleSequenceGroup(t *testing.T) {
	sched, _ := newTestScheduler(
		SchedulerConfig{TokenBudget: 100, MaxNumSeqs: 4, PolicyName: "fcfs"},
		BlockSpaceManagerConfig{BlockSizeTokens: 4, NumDeviceBlocks: 10, NumHostBlocks: 10},
	)
	g := simpleGroup("r1", 4, 10, 0)
	plan := &BatchPlan{Scheduled: []ScheduledEntry{{Group: g, TokenChunkSize: 4}}}
	sched.attachCommonComputedBlockIDs(plan)

	require.Nil(t, plan.Scheduled[0].CommonComputedBlockIDs)
}

// Scenario: AddRequest rejects a request whose prompt alone can never fit,
// up front, instead of silently enqueuing it for schedulePrefills to
// discover later.
func TestScheduler_AddRequest_RejectsInfeasiblePromptUpFront(t *testing.T) {
	sched, _ := newTestScheduler(
		SchedulerConfig{TokenBudget: 100, MaxNumSeqs: 4, PolicyName: "fcfs"},
		BlockSpaceManagerConfig{BlockSizeTokens: 4, NumDeviceBlocks: 2, NumHostBlocks: 0},
	)
	g := simpleGroup("r1", 100, 10, 0)

	err := sched.AddRequest(g)
	require.ErrorIs(t, err, ErrInfeasible)
	require.Equal(t, 0, sched.NumWaiting(), "an infeasible request is never enqueued")
}

// Scenario: AddRequest rejects a prompt longer than the configured max,
// distinct from device-capacity infeasibility but the same error.
func TestScheduler_AddRequest_RejectsPromptOverMaxLen(t *testing.T) {
	sched, _ := newTestScheduler(
		SchedulerConfig{TokenBudget: 100, MaxNumSeqs: 4, PolicyName: "fcfs", MaxPromptLen: 8},
		BlockSpaceManagerConfig{BlockSizeTokens: 4, NumDeviceBlocks: 10, NumHostBlocks: 10},
	)
	g := simpleGroup("r1", 16, 10, 0)

	err := sched.AddRequest(g)
	require.ErrorIs(t, err, ErrInfeasible)
}

// Scenario: a second AddRequest call for the same request id is rejected
// while the first group is still waiting.
func TestScheduler_AddRequest_RejectsDuplicateRequestID(t *testing.T) {
	sched, _ := newTestScheduler(
		SchedulerConfig{TokenBudget: 100, MaxNumSeqs: 4, PolicyName: "fcfs"},
		BlockSpaceManagerConfig{BlockSizeTokens: 4, NumDeviceBlocks: 10, NumHostBlocks: 10},
	)
	g1 := simpleGroup("r1", 4, 10, 0)
	require.NoError(t, sched.AddRequest(g1))

	g2 := simpleGroup("r1", 4, 10, 1)
	err := sched.AddRequest(g2)
	require.ErrorIs(t, err, ErrDuplicateRequestID)
}
