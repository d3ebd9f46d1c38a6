package sim

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
)

// Scheduler runs one admission/eviction/resumption decision per iteration
// over its three queues (waiting, running, swapped), producing a BatchPlan
// the Engine hands to the model executor. Grounded throughout on
// .backup/scheduler.py's _schedule_default / _schedule_chunked_prefill and
// their _schedule_prefills / _schedule_running / _schedule_swapped helpers.
type Scheduler struct {
	cfg    SchedulerConfig
	bsm    *BlockSpaceManager
	policy Policy
	log    logrus.FieldLogger

	waiting *GroupQueue
	running *GroupQueue
	swapped *GroupQueue
	partial *PartialSwapTable

	knownRequestIDs map[string]bool

	deadlineAt      int64
	deadlineArmed   bool
	deadlineReached bool

	lastPrefillAdmittedAt int64
	havePrefillAdmitted   bool
}

func NewScheduler(cfg SchedulerConfig, bsm *BlockSpaceManager) *Scheduler {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scheduler{
		cfg:             cfg,
		bsm:             bsm,
		policy:          NewPolicy(cfg.PolicyName, cfg.RNGSeed),
		log:             log,
		waiting:         NewGroupQueue(),
		running:         NewGroupQueue(),
		swapped:         NewGroupQueue(),
		partial:         NewPartialSwapTable(),
		knownRequestIDs: make(map[string]bool),
	}
}

// AddRequest admits a new group into the waiting queue. Rejects up front,
// rather than silently enqueuing and letting the first schedulePrefills
// call discover it, any request whose infeasibility can never change
// (prompt longer than the configured max, or a block count that exceeds
// total device capacity regardless of how much frees up) — spec §4.5.3's
// "infeasible... never retried" condition is static for the scheduler's
// whole lifetime, so there's nothing to gain by deferring the check.
func (s *Scheduler) AddRequest(g *SequenceGroup) error {
	if s.knownRequestIDs[g.RequestID] {
		return fmt.Errorf("%w: %s", ErrDuplicateRequestID, g.RequestID)
	}
	if s.cfg.MaxPromptLen > 0 && g.Seqs[0].PromptLen() > s.cfg.MaxPromptLen {
		return fmt.Errorf("%w: %s prompt length %d exceeds max %d", ErrInfeasible, g.RequestID, g.Seqs[0].PromptLen(), s.cfg.MaxPromptLen)
	}
	if s.bsm.CanAllocate(g) == AllocNever {
		return fmt.Errorf("%w: %s needs more device blocks than exist", ErrInfeasible, g.RequestID)
	}
	s.knownRequestIDs[g.RequestID] = true
	s.waiting.Enqueue(g)
	return nil
}

// ArmDeadline sets a wall-clock time at or after which Schedule stops
// admitting or advancing anything and finishes every outstanding group with
// FinishedStopped (spec §4.5.3).
func (s *Scheduler) ArmDeadline(at int64) {
	s.deadlineAt = at
	s.deadlineArmed = true
}

func (s *Scheduler) HasUnfinishedRequests() bool {
	return s.waiting.Len() > 0 || s.running.Len() > 0 || s.swapped.Len() > 0
}

func (s *Scheduler) NumWaiting() int { return s.waiting.Len() }
func (s *Scheduler) NumRunning() int { return s.running.Len() }
func (s *Scheduler) NumSwapped() int { return s.swapped.Len() }

// Schedule runs one scheduling iteration at time now.
func (s *Scheduler) Schedule(now int64) *BatchPlan {
	if s.deadlineReached {
		return &BatchPlan{}
	}
	if s.deadlineArmed && now >= s.deadlineAt {
		return s.reachDeadline()
	}

	budget := NewSchedulingBudget(s.cfg.TokenBudget, s.cfg.MaxNumSeqs)
	for _, g := range s.running.Items() {
		budget.AddSeqs(g.RequestID, g.numSeqs())
	}

	var plan *BatchPlan
	if s.cfg.EnableChunking {
		plan = s.scheduleChunked(now, budget)
	} else {
		plan = s.scheduleDefault(now, budget)
	}
	s.reorderPrefillsFirst(plan)
	s.updateWaitingIterCounts(plan)
	s.attachCommonComputedBlockIDs(plan)
	return plan
}

// attachCommonComputedBlockIDs fills in each scheduled entry's shared-prefix
// block list (spec §4.2's get_common_computed_block_ids) now that every
// group in the batch has its final, post-admission block table — mirrors
// the original scheduler computing this once per group while building each
// iteration's SequenceGroupMetadata.
func (s *Scheduler) attachCommonComputedBlockIDs(plan *BatchPlan) {
	for i := range plan.Scheduled {
		g := plan.Scheduled[i].Group
		if len(g.Seqs) < 2 {
			continue
		}
		plan.Scheduled[i].CommonComputedBlockIDs = s.bsm.GetCommonComputedBlockIDs(g)
	}
}

// updateWaitingIterCounts is .backup/scheduler.py's update_waiting_iter_nums
// sweep: every group left in waiting/running/swapped that was not admitted
// or advanced this iteration (its WaitingIterCount was not reset above) has
// its starvation clock ticked. Ignored/finished groups are skipped — they no
// longer compete for scheduling.
func (s *Scheduler) updateWaitingIterCounts(plan *BatchPlan) {
	scheduled := make(map[string]bool, len(plan.Scheduled))
	for _, e := range plan.Scheduled {
		scheduled[e.Group.RequestID] = true
	}
	for _, q := range []*GroupQueue{s.waiting, s.running, s.swapped} {
		for _, g := range q.Items() {
			if scheduled[g.RequestID] || g.IsFinished() {
				continue
			}
			g.IncrementWaitingIterCount()
		}
	}
}

func (s *Scheduler) reorderPrefillsFirst(plan *BatchPlan) {
	prefill := make([]ScheduledEntry, 0, len(plan.Scheduled))
	decode := make([]ScheduledEntry, 0, len(plan.Scheduled))
	for _, e := range plan.Scheduled {
		if isPrefillEntry(e) {
			prefill = append(prefill, e)
		} else {
			decode = append(decode, e)
		}
	}
	plan.Scheduled = append(prefill, decode...)
}

func isPrefillEntry(e ScheduledEntry) bool {
	for _, seq := range e.Group.Seqs {
		if seq.Stage == StagePrefill && seq.Status == StatusRunning {
			return true
		}
	}
	return false
}

// scheduleDefault is _schedule_default: prefills and decodes never mix in
// one iteration. If there's anything new to admit and nothing swapped out,
// try admitting prefills first; only fall through to advancing the running
// queue (and possibly swapped-in requests) when no prefill was admitted.
func (s *Scheduler) scheduleDefault(now int64, budget *SchedulingBudget) *BatchPlan {
	plan := &BatchPlan{}
	if s.waiting.Len() > 0 && s.swapped.Len() == 0 {
		if s.schedulePrefills(now, budget, plan, false) {
			return plan
		}
	}
	preempted := s.scheduleRunning(now, budget, plan, false)
	if !preempted {
		s.scheduleSwapped(now, budget, plan, false)
	}
	return plan
}

// scheduleChunked is _schedule_chunked_prefill: running (including
// in-progress chunked prefills) advances first, then swapped-in resumption,
// then as much of a fresh prefill as the remaining budget allows — all in
// the same iteration.
func (s *Scheduler) scheduleChunked(now int64, budget *SchedulingBudget) *BatchPlan {
	plan := &BatchPlan{}
	preempted := s.scheduleRunning(now, budget, plan, true)
	if !preempted {
		s.scheduleSwapped(now, budget, plan, true)
	}
	s.schedulePrefills(now, budget, plan, true)
	return plan
}

func (s *Scheduler) passedDelay(now int64) bool {
	if s.cfg.DelayFactor <= 0 || !s.havePrefillAdmitted {
		return true
	}
	return now-s.lastPrefillAdmittedAt >= s.cfg.DelayFactor
}

// schedulePrefills is _schedule_prefills: admits waiting groups in arrival
// order (or policy order under tfittradeoff, per spec §4.5.2 step 4),
// stopping at the first one that can't yet fit (AllocLater or insufficient
// budget) since later groups can't jump ahead of it. Returns whether at
// least one group was admitted.
func (s *Scheduler) schedulePrefills(now int64, budget *SchedulingBudget, plan *BatchPlan, chunked bool) bool {
	if !s.passedDelay(now) {
		return false
	}
	if _, ok := s.policy.(*TradeoffPolicy); ok {
		SortQueueByPolicy(s.waiting.Items(), now, s.policy, false)
	}

	items := s.waiting.Items()
	admittedAny := false
	i := 0
	for i < len(items) {
		g := items[i]
		seq := g.Seqs[0]

		if s.cfg.MaxPromptLen > 0 && seq.PromptLen() > s.cfg.MaxPromptLen {
			s.ignoreGroup(g, plan)
			items = append(items[:i], items[i+1:]...)
			continue
		}
		status := s.bsm.CanAllocate(g)
		if status == AllocNever {
			s.ignoreGroup(g, plan)
			items = append(items[:i], items[i+1:]...)
			continue
		}
		if status == AllocLater {
			break
		}

		numNewTokens := seq.NumUncomputedTokens()
		// Skip recomputing whatever prefix this prompt already shares with an
		// existing cached block (spec §4.2's get_common_computed_block_ids),
		// always leaving at least one token of real work so the group still
		// makes progress even on a full cache hit. Deferred until after the
		// budget gate below commits to admitting g this iteration — seq's
		// NumComputedTokens must only move once, not be recomputed against
		// an already-reduced numNewTokens on a later retry of this group.
		skip := s.bsm.CommonComputedPrefixTokens(seq)
		if skip >= numNewTokens {
			skip = numNewTokens - 1
		}
		numNewTokens -= skip
		if chunked {
			numNewTokens = min64(numNewTokens, budget.RemainingTokenBudget())
		}
		numSeqs := g.numSeqs()
		if numNewTokens <= 0 || !budget.CanSchedule(numNewTokens, numSeqs) {
			break
		}

		s.bsm.Allocate(g)
		for _, sq := range g.Seqs {
			sq.Status = StatusRunning
			if skip > 0 {
				sq.NumComputedTokens = skip
			}
		}
		g.ResetWaitingIterCount()
		budget.AddTokens(g.RequestID, numNewTokens)
		budget.AddSeqs(g.RequestID, numSeqs)
		seq.NumNewTokens = numNewTokens
		g.FirstScheduledTime = now
		g.HasFirstScheduledTime = true

		plan.Scheduled = append(plan.Scheduled, ScheduledEntry{Group: g, TokenChunkSize: numNewTokens})
		plan.NumPrefillGroups++
		plan.NumBatchedTokens += numNewTokens

		s.running.Enqueue(g)
		items = append(items[:i], items[i+1:]...)
		admittedAny = true
		s.lastPrefillAdmittedAt = now
		s.havePrefillAdmitted = true
	}
	s.waiting.SetItems(items)
	return admittedAny
}

func (s *Scheduler) ignoreGroup(g *SequenceGroup, plan *BatchPlan) {
	for _, seq := range g.Seqs {
		if !seq.Status.IsFinished() {
			seq.Status = StatusFinishedIgnored
		}
	}
	plan.IgnoredGroups = append(plan.IgnoredGroups, g)
}

func markNewTokens(g *SequenceGroup, n int64) {
	for _, seq := range g.Seqs {
		if seq.Status == StatusRunning {
			seq.NumNewTokens = n
		}
	}
}

// numNewTokensRunning implements §4.5.5's unified formula: sum of
// num_uncomputed_tokens across running sequences (which is exactly 1 for a
// pure decode step, thanks to how NumUncomputedTokens is defined), capped by
// the remaining token budget for single-sequence groups under chunking.
func (s *Scheduler) numNewTokensRunning(g *SequenceGroup, chunked bool, budget *SchedulingBudget) int64 {
	var n int64
	for _, seq := range g.RunningSeqs() {
		n += seq.NumUncomputedTokens()
	}
	if chunked && len(g.Seqs) == 1 {
		n = min64(n, budget.RemainingTokenBudget())
	}
	return n
}

// runningResult threads the live, possibly-shrinking running-queue view
// through scheduleRunning/makeRoom. NOTE: scheduleRunning's loop ranges over
// the slice header taken before the loop starts, so makeRoom trimming a tail
// victim off items does not shorten the iteration: the loop still reaches
// each victim. A victim has no running sequences left after preemption, so
// its numNewTokens is 0 and the loop breaks there; since victims are always
// taken from the tail, every entry after it is a victim too. The trimmed
// items slice is what gets committed back to the running queue.
type runningResult struct {
	items     []*SequenceGroup
	preempted bool
}

func (s *Scheduler) scheduleRunning(now int64, budget *SchedulingBudget, plan *BatchPlan, chunked bool) bool {
	SortQueueByPolicy(s.running.Items(), now, s.policy, true)
	result := &runningResult{items: s.running.Items()}

	for _, g := range result.items {
		if g.IsFinished() {
			continue
		}
		numNewTokens := s.numNewTokensRunning(g, chunked, budget)
		if numNewTokens == 0 {
			break
		}
		if !s.makeRoom(g, result, budget, plan, chunked) {
			break
		}
		cows := s.bsm.AppendSlotsForGroup(g)
		plan.BlocksToCopy = append(plan.BlocksToCopy, cows...)
		budget.AddTokens(g.RequestID, numNewTokens)
		budget.AddSeqs(g.RequestID, g.numSeqs())
		g.ResetWaitingIterCount()
		markNewTokens(g, numNewTokens)
		plan.Scheduled = append(plan.Scheduled, ScheduledEntry{Group: g, TokenChunkSize: numNewTokens})
		plan.NumBatchedTokens += numNewTokens
		plan.NumLookaheadSlots += int64(len(g.RunningSeqs()))
	}

	s.running.SetItems(result.items)
	return result.preempted
}

// makeRoom evicts running-queue tail victims (lowest priority, since the
// queue is sorted descending) until g can be given its next slot. If g
// itself ends up chosen as victim, it returns false — g was preempted
// rather than advanced this iteration.
func (s *Scheduler) makeRoom(g *SequenceGroup, result *runningResult, budget *SchedulingBudget, plan *BatchPlan, chunked bool) bool {
	for !s.bsm.CanAppendSlots(g) {
		if len(result.items) == 0 {
			if s.evictFromPartialTable(1, plan) {
				continue
			}
			panic(fmt.Sprintf("block space manager: no victim available to free room for %s", g.RequestID))
		}
		victim := result.items[len(result.items)-1]
		result.items = result.items[:len(result.items)-1]
		required := int64(len(victim.RunningSeqs()))
		if required == 0 {
			required = 1
		}
		s.preemptGroup(victim, budget, plan, chunked, required)
		result.preempted = true
		if victim == g {
			return false
		}
	}
	return true
}

func (s *Scheduler) choosePreemptionMode(g *SequenceGroup) PreemptionMode {
	if len(g.Seqs) > 1 {
		if s.bsm.CanSwapOut(g) {
			return PreemptionSwap
		}
		return PreemptionRecompute
	}
	if s.cfg.PreemptionMode == PreemptionSwap && s.bsm.CanSwapOut(g) {
		return PreemptionSwap
	}
	return PreemptionRecompute
}

func (s *Scheduler) preemptGroup(g *SequenceGroup, budget *SchedulingBudget, plan *BatchPlan, chunked bool, required int64) {
	numTokens := s.numNewTokensRunning(g, chunked, budget)
	budget.SubtractTokens(g.RequestID, numTokens)
	budget.SubtractSeqs(g.RequestID, g.numSeqs())

	mode := s.choosePreemptionMode(g)
	plan.NumPreempted++
	switch mode {
	case PreemptionRecompute:
		s.preemptByRecompute(g)
		s.waiting.PrependFront(g)
		s.log.Debugf("preempted %s by recompute", g.RequestID)
	case PreemptionSwap:
		if s.cfg.SwapOutMode == SwapOutPartial {
			s.swapOutPartial(g, required, plan)
		} else {
			moves, err := s.bsm.SwapOut(g, -1)
			if err != nil {
				s.log.Warnf("swap-out failed for %s, falling back to recompute: %v", g.RequestID, err)
				s.preemptByRecompute(g)
				s.waiting.PrependFront(g)
				return
			}
			plan.BlocksToSwapOut = append(plan.BlocksToSwapOut, moves...)
			s.swapped.Enqueue(g)
		}
		s.log.Debugf("preempted %s by swap", g.RequestID)
	}
}

func (s *Scheduler) preemptByRecompute(g *SequenceGroup) {
	for _, seq := range g.Seqs {
		if seq.Status != StatusRunning {
			continue
		}
		s.bsm.Free(seq)
		seq.Status = StatusWaiting
		seq.NumComputedTokens = 0
		seq.Stage = StagePrefill
		seq.NumNewTokens = 0
	}
}

// swapOutPartial implements §4.5.4: swap out victim's blocks in units of
// ceil(total*rate), capped to what's left, recording the remainder in the
// partial-swap table rather than evicting the group wholesale.
func (s *Scheduler) swapOutPartial(g *SequenceGroup, required int64, plan *BatchPlan) {
	total := s.bsm.TotalDeviceBlocks(g)
	if total == 0 {
		s.partial.Remove(g.RequestID)
		s.swapped.Enqueue(g)
		return
	}
	rate := s.cfg.SwapOutPartialRate
	if rate <= 0 || rate > 1 {
		rate = 1
	}
	unit := max64(int64(math.Ceil(float64(total)*rate)), 1)
	toSwap := int64(math.Ceil(float64(required)/float64(unit))) * unit
	toSwap = min64(max64(toSwap, 1), total)

	moves, err := s.bsm.SwapOut(g, toSwap)
	if err != nil {
		s.log.Warnf("partial swap-out failed for %s, falling back to recompute: %v", g.RequestID, err)
		s.preemptByRecompute(g)
		s.waiting.PrependFront(g)
		return
	}
	plan.BlocksToSwapOut = append(plan.BlocksToSwapOut, moves...)

	remaining := total - toSwap
	if remaining > 0 {
		s.partial.Insert(g.RequestID, remaining, g)
	} else {
		s.partial.Remove(g.RequestID)
	}
	s.swapped.Enqueue(g)
}

// evictFromPartialTable is the last-resort room-maker: when nothing is left
// in the running queue to preempt but device blocks are still short, fully
// evict the smallest set of already-partially-swapped groups that together
// hold at least `required` more device blocks (spec §4.5.4's "the remaining
// blocks may be evicted on a later iteration").
func (s *Scheduler) evictFromPartialTable(required int64, plan *BatchPlan) bool {
	set := s.partial.SmallestSetAtLeast(required)
	if set == nil {
		return false
	}
	for _, e := range set {
		moves, err := s.bsm.SwapOut(e.Group, -1)
		if err != nil {
			return false
		}
		plan.BlocksToSwapOut = append(plan.BlocksToSwapOut, moves...)
		s.partial.Remove(e.RequestID)
	}
	return true
}

// numNewTokensSwapped mirrors numNewTokensRunning for swapped/partial-swapped
// sequences about to resume.
func (s *Scheduler) numNewTokensSwapped(g *SequenceGroup, chunked bool, budget *SchedulingBudget) int64 {
	var n int64
	for _, seq := range g.Seqs {
		if seq.Status != StatusSwapped && seq.Status != StatusPartialSwapped {
			continue
		}
		n += seq.NumUncomputedTokens()
	}
	if chunked && len(g.Seqs) == 1 {
		n = min64(n, budget.RemainingTokenBudget())
	}
	return n
}

func (s *Scheduler) scheduleSwapped(now int64, budget *SchedulingBudget, plan *BatchPlan, chunked bool) {
	SortQueueByPolicy(s.swapped.Items(), now, s.policy, false)
	items := s.swapped.Items()
	_, isTradeoff := s.policy.(*TradeoffPolicy)

	var remaining []*SequenceGroup
	var deferred []*SequenceGroup

	i := 0
	for i < len(items) {
		g := items[i]
		if _, stillPartial := s.partial.Get(g.RequestID); stillPartial {
			remaining = append(remaining, g)
			i++
			continue
		}

		status := s.bsm.CanSwapIn(g)
		if status == AllocNever {
			s.ignoreGroup(g, plan)
			i++
			continue
		}
		if status == AllocLater {
			if isTradeoff {
				deferred = append(deferred, g)
				i++
				continue
			}
			remaining = append(remaining, items[i:]...)
			break
		}

		numNewTokens := s.numNewTokensSwapped(g, chunked, budget)
		numSeqs := g.numSeqs()
		if numNewTokens <= 0 || !budget.CanSchedule(numNewTokens, numSeqs) {
			if isTradeoff {
				deferred = append(deferred, g)
				i++
				continue
			}
			remaining = append(remaining, items[i:]...)
			break
		}

		moves := s.bsm.SwapIn(g)
		plan.BlocksToSwapIn = append(plan.BlocksToSwapIn, moves...)
		s.partial.Remove(g.RequestID)
		cows := s.bsm.AppendSlotsForGroup(g)
		plan.BlocksToCopy = append(plan.BlocksToCopy, cows...)

		budget.AddTokens(g.RequestID, numNewTokens)
		budget.AddSeqs(g.RequestID, numSeqs)
		g.ResetWaitingIterCount()
		markNewTokens(g, numNewTokens)

		plan.Scheduled = append(plan.Scheduled, ScheduledEntry{Group: g, TokenChunkSize: numNewTokens})
		plan.NumBatchedTokens += numNewTokens
		plan.NumLookaheadSlots += int64(len(g.RunningSeqs()))

		s.running.Enqueue(g)
		i++
	}
	remaining = append(remaining, deferred...)
	s.swapped.SetItems(remaining)
}

// reachDeadline stops the scheduler permanently: every outstanding group
// (waiting, running, swapped) is marked FinishedStopped and the queues are
// drained. Idempotent — subsequent Schedule calls return an empty plan.
func (s *Scheduler) reachDeadline() *BatchPlan {
	s.deadlineReached = true
	plan := &BatchPlan{}
	for _, q := range []*GroupQueue{s.waiting, s.running, s.swapped} {
		for _, g := range q.Items() {
			for _, seq := range g.Seqs {
				if !seq.Status.IsFinished() {
					seq.Status = StatusFinishedStopped
				}
			}
			plan.IgnoredGroups = append(plan.IgnoredGroups, g)
		}
		q.SetItems(nil)
	}
	s.partial = NewPartialSwapTable()
	return plan
}

// AbortRequest removes one or more requests from whichever queue currently
// holds them, frees their blocks, and marks them FinishedAborted. Unknown
// ids are silently skipped, matching vLLM's abort_seq_group (aborting a
// request that already finished or never existed is not an error).
func (s *Scheduler) AbortRequest(requestIDs ...string) {
	for _, id := range requestIDs {
		s.abortOne(id)
	}
}

func (s *Scheduler) abortOne(id string) {
	for _, q := range []*GroupQueue{s.waiting, s.running, s.swapped} {
		g, ok := q.Remove(id)
		if !ok {
			continue
		}
		for _, seq := range g.Seqs {
			if !seq.Status.IsFinished() {
				seq.Status = StatusFinishedAborted
			}
			s.bsm.Free(seq)
		}
		s.partial.Remove(id)
		return
	}
}

// Fork shares a parent sequence's block table with a newly created child
// sequence (beam search fan-out), delegating the block bookkeeping to the
// BlockSpaceManager.
func (s *Scheduler) Fork(g *SequenceGroup, parent, child *Sequence) {
	s.bsm.Fork(parent, child)
	g.Seqs = append(g.Seqs, child)
}

// FreeFinished frees the device/host blocks of every finished sequence
// still sitting in the running queue and drops fully-finished groups from
// it. The Engine calls this once per iteration after applying outputs.
func (s *Scheduler) FreeFinished() {
	items := s.running.Items()
	remaining := items[:0:0]
	for _, g := range items {
		for _, seq := range g.Seqs {
			if seq.Status.IsFinished() {
				s.bsm.Free(seq)
			}
		}
		if !g.IsFinished() {
			remaining = append(remaining, g)
		}
	}
	s.running.SetItems(remaining)
}
