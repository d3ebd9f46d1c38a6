package sim

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// TokenOutput is one sequence's sampled token for the iteration just
// executed, along with the end-of-sequence observation the policies in
// policy.go use to estimate remaining length.
type TokenOutput struct {
	SeqID      string
	TokenID    int
	EOSLogProb float64
	EOSRank    int
	Finished   bool
	FinishedAs SeqStatus // one of the Finished* statuses, meaningful only if Finished
}

// Executor is the model-executor collaborator the Engine drives: given a
// BatchPlan, actually run the forward pass (prefill chunk or decode step)
// for every scheduled entry and report back what was sampled. spec.md §1
// treats the neural network executor as a black box outside this package's
// scope; Executor is the seam that black box plugs into.
type Executor interface {
	Execute(plan *BatchPlan) ([]TokenOutput, error)
}

// Engine is the façade of spec §4.6: owns one Scheduler and one Executor,
// and drives Step() in a loop. Grounded in spirit on the teacher's
// Simulator.Step/makeRunningBatch control flow (sim/simulator.go) — build a
// batch, execute it, apply outputs, free finished — but against this
// repo's BatchPlan/Executor contract instead of the teacher's in-process GPU
// simulation, since here the executor is genuinely external.
type Engine struct {
	scheduler *Scheduler
	bsm       *BlockSpaceManager
	executor  Executor
	log       logrus.FieldLogger

	seqsByID map[string]*Sequence
}

func NewEngine(scheduler *Scheduler, bsm *BlockSpaceManager, executor Executor, log logrus.FieldLogger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{scheduler: scheduler, bsm: bsm, executor: executor, log: log, seqsByID: make(map[string]*Sequence)}
}

func (e *Engine) AddRequest(g *SequenceGroup) error {
	if err := e.scheduler.AddRequest(g); err != nil {
		return err
	}
	for _, seq := range g.Seqs {
		e.seqsByID[seq.SeqID] = seq
	}
	return nil
}

func (e *Engine) AbortRequest(requestIDs ...string) { e.scheduler.AbortRequest(requestIDs...) }

func (e *Engine) HasUnfinishedRequests() bool { return e.scheduler.HasUnfinishedRequests() }

// Step runs exactly one scheduling + execution iteration, returning the
// plan that was executed. A plan with no scheduled entries and no ignored
// groups means there was nothing to do this iteration.
func (e *Engine) Step(now int64) (*BatchPlan, error) {
	plan := e.scheduler.Schedule(now)
	if len(plan.Scheduled) == 0 {
		e.scheduler.FreeFinished()
		return plan, nil
	}

	outputs, err := e.executor.Execute(plan)
	if err != nil {
		return plan, fmt.Errorf("sim: executor: %w", err)
	}
	e.applyOutputs(plan, outputs)
	for _, entry := range plan.Scheduled {
		e.bsm.MarkBlocksAsComputed(entry.Group)
	}
	e.scheduler.FreeFinished()
	return plan, nil
}

func (e *Engine) applyOutputs(plan *BatchPlan, outputs []TokenOutput) {
	byEntry := make(map[string]ScheduledEntry, len(plan.Scheduled))
	for _, entry := range plan.Scheduled {
		for _, seq := range entry.Group.Seqs {
			byEntry[seq.SeqID] = entry
		}
	}
	advanced := make(map[string]bool)
	for _, out := range outputs {
		seq, ok := e.seqsByID[out.SeqID]
		if !ok {
			continue
		}
		entry, ok := byEntry[out.SeqID]
		if !ok {
			continue
		}
		seq.AdvanceComputed(entry.TokenChunkSize)
		advanced[out.SeqID] = true
		if seq.NumComputedTokens >= seq.TotalLen() {
			seq.AppendTokenID(out.TokenID, out.EOSLogProb, out.EOSRank)
		}
		if out.Finished {
			status := out.FinishedAs
			if status == 0 {
				status = StatusFinishedStopped
			}
			seq.Status = status
		}
	}
}
