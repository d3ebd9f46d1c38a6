package sim

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// stepExecutor is a minimal Executor stub: every scheduled sequence gets a
// fixed token appended, finishing once its output reaches the request's
// max_tokens so engine_test can drive a full request lifecycle without a
// real model backend.
type stepExecutor struct{ nextTokenID int }

func (e *stepExecutor) Execute(plan *BatchPlan) ([]TokenOutput, error) {
	var outs []TokenOutput
	for _, entry := range plan.Scheduled {
		for _, seq := range entry.Group.Seqs {
			if seq.Status != StatusRunning {
				continue
			}
			e.nextTokenID++
			willBeComputed := seq.NumComputedTokens + entry.TokenChunkSize
			out := TokenOutput{SeqID: seq.SeqID, TokenID: e.nextTokenID, EOSLogProb: -0.5, EOSRank: 2}
			if willBeComputed >= seq.PromptLen() {
				generated := seq.OutputLen() + 1
				if generated >= entry.Group.SamplingParams.MaxTokens {
					out.Finished = true
					out.FinishedAs = StatusFinishedLengthCapped
				}
			}
			outs = append(outs, out)
		}
	}
	return outs, nil
}

func TestEngine_Step_DrivesRequestFromAdmissionToCompletion(t *testing.T) {
	bsm := NewBlockSpaceManager(BlockSpaceManagerConfig{BlockSizeTokens: 4, NumDeviceBlocks: 10, NumHostBlocks: 10})
	sched := NewScheduler(SchedulerConfig{TokenBudget: 100, MaxNumSeqs: 4, PolicyName: "fcfs"}, bsm)
	engine := NewEngine(sched, bsm, &stepExecutor{}, nil)

	g := simpleGroup("r1", 4, 2, 0)
	require.NoError(t, engine.AddRequest(g))
	require.True(t, engine.HasUnfinishedRequests())

	var now int64
	for i := 0; i < 10 && engine.HasUnfinishedRequests(); i++ {
		_, err := engine.Step(now)
		require.NoError(t, err)
		now++
	}

	require.False(t, engine.HasUnfinishedRequests())
	require.Equal(t, StatusFinishedLengthCapped, g.Seqs[0].Status)
	require.Equal(t, int64(2), g.Seqs[0].OutputLen())
}

func TestEngine_AbortRequest_StopsSchedulingIt(t *testing.T) {
	bsm := NewBlockSpaceManager(BlockSpaceManagerConfig{BlockSizeTokens: 4, NumDeviceBlocks: 10, NumHostBlocks: 10})
	sched := NewScheduler(SchedulerConfig{TokenBudget: 100, MaxNumSeqs: 4, PolicyName: "fcfs"}, bsm)
	engine := NewEngine(sched, bsm, &stepExecutor{}, nil)

	g := simpleGroup("r1", 4, 10, 0)
	require.NoError(t, engine.AddRequest(g))

	engine.AbortRequest("r1")

	require.False(t, engine.HasUnfinishedRequests())
	require.Equal(t, StatusFinishedAborted, g.Seqs[0].Status)
}
