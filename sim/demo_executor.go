package sim

import "math/rand/v2"

// RandomExecutor is a toy stand-in for the real model executor (spec §1
// treats the neural network forward pass as an external black box): each
// scheduled sequence samples a token id and an end-of-sequence
// log-probability/rank from a seeded generator, finishing once the sequence
// reaches its configured max_tokens. Grounded on the teacher's
// GeneratePoissonArrivals/RNG-driven simulation loop (sim/rng.go) — same
// "deterministic seeded rand/v2" idiom, applied here to fabricate sampler
// output instead of arrival times. Exists for `cmd/root.go`'s local
// experimentation harness and is not part of the core's tested contract.
type RandomExecutor struct {
	rng      *rand.Rand
	vocabLen int
}

func NewRandomExecutor(seed int64, vocabLen int) *RandomExecutor {
	if vocabLen <= 0 {
		vocabLen = 32000
	}
	return &RandomExecutor{
		rng:      rand.New(rand.NewPCG(uint64(seed), uint64(seed>>1)+1)),
		vocabLen: vocabLen,
	}
}

func (e *RandomExecutor) Execute(plan *BatchPlan) ([]TokenOutput, error) {
	outs := make([]TokenOutput, 0, len(plan.Scheduled))
	for _, entry := range plan.Scheduled {
		for _, seq := range entry.Group.Seqs {
			if seq.Status != StatusRunning {
				continue
			}
			out := TokenOutput{
				SeqID:      seq.SeqID,
				TokenID:    e.rng.IntN(e.vocabLen),
				EOSLogProb: -e.rng.Float64() * 5,
				EOSRank:    e.rng.IntN(200),
			}
			willBeComputed := seq.NumComputedTokens + entry.TokenChunkSize
			if willBeComputed >= seq.PromptLen() {
				generated := seq.OutputLen() + 1
				maxTokens := entry.Group.SamplingParams.MaxTokens
				if maxTokens > 0 && generated >= maxTokens {
					out.Finished = true
					out.FinishedAs = StatusFinishedLengthCapped
				}
			}
			outs = append(outs, out)
		}
	}
	return outs, nil
}
