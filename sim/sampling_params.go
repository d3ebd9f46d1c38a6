package sim

// SamplingParams mirrors the subset of vLLM's SamplingParams the scheduler
// itself needs to reason about (token budgets and stop conditions); the
// sampler's own interpretation of temperature/top_p/top_k is the model
// executor's concern, not this package's.
type SamplingParams struct {
	N             int
	BestOf        int
	Temperature   float64
	TopP          float64
	TopK          int
	MinTokens     int64
	MaxTokens     int64
	UseBeamSearch bool
	LogProbs      int
	IgnoreEOS     bool
	StopSequences []string
}

func (p SamplingParams) numSeqs() int {
	n := p.BestOf
	if n < p.N {
		n = p.N
	}
	if n < 1 {
		n = 1
	}
	return n
}
