package sim

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
)

// Policy scores SequenceGroups for ordering a queue; higher score schedules
// earlier. Running and waiting queues can be scored differently
// (tfittradeoff does), so the interface keeps both paths instead of a
// single Score method. Grounded on
// _examples/original_source/vllm/core/policy.py's Policy base class.
type Policy interface {
	Name() string
	ScoreWaiting(now int64, g *SequenceGroup) float64
	ScoreRunning(now int64, g *SequenceGroup) float64
}

// SortQueueByPolicy stable-sorts items in place by descending score (ties
// broken by arrival time, then request id, for full determinism), following
// the tie-break chain the teacher's PriorityFCFSScheduler/SJFScheduler use
// in sim/scheduler.go.
func SortQueueByPolicy(items []*SequenceGroup, now int64, p Policy, running bool) {
	sort.SliceStable(items, func(i, j int) bool {
		var si, sj float64
		if running {
			si, sj = p.ScoreRunning(now, items[i]), p.ScoreRunning(now, items[j])
		} else {
			si, sj = p.ScoreWaiting(now, items[i]), p.ScoreWaiting(now, items[j])
		}
		if si != sj {
			return si > sj
		}
		if items[i].ArrivalTime != items[j].ArrivalTime {
			return items[i].ArrivalTime < items[j].ArrivalTime
		}
		return items[i].RequestID < items[j].RequestID
	})
}

// simplePolicy wraps a single scoring function used identically for both
// the running and waiting queues. sjmlfq and infer have their own types but
// also score both queues the same way; only tfittradeoff scores them
// differently.
type simplePolicy struct {
	name  string
	score func(now int64, g *SequenceGroup) float64
}

func (p *simplePolicy) Name() string { return p.name }
func (p *simplePolicy) ScoreWaiting(now int64, g *SequenceGroup) float64 { return p.score(now, g) }
func (p *simplePolicy) ScoreRunning(now int64, g *SequenceGroup) float64 { return p.score(now, g) }

func fcfsScore(now int64, g *SequenceGroup) float64 { return float64(now - g.ArrivalTime) }

func sjfScore(_ int64, g *SequenceGroup) float64 { return -float64(g.MaxLen()) }

func srjfScore(_ int64, g *SequenceGroup) float64 {
	return -float64(g.MaxLen() - g.SeqLen())
}

func lasScore(_ int64, g *SequenceGroup) float64 { return -float64(g.GeneratedTokens()) }

func ljfScore(_ int64, g *SequenceGroup) float64 {
	return float64(g.SeqLen()) - float64(g.WaitingIterCount*g.WaitingIterCount)
}

func wtfScore(_ int64, g *SequenceGroup) float64 { return float64(g.WaitingIterCount) }

func utfScore(_ int64, g *SequenceGroup) float64 { return float64(g.NumUncomputedTokens()) }

// SkipJoinMLFQ is policy.py's SkipJoinMLFQ: a discrete priority-level
// ladder where a request starts at the level matching its prompt length
// (longer prompts start lower, since they're assumed to run longer), is
// demoted one level each time it exhausts a level's quantum without
// finishing, and is promoted straight back to the top once it has waited
// starve_limit iterations without being scheduled.
type SkipJoinMLFQ struct {
	QuantumRatio float64
	StarveLimit  int64
	MinQuantum   float64
}

func (p *SkipJoinMLFQ) Name() string { return "sjmlfq" }

func (p *SkipJoinMLFQ) highestPriorityFor(promptLen int64) int {
	level := 1
	quantum := p.MinQuantum
	for quantum <= float64(promptLen) {
		level++
		quantum *= p.QuantumRatio
	}
	return level
}

func (p *SkipJoinMLFQ) score(now int64, g *SequenceGroup) float64 {
	if g.CurrentPriorityLevel == 0 {
		g.CurrentPriorityLevel = p.highestPriorityFor(g.Seqs[0].PromptLen())
	} else if g.HasFirstScheduledTime &&
		float64(now-g.FirstScheduledTime) > math.Pow(2, float64(g.CurrentPriorityLevel-1))*p.MinQuantum &&
		!g.Promoted {
		g.CurrentPriorityLevel++
	} else if g.WaitingIterCount >= p.StarveLimit {
		g.CurrentPriorityLevel = 1
		g.Promoted = true
	}
	return -float64(g.CurrentPriorityLevel)
}

func (p *SkipJoinMLFQ) ScoreWaiting(now int64, g *SequenceGroup) float64 { return p.score(now, g) }
func (p *SkipJoinMLFQ) ScoreRunning(now int64, g *SequenceGroup) float64 { return p.score(now, g) }

// InferPolicy is policy.py's TFTLatencyTrade: a gittins-index-style estimate
// of "probability of finishing soon" derived from the end-of-sequence
// token's observed log-probability, biased upward the longer a request has
// waited. Requests with no EOS observation yet (haven't produced a token)
// fall back to a simple shortest-prompt-first heuristic.
type InferPolicy struct{}

func (p *InferPolicy) Name() string { return "infer" }

func (p *InferPolicy) score(_ int64, g *SequenceGroup) float64 {
	var maxLogProb float64
	have := false
	var decodeLen int64
	for _, seq := range g.Seqs {
		for _, s := range seq.eosSamples() {
			if !have || s.LogProb > maxLogProb {
				maxLogProb = s.LogProb
				have = true
			}
		}
		decodeLen += seq.OutputLen()
	}
	if !have {
		return 2000 - float64(g.SeqLen())
	}
	return gittinsIndex(math.Exp(maxLogProb), g.WaitingIterCount, decodeLen)
}

func (p *InferPolicy) ScoreWaiting(now int64, g *SequenceGroup) float64 { return p.score(now, g) }
func (p *InferPolicy) ScoreRunning(now int64, g *SequenceGroup) float64 { return p.score(now, g) }

func gittinsIndex(eosProb float64, waitingIters, decodeLen int64) float64 {
	const n = 15.0
	value := 1 - eosProb
	if value > 0.999999 {
		value = 0.999999
	}
	if value < 0 {
		value = 0
	}
	eosInNext := 1 - math.Pow(value, n)
	expectRemaining := value * (1 + n*math.Pow(value, n+1) - (n+1)*math.Pow(value, n)) / math.Pow(1-value, 2)
	if expectRemaining <= 0 {
		expectRemaining = 1e-9
	}
	gittins := eosInNext / expectRemaining
	waitingPercent := float64(waitingIters*waitingIters) * math.Sqrt(float64(decodeLen))
	return gittins * (1 + waitingPercent)
}

// TradeoffPolicy is policy.py's TFITTradeoff. Its original scores the
// running and waiting queues from two different formulas tied together by a
// cluster-wide average priority rate that this single-instance scheduler has
// no equivalent of; per spec §9's open question about the source mixing two
// inconsistent max_eos_rank defaults, this implementation picks the
// simpler, documented one (a configurable MaxEOSRank, default 32000 as in
// the source's most common call site) and folds the "bias toward starving
// waiters" behavior into the waiting-side numerator directly, rather than
// threading a global average through every score call.
type TradeoffPolicy struct {
	MaxEOSRank int
}

func (p *TradeoffPolicy) Name() string { return "tfittradeoff" }

func (p *TradeoffPolicy) maxRank() float64 {
	if p.MaxEOSRank > 0 {
		return float64(p.MaxEOSRank)
	}
	return 32000
}

func (p *TradeoffPolicy) minEOSRank(g *SequenceGroup) (float64, bool) {
	best := 0
	found := false
	for _, seq := range g.Seqs {
		for _, s := range seq.eosSamples() {
			if !found || s.Rank < best {
				best = s.Rank
				found = true
			}
		}
	}
	return float64(best), found
}

func (p *TradeoffPolicy) ScoreRunning(_ int64, g *SequenceGroup) float64 {
	maxLen := float64(g.MaxLen())
	if maxLen <= 0 {
		maxLen = 1
	}
	seqLen := float64(g.SeqLen())
	rank, ok := p.minEOSRank(g)
	if !ok {
		return seqLen / maxLen
	}
	rate := (p.maxRank() - rank) / p.maxRank()
	return rate * seqLen / maxLen
}

func (p *TradeoffPolicy) ScoreWaiting(_ int64, g *SequenceGroup) float64 {
	maxLen := float64(g.MaxLen())
	if maxLen <= 0 {
		maxLen = 1
	}
	numerator := float64(g.SeqLen() + g.WaitingIterCount)
	rank, ok := p.minEOSRank(g)
	if !ok {
		return numerator / maxLen
	}
	rate := (p.maxRank() - rank) / p.maxRank()
	return rate * numerator / maxLen
}

var validPolicies = map[string]bool{
	"":             true, // defaults to fcfs, matching the teacher's nil-means-default convention
	"fcfs":         true,
	"random":       true,
	"sjf":          true,
	"srjf":         true,
	"las":          true,
	"ljf":          true,
	"wtf":          true,
	"utf":          true,
	"sjmlfq":       true,
	"infer":        true,
	"inferpreempt": true,
	"tfittradeoff": true,
}

func IsValidPolicy(name string) bool { return validPolicies[name] }

func ValidPolicyNames() []string {
	names := make([]string, 0, len(validPolicies))
	for n := range validPolicies {
		if n != "" {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

// NewPolicy builds the named policy, panicking on an unrecognized name —
// matching sim/scheduler.go's NewScheduler / sim/priority.go's
// NewPriorityPolicy panic-on-unknown-name convention (a bad policy name is
// a configuration bug, not a runtime condition to recover from). rngSeed
// seeds the "random" policy's generator deterministically (spec §8 property
// 6: same seed, same replay).
func NewPolicy(name string, rngSeed int64) Policy {
	switch name {
	case "", "fcfs":
		return &simplePolicy{name: "fcfs", score: fcfsScore}
	case "random":
		rng := rand.New(rand.NewPCG(uint64(rngSeed), uint64(rngSeed>>1)+1))
		return &simplePolicy{name: "random", score: func(int64, *SequenceGroup) float64 { return rng.Float64() }}
	case "sjf":
		return &simplePolicy{name: "sjf", score: sjfScore}
	case "srjf":
		return &simplePolicy{name: "srjf", score: srjfScore}
	case "las":
		return &simplePolicy{name: "las", score: lasScore}
	case "ljf":
		return &simplePolicy{name: "ljf", score: ljfScore}
	case "wtf":
		return &simplePolicy{name: "wtf", score: wtfScore}
	case "utf":
		return &simplePolicy{name: "utf", score: utfScore}
	case "sjmlfq":
		return &SkipJoinMLFQ{QuantumRatio: 2, StarveLimit: 5, MinQuantum: 2}
	case "infer", "inferpreempt":
		return &InferPolicy{}
	case "tfittradeoff":
		return &TradeoffPolicy{MaxEOSRank: 32000}
	default:
		panic(fmt.Sprintf("sim: unknown policy name %q (valid: %v)", name, ValidPolicyNames()))
	}
}
