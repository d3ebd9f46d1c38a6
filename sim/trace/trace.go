// Package trace provides decision-trace recording for scheduler run
// analysis. This package has no dependency on sim/ itself — it stores pure
// data types and summary math, the same separation the teacher's
// sim/trace package keeps.
package trace

// TraceLevel controls the verbosity of decision tracing.
type TraceLevel string

const (
	// TraceLevelNone disables tracing (zero overhead).
	TraceLevelNone TraceLevel = "none"
	// TraceLevelIterations captures one IterationRecord per Scheduler.Schedule
	// call plus per-request token-latency observations.
	TraceLevelIterations TraceLevel = "iterations"
)

var validTraceLevels = map[TraceLevel]bool{
	TraceLevelNone:       true,
	TraceLevelIterations: true,
	"":                   true, // empty defaults to none
}

// IsValidTraceLevel returns true if the given level string is a recognized trace level.
func IsValidTraceLevel(level string) bool {
	return validTraceLevels[TraceLevel(level)]
}

// TraceConfig controls trace collection behavior.
type TraceConfig struct {
	Level TraceLevel
}

// SchedulerTrace collects per-iteration scheduling decisions and per-request
// token-latency observations over a run of Engine.Step/Scheduler.Schedule
// calls, the raw material Summarize turns into throughput/latency stats.
type SchedulerTrace struct {
	Config     TraceConfig
	Iterations []IterationRecord
	Requests   map[string]*RequestLatencyRecord
}

func NewSchedulerTrace(config TraceConfig) *SchedulerTrace {
	if config.Level == "" {
		config.Level = TraceLevelNone
	}
	return &SchedulerTrace{
		Config:   config,
		Requests: make(map[string]*RequestLatencyRecord),
	}
}

// RecordIteration appends one iteration's queue-depth/batch-composition
// snapshot. A no-op when the trace level is TraceLevelNone.
func (t *SchedulerTrace) RecordIteration(r IterationRecord) {
	if t.Config.Level == TraceLevelNone {
		return
	}
	t.Iterations = append(t.Iterations, r)
}

func (t *SchedulerTrace) requestRecord(requestID string) *RequestLatencyRecord {
	r, ok := t.Requests[requestID]
	if !ok {
		r = &RequestLatencyRecord{RequestID: requestID}
		t.Requests[requestID] = r
	}
	return r
}

// RecordTokenStep logs one sampled token's completion time for a request's
// TTFT/TPOT bookkeeping: the first call records time-to-first-token
// (clock - arrival); every subsequent call accumulates an inter-token
// latency sample (time-per-output-token).
func (t *SchedulerTrace) RecordTokenStep(requestID string, arrival, clock int64) {
	if t.Config.Level == TraceLevelNone {
		return
	}
	r := t.requestRecord(requestID)
	if !r.HasFirstToken {
		r.TimeToFirstToken = clock - arrival
		r.HasFirstToken = true
		r.lastTokenAt = clock
		return
	}
	r.InterTokenLatencies = append(r.InterTokenLatencies, clock-r.lastTokenAt)
	r.lastTokenAt = clock
}
