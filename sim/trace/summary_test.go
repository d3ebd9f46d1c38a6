package trace

import "testing"

func TestSummarize_NilTrace_ZeroValues(t *testing.T) {
	// GIVEN a nil trace
	// WHEN summarized
	summary := Summarize(nil)

	// THEN all fields are zero
	if summary.TotalIterations != 0 {
		t.Errorf("expected 0 total iterations, got %d", summary.TotalIterations)
	}
	if summary.MeanTTFT != 0 || summary.MeanTPOT != 0 {
		t.Error("expected zero latency stats for a nil trace")
	}
}

func TestSummarize_EmptyTrace_ZeroValues(t *testing.T) {
	// GIVEN an empty trace
	st := NewSchedulerTrace(TraceConfig{Level: TraceLevelIterations})

	// WHEN summarized
	summary := Summarize(st)

	// THEN all counts are zero
	if summary.TotalIterations != 0 {
		t.Errorf("expected 0 total iterations, got %d", summary.TotalIterations)
	}
	if summary.TotalPreempted != 0 {
		t.Error("expected 0 preempted")
	}
}

func TestSummarize_Iterations_MeansAndMaxWaiting(t *testing.T) {
	// GIVEN three iterations with known batch sizes and queue depths
	st := NewSchedulerTrace(TraceConfig{Level: TraceLevelIterations})
	st.RecordIteration(IterationRecord{NumRunning: 2, NumWaiting: 1, NumBatchedTokens: 10, NumPreempted: 0})
	st.RecordIteration(IterationRecord{NumRunning: 4, NumWaiting: 5, NumBatchedTokens: 20, NumPreempted: 1})
	st.RecordIteration(IterationRecord{NumRunning: 3, NumWaiting: 2, NumBatchedTokens: 30, NumPreempted: 0})

	// WHEN summarized
	summary := Summarize(st)

	// THEN means, max-waiting, and total-preempted are correct
	if summary.TotalIterations != 3 {
		t.Fatalf("expected 3 iterations, got %d", summary.TotalIterations)
	}
	if summary.MeanBatchedTokens != 20 {
		t.Errorf("expected mean batched tokens 20, got %.2f", summary.MeanBatchedTokens)
	}
	wantMeanRunning := (2.0 + 4.0 + 3.0) / 3.0
	if summary.MeanNumRunning != wantMeanRunning {
		t.Errorf("expected mean running %.4f, got %.4f", wantMeanRunning, summary.MeanNumRunning)
	}
	if summary.MaxNumWaiting != 5 {
		t.Errorf("expected max waiting 5, got %d", summary.MaxNumWaiting)
	}
	if summary.TotalPreempted != 1 {
		t.Errorf("expected 1 total preempted, got %d", summary.TotalPreempted)
	}
}

func TestSummarize_LatencyQuantiles_ComputedFromRequestRecords(t *testing.T) {
	// GIVEN two requests with known TTFT and inter-token latencies
	st := NewSchedulerTrace(TraceConfig{Level: TraceLevelIterations})
	st.RecordTokenStep("r1", 0, 100) // TTFT 100
	st.RecordTokenStep("r1", 0, 110) // TPOT 10
	st.RecordTokenStep("r1", 0, 130) // TPOT 20
	st.RecordTokenStep("r2", 0, 200) // TTFT 200

	// WHEN summarized
	summary := Summarize(st)

	// THEN TTFT mean sits between the two observed values and P99 is the max
	if summary.MeanTTFT <= 100 || summary.MeanTTFT >= 200 {
		t.Errorf("expected mean TTFT strictly between 100 and 200, got %.2f", summary.MeanTTFT)
	}
	if summary.P99TTFT != 200 {
		t.Errorf("expected p99 TTFT to be the max observation 200, got %.2f", summary.P99TTFT)
	}
	if summary.MeanTPOT != 15 {
		t.Errorf("expected mean TPOT 15, got %.2f", summary.MeanTPOT)
	}
}
