// cmd/root.go
package cmd

import (
	"fmt"
	"math"
	"math/rand/v2"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	sim "github.com/kvsched/core/sim"
	"github.com/kvsched/core/sim/trace"
)

var (
	configPath string

	numDeviceBlocks int64
	numHostBlocks   int64
	blockSizeTokens int64
	watermark       int64
	prefixCaching   bool

	tokenBudget    int64
	maxNumSeqs     int64
	maxPromptLen   int64
	enableChunking bool
	preemptionMode string
	swapOutMode    string
	swapOutRate    float64
	policyName     string

	arrivalRate   float64
	numRequests   int
	promptLen     int
	maxOutputLen  int64
	horizon       int64
	rngSeed       int64
	logLevel      string
	traceLevel    string
)

var rootCmd = &cobra.Command{
	Use:   "kvsched",
	Short: "Scheduler and paged KV-cache block manager for LLM serving",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Drive the scheduler over synthetic Poisson arrivals for local experimentation",
	RunE:  runSimulation,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	runCmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML ConfigBundle; when set, overrides the individual flags below")

	runCmd.Flags().Int64Var(&numDeviceBlocks, "device-blocks", 64, "Number of device-tier KV cache blocks")
	runCmd.Flags().Int64Var(&numHostBlocks, "host-blocks", 128, "Number of host-tier KV cache blocks")
	runCmd.Flags().Int64Var(&blockSizeTokens, "block-size", 16, "Number of tokens per KV cache block")
	runCmd.Flags().Int64Var(&watermark, "watermark", 1, "Reserved device blocks below which admission is refused")
	runCmd.Flags().BoolVar(&prefixCaching, "prefix-caching", true, "Enable automatic prefix caching")

	runCmd.Flags().Int64Var(&tokenBudget, "token-budget", 2048, "Max tokens batched per scheduling iteration")
	runCmd.Flags().Int64Var(&maxNumSeqs, "max-num-seqs", 64, "Max concurrently running sequences")
	runCmd.Flags().Int64Var(&maxPromptLen, "max-prompt-len", 4096, "Max admissible prompt length")
	runCmd.Flags().BoolVar(&enableChunking, "enable-chunking", false, "Enable chunked-prefill scheduling")
	runCmd.Flags().StringVar(&preemptionMode, "preemption-mode", "recompute", "Preemption mode: recompute|swap")
	runCmd.Flags().StringVar(&swapOutMode, "swap-out-mode", "full", "Swap-out mode: full|partial")
	runCmd.Flags().Float64Var(&swapOutRate, "swap-out-rate", 0.5, "Fraction of a victim's blocks moved per partial swap-out")
	runCmd.Flags().StringVar(&policyName, "policy", "fcfs", fmt.Sprintf("Scheduling policy (one of %v)", sim.ValidPolicyNames()))

	runCmd.Flags().Float64Var(&arrivalRate, "rate", 0.01, "Poisson arrival rate (requests per simulated µs)")
	runCmd.Flags().IntVar(&numRequests, "num-requests", 200, "Number of synthetic requests to generate")
	runCmd.Flags().IntVar(&promptLen, "prompt-len", 128, "Synthetic prompt length in tokens")
	runCmd.Flags().Int64Var(&maxOutputLen, "max-output-len", 64, "Max output tokens per synthetic request")
	runCmd.Flags().Int64Var(&horizon, "horizon", 10_000_000, "Simulation horizon in microseconds; Schedule stops admitting new work past this clock")
	runCmd.Flags().Int64Var(&rngSeed, "seed", 0, "Seed for arrival generation, prompt synthesis, and the demo executor")
	runCmd.Flags().StringVar(&logLevel, "log", "info", "Log level (debug, info, warn, error)")
	runCmd.Flags().StringVar(&traceLevel, "trace", "iterations", fmt.Sprintf("Trace level (one of %v)", []string{"none", "iterations"}))

	rootCmd.AddCommand(runCmd)
}

// buildConfigBundle assembles a ConfigBundle either from --config or from
// the individual flags, the way the teacher's run command lets a YAML file
// override ad-hoc flags for repeatable experiments.
func buildConfigBundle() (*sim.ConfigBundle, error) {
	if configPath != "" {
		return sim.LoadConfigBundle(configPath)
	}
	bundle := &sim.ConfigBundle{
		TokenBudget:         tokenBudget,
		MaxNumSeqs:          maxNumSeqs,
		MaxPromptLen:        maxPromptLen,
		EnableChunking:      enableChunking,
		PreemptionMode:      preemptionMode,
		SwapOutMode:         swapOutMode,
		SwapOutPartialRate:  swapOutRate,
		Policy:              policyName,
		RNGSeed:             rngSeed,
		BlockSizeTokens:     blockSizeTokens,
		NumDeviceBlocks:     numDeviceBlocks,
		NumHostBlocks:       numHostBlocks,
		Watermark:           watermark,
		EnablePrefixCaching: prefixCaching,
	}
	if !sim.IsValidPolicy(bundle.Policy) {
		return nil, fmt.Errorf("invalid policy %q (valid: %v)", bundle.Policy, sim.ValidPolicyNames())
	}
	if !sim.IsValidPreemptionMode(bundle.PreemptionMode) {
		return nil, fmt.Errorf("invalid preemption_mode %q (valid: %v)", bundle.PreemptionMode, sim.ValidPreemptionModeNames())
	}
	if !sim.IsValidSwapOutMode(bundle.SwapOutMode) {
		return nil, fmt.Errorf("invalid swap_out_mode %q (valid: %v)", bundle.SwapOutMode, sim.ValidSwapOutModeNames())
	}
	return bundle, nil
}

// poissonArrivals generates numRequests arrival timestamps from a Poisson
// process with the given rate, the way the teacher's
// Simulator.GeneratePoissonArrivals derives inter-arrival gaps from the
// exponential distribution via a seeded RNG.
func poissonArrivals(rng *rand.Rand, rate float64, n int) []int64 {
	arrivals := make([]int64, n)
	var clock float64
	for i := 0; i < n; i++ {
		u := rng.Float64()
		if u <= 0 {
			u = 1e-12
		}
		gap := -1.0 / rate * math.Log(u)
		clock += gap
		arrivals[i] = int64(clock)
	}
	return arrivals
}

func runSimulation(cmd *cobra.Command, args []string) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	log := logrus.New()
	log.SetLevel(level)

	if !trace.IsValidTraceLevel(traceLevel) {
		return fmt.Errorf("invalid trace level %q", traceLevel)
	}

	bundle, err := buildConfigBundle()
	if err != nil {
		return err
	}

	bsm := sim.NewBlockSpaceManager(bundle.BlockSpaceManagerConfig(log))
	scheduler := sim.NewScheduler(bundle.SchedulerConfig(log), bsm)
	scheduler.ArmDeadline(horizon)
	executor := sim.NewRandomExecutor(rngSeed, 32000)
	engine := sim.NewEngine(scheduler, bsm, executor, log)

	rng := rand.New(rand.NewPCG(uint64(rngSeed), uint64(rngSeed>>1)+1))
	arrivals := poissonArrivals(rng, arrivalRate, numRequests)

	st := trace.NewSchedulerTrace(trace.TraceConfig{Level: trace.TraceLevel(traceLevel)})
	arrivalByReq := make(map[string]int64, numRequests)

	log.Infof("starting run: %d requests, rate=%.4f/µs, horizon=%dµs, policy=%s", numRequests, arrivalRate, horizon, bundle.Policy)

	nextArrival := 0
	var clock int64
	for engine.HasUnfinishedRequests() || nextArrival < len(arrivals) {
		for nextArrival < len(arrivals) && arrivals[nextArrival] <= clock {
			reqID := fmt.Sprintf("req-%d", nextArrival)
			prompt := make([]int, promptLen)
			for i := range prompt {
				prompt[i] = rng.IntN(32000)
			}
			seq := sim.NewSequence(reqID+"-0", prompt)
			group := sim.NewSequenceGroup(reqID, arrivals[nextArrival], sim.SamplingParams{MaxTokens: maxOutputLen}, seq)
			if err := engine.AddRequest(group); err != nil {
				log.WithError(err).Warnf("request %s rejected at admission", reqID)
			} else {
				arrivalByReq[reqID] = arrivals[nextArrival]
			}
			nextArrival++
		}

		plan, err := engine.Step(clock)
		if err != nil {
			return fmt.Errorf("engine step at clock=%d: %w", clock, err)
		}
		recordIteration(st, scheduler, plan, clock, arrivalByReq)

		if len(plan.Scheduled) == 0 && nextArrival >= len(arrivals) && !engine.HasUnfinishedRequests() {
			break
		}
		clock += 1000
		if clock > horizon+int64(numRequests)*1000 {
			log.Warn("run exceeded safety horizon, stopping")
			break
		}
	}

	summary := trace.Summarize(st)
	log.Infof("iterations=%d meanBatchedTokens=%.1f meanRunning=%.2f maxWaiting=%d preempted=%d",
		summary.TotalIterations, summary.MeanBatchedTokens, summary.MeanNumRunning, summary.MaxNumWaiting, summary.TotalPreempted)
	log.Infof("TTFT mean=%.0f p50=%.0f p90=%.0f p99=%.0f (µs)", summary.MeanTTFT, summary.P50TTFT, summary.P90TTFT, summary.P99TTFT)
	log.Infof("TPOT mean=%.0f p50=%.0f p90=%.0f p99=%.0f (µs)", summary.MeanTPOT, summary.P50TPOT, summary.P90TPOT, summary.P99TPOT)
	return nil
}

func recordIteration(st *trace.SchedulerTrace, scheduler *sim.Scheduler, plan *sim.BatchPlan, clock int64, arrivalByReq map[string]int64) {
	for _, entry := range plan.Scheduled {
		arrival, ok := arrivalByReq[entry.Group.RequestID]
		if !ok {
			continue
		}
		for _, seq := range entry.Group.Seqs {
			if seq.Status == sim.StatusRunning {
				st.RecordTokenStep(entry.Group.RequestID, arrival, clock)
			}
		}
	}
	st.RecordIteration(trace.IterationRecord{
		Clock:            clock,
		NumRunning:       scheduler.NumRunning(),
		NumWaiting:       scheduler.NumWaiting(),
		NumSwapped:       scheduler.NumSwapped(),
		NumPrefillGroups: plan.NumPrefillGroups,
		NumBatchedTokens: plan.NumBatchedTokens,
		NumPreempted:     plan.NumPreempted,
	})
}
