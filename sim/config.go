package sim

import (
	"fmt"
	"os"
	"sort"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// PreemptionMode chooses how a preempted request gives up its resources.
type PreemptionMode int

const (
	PreemptionRecompute PreemptionMode = iota
	PreemptionSwap
)

func (m PreemptionMode) String() string {
	if m == PreemptionSwap {
		return "swap"
	}
	return "recompute"
}

// SwapOutMode chooses whether a swap-out preemption moves a victim's whole
// block table at once or in rate-limited partial chunks (spec §4.5.4).
type SwapOutMode int

const (
	SwapOutFull SwapOutMode = iota
	SwapOutPartial
)

func (m SwapOutMode) String() string {
	if m == SwapOutPartial {
		return "partial"
	}
	return "full"
}

var (
	validPreemptionModes = map[string]bool{"": true, "recompute": true, "swap": true}
	validSwapOutModes    = map[string]bool{"": true, "full": true, "partial": true}
)

func IsValidPreemptionMode(s string) bool { return validPreemptionModes[s] }
func IsValidSwapOutMode(s string) bool    { return validSwapOutModes[s] }

func ValidPreemptionModeNames() []string { return sortedKeys(validPreemptionModes) }
func ValidSwapOutModeNames() []string    { return sortedKeys(validSwapOutModes) }

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		if k != "" {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func ParsePreemptionMode(s string) PreemptionMode {
	if s == "swap" {
		return PreemptionSwap
	}
	return PreemptionRecompute
}

func ParseSwapOutMode(s string) SwapOutMode {
	if s == "partial" {
		return SwapOutPartial
	}
	return SwapOutFull
}

// SchedulerConfig is the Scheduler's plain value-type configuration, in the
// spirit of the teacher's KVCacheConfig/BatchConfig (sim/config.go): no
// package-level defaults or globals, everything passed in at construction.
type SchedulerConfig struct {
	TokenBudget        int64
	MaxNumSeqs         int64
	MaxPromptLen       int64
	EnableChunking     bool
	PreemptionMode     PreemptionMode
	SwapOutMode        SwapOutMode
	SwapOutPartialRate float64
	PolicyName         string
	// DelayFactor recovers _passed_delay from .backup/scheduler.py: when > 0,
	// schedule_prefills skips admitting a new prefill until at least
	// DelayFactor time units have passed since the previous prefill was
	// admitted, letting a few more requests accumulate for better batching.
	// 0 disables it,
	// matching the behavior spec.md describes when this knob is absent.
	DelayFactor int64
	RNGSeed     int64
	Logger      logrus.FieldLogger
}

// ConfigBundle is the YAML-loadable form of SchedulerConfig +
// BlockSpaceManagerConfig, grounded on sim/bundle.go's PolicyBundle /
// LoadPolicyBundle: strict field parsing (typos fail loudly rather than
// silently defaulting) and a validity-map per enumerable field.
type ConfigBundle struct {
	TokenBudget        int64   `yaml:"token_budget"`
	MaxNumSeqs         int64   `yaml:"max_num_seqs"`
	MaxPromptLen       int64   `yaml:"max_prompt_len"`
	EnableChunking     bool    `yaml:"enable_chunking"`
	PreemptionMode     string  `yaml:"preemption_mode"`
	SwapOutMode        string  `yaml:"swap_out_mode"`
	SwapOutPartialRate float64 `yaml:"swap_out_partial_rate"`
	Policy             string  `yaml:"policy"`
	DelayFactor        int64   `yaml:"delay_factor"`
	RNGSeed            int64   `yaml:"rng_seed"`

	BlockSizeTokens     int64 `yaml:"block_size_tokens"`
	NumDeviceBlocks     int64 `yaml:"num_device_blocks"`
	NumHostBlocks       int64 `yaml:"num_host_blocks"`
	Watermark           int64 `yaml:"watermark"`
	EnablePrefixCaching bool  `yaml:"enable_prefix_caching"`
}

// LoadConfigBundle reads and strictly parses a YAML config file: an unknown
// field is an error, not a silently-ignored typo, matching
// sim/bundle.go's LoadPolicyBundle.
func LoadConfigBundle(path string) (*ConfigBundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sim: open config %s: %w", path, err)
	}
	defer f.Close()

	var bundle ConfigBundle
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&bundle); err != nil {
		return nil, fmt.Errorf("sim: parse config %s: %w", path, err)
	}
	if !IsValidPolicy(bundle.Policy) {
		return nil, fmt.Errorf("sim: config %s: invalid policy %q (valid: %v)", path, bundle.Policy, ValidPolicyNames())
	}
	if !IsValidPreemptionMode(bundle.PreemptionMode) {
		return nil, fmt.Errorf("sim: config %s: invalid preemption_mode %q (valid: %v)", path, bundle.PreemptionMode, ValidPreemptionModeNames())
	}
	if !IsValidSwapOutMode(bundle.SwapOutMode) {
		return nil, fmt.Errorf("sim: config %s: invalid swap_out_mode %q (valid: %v)", path, bundle.SwapOutMode, ValidSwapOutModeNames())
	}
	return &bundle, nil
}

func (b *ConfigBundle) SchedulerConfig(log logrus.FieldLogger) SchedulerConfig {
	return SchedulerConfig{
		TokenBudget:        b.TokenBudget,
		MaxNumSeqs:         b.MaxNumSeqs,
		MaxPromptLen:       b.MaxPromptLen,
		EnableChunking:     b.EnableChunking,
		PreemptionMode:     ParsePreemptionMode(b.PreemptionMode),
		SwapOutMode:        ParseSwapOutMode(b.SwapOutMode),
		SwapOutPartialRate: b.SwapOutPartialRate,
		PolicyName:         b.Policy,
		DelayFactor:        b.DelayFactor,
		RNGSeed:            b.RNGSeed,
		Logger:             log,
	}
}

func (b *ConfigBundle) BlockSpaceManagerConfig(log logrus.FieldLogger) BlockSpaceManagerConfig {
	return BlockSpaceManagerConfig{
		BlockSizeTokens:     b.BlockSizeTokens,
		NumDeviceBlocks:     b.NumDeviceBlocks,
		NumHostBlocks:       b.NumHostBlocks,
		Watermark:           b.Watermark,
		EnablePrefixCaching: b.EnablePrefixCaching,
		Logger:              log,
	}
}
