// Package sim implements the scheduling core of an autoregressive
// text-generation serving engine: a request Scheduler and a paged
// KV-cache BlockSpaceManager, plus the pluggable policies that order the
// scheduler's queues.
//
// # Reading Guide
//
// Start with these three files:
//   - sequence.go / sequence_group.go: the Sequence/SequenceGroup data model
//     and the sequence status state machine.
//   - block.go / block_allocator.go / block_space_manager.go: the paged
//     KV-cache block manager (two tiers, prefix caching, copy-on-write,
//     swap in/out, partial swap-out).
//   - scheduler.go: one scheduling iteration — admits prefills, advances
//     decodes, preempts on memory pressure, resumes swapped requests.
//
// # Architecture
//
// The neural model executor, tokenizer, and sampler are external
// collaborators: Engine drives one iteration by calling the injected
// Executor and feeding its TokenOutputs back through applyOutputs (both
// in engine.go) — this package never touches model weights or device
// tensors, only block numbers and token ids.
//
// Extension points are small interfaces:
//   - BlockAllocator: per-tier free-list/eviction strategy (Uncached, Cached).
//   - Policy: scores a queue of SequenceGroups for ordering (see policy.go).
//
// # Ambient stack
//
// Logging goes through an injected logrus.FieldLogger (never fmt.Println;
// logrus.StandardLogger() is used only when no logger is injected) so
// multiple Scheduler instances in one process don't interleave. Configuration is plain value-type structs
// (SchedulerConfig, BlockSpaceManagerConfig); a YAML ConfigBundle loader
// in config.go supports the same strict-parsing / named-policy-validation
// shape used throughout this repository's ancestor.
package sim
