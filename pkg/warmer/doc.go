// Package warmer precompiles validators before they are requested.
//
// Every real validator lookup is appended to a bounded access history.
// Each cycle runs the configured strategies over that history:
//
//   - FrequencyStrategy scores keys by hit count in a trailing window,
//     saturating at FrequencySaturation.
//   - PredictiveStrategy finds keys with at least three accesses, predicts
//     the next access from the mean interval and scores regular patterns
//     higher.
//
// Candidates at or above the priority threshold are warmed through an
// errgroup limited to MaxConcurrent. Keys already cached, already warming,
// or whose measured compile latency exceeds MaxEstimatedCompile are
// skipped. Failures are logged and counted; they never stop the cycle.
package warmer
