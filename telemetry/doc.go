// Package telemetry provides the instrumentation layer for the filewire
// pipeline: distributed-tracing spans, prometheus metrics, and the
// sampling policy that gates span recording.
//
// Traces and metrics are independent subsystems. The sampling policy
// ("always_on" or a probability in [0, 1]) is applied once per session
// when its root span starts; every descendant stage span inherits the
// decision through the parent-based sampler, so a transfer is never
// partially sampled. Metric samples are recorded unconditionally.
//
// The Emitter models spans as explicitly scoped resources: StartStage
// returns an EndFunc that the caller defers, guaranteeing closure on
// every exit path, including panic unwinds.
package telemetry
