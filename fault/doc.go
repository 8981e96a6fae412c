// Package fault implements the optional bug injector used to validate
// that the pipeline's telemetry can statistically localize a
// performance regression.
//
// The injector is built once at startup from immutable configuration
// and targets exactly one named pipeline stage with one perturbation:
// added latency, single-byte payload corruption, or a dropped chunk.
// Correctness guarantees are never silently altered: injected
// corruption is still caught by the pipeline's own checksum and
// authentication-tag verification, and an injected drop surfaces as the
// receiver's normal reassembly timeout. The injector proves the failure
// detection works; it does not bypass it.
package fault
