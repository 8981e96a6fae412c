package telemetry

import (
	"errors"
	"fmt"
	"strconv"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ErrInvalidSampling indicates a sampling setting that is neither the
// literal "always_on" nor a probability in [0, 1].
var ErrInvalidSampling = errors.New("invalid sampling configuration")

// AlwaysOn is the literal sampling setting that records every session.
const AlwaysOn = "always_on"

// Policy is an immutable per-process sampling policy: either record
// everything, or record each session with a fixed probability. The
// decision is made once per session when its root span is created, and
// every descendant span inherits it, so a transfer is never partially
// sampled.
type Policy struct {
	alwaysOn bool
	ratio    float64
}

// ParsePolicy parses a sampling setting: the literal "always_on" or a
// decimal probability in [0, 1].
func ParsePolicy(s string) (Policy, error) {
	if s == AlwaysOn {
		return Policy{alwaysOn: true, ratio: 1.0}, nil
	}

	ratio, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Policy{}, fmt.Errorf("%w: %q is neither %q nor a probability", ErrInvalidSampling, s, AlwaysOn)
	}
	if ratio < 0 || ratio > 1 {
		return Policy{}, fmt.Errorf("%w: probability %v outside [0, 1]", ErrInvalidSampling, ratio)
	}

	return Policy{ratio: ratio}, nil
}

// Sampler returns the trace sampler implementing this policy. Root
// spans are sampled by trace-id ratio; child spans follow their parent's
// decision, which keeps sampling session-atomic.
func (p Policy) Sampler() sdktrace.Sampler {
	if p.alwaysOn {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(p.ratio))
}

// Ratio returns the effective sampling probability.
func (p Policy) Ratio() float64 {
	return p.ratio
}

// String renders the policy in its configuration form.
func (p Policy) String() string {
	if p.alwaysOn {
		return AlwaysOn
	}
	return strconv.FormatFloat(p.ratio, 'g', -1, 64)
}
