package fault

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrInvalidFaultConfig indicates an unusable injector configuration.
var ErrInvalidFaultConfig = errors.New("invalid fault injection configuration")

// Mode selects how the injector perturbs its target stage.
type Mode string

const (
	// ModeLatency adds a fixed delay before the target stage runs.
	ModeLatency Mode = "latency"
	// ModeCorrupt flips one byte of the stage's payload with the
	// configured probability. Corruption is always caught downstream by
	// checksum or tag verification; the injector never bypasses it.
	ModeCorrupt Mode = "corrupt"
	// ModeDrop silently discards one chunk frame with the configured
	// probability, driving the receiver's reassembly window timeout.
	ModeDrop Mode = "drop"
)

// Config is the bug-injection configuration, read once at startup and
// immutable thereafter.
type Config struct {
	// Enabled is the single toggle; everything else is ignored when
	// false.
	Enabled bool `yaml:"enabled"`
	// Stage names the one pipeline stage the fault targets. Explicit
	// parameterization keeps the analyzer's localization claim
	// independently verifiable.
	Stage string `yaml:"stage"`
	// Mode is latency, corrupt, or drop.
	Mode Mode `yaml:"mode"`
	// DelayMs is the added latency in milliseconds for ModeLatency.
	DelayMs int `yaml:"delay_ms"`
	// Probability applies per chunk for ModeCorrupt and ModeDrop.
	Probability float64 `yaml:"probability"`
	// Seed makes the perturbation sequence reproducible; 0 seeds from
	// the clock.
	Seed int64 `yaml:"seed"`
}

// Validate checks the configuration for an enabled injector.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Stage == "" {
		return fmt.Errorf("%w: target stage is required", ErrInvalidFaultConfig)
	}
	switch c.Mode {
	case ModeLatency:
		if c.DelayMs <= 0 {
			return fmt.Errorf("%w: latency mode requires a positive delay", ErrInvalidFaultConfig)
		}
	case ModeCorrupt, ModeDrop:
		if c.Probability <= 0 || c.Probability > 1 {
			return fmt.Errorf("%w: probability %v outside (0, 1]", ErrInvalidFaultConfig, c.Probability)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidFaultConfig, c.Mode)
	}
	return nil
}

// Injector perturbs exactly one pipeline stage when enabled. A disabled
// injector is a no-op on every path. All methods are safe for
// concurrent use.
type Injector struct {
	cfg Config

	mu  sync.Mutex
	rng *rand.Rand
}

// New builds an injector from validated configuration.
func New(cfg Config) (*Injector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	if cfg.Enabled {
		logrus.WithFields(logrus.Fields{
			"function":    "New",
			"stage":       cfg.Stage,
			"mode":        cfg.Mode,
			"delay_ms":    cfg.DelayMs,
			"probability": cfg.Probability,
		}).Warn("Fault injection enabled")
	}

	return &Injector{
		cfg: cfg,
		rng: rand.New(rand.NewSource(seed)),
	}, nil
}

// Disabled returns an injector that never perturbs anything.
func Disabled() *Injector {
	inj, _ := New(Config{})
	return inj
}

// Enabled reports whether the injector is active.
func (i *Injector) Enabled() bool {
	return i.cfg.Enabled
}

// Stage returns the targeted stage name, or "" when disabled.
func (i *Injector) Stage() string {
	if !i.cfg.Enabled {
		return ""
	}
	return i.cfg.Stage
}

// Delay sleeps for the configured duration when the given stage is the
// latency target. Returns true if a delay was injected.
func (i *Injector) Delay(stage string) bool {
	if !i.targets(stage, ModeLatency) {
		return false
	}

	time.Sleep(time.Duration(i.cfg.DelayMs) * time.Millisecond)
	return true
}

// Corrupt flips one byte of data with the configured probability when
// the given stage is the corruption target. The input slice is never
// modified; a perturbed copy is returned along with true when
// corruption occurred.
func (i *Injector) Corrupt(stage string, data []byte) ([]byte, bool) {
	if !i.targets(stage, ModeCorrupt) || len(data) == 0 {
		return data, false
	}

	i.mu.Lock()
	hit := i.rng.Float64() < i.cfg.Probability
	pos := 0
	if hit {
		pos = i.rng.Intn(len(data))
	}
	i.mu.Unlock()

	if !hit {
		return data, false
	}

	corrupted := make([]byte, len(data))
	copy(corrupted, data)
	corrupted[pos] ^= 0x01

	logrus.WithFields(logrus.Fields{
		"function": "Corrupt",
		"stage":    stage,
		"position": pos,
	}).Warn("Injected single-byte corruption")

	return corrupted, true
}

// ShouldDrop reports whether the chunk at the given index should be
// discarded instead of sent, when the given stage is the drop target.
func (i *Injector) ShouldDrop(stage string, index uint64) bool {
	if !i.targets(stage, ModeDrop) {
		return false
	}

	i.mu.Lock()
	hit := i.rng.Float64() < i.cfg.Probability
	i.mu.Unlock()

	if hit {
		logrus.WithFields(logrus.Fields{
			"function":    "ShouldDrop",
			"stage":       stage,
			"chunk_index": index,
		}).Warn("Injected chunk drop")
	}
	return hit
}

func (i *Injector) targets(stage string, mode Mode) bool {
	return i.cfg.Enabled && i.cfg.Mode == mode && i.cfg.Stage == stage
}
