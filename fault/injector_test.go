package fault

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/opd-ai/filewire/telemetry"
)

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no stage", Config{Enabled: true, Mode: ModeLatency, DelayMs: 1}},
		{"unknown mode", Config{Enabled: true, Stage: telemetry.StageEncrypt, Mode: "explode"}},
		{"latency without delay", Config{Enabled: true, Stage: telemetry.StageEncrypt, Mode: ModeLatency}},
		{"corrupt probability zero", Config{Enabled: true, Stage: telemetry.StageSend, Mode: ModeCorrupt}},
		{"drop probability above one", Config{Enabled: true, Stage: telemetry.StageSend, Mode: ModeDrop, Probability: 1.5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); !errors.Is(err, ErrInvalidFaultConfig) {
				t.Errorf("expected ErrInvalidFaultConfig, got %v", err)
			}
		})
	}
}

func TestDisabledInjectorIsNoOp(t *testing.T) {
	inj := Disabled()

	if inj.Enabled() {
		t.Error("disabled injector reports enabled")
	}
	if inj.Delay(telemetry.StageEncrypt) {
		t.Error("disabled injector injected a delay")
	}
	data := []byte{1, 2, 3}
	out, hit := inj.Corrupt(telemetry.StageSend, data)
	if hit || !bytes.Equal(out, data) {
		t.Error("disabled injector corrupted data")
	}
	if inj.ShouldDrop(telemetry.StageSend, 0) {
		t.Error("disabled injector dropped a chunk")
	}
}

func TestDelayTargetsConfiguredStageOnly(t *testing.T) {
	inj, err := New(Config{
		Enabled: true,
		Stage:   telemetry.StageEncrypt,
		Mode:    ModeLatency,
		DelayMs: 20,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	start := time.Now()
	if inj.Delay(telemetry.StageCompress) {
		t.Error("delay injected into non-target stage")
	}
	if elapsed := time.Since(start); elapsed > 10*time.Millisecond {
		t.Errorf("non-target stage slowed by %v", elapsed)
	}

	start = time.Now()
	if !inj.Delay(telemetry.StageEncrypt) {
		t.Error("delay not injected into target stage")
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("target stage delayed only %v", elapsed)
	}
}

func TestCorruptFlipsExactlyOneByte(t *testing.T) {
	inj, err := New(Config{
		Enabled:     true,
		Stage:       telemetry.StageSend,
		Mode:        ModeCorrupt,
		Probability: 1.0,
		Seed:        7,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	original := bytes.Repeat([]byte{0xAB}, 256)
	out, hit := inj.Corrupt(telemetry.StageSend, original)
	if !hit {
		t.Fatal("corruption did not trigger at probability 1.0")
	}

	diff := 0
	for i := range original {
		if out[i] != original[i] {
			diff++
		}
	}
	if diff != 1 {
		t.Errorf("corrupted %d bytes, want exactly 1", diff)
	}
	if !bytes.Equal(original, bytes.Repeat([]byte{0xAB}, 256)) {
		t.Error("input slice was modified in place")
	}
}

func TestShouldDropIsReproducibleWithSeed(t *testing.T) {
	mk := func() *Injector {
		inj, err := New(Config{
			Enabled:     true,
			Stage:       telemetry.StageSend,
			Mode:        ModeDrop,
			Probability: 0.3,
			Seed:        99,
		})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		return inj
	}

	a, b := mk(), mk()
	for i := uint64(0); i < 100; i++ {
		if a.ShouldDrop(telemetry.StageSend, i) != b.ShouldDrop(telemetry.StageSend, i) {
			t.Fatalf("drop decisions diverged at index %d despite fixed seed", i)
		}
	}
}
