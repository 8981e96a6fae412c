package sd

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/filewire/telemetry"
)

// synthesizeRuns builds per-stage latency records for n runs per
// partition. When the bug flag is set, extraMs is added to the latency
// of bugStage.
func synthesizeRuns(rng *rand.Rand, n int, bugStage string, extraMs float64) []Record {
	baseline := map[string]float64{
		telemetry.StageChunk:      0.5,
		telemetry.StageCompress:   4.0,
		telemetry.StageEncrypt:    2.0,
		telemetry.StageSend:       8.0,
		telemetry.StageReceive:    1.0,
		telemetry.StageDecrypt:    2.0,
		telemetry.StageDecompress: 3.0,
		telemetry.StageReassemble: 1.5,
	}

	var records []Record
	for _, bugEnabled := range []bool{false, true} {
		for run := 0; run < n; run++ {
			runID := fmt.Sprintf("run-%v-%d", bugEnabled, run)
			for stage, mean := range baseline {
				latency := mean + rng.NormFloat64()*mean*0.1
				if latency < 0 {
					latency = 0
				}
				if bugEnabled && stage == bugStage {
					latency += extraMs
				}
				records = append(records, Record{
					RunID:      runID,
					BugEnabled: bugEnabled,
					LatencyMs:  latency,
					Throughput: 1e6,
					Stage:      stage,
				})
			}
		}
	}
	return records
}

func TestAnalyzerLocalizesEncryptLatency(t *testing.T) {
	// Given 150 runs per partition where the injector adds a fixed
	// 15 ms to the encrypt stage, the top-ranked stage must be encrypt.
	rng := rand.New(rand.NewSource(1))
	records := synthesizeRuns(rng, 150, telemetry.StageEncrypt, 15.0)

	report := NewAnalyzer().Analyze(records)

	require.True(t, report.Conclusive, "reason: %s", report.Reason)
	assert.Equal(t, telemetry.StageEncrypt, report.Culprit)

	top := report.Ranking[0]
	assert.Equal(t, telemetry.StageEncrypt, top.Stage)
	assert.Less(t, top.PValue, DefaultAlpha)
	assert.InDelta(t, 15.0, top.MeanEnabled-top.MeanDisabled, 1.0)
}

func TestAnalyzerInconclusiveBelowMinSamples(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	records := synthesizeRuns(rng, DefaultMinSamples-5, telemetry.StageEncrypt, 50.0)

	report := NewAnalyzer().Analyze(records)

	assert.False(t, report.Conclusive)
	assert.Empty(t, report.Culprit)
	assert.Contains(t, report.Reason, "fewer than")
}

func TestAnalyzerInconclusiveWithoutAnomaly(t *testing.T) {
	// No injected difference: the analyzer must not assert a culprit.
	rng := rand.New(rand.NewSource(3))
	records := synthesizeRuns(rng, 100, telemetry.StageEncrypt, 0)

	analyzer := &Analyzer{MinSamples: DefaultMinSamples, Alpha: 1e-6}
	report := analyzer.Analyze(records)
	assert.False(t, report.Conclusive, "culprit asserted: %s", report.Culprit)
}

func TestAnalyzerIgnoresTotalRows(t *testing.T) {
	records := []Record{
		{RunID: "a", Stage: StageTotal, LatencyMs: 100, BugEnabled: true},
		{RunID: "b", Stage: StageTotal, LatencyMs: 10, BugEnabled: false},
	}

	report := NewAnalyzer().Analyze(records)
	assert.False(t, report.Conclusive)
	assert.Equal(t, "no stage-tagged records", report.Reason)
}

func TestAnalyzerEmptyInput(t *testing.T) {
	report := NewAnalyzer().Analyze(nil)
	assert.False(t, report.Conclusive)
	assert.Empty(t, report.Ranking)
}
