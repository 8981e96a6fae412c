package sd

import (
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// DefaultMinSamples is the minimum number of runs required on each side
// (bug enabled / disabled) before the analyzer will assert a conclusion
// for a stage.
const DefaultMinSamples = 30

// DefaultAlpha is the significance level for the per-stage test.
const DefaultAlpha = 0.01

// StageResult holds the two-sample comparison for one pipeline stage.
type StageResult struct {
	Stage        string
	NEnabled     int
	NDisabled    int
	MeanEnabled  float64
	MeanDisabled float64
	VarEnabled   float64
	VarDisabled  float64
	TStat        float64 // Welch's t statistic
	PValue       float64 // two-sided
	EffectSize   float64 // Cohen's d
	Sufficient   bool    // both partitions met the sample minimum
}

// Report is the analyzer's output: stages ranked by evidence that their
// latency distribution differs between bug-enabled and bug-disabled
// runs. The top-ranked stage of a conclusive report is the localized
// culprit.
type Report struct {
	Conclusive bool
	Culprit    string
	Reason     string
	Ranking    []StageResult
}

// Analyzer compares latency distributions across bug-enabled and
// bug-disabled runs and localizes which stage the anomaly lives in.
type Analyzer struct {
	MinSamples int
	Alpha      float64
}

// NewAnalyzer creates an analyzer with the default thresholds.
func NewAnalyzer() *Analyzer {
	return &Analyzer{MinSamples: DefaultMinSamples, Alpha: DefaultAlpha}
}

// Analyze partitions records by the bug flag, compares per-stage latency
// distributions with Welch's t-test, and ranks stages by evidence. It
// reports inconclusive rather than asserting a false positive when
// sample counts are below the minimum or no stage reaches significance.
func (a *Analyzer) Analyze(records []Record) *Report {
	byStage := make(map[string]*partition)
	for _, r := range records {
		if r.Stage == StageTotal || r.Stage == "" {
			continue
		}
		p, ok := byStage[r.Stage]
		if !ok {
			p = &partition{}
			byStage[r.Stage] = p
		}
		if r.BugEnabled {
			p.enabled = append(p.enabled, r.LatencyMs)
		} else {
			p.disabled = append(p.disabled, r.LatencyMs)
		}
	}

	if len(byStage) == 0 {
		return &Report{Reason: "no stage-tagged records"}
	}

	results := make([]StageResult, 0, len(byStage))
	for stage, p := range byStage {
		results = append(results, a.compare(stage, p))
	}

	// Rank by |t|, ties broken by effect size. Insufficient partitions
	// sink to the bottom regardless of their statistics.
	sort.Slice(results, func(i, j int) bool {
		if results[i].Sufficient != results[j].Sufficient {
			return results[i].Sufficient
		}
		ti, tj := math.Abs(results[i].TStat), math.Abs(results[j].TStat)
		if ti != tj {
			return ti > tj
		}
		return math.Abs(results[i].EffectSize) > math.Abs(results[j].EffectSize)
	})

	report := &Report{Ranking: results}
	top := results[0]
	switch {
	case !top.Sufficient:
		report.Reason = fmt.Sprintf("fewer than %d runs per partition", a.MinSamples)
	case top.PValue >= a.Alpha:
		report.Reason = fmt.Sprintf("no stage significant at alpha=%v (best p=%.4f for %s)", a.Alpha, top.PValue, top.Stage)
	default:
		report.Conclusive = true
		report.Culprit = top.Stage
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Analyze",
		"stages":     len(results),
		"conclusive": report.Conclusive,
		"culprit":    report.Culprit,
	}).Info("Statistical debugging analysis complete")

	return report
}

type partition struct {
	enabled  []float64
	disabled []float64
}

// compare runs Welch's two-sample t-test on one stage's partitions.
func (a *Analyzer) compare(stage string, p *partition) StageResult {
	r := StageResult{
		Stage:     stage,
		NEnabled:  len(p.enabled),
		NDisabled: len(p.disabled),
		PValue:    1.0,
	}
	r.Sufficient = r.NEnabled >= a.MinSamples && r.NDisabled >= a.MinSamples
	if r.NEnabled < 2 || r.NDisabled < 2 {
		return r
	}

	r.MeanEnabled, r.VarEnabled = stat.MeanVariance(p.enabled, nil)
	r.MeanDisabled, r.VarDisabled = stat.MeanVariance(p.disabled, nil)

	n1, n2 := float64(r.NEnabled), float64(r.NDisabled)
	se := math.Sqrt(r.VarEnabled/n1 + r.VarDisabled/n2)
	if se == 0 {
		// Identical constant distributions; nothing to localize here.
		return r
	}
	r.TStat = (r.MeanEnabled - r.MeanDisabled) / se

	// Welch–Satterthwaite degrees of freedom.
	num := math.Pow(r.VarEnabled/n1+r.VarDisabled/n2, 2)
	den := math.Pow(r.VarEnabled/n1, 2)/(n1-1) + math.Pow(r.VarDisabled/n2, 2)/(n2-1)
	df := num / den

	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	r.PValue = 2 * dist.Survival(math.Abs(r.TStat))

	pooled := math.Sqrt(((n1-1)*r.VarEnabled + (n2-1)*r.VarDisabled) / (n1 + n2 - 2))
	if pooled > 0 {
		r.EffectSize = (r.MeanEnabled - r.MeanDisabled) / pooled
	}

	return r
}
