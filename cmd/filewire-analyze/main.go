// Command filewire-analyze localizes an injected anomaly from recorded
// statistical-debugging data. It partitions runs by the bug predicate,
// compares per-stage latency distributions, and names the stage whose
// distribution shifted — or says the data is inconclusive.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/opd-ai/filewire/sd"
)

func main() {
	dataPath := flag.String("data", "sd_data.csv", "path to the SD data file")
	minSamples := flag.Int("min-samples", sd.DefaultMinSamples, "minimum runs per partition before concluding")
	alpha := flag.Float64("alpha", sd.DefaultAlpha, "significance level for the per-stage test")
	asJSON := flag.Bool("json", false, "emit the full report as JSON")
	logLevel := flag.String("log-level", "warn", "logrus level: debug, info, warn, error")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logrus.WithField("level", *logLevel).Fatal("Unknown log level")
	}
	logrus.SetLevel(level)

	records, err := sd.Load(*dataPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load SD data")
	}

	analyzer := &sd.Analyzer{MinSamples: *minSamples, Alpha: *alpha}
	report := analyzer.Analyze(records)

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			logrus.WithError(err).Fatal("Failed to encode report")
		}
		return
	}

	if report.Conclusive {
		fmt.Printf("culprit stage: %s\n\n", report.Culprit)
	} else {
		fmt.Printf("inconclusive: %s\n\n", report.Reason)
	}
	fmt.Printf("%-12s %8s %8s %12s %12s %10s %10s %8s\n",
		"stage", "n(bug)", "n(ok)", "mean(bug)", "mean(ok)", "t", "p", "d")
	for _, r := range report.Ranking {
		fmt.Printf("%-12s %8d %8d %12.3f %12.3f %10.3f %10.4f %8.3f\n",
			r.Stage, r.NEnabled, r.NDisabled,
			r.MeanEnabled, r.MeanDisabled,
			r.TStat, r.PValue, r.EffectSize)
	}

	if !report.Conclusive {
		os.Exit(2)
	}
}
