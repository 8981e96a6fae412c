// Package sd implements statistical debugging for the filewire
// pipeline: recording per-run, per-stage latency observations to an
// append-only CSV file, and analyzing them offline to localize which
// pipeline stage an injected anomaly lives in.
//
// Each run appends one row per observed stage plus a whole-run "total"
// row, every row tagged with whether the bug injector was enabled. The
// Analyzer partitions rows by that flag, applies Welch's two-sample
// t-test to each stage's latency distributions, and ranks stages by
// evidence. When sample counts are below the minimum or no stage
// reaches significance it reports inconclusive rather than asserting a
// false positive.
package sd
