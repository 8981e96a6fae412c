package sd

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrMalformedRecord indicates a row that does not match the SD schema.
var ErrMalformedRecord = errors.New("malformed SD record")

// StageTotal is the pseudo-stage for a run's whole-pipeline latency.
const StageTotal = "total"

// header is the fixed SD CSV column set. Column names are part of the
// external interface; do not rename.
var header = []string{"run_id", "bug_enabled", "latency_ms", "throughput", "stage"}

// Record is one statistical-debugging observation: the latency of one
// stage (or the whole run, stage "total") during one run, tagged with
// whether the bug injector was enabled. Records are appended during
// runs and read in bulk by the analyzer; they are never updated in
// place.
type Record struct {
	RunID      string
	BugEnabled bool
	LatencyMs  float64
	Throughput float64 // bytes per second over the run
	Stage      string
}

// Writer appends records to a CSV file. The header row is written when
// the file is created. Writers are safe for concurrent use.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	csv  *csv.Writer
}

// NewWriter opens (or creates) the SD data file for appending.
func NewWriter(path string) (*Writer, error) {
	_, statErr := os.Stat(path)
	fresh := os.IsNotExist(statErr)

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening SD data file: %w", err)
	}

	w := &Writer{file: file, csv: csv.NewWriter(file)}
	if fresh {
		if err := w.csv.Write(header); err != nil {
			file.Close()
			return nil, fmt.Errorf("writing SD header: %w", err)
		}
		w.csv.Flush()
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewWriter",
		"path":     path,
		"fresh":    fresh,
	}).Debug("Opened SD data file")

	return w, nil
}

// Append writes records to the file and flushes them.
func (w *Writer) Append(records ...Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, r := range records {
		row := []string{
			r.RunID,
			strconv.FormatBool(r.BugEnabled),
			strconv.FormatFloat(r.LatencyMs, 'f', 3, 64),
			strconv.FormatFloat(r.Throughput, 'f', 3, 64),
			r.Stage,
		}
		if err := w.csv.Write(row); err != nil {
			return fmt.Errorf("appending SD record: %w", err)
		}
	}
	w.csv.Flush()
	return w.csv.Error()
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.csv.Flush()
	return w.file.Close()
}

// Load reads every record from an SD data file.
func Load(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening SD data file: %w", err)
	}
	defer file.Close()

	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading SD data: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	records := make([]Record, 0, len(rows)-1)
	for i, row := range rows[1:] {
		rec, err := parseRow(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func parseRow(row []string) (Record, error) {
	if len(row) != len(header) {
		return Record{}, fmt.Errorf("%w: %d columns, want %d", ErrMalformedRecord, len(row), len(header))
	}

	bugEnabled, err := strconv.ParseBool(row[1])
	if err != nil {
		return Record{}, fmt.Errorf("%w: bug_enabled %q", ErrMalformedRecord, row[1])
	}
	latency, err := strconv.ParseFloat(row[2], 64)
	if err != nil {
		return Record{}, fmt.Errorf("%w: latency_ms %q", ErrMalformedRecord, row[2])
	}
	throughput, err := strconv.ParseFloat(row[3], 64)
	if err != nil {
		return Record{}, fmt.Errorf("%w: throughput %q", ErrMalformedRecord, row[3])
	}

	return Record{
		RunID:      row[0],
		BugEnabled: bugEnabled,
		LatencyMs:  latency,
		Throughput: throughput,
		Stage:      row[4],
	}, nil
}
