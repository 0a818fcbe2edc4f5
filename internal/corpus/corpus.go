// Package corpus is the append-only CSV log of measured builds that the
// retraining procedure learns from.
package corpus

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/hochfrequenz/node-sizer/internal/domain"
	"github.com/hochfrequenz/node-sizer/internal/logger"
)

// Header is the column layout shared with the training procedure
var Header = []string{
	"build_id",
	"timestamp",
	"branch",
	"build_type",
	"files_changed",
	"lines_added",
	"lines_deleted",
	"deps_changed",
	"cpu_avg",
	"cpu_max",
	"memory_avg_mb",
	"memory_max_mb",
	"build_time_sec",
	"status",
}

// TimestampLayout is the local-time format of the timestamp column
const TimestampLayout = "2006-01-02T15:04:05"

// Corpus appends training records to a CSV file
type Corpus struct {
	path string
	lock *flock.Flock
	now    func() time.Time
	fsync  func(*os.File) error
	logger *slog.Logger

	mu sync.Mutex
}

// Option configures a Corpus
type Option func(*Corpus)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Corpus) { c.logger = logger.Component(l, "corpus") }
}

// New returns a corpus backed by path. The file is created on first append.
func New(path string, opts ...Option) *Corpus {
	c := &Corpus{
		path:   path,
		lock:   flock.New(path + ".lock"),
		now:    time.Now,
		fsync:  (*os.File).Sync,
		logger: logger.Component(nil, "corpus"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Path returns the CSV location
func (c *Corpus) Path() string {
	return c.path
}

// Append writes one record. The header is written only when the file is
// empty. Other goroutines and processes appending to the same path are
// serialized, and each row lands in a single write. Once the write
// succeeds the row counts as appended; a failed fsync is only logged.
func (c *Corpus) Append(rec domain.TrainingRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = c.now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.append(rec); err != nil {
		return &domain.CorpusWriteError{BuildID: rec.BuildID, Path: c.path, Err: err}
	}
	return nil
}

func (c *Corpus) append(rec domain.TrainingRecord) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("creating corpus directory: %w", err)
	}

	if err := c.lock.Lock(); err != nil {
		return fmt.Errorf("locking corpus: %w", err)
	}
	defer c.lock.Unlock()

	f, err := os.OpenFile(c.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if info.Size() == 0 {
		w.Write(Header)
	}
	w.Write(encode(rec))
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("encoding row: %w", err)
	}

	if _, err := f.Write(buf.Bytes()); err != nil {
		return err
	}
	if err := c.fsync(f); err != nil {
		c.logger.Warn("corpus row written but not synced",
			"build_id", rec.BuildID, "path", c.path, "error", err)
	}
	return nil
}

// Count returns the number of data rows. A missing or unreadable corpus
// counts as empty.
func (c *Corpus) Count() int {
	f, err := os.Open(c.path)
	if err != nil {
		return 0
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.ReuseRecord = true

	n := 0
	first := true
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				continue
			}
			break
		}
		if first {
			first = false
			if isHeader(row) {
				continue
			}
		}
		n++
	}
	return n
}

// Records parses every data row. Rows that do not match the header are
// reported with their line number.
func (c *Corpus) Records() ([]domain.TrainingRecord, error) {
	f, err := os.Open(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var records []domain.TrainingRecord
	first := true
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return records, err
		}
		if first {
			first = false
			if isHeader(row) {
				continue
			}
		}
		rec, err := decode(row)
		if err != nil {
			line, _ := r.FieldPos(0)
			return records, fmt.Errorf("%s line %d: %w", c.path, line, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func isHeader(row []string) bool {
	return len(row) > 0 && row[0] == Header[0]
}

func encode(rec domain.TrainingRecord) []string {
	fv := rec.Features.Normalize()
	return []string{
		rec.BuildID,
		rec.Timestamp.Local().Format(TimestampLayout),
		fv.Branch,
		string(fv.BuildType),
		strconv.Itoa(fv.FilesChanged),
		strconv.Itoa(fv.LinesAdded),
		strconv.Itoa(fv.LinesDeleted),
		strconv.Itoa(fv.DepsChanged),
		formatFloat(rec.CPUAvg),
		formatFloat(rec.CPUMax),
		formatFloat(rec.MemoryAvgMB),
		formatFloat(rec.MemoryMaxMB),
		strconv.FormatInt(int64(rec.BuildTimeSec), 10),
		string(rec.Status),
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func decode(row []string) (domain.TrainingRecord, error) {
	if len(row) != len(Header) {
		return domain.TrainingRecord{}, fmt.Errorf("expected %d fields, got %d", len(Header), len(row))
	}

	ts, err := time.ParseInLocation(TimestampLayout, row[1], time.Local)
	if err != nil {
		return domain.TrainingRecord{}, fmt.Errorf("timestamp: %w", err)
	}

	ints := make([]int, 4)
	for i := range ints {
		v, err := strconv.Atoi(row[4+i])
		if err != nil {
			return domain.TrainingRecord{}, fmt.Errorf("%s: %w", Header[4+i], err)
		}
		ints[i] = v
	}

	floats := make([]float64, 5)
	for i := range floats {
		v, err := strconv.ParseFloat(row[8+i], 64)
		if err != nil {
			return domain.TrainingRecord{}, fmt.Errorf("%s: %w", Header[8+i], err)
		}
		floats[i] = v
	}

	return domain.TrainingRecord{
		BuildID:      row[0],
		Timestamp:    ts,
		Features:     domain.NewFeatureVector(ints[0], ints[1], ints[2], ints[3], row[2], domain.BuildType(row[3])),
		CPUAvg:       floats[0],
		CPUMax:       floats[1],
		MemoryAvgMB:  floats[2],
		MemoryMaxMB:  floats[3],
		BuildTimeSec: floats[4],
		Status:       domain.ParseBuildStatus(row[13]),
	}, nil
}
