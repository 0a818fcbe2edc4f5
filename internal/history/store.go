// Package history keeps a SQLite ledger of sizing decisions, their measured
// outcomes and training runs.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/node-sizer/internal/domain"
)

// ErrNotFound is returned when a build has no recorded decision
var ErrNotFound = errors.New("decision not found")

// Store provides SQLite-backed history persistence
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One connection: writers serialize and ":memory:" stays a single database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Entry is a decision together with its measured outcome, if any
type Entry struct {
	Decision    domain.Decision    `json:"decision"`
	Completed   bool               `json:"completed"`
	Status      domain.BuildStatus `json:"status,omitempty"`
	Usage       domain.Usage       `json:"usage"`
	CompletedAt time.Time          `json:"completedAt"`
}

// RecordDecision stores a classification. Re-classifying a build id
// replaces the earlier decision and clears its outcome.
func (s *Store) RecordDecision(ctx context.Context, d domain.Decision) error {
	fv := d.Features.Normalize()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decisions (build_id, decided_at, branch, build_type, files_changed, lines_added, lines_deleted, deps_changed,
			predicted_cpu, predicted_memory_gb, predicted_minutes, confidence, method, model_version,
			required_gb, tier, tier_capacity_gb, hourly_cost)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(build_id) DO UPDATE SET
			decided_at = excluded.decided_at,
			branch = excluded.branch,
			build_type = excluded.build_type,
			files_changed = excluded.files_changed,
			lines_added = excluded.lines_added,
			lines_deleted = excluded.lines_deleted,
			deps_changed = excluded.deps_changed,
			predicted_cpu = excluded.predicted_cpu,
			predicted_memory_gb = excluded.predicted_memory_gb,
			predicted_minutes = excluded.predicted_minutes,
			confidence = excluded.confidence,
			method = excluded.method,
			model_version = excluded.model_version,
			required_gb = excluded.required_gb,
			tier = excluded.tier,
			tier_capacity_gb = excluded.tier_capacity_gb,
			hourly_cost = excluded.hourly_cost,
			status = NULL,
			completed_at = NULL
	`,
		d.BuildID,
		d.DecidedAt,
		fv.Branch,
		string(fv.BuildType),
		fv.FilesChanged,
		fv.LinesAdded,
		fv.LinesDeleted,
		fv.DepsChanged,
		d.Estimate.CPUPercent,
		d.Estimate.MemoryGB,
		d.Estimate.TimeMinutes,
		d.Estimate.Confidence,
		d.Estimate.Method,
		d.Estimate.ModelVersion,
		d.RequiredGB,
		d.Tier.Name,
		d.Tier.CapacityGB,
		d.Tier.HourlyCost,
	)
	return err
}

// RecordOutcome attaches measured usage to a recorded decision
func (s *Store) RecordOutcome(ctx context.Context, buildID string, usage domain.Usage, status domain.BuildStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE decisions SET
			status = ?, cpu_avg = ?, cpu_max = ?, memory_avg_mb = ?, memory_max_mb = ?,
			build_time_sec = ?, samples = ?, truncated = ?, completed_at = ?
		WHERE build_id = ?
	`,
		string(status),
		usage.CPUAvg,
		usage.CPUMax,
		usage.MemoryAvgMB,
		usage.MemoryMaxMB,
		usage.Elapsed.Seconds(),
		usage.Samples,
		usage.Truncated,
		at,
		buildID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, buildID)
	}
	return nil
}

const entryColumns = `build_id, decided_at, branch, build_type, files_changed, lines_added, lines_deleted, deps_changed,
	predicted_cpu, predicted_memory_gb, predicted_minutes, confidence, method, model_version,
	required_gb, tier, tier_capacity_gb, hourly_cost,
	status, cpu_avg, cpu_max, memory_avg_mb, memory_max_mb, build_time_sec, samples, truncated, completed_at`

// GetEntry returns the decision and outcome recorded for buildID
func (s *Store) GetEntry(ctx context.Context, buildID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM decisions WHERE build_id = ?`, buildID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, buildID)
	}
	return e, err
}

// RecentEntries returns up to limit entries, newest first
func (s *Store) RecentEntries(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM decisions ORDER BY decided_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var e Entry
	var d domain.Decision
	var branch, buildType string
	var files, added, deleted, deps int
	var method, modelVersion, status sql.NullString
	var cpuAvg, cpuMax, memAvg, memMax, buildTime sql.NullFloat64
	var samples sql.NullInt64
	var truncated sql.NullBool
	var completedAt sql.NullTime

	err := row.Scan(&d.BuildID, &d.DecidedAt, &branch, &buildType, &files, &added, &deleted, &deps,
		&d.Estimate.CPUPercent, &d.Estimate.MemoryGB, &d.Estimate.TimeMinutes, &d.Estimate.Confidence, &method, &modelVersion,
		&d.RequiredGB, &d.Tier.Name, &d.Tier.CapacityGB, &d.Tier.HourlyCost,
		&status, &cpuAvg, &cpuMax, &memAvg, &memMax, &buildTime, &samples, &truncated, &completedAt)
	if err != nil {
		return nil, err
	}

	d.Features = domain.NewFeatureVector(files, added, deleted, deps, branch, domain.BuildType(buildType))
	d.Estimate.Method = method.String
	d.Estimate.ModelVersion = modelVersion.String
	e.Decision = d

	if completedAt.Valid {
		e.Completed = true
		e.CompletedAt = completedAt.Time
		e.Status = domain.BuildStatus(status.String)
		e.Usage = domain.Usage{
			Samples:     int(samples.Int64),
			CPUAvg:      cpuAvg.Float64,
			CPUMax:      cpuMax.Float64,
			MemoryAvgMB: memAvg.Float64,
			MemoryMaxMB: memMax.Float64,
			Elapsed:     time.Duration(buildTime.Float64 * float64(time.Second)),
			Truncated:   truncated.Bool,
		}
	}
	return &e, nil
}

// RecordTraining stores one training attempt
func (s *Store) RecordTraining(ctx context.Context, r domain.TrainResult) error {
	var r2, mae sql.NullFloat64
	var trainN, testN sql.NullInt64
	if r.Metrics != nil {
		r2 = sql.NullFloat64{Float64: r.Metrics.R2Score, Valid: true}
		mae = sql.NullFloat64{Float64: r.Metrics.MAE, Valid: true}
		trainN = sql.NullInt64{Int64: int64(r.Metrics.TrainingSamples), Valid: true}
		testN = sql.NullInt64{Int64: int64(r.Metrics.TestSamples), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO training_runs (started_at, finished_at, trained, reason, record_count, r2_score, mae, training_samples, test_samples, model_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.StartedAt,
		r.FinishedAt,
		r.Trained,
		r.Reason,
		r.RecordCount,
		r2,
		mae,
		trainN,
		testN,
		r.ModelVersion,
	)
	return err
}

// TrainingRuns returns up to limit training attempts, newest first
func (s *Store) TrainingRuns(ctx context.Context, limit int) ([]domain.TrainResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT started_at, finished_at, trained, reason, record_count, r2_score, mae, training_samples, test_samples, model_version
		FROM training_runs ORDER BY started_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.TrainResult
	for rows.Next() {
		var r domain.TrainResult
		var finished sql.NullTime
		var reason, version sql.NullString
		var r2, mae sql.NullFloat64
		var trainN, testN sql.NullInt64
		if err := rows.Scan(&r.StartedAt, &finished, &r.Trained, &reason, &r.RecordCount, &r2, &mae, &trainN, &testN, &version); err != nil {
			return nil, err
		}
		r.FinishedAt = finished.Time
		r.Reason = reason.String
		r.ModelVersion = version.String
		if r2.Valid {
			r.Metrics = &domain.TrainingMetrics{
				R2Score:         r2.Float64,
				MAE:             mae.Float64,
				TrainingSamples: int(trainN.Int64),
				TestSamples:     int(testN.Int64),
			}
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
