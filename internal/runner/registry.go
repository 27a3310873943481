package runner

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/backteng/internal/database"
	"github.com/aristath/backteng/internal/executor"
)

// Kind identifies the top-level shape of a run in the registry.
type Kind string

const (
	KindSingle      Kind = "single"
	KindSweep       Kind = "sweep"
	KindWalkForward Kind = "walk_forward"
	KindParallel    Kind = "parallel"
)

// Registry persists sweep/walk-forward/parallel-runner executions to the
// runs database (runs_schema.sql), one row per top-level invocation plus
// one row per child task or walk-forward split. Grounded on the teacher's
// internal/modules/planning/repository/config_repository.go for the
// repository shape (*database.DB field, zerolog.Logger, parameterized SQL,
// wrapped errors) — there's no sweep/run-history table in the teacher, so
// the schema itself comes from SPEC_FULL §C14/C15 rather than being ported.
type Registry struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRegistry wraps an already-migrated runs database.
func NewRegistry(db *database.DB, log zerolog.Logger) *Registry {
	return &Registry{db: db, log: log.With().Str("component", "run_registry").Logger()}
}

// StartRun inserts a new run row with status "running" and returns its id.
func (r *Registry) StartRun(kind Kind, name string, config any) (string, error) {
	id := uuid.New().String()
	configJSON, err := json.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("marshal run config: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.db.Exec(`
		INSERT INTO runs (id, kind, name, config_json, status, started_at)
		VALUES (?, ?, ?, ?, 'running', ?)
	`, id, string(kind), name, string(configJSON), now)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// CompleteRun marks a run completed or failed depending on runErr.
func (r *Registry) CompleteRun(runID string, runErr error) error {
	status := "completed"
	var errMsg sql.NullString
	if runErr != nil {
		status = "failed"
		errMsg = sql.NullString{String: runErr.Error(), Valid: true}
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.db.Exec(`
		UPDATE runs SET status = ?, completed_at = ?, error_message = ?
		WHERE id = ?
	`, status, now, errMsg, runID)
	if err != nil {
		return fmt.Errorf("complete run %s: %w", runID, err)
	}
	return nil
}

// RecordTask inserts one run_tasks row for a completed or failed child
// backtest (a sweep grid point, a parallel-runner symbol/config).
func (r *Registry) RecordTask(runID string, index int, label, paramsJSON string, result *executor.Result, taskErr error) error {
	status := "completed"
	var errMsg sql.NullString
	var totalReturn, sharpe, sortino, calmar, maxDrawdown sql.NullFloat64
	var metricsJSON sql.NullString

	if taskErr != nil {
		status = "failed"
		errMsg = sql.NullString{String: taskErr.Error(), Valid: true}
	} else if result != nil {
		totalReturn = sql.NullFloat64{Float64: result.TotalReturn, Valid: true}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.db.Exec(`
		INSERT INTO run_tasks
			(id, run_id, task_index, label, params_json, status,
			 total_return, sharpe_ratio, sortino_ratio, calmar_ratio, max_drawdown,
			 metrics_json, error_message, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		uuid.New().String(), runID, index, label, paramsJSON, status,
		totalReturn, sharpe, sortino, calmar, maxDrawdown,
		metricsJSON, errMsg, now, now,
	)
	if err != nil {
		return fmt.Errorf("record task %s: %w", label, err)
	}
	return nil
}

// RecordTaskMetrics annotates an already-recorded task with the Sharpe/
// Sortino/Calmar/drawdown figures the sweep package computes after the
// fact — a second statement rather than threading BacktestMetrics through
// RecordTask, since the runner itself never computes metrics (spec §4.10
// is a separate concern from execution, C12 vs C14/C15).
func (r *Registry) RecordTaskMetrics(runID, label string, sharpe, sortino, calmar, maxDrawdown *float64, metricsJSON string) error {
	_, err := r.db.Exec(`
		UPDATE run_tasks SET sharpe_ratio = ?, sortino_ratio = ?, calmar_ratio = ?, max_drawdown = ?, metrics_json = ?
		WHERE run_id = ? AND label = ?
	`, nullFloat(sharpe), nullFloat(sortino), nullFloat(calmar), nullFloat(maxDrawdown), metricsJSON, runID, label)
	if err != nil {
		return fmt.Errorf("record task metrics %s: %w", label, err)
	}
	return nil
}

// RecordSplit inserts one walk_forward_splits row.
func (r *Registry) RecordSplit(runID string, splitIndex int, trainStart, trainEnd, testStart, testEnd time.Time, trainSharpe, testSharpe, trainReturn, testReturn, overfittingScore *float64, status string, splitErr error) error {
	var errMsg sql.NullString
	if splitErr != nil {
		errMsg = sql.NullString{String: splitErr.Error(), Valid: true}
	}
	_, err := r.db.Exec(`
		INSERT INTO walk_forward_splits
			(id, run_id, split_index, train_start, train_end, test_start, test_end,
			 train_sharpe, test_sharpe, train_total_return, test_total_return,
			 overfitting_score, status, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		uuid.New().String(), runID, splitIndex,
		trainStart.Format("2006-01-02"), trainEnd.Format("2006-01-02"),
		testStart.Format("2006-01-02"), testEnd.Format("2006-01-02"),
		nullFloat(trainSharpe), nullFloat(testSharpe),
		nullFloat(trainReturn), nullFloat(testReturn),
		nullFloat(overfittingScore), status, errMsg,
	)
	if err != nil {
		return fmt.Errorf("record split %d: %w", splitIndex, err)
	}
	return nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
