package scheduler

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/aristath/backteng/internal/pipeline"
	"github.com/aristath/backteng/internal/scheduler/base"
)

// RefreshJob periodically re-runs gap detection and downloads whatever is
// missing, keeping the Parquet store current between backtest invocations
// (cmd/backteng-cron). It embeds base.JobBase for the
// progress-reporter-via-duck-typing hookup the teacher's resumable jobs
// use, even though this job reports no progress today — a future
// long-running download batch can wire a progress reporter through
// SetJob/GetProgressReporter without changing this type's shape.
type RefreshJob struct {
	base.JobBase

	name      string
	pipeline  *pipeline.Pipeline
	maxFanout int
	log       zerolog.Logger
}

// NewRefreshJob builds a RefreshJob. name identifies it in scheduler logs
// and the registry (e.g. "refresh:AAPL,MSFT").
func NewRefreshJob(name string, p *pipeline.Pipeline, maxFanout int, log zerolog.Logger) *RefreshJob {
	return &RefreshJob{name: name, pipeline: p, maxFanout: maxFanout, log: log.With().Str("job", name).Logger()}
}

func (j *RefreshJob) Name() string {
	return j.name
}

func (j *RefreshJob) Run() error {
	status, err := j.pipeline.RefreshData(context.Background(), j.maxFanout)
	if err != nil {
		return err
	}
	j.log.Info().Str("status", status.Summary()).Msg("data refresh complete")

	if failed := len(status.StockDownloadErrors) + len(status.OptionDownloadErrors) + len(status.MacroDownloadErrors); failed > 0 {
		return errors.Join(append(append(status.StockDownloadErrors, status.OptionDownloadErrors...), status.MacroDownloadErrors...)...)
	}
	return nil
}
