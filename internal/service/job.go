package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Guizzs26/go-siem-sync/internal/models"
	"github.com/Guizzs26/go-siem-sync/pkg/metrics"
)

// ServiceType identifies this integration in the run log
const ServiceType = "MimeCast"

const recordTimeout = 10 * time.Second

// Engine runs one pagination pass
type Engine interface {
	Run(ctx context.Context, processingDate time.Time) (Outcome, error)
}

// RunRecorder persists the outcome row of an invocation
type RunRecorder interface {
	RecordRun(ctx context.Context, rec models.RunRecord) error
}

// Job wraps one engine invocation and writes exactly one RunRecord for it
type Job struct {
	engine   Engine
	recorder RunRecorder
	now      func() time.Time
	logger   *slog.Logger
}

func NewJob(e Engine, r RunRecorder, l *slog.Logger) *Job {
	return &Job{engine: e, recorder: r, now: time.Now, logger: l}
}

// Execute runs the engine and records the result, whatever it was.
// The engine error, if any, is returned after the record is written
func (j *Job) Execute(ctx context.Context) (out Outcome, err error) {
	start := time.Now()
	processingDate := j.now().UTC()
	l := j.logger.With("processing_date", processingDate.Format(time.RFC3339))

	l.Info("SIEM sync run started")

	defer func() {
		rec := models.RunRecord{
			ServiceType:    ServiceType,
			ProcessingDate: processingDate,
			IsSuccess:      err == nil && !out.Reason.Failed(),
			Response:       runMessage(out, err),
		}

		status := "success"
		if !rec.IsSuccess {
			status = "failure"
			l.Error("SIEM sync run failed", "response", rec.Response)
		} else {
			l.Info("SIEM sync run finished", "reason", string(out.Reason), "pages", out.Pages, "events", out.Events)
		}
		metrics.RunsTotal.WithLabelValues(status).Inc()
		metrics.RunDuration.Observe(time.Since(start).Seconds())

		recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
		defer cancel()
		if rerr := j.recorder.RecordRun(recordCtx, rec); rerr != nil {
			l.Error("CRITICAL: Failed to write run record", "error", rerr)
			if err == nil {
				err = fmt.Errorf("record run: %w", rerr)
			}
		}
	}()

	return j.engine.Run(ctx, processingDate)
}

func runMessage(out Outcome, err error) string {
	switch {
	case err != nil:
		return fmt.Sprintf("mimecast sync failed after %d pages, %d events: %v", out.Pages, out.Events, err)
	case out.Reason.Failed():
		return fmt.Sprintf("mimecast sync stopped (%s): status %d, body: %s", out.Reason, out.StatusCode, out.Body)
	default:
		return fmt.Sprintf("mimecast sync completed (%s): %d pages, %d events", out.Reason, out.Pages, out.Events)
	}
}
