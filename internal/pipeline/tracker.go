package pipeline

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pavit-health/backend/internal/metrics"
	"github.com/pavit-health/backend/pkg/logger"
)

const (
	EventStarted   = "started"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventDone      = "done"
)

// Event is a progress notification for one run.
type Event struct {
	AnalysisID string  `json:"analysis_id"`
	Stage      Stage   `json:"stage,omitempty"`
	State      string  `json:"state"`
	Data       any     `json:"data,omitempty"`
	Error      string  `json:"error,omitempty"`
	ElapsedMS  int64   `json:"elapsed_ms"`
	Result     *Result `json:"result,omitempty"`
}

// Observer receives events synchronously on the analysing goroutine.
type Observer func(Event)

// tracker times stages, reports them to the observer and records the
// terminal outcome.
type tracker struct {
	id       string
	mode     string
	observer Observer
	start    time.Time
}

func newTracker(id, mode string, observer Observer) *tracker {
	return &tracker{id: id, mode: mode, observer: observer, start: time.Now()}
}

func (t *tracker) emit(e Event) {
	if t.observer == nil {
		return
	}
	e.AnalysisID = t.id
	t.observer(e)
}

// stage runs fn as one pipeline stage. A panic inside fn is returned as an
// error.
func (t *tracker) stage(stage Stage, fn func() error, data any) (err error) {
	t.emit(Event{Stage: stage, State: EventStarted})
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
			logger.Error("Stage panicked",
				zap.String("analysis_id", t.id),
				zap.String("stage", string(stage)),
				zap.Any("panic", p),
				zap.Stack("stack"),
			)
		}

		elapsed := time.Since(start)
		metrics.StageDuration.WithLabelValues(string(stage)).Observe(elapsed.Seconds())

		ev := Event{Stage: stage, State: EventCompleted, ElapsedMS: elapsed.Milliseconds()}
		if err != nil {
			ev.State = EventFailed
			ev.Error = err.Error()
		} else {
			ev.Data = data
		}
		t.emit(ev)
	}()

	return fn()
}

func (t *tracker) fail(res *Result, err error) (*Result, error) {
	res.Status = StatusError
	res.Message = failureMessage(err)
	return t.finish(res, err)
}

func (t *tracker) finish(res *Result, err error) (*Result, error) {
	elapsed := time.Since(t.start)
	metrics.AnalysisTotal.WithLabelValues(t.mode, string(res.Status)).Inc()
	metrics.AnalysisDuration.WithLabelValues(t.mode).Observe(elapsed.Seconds())

	fields := []zap.Field{
		zap.String("analysis_id", t.id),
		zap.String("mode", t.mode),
		zap.String("status", string(res.Status)),
		zap.String("disease", res.DetectedDisease),
		zap.Int64("report_id", res.ReportID),
		zap.Duration("elapsed", elapsed),
	}
	if err != nil {
		logger.Error("Analysis failed", append(fields, zap.Error(err))...)
	} else {
		logger.Info("Analysis finished", fields...)
	}

	ev := Event{State: EventDone, ElapsedMS: elapsed.Milliseconds(), Result: res}
	if err != nil {
		ev.Error = err.Error()
	}
	t.emit(ev)
	return res, err
}

func failureMessage(err error) string {
	var se *StageError
	if !errors.As(err, &se) {
		return "Analysis failed"
	}
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return fmt.Sprintf("Invalid request: %v", se.Err)
	case errors.Is(err, ErrPersistence):
		return "Analysis completed but the report could not be stored"
	case errors.Is(err, ErrEmptyLabel):
		return "Detection returned no usable disease label"
	default:
		return fmt.Sprintf("Analysis failed at %s stage: %v", se.Stage, se.Err)
	}
}
