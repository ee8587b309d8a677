package jobs

import (
	"context"
	"fmt"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/rs/zerolog"
)

// FailureHandler reports failed and panicking jobs. A flush failure is
// logged as a warning since the next interval runs anyway. A registration
// sweep that used its last attempt is logged as an error.
type FailureHandler struct {
	Logger zerolog.Logger
}

func NewFailureHandler(logger zerolog.Logger) *FailureHandler {
	return &FailureHandler{Logger: logger.With().Str("component", "jobs").Logger()}
}

func (h *FailureHandler) HandleError(ctx context.Context, job *rivertype.JobRow, err error) *river.ErrorHandlerResult {
	h.report(job, err, "").Msg(failureMessage(job))
	return nil
}

func (h *FailureHandler) HandlePanic(ctx context.Context, job *rivertype.JobRow, panicVal any, trace string) *river.ErrorHandlerResult {
	h.report(job, fmt.Errorf("panic: %v", panicVal), trace).Msg(job.Kind + " job panicked")
	return nil
}

func (h *FailureHandler) report(job *rivertype.JobRow, err error, trace string) *zerolog.Event {
	event := h.Logger.Warn()
	if trace != "" || exhausted(job) {
		event = h.Logger.Error()
	}
	event = event.Err(err).
		Int64("job_id", job.ID).
		Str("kind", job.Kind).
		Str("queue", job.Queue).
		Int("attempt", job.Attempt).
		Int("max_attempts", job.MaxAttempts)
	if trace != "" {
		event = event.Str("trace", trace)
	}
	return event
}

func exhausted(job *rivertype.JobRow) bool {
	return job.Kind != JobKindPushFlush && job.Attempt >= job.MaxAttempts
}

func failureMessage(job *rivertype.JobRow) string {
	switch {
	case job.Kind == JobKindPushFlush:
		return "push flush failed, waiting for next interval"
	case exhausted(job):
		return "registration sweep gave up"
	default:
		return "registration sweep failed, will retry"
	}
}
