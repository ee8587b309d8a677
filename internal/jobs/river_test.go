package jobs

import (
	"log/slog"
	"testing"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindSpecs(t *testing.T) {
	flush := specFor(JobKindPushFlush)
	assert.Equal(t, 1, flush.MaxAttempts)
	assert.Zero(t, flush.BaseDelay)

	retry := specFor(JobKindRegistrationRetry)
	assert.Equal(t, QueueRegistration, retry.Queue)
	assert.Equal(t, 3, retry.MaxAttempts)

	assert.Equal(t, defaultSpec, specFor("unknown_kind"))
}

func TestRetryPolicy_NextRetry(t *testing.T) {
	attempted := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)

	cases := []struct {
		name    string
		kind    string
		attempt int
		want    time.Duration
	}{
		{"flush does not back off", JobKindPushFlush, 1, 0},
		{"sweep first attempt", JobKindRegistrationRetry, 1, time.Minute},
		{"sweep doubles", JobKindRegistrationRetry, 3, 4 * time.Minute},
		{"sweep capped", JobKindRegistrationRetry, 10, 15 * time.Minute},
		{"attempt zero counts as first", JobKindRegistrationRetry, 0, time.Minute},
		{"unknown kind", "other", 2, time.Minute},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			job := &rivertype.JobRow{Kind: tc.kind, Attempt: tc.attempt, AttemptedAt: &attempted}
			assert.Equal(t, attempted.Add(tc.want), RetryPolicy{}.NextRetry(job))
		})
	}
}

func TestRetryPolicy_NeverAttempted(t *testing.T) {
	before := time.Now()
	next := RetryPolicy{}.NextRetry(&rivertype.JobRow{Kind: JobKindRegistrationRetry, Attempt: 1})
	assert.WithinDuration(t, before.Add(time.Minute), next, 2*time.Second)
}

func TestInsertOptsForKind(t *testing.T) {
	flush := InsertOptsForKind(JobKindPushFlush)
	assert.Equal(t, 1, flush.MaxAttempts)
	assert.Empty(t, flush.Queue)

	retry := InsertOptsForKind(JobKindRegistrationRetry)
	assert.Equal(t, QueueRegistration, retry.Queue)
	assert.Equal(t, 3, retry.MaxAttempts)
}

func TestNewPeriodicJobs(t *testing.T) {
	cases := map[string]struct {
		schedule Schedule
		want     int
	}{
		"both":       {Schedule{FlushInterval: 10 * time.Second, RetryInterval: 5 * time.Minute}, 2},
		"flush only": {Schedule{FlushInterval: 10 * time.Second}, 1},
		"none":       {Schedule{}, 0},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			jobs := NewPeriodicJobs(tc.schedule)
			require.Len(t, jobs, tc.want)
			for _, job := range jobs {
				assert.NotNil(t, job)
			}
		})
	}
}

func TestNewClientConfig(t *testing.T) {
	workers := NewWorkers(nil, nil, nil, zerolog.Nop())
	logger := slog.New(slog.DiscardHandler)

	config := NewClientConfig(workers, ClientOptions{Logger: logger, Failures: NewFailureHandler(zerolog.Nop())})
	assert.Same(t, workers, config.Workers)
	assert.Same(t, logger, config.Logger)
	assert.NotNil(t, config.ErrorHandler)
	assert.Contains(t, config.Queues, river.QueueDefault)
	assert.Equal(t, 1, config.Queues[QueueRegistration].MaxWorkers)

	assert.Nil(t, NewClientConfig(workers, ClientOptions{}).ErrorHandler)
}

func TestJobKinds(t *testing.T) {
	assert.Equal(t, JobKindPushFlush, PushFlushArgs{}.Kind())
	assert.Equal(t, JobKindRegistrationRetry, RegistrationRetryArgs{}.Kind())
	assert.NotEqual(t, PushFlushArgs{}.Kind(), RegistrationRetryArgs{}.Kind())
}
