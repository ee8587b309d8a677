package jobs

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/riverqueue/river/rivertype"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestFailureHandler_Levels(t *testing.T) {
	cases := []struct {
		name      string
		job       rivertype.JobRow
		wantLevel string
		wantMsg   string
	}{
		{
			name:      "flush failure",
			job:       rivertype.JobRow{ID: 1, Kind: JobKindPushFlush, Attempt: 1, MaxAttempts: 1},
			wantLevel: `"level":"warn"`,
			wantMsg:   "waiting for next interval",
		},
		{
			name:      "sweep with attempts left",
			job:       rivertype.JobRow{ID: 2, Kind: JobKindRegistrationRetry, Attempt: 1, MaxAttempts: 3},
			wantLevel: `"level":"warn"`,
			wantMsg:   "will retry",
		},
		{
			name:      "sweep out of attempts",
			job:       rivertype.JobRow{ID: 3, Kind: JobKindRegistrationRetry, Attempt: 3, MaxAttempts: 3},
			wantLevel: `"level":"error"`,
			wantMsg:   "gave up",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := NewFailureHandler(zerolog.New(&buf))

			assert.Nil(t, h.HandleError(context.Background(), &tc.job, errors.New("peer down")))
			out := buf.String()
			assert.Contains(t, out, tc.wantLevel)
			assert.Contains(t, out, tc.wantMsg)
			assert.Contains(t, out, `"kind":"`+tc.job.Kind+`"`)
			assert.Contains(t, out, "peer down")
		})
	}
}

func TestFailureHandler_Panic(t *testing.T) {
	var buf bytes.Buffer
	h := NewFailureHandler(zerolog.New(&buf))

	job := &rivertype.JobRow{ID: 9, Kind: JobKindPushFlush, Attempt: 1, MaxAttempts: 1}
	assert.Nil(t, h.HandlePanic(context.Background(), job, "boom", "goroutine 1"))

	out := buf.String()
	assert.Contains(t, out, `"level":"error"`)
	assert.Contains(t, out, "panic: boom")
	assert.Contains(t, out, `"trace":"goroutine 1"`)
}
