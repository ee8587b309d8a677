package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Togather-Foundation/roaming/internal/domain/parties"
	"github.com/Togather-Foundation/roaming/internal/domain/push"
	"github.com/riverqueue/river"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingFlusher struct {
	calls  atomic.Int32
	report push.FlushReport
}

func (f *countingFlusher) Flush(context.Context) push.FlushReport {
	f.calls.Add(1)
	return f.report
}

type staticLister []*parties.Record

func (l staticLister) All() []*parties.Record { return l }

type recordingRegistrar struct {
	mu       sync.Mutex
	calls    []string
	rechecks []string
	fail     map[string]error
}

func (r *recordingRegistrar) Register(_ context.Context, id parties.Identity, versionsURL string) (*parties.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, id.Key()+" "+versionsURL)
	if err := r.fail[id.Key()]; err != nil {
		return nil, err
	}
	return &parties.Record{Identity: id}, nil
}

func (r *recordingRegistrar) Recheck(_ context.Context, id parties.Identity, versionsURL string) (*parties.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rechecks = append(r.rechecks, id.Key()+" "+versionsURL)
	if err := r.fail[id.Key()]; err != nil {
		return nil, err
	}
	return &parties.Record{Identity: id}, nil
}

func party(pid string, status parties.PartyStatus, states ...parties.HandshakeState) *parties.Record {
	rec := &parties.Record{
		Identity: parties.Identity{CountryCode: "NL", PartyID: pid, Role: parties.RoleEMSP},
		Status:   status,
	}
	for i, s := range states {
		rec.RemoteAccess = append(rec.RemoteAccess, parties.RemoteAccessInfo{
			State:       s,
			VersionsURL: "https://" + pid + ".example.com/v" + string(rune('0'+i)),
			AccessToken: "tok",
		})
	}
	return rec
}

func TestRetryRegistrations_ResumesMidHandshakeOnly(t *testing.T) {
	lister := staticLister{
		party("AAA", parties.StatusEnabled, parties.StateVersionDiscoveryPending),
		party("BBB", parties.StatusEnabled, parties.StateCredentialsExchangePending, parties.StateRegistered),
		party("CCC", parties.StatusEnabled, parties.StateLocalOnly),
		party("DDD", parties.StatusSuspended, parties.StateVersionDiscoveryPending),
	}
	registrar := &recordingRegistrar{}

	summary, err := retryRegistrations(context.Background(), lister, registrar, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, RetrySummary{Attempted: 2, Registered: 2}, summary)
	assert.Equal(t, []string{
		"NL-AAA-EMSP https://AAA.example.com/v0",
		"NL-BBB-EMSP https://BBB.example.com/v0",
	}, registrar.calls)
}

func TestRetryRegistrations_RechecksOfflineRegisteredPeers(t *testing.T) {
	down := party("AAA", parties.StatusEnabled, parties.StateRegistered)
	down.RemoteAccess[0].Status = parties.RemoteOffline
	up := party("BBB", parties.StatusEnabled, parties.StateRegistered)
	up.RemoteAccess[0].Status = parties.RemoteOnline
	stillDown := party("CCC", parties.StatusEnabled, parties.StateRegistered)
	stillDown.RemoteAccess[0].Status = parties.RemoteOffline
	suspended := party("DDD", parties.StatusSuspended, parties.StateRegistered)
	suspended.RemoteAccess[0].Status = parties.RemoteOffline

	registrar := &recordingRegistrar{fail: map[string]error{"NL-CCC-EMSP": errors.New("peer down")}}

	summary, err := retryRegistrations(context.Background(), staticLister{down, up, stillDown, suspended}, registrar, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, RetrySummary{Rechecked: 2, Recovered: 1, Failed: 1}, summary)
	assert.Equal(t, []string{
		"NL-AAA-EMSP https://AAA.example.com/v0",
		"NL-CCC-EMSP https://CCC.example.com/v0",
	}, registrar.rechecks)
	assert.Empty(t, registrar.calls)
}

func TestRetryRegistrations_CountsFailures(t *testing.T) {
	lister := staticLister{
		party("AAA", parties.StatusEnabled, parties.StateVersionDiscoveryPending),
		party("BBB", parties.StatusEnabled, parties.StateVersionDiscoveryPending),
	}
	registrar := &recordingRegistrar{fail: map[string]error{"NL-AAA-EMSP": errors.New("peer down")}}

	summary, err := retryRegistrations(context.Background(), lister, registrar, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, RetrySummary{Attempted: 2, Registered: 1, Failed: 1}, summary)
}

func TestRetryRegistrations_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	lister := staticLister{party("AAA", parties.StatusEnabled, parties.StateVersionDiscoveryPending)}
	registrar := &recordingRegistrar{}

	_, err := retryRegistrations(ctx, lister, registrar, zerolog.Nop())
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, registrar.calls)
}

func TestRetryRegistrations_NotConfigured(t *testing.T) {
	_, err := retryRegistrations(context.Background(), nil, nil, zerolog.Nop())
	require.Error(t, err)
}

func TestPushFlushWorker_Work(t *testing.T) {
	flusher := &countingFlusher{report: push.FlushReport{Delivered: 2}}
	worker := PushFlushWorker{Engine: flusher, Logger: zerolog.Nop()}

	require.NoError(t, worker.Work(context.Background(), &river.Job[PushFlushArgs]{}))
	assert.EqualValues(t, 1, flusher.calls.Load())

	require.Error(t, worker.Work(context.Background(), nil))
	require.Error(t, PushFlushWorker{}.Work(context.Background(), &river.Job[PushFlushArgs]{}))
}

func TestPushFlushWorker_SkippedIsNotAnError(t *testing.T) {
	worker := PushFlushWorker{Engine: &countingFlusher{report: push.FlushReport{Skipped: true}}, Logger: zerolog.Nop()}
	require.NoError(t, worker.Work(context.Background(), &river.Job[PushFlushArgs]{}))
}

func TestRegistrationRetryWorker_Work(t *testing.T) {
	registrar := &recordingRegistrar{}
	worker := RegistrationRetryWorker{
		Parties:     staticLister{party("AAA", parties.StatusEnabled, parties.StateCredentialsExchangePending)},
		Coordinator: registrar,
		Logger:      zerolog.Nop(),
	}

	require.NoError(t, worker.Work(context.Background(), &river.Job[RegistrationRetryArgs]{}))
	assert.Len(t, registrar.calls, 1)
}

func TestTicker_RunsUntilCancelled(t *testing.T) {
	flusher := &countingFlusher{}
	ticker := NewTicker(flusher, staticLister{}, &recordingRegistrar{}, Schedule{
		FlushInterval: 5 * time.Millisecond,
		RetryInterval: 5 * time.Millisecond,
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	ticker.Start(ctx)

	require.Eventually(t, func() bool { return flusher.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	ticker.Wait()

	calls := flusher.calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, flusher.calls.Load())
}
