package parties

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Togather-Foundation/roaming/internal/ocpi"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type failingRepo struct {
	*MemoryRepository
	err error
}

func (f *failingRepo) Save(ctx context.Context, r *Record) error {
	if f.err != nil {
		return f.err
	}
	return f.MemoryRepository.Save(ctx, r)
}

func newParty(cc, pid string, role Role, tokens ...string) *Record {
	rec := &Record{
		Identity:        Identity{CountryCode: cc, PartyID: pid, Role: role},
		BusinessDetails: ocpi.BusinessDetails{Name: cc + " " + pid},
		Status:          StatusEnabled,
	}
	for _, tok := range tokens {
		rec.LocalAccess = append(rec.LocalAccess, LocalAccessInfo{AccessToken: tok, Status: AccessAllowed})
	}
	return rec
}

func newTestRegistry(t *testing.T) (*Registry, *MemoryRepository, *testClock) {
	t.Helper()
	repo := NewMemoryRepository()
	clock := newTestClock()
	return NewRegistry(repo, zerolog.Nop(), WithClock(clock.Now), WithLockWait(time.Second)), repo, clock
}

func TestRegistry_UpsertIsIdempotent(t *testing.T) {
	reg, repo, clock := newTestRegistry(t)
	ctx := context.Background()

	first, err := reg.Upsert(ctx, newParty("DE", "ABC", RoleEMSP, "tok-1"))
	require.NoError(t, err)
	require.NotEmpty(t, first.ContentHash)

	clock.Advance(time.Minute)
	second, err := reg.Upsert(ctx, newParty("DE", "ABC", RoleEMSP, "tok-1"))
	require.NoError(t, err)

	assert.Equal(t, first.ContentHash, second.ContentHash)
	assert.Equal(t, first.LastUpdated, second.LastUpdated)
	assert.Equal(t, 1, repo.Saves())
}

func TestRegistry_UpsertChangeBumpsTimestamp(t *testing.T) {
	reg, _, clock := newTestRegistry(t)
	ctx := context.Background()

	first, err := reg.Upsert(ctx, newParty("DE", "ABC", RoleEMSP, "tok-1"))
	require.NoError(t, err)

	clock.Advance(time.Minute)
	changed := newParty("DE", "ABC", RoleEMSP, "tok-1")
	changed.BusinessDetails.Name = "Renamed"
	second, err := reg.Upsert(ctx, changed)
	require.NoError(t, err)

	assert.NotEqual(t, first.ContentHash, second.ContentHash)
	assert.True(t, second.LastUpdated.After(first.LastUpdated))
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestRegistry_LastUpdatedNeverMovesBackwards(t *testing.T) {
	reg, _, clock := newTestRegistry(t)
	ctx := context.Background()

	first, err := reg.Upsert(ctx, newParty("DE", "ABC", RoleEMSP, "tok-1"))
	require.NoError(t, err)

	clock.Advance(-time.Hour)
	second, err := reg.SetStatus(ctx, first.Identity, StatusSuspended)
	require.NoError(t, err)

	assert.Equal(t, StatusSuspended, second.Status)
	assert.False(t, second.LastUpdated.Before(first.LastUpdated))
}

func TestRegistry_HashIgnoresEntryOrder(t *testing.T) {
	a := newParty("DE", "ABC", RoleEMSP, "tok-1", "tok-2")
	b := newParty("DE", "ABC", RoleEMSP, "tok-2", "tok-1")
	assert.Equal(t, a.ComputeHash(), b.ComputeHash())
}

func TestRegistry_RejectsDuplicateTokenAcrossParties(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Upsert(ctx, newParty("DE", "ABC", RoleEMSP, "shared"))
	require.NoError(t, err)

	_, err = reg.Upsert(ctx, newParty("NL", "XYZ", RoleCPO, "shared"))
	require.ErrorIs(t, err, ErrDuplicateToken)

	rec, info, ok := reg.FindByToken("shared")
	require.True(t, ok)
	assert.Equal(t, "ABC", rec.Identity.PartyID)
	assert.Equal(t, "shared", info.AccessToken)

	_, ok = reg.FindByIdentity(Identity{CountryCode: "NL", PartyID: "XYZ", Role: RoleCPO})
	assert.False(t, ok)
}

func TestRegistry_SameIdentifierDifferentRoleIsDistinct(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Upsert(ctx, newParty("DE", "ABC", RoleEMSP, "emsp-token"))
	require.NoError(t, err)
	_, err = reg.Upsert(ctx, newParty("DE", "ABC", RoleCPO, "cpo-token"))
	require.NoError(t, err)

	assert.Len(t, reg.All(), 2)
}

func TestRegistry_FindByTokenFollowsRotation(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	rec, err := reg.Upsert(ctx, newParty("DE", "ABC", RoleEMSP, "old"))
	require.NoError(t, err)

	_, err = reg.Update(ctx, rec.Identity, func(r *Record) error {
		r.LocalAccess[0].AccessToken = "new"
		return nil
	})
	require.NoError(t, err)

	_, _, ok := reg.FindByToken("old")
	assert.False(t, ok)
	found, _, ok := reg.FindByToken("new")
	require.True(t, ok)
	assert.Equal(t, rec.Identity, found.Identity)
}

func TestRegistry_UpdateRejectsIdentityChange(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	rec, err := reg.Upsert(ctx, newParty("DE", "ABC", RoleEMSP, "tok"))
	require.NoError(t, err)

	_, err = reg.Update(ctx, rec.Identity, func(r *Record) error {
		r.Identity.PartyID = "DEF"
		return nil
	})
	require.ErrorIs(t, err, ErrIdentityChanged)
}

func TestRegistry_UpdateUnknownParty(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	_, err := reg.Update(context.Background(), Identity{CountryCode: "DE", PartyID: "ABC", Role: RoleCPO}, func(*Record) error { return nil })
	require.ErrorIs(t, err, ErrPartyNotFound)
}

func TestRegistry_UpdateCallbackErrorAborts(t *testing.T) {
	reg, repo, _ := newTestRegistry(t)
	ctx := context.Background()

	rec, err := reg.Upsert(ctx, newParty("DE", "ABC", RoleEMSP, "tok"))
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = reg.Update(ctx, rec.Identity, func(r *Record) error {
		r.Status = StatusDeleted
		return boom
	})
	require.ErrorIs(t, err, boom)

	stored, ok := reg.FindByIdentity(rec.Identity)
	require.True(t, ok)
	assert.Equal(t, StatusEnabled, stored.Status)
	assert.Equal(t, 1, repo.Saves())
}

func TestRegistry_RequiresAccessInfo(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	_, err := reg.Upsert(context.Background(), newParty("DE", "ABC", RoleEMSP))
	require.ErrorIs(t, err, ErrNoAccessInfo)
}

func TestRegistry_RejectsSubSecondRotation(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	tests := map[string]*RotatingToken{
		"sub-second":     {Secret: "shared", Period: 500 * time.Millisecond},
		"zero":           {Secret: "shared"},
		"missing secret": {Period: time.Minute},
	}
	for name, rot := range tests {
		t.Run(name, func(t *testing.T) {
			rec := newParty("DE", "ROT", RoleEMSP, "static")
			rec.LocalAccess[0].Rotating = rot
			_, err := reg.Upsert(context.Background(), rec)
			require.ErrorIs(t, err, ErrInvalidRecord)
			_, ok := reg.FindByIdentity(rec.Identity)
			assert.False(t, ok)
		})
	}

	rec := newParty("DE", "ROT", RoleEMSP, "static")
	rec.LocalAccess[0].Rotating = &RotatingToken{Secret: "shared", Period: MinRotationPeriod}
	_, err := reg.Upsert(context.Background(), rec)
	require.NoError(t, err)
}

func TestRegistry_RejectsInvalidIdentity(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	_, err := reg.Upsert(context.Background(), newParty("DEU", "ABC", RoleEMSP, "tok"))
	require.ErrorIs(t, err, ErrInvalidIdentity)
}

func TestRegistry_ReturnsCopies(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	rec, err := reg.Upsert(ctx, newParty("DE", "ABC", RoleEMSP, "tok"))
	require.NoError(t, err)

	rec.LocalAccess[0].Status = AccessBlocked
	rec.BusinessDetails.Name = "mutated"

	stored, ok := reg.FindByIdentity(rec.Identity)
	require.True(t, ok)
	assert.Equal(t, AccessAllowed, stored.LocalAccess[0].Status)
	assert.Equal(t, "DE ABC", stored.BusinessDetails.Name)
}

func TestRegistry_ListByRole(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	for i, pid := range []string{"CCC", "AAA", "BBB"} {
		rec := newParty("DE", pid, RoleEMSP, fmt.Sprintf("tok-%d", i))
		rec.RemoteAccess = []RemoteAccessInfo{{
			Status:      RemoteOnline,
			VersionsURL: "https://" + pid + ".example.com/versions",
			AccessToken: "remote-" + pid,
		}}
		if pid == "BBB" {
			rec.RemoteAccess[0].Status = RemoteOffline
		}
		_, err := reg.Upsert(ctx, rec)
		require.NoError(t, err)
	}
	_, err := reg.Upsert(ctx, newParty("DE", "CPO", RoleCPO, "cpo-tok"))
	require.NoError(t, err)

	all := reg.ListByRole(RoleEMSP, ListFilter{})
	require.Len(t, all, 3)
	assert.Equal(t, "AAA", all[0].Identity.PartyID)
	assert.Equal(t, "CCC", all[2].Identity.PartyID)

	online := reg.ListByRole(RoleEMSP, ListFilter{Statuses: []PartyStatus{StatusEnabled}, RemoteStatus: RemoteOnline})
	require.Len(t, online, 2)
	assert.Equal(t, "AAA", online[0].Identity.PartyID)
	assert.Equal(t, "CCC", online[1].Identity.PartyID)
}

func TestRegistry_AllowDowngrades(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	rec := newParty("DE", "ABC", RoleCPO, "tok")
	rec.LocalAccess[0].AllowDowngrades = true
	_, err := reg.Upsert(ctx, rec)
	require.NoError(t, err)
	_, err = reg.Upsert(ctx, newParty("DE", "DEF", RoleCPO, "tok-2"))
	require.NoError(t, err)

	assert.True(t, reg.AllowDowngrades(rec.Identity))
	assert.False(t, reg.AllowDowngrades(Identity{CountryCode: "DE", PartyID: "DEF", Role: RoleCPO}))
	assert.False(t, reg.AllowDowngrades(Identity{CountryCode: "XX", PartyID: "XXX", Role: RoleCPO}))
}

func TestRegistry_ConcurrentUpdatesSerialize(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	rec, err := reg.Upsert(ctx, newParty("DE", "ABC", RoleEMSP, "base"))
	require.NoError(t, err)

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Update(ctx, rec.Identity, func(r *Record) error {
				r.LocalAccess = append(r.LocalAccess, LocalAccessInfo{
					AccessToken: fmt.Sprintf("tok-%d", i),
					Status:      AccessAllowed,
				})
				return nil
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	stored, ok := reg.FindByIdentity(rec.Identity)
	require.True(t, ok)
	assert.Len(t, stored.LocalAccess, writers+1)
	for i := range writers {
		_, _, ok := reg.FindByToken(fmt.Sprintf("tok-%d", i))
		assert.True(t, ok)
	}
}

func TestRegistry_SaveFailureLeavesStateUntouched(t *testing.T) {
	repo := &failingRepo{MemoryRepository: NewMemoryRepository()}
	reg := NewRegistry(repo, zerolog.Nop())
	ctx := context.Background()

	repo.err = errors.New("disk full")
	_, err := reg.Upsert(ctx, newParty("DE", "ABC", RoleEMSP, "tok"))
	require.Error(t, err)

	_, _, ok := reg.FindByToken("tok")
	assert.False(t, ok)

	// The failed write must not keep its token reserved.
	repo.err = nil
	_, err = reg.Upsert(ctx, newParty("NL", "XYZ", RoleEMSP, "tok"))
	require.NoError(t, err)
}

func TestRegistry_Load(t *testing.T) {
	existing := newParty("DE", "ABC", RoleEMSP, "tok")
	existing.CreatedAt = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	existing.LastUpdated = existing.CreatedAt

	reg := NewRegistry(NewMemoryRepository(existing), zerolog.Nop())
	require.NoError(t, reg.Load(context.Background()))

	rec, _, ok := reg.FindByToken("tok")
	require.True(t, ok)
	assert.Equal(t, existing.ComputeHash(), rec.ContentHash)
}

func TestRegistry_LoadRejectsDuplicateTokens(t *testing.T) {
	repo := NewMemoryRepository(
		newParty("DE", "ABC", RoleEMSP, "tok"),
		newParty("NL", "XYZ", RoleEMSP, "tok"),
	)
	reg := NewRegistry(repo, zerolog.Nop())
	require.ErrorIs(t, reg.Load(context.Background()), ErrDuplicateToken)
}

func TestRecord_PersistedShape(t *testing.T) {
	rec := newParty("DE", "ABC", RoleEMSP, "tok")
	rec.CreatedAt = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rec.LastUpdated = rec.CreatedAt

	raw, err := json.Marshal(rec)
	require.NoError(t, err)

	var shape map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &shape))
	for _, key := range []string{"countryCode", "partyId", "role", "businessDetails", "localAccessInfos", "remoteAccessInfos", "partyStatus", "created", "last_updated"} {
		assert.Contains(t, shape, key)
	}

	var decoded Record
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, rec.Identity, decoded.Identity)
	assert.Equal(t, rec.ComputeHash(), decoded.ContentHash)
}

func TestValidity_Contains(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	before := base.Add(-time.Hour)
	after := base.Add(time.Hour)

	tests := []struct {
		name string
		v    Validity
		at   time.Time
		want bool
	}{
		{"open", Validity{}, base, true},
		{"at not before is excluded", Validity{NotBefore: &base}, base, false},
		{"after not before", Validity{NotBefore: &before}, base, true},
		{"at not after is included", Validity{NotAfter: &base}, base, true},
		{"past not after", Validity{NotAfter: &before}, base, false},
		{"inside both", Validity{NotBefore: &before, NotAfter: &after}, base, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.v.Contains(tt.at))
		})
	}
}

func TestParseKey(t *testing.T) {
	id, err := ParseKey("DE-ABC-EMSP")
	require.NoError(t, err)
	assert.Equal(t, Identity{CountryCode: "DE", PartyID: "ABC", Role: RoleEMSP}, id)

	_, err = ParseKey("DE-ABC")
	require.ErrorIs(t, err, ErrInvalidIdentity)
	_, err = ParseKey("DE-ABC-HUB")
	require.ErrorIs(t, err, ErrInvalidIdentity)
}
