package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/Togather-Foundation/roaming/internal/domain/parties"
	"github.com/Togather-Foundation/roaming/internal/ocpi"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(cc, pid string, role parties.Role, tokens ...string) *parties.Record {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := &parties.Record{
		Identity:        parties.Identity{CountryCode: cc, PartyID: pid, Role: role},
		BusinessDetails: ocpi.BusinessDetails{Name: cc + " " + pid},
		Status:          parties.StatusEnabled,
		CreatedAt:       created,
		LastUpdated:     created,
	}
	for _, tok := range tokens {
		rec.LocalAccess = append(rec.LocalAccess, parties.LocalAccessInfo{AccessToken: tok, Status: parties.AccessAllowed})
	}
	rec.ContentHash = rec.ComputeHash()
	return rec
}

func TestPartyRepository_SaveAndLoad(t *testing.T) {
	pool, _ := setupPostgres(t)
	ctx := context.Background()

	repo, err := NewPartyRepository(pool)
	require.NoError(t, err)

	emsp := testRecord("NL", "XYZ", parties.RoleEMSP, "tok-1", "tok-2")
	emsp.RemoteAccess = []parties.RemoteAccessInfo{{
		Status:      parties.RemoteOnline,
		State:       parties.StateRegistered,
		VersionsURL: "https://xyz.example.com/ocpi/versions",
		AccessToken: "remote-tok",
		Transport:   parties.TransportConfig{Timeout: 3 * time.Second, Headers: map[string]string{"X-Env": "test"}},
	}}
	emsp.ContentHash = emsp.ComputeHash()
	cpo := testRecord("DE", "ABC", parties.RoleCPO, "tok-3")

	require.NoError(t, repo.Save(ctx, emsp))
	require.NoError(t, repo.Save(ctx, cpo))

	loaded, err := repo.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, cpo.Identity, loaded[0].Identity)
	assert.Equal(t, emsp.Identity, loaded[1].Identity)
	assert.Equal(t, emsp.ContentHash, loaded[1].ContentHash)
	require.Len(t, loaded[1].RemoteAccess, 1)
	assert.Equal(t, "test", loaded[1].RemoteAccess[0].Transport.Headers["X-Env"])
}

func TestPartyRepository_SaveReplacesTokens(t *testing.T) {
	pool, _ := setupPostgres(t)
	ctx := context.Background()
	repo, err := NewPartyRepository(pool)
	require.NoError(t, err)

	require.NoError(t, repo.Save(ctx, testRecord("NL", "XYZ", parties.RoleEMSP, "old")))
	require.NoError(t, repo.Save(ctx, testRecord("NL", "XYZ", parties.RoleEMSP, "new")))

	// The released token can now be assigned elsewhere.
	require.NoError(t, repo.Save(ctx, testRecord("DE", "ABC", parties.RoleCPO, "old")))

	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM party_tokens`).Scan(&count))
	assert.Equal(t, 2, count)
}

func TestPartyRepository_DuplicateToken(t *testing.T) {
	pool, _ := setupPostgres(t)
	ctx := context.Background()
	repo, err := NewPartyRepository(pool)
	require.NoError(t, err)

	require.NoError(t, repo.Save(ctx, testRecord("NL", "XYZ", parties.RoleEMSP, "shared")))
	err = repo.Save(ctx, testRecord("DE", "ABC", parties.RoleCPO, "shared"))
	require.ErrorIs(t, err, parties.ErrDuplicateToken)

	// The failed transaction must not leave the second party behind.
	loaded, err := repo.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
}

func TestPartyRepository_Delete(t *testing.T) {
	pool, _ := setupPostgres(t)
	ctx := context.Background()
	repo, err := NewPartyRepository(pool)
	require.NoError(t, err)

	rec := testRecord("NL", "XYZ", parties.RoleEMSP, "tok")
	require.NoError(t, repo.Save(ctx, rec))
	require.NoError(t, repo.Delete(ctx, rec.Identity))
	require.ErrorIs(t, repo.Delete(ctx, rec.Identity), parties.ErrPartyNotFound)

	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM party_tokens`).Scan(&count))
	assert.Zero(t, count)
}

func TestPartyRepository_BacksRegistry(t *testing.T) {
	pool, _ := setupPostgres(t)
	ctx := context.Background()
	repo, err := NewPartyRepository(pool)
	require.NoError(t, err)

	reg := parties.NewRegistry(repo, zerolog.Nop())
	require.NoError(t, reg.Load(ctx))
	_, err = reg.Upsert(ctx, testRecord("NL", "XYZ", parties.RoleEMSP, "tok-a"))
	require.NoError(t, err)

	reloaded := parties.NewRegistry(repo, zerolog.Nop())
	require.NoError(t, reloaded.Load(ctx))
	rec, _, ok := reloaded.FindByToken("tok-a")
	require.True(t, ok)
	assert.Equal(t, "XYZ", rec.Identity.PartyID)
}

func TestMigrationVersion(t *testing.T) {
	_, dbURL := setupPostgres(t)

	version, dirty, err := MigrationVersion(dbURL, "")
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.EqualValues(t, 1, version)
}

func TestMigrateDown_RequiresSteps(t *testing.T) {
	require.Error(t, MigrateDown("postgres://unused", "", 0))
}

func TestNewPartyRepository_NilPool(t *testing.T) {
	_, err := NewPartyRepository(nil)
	require.Error(t, err)
}
