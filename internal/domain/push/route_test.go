package push

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/Togather-Foundation/roaming/internal/domain/parties"
	"github.com/Togather-Foundation/roaming/internal/ocpi"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	method, url, token string
}

type fakeTransport struct {
	calls *[]call
	token string
}

func (f fakeTransport) Push(_ context.Context, method, objectURL string, _ json.RawMessage) error {
	*f.calls = append(*f.calls, call{method: method, url: objectURL, token: f.token})
	return nil
}

func registeredEMSP(id parties.Identity, status parties.RemoteAccessStatus) *parties.Record {
	return &parties.Record{
		Identity: id,
		Status:   parties.StatusEnabled,
		RemoteAccess: []parties.RemoteAccessInfo{{
			Status:          status,
			State:           parties.StateRegistered,
			VersionsURL:     "https://" + id.PartyID + ".example.com/versions",
			AccessToken:     "token-" + id.PartyID,
			SelectedVersion: "2.2.1",
			Endpoints: []ocpi.Endpoint{
				{Identifier: ocpi.ModuleLocations, Role: ocpi.InterfaceReceiver, URL: "https://" + id.PartyID + ".example.com/locations"},
				{Identifier: ocpi.ModuleCDRs, Role: ocpi.InterfaceReceiver, URL: "https://" + id.PartyID + ".example.com/cdrs"},
			},
		}},
	}
}

func newDirectory(t *testing.T, records ...*parties.Record) *parties.Registry {
	t.Helper()
	reg := parties.NewRegistry(parties.NewMemoryRepository(), zerolog.Nop())
	for _, rec := range records {
		_, err := reg.Upsert(context.Background(), rec)
		require.NoError(t, err)
	}
	return reg
}

func TestRegistryRouter(t *testing.T) {
	suspended := registeredEMSP(parties.Identity{CountryCode: "NL", PartyID: "SUS", Role: parties.RoleEMSP}, parties.RemoteOnline)
	suspended.Status = parties.StatusSuspended
	dir := newDirectory(t,
		registeredEMSP(emspA, parties.RemoteOnline),
		registeredEMSP(emspB, parties.RemoteOffline),
		suspended,
	)

	router := NewRegistryRouter(dir)
	assert.Equal(t, []parties.Identity{emspA, emspB}, router.Recipients(cpo, ocpi.ModuleLocations))
	assert.Empty(t, router.Recipients(cpo, ocpi.ModuleTariffs), "no tariffs endpoint negotiated")
	assert.Empty(t, router.Recipients(emspA, ocpi.ModuleLocations), "EMSP objects go to CPOs")
}

func TestPeerPusher(t *testing.T) {
	dir := newDirectory(t, registeredEMSP(emspA, parties.RemoteOnline), registeredEMSP(emspB, parties.RemoteOffline))
	var calls []call
	pusher := NewPeerPusher(dir, func(remote parties.RemoteAccessInfo) ObjectPusher {
		return fakeTransport{calls: &calls, token: remote.AccessToken}
	})
	ctx := context.Background()

	require.NoError(t, pusher.Push(ctx, Delivery{Target: emspA, Ref: locRef("LOC 1"), Method: http.MethodPut, Body: json.RawMessage(`{}`)}))
	require.NoError(t, pusher.Push(ctx, Delivery{Target: emspA, Ref: Ref{Provider: cpo, Module: ocpi.ModuleCDRs, ID: "CDR1"}, Method: http.MethodPost, Body: json.RawMessage(`{}`)}))
	require.Equal(t, []call{
		{method: http.MethodPut, url: "https://AAA.example.com/locations/DE/CPO/LOC%201", token: "token-AAA"},
		{method: http.MethodPost, url: "https://AAA.example.com/cdrs", token: "token-AAA"},
	}, calls)

	err := pusher.Push(ctx, Delivery{Target: emspB, Ref: locRef("LOC1"), Method: http.MethodPut})
	assert.ErrorIs(t, err, ErrRecipientOffline)

	err = pusher.Push(ctx, Delivery{Target: emspA, Ref: Ref{Provider: cpo, Module: ocpi.ModuleTariffs, ID: "T1"}, Method: http.MethodPut})
	assert.ErrorIs(t, err, ErrUndeliverable)

	err = pusher.Push(ctx, Delivery{Target: parties.Identity{CountryCode: "BE", PartyID: "ZZZ", Role: parties.RoleEMSP}, Method: http.MethodPut})
	assert.ErrorIs(t, err, ErrUndeliverable)
}
