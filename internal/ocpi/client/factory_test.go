package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Togather-Foundation/roaming/internal/domain/parties"
	"github.com/Togather-Foundation/roaming/internal/ocpi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactory_SharesRateLimitAcrossCalls(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		envelope(t, w, []ocpi.Version{{Version: "2.2.1", URL: "https://peer/2.2.1"}})
	}))
	defer server.Close()

	f := NewFactory()
	defer f.Close()
	remote := parties.RemoteAccessInfo{
		VersionsURL: server.URL,
		AccessToken: "secret",
		Transport:   parties.TransportConfig{RequestsPerSecond: 1},
	}

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := f.ForRemote(remote).GetVersions(context.Background(), server.URL)
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 1800*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFactory_ReusesClientPerEntry(t *testing.T) {
	f := NewFactory()
	remote := parties.RemoteAccessInfo{
		VersionsURL: "https://peer.example/ocpi/versions",
		AccessToken: "first",
		Transport:   parties.TransportConfig{TLSServerName: "peer.example"},
	}

	first := f.ForRemote(remote)
	assert.Same(t, first, f.ForRemote(remote))

	remote.AccessToken = "second"
	rotated := f.ForRemote(remote)
	assert.NotSame(t, first, rotated)
	assert.Same(t, rotated, f.ForRemote(remote))
	assert.Equal(t, 1, f.Len())

	remote.Transport.Headers = map[string]string{"X-Tenant": "a"}
	assert.NotSame(t, rotated, f.ForRemote(remote))
	assert.Equal(t, 1, f.Len())

	other := remote
	other.VersionsURL = "https://other.example/ocpi/versions"
	assert.NotSame(t, f.ForRemote(remote), f.ForRemote(other))
	assert.Equal(t, 2, f.Len())

	f.Close()
	assert.Equal(t, 0, f.Len())
	assert.NotSame(t, rotated, f.ForRemote(remote))
}

func TestFactory_ConcurrentCallersGetOneClient(t *testing.T) {
	f := NewFactory()
	remote := parties.RemoteAccessInfo{VersionsURL: "https://peer.example/ocpi/versions", AccessToken: "secret"}

	const n = 16
	got := make(chan *Client, n)
	for i := 0; i < n; i++ {
		go func() { got <- f.ForRemote(remote) }()
	}
	first := <-got
	for i := 1; i < n; i++ {
		assert.Same(t, first, <-got)
	}
	assert.Equal(t, 1, f.Len())
}
