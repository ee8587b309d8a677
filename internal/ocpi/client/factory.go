package client

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/Togather-Foundation/roaming/internal/domain/parties"
)

// Factory hands out one client per remote access entry, so every caller
// talking to a peer shares its rate limiter and connection pool.
type Factory struct {
	opts []Option

	mu      sync.Mutex
	clients map[string]cachedClient
}

type cachedClient struct {
	fingerprint string
	client      *Client
}

func NewFactory(opts ...Option) *Factory {
	return &Factory{opts: opts, clients: make(map[string]cachedClient)}
}

// ForRemote returns the client for the entry's versions URL. A new client
// replaces the cached one when the token or transport settings change.
func (f *Factory) ForRemote(remote parties.RemoteAccessInfo) *Client {
	cfg := ConfigFor(remote)
	fingerprint := fmt.Sprintf("%+v", cfg)

	f.mu.Lock()
	defer f.mu.Unlock()
	if cached, ok := f.clients[remote.VersionsURL]; ok {
		if cached.fingerprint == fingerprint {
			return cached.client
		}
		cached.client.closeIdleConnections()
	}
	c := New(cfg, f.opts...)
	f.clients[remote.VersionsURL] = cachedClient{fingerprint: fingerprint, client: c}
	return c
}

// Len reports how many clients are cached.
func (f *Factory) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// Close drops every cached client and closes the idle connections of the
// transports they own.
func (f *Factory) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, cached := range f.clients {
		cached.client.closeIdleConnections()
		delete(f.clients, key)
	}
}

// ConfigFor maps a remote access entry to a client configuration.
func ConfigFor(remote parties.RemoteAccessInfo) Config {
	t := remote.Transport
	return Config{
		Token:              remote.AccessToken,
		Base64Encoded:      remote.Base64Encoded,
		Timeout:            t.Timeout,
		MaxRetries:         t.MaxRetries,
		RequestsPerSecond:  t.RequestsPerSecond,
		TLSServerName:      t.TLSServerName,
		InsecureSkipVerify: t.InsecureSkipVerify,
		Headers:            t.Headers,
	}
}

// closeIdleConnections leaves the shared default transport alone.
func (c *Client) closeIdleConnections() {
	if c.httpClient.Transport == nil || c.httpClient.Transport == http.DefaultTransport {
		return
	}
	c.httpClient.CloseIdleConnections()
}
