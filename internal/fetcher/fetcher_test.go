package fetcher

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalpost/flagwire/internal/breaker"
	"github.com/signalpost/flagwire/internal/client"
	"github.com/signalpost/flagwire/internal/model"
	"github.com/signalpost/flagwire/internal/retry"
	"github.com/signalpost/flagwire/internal/utils/timeo"
)

type fakeTransport struct {
	mu      sync.Mutex
	gets    []map[string]string
	etag    string
	body    []byte
	block   chan struct{}
	fail    error
	version string
}

func (f *fakeTransport) Get(ctx context.Context, url string, headers map[string]string) (*client.Response, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := make(map[string]string, len(headers))
	for k, v := range headers {
		copied[k] = v
	}
	f.gets = append(f.gets, copied)

	if f.fail != nil {
		return nil, f.fail
	}
	respHeaders := http.Header{}
	respHeaders.Set("ETag", f.etag)
	if headers["If-None-Match"] == f.etag && f.etag != "" {
		return &client.Response{StatusCode: http.StatusNotModified, Headers: respHeaders}, nil
	}
	return &client.Response{Success: true, StatusCode: http.StatusOK, Body: f.body, Headers: respHeaders}, nil
}

func (f *fakeTransport) Post(ctx context.Context, url string, payload any, headers map[string]string) (*client.Response, error) {
	return &client.Response{Success: true, StatusCode: http.StatusOK}, nil
}

func (f *fakeTransport) Head(ctx context.Context, url string, headers map[string]string) (*client.Response, error) {
	return &client.Response{Success: true, StatusCode: http.StatusOK}, nil
}

func (f *fakeTransport) calls() []map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]string, len(f.gets))
	copy(out, f.gets)
	return out
}

func newFetcher(ft *fakeTransport) *Fetcher {
	breakers := breaker.NewManager(model.CircuitBreakerConfig{Enabled: false}, timeo.Real())
	exec := retry.NewExecutor(breakers, timeo.Real())
	return New("https://api.example.com/v1/config", ft, exec, retry.Policy{MaxAttempts: 1}, nil, timeo.Real())
}

func TestFetchParsesSnapshotAndNotifies(t *testing.T) {
	ft := &fakeTransport{etag: `"v1"`, body: []byte(`{"version":"v1","flags":{"dark_mode":true}}`)}
	f := newFetcher(ft)

	var notified []Snapshot
	var mu sync.Mutex
	f.Subscribe(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		notified = append(notified, s)
	})

	snap, changed, err := f.Fetch(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "v1", snap.Version)
	assert.Equal(t, `"v1"`, snap.ETag)
	assert.Equal(t, true, snap.Flags["dark_mode"])
	assert.False(t, snap.FetchedAt.IsZero())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, notified, 1)
	assert.Equal(t, "v1", notified[0].Version)
}

func TestConditionalFetchSkipsUnchangedConfig(t *testing.T) {
	ft := &fakeTransport{etag: `"v1"`, body: []byte(`{"version":"v1"}`)}
	f := newFetcher(ft)
	ctx := context.Background()

	_, changed, err := f.Fetch(ctx)
	require.NoError(t, err)
	assert.True(t, changed)

	snap, changed, err := f.Fetch(ctx)
	require.NoError(t, err)
	assert.False(t, changed, "304 leaves the snapshot alone")
	assert.Equal(t, "v1", snap.Version)

	calls := ft.calls()
	require.Len(t, calls, 2)
	assert.Empty(t, calls[0]["If-None-Match"], "first fetch is unconditional")
	assert.Equal(t, `"v1"`, calls[1]["If-None-Match"])
}

func TestConcurrentFetchesCollapse(t *testing.T) {
	ft := &fakeTransport{etag: `"v1"`, body: []byte(`{"version":"v1"}`), block: make(chan struct{})}
	f := newFetcher(ft)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := f.Fetch(context.Background())
			assert.NoError(t, err)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(ft.block)
	wg.Wait()

	assert.Len(t, ft.calls(), 1, "concurrent fetches share one request")
}

func TestReconnectTriggersRefetch(t *testing.T) {
	ft := &fakeTransport{etag: `"v1"`, body: []byte(`{"version":"v1"}`)}
	f := newFetcher(ft)

	f.OnConnectionChange(model.ConnectionInfo{State: model.ConnectionStateDisconnected})
	assert.Empty(t, ft.calls(), "only a recovered connection refetches")

	f.OnConnectionChange(model.ConnectionInfo{State: model.ConnectionStateConnected})
	assert.Len(t, ft.calls(), 1)
	assert.Equal(t, "v1", f.Current().Version)
}
