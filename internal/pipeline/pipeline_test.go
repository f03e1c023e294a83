package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/signalpost/flagwire/internal/client"
	"github.com/signalpost/flagwire/internal/conf"
	"github.com/signalpost/flagwire/internal/errs"
	"github.com/signalpost/flagwire/internal/utils/timeo"
)

type fakeTransport struct {
	mu    sync.Mutex
	posts []postCall
	fail  error
}

type postCall struct {
	url     string
	payload map[string]any
}

func (f *fakeTransport) Post(ctx context.Context, url string, payload any, headers map[string]string) (*client.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, postCall{url: url, payload: payload.(map[string]any)})
	if f.fail != nil {
		return nil, f.fail
	}
	return &client.Response{Success: true, StatusCode: http.StatusOK, Body: []byte(`{"ok":true}`)}, nil
}

func (f *fakeTransport) Get(ctx context.Context, url string, headers map[string]string) (*client.Response, error) {
	return &client.Response{Success: true, StatusCode: http.StatusOK}, nil
}

func (f *fakeTransport) Head(ctx context.Context, url string, headers map[string]string) (*client.Response, error) {
	return &client.Response{Success: true, StatusCode: http.StatusOK}, nil
}

func (f *fakeTransport) calls() []postCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]postCall, len(f.posts))
	copy(out, f.posts)
	return out
}

func testCfg() conf.PipelineConfig {
	return conf.PipelineConfig{
		MaxBatchSize:  3,
		CoalesceDelay: 20 * time.Millisecond,
	}
}

func TestSingleRequestPostsDirectly(t *testing.T) {
	ft := &fakeTransport{}
	p := New(testCfg(), ft, timeo.Real())
	defer p.Shutdown()

	h, err := p.AddRequest("https://api.example.com/v1/events", map[string]any{"name": "click"}, nil, 0)
	require.NoError(t, err)

	res, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Batched)
	assert.True(t, res.Response.Success)

	calls := ft.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "click", calls[0].payload["name"])
	_, hasBatch := calls[0].payload["batch"]
	assert.False(t, hasBatch, "single requests must not be wrapped")
}

func TestBatchMergesAndSharesResult(t *testing.T) {
	ft := &fakeTransport{}
	p := New(testCfg(), ft, timeo.Real())
	defer p.Shutdown()

	var handles []*Handle
	for i := 0; i < 3; i++ {
		h, err := p.AddRequest("https://api.example.com/v1/events", map[string]any{"seq": i}, nil, 0)
		require.NoError(t, err)
		handles = append(handles, h)
	}

	var results []Result
	for _, h := range handles {
		res, err := h.Wait(context.Background())
		require.NoError(t, err)
		results = append(results, res)
	}

	calls := ft.calls()
	require.Len(t, calls, 1, "three requests coalesce into one POST")
	batch := calls[0].payload["batch"].([]map[string]any)
	require.Len(t, batch, 3)
	for _, entry := range batch {
		assert.NotEmpty(t, entry["id"], "entries carry correlation ids")
	}

	for _, res := range results {
		assert.True(t, res.Batched)
		assert.Equal(t, 3, res.BatchLen)
		assert.Same(t, results[0].Response, res.Response, "batch members share one result")
	}
}

func TestPriorityOrdering(t *testing.T) {
	ft := &fakeTransport{}
	cfg := testCfg()
	cfg.MaxBatchSize = 1 // force one dispatch per request to observe order
	cfg.CoalesceDelay = 30 * time.Millisecond
	p := New(cfg, ft, timeo.Real())
	defer p.Shutdown()

	h1, _ := p.AddRequest("https://api.example.com/v1/events", map[string]any{"prio": "low"}, nil, 1)
	h2, _ := p.AddRequest("https://api.example.com/v1/events", map[string]any{"prio": "high"}, nil, 10)
	h3, _ := p.AddRequest("https://api.example.com/v1/events", map[string]any{"prio": "mid"}, nil, 5)

	for _, h := range []*Handle{h1, h2, h3} {
		_, err := h.Wait(context.Background())
		require.NoError(t, err)
	}

	calls := ft.calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "high", calls[0].payload["prio"])
	assert.Equal(t, "mid", calls[1].payload["prio"])
	assert.Equal(t, "low", calls[2].payload["prio"])
}

func TestHostsBatchIndependently(t *testing.T) {
	ft := &fakeTransport{}
	p := New(testCfg(), ft, timeo.Real())
	defer p.Shutdown()

	h1, _ := p.AddRequest("https://a.example.com/v1/events", map[string]any{"host": "a"}, nil, 0)
	h2, _ := p.AddRequest("https://b.example.com/v1/events", map[string]any{"host": "b"}, nil, 0)

	_, err := h1.Wait(context.Background())
	require.NoError(t, err)
	_, err = h2.Wait(context.Background())
	require.NoError(t, err)

	calls := ft.calls()
	require.Len(t, calls, 2, "different hosts never merge")
}

func TestBatchFailureSharedByAllMembers(t *testing.T) {
	ft := &fakeTransport{fail: errs.Transient(nil, "upstream 503")}
	p := New(testCfg(), ft, timeo.Real())
	defer p.Shutdown()

	var handles []*Handle
	for i := 0; i < 2; i++ {
		h, err := p.AddRequest("https://api.example.com/v1/events", map[string]any{"seq": i}, nil, 0)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		_, err := h.Wait(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "upstream 503")
	}
}

func TestShutdownFailsQueued(t *testing.T) {
	ft := &fakeTransport{}
	cfg := testCfg()
	cfg.CoalesceDelay = time.Hour // never fires
	p := New(cfg, ft, timeo.NewManual(time.Unix(1000, 0)))

	h, err := p.AddRequest("https://api.example.com/v1/events", map[string]any{"name": "x"}, nil, 0)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		p.Shutdown()
		close(done)
	}()

	res, err := h.Wait(context.Background())
	require.Error(t, err)
	assert.Equal(t, errs.KindCancelled, errs.KindOf(err))
	assert.Nil(t, res.Response)

	// enqueue after shutdown is rejected
	<-done
	_, err = p.AddRequest("https://api.example.com/v1/events", map[string]any{"name": "y"}, nil, 0)
	require.Error(t, err)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestBatchPayloadIsValidJSON(t *testing.T) {
	ft := &fakeTransport{}
	p := New(testCfg(), ft, timeo.Real())
	defer p.Shutdown()

	h1, _ := p.AddRequest("https://api.example.com/v1/summaries", map[string]any{"experience_id": "e1"}, nil, 0)
	h2, _ := p.AddRequest("https://api.example.com/v1/summaries", map[string]any{"experience_id": "e2"}, nil, 0)
	_, err := h1.Wait(context.Background())
	require.NoError(t, err)
	_, err = h2.Wait(context.Background())
	require.NoError(t, err)

	calls := ft.calls()
	require.Len(t, calls, 1)
	encoded := mustJSON(t, calls[0].payload)
	assert.Equal(t, int64(2), gjson.GetBytes(encoded, "count").Int())
	assert.Equal(t, "e1", gjson.GetBytes(encoded, "batch.0.experience_id").String())
}
