// Package fetcher pulls the flag configuration from the backend. Fetches are
// conditional (ETag / Last-Modified), single-flight, and gated by the shared
// retry and breaker stack so a flapping backend cannot be hammered.
package fetcher

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/signalpost/flagwire/internal/client"
	"github.com/signalpost/flagwire/internal/dedup"
	"github.com/signalpost/flagwire/internal/errs"
	"github.com/signalpost/flagwire/internal/model"
	"github.com/signalpost/flagwire/internal/retry"
	"github.com/signalpost/flagwire/internal/utils/log"
	"github.com/signalpost/flagwire/internal/utils/timeo"
)

const breakerKey = "config-fetch"

// Snapshot is one fetched configuration state.
type Snapshot struct {
	Version   string         `json:"version"`
	Flags     map[string]any `json:"flags"`
	ETag      string         `json:"etag,omitempty"`
	FetchedAt time.Time      `json:"fetched_at"`
}

type Fetcher struct {
	url       string
	transport client.Transport
	exec      *retry.Executor
	policy    retry.Policy
	dedup     *dedup.Deduplicator
	clock     timeo.Clock

	mu           sync.Mutex
	current      Snapshot
	etag         string
	lastModified string
	subs         []func(Snapshot)
}

func New(url string, transport client.Transport, exec *retry.Executor, policy retry.Policy, d *dedup.Deduplicator, clock timeo.Clock) *Fetcher {
	if clock == nil {
		clock = timeo.Real()
	}
	if d == nil {
		d = dedup.New()
	}
	return &Fetcher{
		url:       url,
		transport: transport,
		exec:      exec,
		policy:    policy,
		dedup:     d,
		clock:     clock,
	}
}

// Current returns the last successfully fetched snapshot.
func (f *Fetcher) Current() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Subscribe registers a callback invoked after every snapshot change.
func (f *Fetcher) Subscribe(fn func(Snapshot)) {
	if fn == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, fn)
}

// Fetch pulls the configuration. Concurrent callers collapse onto one
// in-flight fetch. Returns the resulting snapshot and whether it changed.
func (f *Fetcher) Fetch(ctx context.Context) (Snapshot, bool, error) {
	type outcome struct {
		snap    Snapshot
		changed bool
	}
	o, err := dedup.Execute(ctx, f.dedup, breakerKey, func(ctx context.Context) (outcome, error) {
		snap, changed, err := f.fetchOnce(ctx)
		return outcome{snap: snap, changed: changed}, err
	})
	return o.snap, o.changed, err
}

func (f *Fetcher) fetchOnce(ctx context.Context) (Snapshot, bool, error) {
	headers := f.conditionalHeaders()

	resp, err := retry.Do(ctx, f.exec, f.policy, func(ctx context.Context) (*client.Response, error) {
		return retry.DoWithBreaker(ctx, f.exec, breakerKey, nil, func(ctx context.Context) (*client.Response, error) {
			r, err := f.transport.Get(ctx, f.url, headers)
			if r != nil && r.StatusCode == http.StatusNotModified {
				return r, nil
			}
			return r, err
		})
	})
	if err != nil {
		return f.Current(), false, err
	}

	if resp.StatusCode == http.StatusNotModified {
		log.Debugf("config unchanged (etag %q)", f.etagValue())
		return f.Current(), false, nil
	}

	// the flag map may be nested under "flags" or be the whole payload
	flagsSrc := resp.Body
	if sub := gjson.GetBytes(resp.Body, "flags"); sub.IsObject() {
		flagsSrc = []byte(sub.Raw)
	}
	var flags map[string]any
	if err := json.Unmarshal(flagsSrc, &flags); err != nil {
		return f.Current(), false, errs.Wrap(errs.KindInternal, err, "decode config payload")
	}
	version := gjson.GetBytes(resp.Body, "version").String()
	if version == "" {
		version = resp.Headers.Get("ETag")
	}

	snap := Snapshot{
		Version:   version,
		Flags:     flags,
		ETag:      resp.Headers.Get("ETag"),
		FetchedAt: f.clock.Now(),
	}

	f.mu.Lock()
	changed := snap.Version != f.current.Version || f.current.FetchedAt.IsZero()
	f.current = snap
	f.etag = resp.Headers.Get("ETag")
	f.lastModified = resp.Headers.Get("Last-Modified")
	subs := make([]func(Snapshot), len(f.subs))
	copy(subs, f.subs)
	f.mu.Unlock()

	if changed {
		log.Infof("config updated to version %q (%d flags)", snap.Version, len(snap.Flags))
		for _, fn := range subs {
			fn(snap)
		}
	}
	return snap, changed, nil
}

// OnConnectionChange is a connection listener: a recovered connection
// triggers a refetch so the client converges after an outage.
func (f *Fetcher) OnConnectionChange(info model.ConnectionInfo) {
	if info.State != model.ConnectionStateConnected {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, _, err := f.Fetch(ctx); err != nil {
		log.Warnf("post-reconnect config fetch failed: %v", err)
	}
}

func (f *Fetcher) conditionalHeaders() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	headers := map[string]string{}
	if f.etag != "" {
		headers["If-None-Match"] = f.etag
	}
	if f.lastModified != "" {
		headers["If-Modified-Since"] = f.lastModified
	}
	return headers
}

func (f *Fetcher) etagValue() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.etag
}
