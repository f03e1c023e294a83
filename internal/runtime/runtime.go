// Package runtime is the composition root: it builds every engine component
// once, wires them together explicitly, and owns their start/stop lifecycle.
// Nothing in the engine reaches for ambient global state.
package runtime

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/signalpost/flagwire/internal/bandwidth"
	"github.com/signalpost/flagwire/internal/breaker"
	"github.com/signalpost/flagwire/internal/client"
	"github.com/signalpost/flagwire/internal/conf"
	"github.com/signalpost/flagwire/internal/connection"
	"github.com/signalpost/flagwire/internal/dedup"
	"github.com/signalpost/flagwire/internal/diag"
	"github.com/signalpost/flagwire/internal/errs"
	"github.com/signalpost/flagwire/internal/fetcher"
	"github.com/signalpost/flagwire/internal/metrics"
	"github.com/signalpost/flagwire/internal/model"
	"github.com/signalpost/flagwire/internal/netopt"
	"github.com/signalpost/flagwire/internal/pipeline"
	"github.com/signalpost/flagwire/internal/pool"
	"github.com/signalpost/flagwire/internal/queue"
	"github.com/signalpost/flagwire/internal/realtime"
	"github.com/signalpost/flagwire/internal/retry"
	"github.com/signalpost/flagwire/internal/store"
	"github.com/signalpost/flagwire/internal/utils/log"
	"github.com/signalpost/flagwire/internal/utils/timeo"
)

// Runtime owns every component of the delivery engine.
type Runtime struct {
	cfg   conf.Config
	clock timeo.Clock

	Metrics    *metrics.Metrics
	Breakers   *breaker.Manager
	Executor   *retry.Executor
	Dedup      *dedup.Deduplicator
	Bandwidth  *bandwidth.Monitor
	Transport  client.Transport
	Connection *connection.Manager
	Pool       *pool.Pool
	Pipeline   *pipeline.Pipeline
	Optimizer  *netopt.Optimizer
	Store      store.Store
	Events     *queue.EventQueue
	Summaries  *queue.SummaryQueue
	Fetcher    *fetcher.Fetcher
	Realtime   *realtime.Subscriber
	Diag       *diag.Server

	startOnce sync.Once
	stopOnce  sync.Once
}

// New assembles the runtime from configuration. Nothing starts running until
// Start is called.
func New(cfg conf.Config) (*Runtime, error) {
	cfg = conf.Sanitize(cfg)
	if cfg.API.BaseURL == "" {
		return nil, errs.Validation("api.base_url is required")
	}
	log.SetLevel(cfg.Logging.Level)

	clock := timeo.Real()
	m := metrics.New()
	monitor := bandwidth.NewMonitor(cfg.Bandwidth, clock)

	transport, err := client.NewHTTPClient(cfg.API.ClientKey, cfg.API.ProxyURL, monitor)
	if err != nil {
		return nil, err
	}

	breakers := breaker.NewManager(cfg.Breaker, clock)
	breakers.OnTrip(func(key string) {
		m.BreakerTrips.WithLabelValues(key).Inc()
	})
	exec := retry.NewExecutor(breakers, clock)
	deduper := dedup.New()
	policy := retry.Policy{
		MaxAttempts:       cfg.Retry.MaxAttempts,
		InitialDelay:      cfg.Retry.InitialDelay,
		MaxDelay:          cfg.Retry.MaxDelay,
		BackoffMultiplier: cfg.Retry.BackoffMultiplier,
	}

	connPool := pool.New(cfg.Pool, clock)
	pipe := pipeline.New(cfg.Pipeline, transport, clock)
	optimizer := netopt.New(monitor, connPool, pipe, m, clock)

	configURL := endpoint(cfg.API.BaseURL, cfg.API.ConfigPath)
	conn := connection.NewManager(cfg.Connection, func(ctx context.Context) error {
		_, err := transport.Head(ctx, configURL, nil)
		return err
	}, clock)

	fetch := fetcher.New(configURL, transport, exec, policy, deduper, clock)
	conn.AddListener(fetch.OnConnectionChange)

	st, err := store.Open(cfg.Store.Backend, cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	deps := queue.Deps{
		Poster:   optimizer,
		Executor: exec,
		Policy:   policy,
		Dedup:    deduper,
		Store:    st,
		Metrics:  m,
		Clock:    clock,
	}
	events := queue.NewEventQueue(cfg.Events, endpoint(cfg.API.BaseURL, cfg.API.EventsPath), deps)
	summaries := queue.NewSummaryQueue(cfg.Summaries, endpoint(cfg.API.BaseURL, cfg.API.SummaryPath), deps)

	r := &Runtime{
		cfg:        cfg,
		clock:      clock,
		Metrics:    m,
		Breakers:   breakers,
		Executor:   exec,
		Dedup:      deduper,
		Bandwidth:  monitor,
		Transport:  transport,
		Connection: conn,
		Pool:       connPool,
		Pipeline:   pipe,
		Optimizer:  optimizer,
		Store:      st,
		Events:     events,
		Summaries:  summaries,
		Fetcher:    fetch,
	}

	if cfg.Realtime.Enabled {
		r.Realtime = realtime.New(
			endpoint(cfg.API.BaseURL, cfg.Realtime.Path),
			cfg.API.ClientKey,
			&http.Client{},
			r.onStreamMessage,
			clock,
		)
	}
	if cfg.Diag.Enabled {
		r.Diag = diag.NewServer(cfg.Diag, diag.Deps{
			Breakers:   breakers,
			Connection: conn,
			Bandwidth:  monitor,
			Queues:     []diag.QueueView{events.BatchQueue, summaries.BatchQueue},
			Registry:   m.Registry,
		})
	}
	return r, nil
}

// Start brings every component up and adopts records a previous session left
// behind. Safe to call repeatedly; only the first call acts.
func (r *Runtime) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		r.Pool.Start()
		r.Connection.Start()
		r.Events.Start()
		r.Summaries.Start()

		if pending, err := r.Store.LoadPending(ctx); err != nil {
			log.Warnf("loading pending records failed: %v", err)
		} else if len(pending) > 0 {
			adopted := r.Events.Adopt(ctx, pending) + r.Summaries.Adopt(ctx, pending)
			log.Infof("adopted %d of %d pending records from previous session", adopted, len(pending))
		}

		if r.Realtime != nil {
			r.Realtime.Start()
		}
		if r.Diag != nil {
			r.Diag.Start()
		}
		log.Infof("runtime started against %s", r.cfg.API.BaseURL)
	})
}

// Stop tears the runtime down: queues get a final flush and hand leftovers to
// the store, every pending handle is resolved exactly once. Safe to call
// repeatedly.
func (r *Runtime) Stop(ctx context.Context) {
	r.stopOnce.Do(func() {
		if r.Realtime != nil {
			r.Realtime.Stop()
		}
		if r.Diag != nil {
			r.Diag.Stop(ctx)
		}
		r.Connection.Stop()

		// final flushes must run before the pipeline closes
		r.Events.Stop(ctx)
		r.Summaries.Stop(ctx)

		r.Dedup.CancelAll()
		r.Pipeline.Shutdown()
		r.Pool.Stop()
		if err := r.Store.Close(); err != nil {
			log.Warnf("closing store: %v", err)
		}
		log.Infof("runtime stopped")
	})
}

// TrackEvent queues one telemetry event.
func (r *Runtime) TrackEvent(ctx context.Context, event model.EventRecord) error {
	return r.Events.Record(ctx, event)
}

// RecordSummary queues one evaluation summary.
func (r *Runtime) RecordSummary(ctx context.Context, summary model.SummaryRecord) error {
	return r.Summaries.Record(ctx, summary)
}

// Flags returns the flags from the latest configuration snapshot.
func (r *Runtime) Flags() map[string]any {
	return r.Fetcher.Current().Flags
}

// SetOffline toggles offline mode on the connection manager.
func (r *Runtime) SetOffline(offline bool) {
	r.Connection.SetOfflineMode(offline)
}

// onStreamMessage reacts to realtime invalidations by refetching the config.
// Ran off the stream goroutine so a slow fetch never stalls event reads.
func (r *Runtime) onStreamMessage(msg realtime.Message) {
	if msg.Type != "" && msg.Type != "config" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, _, err := r.Fetcher.Fetch(ctx); err != nil {
			log.Warnf("stream-triggered config fetch failed: %v", err)
		}
	}()
}

func endpoint(base, path string) string {
	return strings.TrimRight(base, "/") + path
}
