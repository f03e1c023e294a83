// Package netopt is the network-efficiency front door: every optimized
// request derives the current adaptive config, shrinks its payload
// accordingly, claims a pooled connection slot, and goes out through the
// coalescing pipeline.
package netopt

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/signalpost/flagwire/internal/bandwidth"
	"github.com/signalpost/flagwire/internal/errs"
	"github.com/signalpost/flagwire/internal/metrics"
	"github.com/signalpost/flagwire/internal/payload"
	"github.com/signalpost/flagwire/internal/pipeline"
	"github.com/signalpost/flagwire/internal/pool"
	"github.com/signalpost/flagwire/internal/utils/log"
	"github.com/signalpost/flagwire/internal/utils/timeo"
)

type Optimizer struct {
	monitor  *bandwidth.Monitor
	pool     *pool.Pool
	pipeline *pipeline.Pipeline
	metrics  *metrics.Metrics
	clock    timeo.Clock

	mu     sync.Mutex
	active int
}

func New(monitor *bandwidth.Monitor, connPool *pool.Pool, pipe *pipeline.Pipeline, m *metrics.Metrics, clock timeo.Clock) *Optimizer {
	if clock == nil {
		clock = timeo.Real()
	}
	return &Optimizer{
		monitor:  monitor,
		pool:     connPool,
		pipeline: pipe,
		metrics:  m,
		clock:    clock,
	}
}

// OptimizedRequest shapes and sends one call. The payload copy is optimized
// exactly once; the caller's map is never touched.
func (o *Optimizer) OptimizedRequest(ctx context.Context, targetURL string, body map[string]any, headers map[string]string, priority int) (pipeline.Result, error) {
	parsed, err := url.Parse(targetURL)
	if err != nil || parsed.Host == "" {
		return pipeline.Result{}, errs.Newf(errs.KindValidation, "invalid url %q", targetURL)
	}
	adaptive := o.monitor.AdaptiveConfig()
	o.publishGauges()

	if err := o.acquireSlot(ctx, adaptive.MaxConcurrentRequests, adaptive.RetryInterval); err != nil {
		return pipeline.Result{}, err
	}
	defer o.releaseSlot()

	conn := o.pool.Acquire(parsed.Host)
	if conn == nil {
		return pipeline.Result{}, errs.Newf(errs.KindTransient, "no pooled connection available for %s", parsed.Host)
	}
	defer o.pool.Release(conn)

	optimized := payload.Optimize(body, adaptive)
	o.countPayload(parsed.Path, optimized)
	handle, err := o.pipeline.AddRequest(targetURL, optimized, headers, priority)
	if err != nil {
		return pipeline.Result{}, err
	}

	waitCtx := ctx
	var cancel context.CancelFunc
	if adaptive.RequestTimeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, adaptive.RequestTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := handle.Wait(waitCtx)
	o.observe(parsed.Path, time.Since(start), err)
	return result, err
}

// acquireSlot enforces the adaptive concurrency cap with a bounded poll, the
// same shape as the pool's saturated wait.
func (o *Optimizer) acquireSlot(ctx context.Context, limit int, retryInterval time.Duration) error {
	if limit <= 0 {
		limit = 1
	}
	poll := 10 * time.Millisecond
	deadline := o.clock.Now().Add(retryInterval)
	for {
		o.mu.Lock()
		if o.active < limit {
			o.active++
			o.mu.Unlock()
			return nil
		}
		o.mu.Unlock()

		if !o.clock.Now().Before(deadline) {
			log.Warnf("concurrency limit %d saturated", limit)
			return errs.Newf(errs.KindTransient, "concurrent request limit %d reached", limit)
		}
		select {
		case <-ctx.Done():
			return errs.Wrap(errs.KindCancelled, ctx.Err(), "wait for request slot cancelled")
		case <-o.clock.After(poll):
		}
	}
}

func (o *Optimizer) releaseSlot() {
	o.mu.Lock()
	if o.active > 0 {
		o.active--
	}
	o.mu.Unlock()
}

// countPayload records the serialized size of an outgoing body.
func (o *Optimizer) countPayload(endpoint string, body map[string]any) {
	if o.metrics == nil || body == nil {
		return
	}
	data, err := json.Marshal(body)
	if err != nil {
		return
	}
	o.metrics.RequestBytes.WithLabelValues(endpoint).Add(float64(len(data)))
}

func (o *Optimizer) publishGauges() {
	if o.metrics == nil {
		return
	}
	stats := o.monitor.Stats()
	o.metrics.BandwidthKbps.Set(stats.EstimateKbps)
	o.metrics.NetworkQuality.Set(float64(stats.Quality))
}

func (o *Optimizer) observe(endpoint string, elapsed time.Duration, err error) {
	if o.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	o.metrics.RequestsTotal.WithLabelValues(endpoint, outcome).Inc()
	o.metrics.RequestDurations.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// Active reports in-flight optimized requests, for diagnostics.
func (o *Optimizer) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}
