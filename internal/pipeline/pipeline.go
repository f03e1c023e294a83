// Package pipeline batches outbound calls per destination host: requests
// queue in descending priority, a short coalescing timer merges whatever has
// accumulated (up to a batch cap) into one POST, and every member of a merged
// batch receives the same result.
package pipeline

import (
	"context"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/signalpost/flagwire/internal/client"
	"github.com/signalpost/flagwire/internal/conf"
	"github.com/signalpost/flagwire/internal/errs"
	"github.com/signalpost/flagwire/internal/utils/log"
	"github.com/signalpost/flagwire/internal/utils/timeo"
)

// Result is the terminal outcome of one pipelined request. Requests merged
// into a batch share the batch's Result.
type Result struct {
	Response *client.Response
	Err      error
	Batched  bool
	BatchLen int
}

type request struct {
	id         string
	url        string
	host       string
	payload    map[string]any
	headers    map[string]string
	priority   int
	enqueuedAt time.Time
	seq        uint64

	once sync.Once
	done chan Result
}

func (r *request) resolve(res Result) {
	r.once.Do(func() {
		r.done <- res
	})
}

// Handle is the caller's side of a pipelined request. Ownership transfers at
// enqueue time: the pipeline resolves it exactly once.
type Handle struct {
	ID  string
	req *request
}

// Wait blocks for the result or context cancellation.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case res := <-h.req.done:
		return res, res.Err
	case <-ctx.Done():
		return Result{}, errs.Wrap(errs.KindCancelled, ctx.Err(), "wait for pipelined request cancelled")
	}
}

type Pipeline struct {
	cfg       conf.PipelineConfig
	transport client.Transport
	clock     timeo.Clock

	mu      sync.Mutex
	queues  map[string][]*request
	armed   map[string]bool
	seq     uint64
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func New(cfg conf.PipelineConfig, transport client.Transport, clock timeo.Clock) *Pipeline {
	if clock == nil {
		clock = timeo.Real()
	}
	return &Pipeline{
		cfg:       cfg,
		transport: transport,
		clock:     clock,
		queues:    make(map[string][]*request),
		armed:     make(map[string]bool),
		stopCh:    make(chan struct{}),
	}
}

// AddRequest enqueues one call. Higher priority dispatches first within a
// host; ties keep enqueue order.
func (p *Pipeline) AddRequest(targetURL string, payload map[string]any, headers map[string]string, priority int) (*Handle, error) {
	parsed, err := url.Parse(targetURL)
	if err != nil || parsed.Host == "" {
		return nil, errs.Newf(errs.KindValidation, "invalid pipeline url %q", targetURL)
	}

	req := &request{
		id:         uuid.NewString(),
		url:        targetURL,
		host:       parsed.Host,
		payload:    payload,
		headers:    headers,
		priority:   priority,
		enqueuedAt: p.clock.Now(),
		done:       make(chan Result, 1),
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, errs.Cancelled("pipeline is shut down")
	}
	p.seq++
	req.seq = p.seq
	queue := append(p.queues[req.host], req)
	sort.SliceStable(queue, func(i, j int) bool {
		if queue[i].priority != queue[j].priority {
			return queue[i].priority > queue[j].priority
		}
		return queue[i].seq < queue[j].seq
	})
	p.queues[req.host] = queue

	arm := !p.armed[req.host]
	if arm {
		p.armed[req.host] = true
		p.wg.Add(1)
	}
	p.mu.Unlock()

	if arm {
		go p.coalesce(req.host)
	}
	return &Handle{ID: req.id, req: req}, nil
}

// coalesce waits the batching window, then dispatches one batch for host and
// re-arms itself while work remains.
func (p *Pipeline) coalesce(host string) {
	defer p.wg.Done()
	select {
	case <-p.clock.After(p.cfg.CoalesceDelay):
	case <-p.stopCh:
		p.mu.Lock()
		p.armed[host] = false
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	if p.stopped {
		p.armed[host] = false
		p.mu.Unlock()
		return
	}
	queue := p.queues[host]
	n := min(len(queue), p.cfg.MaxBatchSize)
	batch := queue[:n]
	rest := queue[n:]
	if len(rest) == 0 {
		delete(p.queues, host)
		p.armed[host] = false
	} else {
		p.queues[host] = rest
		p.wg.Add(1)
		go p.coalesce(host)
	}
	p.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	p.dispatch(batch)
}

// dispatch posts a single request directly, or merges the batch into one
// payload. Batched responses are fungible: every member receives the same
// result (per-item correlation ids travel in the payload for a future
// server-side scheme, but the client does not split responses).
func (p *Pipeline) dispatch(batch []*request) {
	ctx := context.Background()

	if len(batch) == 1 {
		req := batch[0]
		resp, err := p.transport.Post(ctx, req.url, req.payload, req.headers)
		req.resolve(Result{Response: resp, Err: err})
		return
	}

	first := batch[0]
	entries := lo.Map(batch, func(r *request, _ int) map[string]any {
		entry := map[string]any{"id": r.id}
		for k, v := range r.payload {
			entry[k] = v
		}
		return entry
	})
	merged := map[string]any{
		"batch": entries,
		"count": len(entries),
	}

	log.Debugf("pipeline dispatching batch of %d to %s", len(batch), first.host)
	resp, err := p.transport.Post(ctx, first.url, merged, first.headers)
	for _, req := range batch {
		req.resolve(Result{Response: resp, Err: err, Batched: true, BatchLen: len(batch)})
	}
}

// Shutdown fails every still-queued request with a shutdown error and waits
// for in-flight coalescing timers to drain. Idempotent.
func (p *Pipeline) Shutdown() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	queues := p.queues
	p.queues = make(map[string][]*request)
	p.mu.Unlock()
	close(p.stopCh)

	for _, queue := range queues {
		for _, req := range queue {
			req.resolve(Result{Err: errs.Cancelled("pipeline shut down")})
		}
	}
	p.wg.Wait()
}

// QueueDepth reports how many requests are waiting for host, for
// diagnostics.
func (p *Pipeline) QueueDepth(host string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queues[host])
}
