// Package queue implements the bounded, deduplicating delivery queues that
// feed telemetry to the backend. A queue drains completely on flush, sends
// the batch through the retry/breaker/single-flight stack, and re-queues what
// it can when the send fails.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/signalpost/flagwire/internal/client"
	"github.com/signalpost/flagwire/internal/dedup"
	"github.com/signalpost/flagwire/internal/errs"
	"github.com/signalpost/flagwire/internal/metrics"
	"github.com/signalpost/flagwire/internal/model"
	"github.com/signalpost/flagwire/internal/retry"
	"github.com/signalpost/flagwire/internal/store"
	"github.com/signalpost/flagwire/internal/utils/log"
	"github.com/signalpost/flagwire/internal/utils/timeo"
)

// Sender delivers one drained batch.
type Sender[T any] func(ctx context.Context, batch []T) (*client.Response, error)

// Options assembles a BatchQueue. Sender and Name are mandatory; everything
// else degrades gracefully when absent.
type Options[T any] struct {
	Name     string
	Config   model.BatchQueueConfig
	Sender   Sender[T]
	KeyOf    func(T) string
	RawKeyOf func(payload []byte) string
	Validate func(T) error
	Executor *retry.Executor
	Policy   retry.Policy
	Dedup    *dedup.Deduplicator
	Store    store.Store
	Metrics  *metrics.Metrics
	Clock    timeo.Clock
}

// BatchQueue is the generic bounded queue. Length never exceeds capacity:
// a push at capacity forces a flush, and only fails with a capacity error
// when the flush could not make room.
type BatchQueue[T any] struct {
	name     string
	cfg      model.BatchQueueConfig
	send     Sender[T]
	keyOf    func(T) string
	rawKeyOf func(payload []byte) string
	validate func(T) error
	exec     *retry.Executor
	policy   retry.Policy
	dedup    *dedup.Deduplicator
	store    store.Store
	metrics  *metrics.Metrics
	clock    timeo.Clock

	// flushKey collapses concurrent flush calls into one in-flight send.
	flushKey string

	mu      sync.Mutex
	entries []T
	seen    map[string]struct{}

	totalPushed  int64
	totalDeduped int64
	totalSent    int64
	totalDropped int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New[T any](opts Options[T]) *BatchQueue[T] {
	if opts.Clock == nil {
		opts.Clock = timeo.Real()
	}
	if opts.Dedup == nil {
		opts.Dedup = dedup.New()
	}
	return &BatchQueue[T]{
		name:     opts.Name,
		cfg:      opts.Config,
		send:     opts.Sender,
		keyOf:    opts.KeyOf,
		rawKeyOf: opts.RawKeyOf,
		validate: opts.Validate,
		exec:     opts.Executor,
		policy:   opts.Policy,
		dedup:    opts.Dedup,
		store:    opts.Store,
		metrics:  opts.Metrics,
		clock:    opts.Clock,
		flushKey: dedup.Key("flush", opts.Name, uuid.NewString()),
		seen:     make(map[string]struct{}),
		stopCh:   make(chan struct{}),
	}
}

// Push validates and queues one entry. An entry whose dedup key was already
// seen in the current flush window reports success without queueing again.
func (q *BatchQueue[T]) Push(ctx context.Context, entry T) error {
	if q.validate != nil {
		if err := q.validate(entry); err != nil {
			return err
		}
	}
	key := q.keyFor(entry)

	q.mu.Lock()
	if q.isDupLocked(key) {
		q.totalDeduped++
		q.mu.Unlock()
		return nil
	}
	full := len(q.entries) >= q.cfg.Capacity
	q.mu.Unlock()

	if full {
		if _, err := q.Flush(ctx); err != nil {
			log.Warnf("%s queue: forced flush failed: %v", q.name, err)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.isDupLocked(key) {
		q.totalDeduped++
		return nil
	}
	if len(q.entries) >= q.cfg.Capacity {
		q.totalDropped++
		return errs.Newf(errs.KindCapacity, "%s queue full (capacity %d)", q.name, q.cfg.Capacity)
	}
	q.entries = append(q.entries, entry)
	if key != "" {
		q.seen[key] = struct{}{}
	}
	q.totalPushed++
	q.publishDepthLocked()
	return nil
}

// Flush drains the whole queue and sends it as one batch. Concurrent callers
// collapse onto the in-flight flush and share its report. A flush that fails
// re-queues as many records as capacity permits; the report carries how many
// could not be re-queued.
func (q *BatchQueue[T]) Flush(ctx context.Context) (model.FlushReport, error) {
	return dedup.Execute(ctx, q.dedup, q.flushKey, q.flushOnce)
}

func (q *BatchQueue[T]) flushOnce(ctx context.Context) (model.FlushReport, error) {
	q.mu.Lock()
	if len(q.entries) == 0 {
		q.mu.Unlock()
		return model.FlushReport{}, nil
	}
	batch := q.entries
	q.entries = nil
	q.seen = make(map[string]struct{})
	q.publishDepthLocked()
	q.mu.Unlock()

	resp, err := retry.Do(ctx, q.exec, q.policy, func(ctx context.Context) (*client.Response, error) {
		return retry.DoWithBreaker(ctx, q.exec, "flush:"+q.name, nil, func(ctx context.Context) (*client.Response, error) {
			return q.send(ctx, batch)
		})
	})

	report := model.FlushReport{}
	if resp != nil {
		report.StatusCode = resp.StatusCode
	} else if err != nil {
		var classified *errs.Error
		if errors.As(err, &classified) {
			report.StatusCode = classified.StatusCode
		}
	}
	if err == nil {
		report.Sent = len(batch)
		q.mu.Lock()
		q.totalSent += int64(len(batch))
		q.mu.Unlock()
		q.observeFlush("success", report)
		log.Debugf("%s queue: flushed %d records", q.name, report.Sent)
		return report, nil
	}

	var dropped []T
	q.mu.Lock()
	for _, entry := range batch {
		if len(q.entries) >= q.cfg.Capacity {
			dropped = append(dropped, entry)
			report.Dropped++
			q.totalDropped++
			continue
		}
		q.entries = append(q.entries, entry)
		if key := q.keyFor(entry); key != "" {
			q.seen[key] = struct{}{}
		}
		report.Requeued++
	}
	q.publishDepthLocked()
	q.mu.Unlock()

	q.persist(ctx, dropped)
	q.observeFlush("failure", report)
	log.Warnf("%s queue: flush failed, requeued %d, dropped %d: %v", q.name, report.Requeued, report.Dropped, err)
	return report, err
}

// Start launches the periodic flush timer.
func (q *BatchQueue[T]) Start() {
	q.wg.Add(1)
	go q.flushLoop()
}

func (q *BatchQueue[T]) flushLoop() {
	defer q.wg.Done()
	for {
		select {
		case <-q.stopCh:
			return
		case <-q.clock.After(q.cfg.FlushInterval):
			if _, err := q.Flush(context.Background()); err != nil {
				log.Debugf("%s queue: periodic flush failed: %v", q.name, err)
			}
		}
	}
}

// Stop halts the timer, attempts a final flush, and hands anything still
// queued to the persistence collaborator. Safe to call repeatedly.
func (q *BatchQueue[T]) Stop(ctx context.Context) {
	q.stopOnce.Do(func() { close(q.stopCh) })
	q.wg.Wait()

	if _, err := q.Flush(ctx); err != nil {
		log.Warnf("%s queue: final flush failed: %v", q.name, err)
	}

	q.mu.Lock()
	leftovers := q.entries
	q.entries = nil
	q.seen = make(map[string]struct{})
	q.publishDepthLocked()
	q.mu.Unlock()

	q.persist(ctx, leftovers)
}

// Adopt re-queues records persisted by an earlier session. Records for other
// queues, duplicates, undecodable payloads, and overflow past capacity are
// skipped. Returns the number adopted.
func (q *BatchQueue[T]) Adopt(ctx context.Context, records []store.PendingRecord) int {
	adopted := 0
	for _, rec := range records {
		if rec.Queue != q.name {
			continue
		}
		// cheap duplicate check on the raw payload before decoding
		if q.rawKeyOf != nil {
			if key := q.rawKeyOf(rec.Payload); key != "" {
				q.mu.Lock()
				dup := q.isDupLocked(key)
				q.mu.Unlock()
				if dup {
					continue
				}
			}
		}
		var entry T
		if err := json.Unmarshal(rec.Payload, &entry); err != nil {
			log.Warnf("%s queue: skipping undecodable pending record %s: %v", q.name, rec.ID, err)
			continue
		}
		if err := q.Push(ctx, entry); err != nil {
			log.Warnf("%s queue: could not adopt pending record %s: %v", q.name, rec.ID, err)
			continue
		}
		adopted++
	}
	return adopted
}

// Stats returns the diagnostics view of the queue.
func (q *BatchQueue[T]) Stats() model.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return model.QueueStats{
		Name:          q.name,
		Length:        len(q.entries),
		Capacity:      q.cfg.Capacity,
		SeenDedupKeys: len(q.seen),
		TotalPushed:   q.totalPushed,
		TotalDeduped:  q.totalDeduped,
		TotalSent:     q.totalSent,
		TotalDropped:  q.totalDropped,
	}
}

// Len reports the current queue length.
func (q *BatchQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *BatchQueue[T]) keyFor(entry T) string {
	if q.keyOf == nil {
		return ""
	}
	return q.keyOf(entry)
}

func (q *BatchQueue[T]) isDupLocked(key string) bool {
	if key == "" {
		return false
	}
	_, dup := q.seen[key]
	return dup
}

func (q *BatchQueue[T]) persist(ctx context.Context, entries []T) {
	if q.store == nil || len(entries) == 0 {
		return
	}
	records := make([]store.PendingRecord, 0, len(entries))
	now := q.clock.Now()
	for _, entry := range entries {
		payload, err := json.Marshal(entry)
		if err != nil {
			log.Warnf("%s queue: cannot persist record: %v", q.name, err)
			continue
		}
		records = append(records, store.PendingRecord{
			ID:      uuid.NewString(),
			Queue:   q.name,
			Payload: payload,
			SavedAt: now,
		})
	}
	if err := q.store.Save(ctx, records); err != nil {
		log.Warnf("%s queue: persisting %d records failed: %v", q.name, len(records), err)
		return
	}
	log.Infof("%s queue: persisted %d undelivered records", q.name, len(records))
}

func (q *BatchQueue[T]) publishDepthLocked() {
	if q.metrics == nil {
		return
	}
	q.metrics.QueueDepth.WithLabelValues(q.name).Set(float64(len(q.entries)))
}

func (q *BatchQueue[T]) observeFlush(outcome string, report model.FlushReport) {
	if q.metrics == nil {
		return
	}
	q.metrics.FlushTotal.WithLabelValues(q.name, outcome).Inc()
	if report.Sent > 0 {
		q.metrics.FlushRecords.WithLabelValues(q.name, "sent").Add(float64(report.Sent))
	}
	if report.Requeued > 0 {
		q.metrics.FlushRecords.WithLabelValues(q.name, "requeued").Add(float64(report.Requeued))
	}
	if report.Dropped > 0 {
		q.metrics.FlushRecords.WithLabelValues(q.name, "dropped").Add(float64(report.Dropped))
	}
}
