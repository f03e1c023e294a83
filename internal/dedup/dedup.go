// Package dedup collapses concurrent identical operations into a single
// in-flight call. Guarantees at-most-one concurrent execution per key; it
// does not cache results across non-overlapping time windows.
package dedup

import (
	"context"
	"strconv"
	"sync"

	"github.com/cespare/xxhash"

	"github.com/signalpost/flagwire/internal/errs"
	"github.com/signalpost/flagwire/internal/utils/log"
)

type inflight struct {
	done   chan struct{}
	cancel context.CancelFunc

	value any
	err   error
}

// Deduplicator is the single-flight registry. One instance per runtime.
type Deduplicator struct {
	mu      sync.Mutex
	pending map[string]*inflight
}

func New() *Deduplicator {
	return &Deduplicator{pending: make(map[string]*inflight)}
}

// Execute runs op under key. Callers arriving while an identical operation
// is in flight wait for and receive that operation's outcome instead of
// invoking op again.
func Execute[T any](ctx context.Context, d *Deduplicator, key string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	d.mu.Lock()
	if f, ok := d.pending[key]; ok {
		d.mu.Unlock()
		select {
		case <-f.done:
		case <-ctx.Done():
			return zero, errs.Wrap(errs.KindCancelled, ctx.Err(), "wait for in-flight operation cancelled")
		}
		if f.err != nil {
			return zero, f.err
		}
		value, ok := f.value.(T)
		if !ok {
			return zero, errs.Newf(errs.KindInternal, "dedup key %q shared across incompatible result types", key)
		}
		return value, nil
	}

	opCtx, cancel := context.WithCancel(ctx)
	f := &inflight{done: make(chan struct{}), cancel: cancel}
	d.pending[key] = f
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		// CancelAll may already have removed and resolved this handle.
		if d.pending[key] == f {
			delete(d.pending, key)
		}
		d.mu.Unlock()
		cancel()
	}()

	value, err := op(opCtx)

	d.mu.Lock()
	select {
	case <-f.done:
		// resolved by CancelAll while op was running; every waiter already
		// received the cancellation error, so this result is discarded.
		d.mu.Unlock()
		log.Debugf("dedup key %q resolved after cancellation, discarding result", key)
		return zero, errs.Cancelled("operation cancelled")
	default:
	}
	f.value = value
	f.err = err
	close(f.done)
	d.mu.Unlock()

	return value, err
}

// CancelAll fails every pending handle with a cancellation error and cancels
// the contexts of the running operations. Safe to call repeatedly.
func (d *Deduplicator) CancelAll() {
	d.mu.Lock()
	pending := d.pending
	d.pending = make(map[string]*inflight)
	for key, f := range pending {
		f.err = errs.Cancelled("cancelled: " + key)
		close(f.done)
	}
	d.mu.Unlock()

	for _, f := range pending {
		f.cancel()
	}
}

// InFlight reports the number of pending keys, for diagnostics.
func (d *Deduplicator) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Key builds a stable dedup key from parts, hashing long tails so keys stay
// bounded regardless of payload-derived segments.
func Key(parts ...string) string {
	if len(parts) == 0 {
		return ""
	}
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	if total <= 128 {
		key := parts[0]
		for _, p := range parts[1:] {
			key += ":" + p
		}
		return key
	}
	h := xxhash.New()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{':'})
	}
	return parts[0] + ":" + strconv.FormatUint(h.Sum64(), 16)
}
