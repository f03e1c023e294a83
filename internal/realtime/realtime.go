// Package realtime keeps a server-sent-events subscription open against the
// backend so config changes invalidate the local snapshot without polling.
// The stream is best-effort: delivery still converges through the fetcher's
// reconnect hook when the stream is down.
package realtime

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"

	"github.com/signalpost/flagwire/internal/utils/log"
	"github.com/signalpost/flagwire/internal/utils/timeo"
)

const maxEventSize = 1 << 20

// Message is one decoded stream event.
type Message struct {
	Type string
	Data string
	ID   string
}

// Handler receives stream messages. Called from the subscriber goroutine.
type Handler func(msg Message)

type Subscriber struct {
	url       string
	clientKey string
	http      *http.Client
	handler   Handler
	clock     timeo.Clock

	baseDelay time.Duration
	maxDelay  time.Duration

	mu          sync.Mutex
	lastEventID string
	connected   bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(url, clientKey string, httpClient *http.Client, handler Handler, clock timeo.Clock) *Subscriber {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if clock == nil {
		clock = timeo.Real()
	}
	return &Subscriber{
		url:       url,
		clientKey: clientKey,
		http:      httpClient,
		handler:   handler,
		clock:     clock,
		baseDelay: time.Second,
		maxDelay:  30 * time.Second,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the subscription loop. The loop reconnects with exponential
// backoff and jitter until Stop is called.
func (s *Subscriber) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop tears the stream down. Safe to call repeatedly.
func (s *Subscriber) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Connected reports whether a stream is currently open, for diagnostics.
func (s *Subscriber) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Subscriber) run() {
	defer s.wg.Done()
	failures := 0
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		err := s.stream()
		s.setConnected(false)
		select {
		case <-s.stopCh:
			return
		default:
		}

		if err != nil {
			failures++
			delay := timeo.Jitter(timeo.BackoffDelay(s.baseDelay, 2, failures-1, s.maxDelay), 0.8, 1.2)
			log.Warnf("event stream dropped (%d failures), reconnecting in %s: %v", failures, delay, err)
			select {
			case <-s.stopCh:
				return
			case <-s.clock.After(delay):
			}
			continue
		}
		// clean end of stream, reconnect immediately
		failures = 0
	}
}

func (s *Subscriber) stream() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-done:
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if s.clientKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.clientKey)
	}
	if id := s.lastID(); id != "" {
		req.Header.Set("Last-Event-ID", id)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("stream endpoint returned %d: %s", resp.StatusCode, string(body))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(strings.ToLower(ct), "text/event-stream") {
		return fmt.Errorf("stream endpoint returned content-type %q", ct)
	}

	s.setConnected(true)
	log.Infof("event stream connected to %s", s.url)

	type readResult struct {
		msg Message
		err error
	}
	results := make(chan readResult, 1)
	go func() {
		defer close(results)
		readCfg := &sse.ReadConfig{MaxEventSize: maxEventSize}
		for ev, err := range sse.Read(resp.Body, readCfg) {
			r := readResult{err: err}
			if err == nil {
				r.msg = Message{Type: ev.Type, Data: ev.Data, ID: ev.LastEventID}
			}
			// the consumer may have left on stopCh; done unblocks the send
			select {
			case results <- r:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-s.stopCh:
			return nil
		case r, ok := <-results:
			if !ok {
				log.Debugf("event stream ended")
				return nil
			}
			if r.err != nil {
				return fmt.Errorf("read stream event: %w", r.err)
			}
			if r.msg.ID != "" {
				s.setLastID(r.msg.ID)
			}
			if s.handler != nil {
				s.handler(r.msg)
			}
		}
	}
}

func (s *Subscriber) lastID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventID
}

func (s *Subscriber) setLastID(id string) {
	s.mu.Lock()
	s.lastEventID = id
	s.mu.Unlock()
}

func (s *Subscriber) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}
