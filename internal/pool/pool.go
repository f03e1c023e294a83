// Package pool manages per-host multiplexed connection slots. Connections
// are created on demand up to a per-host cap, reused while below their stream
// cap, reclaimed by an idle sweep, and pruned once closed.
package pool

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signalpost/flagwire/internal/conf"
	"github.com/signalpost/flagwire/internal/utils/log"
	"github.com/signalpost/flagwire/internal/utils/timeo"
)

// Conn is one pooled connection slot. Owned exclusively by the Pool; callers
// hold it only between Acquire and Release.
type Conn struct {
	ID           string
	Host         string
	CreatedAt    time.Time
	ActiveStream int
	MaxStreams   int
	LastActivity time.Time
	Closed       bool
}

// ConnStats is the diagnostics view of one connection.
type ConnStats struct {
	ID           string    `json:"id"`
	Host         string    `json:"host"`
	CreatedAt    time.Time `json:"created_at"`
	ActiveStream int       `json:"active_streams"`
	MaxStreams   int       `json:"max_streams"`
	LastActivity time.Time `json:"last_activity"`
}

type Pool struct {
	cfg   conf.PoolConfig
	clock timeo.Clock

	mu    sync.Mutex
	hosts map[string][]*Conn

	sweepStop chan struct{}
	sweepOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func New(cfg conf.PoolConfig, clock timeo.Clock) *Pool {
	if clock == nil {
		clock = timeo.Real()
	}
	return &Pool{
		cfg:       cfg,
		clock:     clock,
		hosts:     make(map[string][]*Conn),
		sweepStop: make(chan struct{}),
	}
}

// Start launches the periodic idle sweep.
func (p *Pool) Start() {
	p.sweepOnce.Do(func() {
		p.wg.Add(1)
		go p.sweepLoop()
	})
}

func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.sweepStop)
	})
	p.wg.Wait()
}

// Acquire returns a connection slot for host, creating one when the host is
// below its cap. When every slot is saturated it polls at a fixed interval
// until AcquireTimeout, then returns nil.
func (p *Pool) Acquire(host string) *Conn {
	deadline := p.clock.Now().Add(p.cfg.AcquireTimeout)
	for {
		if c := p.tryAcquire(host); c != nil {
			return c
		}
		if !p.clock.Now().Before(deadline) {
			log.Warnf("connection pool exhausted for host %s", host)
			return nil
		}
		p.clock.Sleep(p.cfg.AcquirePollInterval)
	}
}

func (p *Pool) tryAcquire(host string) *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	conns := p.hosts[host]
	for _, c := range conns {
		if !c.Closed && c.ActiveStream < c.MaxStreams {
			c.ActiveStream++
			c.LastActivity = now
			return c
		}
	}

	open := 0
	for _, c := range conns {
		if !c.Closed {
			open++
		}
	}
	if open >= p.cfg.MaxConnectionsPerHost {
		return nil
	}

	c := &Conn{
		ID:           uuid.NewString(),
		Host:         host,
		CreatedAt:    now,
		ActiveStream: 1,
		MaxStreams:   p.cfg.MaxStreamsPerConn,
		LastActivity: now,
	}
	p.hosts[host] = append(p.hosts[host], c)
	log.Debugf("pool opened connection %s to %s (%d open)", c.ID, host, open+1)
	return c
}

// Release returns one stream slot on c.
func (p *Pool) Release(c *Conn) {
	if c == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if c.ActiveStream > 0 {
		c.ActiveStream--
	}
	c.LastActivity = p.clock.Now()
}

// sweepLoop closes idle connections and prunes closed ones; a host entry is
// removed entirely once it has no connections left.
func (p *Pool) sweepLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.sweepStop:
			return
		case <-p.clock.After(p.cfg.SweepInterval):
			p.Sweep()
		}
	}
}

// Sweep runs one reclamation pass. Exported so tests and shutdown can force
// it.
func (p *Pool) Sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	for host, conns := range p.hosts {
		kept := conns[:0]
		for _, c := range conns {
			if !c.Closed && c.ActiveStream == 0 && now.Sub(c.LastActivity) > p.cfg.IdleTimeout {
				c.Closed = true
				log.Debugf("pool closed idle connection %s to %s", c.ID, host)
			}
			if !c.Closed {
				kept = append(kept, c)
			}
		}
		if len(kept) == 0 {
			delete(p.hosts, host)
			continue
		}
		p.hosts[host] = kept
	}
}

// Stats returns a snapshot of every open connection, for diagnostics.
func (p *Pool) Stats() map[string][]ConnStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string][]ConnStats, len(p.hosts))
	for host, conns := range p.hosts {
		list := make([]ConnStats, 0, len(conns))
		for _, c := range conns {
			if c.Closed {
				continue
			}
			list = append(list, ConnStats{
				ID:           c.ID,
				Host:         c.Host,
				CreatedAt:    c.CreatedAt,
				ActiveStream: c.ActiveStream,
				MaxStreams:   c.MaxStreams,
				LastActivity: c.LastActivity,
			})
		}
		out[host] = list
	}
	return out
}
