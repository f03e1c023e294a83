package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalpost/flagwire/internal/conf"
	"github.com/signalpost/flagwire/internal/utils/timeo"
)

func testCfg() conf.PoolConfig {
	return conf.PoolConfig{
		MaxConnectionsPerHost: 2,
		MaxStreamsPerConn:     2,
		AcquireTimeout:        50 * time.Millisecond,
		AcquirePollInterval:   5 * time.Millisecond,
		IdleTimeout:           time.Minute,
		SweepInterval:         time.Hour,
	}
}

func TestReuseBelowStreamCap(t *testing.T) {
	p := New(testCfg(), timeo.Real())

	c1 := p.Acquire("api.example.com")
	require.NotNil(t, c1)
	c2 := p.Acquire("api.example.com")
	require.NotNil(t, c2)

	// second stream multiplexes onto the first connection
	assert.Equal(t, c1.ID, c2.ID)
	assert.Equal(t, 2, c1.ActiveStream)
}

func TestCreatesUpToHostCap(t *testing.T) {
	p := New(testCfg(), timeo.Real())

	var conns []*Conn
	for i := 0; i < 4; i++ {
		c := p.Acquire("api.example.com")
		require.NotNil(t, c, "acquire %d", i)
		conns = append(conns, c)
	}
	ids := map[string]bool{}
	for _, c := range conns {
		ids[c.ID] = true
	}
	assert.Len(t, ids, 2, "2 conns x 2 streams")

	// saturated: bounded wait then nil
	start := time.Now()
	c := p.Acquire("api.example.com")
	assert.Nil(t, c)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestAcquireWaitsForRelease(t *testing.T) {
	cfg := testCfg()
	cfg.AcquireTimeout = time.Second
	p := New(cfg, timeo.Real())

	var conns []*Conn
	for i := 0; i < 4; i++ {
		conns = append(conns, p.Acquire("h"))
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		p.Release(conns[0])
	}()

	c := p.Acquire("h")
	require.NotNil(t, c)
	assert.Equal(t, conns[0].ID, c.ID)
}

func TestHostsIsolated(t *testing.T) {
	p := New(testCfg(), timeo.Real())
	a := p.Acquire("a.example.com")
	b := p.Acquire("b.example.com")
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.NotEqual(t, a.ID, b.ID)

	stats := p.Stats()
	assert.Len(t, stats, 2)
}

func TestSweepClosesIdleAndPrunesHost(t *testing.T) {
	clock := timeo.NewManual(time.Unix(1000, 0))
	cfg := testCfg()
	p := New(cfg, clock)

	c := p.tryAcquire("api.example.com")
	require.NotNil(t, c)
	p.Release(c)

	// not idle long enough
	clock.Advance(30 * time.Second)
	p.Sweep()
	assert.Len(t, p.Stats(), 1)

	// past the idle threshold the connection closes and the host is pruned
	clock.Advance(2 * time.Minute)
	p.Sweep()
	assert.True(t, c.Closed)
	assert.Len(t, p.Stats(), 0)
}

func TestSweepKeepsActiveConnections(t *testing.T) {
	clock := timeo.NewManual(time.Unix(1000, 0))
	p := New(testCfg(), clock)

	c := p.tryAcquire("api.example.com")
	require.NotNil(t, c)

	clock.Advance(time.Hour)
	p.Sweep()
	assert.False(t, c.Closed, "a connection with active streams is never reclaimed")
}
