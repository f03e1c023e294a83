package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalpost/flagwire/internal/model"
	"github.com/signalpost/flagwire/internal/utils/timeo"
)

func testCfg() model.ConnectionManagerConfig {
	return model.ConnectionManagerConfig{
		InitialReconnectDelay: 100 * time.Millisecond,
		MaxReconnectDelay:     time.Second,
		MaxReconnectAttempts:  3,
		HeartbeatInterval:     10 * time.Second,
		StalenessWindow:       30 * time.Second,
	}
}

func TestOfflineOnlineTransitions(t *testing.T) {
	clock := timeo.NewManual(time.Unix(1000, 0))
	m := NewManager(testCfg(), nil, clock)

	m.SetOfflineMode(true)
	info := m.Info()
	assert.Equal(t, model.ConnectionStateDisconnected, info.State)
	assert.True(t, info.OfflineMode)

	m.SetOfflineMode(false)
	info = m.Info()
	assert.Equal(t, model.ConnectionStateConnecting, info.State)
	assert.False(t, info.OfflineMode)
	assert.False(t, info.NextReconnectAt.IsZero())

	m.RecordConnectionSuccess()
	info = m.Info()
	assert.Equal(t, model.ConnectionStateConnected, info.State)
	assert.Equal(t, 0, info.ConsecutiveFailures)
	assert.True(t, info.NextReconnectAt.IsZero())
}

func TestFailureBackoffSchedule(t *testing.T) {
	clock := timeo.NewManual(time.Unix(1000, 0))
	m := NewManager(testCfg(), nil, clock)

	m.SetOfflineMode(false)

	m.RecordConnectionFailure(errors.New("dial refused"))
	info1 := m.Info()
	require.Equal(t, 1, info1.ConsecutiveFailures)
	require.Equal(t, model.ConnectionStateConnecting, info1.State)
	d1 := info1.NextReconnectAt.Sub(clock.Now())

	m.RecordConnectionFailure(errors.New("dial refused"))
	info2 := m.Info()
	d2 := info2.NextReconnectAt.Sub(clock.Now())

	// base*2^1*[0.8,1.2] then base*2^2*[0.8,1.2]
	assert.GreaterOrEqual(t, d1, 160*time.Millisecond)
	assert.LessOrEqual(t, d1, 240*time.Millisecond)
	assert.GreaterOrEqual(t, d2, 320*time.Millisecond)
	assert.LessOrEqual(t, d2, 480*time.Millisecond)

	// third failure reaches the cap and parks disconnected
	m.RecordConnectionFailure(errors.New("dial refused"))
	info3 := m.Info()
	assert.Equal(t, model.ConnectionStateDisconnected, info3.State)
	assert.True(t, info3.NextReconnectAt.IsZero())
	assert.Equal(t, "dial refused", info3.LastError)
}

func TestOfflineCancelsScheduledReconnect(t *testing.T) {
	clock := timeo.NewManual(time.Unix(1000, 0))
	var probes int
	var mu sync.Mutex
	m := NewManager(testCfg(), func(ctx context.Context) error {
		mu.Lock()
		probes++
		mu.Unlock()
		return nil
	}, clock)

	m.SetOfflineMode(false)
	m.RecordConnectionFailure(errors.New("x"))
	m.SetOfflineMode(true)

	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, probes, "offline mode must cancel the scheduled probe")
}

func TestScheduledReconnectProbes(t *testing.T) {
	clock := timeo.NewManual(time.Unix(1000, 0))
	probed := make(chan struct{}, 1)
	m := NewManager(testCfg(), func(ctx context.Context) error {
		select {
		case probed <- struct{}{}:
		default:
		}
		return nil
	}, clock)

	m.SetOfflineMode(false)
	require.Eventually(t, func() bool { return clock.PendingWaiters() > 0 }, time.Second, time.Millisecond)
	clock.Advance(200 * time.Millisecond)

	select {
	case <-probed:
	case <-time.After(time.Second):
		t.Fatalf("expected the scheduled reconnect to probe")
	}
	require.Eventually(t, func() bool {
		return m.Info().State == model.ConnectionStateConnected
	}, time.Second, time.Millisecond)
}

func TestResumeWhileConnectedIsNoOp(t *testing.T) {
	clock := timeo.NewManual(time.Unix(1000, 0))
	m := NewManager(testCfg(), nil, clock)

	m.SetOfflineMode(false)
	m.RecordConnectionSuccess()

	m.SetOfflineMode(false)
	info := m.Info()
	assert.Equal(t, model.ConnectionStateConnected, info.State)
	assert.True(t, info.NextReconnectAt.IsZero(), "healthy connection needs no probe")
}

func TestListenerFanOut(t *testing.T) {
	clock := timeo.NewManual(time.Unix(1000, 0))
	m := NewManager(testCfg(), nil, clock)

	var mu sync.Mutex
	var seen []model.ConnectionState
	done := make(chan struct{}, 8)

	// a panicking listener must not block the healthy one
	m.AddListener(func(info model.ConnectionInfo) {
		panic("listener bug")
	})
	m.AddListener(func(info model.ConnectionInfo) {
		mu.Lock()
		seen = append(seen, info.State)
		mu.Unlock()
		done <- struct{}{}
	})

	m.Start()
	defer m.Stop()

	m.RecordConnectionSuccess()

	// Start emits connecting, then success emits connected, in order
	timeout := time.After(2 * time.Second)
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-timeout:
			t.Fatalf("listener did not receive %d notifications", 2)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, model.ConnectionStateConnecting, seen[0])
	assert.Equal(t, model.ConnectionStateConnected, seen[1])
}

func TestNoNotificationWithoutChange(t *testing.T) {
	clock := timeo.NewManual(time.Unix(1000, 0))
	m := NewManager(testCfg(), nil, clock)

	var count int
	var mu sync.Mutex
	m.AddListener(func(info model.ConnectionInfo) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	m.Start()
	defer m.Stop()

	m.RecordConnectionSuccess()
	m.RecordConnectionSuccess()
	m.RecordConnectionSuccess()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 2 // connecting + connected, repeats suppressed
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, count)
}
