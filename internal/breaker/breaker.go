// Package breaker implements the per-operation-key circuit breaker. Each key
// tracks consecutive failures independently; after FailureThreshold failures
// the key opens for an exponentially growing, jittered cooldown, then admits
// a single half-open probe.
package breaker

import (
	"math"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash"

	"github.com/signalpost/flagwire/internal/model"
	"github.com/signalpost/flagwire/internal/utils/timeo"
)

const shardCount = 64

type Decision string

const (
	DecisionDisabled    Decision = "disabled"
	DecisionClosedAllow Decision = "closed_allow"
	DecisionSkipOpen    Decision = "skip_open"
	DecisionProbeAllow  Decision = "probe_allowed"
	DecisionProbeDenied Decision = "probe_denied"
	DecisionRecordFail  Decision = "record_failure"
	DecisionProbeFailed Decision = "probe_failed"
)

// Acquire is the admission result for one attempt. Callers must pass it back
// to RecordSuccess/RecordFailure so a granted probe is released.
type Acquire struct {
	Key           string
	Allowed       bool
	Decision      Decision
	StateBefore   model.CircuitBreakerState
	StateAfter    model.CircuitBreakerState
	TripCount     int
	OpenUntil     time.Time
	ProbeGranted  bool
	ProbeInFlight bool
}

type RecordResult struct {
	Decision      Decision
	StateAfter    model.CircuitBreakerState
	TripCount     int
	OpenUntil     time.Time
	ProbeInFlight bool
}

type Snapshot struct {
	Key                 string
	State               model.CircuitBreakerState
	ConsecutiveFailures int
	TripCount           int
	OpenUntil           time.Time
	LastFailureAt       time.Time
	LastFailureReason   string
	LastTripAt          time.Time
	ProbeInFlight       bool
}

type keyState struct {
	mu sync.Mutex

	state               model.CircuitBreakerState
	consecutiveFailures int
	tripCount           int
	openUntil           time.Time
	lastFailureAt       time.Time
	lastFailureReason   string
	lastTripAt          time.Time
	probeInFlight       uint32
}

type shard struct {
	mu sync.RWMutex
	m  map[string]*keyState
}

// Manager owns every breaker record. One Manager is constructed per runtime
// and passed explicitly to its users.
type Manager struct {
	cfg    model.CircuitBreakerConfig
	clock  timeo.Clock
	onTrip func(key string)
	shards [shardCount]shard
}

func NewManager(cfg model.CircuitBreakerConfig, clock timeo.Clock) *Manager {
	if clock == nil {
		clock = timeo.Real()
	}
	m := &Manager{cfg: cfg, clock: clock}
	for i := 0; i < shardCount; i++ {
		m.shards[i].m = make(map[string]*keyState)
	}
	return m
}

// OnTrip registers fn to run each time a key transitions to open. Register
// before the manager is shared between goroutines; fn runs outside the key
// lock, so it may read snapshots.
func (m *Manager) OnTrip(fn func(key string)) {
	m.onTrip = fn
}

// Allow reports whether an attempt for key may proceed right now. It is the
// simple form of Acquire for callers that do not need the probe bookkeeping.
func (m *Manager) Allow(key string) bool {
	return m.AcquireAttempt(key).Allowed
}

// AcquireAttempt admits or rejects one attempt. While open and inside the
// cooldown the attempt is rejected; once the cooldown has elapsed exactly one
// caller wins the half-open probe.
func (m *Manager) AcquireAttempt(key string) Acquire {
	if !m.cfg.Enabled {
		return Acquire{
			Key:         key,
			Allowed:     true,
			Decision:    DecisionDisabled,
			StateBefore: model.CircuitBreakerStateClosed,
			StateAfter:  model.CircuitBreakerStateClosed,
		}
	}
	now := m.clock.Now()
	s := m.getOrCreateState(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	result := Acquire{
		Key:         key,
		Allowed:     false,
		Decision:    DecisionSkipOpen,
		StateBefore: s.state,
		StateAfter:  s.state,
		TripCount:   s.tripCount,
		OpenUntil:   s.openUntil,
	}

	switch s.state {
	case model.CircuitBreakerStateClosed:
		result.Allowed = true
		result.Decision = DecisionClosedAllow
		return result
	case model.CircuitBreakerStateOpen:
		if now.Before(s.openUntil) {
			return result
		}
		if atomic.CompareAndSwapUint32(&s.probeInFlight, 0, 1) {
			s.state = model.CircuitBreakerStateHalfOpen
			result.Allowed = true
			result.Decision = DecisionProbeAllow
			result.StateAfter = s.state
			result.ProbeGranted = true
			result.ProbeInFlight = true
			return result
		}
		result.Decision = DecisionProbeDenied
		result.ProbeInFlight = true
		return result
	case model.CircuitBreakerStateHalfOpen:
		if atomic.CompareAndSwapUint32(&s.probeInFlight, 0, 1) {
			result.Allowed = true
			result.Decision = DecisionProbeAllow
			result.ProbeGranted = true
			result.ProbeInFlight = true
			return result
		}
		result.Decision = DecisionProbeDenied
		result.ProbeInFlight = true
		return result
	default:
		s.state = model.CircuitBreakerStateClosed
		result.Allowed = true
		result.Decision = DecisionClosedAllow
		result.StateAfter = s.state
		return result
	}
}

// OnSuccess records a success for callers that did not keep the Acquire.
func (m *Manager) OnSuccess(key string) {
	m.RecordSuccess(key, Acquire{})
}

// OnFailure records a failure for callers that did not keep the Acquire.
func (m *Manager) OnFailure(key, reason string) {
	m.RecordFailure(key, reason, Acquire{})
}

// RecordSuccess resets the failure count and closes a half-open key.
func (m *Manager) RecordSuccess(key string, acquire Acquire) RecordResult {
	s := m.getOrCreateState(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if !m.cfg.Enabled {
		atomic.StoreUint32(&s.probeInFlight, 0)
		return m.recordResultFromState(s, DecisionDisabled)
	}

	if acquire.ProbeGranted || s.state == model.CircuitBreakerStateHalfOpen {
		s.state = model.CircuitBreakerStateClosed
	}
	s.consecutiveFailures = 0
	atomic.StoreUint32(&s.probeInFlight, 0)
	return m.recordResultFromState(s, acquire.Decision)
}

// RecordFailure counts one failure and trips the key when the threshold is
// reached or a probe failed. Trip counts decay after quiet periods so an old
// incident does not inflate the cooldown forever.
func (m *Manager) RecordFailure(key, reason string, acquire Acquire) RecordResult {
	now := m.clock.Now()
	s := m.getOrCreateState(key)
	s.mu.Lock()

	applyDecay(s, now, time.Duration(m.cfg.DecayWindowMS)*time.Millisecond)
	s.lastFailureAt = now
	s.lastFailureReason = truncateReason(reason)
	s.consecutiveFailures++

	shouldTrip := s.consecutiveFailures >= m.cfg.FailureThreshold || acquire.ProbeGranted || s.state == model.CircuitBreakerStateHalfOpen
	decision := DecisionRecordFail
	tripped := false
	if m.cfg.Enabled && shouldTrip {
		s.tripCount++
		s.openUntil = now.Add(cooldownForTrip(s.tripCount, m.cfg))
		s.state = model.CircuitBreakerStateOpen
		s.lastTripAt = now
		s.consecutiveFailures = 0
		tripped = true
		if acquire.ProbeGranted || acquire.StateBefore == model.CircuitBreakerStateHalfOpen {
			decision = DecisionProbeFailed
		}
	}
	atomic.StoreUint32(&s.probeInFlight, 0)
	result := m.recordResultFromState(s, decision)
	s.mu.Unlock()

	if tripped && m.onTrip != nil {
		m.onTrip(key)
	}
	return result
}

// RecordNonTrippable releases the attempt without counting the failure, for
// errors that prove the backend alive (429, auth rejection).
func (m *Manager) RecordNonTrippable(key string, acquire Acquire) RecordResult {
	s := m.getOrCreateState(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	atomic.StoreUint32(&s.probeInFlight, 0)
	if m.cfg.Enabled && (acquire.ProbeGranted || s.state == model.CircuitBreakerStateHalfOpen) {
		s.state = model.CircuitBreakerStateClosed
		s.consecutiveFailures = 0
	}
	return m.recordResultFromState(s, acquire.Decision)
}

func (m *Manager) Snapshot(key string) Snapshot {
	s := m.getState(key)
	if s == nil {
		return Snapshot{
			Key:   key,
			State: model.CircuitBreakerStateClosed,
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Key:                 key,
		State:               s.state,
		ConsecutiveFailures: s.consecutiveFailures,
		TripCount:           s.tripCount,
		OpenUntil:           s.openUntil,
		LastFailureAt:       s.lastFailureAt,
		LastFailureReason:   s.lastFailureReason,
		LastTripAt:          s.lastTripAt,
		ProbeInFlight:       atomic.LoadUint32(&s.probeInFlight) == 1,
	}
}

// Snapshots returns every known key, for the diagnostics API.
func (m *Manager) Snapshots() []Snapshot {
	keys := make([]string, 0)
	for i := 0; i < shardCount; i++ {
		sh := &m.shards[i]
		sh.mu.RLock()
		for key := range sh.m {
			keys = append(keys, key)
		}
		sh.mu.RUnlock()
	}
	snaps := make([]Snapshot, 0, len(keys))
	for _, key := range keys {
		snaps = append(snaps, m.Snapshot(key))
	}
	return snaps
}

// ResetKey removes the record for key, returning it to closed.
func (m *Manager) ResetKey(key string) bool {
	sh := &m.shards[shardIndex(key)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.m[key]; !ok {
		return false
	}
	delete(sh.m, key)
	return true
}

// ResetAll clears every record and returns how many were removed.
func (m *Manager) ResetAll() int {
	n := 0
	for i := 0; i < shardCount; i++ {
		sh := &m.shards[i]
		sh.mu.Lock()
		n += len(sh.m)
		sh.m = make(map[string]*keyState)
		sh.mu.Unlock()
	}
	return n
}

func (m *Manager) getState(key string) *keyState {
	sh := &m.shards[shardIndex(key)]
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.m[key]
}

func (m *Manager) getOrCreateState(key string) *keyState {
	sh := &m.shards[shardIndex(key)]
	sh.mu.RLock()
	state := sh.m[key]
	sh.mu.RUnlock()
	if state != nil {
		return state
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if state = sh.m[key]; state != nil {
		return state
	}
	state = &keyState{
		state: model.CircuitBreakerStateClosed,
	}
	sh.m[key] = state
	return state
}

func (m *Manager) recordResultFromState(s *keyState, decision Decision) RecordResult {
	return RecordResult{
		Decision:      decision,
		StateAfter:    s.state,
		TripCount:     s.tripCount,
		OpenUntil:     s.openUntil,
		ProbeInFlight: atomic.LoadUint32(&s.probeInFlight) == 1,
	}
}

func applyDecay(s *keyState, now time.Time, decayWindow time.Duration) {
	if s.tripCount == 0 || s.lastTripAt.IsZero() || decayWindow <= 0 {
		return
	}
	steps := int(now.Sub(s.lastTripAt) / decayWindow)
	if steps <= 0 {
		return
	}
	s.tripCount = max(0, s.tripCount-steps)
}

func cooldownForTrip(tripCount int, cfg model.CircuitBreakerConfig) time.Duration {
	n := max(1, tripCount)
	base := float64(cfg.BaseCooldownMS)
	maxCD := float64(cfg.MaxCooldownMS)
	backoff := math.Pow(cfg.BackoffFactor, float64(n-1))
	cooldown := base * backoff
	if cooldown > maxCD {
		cooldown = maxCD
	}
	jitter := cfg.JitterMin + rand.Float64()*(cfg.JitterMax-cfg.JitterMin)
	if jitter < 0 {
		jitter = 0
	}
	cooldown *= jitter
	if cooldown < 1 {
		cooldown = 1
	}
	return time.Duration(cooldown) * time.Millisecond
}

func shardIndex(key string) int {
	return int(xxhash.Sum64String(key) % shardCount)
}

func truncateReason(reason string) string {
	const maxLen = 512
	reason = strings.TrimSpace(reason)
	if len(reason) <= maxLen {
		return reason
	}
	return reason[:maxLen]
}
