// Package bandwidth maintains a smoothed estimate of the usable link speed
// from observed transfers and derives the adaptive delivery parameters
// (batch size, compression, timeouts, concurrency) from it.
package bandwidth

import (
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/signalpost/flagwire/internal/model"
	"github.com/signalpost/flagwire/internal/utils/log"
	"github.com/signalpost/flagwire/internal/utils/timeo"
)

// Quality tier thresholds in kbps.
const (
	thresholdExcellent = 10_000
	thresholdGood      = 2_000
	thresholdFair      = 500
	thresholdPoor      = 100
)

// adaptiveTable maps each quality tier to its delivery parameters: lower
// quality means smaller batches, heavier compression, longer timeouts and
// less concurrency.
var adaptiveTable = map[model.NetworkQuality]model.AdaptiveConfig{
	model.NetworkQualityExcellent: {
		MaxBatchSize:          100,
		CompressionLevel:      0,
		RequestTimeout:        10 * time.Second,
		RetryInterval:         time.Second,
		MaxConcurrentRequests: 8,
	},
	model.NetworkQualityGood: {
		MaxBatchSize:          50,
		CompressionLevel:      3,
		RequestTimeout:        15 * time.Second,
		RetryInterval:         2 * time.Second,
		MaxConcurrentRequests: 4,
	},
	model.NetworkQualityFair: {
		MaxBatchSize:          20,
		CompressionLevel:      5,
		RequestTimeout:        20 * time.Second,
		RetryInterval:         5 * time.Second,
		MaxConcurrentRequests: 2,
	},
	model.NetworkQualityPoor: {
		MaxBatchSize:          10,
		CompressionLevel:      7,
		RequestTimeout:        30 * time.Second,
		RetryInterval:         10 * time.Second,
		MaxConcurrentRequests: 1,
	},
	model.NetworkQualityTerrible: {
		MaxBatchSize:          5,
		CompressionLevel:      9,
		RequestTimeout:        60 * time.Second,
		RetryInterval:         30 * time.Second,
		MaxConcurrentRequests: 1,
	},
}

// Monitor records transfer measurements inside a rolling window and keeps an
// exponentially weighted moving average of the observed kbps.
type Monitor struct {
	cfg   model.BandwidthMonitorConfig
	clock timeo.Clock

	mu       sync.Mutex
	samples  []model.BandwidthSample
	estimate float64
	seeded   bool
}

func NewMonitor(cfg model.BandwidthMonitorConfig, clock timeo.Clock) *Monitor {
	if clock == nil {
		clock = timeo.Real()
	}
	return &Monitor{cfg: cfg, clock: clock}
}

// RecordTransfer adds one completed transfer. Samples older than the rolling
// window are purged before the estimate is recomputed.
func (m *Monitor) RecordTransfer(bytes int64, duration time.Duration, direction model.TransferDirection) {
	if bytes <= 0 || duration <= 0 {
		return
	}
	kbps := float64(bytes) * 8 / duration.Seconds() / 1000

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	m.samples = append(m.samples, model.BandwidthSample{
		At:        now,
		Direction: direction,
		Bytes:     bytes,
		Duration:  duration,
		Kbps:      kbps,
	})
	m.purgeLocked(now)

	recent := m.samples
	if len(recent) > m.cfg.MaxSamples {
		recent = recent[len(recent)-m.cfg.MaxSamples:]
	}
	recentAvg := lo.SumBy(recent, func(s model.BandwidthSample) float64 { return s.Kbps }) / float64(len(recent))

	if !m.seeded {
		m.estimate = recentAvg
		m.seeded = true
	} else {
		alpha := m.cfg.SmoothingFactor
		m.estimate = alpha*recentAvg + (1-alpha)*m.estimate
	}
	log.Debugf("bandwidth sample %s %.1f kbps, estimate %.1f kbps", direction, kbps, m.estimate)
}

func (m *Monitor) purgeLocked(now time.Time) {
	cutoff := now.Add(-m.cfg.WindowSize)
	m.samples = lo.Filter(m.samples, func(s model.BandwidthSample, _ int) bool {
		return s.At.After(cutoff)
	})
}

// EstimateKbps returns the current smoothed estimate; zero means unseeded.
func (m *Monitor) EstimateKbps() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.estimate
}

// NetworkQuality maps the estimate to its tier. An unseeded monitor reports
// Good so a fresh start is neither throttled nor over-eager.
func (m *Monitor) NetworkQuality() model.NetworkQuality {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.seeded {
		return model.NetworkQualityGood
	}
	return qualityForKbps(m.estimate)
}

func qualityForKbps(kbps float64) model.NetworkQuality {
	switch {
	case kbps >= thresholdExcellent:
		return model.NetworkQualityExcellent
	case kbps >= thresholdGood:
		return model.NetworkQualityGood
	case kbps >= thresholdFair:
		return model.NetworkQualityFair
	case kbps >= thresholdPoor:
		return model.NetworkQualityPoor
	default:
		return model.NetworkQualityTerrible
	}
}

// AdaptiveConfig derives the delivery parameters for the current tier.
func (m *Monitor) AdaptiveConfig() model.AdaptiveConfig {
	return adaptiveTable[m.NetworkQuality()]
}

// Stats returns the diagnostics view.
func (m *Monitor) Stats() model.BandwidthStats {
	m.mu.Lock()
	samples := len(m.samples)
	estimate := m.estimate
	seeded := m.seeded
	m.mu.Unlock()

	quality := model.NetworkQualityGood
	if seeded {
		quality = qualityForKbps(estimate)
	}
	return model.BandwidthStats{
		EstimateKbps: estimate,
		Quality:      quality,
		QualityName:  quality.String(),
		SampleCount:  samples,
		Adaptive:     adaptiveTable[quality],
	}
}
