package bandwidth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalpost/flagwire/internal/model"
	"github.com/signalpost/flagwire/internal/utils/timeo"
)

func testCfg() model.BandwidthMonitorConfig {
	return model.BandwidthMonitorConfig{
		WindowSize:      time.Minute,
		MaxSamples:      10,
		SmoothingFactor: 0.3,
	}
}

func TestKbpsDerivation(t *testing.T) {
	clock := timeo.NewManual(time.Unix(1000, 0))
	m := NewMonitor(testCfg(), clock)

	// 125000 bytes in 1s = 1,000,000 bits/s = 1000 kbps
	m.RecordTransfer(125_000, time.Second, model.TransferDownload)
	assert.InDelta(t, 1000, m.EstimateKbps(), 0.01)
	assert.Equal(t, model.NetworkQualityFair, m.NetworkQuality())
}

func TestEWMASmoothing(t *testing.T) {
	clock := timeo.NewManual(time.Unix(1000, 0))
	m := NewMonitor(testCfg(), clock)

	m.RecordTransfer(125_000, time.Second, model.TransferDownload) // 1000 kbps, seeds
	first := m.EstimateKbps()
	require.InDelta(t, 1000, first, 0.01)

	m.RecordTransfer(1_250_000, time.Second, model.TransferDownload) // 10000 kbps sample
	second := m.EstimateKbps()
	// recentAvg = (1000+10000)/2 = 5500; 0.3*5500 + 0.7*1000 = 2350
	assert.InDelta(t, 2350, second, 1)
}

func TestWindowEviction(t *testing.T) {
	clock := timeo.NewManual(time.Unix(1000, 0))
	m := NewMonitor(testCfg(), clock)

	m.RecordTransfer(125_000, time.Second, model.TransferUpload)
	assert.Equal(t, 1, m.Stats().SampleCount)

	clock.Advance(2 * time.Minute)
	m.RecordTransfer(125_000, time.Second, model.TransferUpload)
	// the old sample fell out of the window
	assert.Equal(t, 1, m.Stats().SampleCount)
}

func TestTierMonotonicity(t *testing.T) {
	// increasing recorded kbps never decreases the tier
	clock := timeo.NewManual(time.Unix(1000, 0))
	m := NewMonitor(testCfg(), clock)

	last := model.NetworkQualityTerrible
	bytes := int64(5_000) // 40 kbps at 1s
	for i := 0; i < 16; i++ {
		m.RecordTransfer(bytes, time.Second, model.TransferDownload)
		q := m.NetworkQuality()
		assert.GreaterOrEqual(t, int(q), int(last), "tier regressed at step %d", i)
		last = q
		bytes *= 2
	}
	assert.Equal(t, model.NetworkQualityExcellent, last)
}

func TestUnseededDefaultsToGood(t *testing.T) {
	m := NewMonitor(testCfg(), timeo.NewManual(time.Unix(1000, 0)))
	assert.Equal(t, model.NetworkQualityGood, m.NetworkQuality())
	assert.Equal(t, adaptiveTable[model.NetworkQualityGood], m.AdaptiveConfig())
}

func TestAdaptiveTableOrdering(t *testing.T) {
	// lower quality: smaller batches, heavier compression, longer timeouts,
	// lower concurrency
	tiers := []model.NetworkQuality{
		model.NetworkQualityExcellent,
		model.NetworkQualityGood,
		model.NetworkQualityFair,
		model.NetworkQualityPoor,
		model.NetworkQualityTerrible,
	}
	for i := 1; i < len(tiers); i++ {
		hi := adaptiveTable[tiers[i-1]]
		lo := adaptiveTable[tiers[i]]
		assert.Less(t, lo.MaxBatchSize, hi.MaxBatchSize)
		assert.Greater(t, lo.CompressionLevel, hi.CompressionLevel)
		assert.Greater(t, lo.RequestTimeout, hi.RequestTimeout)
		assert.LessOrEqual(t, lo.MaxConcurrentRequests, hi.MaxConcurrentRequests)
	}
}

func TestInvalidSamplesIgnored(t *testing.T) {
	m := NewMonitor(testCfg(), timeo.NewManual(time.Unix(1000, 0)))
	m.RecordTransfer(0, time.Second, model.TransferDownload)
	m.RecordTransfer(100, 0, model.TransferDownload)
	m.RecordTransfer(-5, time.Second, model.TransferDownload)
	assert.Equal(t, 0, m.Stats().SampleCount)
	assert.Zero(t, m.EstimateKbps())
}
