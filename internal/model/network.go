package model

import "time"

// NetworkQuality is the ordered quality tier derived from the bandwidth
// estimate. Higher is better.
type NetworkQuality int

const (
	NetworkQualityTerrible NetworkQuality = iota
	NetworkQualityPoor
	NetworkQualityFair
	NetworkQualityGood
	NetworkQualityExcellent
)

func (q NetworkQuality) String() string {
	switch q {
	case NetworkQualityExcellent:
		return "excellent"
	case NetworkQualityGood:
		return "good"
	case NetworkQualityFair:
		return "fair"
	case NetworkQualityPoor:
		return "poor"
	case NetworkQualityTerrible:
		return "terrible"
	default:
		return "unknown"
	}
}

// TransferDirection tags a bandwidth sample as upload or download.
type TransferDirection string

const (
	TransferUpload   TransferDirection = "upload"
	TransferDownload TransferDirection = "download"
)

// BandwidthSample is one completed transfer measurement. Samples are only
// retained inside the monitor's rolling window.
type BandwidthSample struct {
	At        time.Time
	Direction TransferDirection
	Bytes     int64
	Duration  time.Duration
	Kbps      float64
}

// AdaptiveConfig is a pure derivation of the current NetworkQuality tier.
// It is re-derived on demand and never persisted.
type AdaptiveConfig struct {
	MaxBatchSize          int           `json:"max_batch_size"`
	CompressionLevel      int           `json:"compression_level"` // 0-9
	RequestTimeout        time.Duration `json:"request_timeout"`
	RetryInterval         time.Duration `json:"retry_interval"`
	MaxConcurrentRequests int           `json:"max_concurrent_requests"`
}

type BandwidthMonitorConfig struct {
	WindowSize      time.Duration `json:"window_size" yaml:"window_size"`
	MaxSamples      int           `json:"max_samples" yaml:"max_samples"`
	SmoothingFactor float64       `json:"smoothing_factor" yaml:"smoothing_factor"`
}

// BandwidthStats is the diagnostics view of the monitor.
type BandwidthStats struct {
	EstimateKbps float64        `json:"estimate_kbps"`
	Quality      NetworkQuality `json:"-"`
	QualityName  string         `json:"quality"`
	SampleCount  int            `json:"sample_count"`
	Adaptive     AdaptiveConfig `json:"adaptive"`
}
