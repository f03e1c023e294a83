package model

import "time"

// EventRecord is one telemetry event queued for delivery. DedupKey suppresses
// logically identical events; empty DedupKey means the event is always queued.
type EventRecord struct {
	ID         string         `json:"id" gorm:"primaryKey"`
	Name       string         `json:"name"`
	UserID     string         `json:"user_id"`
	SessionID  string         `json:"session_id"`
	DedupKey   string         `json:"dedup_key,omitempty" gorm:"index"`
	Properties map[string]any `json:"properties,omitempty" gorm:"serializer:json"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// SummaryRecord aggregates one flag evaluation exposure. The dedup key is
// derived from experience+behaviour+variation so repeated evaluations of the
// same flag collapse into a single record per flush window.
type SummaryRecord struct {
	ID           string    `json:"id" gorm:"primaryKey"`
	ExperienceID string    `json:"experience_id"`
	BehaviourID  string    `json:"behaviour_id"`
	VariationID  string    `json:"variation_id"`
	UserID       string    `json:"user_id"`
	SessionID    string    `json:"session_id"`
	Count        int       `json:"count"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// DedupIdentity returns the logical identity of the summary used for queue
// level deduplication.
func (s SummaryRecord) DedupIdentity() string {
	return s.ExperienceID + ":" + s.BehaviourID + ":" + s.VariationID
}

type BatchQueueConfig struct {
	Capacity      int           `json:"capacity" yaml:"capacity"`
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`
}

// FlushReport describes the outcome of one flush attempt.
type FlushReport struct {
	Sent       int `json:"sent"`
	Requeued   int `json:"requeued"`
	Dropped    int `json:"dropped"`
	StatusCode int `json:"status_code,omitempty"`
}

// QueueStats is the diagnostics view of a batch queue.
type QueueStats struct {
	Name          string `json:"name"`
	Length        int    `json:"length"`
	Capacity      int    `json:"capacity"`
	SeenDedupKeys int    `json:"seen_dedup_keys"`
	TotalPushed   int64  `json:"total_pushed"`
	TotalDeduped  int64  `json:"total_deduped"`
	TotalSent     int64  `json:"total_sent"`
	TotalDropped  int64  `json:"total_dropped"`
}
