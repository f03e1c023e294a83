// Package store is the persistence collaborator: queues hand records over at
// flush-failure and shutdown boundaries and re-adopt them at startup. The
// engine treats the payload as opaque bytes and does not own the on-disk
// format beyond these implementations.
package store

import (
	"context"
	"time"
)

// PendingRecord is one undelivered record held for a later session.
type PendingRecord struct {
	ID      string    `json:"id" msgpack:"id" gorm:"primaryKey"`
	Queue   string    `json:"queue" msgpack:"queue" gorm:"index"`
	Payload []byte    `json:"payload" msgpack:"payload"`
	SavedAt time.Time `json:"saved_at" msgpack:"saved_at"`
}

// Store is called at flush/shutdown boundaries. LoadPending drains: records
// returned are removed from the backing storage.
type Store interface {
	Save(ctx context.Context, records []PendingRecord) error
	LoadPending(ctx context.Context) ([]PendingRecord, error)
	Close() error
}

// Nop discards everything, for hosts that opt out of offline durability.
type Nop struct{}

func (Nop) Save(context.Context, []PendingRecord) error          { return nil }
func (Nop) LoadPending(context.Context) ([]PendingRecord, error) { return nil, nil }
func (Nop) Close() error                                         { return nil }
