package store

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/signalpost/flagwire/internal/errs"
	"github.com/signalpost/flagwire/internal/utils/log"
)

const lockRetryDelay = 25 * time.Millisecond

// FileStore keeps pending records in a single msgpack file. A flock guards
// the file against other SDK processes sharing the same path; the mutex
// guards concurrent flushes inside this process.
type FileStore struct {
	path string
	lock *flock.Flock
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{
		path: path,
		lock: flock.New(path + ".lock"),
	}
}

func (s *FileStore) Save(ctx context.Context, records []PendingRecord) error {
	if len(records) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	locked, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return errs.Wrap(errs.KindInternal, err, "lock pending store")
	}
	if !locked {
		return errs.New(errs.KindCapacity, "pending store locked by another process")
	}
	defer s.unlock()

	existing, err := s.readLocked()
	if err != nil {
		// A corrupt file must not wedge delivery forever. Log, drop it and
		// start over with the records we were handed.
		log.Warnf("pending store unreadable, resetting: %v", err)
		existing = nil
	}
	return s.writeLocked(append(existing, records...))
}

func (s *FileStore) LoadPending(ctx context.Context) ([]PendingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	locked, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "lock pending store")
	}
	if !locked {
		return nil, errs.New(errs.KindCapacity, "pending store locked by another process")
	}
	defer s.unlock()

	records, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return nil, errs.Wrap(errs.KindInternal, err, "drain pending store")
	}
	return records, nil
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) readLocked() ([]PendingRecord, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "read pending store")
	}
	if len(data) == 0 {
		return nil, nil
	}
	var records []PendingRecord
	if err := msgpack.Unmarshal(data, &records); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "decode pending store")
	}
	return records, nil
}

func (s *FileStore) writeLocked(records []PendingRecord) error {
	data, err := msgpack.Marshal(records)
	if err != nil {
		return errs.Wrap(errs.KindInternal, err, "encode pending store")
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errs.Wrap(errs.KindInternal, err, "write pending store")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errs.Wrap(errs.KindInternal, err, "replace pending store")
	}
	return nil
}

func (s *FileStore) unlock() {
	if err := s.lock.Unlock(); err != nil {
		log.Warnf("unlock pending store: %v", err)
	}
}
