// Package changelog journals emitted balance changes in a write-ahead log.
package changelog

import (
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"

	"github.com/vadiminshakov/coinwatch/internal/domain"
)

const (
	defaultJournalDir   = "./wal/changes"
	journalSegmentLimit = 1000
	journalMaxSegments  = 100
	changeKeyPrefix     = "change_event_"
)

var errNotInitialized = errors.New("change journal is not initialized")

// WALStore appends change events to a WAL so they can be streamed and replayed.
type WALStore struct {
	wal *gowal.Wal
	mu  sync.RWMutex
}

// NewWALStore initializes a WAL-backed change journal under the provided directory.
func NewWALStore(dir string) (*WALStore, error) {
	if dir == "" {
		dir = defaultJournalDir
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "changes_",
		SegmentThreshold: journalSegmentLimit,
		MaxSegments:      journalMaxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init change journal WAL")
	}

	return &WALStore{wal: wal}, nil
}

// Append writes the event under the next index and returns that index.
func (s *WALStore) Append(event domain.ChangeEvent) (uint64, error) {
	if s == nil || s.wal == nil {
		return 0, errNotInitialized
	}
	if event.Account == "" {
		return 0, errors.New("change event account is required")
	}
	if len(event.Changes) == 0 {
		return 0, errors.New("change event has no changes")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return 0, errors.Wrap(err, "marshal change event")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nextIndex := s.wal.CurrentIndex() + 1
	if err := s.wal.Write(nextIndex, changeKeyPrefix+event.Account, payload); err != nil {
		return 0, errors.Wrap(err, "write change event")
	}

	return nextIndex, nil
}

// EventsAfter returns all change events written after the provided WAL index.
func (s *WALStore) EventsAfter(index uint64) ([]domain.ChangeEventRecord, error) {
	if s == nil || s.wal == nil {
		return nil, errNotInitialized
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	current := s.wal.CurrentIndex()
	if current <= index {
		return nil, nil
	}

	records := make([]domain.ChangeEventRecord, 0, current-index)
	for idx := index + 1; idx <= current; idx++ {
		key, payload, ok := s.wal.Get(idx)
		if !ok || !strings.HasPrefix(key, changeKeyPrefix) {
			continue
		}
		var event domain.ChangeEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, errors.Wrapf(err, "decode change event %d", idx)
		}
		records = append(records, domain.ChangeEventRecord{Index: idx, Event: event})
	}

	return records, nil
}

// CurrentIndex returns the latest WAL index stored.
func (s *WALStore) CurrentIndex() uint64 {
	if s == nil || s.wal == nil {
		return 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.wal.CurrentIndex()
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return errNotInitialized
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}
