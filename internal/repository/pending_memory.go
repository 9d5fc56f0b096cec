package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"convai-relay/internal/domain"
)

const (
	DefaultPendingTTL    = 5 * time.Minute
	defaultSweepInterval = 30 * time.Second
)

// MemoryPendingStore keeps pending relay outcomes in process memory. It is
// not shared between instances and does not survive a restart; deployments
// with more than one instance use DynamoPendingStore instead.
type MemoryPendingStore struct {
	cache *TTLCache[string, domain.PendingEntry]
}

func NewMemoryPendingStore(ttl time.Duration) *MemoryPendingStore {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	sweep := defaultSweepInterval
	if ttl < sweep {
		sweep = ttl
	}
	return &MemoryPendingStore{cache: NewTTLCache[string, domain.PendingEntry](ttl, sweep)}
}

func (s *MemoryPendingStore) Put(_ context.Context, entry domain.PendingEntry) error {
	if strings.TrimSpace(entry.RequestID) == "" {
		return errors.New("repository: pending entry request id is required")
	}
	s.cache.Put(entry.RequestID, entry)
	return nil
}

func (s *MemoryPendingStore) Update(_ context.Context, entry domain.PendingEntry) (bool, error) {
	return s.cache.Replace(entry.RequestID, entry), nil
}

func (s *MemoryPendingStore) TakeIfTerminal(_ context.Context, requestID string) (domain.PendingEntry, bool, error) {
	entry, ok := s.cache.TakeIf(requestID, func(e domain.PendingEntry) bool {
		return e.Status.Terminal()
	})
	return entry, ok, nil
}

func (s *MemoryPendingStore) Get(_ context.Context, requestID string) (domain.PendingEntry, bool, error) {
	entry, ok := s.cache.Get(requestID)
	return entry, ok, nil
}

func (s *MemoryPendingStore) RemoveIfPresent(_ context.Context, requestID string) error {
	s.cache.RemoveIfPresent(requestID)
	return nil
}

// Close stops the background sweep.
func (s *MemoryPendingStore) Close() {
	s.cache.Close()
}
