package repository

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"story-agent/internal/domain"
)

const defaultMemorySessions = 1024

type memoryRecord struct {
	state   stateRecord
	history []domain.Message
}

// MemoryStore keeps session checkpoints in process memory. Sessions expire
// after ttl of inactivity and the least recently used ones are evicted past
// maxSessions. It is meant for local runs and tests.
type MemoryStore struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, memoryRecord]
}

func NewMemoryStore(maxSessions int, ttl time.Duration) *MemoryStore {
	if maxSessions <= 0 {
		maxSessions = defaultMemorySessions
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{cache: expirable.NewLRU[string, memoryRecord](maxSessions, nil, ttl)}
}

func (s *MemoryStore) LoadSession(_ context.Context, sessionID string, historyLimit int) (domain.Session, error) {
	s.mu.Lock()
	rec, ok := s.cache.Get(sessionID)
	s.mu.Unlock()
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}

	sess := domain.Session{
		ID:           sessionID,
		Revision:     rec.state.Revision,
		MessageCount: rec.state.MessageCount,
		Turns:        rec.state.Turns,
		Version:      rec.state.Version,
		LastActivity: rec.state.LastActivity,
	}
	if historyLimit > 0 {
		start := max(len(rec.history)-historyLimit, 0)
		sess.History = slices.Clone(rec.history[start:])
	}
	return sess, nil
}

func (s *MemoryStore) SaveTurn(_ context.Context, sess domain.Session, appended []domain.Message) error {
	if strings.TrimSpace(sess.ID) == "" {
		return errors.New("repository: SaveTurn: session ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.cache.Peek(sess.ID)
	var stored int64
	if ok {
		stored = prev.state.Version
	}
	if stored != sess.Version {
		return fmt.Errorf("repository: SaveTurn: %w", domain.ErrConflict)
	}

	// Add resets the entry's expiry, so the log is re-inserted with the state.
	history := make([]domain.Message, 0, len(prev.history)+len(appended))
	history = append(history, prev.history...)
	history = append(history, appended...)
	s.cache.Add(sess.ID, memoryRecord{
		state: stateRecord{
			Revision:     sess.Revision,
			Turns:        sess.Turns,
			MessageCount: sess.MessageCount + len(appended),
			Version:      sess.Version + 1,
			LastActivity: sess.LastActivity,
		},
		history: history,
	})
	return nil
}

// Len reports the number of live sessions.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}
