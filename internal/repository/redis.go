package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"story-agent/internal/domain"
)

// stateRecord is the serialized STATE of a session in key-value stores.
type stateRecord struct {
	Revision     domain.RevisionState `json:"revision"`
	Turns        int                  `json:"turns"`
	MessageCount int                  `json:"messageCount"`
	Version      int64                `json:"version"`
	LastActivity time.Time            `json:"lastActivity"`
}

// RedisStore keeps session checkpoints in Redis: a JSON string holding the
// state and a list holding the message log, both expiring together.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore wraps an existing client. Keys are namespaced by prefix.
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("repository: redis client must not be nil")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "story-agent"
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}, nil
}

func (s *RedisStore) stateKey(sessionID string) string {
	return fmt.Sprintf("%s:session:%s", s.prefix, sessionID)
}

func (s *RedisStore) messagesKey(sessionID string) string {
	return s.stateKey(sessionID) + ":messages"
}

// LoadSession reads the state and the newest historyLimit messages.
func (s *RedisStore) LoadSession(ctx context.Context, sessionID string, historyLimit int) (domain.Session, error) {
	raw, err := s.client.Get(ctx, s.stateKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: LoadSession get: %w", err)
	}
	var rec stateRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.Session{}, fmt.Errorf("repository: LoadSession decode state: %w", err)
	}

	sess := domain.Session{
		ID:           sessionID,
		Revision:     rec.Revision,
		MessageCount: rec.MessageCount,
		Turns:        rec.Turns,
		Version:      rec.Version,
		LastActivity: rec.LastActivity,
	}
	if historyLimit <= 0 {
		return sess, nil
	}

	entries, err := s.client.LRange(ctx, s.messagesKey(sessionID), int64(-historyLimit), -1).Result()
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: LoadSession range: %w", err)
	}
	sess.History = make([]domain.Message, 0, len(entries))
	for _, entry := range entries {
		var msg domain.Message
		if err := json.Unmarshal([]byte(entry), &msg); err != nil {
			return domain.Session{}, fmt.Errorf("repository: LoadSession unmarshal: %w", err)
		}
		sess.History = append(sess.History, msg)
	}
	return sess, nil
}

// SaveTurn writes the state and appends messages inside a WATCH/MULTI block
// keyed on the state. A version mismatch or a concurrent write to the
// watched key yields domain.ErrConflict.
func (s *RedisStore) SaveTurn(ctx context.Context, sess domain.Session, appended []domain.Message) error {
	if strings.TrimSpace(sess.ID) == "" {
		return errors.New("repository: SaveTurn: session ID is required")
	}

	state, err := json.Marshal(stateRecord{
		Revision:     sess.Revision,
		Turns:        sess.Turns,
		MessageCount: sess.MessageCount + len(appended),
		Version:      sess.Version + 1,
		LastActivity: sess.LastActivity.UTC(),
	})
	if err != nil {
		return fmt.Errorf("repository: SaveTurn encode state: %w", err)
	}
	entries := make([]any, 0, len(appended))
	for _, msg := range appended {
		b, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("repository: SaveTurn encode message: %w", err)
		}
		entries = append(entries, string(b))
	}

	stateKey, messagesKey := s.stateKey(sess.ID), s.messagesKey(sess.ID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		stored, err := storedVersion(ctx, tx, stateKey)
		if err != nil {
			return err
		}
		if stored != sess.Version {
			return domain.ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, stateKey, state, s.ttl)
			if len(entries) > 0 {
				pipe.RPush(ctx, messagesKey, entries...)
			}
			pipe.Expire(ctx, messagesKey, s.ttl)
			return nil
		})
		return err
	}, stateKey)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr), errors.Is(err, domain.ErrConflict):
		return fmt.Errorf("repository: SaveTurn: %w", domain.ErrConflict)
	default:
		return fmt.Errorf("repository: SaveTurn: %w", err)
	}
}

func storedVersion(ctx context.Context, tx *redis.Tx, key string) (int64, error) {
	raw, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var rec stateRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return 0, fmt.Errorf("decode state: %w", err)
	}
	return rec.Version, nil
}
