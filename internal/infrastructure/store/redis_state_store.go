package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/stepline/stepline/internal/domain/entity"
	"github.com/stepline/stepline/internal/domain/repository"
	apperrors "github.com/stepline/stepline/pkg/errors"
)

const redisStatePrefix = "stepline:state:"

// RedisStateStore keeps session state as JSON values under
// stepline:state:<session>. The engine is single-process, so the same
// in-process per-session mutex used by the file store serializes
// saves; redis supplies durability and sharing, not locking.
type RedisStateStore struct {
	client *redis.Client
	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	logger *zap.Logger
}

var _ repository.StateStore = (*RedisStateStore)(nil)

func NewRedisStateStore(client *redis.Client, logger *zap.Logger) *RedisStateStore {
	return &RedisStateStore{
		client: client,
		locks:  make(map[string]*sync.Mutex),
		logger: logger.With(zap.String("component", "redis-state-store")),
	}
}

// GetPath returns the redis key for the session id.
func (s *RedisStateStore) GetPath(sessionID string) string {
	return redisStatePrefix + sessionID
}

func (s *RedisStateStore) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[sessionID] = lock
	}
	return lock
}

func (s *RedisStateStore) Load(ctx context.Context, sessionID string) (entity.SessionState, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	data, err := s.client.Get(ctx, s.GetPath(sessionID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return entity.NewSessionState(), nil
		}
		return nil, apperrors.Wrap(apperrors.CodeStorage, "redis get", err)
	}

	var state entity.SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorage, "decode session state", err)
	}
	return state, nil
}

func (s *RedisStateStore) Save(ctx context.Context, sessionID string, state entity.SessionState) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	state.BumpVersion(time.Now())

	data, err := json.Marshal(state)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorage, "encode session state", err)
	}
	if err := s.client.Set(ctx, s.GetPath(sessionID), data, 0).Err(); err != nil {
		return apperrors.Wrap(apperrors.CodeStorage, "redis set", err)
	}
	return nil
}

// Cleanup scans the state keyspace and deletes entries whose
// _updated_at is before the cutoff.
func (s *RedisStateStore) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	var (
		removed int
		cursor  uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, redisStatePrefix+"*", 100).Result()
		if err != nil {
			return removed, apperrors.Wrap(apperrors.CodeStorage, "redis scan", err)
		}
		for _, key := range keys {
			data, err := s.client.Get(ctx, key).Bytes()
			if err != nil {
				continue
			}
			var state entity.SessionState
			if err := json.Unmarshal(data, &state); err != nil {
				continue
			}
			if updated := state.UpdatedAt(); !updated.IsZero() && updated.Before(olderThan) {
				if err := s.client.Del(ctx, key).Err(); err == nil {
					removed++
				}
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	if removed > 0 {
		s.logger.Info("Session state cleanup", zap.Int("removed", removed))
	}
	return removed, nil
}

// NewRedisClient builds a redis client from an address/password pair
// and verifies connectivity.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}
