package verification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Store хранит положительные результаты верификации с ограниченным сроком жизни.
type Store interface {
	IsCached(ctx context.Context, partyID string) (bool, error)
	Remember(ctx context.Context, partyID string, ttl time.Duration) error
}

// CachedVerifier кэширует положительные ответы вложенного верификатора.
// Отрицательные ответы не кэшируются, чтобы только что прошедшая верификацию сторона не ждала истечения TTL.
type CachedVerifier struct {
	next   Verifier
	store  Store
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedVerifier создаёт кэширующий верификатор поверх next.
func NewCachedVerifier(next Verifier, store Store, ttl time.Duration, logger *zap.Logger) *CachedVerifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedVerifier{next: next, store: store, ttl: ttl, logger: logger}
}

// IsVerified возвращает результат из кэша или запрашивает вложенный верификатор.
// Ошибки кэша не прерывают проверку.
func (v *CachedVerifier) IsVerified(ctx context.Context, partyID string) (bool, error) {
	cached, err := v.store.IsCached(ctx, partyID)
	if err != nil {
		v.logger.Warn("verification cache read", zap.Error(err), zap.String("party_id", partyID))
	}
	if cached {
		return true, nil
	}

	ok, err := v.next.IsVerified(ctx, partyID)
	if err != nil || !ok {
		return ok, err
	}

	if err := v.store.Remember(ctx, partyID, v.ttl); err != nil {
		v.logger.Warn("verification cache write", zap.Error(err), zap.String("party_id", partyID))
	}
	return true, nil
}

// MemoryStore хранит результаты в памяти процесса.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	expires map[string]time.Time
}

// NewMemoryStore создаёт пустой кэш в памяти.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now, expires: map[string]time.Time{}}
}

// IsCached сообщает, есть ли непросроченная запись о стороне.
func (s *MemoryStore) IsCached(_ context.Context, partyID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.expires[partyID]
	if !ok {
		return false, nil
	}
	if !s.now().Before(exp) {
		delete(s.expires, partyID)
		return false, nil
	}
	return true, nil
}

// Remember сохраняет запись на ttl.
func (s *MemoryStore) Remember(_ context.Context, partyID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expires[partyID] = s.now().Add(ttl)
	return nil
}

const redisKeyPrefix = "raise:verified:"

// RedisStore хранит результаты в Redis, общем для всех экземпляров сервиса.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore создаёт кэш поверх клиента Redis.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Connect создаёт клиент Redis по URL (redis://...) или адресу host:port.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// IsCached сообщает, есть ли запись о стороне.
func (s *RedisStore) IsCached(ctx context.Context, partyID string) (bool, error) {
	err := s.client.Get(ctx, redisKeyPrefix+partyID).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Remember сохраняет запись на ttl.
func (s *RedisStore) Remember(ctx context.Context, partyID string, ttl time.Duration) error {
	return s.client.Set(ctx, redisKeyPrefix+partyID, "1", ttl).Err()
}
