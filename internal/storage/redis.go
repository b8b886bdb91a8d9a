package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultRedisPrefix namespaces custody keys inside a shared Redis database.
const DefaultRedisPrefix = "custody:"

// RedisStore persists each object as a single string value. SET replaces the
// value atomically, so readers see either the old or the new object.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisStore creates a RedisStore. An empty prefix uses DefaultRedisPrefix.
func NewRedisStore(client *redis.Client, prefix string, logger *zap.Logger) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{client: client, prefix: prefix, logger: logger}
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, key string, value any) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	data, err := encode(value)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.prefix+key, data, 0).Err(); err != nil {
		return &PersistenceError{Op: "save", Key: key, Err: err}
	}
	s.logger.Debug("object saved", zap.String("key", key), zap.Int("bytes", len(data)))
	return nil
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, key string, dst any) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return notFound(key)
		}
		return &PersistenceError{Op: "load", Key: key, Err: err}
	}
	if err := decode(data, dst); err != nil {
		return &PersistenceError{Op: "decode", Key: key, Err: err}
	}
	return nil
}

// Exists implements Store.
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	n, err := s.client.Exists(ctx, s.prefix+key).Result()
	if err != nil {
		return false, &PersistenceError{Op: "exists", Key: key, Err: err}
	}
	return n > 0, nil
}

// lockTTL bounds how long a crashed holder can keep a key locked.
const lockTTL = 30 * time.Second

// unlockScript deletes the lock only if it still carries the caller's token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Lock implements Store with a SET NX lock holding a random token. It
// expires after lockTTL in case the holder dies.
func (s *RedisStore) Lock(ctx context.Context, key string) (Unlock, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	lockKey := s.prefix + key + ":lock"
	token := uuid.NewString()

	policy := backoff.WithContext(backoff.NewConstantBackOff(25*time.Millisecond), ctx)
	err := backoff.Retry(func() error {
		ok, err := s.client.SetNX(ctx, lockKey, token, lockTTL).Result()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errors.New("lock held")
		}
		return nil
	}, policy)
	if err != nil {
		return nil, &PersistenceError{Op: "lock", Key: key, Err: err}
	}

	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := unlockScript.Run(ctx, s.client, []string{lockKey}, token).Err(); err != nil {
			return &PersistenceError{Op: "unlock", Key: key, Err: err}
		}
		return nil
	}, nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
