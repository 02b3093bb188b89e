package pushwake

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"callbridge/pkg/errors"
)

// RedisPointerConfig configures the Redis-backed pointer store.
type RedisPointerConfig struct {
	Address     string
	Password    string
	Database    int
	DialTimeout time.Duration

	// KeyPrefix namespaces pointer keys, e.g. "callbridge".
	KeyPrefix string

	// TTL bounds how long a pointer survives; it should cover the ring
	// window plus delivery slack.
	TTL time.Duration
}

// RedisPointerStore persists wake pointers in Redis so any node of a
// multi-node deployment can resolve a wake event.
type RedisPointerStore struct {
	client *redis.Client
	config RedisPointerConfig
	logger *logrus.Logger
}

var _ PointerStore = (*RedisPointerStore)(nil)

// NewRedisPointerStore connects to Redis and verifies the connection.
func NewRedisPointerStore(config RedisPointerConfig, logger *logrus.Logger) (*RedisPointerStore, error) {
	if config.KeyPrefix == "" {
		config.KeyPrefix = "callbridge"
	}
	if config.TTL <= 0 {
		config.TTL = time.Minute
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:        config.Address,
		Password:    config.Password,
		DB:          config.Database,
		DialTimeout: config.DialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.WithField("address", config.Address).Info("Connected to Redis pointer store")
	return &RedisPointerStore{
		client: client,
		config: config,
		logger: logger,
	}, nil
}

func (s *RedisPointerStore) key(sessionID string) string {
	return fmt.Sprintf("%s:wake:%s", s.config.KeyPrefix, sessionID)
}

func (s *RedisPointerStore) Put(ctx context.Context, pointer WakePointer) error {
	if pointer.SessionID == "" {
		return errors.NewInvalidInput("wake pointer requires a session ID")
	}
	if pointer.CreatedAt.IsZero() {
		pointer.CreatedAt = time.Now()
	}

	data, err := json.Marshal(pointer)
	if err != nil {
		return errors.Wrap(err, "failed to encode wake pointer")
	}

	if err := s.client.Set(ctx, s.key(pointer.SessionID), data, s.config.TTL).Err(); err != nil {
		return errors.Wrap(err, "failed to store wake pointer").
			WithField("session_id", pointer.SessionID)
	}
	return nil
}

func (s *RedisPointerStore) Get(ctx context.Context, sessionID string) (WakePointer, error) {
	data, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if err == redis.Nil {
		return WakePointer{}, errors.NewSessionNotFound(sessionID)
	}
	if err != nil {
		return WakePointer{}, errors.Wrap(err, "failed to read wake pointer").
			WithField("session_id", sessionID)
	}

	var pointer WakePointer
	if err := json.Unmarshal(data, &pointer); err != nil {
		return WakePointer{}, errors.Wrap(err, "corrupt wake pointer").
			WithField("session_id", sessionID)
	}
	return pointer, nil
}

func (s *RedisPointerStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return errors.Wrap(err, "failed to delete wake pointer").
			WithField("session_id", sessionID)
	}
	return nil
}

func (s *RedisPointerStore) Close() error {
	return s.client.Close()
}
