// Package redisstore is a Redis-backed sessions.SessionStore for deployments
// that need sessions to survive a process restart.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/searchwire/searchwire/sessions"
)

// Config for the Redis-backed store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=searchwire:sessions:"`
	// TTL bounds how long a session record may outlive its last write. It
	// should comfortably exceed the idle timeout; the sweep remains the
	// authority on expiry.
	TTL time.Duration `env:"SESSIONS_REDIS_TTL,default=24h"`
}

// Store persists sessions as JSON records under a key prefix.
type Store struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// New connects to Redis and verifies the connection.
func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "searchwire:sessions:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{client: cl, keyPrefix: prefix, ttl: ttl}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode redis config: %w", err)
	}
	return New(cfg)
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) key(sessionID string) string { return s.keyPrefix + sessionID }

func (s *Store) Put(ctx context.Context, sess *sessions.Session) error {
	b, err := json.Marshal(sess.Record())
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, s.key(sess.ID()), b, s.ttl).Err(); err != nil {
		return fmt.Errorf("set session: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, sessionID string) (*sessions.Session, error) {
	b, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, sessions.ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return decode(b)
}

func (s *Store) Remove(ctx context.Context, sessionID string) (*sessions.Session, error) {
	// GETDEL so removal returns the removed record in one round trip.
	b, err := s.client.GetDel(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("getdel session: %w", err)
	}
	return decode(b)
}

func (s *Store) List(ctx context.Context) ([]*sessions.Session, error) {
	var out []*sessions.Session
	var cursor uint64
	for {
		keys, cur, err := s.client.Scan(ctx, cursor, s.keyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan sessions: %w", err)
		}
		for _, key := range keys {
			b, err := s.client.Get(ctx, key).Bytes()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				return nil, fmt.Errorf("get session %s: %w", key, err)
			}
			sess, err := decode(b)
			if err != nil {
				return nil, err
			}
			out = append(out, sess)
		}
		if cur == 0 {
			return out, nil
		}
		cursor = cur
	}
}

func (s *Store) CleanupExpired(ctx context.Context, timeout time.Duration) ([]*sessions.Session, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var expired []*sessions.Session
	for _, sess := range all {
		if sess.State() == sessions.SessionTerminated {
			continue
		}
		if time.Now().UTC().Sub(sess.LastActivity()) > timeout {
			if _, err := s.client.Del(ctx, s.key(sess.ID())).Result(); err != nil {
				return nil, fmt.Errorf("del session %s: %w", sess.ID(), err)
			}
			expired = append(expired, sess)
		}
	}
	return expired, nil
}

func decode(b []byte) (*sessions.Session, error) {
	var rec sessions.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return sessions.FromRecord(rec), nil
}

var _ sessions.SessionStore = (*Store)(nil)
