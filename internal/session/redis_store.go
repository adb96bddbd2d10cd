// Package session provides the redis-backed server-side browser session and
// the short-lived OAuth state records that carry a flow's initiating identity
// across the provider redirect round trip.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a session or state record is absent or expired.
var ErrNotFound = errors.New("session not found")

// Session is the per-browser server-side state. IdentityID is set once the
// browser authenticates; VisitorToken correlates the browser to its anonymous
// identity before that.
type Session struct {
	ID           string    `json:"-"`
	IdentityID   string    `json:"identity_id,omitempty"`
	VisitorToken string    `json:"visitor_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// RedisStore implements session and OAuth-state storage using Redis
type RedisStore struct {
	client      *redis.Client
	prefix      string
	statePrefix string
}

// NewRedisStore creates a new Redis-backed session store
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{
		client:      client,
		prefix:      "sess:",
		statePrefix: "oauthstate:",
	}, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:      client,
		prefix:      "sess:",
		statePrefix: "oauthstate:",
	}
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + sessionID
}

// Save writes the session under its id with a TTL derived from ExpiresAt.
func (s *RedisStore) Save(ctx context.Context, sess Session) error {
	if sess.ID == "" {
		return fmt.Errorf("save session: missing id")
	}
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, s.key(sess.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Get loads a session by id; ErrNotFound when absent or expired.
func (s *RedisStore) Get(ctx context.Context, sessionID string) (Session, error) {
	data, err := s.client.Get(ctx, s.key(sessionID)).Result()
	if err == redis.Nil {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("lookup session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return Session{}, fmt.Errorf("unmarshal session: %w", err)
	}
	sess.ID = sessionID
	return sess, nil
}

// Delete removes a session (logout).
func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// OAuthState captures who started a provider flow: the authenticated identity
// when there is one, otherwise the anonymous visitor token. The callback is a
// separate request, so this has to survive the redirect round trip server-side.
type OAuthState struct {
	IdentityID   string `json:"identity_id,omitempty"`
	VisitorToken string `json:"visitor_token,omitempty"`
}

// SaveOAuthState stashes the flow's origin record keyed by the opaque state
// parameter.
func (s *RedisStore) SaveOAuthState(ctx context.Context, state string, record OAuthState, ttl time.Duration) error {
	if state == "" {
		return fmt.Errorf("save oauth state: missing state")
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal oauth state: %w", err)
	}
	if err := s.client.Set(ctx, s.statePrefix+state, data, ttl).Err(); err != nil {
		return fmt.Errorf("save oauth state: %w", err)
	}
	return nil
}

// TakeOAuthState consumes a state record. Single use: a replayed state fails
// with ErrNotFound.
func (s *RedisStore) TakeOAuthState(ctx context.Context, state string) (OAuthState, error) {
	data, err := s.client.GetDel(ctx, s.statePrefix+state).Result()
	if err == redis.Nil {
		return OAuthState{}, ErrNotFound
	}
	if err != nil {
		return OAuthState{}, fmt.Errorf("take oauth state: %w", err)
	}
	var record OAuthState
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return OAuthState{}, fmt.Errorf("unmarshal oauth state: %w", err)
	}
	return record, nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// NewSessionID generates a 256-bit random session identifier.
func NewSessionID() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

// NewState generates the opaque OAuth state parameter.
func NewState() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}
