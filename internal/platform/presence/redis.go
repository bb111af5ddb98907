package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/teleconsult/realtime/pkg/realtime"
)

// RedisMirror publishes presence to Redis so processes outside the gateway
// can answer "is this identity online". Each key expires after ttl unless
// refreshed by a heartbeat, so a crashed gateway does not leave identities
// online forever.
//
// Keys: rt:presence:<identity-id> -> {"role":..., "node":..., "since":...}
// and a set per role, rt:presence:role:<role>.
type RedisMirror struct {
	client redis.UniversalClient
	nodeID string
	ttl    time.Duration
}

// NewRedisMirror creates a Redis-backed Mirror.
func NewRedisMirror(client redis.UniversalClient, nodeID string, ttl time.Duration) *RedisMirror {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &RedisMirror{client: client, nodeID: nodeID, ttl: ttl}
}

// NewRedisClient parses a redis:// URL and verifies connectivity.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

type redisPresenceValue struct {
	Role  realtime.Role `json:"role"`
	Node  string        `json:"node"`
	Since int64         `json:"since"`
}

func presenceKey(identityID string) string { return "rt:presence:" + identityID }

func roleKey(role realtime.Role) string { return "rt:presence:role:" + string(role) }

// Online implements Mirror.
func (m *RedisMirror) Online(ctx context.Context, identity realtime.Identity) error {
	val, err := json.Marshal(redisPresenceValue{
		Role:  identity.Role,
		Node:  m.nodeID,
		Since: time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}

	pipe := m.client.TxPipeline()
	pipe.Set(ctx, presenceKey(identity.ID), val, m.ttl)
	pipe.SAdd(ctx, roleKey(identity.Role), identity.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis presence online %s: %w", identity.ID, err)
	}
	return nil
}

// Offline implements Mirror.
func (m *RedisMirror) Offline(ctx context.Context, identity realtime.Identity) error {
	pipe := m.client.TxPipeline()
	pipe.Del(ctx, presenceKey(identity.ID))
	pipe.SRem(ctx, roleKey(identity.Role), identity.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis presence offline %s: %w", identity.ID, err)
	}
	return nil
}

// Touch implements Mirror by extending the key's TTL.
func (m *RedisMirror) Touch(ctx context.Context, identity realtime.Identity) error {
	ok, err := m.client.Expire(ctx, presenceKey(identity.ID), m.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis presence touch %s: %w", identity.ID, err)
	}
	if !ok {
		// Key expired between beats; re-create it.
		return m.Online(ctx, identity)
	}
	return nil
}

// Lookup reads the mirrored presence of identityID.
func (m *RedisMirror) Lookup(ctx context.Context, identityID string) (node string, online bool, err error) {
	raw, err := m.client.Get(ctx, presenceKey(identityID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis presence lookup %s: %w", identityID, err)
	}
	var v redisPresenceValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false, fmt.Errorf("decode presence %s: %w", identityID, err)
	}
	return v.Node, true, nil
}
