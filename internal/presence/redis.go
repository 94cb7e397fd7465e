package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix namespaces presence keys: messaging:presence:{userId}.
	KeyPrefix = "messaging:presence:"

	// DefaultMirrorTTL outlives a couple of missed heartbeats.
	DefaultMirrorTTL = 90 * time.Second
)

// Key returns the redis key for a user's presence entry.
func Key(userID string) string {
	return KeyPrefix + userID
}

// Record is the value stored under a presence key.
type Record struct {
	UserID   string    `json:"userId"`
	NodeID   string    `json:"nodeId"`
	OnlineAt time.Time `json:"onlineAt"`
}

// RedisMirror stores presence records with a TTL so stale entries from a
// crashed process expire on their own.
type RedisMirror struct {
	client redis.Cmdable
	nodeID string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisMirror creates a mirror writing through client.
func NewRedisMirror(client redis.Cmdable, nodeID string, ttl time.Duration) *RedisMirror {
	if ttl <= 0 {
		ttl = DefaultMirrorTTL
	}
	return &RedisMirror{
		client: client,
		nodeID: nodeID,
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetOnline implements Mirror.
func (m *RedisMirror) SetOnline(ctx context.Context, userID string) error {
	data, err := json.Marshal(Record{UserID: userID, NodeID: m.nodeID, OnlineAt: m.now()})
	if err != nil {
		return fmt.Errorf("failed to marshal presence record: %w", err)
	}
	return m.client.Set(ctx, Key(userID), data, m.ttl).Err()
}

// Refresh implements Mirror. A missing key is recreated.
func (m *RedisMirror) Refresh(ctx context.Context, userID string) error {
	ok, err := m.client.Expire(ctx, Key(userID), m.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return m.SetOnline(ctx, userID)
	}
	return nil
}

// SetOffline implements Mirror.
func (m *RedisMirror) SetOffline(ctx context.Context, userID string) error {
	return m.client.Del(ctx, Key(userID)).Err()
}

// Lookup returns the stored record, or nil when the user is offline.
func (m *RedisMirror) Lookup(ctx context.Context, userID string) (*Record, error) {
	data, err := m.client.Get(ctx, Key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal presence record: %w", err)
	}
	return &rec, nil
}
