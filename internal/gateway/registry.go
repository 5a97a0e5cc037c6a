package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// registryTTL bounds how long a stale session_id -> node_id entry can
// outlive its owning process before a crashed node's sessions are
// reclaimable by another. Refreshed on every heartbeat-driven touch.
const registryTTL = 2 * time.Minute

const registryKeyPrefix = "nexus:gateway:session:"

// Registry records which node currently holds each gateway session, so
// that other nodes in a cluster (or the federation/relay layer) can
// route a session-scoped action to the node actually holding the
// WebSocket connection. A single-process deployment leaves cache.url
// unset and never constructs a Registry; Server works identically
// either way, since Registry only supplements the in-memory Manager,
// it never replaces it as the source of truth for the node's own
// sessions.
type Registry struct {
	client *redis.Client
	nodeID string
	logger *slog.Logger
}

// NewRegistry connects to the Redis/DragonflyDB instance at url and
// returns a Registry tagging every entry it writes with nodeID.
func NewRegistry(url, nodeID string, logger *slog.Logger) (*Registry, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid cache URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to cache: %w", err)
	}

	return &Registry{client: client, nodeID: nodeID, logger: logger}, nil
}

// Attach records that sessionID now lives on this node, expiring after
// registryTTL unless refreshed by Touch.
func (r *Registry) Attach(ctx context.Context, sessionID string) {
	if err := r.client.Set(ctx, registryKeyPrefix+sessionID, r.nodeID, registryTTL).Err(); err != nil {
		r.logger.Warn("registry attach failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
	}
}

// Touch refreshes a session's TTL; called alongside heartbeat handling
// so a live session's entry never expires out from under it.
func (r *Registry) Touch(ctx context.Context, sessionID string) {
	if err := r.client.Expire(ctx, registryKeyPrefix+sessionID, registryTTL).Err(); err != nil {
		r.logger.Warn("registry touch failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
	}
}

// Detach removes a session's entry. The gateway calls it whenever a
// connection closes, resumable or not; a later Resume calls Attach again
// to restore the entry.
func (r *Registry) Detach(ctx context.Context, sessionID string) {
	if err := r.client.Del(ctx, registryKeyPrefix+sessionID).Err(); err != nil {
		r.logger.Warn("registry detach failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
	}
}

// NodeFor looks up which node currently holds sessionID. ok is false if
// the session isn't known to the registry (never attached, detached,
// or its entry expired).
func (r *Registry) NodeFor(ctx context.Context, sessionID string) (nodeID string, ok bool, err error) {
	val, err := r.client.Get(ctx, registryKeyPrefix+sessionID).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Close releases the underlying Redis connection pool.
func (r *Registry) Close() error {
	return r.client.Close()
}
