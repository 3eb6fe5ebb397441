package repositories

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"pairchat/internal/models"
)

const (
	presencePrefix = "presence:"
	presenceTTL    = 30 * 24 * time.Hour
)

// RedisPresenceRepo keeps presence in redis hashes, one per user.
type RedisPresenceRepo struct {
	rdb *redis.Client
}

// NewRedisPresenceRepo constructs a RedisPresenceRepo.
func NewRedisPresenceRepo(rdb *redis.Client) *RedisPresenceRepo {
	return &RedisPresenceRepo{rdb: rdb}
}

func presenceKey(username string) string {
	return presencePrefix + username
}

// UpdatePresence writes the online flag and last-seen time.
func (r *RedisPresenceRepo) UpdatePresence(ctx context.Context, username string, online bool, at time.Time) error {
	key := presenceKey(username)
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, key, "is_online", online, "last_seen", at.UTC().Format(time.RFC3339Nano))
	pipe.Expire(ctx, key, presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store presence: %w", err)
	}
	return nil
}

// GetPresence reads the stored presence. A user never seen is offline.
func (r *RedisPresenceRepo) GetPresence(ctx context.Context, username string) (models.Presence, error) {
	fields, err := r.rdb.HGetAll(ctx, presenceKey(username)).Result()
	if err != nil {
		return models.Presence{}, fmt.Errorf("load presence: %w", err)
	}
	return parsePresence(username, fields)
}

func parsePresence(username string, fields map[string]string) (models.Presence, error) {
	p := models.Presence{Username: username}
	if raw, ok := fields["is_online"]; ok {
		online, err := strconv.ParseBool(raw)
		if err != nil {
			return models.Presence{}, fmt.Errorf("parse is_online: %w", err)
		}
		p.IsOnline = online
	}
	if raw, ok := fields["last_seen"]; ok && raw != "" {
		seen, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return models.Presence{}, fmt.Errorf("parse last_seen: %w", err)
		}
		p.LastSeen = &seen
	}
	return p, nil
}
