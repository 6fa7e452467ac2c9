package lockout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultPrefix namespaces lockout keys.
const DefaultPrefix = "etbguard:lockout:"

// Redis shares lockouts between service instances. Keys expire with the lock.
type Redis struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedis creates a Redis-backed manager.
func NewRedis(client *redis.Client, prefix string, logger *zap.Logger) *Redis {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Redis{client: client, prefix: prefix, logger: logger}
}

func (r *Redis) key(kind Kind, target string) string {
	return fmt.Sprintf("%s%s:%s", r.prefix, kind, target)
}

func (r *Redis) set(ctx context.Context, kind Kind, target, reason string, d time.Duration) error {
	if target == "" || d <= 0 {
		return ErrInvalidTarget
	}
	key := r.key(kind, target)

	// Never shorten an existing lock.
	if ttl, err := r.client.TTL(ctx, key).Result(); err == nil && ttl > d {
		d = ttl
	}

	now := time.Now().UTC()
	payload, err := json.Marshal(Lock{Kind: kind, Target: target, Reason: reason, CreatedAt: now, ExpiresAt: now.Add(d)})
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, key, payload, d).Err(); err != nil {
		return fmt.Errorf("set lockout: %w", err)
	}
	return nil
}

func (r *Redis) remove(ctx context.Context, kind Kind, target string) (bool, error) {
	n, err := r.client.Del(ctx, r.key(kind, target)).Result()
	if err != nil {
		return false, fmt.Errorf("delete lockout: %w", err)
	}
	return n > 0, nil
}

func (r *Redis) active(ctx context.Context, kind Kind, target string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(kind, target)).Result()
	if err != nil {
		return false, fmt.Errorf("check lockout: %w", err)
	}
	return n > 0, nil
}

// BlockIP implements Manager.
func (r *Redis) BlockIP(ctx context.Context, ip, reason string, d time.Duration) error {
	return r.set(ctx, KindIP, ip, reason, d)
}

// UnblockIP implements Manager.
func (r *Redis) UnblockIP(ctx context.Context, ip string) (bool, error) {
	return r.remove(ctx, KindIP, ip)
}

// IsIPBlocked implements Manager.
func (r *Redis) IsIPBlocked(ctx context.Context, ip string) (bool, error) {
	return r.active(ctx, KindIP, ip)
}

// LockAccount implements Manager.
func (r *Redis) LockAccount(ctx context.Context, username, reason string, d time.Duration) error {
	return r.set(ctx, KindAccount, normalizeAccount(username), reason, d)
}

// UnlockAccount implements Manager.
func (r *Redis) UnlockAccount(ctx context.Context, username string) (bool, error) {
	return r.remove(ctx, KindAccount, normalizeAccount(username))
}

// IsAccountLocked implements Manager.
func (r *Redis) IsAccountLocked(ctx context.Context, username string) (bool, error) {
	return r.active(ctx, KindAccount, normalizeAccount(username))
}

// List implements Manager using SCAN, so it is safe on large keyspaces.
func (r *Redis) List(ctx context.Context) ([]Lock, error) {
	out := make([]Lock, 0)
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+"*", 200).Result()
		if err != nil {
			return nil, fmt.Errorf("scan lockouts: %w", err)
		}
		for _, key := range keys {
			raw, err := r.client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("get lockout: %w", err)
			}
			var l Lock
			if err := json.Unmarshal(raw, &l); err != nil {
				r.logger.Warn("Skipping malformed lockout entry", zap.String("key", key), zap.Error(err))
				continue
			}
			out = append(out, l)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sortLocks(out)
	return out, nil
}
