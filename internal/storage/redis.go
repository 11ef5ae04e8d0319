package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/org/agentwarden/pkg/models"
	"github.com/redis/go-redis/v9"
)

const (
	redisQuotaTTL      = 48 * time.Hour
	redisAuditCap      = 10000
	redisKeyPrefix     = "warden:"
	redisAuditListKey  = redisKeyPrefix + "audit"
	redisAuditSeqKey   = redisKeyPrefix + "audit:seq"
	redisQuotaKeyStart = redisKeyPrefix + "quota:"
)

// quotaScript adds ARGV[1] to KEYS[1] unless that would pass ARGV[2].
// Returns {applied, value}.
var quotaScript = redis.NewScript(`
local n = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
if limit > 0 and cur + n > limit then
  return {0, cur}
end
cur = redis.call("INCRBY", KEYS[1], n)
redis.call("PEXPIRE", KEYS[1], ttl)
return {1, cur}
`)

// RedisBackend keeps quota counters and a capped audit list in Redis, so
// several warden processes can share one daily budget.
type RedisBackend struct {
	client redis.UniversalClient
}

// NewRedisBackend connects to addr and verifies the connection.
func NewRedisBackend(ctx context.Context, addr, password string, db int) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return &RedisBackend{client: client}, nil
}

// NewRedisBackendFromClient wraps an existing client.
func NewRedisBackendFromClient(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}

func redisQuotaKey(kind, day string) string {
	return redisQuotaKeyStart + kind + ":" + day
}

func (r *RedisBackend) IncrementQuota(ctx context.Context, kind, day string, n, limit int64) (int64, bool, error) {
	res, err := quotaScript.Run(ctx, r.client,
		[]string{redisQuotaKey(kind, day)},
		n, limit, redisQuotaTTL.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("redis quota script: %w", err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("redis quota script: unexpected reply %v", res)
	}
	return res[1], res[0] == 1, nil
}

func (r *RedisBackend) GetQuota(ctx context.Context, kind, day string) (int64, error) {
	v, err := r.client.Get(ctx, redisQuotaKey(kind, day)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

func (r *RedisBackend) WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	id, err := r.client.Incr(ctx, redisAuditSeqKey).Result()
	if err != nil {
		return fmt.Errorf("redis audit seq: %w", err)
	}
	entry.ID = id
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, redisAuditListKey, b)
	pipe.LTrim(ctx, redisAuditListKey, 0, redisAuditCap-1)
	_, err = pipe.Exec(ctx)
	return err
}

// QueryAuditLog scans the capped list, which is already newest-first.
func (r *RedisBackend) QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error) {
	raw, err := r.client.LRange(ctx, redisAuditListKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var out []*models.AuditEntry
	for _, s := range raw {
		var e models.AuditEntry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			continue
		}
		if filter.matches(&e) {
			out = append(out, &e)
		}
	}
	return filter.page(out), nil
}
