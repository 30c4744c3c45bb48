// Package cache keeps authorization decisions and revoked sessions in Redis.
package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mallpanel.org/internal/auth"
	"mallpanel.org/internal/config"
	"mallpanel.org/internal/obs"
)

const (
	defaultTTL    = 5 * time.Minute
	defaultPrefix = "mallpanel"
)

var (
	_ auth.DecisionCache  = (*Decisions)(nil)
	_ auth.RevocationList = (*Revocations)(nil)
)

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// Decisions caches gate answers in one hash per user and cache generation:
// prefix:perm:<user>:<global>.<user gen> with fields "module:action" set to
// "1" or "0". Invalidation only increments a generation counter, so a decision
// computed before an invalidation is written under a key nobody reads again.
// Redis errors degrade to a miss.
type Decisions struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	log    *zap.Logger

	// untrusted is set when an invalidation could not be written. Cached
	// answers are ignored until the global generation has been bumped.
	untrusted atomic.Bool
}

// lookupScript reads both generations and the decision in one round trip.
var lookupScript = redis.NewScript(`
local gen = (redis.call('GET', KEYS[1]) or '0') .. '.' .. (redis.call('GET', KEYS[2]) or '0')
local val = redis.call('HGET', ARGV[1] .. ':' .. gen, ARGV[2])
if not val then val = '' end
return {gen, val}
`)

func NewDecisions(rdb redis.UniversalClient, prefix string, ttl time.Duration, log *zap.Logger) *Decisions {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Decisions{rdb: rdb, prefix: prefix, ttl: ttl, log: log}
}

func (d *Decisions) globalGenKey() string { return d.prefix + ":gen" }

func (d *Decisions) userGenKey(userID string) string {
	return fmt.Sprintf("%s:gen:%s", d.prefix, userID)
}

func (d *Decisions) userKey(userID string) string {
	return fmt.Sprintf("%s:perm:%s", d.prefix, userID)
}

func (d *Decisions) Lookup(ctx context.Context, userID, module, action string) (bool, bool, string) {
	if d.untrusted.Load() {
		if err := d.rdb.Incr(ctx, d.globalGenKey()).Err(); err != nil {
			obs.ObserveCacheLookup("error")
			return false, false, ""
		}
		d.untrusted.Store(false)
		d.log.Info("decision cache trusted again after global invalidation")
	}
	res, err := lookupScript.Run(ctx, d.rdb,
		[]string{d.globalGenKey(), d.userGenKey(userID)},
		d.userKey(userID), auth.PermissionKey(module, action),
	).StringSlice()
	if err != nil || len(res) != 2 {
		obs.ObserveCacheLookup("error")
		d.log.Warn("decision cache lookup failed", zap.String("user_id", userID), zap.Error(err))
		return false, false, ""
	}
	gen, val := res[0], res[1]
	if val == "" {
		obs.ObserveCacheLookup("miss")
		return false, false, gen
	}
	obs.ObserveCacheLookup("hit")
	return val == "1", true, gen
}

func (d *Decisions) Store(ctx context.Context, userID, module, action string, allowed bool, gen string) {
	if gen == "" || d.untrusted.Load() {
		return
	}
	val := "0"
	if allowed {
		val = "1"
	}
	key := d.userKey(userID) + ":" + gen
	pipe := d.rdb.TxPipeline()
	pipe.HSet(ctx, key, auth.PermissionKey(module, action), val)
	pipe.Expire(ctx, key, d.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		d.log.Warn("decision cache store failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// ForgetUser moves the user to a new generation.
func (d *Decisions) ForgetUser(ctx context.Context, userID string) {
	if err := d.rdb.Incr(ctx, d.userGenKey(userID)).Err(); err != nil {
		d.untrusted.Store(true)
		d.log.Error("decision cache invalidation failed, ignoring cached decisions",
			zap.String("user_id", userID), zap.Error(err))
	}
}

// ForgetAll moves every user to a new generation. Old hashes expire with the ttl.
func (d *Decisions) ForgetAll(ctx context.Context) {
	if err := d.rdb.Incr(ctx, d.globalGenKey()).Err(); err != nil {
		d.untrusted.Store(true)
		d.log.Error("decision cache flush failed, ignoring cached decisions", zap.Error(err))
	}
}

// Revocations remembers logged-out session ids until their tokens expire.
type Revocations struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRevocations(rdb redis.UniversalClient, prefix string) *Revocations {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Revocations{rdb: rdb, prefix: prefix, now: time.Now}
}

func (r *Revocations) key(sessionID string) string {
	return fmt.Sprintf("%s:revoked:%s", r.prefix, sessionID)
}

func (r *Revocations) Revoke(ctx context.Context, sessionID string, until time.Time) error {
	ttl := until.Sub(r.now())
	if ttl <= 0 {
		return nil
	}
	return r.rdb.Set(ctx, r.key(sessionID), "1", ttl).Err()
}

func (r *Revocations) IsRevoked(ctx context.Context, sessionID string) (bool, error) {
	n, err := r.rdb.Exists(ctx, r.key(sessionID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
