// Package lock provides named single-flight locks so two aggregation runs
// never overlap, across processes and hosts.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/albapepper/cedh-data/internal/db"
)

// Release gives a held lock back. It is safe to call once.
type Release func(ctx context.Context) error

// Locker hands out non-blocking named locks. ok is false when someone else
// holds the name.
type Locker interface {
	TryLock(ctx context.Context, name string) (release Release, ok bool, err error)
}

// DefaultTTL bounds how long a Redis lock survives a holder that died
// without releasing it.
const DefaultTTL = 2 * time.Hour

// New returns a Redis lock when redisURL is set and a Postgres advisory lock
// otherwise.
func New(redisURL string, pool *db.Pool, logger *slog.Logger) (Locker, error) {
	if redisURL == "" {
		return NewPg(pool.Pool, logger), nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedis(redis.NewClient(opts), DefaultTTL, logger), nil
}

// --------------------------------------------------------------------------
// Redis
// --------------------------------------------------------------------------

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Redis is a SET NX PX lock with a compare-and-delete release.
type Redis struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedis(rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{rdb: rdb, ttl: ttl, logger: logger}
}

func (l *Redis) TryLock(ctx context.Context, name string) (Release, bool, error) {
	key := "cedh:lock:" + name
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		deleted, err := releaseScript.Run(ctx, l.rdb, []string{key}, token).Int64()
		if err != nil {
			return fmt.Errorf("release lock %s: %w", name, err)
		}
		if deleted == 0 {
			l.logger.Warn("Lock expired before release", "lock", name)
		}
		return nil
	}
	return release, true, nil
}

// --------------------------------------------------------------------------
// Postgres
// --------------------------------------------------------------------------

// Pg uses session-level advisory locks. The lock lives on a dedicated pooled
// connection until released.
type Pg struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPg(pool *pgxpool.Pool, logger *slog.Logger) *Pg {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pg{pool: pool, logger: logger}
}

func (l *Pg) TryLock(ctx context.Context, name string) (Release, bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", name).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		defer conn.Release()
		var unlocked bool
		if err := conn.QueryRow(ctx, "SELECT pg_advisory_unlock(hashtext($1))", name).Scan(&unlocked); err != nil {
			// A session still holding the lock must not go back to the pool.
			conn.Conn().Close(context.WithoutCancel(ctx))
			return fmt.Errorf("release lock %s: %w", name, err)
		}
		if !unlocked {
			l.logger.Warn("Advisory lock was not held at release", "lock", name)
		}
		return nil
	}
	return release, true, nil
}
