package support

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultLeadershipTTL   = 45 * time.Second
	leadershipRetryDelay   = time.Second
	renewalTimeout         = 5 * time.Second
	minRenewalInterval     = time.Second
	defaultRenewalFraction = 3
)

var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)
)

// LeaderElector holds a redis lock so that only one process runs a job at a time.
type LeaderElector struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	id     string
}

func NewLeaderElector(client *redis.Client, key string, ttl time.Duration) *LeaderElector {
	if ttl <= 0 {
		ttl = DefaultLeadershipTTL
	}
	host, _ := os.Hostname()
	return &LeaderElector{
		client: client,
		key:    key,
		ttl:    ttl,
		id:     fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()),
	}
}

// RunWithLeader invokes run while holding the leader lock named key. Without a
// configured redis the process is its own leader and run is called directly.
func RunWithLeader(ctx context.Context, key string, ttl time.Duration, run func(context.Context)) error {
	if run == nil {
		return errors.New("support: leader run function cannot be nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if !RedisConfigured() {
		log.Debug("leader lock: redis not configured, running unelected", "key", key)
		run(ctx)
		return ctx.Err()
	}

	client, err := GetRedisClient()
	if err != nil {
		return fmt.Errorf("support: leader lock redis client: %w", err)
	}
	return NewLeaderElector(client, key, ttl).Run(ctx, run)
}

// Run blocks until ctx is done, calling run each time leadership is acquired.
// The context passed to run is cancelled when the lock is lost.
func (e *LeaderElector) Run(ctx context.Context, run func(context.Context)) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		session, err := e.acquire(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			log.Warn("leader lock: failed to acquire", "key", e.key, "error", err)
			if !sleepCtx(ctx, leadershipRetryDelay) {
				return ctx.Err()
			}
			continue
		}

		log.Debug("leader lock: acquired", "key", e.key, "id", e.id)
		run(session.ctx)
		session.Close()
		log.Debug("leader lock: released", "key", e.key)

		if !sleepCtx(ctx, leadershipRetryDelay) {
			return ctx.Err()
		}
	}
}

type leaderSession struct {
	elector   *LeaderElector
	ctx       context.Context
	cancel    context.CancelFunc
	stopRenew chan struct{}
	closeOnce sync.Once
}

func (e *LeaderElector) acquire(ctx context.Context) (*leaderSession, error) {
	for {
		ok, err := e.client.SetNX(ctx, e.key, e.id, e.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn("leader lock: setnx failed", "key", e.key, "error", err)
			if !sleepCtx(ctx, leadershipRetryDelay) {
				return nil, ctx.Err()
			}
			continue
		}

		if ok {
			sessionCtx, cancel := context.WithCancel(ctx)
			session := &leaderSession{
				elector:   e,
				ctx:       sessionCtx,
				cancel:    cancel,
				stopRenew: make(chan struct{}),
			}
			go session.renewLoop()
			return session, nil
		}

		if !sleepCtx(ctx, leadershipRetryDelay) {
			return nil, ctx.Err()
		}
	}
}

func (ls *leaderSession) Close() {
	ls.closeOnce.Do(func() {
		close(ls.stopRenew)
		ls.cancel()
		if err := ls.elector.release(); err != nil {
			log.Warn("leader lock: release failed", "key", ls.elector.key, "error", err)
		}
	})
}

func (ls *leaderSession) renewLoop() {
	interval := ls.elector.ttl / defaultRenewalFraction
	if interval < minRenewalInterval {
		interval = minRenewalInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ls.stopRenew:
			return
		case <-ls.ctx.Done():
			return
		case <-ticker.C:
			if err := ls.elector.renew(); err != nil {
				log.Warn("leader lock: renewal failed", "key", ls.elector.key, "error", err)
				ls.cancel()
				return
			}
		}
	}
}

func (e *LeaderElector) renew() error {
	ctx, cancel := context.WithTimeout(context.Background(), renewalTimeout)
	defer cancel()

	res, err := renewScript.Run(ctx, e.client, []string{e.key}, e.id, e.ttl.Milliseconds()).Result()
	if err != nil {
		return err
	}

	if updated, ok := res.(int64); ok && updated == 0 {
		return errors.New("lock lost")
	}
	return nil
}

func (e *LeaderElector) release() error {
	ctx, cancel := context.WithTimeout(context.Background(), renewalTimeout)
	defer cancel()

	_, err := releaseScript.Run(ctx, e.client, []string{e.key}, e.id).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
