package geolite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"rirparser/internal/config"
)

const (
	redisFileKey   = "rirparser:geolite:country"
	redisChannel   = "rirparser:geolite:updates"
	redisOpTimeout = 30 * time.Second
)

type updatePayload struct {
	Edition   string `json:"edition"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

type redisState struct {
	mu     sync.RWMutex
	client *redis.Client
	ctx    context.Context
	cancel context.CancelFunc
}

var globalRedis redisState

// EnableRedisDistribution lets one watch instance download the country
// database and every other instance pick it up from redis.
func EnableRedisDistribution(ctx context.Context, client *redis.Client) {
	if client == nil {
		log.Warn("GeoLite redis distribution disabled: redis client is nil")
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	syncCtx, cancel := context.WithCancel(ctx)

	globalRedis.mu.Lock()
	if globalRedis.client != nil {
		globalRedis.mu.Unlock()
		cancel()
		return
	}
	globalRedis.client = client
	globalRedis.ctx = syncCtx
	globalRedis.cancel = cancel
	globalRedis.mu.Unlock()

	go func() {
		if updated, err := fetchFromRedis(syncCtx, client); err != nil {
			log.Error("geolite redis sync: initial load failed", "error", err)
		} else if updated {
			log.Info("geolite redis sync: loaded database from redis")
		}
	}()

	go subscribeToUpdates(syncCtx, client)
}

// DisableRedisDistribution stops the subscription.
func DisableRedisDistribution() {
	globalRedis.mu.Lock()
	defer globalRedis.mu.Unlock()

	if globalRedis.cancel != nil {
		globalRedis.cancel()
	}
	globalRedis.client = nil
	globalRedis.ctx = nil
	globalRedis.cancel = nil
}

// PublishDatabase uploads the local country database and notifies the other
// instances. It is a no-op while distribution is disabled.
func PublishDatabase(ctx context.Context) error {
	client, baseCtx := redisClient()
	if client == nil {
		return nil
	}

	data, err := os.ReadFile(countryDBPath())
	if err != nil {
		return fmt.Errorf("geolite redis sync: read database: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	opCtx, cancel := redisTimeoutCtx(mergedContext(ctx, baseCtx))
	defer cancel()

	if err := client.Set(opCtx, redisFileKey, data, 0).Err(); err != nil {
		return fmt.Errorf("geolite redis sync: store database: %w", err)
	}

	payload, err := json.Marshal(updatePayload{Edition: CountryEdition, UpdatedAt: time.Now().UTC().Format(time.RFC3339)})
	if err != nil {
		return fmt.Errorf("geolite redis sync: serialize payload: %w", err)
	}
	return client.Publish(opCtx, redisChannel, payload).Err()
}

func subscribeToUpdates(ctx context.Context, client *redis.Client) {
	pubsub := client.Subscribe(ctx, redisChannel)
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Error("geolite redis sync: subscription error", "error", err)
			time.Sleep(time.Second)
			continue
		}

		var payload updatePayload
		if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
			log.Error("geolite redis sync: invalid payload", "error", err)
			continue
		}

		if updated, err := fetchFromRedis(ctx, client); err != nil {
			log.Error("geolite redis sync: failed to apply update", "error", err)
		} else if updated {
			log.Info("geolite redis sync: applied update", "edition", payload.Edition, "updated_at", payload.UpdatedAt)
		}
	}
}

func fetchFromRedis(ctx context.Context, client *redis.Client) (bool, error) {
	opCtx, cancel := redisTimeoutCtx(ctx)
	defer cancel()

	data, err := client.Get(opCtx, redisFileKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}

	path := countryDBPath()
	if err := writeToFile(path, bytes.NewReader(data)); err != nil {
		return false, fmt.Errorf("geolite redis sync: write database: %w", err)
	}
	if err := Load(path); err != nil {
		return false, fmt.Errorf("geolite redis sync: reload database: %w", err)
	}
	return true, nil
}

func countryDBPath() string {
	if path := config.GetConfig().GeoLite.CountryDBPath; path != "" {
		return path
	}
	return "data/geolite/" + CountryFilename
}

func redisClient() (*redis.Client, context.Context) {
	globalRedis.mu.RLock()
	defer globalRedis.mu.RUnlock()
	return globalRedis.client, globalRedis.ctx
}

func mergedContext(ctx context.Context, fallback context.Context) context.Context {
	switch {
	case ctx != nil && ctx.Err() == nil:
		return ctx
	case fallback != nil && fallback.Err() == nil:
		return fallback
	default:
		return context.Background()
	}
}

func redisTimeoutCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if deadline, hasDeadline := ctx.Deadline(); hasDeadline && time.Until(deadline) <= redisOpTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, redisOpTimeout)
}
