package bootstrap

import (
	"context"
	"errors"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"rirparser/internal/config"
	"rirparser/internal/database"
	"rirparser/internal/app/version"
	"rirparser/internal/geolite"
	jobruntime "rirparser/internal/jobs/runtime"
	"rirparser/internal/refresh"
	"rirparser/internal/support"
)

// Services holds what Setup brought up. Redis is nil when REDIS_URL is unset.
type Services struct {
	Redis   *redis.Client
	Storage bool

	stopHeartbeat context.CancelFunc
}

// Setup loads the settings and connects the optional backends. withStorage
// opens the database when the settings enable it.
func Setup(withStorage bool) (*Services, error) {
	if err := config.ReadSettings(); err != nil {
		return nil, err
	}
	config.SetBetweenTime()
	cfg := config.GetConfig()

	services := &Services{}

	if withStorage && cfg.Storage.Enabled {
		if _, err := database.SetupDB(database.WithDriver(cfg.Storage.Driver, cfg.Storage.SQLitePath)); err != nil {
			return nil, err
		}
		services.Storage = true
	}

	if support.RedisConfigured() {
		client, err := support.GetRedisClient()
		if err != nil {
			log.Warn("Redis unavailable, continuing without it", "error", err)
		} else {
			services.Redis = client
			if cfg.Redis.Publish {
				refresh.SetRedisClient(client)
			}
		}
	}

	if err := geolite.Load(cfg.GeoLite.CountryDBPath); err != nil {
		if errors.Is(err, geolite.ErrNoDatabase) {
			log.Debug("GeoLite database not loaded", "error", err)
		} else {
			log.Warn("GeoLite database could not be opened", "error", err)
		}
	}

	return services, nil
}

// StartRoutines runs the long-lived background work of the watch command.
// Everything beyond settings reloads and GeoLite updates needs redis.
func (s *Services) StartRoutines(ctx context.Context) {
	go func() {
		if err := config.WatchSettings(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Settings watcher stopped", "error", err)
		}
	}()
	go jobruntime.StartGeoLiteUpdateRoutine(ctx)

	if s.Redis == nil {
		return
	}

	s.stopHeartbeat = jobruntime.LaunchInstanceHeartbeat(ctx, s.Redis, version.BuildVersion())

	if config.GetConfig().Redis.SyncConfig {
		config.EnableRedisSynchronization(ctx, s.Redis)
	}
	geolite.EnableRedisDistribution(ctx, s.Redis)

	if s.Storage {
		go func() {
			if err := refresh.FollowUpdates(ctx, s.Redis); err != nil {
				log.Error("Stopped following remote refreshes", "error", err)
			}
		}()
	}
}

// Close releases everything Setup opened.
func (s *Services) Close() {
	if s.stopHeartbeat != nil {
		s.stopHeartbeat()
	}
	config.DisableRedisSynchronization()
	geolite.DisableRedisDistribution()
	refresh.SetRedisClient(nil)

	if err := support.CloseRedisClient(); err != nil {
		log.Warn("Error closing redis client", "error", err)
	}
	if s.Storage {
		if err := database.Close(); err != nil {
			log.Warn("Error closing database", "error", err)
		}
	}
}
