package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"

	"rirparser/internal/config"
	"rirparser/internal/geolite"
	"rirparser/internal/support"
)

const (
	geoLiteUpdateLockKey       = "rirparser:leader:geolite_update"
	geoLiteUpdateFallbackEvery = 7 * 24 * time.Hour
	// settings can change the interval at any time; it is re-read this often
	geoLiteIntervalCheckEvery  = time.Minute
)

// StartGeoLiteUpdateRoutine keeps the GeoLite country database current while
// holding the update lock. It returns when ctx is done.
func StartGeoLiteUpdateRoutine(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	err := support.RunWithLeader(ctx, geoLiteUpdateLockKey, support.DefaultLeadershipTTL, func(leaderCtx context.Context) {
		runGeoLiteUpdateLoop(leaderCtx, geoLiteUpdateInterval, geoLiteIntervalCheckEvery)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("GeoLite update routine stopped", "error", err)
	}
}

func geoLiteUpdateInterval() time.Duration {
	timer := config.GetConfig().GeoLite.UpdateTimer
	if config.CalculateMillisecondsOfPeriod(timer) == 0 {
		return geoLiteUpdateFallbackEvery
	}
	return config.CalculateBetweenTime(timer)
}

func runGeoLiteUpdateLoop(ctx context.Context, interval func() time.Duration, checkEvery time.Duration) {
	currentInterval := interval()

	ticker := time.NewTicker(currentInterval)
	defer ticker.Stop()
	check := time.NewTicker(checkEvery)
	defer check.Stop()

	triggerGeoLiteUpdate(ctx, "startup", false)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			triggerGeoLiteUpdate(ctx, "scheduled", false)
		case <-check.C:
			newInterval := interval()
			if newInterval == currentInterval {
				continue
			}
			drainTicker(ticker)
			currentInterval = newInterval
			ticker.Reset(currentInterval)
			log.Debug("GeoLite update interval changed", "interval", currentInterval)
		}
	}
}

// RunGeoLiteUpdate runs the updater on demand. When force is false the update
// only runs if auto updates are enabled.
func RunGeoLiteUpdate(ctx context.Context, reason string, force bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return triggerGeoLiteUpdate(ctx, reason, force)
}

func triggerGeoLiteUpdate(ctx context.Context, reason string, force bool) error {
	if !force && !config.GetConfig().GeoLite.AutoUpdate {
		log.Debug("GeoLite update skipped: auto update disabled", "reason", reason)
		return nil
	}

	err := geolite.UpdateDatabase(ctx)
	switch {
	case errors.Is(err, geolite.ErrNoAPIKey):
		log.Debug("GeoLite update skipped: API key missing", "reason", reason)
	case err != nil:
		log.Error("GeoLite update failed", "reason", reason, "error", err)
	default:
		log.Info("GeoLite database updated", "reason", reason)
	}
	return err
}

func drainTicker(ticker *time.Ticker) {
	for {
		select {
		case <-ticker.C:
		default:
			return
		}
	}
}
