package refresh

import (
	"context"
	"errors"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"rirparser/internal/config"
	"rirparser/internal/distribution"
)

// FollowUpdates reloads the lookup table from storage whenever another
// instance announces a registry it has not loaded yet. It blocks until ctx is done.
func FollowUpdates(ctx context.Context, client *redis.Client) error {
	err := distribution.Subscribe(ctx, client, func(update distribution.Update) {
		if !shouldReload(update) {
			return
		}
		log.Info("Reloading ranges after remote refresh", "registry", update.Registry, "run_id", update.RunID)
		if err := Initialize(ctx); err != nil {
			log.Error("Failed to reload ranges", "registry", update.Registry, "error", err)
		}
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func shouldReload(update distribution.Update) bool {
	if !config.GetConfig().Storage.Enabled {
		return false
	}
	return update.Digest == "" || update.Digest != state.digest(update.Registry)
}
