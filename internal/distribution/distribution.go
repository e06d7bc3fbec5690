// Package distribution publishes normalized country blocks to redis so other
// services can read per-country sets without parsing feeds themselves.
package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"rirparser/internal/rir"
)

const (
	keyPrefix     = "rirparser:"
	UpdateChannel = "rirparser:feeds:updates"
	opTimeout     = 30 * time.Second
	addBatchSize  = 1000
)

// Update announces a registry whose sets were replaced.
type Update struct {
	Registry   string `json:"registry"`
	RunID      string `json:"run_id"`
	Digest     string `json:"digest,omitempty"`
	Countries  int    `json:"countries"`
	IPv4Blocks int    `json:"ipv4_blocks"`
	IPv6Blocks int    `json:"ipv6_blocks"`
	UpdatedAt  string `json:"updated_at"`
}

// CountryKey names the set holding one registry's blocks for a country and family.
func CountryKey(registry, country string, kind rir.Kind) string {
	return fmt.Sprintf("%s%s:country:%s:%s", keyPrefix, strings.ToLower(registry), strings.ToUpper(country), kind)
}

// IndexKey names the set listing a registry's country keys.
func IndexKey(registry string) string {
	return keyPrefix + strings.ToLower(registry) + ":countries"
}

// GroupByCountry buckets record blocks by their country key.
func GroupByCountry(registry string, records []rir.Record) map[string][]string {
	sets := make(map[string][]string)
	for _, r := range records {
		key := CountryKey(registry, r.Country, r.Kind)
		sets[key] = append(sets[key], r.CIDR)
	}
	return sets
}

// PublishCountrySets replaces the registry's sets in one transaction and then
// notifies subscribers.
func PublishCountrySets(ctx context.Context, client *redis.Client, update Update, records []rir.Record) error {
	if client == nil {
		return errors.New("distribution: redis client is nil")
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	index := IndexKey(update.Registry)
	previous, err := client.SMembers(opCtx, index).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("distribution: read index: %w", err)
	}

	sets := GroupByCountry(update.Registry, records)
	keys := make([]string, 0, len(sets))
	for key := range sets {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	_, err = client.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		if len(previous) > 0 {
			pipe.Del(opCtx, previous...)
		}
		pipe.Del(opCtx, index)

		for _, key := range keys {
			members := sets[key]
			for start := 0; start < len(members); start += addBatchSize {
				end := min(start+addBatchSize, len(members))
				args := make([]interface{}, 0, end-start)
				for _, m := range members[start:end] {
					args = append(args, m)
				}
				pipe.SAdd(opCtx, key, args...)
			}
		}
		if len(keys) > 0 {
			args := make([]interface{}, 0, len(keys))
			for _, k := range keys {
				args = append(args, k)
			}
			pipe.SAdd(opCtx, index, args...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("distribution: replace sets: %w", err)
	}

	if update.UpdatedAt == "" {
		update.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("distribution: serialize update: %w", err)
	}
	if err := client.Publish(opCtx, UpdateChannel, payload).Err(); err != nil {
		return fmt.Errorf("distribution: publish update: %w", err)
	}

	log.Debug("Published country sets", "registry", update.Registry, "sets", len(keys), "run_id", update.RunID)
	return nil
}

// Subscribe calls fn for every update until ctx is done.
func Subscribe(ctx context.Context, client *redis.Client, fn func(Update)) error {
	if client == nil {
		return errors.New("distribution: redis client is nil")
	}

	pubsub := client.Subscribe(ctx, UpdateChannel)
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) || ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("distribution: subscription error", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		update, err := DecodeUpdate(msg.Payload)
		if err != nil {
			log.Error("distribution: invalid payload", "error", err)
			continue
		}
		fn(update)
	}
}

func DecodeUpdate(payload string) (Update, error) {
	var update Update
	if err := json.Unmarshal([]byte(payload), &update); err != nil {
		return Update{}, err
	}
	if update.Registry == "" {
		return Update{}, errors.New("distribution: update without registry")
	}
	return update, nil
}
