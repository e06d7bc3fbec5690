package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	InstanceHeartbeatKeyPrefix = "rirparser:instance:"
	DefaultHeartbeatInterval   = 15 * time.Second
	DefaultHeartbeatTTL        = 30 * time.Second
)

var instanceID = generateInstanceID()

func generateInstanceID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s-%d-%d", hostname, os.Getpid(), time.Now().UnixNano())
}

// Instance is what a watch process publishes about itself.
type Instance struct {
	ID        string    `json:"id"`
	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`
}

func StartInstanceHeartbeat(ctx context.Context, client *redis.Client, keyPrefix string, version string, interval, ttl time.Duration) {
	if ctx == nil {
		ctx = context.Background()
	}
	heartbeatKey := keyPrefix + instanceID

	payload, err := json.Marshal(Instance{ID: instanceID, Version: version, StartedAt: time.Now().UTC()})
	if err != nil {
		log.Error("Failed to encode instance heartbeat", "error", err)
		return
	}

	sendHeartbeat := func() {
		if err := client.SetEx(ctx, heartbeatKey, payload, ttl).Err(); err != nil && ctx.Err() == nil {
			log.Error("Failed to update instance heartbeat", "key", heartbeatKey, "error", err)
		}
	}

	sendHeartbeat()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sendHeartbeat()
		}
	}
}

func LaunchInstanceHeartbeat(parent context.Context, client *redis.Client, version string) context.CancelFunc {
	ctx, cancel := context.WithCancel(parent)
	go StartInstanceHeartbeat(ctx, client, InstanceHeartbeatKeyPrefix, version, DefaultHeartbeatInterval, DefaultHeartbeatTTL)
	return cancel
}

// ActiveInstances lists the watch processes whose heartbeat has not expired.
func ActiveInstances(ctx context.Context, client *redis.Client) ([]Instance, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var instances []Instance
	iter := client.Scan(ctx, 0, InstanceHeartbeatKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		var inst Instance
		if err := json.Unmarshal(raw, &inst); err != nil {
			log.Debug("Ignoring malformed heartbeat", "key", iter.Val(), "error", err)
			continue
		}
		instances = append(instances, inst)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return instances, nil
}
