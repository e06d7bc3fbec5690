package config

import (
	"sync"
	"sync/atomic"
	"time"
)

const defaultRefreshInterval = 24 * time.Hour

var (
	refreshInterval  atomic.Value
	refreshListeners []chan time.Duration
	listenersMu      sync.Mutex
)

func init() {
	refreshInterval.Store(defaultRefreshInterval)
}

func SetBetweenTime() {
	setRefreshInterval(calculateRefreshInterval(GetConfig()))
}

// CalculateBetweenTime converts a timer into a duration of at least one second.
func CalculateBetweenTime(timer Timer) time.Duration {
	intervalMs := CalculateMillisecondsOfPeriod(timer)

	minInterval := uint64(1000)
	if intervalMs < minInterval {
		intervalMs = minInterval
	}

	return time.Duration(intervalMs) * time.Millisecond
}

func CalculateMillisecondsOfPeriod(timer Timer) uint64 {
	return uint64(timer.Days)*24*60*60*1000 +
		uint64(timer.Hours)*60*60*1000 +
		uint64(timer.Minutes)*60*1000 +
		uint64(timer.Seconds)*1000
}

func calculateRefreshInterval(cfg Config) time.Duration {
	timer := cfg.RefreshTimer
	if timer.Days == 0 && timer.Hours == 0 && timer.Minutes == 0 && timer.Seconds == 0 {
		return defaultRefreshInterval
	}
	return CalculateBetweenTime(timer)
}

func GetRefreshInterval() time.Duration {
	return refreshInterval.Load().(time.Duration)
}

// RefreshIntervalUpdates returns a channel that receives the current interval
// immediately and every later change.
func RefreshIntervalUpdates() <-chan time.Duration {
	ch := make(chan time.Duration, 1)
	listenersMu.Lock()
	refreshListeners = append(refreshListeners, ch)
	listenersMu.Unlock()

	ch <- GetRefreshInterval()
	return ch
}

func setRefreshInterval(interval time.Duration) {
	if interval <= 0 {
		interval = defaultRefreshInterval
	}

	if GetRefreshInterval() == interval {
		return
	}

	refreshInterval.Store(interval)

	listenersMu.Lock()
	defer listenersMu.Unlock()
	for _, ch := range refreshListeners {
		select {
		case ch <- interval:
		default:
		}
	}
}
