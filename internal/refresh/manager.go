// Package refresh downloads every configured registry feed, normalizes it and
// fans the result out to storage, redis, the GeoLite cross-check and the
// in-memory lookup table.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"rirparser/internal/config"
	"rirparser/internal/database"
	"rirparser/internal/distribution"
	"rirparser/internal/domain"
	"rirparser/internal/feed"
	"rirparser/internal/geolite"
	"rirparser/internal/lookup"
	"rirparser/internal/rir"
	"rirparser/internal/support"
)

const (
	refreshLockKey         = "rirparser:leader:feed_refresh"
	defaultRefreshInterval = 24 * time.Hour
	snapshotsToKeep        = 10
	loadBatchSize          = 5000
)

var (
	refreshOnce singleflight.Group
	openFeed    = feed.Open

	state = &registryState{
		digests: make(map[string]string),
		records: make(map[string][]rir.Record),
	}

	redisClient atomic.Pointer[redis.Client]
)

// registryState remembers the last loaded snapshot of each registry so an
// unchanged feed is not reprocessed and the lookup table can be rebuilt from
// every registry after a partial refresh.
type registryState struct {
	mu      sync.RWMutex
	digests map[string]string
	records map[string][]rir.Record
}

func (s *registryState) digest(registry string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.digests[registry]
}

func (s *registryState) store(registry, digest string, records []rir.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if digest != "" {
		s.digests[registry] = digest
	}
	s.records[registry] = records
}

func (s *registryState) all() []rir.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.records))
	for name := range s.records {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []rir.Record
	for _, name := range names {
		out = append(out, s.records[name]...)
	}
	return out
}

func (s *registryState) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.digests = make(map[string]string)
	s.records = make(map[string][]rir.Record)
}

// SetRedisClient enables publishing country sets. Nil disables it.
func SetRedisClient(client *redis.Client) {
	redisClient.Store(client)
}

// RegistryOutcome describes what happened to one registry during a refresh.
type RegistryOutcome struct {
	Registry string
	RunID    string
	Digest   string
	// Unchanged is set when the feed matched the last loaded snapshot.
	Unchanged bool
	Stats     rir.Stats
	Countries int
	Verify    *geolite.VerifyResult
	Err       error
}

type Outcome struct {
	Registries []RegistryOutcome
	Loaded     int
	Unchanged  int
	Failed     int
	IPv4Blocks int
	IPv6Blocks int
	LookupSize int
}

// Initialize hydrates the lookup table and digests from storage.
func Initialize(ctx context.Context) error {
	cfg := config.GetConfig()
	if !cfg.Storage.Enabled || database.DB == nil {
		return nil
	}

	byRegistry := make(map[string][]rir.Record)
	err := database.EachRangeBatch(ctx, loadBatchSize, func(batch []domain.AddressRange) error {
		for _, r := range batch {
			byRegistry[r.Registry] = append(byRegistry[r.Registry], r.Record())
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("load stored ranges: %w", err)
	}

	for _, reg := range cfg.Registries {
		snapshot, err := database.LatestSnapshot(ctx, reg.Name)
		if err != nil {
			return fmt.Errorf("load snapshot %s: %w", reg.Name, err)
		}
		digest := ""
		if snapshot != nil {
			digest = snapshot.Digest
		}
		state.store(reg.Name, digest, byRegistry[reg.Name])
	}

	size, err := rebuildLookup()
	if err != nil {
		return err
	}
	log.Info("Lookup table loaded from storage", "blocks", size)
	return nil
}

// Refresh loads every configured registry. Concurrent calls share one run.
// With force set, feeds identical to the last snapshot are processed anyway.
func Refresh(ctx context.Context, reason string, force bool) (*Outcome, error) {
	result, err, _ := refreshOnce.Do("refresh", func() (interface{}, error) {
		return doRefresh(ctx, reason, force)
	})
	if err != nil {
		return nil, err
	}
	outcome, _ := result.(*Outcome)
	return outcome, nil
}

func doRefresh(ctx context.Context, reason string, force bool) (*Outcome, error) {
	cfg := config.GetConfig()
	registries := append([]config.Registry(nil), cfg.Registries...)
	if len(registries) == 0 {
		return nil, errors.New("refresh: no registries configured")
	}

	log.Debug("Feed refresh started", "reason", reason, "registries", len(registries), "force", force)

	results := make([]RegistryOutcome, len(registries))

	g, gctx := errgroup.WithContext(ctx)
	limit := cfg.Fetch.Concurrency
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)

	for i, reg := range registries {
		g.Go(func() error {
			results[i] = refreshRegistry(gctx, cfg, reg, force)
			// only cancellation aborts the other registries
			if errors.Is(results[i].Err, context.Canceled) {
				return results[i].Err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	outcome := &Outcome{Registries: results}
	var errs []error
	for _, r := range results {
		switch {
		case r.Err != nil:
			outcome.Failed++
			errs = append(errs, fmt.Errorf("%s: %w", r.Registry, r.Err))
		case r.Unchanged:
			outcome.Unchanged++
		default:
			outcome.Loaded++
			outcome.IPv4Blocks += r.Stats.IPv4Blocks
			outcome.IPv6Blocks += r.Stats.IPv6
		}
	}

	if outcome.Failed == len(results) {
		return outcome, errors.Join(errs...)
	}

	size, err := rebuildLookup()
	if err != nil {
		return outcome, err
	}
	outcome.LookupSize = size

	if outcome.Loaded > 0 {
		if err := config.MarkRefreshed(time.Now()); err != nil {
			log.Warn("Failed to persist refresh timestamp", "error", err)
		}
	}
	return outcome, nil
}

func refreshRegistry(ctx context.Context, cfg config.Config, reg config.Registry, force bool) RegistryOutcome {
	out := RegistryOutcome{Registry: reg.Name, RunID: uuid.NewString()}
	logger := log.With("registry", reg.Name, "run_id", out.RunID)

	body, err := openFeed(ctx, reg.URL, feed.OptionsFromConfig(cfg))
	if err != nil {
		out.Err = err
		logger.Warn("Feed fetch failed", "url", reg.URL, "error", err)
		return out
	}
	defer body.Close()

	var records []rir.Record
	stats, err := rir.Run(ctx, body, func(r rir.Record) error {
		records = append(records, r)
		return nil
	}, PipelineOptions(cfg)...)
	if err != nil {
		out.Err = err
		logger.Warn("Feed processing failed", "error", err)
		return out
	}
	out.Stats = stats
	out.Digest = body.Digest()

	if !force && out.Digest == previousDigest(ctx, cfg, reg.Name) {
		out.Unchanged = true
		logger.Info("Feed unchanged, skipping", "digest", out.Digest)
		return out
	}

	countries := make(map[string]struct{})
	for _, r := range records {
		countries[r.Country] = struct{}{}
	}
	out.Countries = len(countries)

	if cfg.Storage.Enabled && database.DB != nil {
		if err := persist(ctx, reg, out, records, domain.SortedSet(countries)); err != nil {
			out.Err = err
			logger.Error("Failed to store feed snapshot", "error", err)
			return out
		}
	}

	if client := redisClient.Load(); cfg.Redis.Publish && client != nil {
		update := distribution.Update{
			Registry:   reg.Name,
			RunID:      out.RunID,
			Digest:     out.Digest,
			Countries:  out.Countries,
			IPv4Blocks: stats.IPv4Blocks,
			IPv6Blocks: stats.IPv6,
		}
		if err := distribution.PublishCountrySets(ctx, client, update, records); err != nil {
			logger.Warn("Failed to publish country sets", "error", err)
		}
	}

	if cfg.GeoLite.Verify {
		result, err := geolite.Verify(records)
		switch {
		case errors.Is(err, geolite.ErrNoDatabase):
			logger.Debug("GeoLite cross-check skipped", "error", err)
		case err != nil:
			logger.Warn("GeoLite cross-check failed", "error", err)
		default:
			out.Verify = &result
			logger.Info("GeoLite cross-check", "checked", result.Checked, "mismatched", result.Mismatched, "unknown", result.Unknown)
		}
	}

	state.store(reg.Name, out.Digest, records)
	logger.Info("Feed loaded",
		"lines", stats.Lines,
		"ipv4_blocks", stats.IPv4Blocks,
		"ipv6_blocks", stats.IPv6,
		"countries", out.Countries,
	)
	return out
}

func previousDigest(ctx context.Context, cfg config.Config, registry string) string {
	if digest := state.digest(registry); digest != "" {
		return digest
	}
	if !cfg.Storage.Enabled || database.DB == nil {
		return ""
	}
	snapshot, err := database.LatestSnapshot(ctx, registry)
	if err != nil || snapshot == nil {
		return ""
	}
	return snapshot.Digest
}

func persist(ctx context.Context, reg config.Registry, out RegistryOutcome, records []rir.Record, countries domain.StringList) error {
	ranges := make([]domain.AddressRange, 0, len(records))
	for _, r := range records {
		ar, err := domain.NewAddressRange(reg.Name, out.RunID, r)
		if err != nil {
			return err
		}
		ranges = append(ranges, ar)
	}

	snapshot := &domain.FeedSnapshot{
		Registry:   reg.Name,
		RunID:      out.RunID,
		Source:     reg.URL,
		Digest:     out.Digest,
		Lines:      out.Stats.Lines,
		Merged:     out.Stats.Merged,
		IPv4Blocks: out.Stats.IPv4Blocks,
		IPv6Blocks: out.Stats.IPv6,
		Countries:  countries,
		FetchedAt:  time.Now().UTC(),
	}
	if err := database.ReplaceRegistryRanges(ctx, snapshot, ranges); err != nil {
		return err
	}
	if _, err := database.PruneSnapshots(ctx, reg.Name, snapshotsToKeep); err != nil {
		log.Warn("Failed to prune old snapshots", "registry", reg.Name, "error", err)
	}
	return nil
}

func rebuildLookup() (int, error) {
	table, err := lookup.Build(state.all())
	if err != nil {
		return 0, fmt.Errorf("build lookup table: %w", err)
	}
	lookup.Swap(table)
	return table.Len(), nil
}

// PipelineOptions maps the pipeline settings onto rir options.
func PipelineOptions(cfg config.Config) []rir.Option {
	opts := []rir.Option{rir.WithLogger(log.Default())}
	if cfg.Pipeline.ChunkSize > 0 {
		opts = append(opts, rir.WithChunkSize(cfg.Pipeline.ChunkSize))
	}
	if cfg.Pipeline.Buffer > 0 {
		opts = append(opts, rir.WithBuffer(cfg.Pipeline.Buffer))
	}
	if cfg.Pipeline.YieldEvery > 0 {
		opts = append(opts, rir.WithYieldEvery(cfg.Pipeline.YieldEvery))
	}
	return opts
}

// StartRefreshRoutine runs the refresh loop under the leader lock and follows
// changes to the configured interval.
func StartRefreshRoutine(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	var intervalValue atomic.Value
	initial := config.GetRefreshInterval()
	if initial <= 0 {
		initial = defaultRefreshInterval
	}
	intervalValue.Store(initial)

	updateSignal := make(chan struct{}, 1)
	updates := config.RefreshIntervalUpdates()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case newInterval := <-updates:
				if newInterval <= 0 {
					newInterval = defaultRefreshInterval
				}
				intervalValue.Store(newInterval)
				select {
				case updateSignal <- struct{}{}:
				default:
				}
			}
		}
	}()

	err := support.RunWithLeader(ctx, refreshLockKey, support.DefaultLeadershipTTL, func(leaderCtx context.Context) {
		runRefreshLoop(leaderCtx, &intervalValue, updateSignal)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Feed refresh routine stopped", "error", err)
	}
}

// RunRefresh triggers a refresh immediately, outside of the scheduled loop.
func RunRefresh(ctx context.Context, reason string, force bool) {
	triggerRefresh(ctx, reason, force)
}

func runRefreshLoop(ctx context.Context, intervalValue *atomic.Value, updateSignal <-chan struct{}) {
	current := intervalValue.Load().(time.Duration)
	if current <= 0 {
		current = defaultRefreshInterval
	}

	ticker := time.NewTicker(current)
	defer ticker.Stop()

	triggerRefresh(ctx, "startup", false)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			triggerRefresh(ctx, "scheduled", false)
		case <-updateSignal:
			newInterval := intervalValue.Load().(time.Duration)
			if newInterval <= 0 {
				newInterval = defaultRefreshInterval
			}
			if newInterval == current {
				continue
			}
			drainTicker(ticker)
			current = newInterval
			ticker.Reset(current)
		}
	}
}

func triggerRefresh(ctx context.Context, reason string, force bool) {
	outcome, err := Refresh(ctx, reason, force)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("Feed refresh canceled", "reason", reason)
		} else {
			log.Error("Feed refresh failed", "reason", reason, "error", err)
		}
		return
	}
	if outcome == nil {
		return
	}

	log.Info("Feed refresh completed",
		"reason", reason,
		"loaded", outcome.Loaded,
		"unchanged", outcome.Unchanged,
		"failed", outcome.Failed,
		"ipv4_blocks", outcome.IPv4Blocks,
		"ipv6_blocks", outcome.IPv6Blocks,
		"lookup_size", outcome.LookupSize,
	)
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
