package database

import (
	"context"
	"fmt"
	"testing"
	"time"

	"rirparser/internal/domain"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := SetupDB(WithDialector(sqlite.Open(dsn)), WithLogger(silentLogger()))
	if err != nil {
		t.Fatalf("SetupDB returned error: %v", err)
	}

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
		DB = nil
	})
	return db
}

func sampleRanges() []domain.AddressRange {
	return []domain.AddressRange{
		{Country: "ZA", Kind: "ipv4", CIDR: "41.0.0.0/15", StartIP: 0x29000000, PrefixLen: 15},
		{Country: "EG", Kind: "ipv4", CIDR: "41.32.0.0/16", StartIP: 0x29200000, PrefixLen: 16},
		{Country: "EG", Kind: "ipv4", CIDR: "41.33.0.0/16", StartIP: 0x29210000, PrefixLen: 16},
		{Country: "ZA", Kind: "ipv6", CIDR: "2001:db8::/32", PrefixLen: 32},
	}
}

func newSnapshot(registry, runID string, fetchedAt time.Time) *domain.FeedSnapshot {
	return &domain.FeedSnapshot{
		Registry:   registry,
		RunID:      runID,
		Digest:     "digest-" + runID,
		IPv4Blocks: 3,
		IPv6Blocks: 1,
		Countries:  domain.StringList{"EG", "ZA"},
		FetchedAt:  fetchedAt,
	}
}

func TestSetupDBRequiresDialector(t *testing.T) {
	t.Cleanup(func() { DB = nil })

	if _, err := SetupDB(WithDialector(nil)); err == nil {
		t.Fatal("expected an error without a dialector")
	}
}

func TestHandlersRequireConnection(t *testing.T) {
	DB = nil
	if _, err := ListRanges(context.Background(), "", ""); err != errNotInitialised {
		t.Fatalf("ListRanges error = %v, want errNotInitialised", err)
	}
	if _, err := LatestSnapshot(context.Background(), "afrinic"); err != errNotInitialised {
		t.Fatalf("LatestSnapshot error = %v, want errNotInitialised", err)
	}
}

func TestReplaceRegistryRanges(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	if err := ReplaceRegistryRanges(ctx, newSnapshot("afrinic", "run-1", time.Now()), sampleRanges()); err != nil {
		t.Fatalf("ReplaceRegistryRanges returned error: %v", err)
	}
	other := []domain.AddressRange{{Country: "JP", Kind: "ipv4", CIDR: "1.0.16.0/24", StartIP: 0x01001000, PrefixLen: 24}}
	if err := ReplaceRegistryRanges(ctx, newSnapshot("apnic", "run-2", time.Now()), other); err != nil {
		t.Fatalf("ReplaceRegistryRanges returned error: %v", err)
	}

	replacement := []domain.AddressRange{{Country: "KE", Kind: "ipv4", CIDR: "196.201.0.0/20", StartIP: 0xC4C90000, PrefixLen: 20}}
	if err := ReplaceRegistryRanges(ctx, newSnapshot("afrinic", "run-3", time.Now()), replacement); err != nil {
		t.Fatalf("ReplaceRegistryRanges returned error: %v", err)
	}

	ranges, err := ListRanges(ctx, "", "")
	if err != nil {
		t.Fatalf("ListRanges returned error: %v", err)
	}
	if len(ranges) != 2 {
		t.Fatalf("stored %d ranges, want 2: %+v", len(ranges), ranges)
	}
	if ranges[0].CIDR != "1.0.16.0/24" || ranges[0].Registry != "apnic" {
		t.Fatalf("first range = %+v", ranges[0])
	}
	if ranges[1].CIDR != "196.201.0.0/20" || ranges[1].RunID != "run-3" || ranges[1].Registry != "afrinic" {
		t.Fatalf("second range = %+v", ranges[1])
	}
}

func TestReplaceRegistryRangesRollsBack(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	if err := ReplaceRegistryRanges(ctx, newSnapshot("afrinic", "run-1", time.Now()), sampleRanges()); err != nil {
		t.Fatalf("ReplaceRegistryRanges returned error: %v", err)
	}

	// reusing a run id violates the unique index on the snapshot insert
	if err := ReplaceRegistryRanges(ctx, newSnapshot("afrinic", "run-1", time.Now()), nil); err == nil {
		t.Fatal("expected an error for a duplicate run id")
	}

	ranges, err := ListRanges(ctx, "", "")
	if err != nil {
		t.Fatalf("ListRanges returned error: %v", err)
	}
	if len(ranges) != len(sampleRanges()) {
		t.Fatalf("failed replace left %d ranges, want %d", len(ranges), len(sampleRanges()))
	}
}

func TestListRangesFilters(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	if err := ReplaceRegistryRanges(ctx, newSnapshot("afrinic", "run-1", time.Now()), sampleRanges()); err != nil {
		t.Fatalf("ReplaceRegistryRanges returned error: %v", err)
	}

	eg, err := ListRanges(ctx, "eg", "")
	if err != nil {
		t.Fatalf("ListRanges returned error: %v", err)
	}
	if len(eg) != 2 || eg[0].CIDR != "41.32.0.0/16" || eg[1].CIDR != "41.33.0.0/16" {
		t.Fatalf("EG ranges = %+v", eg)
	}

	v6, err := ListRanges(ctx, "", "IPv6")
	if err != nil {
		t.Fatalf("ListRanges returned error: %v", err)
	}
	if len(v6) != 1 || v6[0].CIDR != "2001:db8::/32" {
		t.Fatalf("IPv6 ranges = %+v", v6)
	}
}

func TestEachRangeBatch(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	if err := ReplaceRegistryRanges(ctx, newSnapshot("afrinic", "run-1", time.Now()), sampleRanges()); err != nil {
		t.Fatalf("ReplaceRegistryRanges returned error: %v", err)
	}

	batches, total := 0, 0
	err := EachRangeBatch(ctx, 3, func(batch []domain.AddressRange) error {
		batches++
		total += len(batch)
		return nil
	})
	if err != nil {
		t.Fatalf("EachRangeBatch returned error: %v", err)
	}
	if batches != 2 || total != 4 {
		t.Fatalf("EachRangeBatch visited %d rows in %d batches", total, batches)
	}
}

func TestCountryTotals(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	if err := ReplaceRegistryRanges(ctx, newSnapshot("afrinic", "run-1", time.Now()), sampleRanges()); err != nil {
		t.Fatalf("ReplaceRegistryRanges returned error: %v", err)
	}

	totals, err := CountryTotals(ctx)
	if err != nil {
		t.Fatalf("CountryTotals returned error: %v", err)
	}

	want := []CountryTotal{
		{Country: "EG", Kind: "ipv4", Blocks: 2, Addresses: 131072},
		{Country: "ZA", Kind: "ipv4", Blocks: 1, Addresses: 131072},
		{Country: "ZA", Kind: "ipv6", Blocks: 1},
	}
	if len(totals) != len(want) {
		t.Fatalf("CountryTotals = %+v, want %+v", totals, want)
	}
	for i := range want {
		if totals[i] != want[i] {
			t.Fatalf("CountryTotals[%d] = %+v, want %+v", i, totals[i], want[i])
		}
	}
}

func TestLatestSnapshot(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	snapshot, err := LatestSnapshot(ctx, "afrinic")
	if err != nil || snapshot != nil {
		t.Fatalf("LatestSnapshot on empty db = %+v, %v", snapshot, err)
	}

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, runID := range []string{"run-1", "run-2", "run-3"} {
		if err := ReplaceRegistryRanges(ctx, newSnapshot("afrinic", runID, base.Add(time.Duration(i)*time.Hour)), nil); err != nil {
			t.Fatalf("ReplaceRegistryRanges returned error: %v", err)
		}
	}

	snapshot, err = LatestSnapshot(ctx, "afrinic")
	if err != nil {
		t.Fatalf("LatestSnapshot returned error: %v", err)
	}
	if snapshot == nil || snapshot.RunID != "run-3" || snapshot.Digest != "digest-run-3" {
		t.Fatalf("LatestSnapshot = %+v", snapshot)
	}
	if len(snapshot.Countries) != 2 {
		t.Fatalf("Countries = %v", snapshot.Countries)
	}

	pruned, err := PruneSnapshots(ctx, "afrinic", 1)
	if err != nil {
		t.Fatalf("PruneSnapshots returned error: %v", err)
	}
	if pruned != 2 {
		t.Fatalf("PruneSnapshots removed %d, want 2", pruned)
	}

	all, err := ListSnapshots(ctx, 0)
	if err != nil {
		t.Fatalf("ListSnapshots returned error: %v", err)
	}
	if len(all) != 1 || all[0].RunID != "run-3" {
		t.Fatalf("ListSnapshots = %+v", all)
	}
}
