package database

import (
	"context"
	"fmt"
	"strings"

	"rirparser/internal/domain"

	"gorm.io/gorm"
)

const rangeInsertBatchSize = 500

// CountryTotal aggregates stored blocks for one country and address family.
type CountryTotal struct {
	Country   string
	Kind      string
	Blocks    int64
	Addresses int64
}

// ReplaceRegistryRanges swaps a registry's stored blocks for a new snapshot.
// The delete, the inserts and the snapshot row commit together, so readers
// never observe a partially loaded registry.
func ReplaceRegistryRanges(ctx context.Context, snapshot *domain.FeedSnapshot, ranges []domain.AddressRange) error {
	if snapshot == nil {
		return fmt.Errorf("database: snapshot is required")
	}

	db, err := dbWithContext(ctx)
	if err != nil {
		return err
	}

	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("registry = ?", snapshot.Registry).Delete(&domain.AddressRange{}).Error; err != nil {
			return fmt.Errorf("delete previous ranges: %w", err)
		}

		for i := range ranges {
			ranges[i].ID = 0
			ranges[i].Registry = snapshot.Registry
			ranges[i].RunID = snapshot.RunID
		}
		if len(ranges) > 0 {
			if err := tx.CreateInBatches(&ranges, rangeInsertBatchSize).Error; err != nil {
				return fmt.Errorf("insert ranges: %w", err)
			}
		}

		if err := tx.Create(snapshot).Error; err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}
		return nil
	})
}

// ListRanges returns stored blocks filtered by country and kind. Empty
// filters match everything. IPv4 blocks come first in address order.
func ListRanges(ctx context.Context, country, kind string) ([]domain.AddressRange, error) {
	db, err := dbWithContext(ctx)
	if err != nil {
		return nil, err
	}

	query := db.Model(&domain.AddressRange{})
	if country != "" {
		query = query.Where("country = ?", strings.ToUpper(country))
	}
	if kind != "" {
		query = query.Where("kind = ?", strings.ToLower(kind))
	}

	var ranges []domain.AddressRange
	if err := query.Order("kind ASC").Order("start_ip ASC").Order("id ASC").Find(&ranges).Error; err != nil {
		return nil, err
	}
	return ranges, nil
}

// EachRangeBatch walks every stored block in batches.
func EachRangeBatch(ctx context.Context, batchSize int, fn func([]domain.AddressRange) error) error {
	db, err := dbWithContext(ctx)
	if err != nil {
		return err
	}
	if batchSize <= 0 {
		batchSize = rangeInsertBatchSize
	}

	var batch []domain.AddressRange
	result := db.Model(&domain.AddressRange{}).FindInBatches(&batch, batchSize, func(tx *gorm.DB, _ int) error {
		if len(batch) == 0 {
			return nil
		}
		return fn(batch)
	})
	return result.Error
}

// CountryTotals returns per-country block counts ordered by country and kind.
func CountryTotals(ctx context.Context) ([]CountryTotal, error) {
	db, err := dbWithContext(ctx)
	if err != nil {
		return nil, err
	}

	var ranges []struct {
		Country   string
		Kind      string
		PrefixLen uint8
		Blocks    int64
	}
	err = db.Model(&domain.AddressRange{}).
		Select("country, kind, prefix_len, COUNT(*) AS blocks").
		Group("country, kind, prefix_len").
		Order("country ASC").Order("kind ASC").
		Scan(&ranges).Error
	if err != nil {
		return nil, err
	}

	totals := make([]CountryTotal, 0, len(ranges))
	index := make(map[string]int, len(ranges))
	for _, row := range ranges {
		key := row.Country + "|" + row.Kind
		i, ok := index[key]
		if !ok {
			totals = append(totals, CountryTotal{Country: row.Country, Kind: row.Kind})
			i = len(totals) - 1
			index[key] = i
		}
		totals[i].Blocks += row.Blocks
		if row.Kind == "ipv4" && row.PrefixLen <= 32 {
			totals[i].Addresses += row.Blocks << (32 - uint(row.PrefixLen))
		}
	}
	return totals, nil
}
