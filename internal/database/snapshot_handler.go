package database

import (
	"context"
	"errors"

	"rirparser/internal/domain"

	"gorm.io/gorm"
)

// LatestSnapshot returns the most recent snapshot for a registry, or nil if
// the registry was never loaded.
func LatestSnapshot(ctx context.Context, registry string) (*domain.FeedSnapshot, error) {
	db, err := dbWithContext(ctx)
	if err != nil {
		return nil, err
	}

	var snapshot domain.FeedSnapshot
	err = db.Where("registry = ?", registry).
		Order("fetched_at DESC").Order("id DESC").
		First(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// ListSnapshots returns up to limit snapshots, newest first.
func ListSnapshots(ctx context.Context, limit int) ([]domain.FeedSnapshot, error) {
	db, err := dbWithContext(ctx)
	if err != nil {
		return nil, err
	}

	query := db.Order("fetched_at DESC").Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var snapshots []domain.FeedSnapshot
	if err := query.Find(&snapshots).Error; err != nil {
		return nil, err
	}
	return snapshots, nil
}

// PruneSnapshots keeps the newest keep snapshots per registry.
func PruneSnapshots(ctx context.Context, registry string, keep int) (int64, error) {
	db, err := dbWithContext(ctx)
	if err != nil {
		return 0, err
	}
	if keep < 1 {
		keep = 1
	}

	var ids []uint
	if err := db.Model(&domain.FeedSnapshot{}).
		Where("registry = ?", registry).
		Order("fetched_at DESC").Order("id DESC").
		Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) <= keep {
		return 0, nil
	}
	ids = ids[keep:]

	result := db.Where("id IN ?", ids).Delete(&domain.FeedSnapshot{})
	return result.RowsAffected, result.Error
}
