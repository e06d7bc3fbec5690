package domain

import "time"

// FeedSnapshot records one successful load of a registry feed.
type FeedSnapshot struct {
	ID       uint   `gorm:"primaryKey;autoIncrement"`
	Registry string `gorm:"size:32;not null;index:idx_feed_snapshot_registry_fetched,priority:1"`
	RunID    string `gorm:"size:36;not null;uniqueIndex"`
	Source   string `gorm:"size:512;not null;default:''"`
	// Digest is the BLAKE3 sum of the raw feed bytes.
	Digest string `gorm:"size:64;not null;index"`

	Lines      int `gorm:"not null;default:0"`
	Merged     int `gorm:"not null;default:0"`
	IPv4Blocks int `gorm:"not null;default:0"`
	IPv6Blocks int `gorm:"not null;default:0"`

	Countries StringList `gorm:"type:text"`

	FetchedAt time.Time `gorm:"not null;index:idx_feed_snapshot_registry_fetched,priority:2"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}
