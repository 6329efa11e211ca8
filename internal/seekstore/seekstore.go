// Package seekstore reads the authoritative seek list the lobby falls back
// to when incremental deltas have drifted.
package seekstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/DoyleJ11/lobby-sync/internal/seek"
)

var ErrUnavailable = errors.New("seek store unavailable")

// Record is one row of the seeks table. Seq grows with every write so the
// table maximum versions a snapshot.
type Record struct {
	ID          string `gorm:"primaryKey"`
	Seq         int64  `gorm:"not null;index"`
	Variant     string `gorm:"not null"`
	Speed       int    `gorm:"not null"`
	TimeControl string `gorm:"not null"`
	Rated       bool   `gorm:"not null;default:false"`
	Rating      *int
	CreatedAt   time.Time  `gorm:"not null;index"`
	ClosedAt    *time.Time `gorm:"index"`
}

func (Record) TableName() string { return "seeks" }

func (r Record) Hook() seek.Hook {
	h := seek.Hook{
		ID:          seek.ID(r.ID),
		Action:      seek.ActionOpen,
		Variant:     r.Variant,
		Speed:       r.Speed,
		TimeControl: r.TimeControl,
		Rating:      r.Rating,
	}
	if r.Rated {
		h.Rated = 1
	}
	return h
}

type Postgres struct {
	db  *gorm.DB
	log *zap.Logger
}

func Open(dsn string, log *zap.Logger) (*Postgres, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return New(db, log), nil
}

func New(db *gorm.DB, log *zap.Logger) *Postgres {
	if log == nil {
		log = zap.NewNop()
	}
	return &Postgres{db: db, log: log.Named("seekstore")}
}

func (p *Postgres) Migrate(ctx context.Context) error {
	return p.db.WithContext(ctx).AutoMigrate(&Record{})
}

// FetchSeeks returns open seeks in creation order, versioned by the highest
// sequence in the table. Both reads share one transaction.
func (p *Postgres) FetchSeeks(ctx context.Context) (seek.Snapshot, error) {
	var (
		rows    []Record
		version int64
	)
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Record{}).Select("COALESCE(MAX(seq), 0)").Scan(&version).Error; err != nil {
			return err
		}
		return tx.Where("closed_at IS NULL").Order("seq ASC").Find(&rows).Error
	})
	if err != nil {
		return seek.Snapshot{}, fmt.Errorf("fetch seeks: %w", err)
	}

	snap := seek.Snapshot{Version: version, Hooks: make([]seek.Hook, 0, len(rows))}
	for _, r := range rows {
		snap.Hooks = append(snap.Hooks, r.Hook())
	}
	p.log.Debug("fetched seeks", zap.Int("count", len(rows)), zap.Int64("version", version))
	return snap, nil
}

// RecentCounts returns how many seeks were created in each of buckets equal
// slices of the last window, oldest first.
func (p *Postgres) RecentCounts(ctx context.Context, window time.Duration, buckets int) ([]int, error) {
	now := time.Now()
	var created []time.Time
	err := p.db.WithContext(ctx).Model(&Record{}).
		Where("created_at >= ?", now.Add(-window)).
		Pluck("created_at", &created).Error
	if err != nil {
		return nil, fmt.Errorf("recent counts: %w", err)
	}
	return bucketize(created, now, window, buckets), nil
}

func bucketize(times []time.Time, now time.Time, window time.Duration, buckets int) []int {
	if buckets <= 0 || window <= 0 {
		return nil
	}
	counts := make([]int, buckets)
	start := now.Add(-window)
	width := window / time.Duration(buckets)
	if width <= 0 {
		width = 1
	}
	for _, ts := range times {
		if ts.Before(start) || ts.After(now) {
			continue
		}
		idx := int(ts.Sub(start) / width)
		if idx >= buckets {
			idx = buckets - 1
		}
		counts[idx]++
	}
	return counts
}
