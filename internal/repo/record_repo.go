// Package repo implements the data persistence layer for the versioned
// record store, backed by GORM. This file provides the versioned upsert and
// the read APIs over VersionedRecord and ChangeLogEntry.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations. They
// follow the "thin repository" approach: versioning mechanics live here,
// batch orchestration lives in the service layer.
//
// Error semantics:
//   - When an entity is unknown, read functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound).
//   - When a concurrent writer raced the upsert to the same next version,
//     UpsertRecord returns an error wrapping ErrVersionConflict; callers
//     retry once against the fresh latest version.
//   - Other DB errors are propagated raw.
package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/portatel/porttrack/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist. It aliases
// gorm.ErrRecordNotFound for consistency across services and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrVersionConflict signals that the unique (entity_id, version) constraint
// rejected an insert because a concurrent writer committed the same version
// first. The failed transaction is fully rolled back.
var ErrVersionConflict = errors.New("concurrent version conflict")

// UpsertResult reports what an upsert did.
type UpsertResult struct {
	// Version is the latest version after the call.
	Version int
	// Created is true when this call inserted version 1 (first sight of
	// the entity).
	Created bool
	// NewVersion is true when a row was inserted (including version 1);
	// false on the unchanged no-op path.
	NewVersion bool
}

// UpsertRecord applies one incoming snapshot to the entity's history:
//
//  1. no current version: insert version 1.
//  2. monitored fields unchanged after carry-forward merge: bump
//     last_seen_at on the existing latest row only, no new version and no
//     change-log rows. This is the common path and must not grow history.
//  3. otherwise: flip is_latest on the current row, insert the merged
//     snapshot as version+1 and append one ChangeLogEntry per differing
//     monitored field.
//
// The whole decision runs inside one transaction. Callers performing
// concurrent upserts for the same entity must serialize them (see KeyLock);
// the unique index turns any remaining race into ErrVersionConflict.
func UpsertRecord(ctx context.Context, db *gorm.DB, snap domain.VersionedRecord) (UpsertResult, error) {
	if strings.TrimSpace(snap.EntityID) == "" {
		return UpsertResult{}, errors.New("entity id is required")
	}
	now := time.Now().UTC()

	var res UpsertResult
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prev domain.VersionedRecord
		err := tx.Where("entity_id = ? AND is_latest = ?", snap.EntityID, true).First(&prev).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row := snap
			row.RowID = 0
			row.Version = 1
			row.IsLatest = true
			row.ContentHash = row.MonitoredHash()
			row.StoredAt = now
			row.LastSeenAt = now
			if cerr := tx.Create(&row).Error; cerr != nil {
				return translateConflict(cerr)
			}
			res = UpsertResult{Version: 1, Created: true, NewVersion: true}
			return nil
		}
		if err != nil {
			return err
		}

		merged := domain.MergeSnapshot(prev, snap)
		newHash := merged.MonitoredHash()
		if newHash == prev.ContentHash {
			if uerr := tx.Model(&domain.VersionedRecord{}).
				Where("row_id = ?", prev.RowID).
				Update("last_seen_at", now).Error; uerr != nil {
				return uerr
			}
			res = UpsertResult{Version: prev.Version}
			return nil
		}

		if uerr := tx.Model(&domain.VersionedRecord{}).
			Where("entity_id = ? AND version = ?", prev.EntityID, prev.Version).
			Update("is_latest", false).Error; uerr != nil {
			return uerr
		}

		row := merged
		row.RowID = 0
		row.EntityID = prev.EntityID
		row.Version = prev.Version + 1
		row.IsLatest = true
		row.ContentHash = newHash
		row.StoredAt = now
		row.LastSeenAt = now
		row.CreatedAt = time.Time{}
		row.UpdatedAt = time.Time{}
		if cerr := tx.Create(&row).Error; cerr != nil {
			return translateConflict(cerr)
		}

		for _, ch := range domain.DiffMonitored(prev, merged) {
			entry := domain.ChangeLogEntry{
				EntityID:  row.EntityID,
				Version:   row.Version,
				Field:     ch.Field,
				OldValue:  ch.OldValue,
				NewValue:  ch.NewValue,
				Origin:    row.Origin,
				ChangedAt: now,
			}
			if cerr := tx.Create(&entry).Error; cerr != nil {
				return cerr
			}
		}

		res = UpsertResult{Version: row.Version, NewVersion: true}
		return nil
	})
	return res, err
}

// translateConflict maps a unique-constraint violation on
// (entity_id, version) to ErrVersionConflict, keeping the driver error as
// context. Other errors pass through unchanged.
func translateConflict(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "duplicate key") {
		return fmt.Errorf("%w: %v", ErrVersionConflict, err)
	}
	return err
}

// GetLatest fetches the current version of an entity, or ErrNotFound.
func GetLatest(ctx context.Context, db *gorm.DB, entityID string) (*domain.VersionedRecord, error) {
	var rec domain.VersionedRecord
	err := db.WithContext(ctx).
		Where("entity_id = ? AND is_latest = ?", entityID, true).
		First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetHistory returns every stored version of an entity ordered by ascending
// version. The read has no side effects and is safe to re-run. An unknown
// entity yields ErrNotFound.
func GetHistory(ctx context.Context, db *gorm.DB, entityID string) ([]domain.VersionedRecord, error) {
	var out []domain.VersionedRecord
	err := db.WithContext(ctx).
		Where("entity_id = ?", entityID).
		Order("version asc").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return out, nil
}

// ListChanges returns the change-log entries of an entity ordered by version
// then field.
func ListChanges(ctx context.Context, db *gorm.DB, entityID string) ([]domain.ChangeLogEntry, error) {
	var out []domain.ChangeLogEntry
	err := db.WithContext(ctx).
		Where("entity_id = ?", entityID).
		Order("version asc, field asc").
		Find(&out).Error
	return out, err
}

// Filter restricts FindLatest. Zero fields are ignored. IncludeHistory
// widens the query to historical versions; by default only is_latest rows
// are considered.
type Filter struct {
	TicketStatus    string
	OrderStatus     string
	LogisticsStatus string
	Decision        string
	IncludeHistory  bool
	Limit           int
}

// FindLatest queries record snapshots matching the filter, most recently
// stored first.
func FindLatest(ctx context.Context, db *gorm.DB, f Filter) ([]domain.VersionedRecord, error) {
	q := db.WithContext(ctx).Model(&domain.VersionedRecord{})
	if !f.IncludeHistory {
		q = q.Where("is_latest = ?", true)
	}
	if f.TicketStatus != "" {
		q = q.Where("ticket_status = ?", f.TicketStatus)
	}
	if f.OrderStatus != "" {
		q = q.Where("order_status = ?", f.OrderStatus)
	}
	if f.LogisticsStatus != "" {
		q = q.Where("logistics_status = ?", f.LogisticsStatus)
	}
	if f.Decision != "" {
		q = q.Where("decision = ?", f.Decision)
	}
	q = q.Order("stored_at desc")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []domain.VersionedRecord
	err := q.Find(&out).Error
	return out, err
}

// TrimHistory deletes historical (non-latest) versions stored before the
// cutoff, always preserving at least keepPerEntity of the most recent
// versions for every entity. The is_latest row is never eligible, so the
// current state survives any parameter combination.
//
// Trimming intentionally breaks the gap-free version property for old
// entities; it is an explicit operator action, not part of normal writes.
func TrimHistory(ctx context.Context, db *gorm.DB, olderThan time.Time, keepPerEntity int) (int64, error) {
	if keepPerEntity < 1 {
		keepPerEntity = 1
	}
	res := db.WithContext(ctx).Exec(`
		DELETE FROM versioned_records
		WHERE is_latest = ?
		  AND stored_at < ?
		  AND version <= (
			SELECT MAX(v2.version) FROM versioned_records v2
			WHERE v2.entity_id = versioned_records.entity_id
		  ) - ?`,
		false, olderThan.UTC(), keepPerEntity)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
