// Package repo implements the data persistence layer for the versioned
// record store, backed by GORM. This file provides bookkeeping for batch
// runs: one SyncRun row per invocation of the batch coordinator.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/portatel/porttrack/internal/domain"
)

// SyncRun status values.
const (
	SyncStatusRunning = "running"
	SyncStatusOK      = "ok"
	SyncStatusPartial = "partial"
	SyncStatusFailed  = "failed"
)

// StartSyncRun inserts a "running" SyncRun row for the given source and
// returns it. The row id is a random UUID.
func StartSyncRun(ctx context.Context, db *gorm.DB, sourceFile, origin string) (*domain.SyncRun, error) {
	run := &domain.SyncRun{
		ID:         uuid.NewString(),
		SourceFile: sourceFile,
		Origin:     origin,
		Status:     SyncStatusRunning,
		StartedAt:  time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, err
	}
	return run, nil
}

// FinishSyncRun stores the final counts and status on a run. Status should
// be one of SyncStatusOK, SyncStatusPartial or SyncStatusFailed.
func FinishSyncRun(ctx context.Context, db *gorm.DB, run *domain.SyncRun, status string) error {
	now := time.Now().UTC()
	run.Status = status
	run.FinishedAt = &now
	return db.WithContext(ctx).Save(run).Error
}

// ListSyncRuns returns the most recent runs, newest first.
func ListSyncRuns(ctx context.Context, db *gorm.DB, limit int) ([]domain.SyncRun, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []domain.SyncRun
	err := db.WithContext(ctx).
		Order("started_at desc").
		Limit(limit).
		Find(&out).Error
	return out, err
}
