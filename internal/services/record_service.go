// Package services – RecordService
//
// Read-side service over the versioned record store. It validates input,
// delegates to the repo layer and translates storage errors into the
// service-level sentinels handlers know how to map.
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/portatel/porttrack/internal/domain"
	"github.com/portatel/porttrack/internal/repo"
)

// RecordService exposes read operations over record versions, change logs
// and sync-run bookkeeping, plus the retention trim.
type RecordService struct {
	DB *gorm.DB
}

// Latest returns the current version of an entity.
func (s *RecordService) Latest(ctx context.Context, entityID string) (*domain.VersionedRecord, error) {
	ctx, span := s.startSpan(ctx, "Latest", entityID)
	defer span.End()

	if strings.TrimSpace(entityID) == "" {
		return nil, ErrEntityIDRequired
	}
	rec, err := repo.GetLatest(ctx, s.DB, entityID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrRecordNotFound
	}
	return rec, err
}

// History returns every stored version of an entity, oldest first.
func (s *RecordService) History(ctx context.Context, entityID string) ([]domain.VersionedRecord, error) {
	ctx, span := s.startSpan(ctx, "History", entityID)
	defer span.End()

	if strings.TrimSpace(entityID) == "" {
		return nil, ErrEntityIDRequired
	}
	recs, err := repo.GetHistory(ctx, s.DB, entityID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrRecordNotFound
	}
	return recs, err
}

// Changes returns the per-field change log of an entity ordered by version.
// An entity with no stored changes yields an empty slice, not an error.
func (s *RecordService) Changes(ctx context.Context, entityID string) ([]domain.ChangeLogEntry, error) {
	ctx, span := s.startSpan(ctx, "Changes", entityID)
	defer span.End()

	if strings.TrimSpace(entityID) == "" {
		return nil, ErrEntityIDRequired
	}
	return repo.ListChanges(ctx, s.DB, entityID)
}

// Find queries record snapshots matching the filter.
func (s *RecordService) Find(ctx context.Context, f repo.Filter) ([]domain.VersionedRecord, error) {
	tr := otel.Tracer("services/RecordService")
	ctx, span := tr.Start(ctx, "Find")
	defer span.End()

	return repo.FindLatest(ctx, s.DB, f)
}

// SyncRuns lists recent batch runs, newest first.
func (s *RecordService) SyncRuns(ctx context.Context, limit int) ([]domain.SyncRun, error) {
	tr := otel.Tracer("services/RecordService")
	ctx, span := tr.Start(ctx, "SyncRuns")
	defer span.End()

	return repo.ListSyncRuns(ctx, s.DB, limit)
}

// Trim removes historical versions older than maxAge while keeping at least
// keepPerEntity recent versions per entity. Returns the number of deleted
// rows.
func (s *RecordService) Trim(ctx context.Context, maxAge time.Duration, keepPerEntity int) (int64, error) {
	tr := otel.Tracer("services/RecordService")
	ctx, span := tr.Start(ctx, "Trim",
		trace.WithAttributes(attribute.Int("trim.keep_per_entity", keepPerEntity)),
	)
	defer span.End()

	cutoff := time.Now().UTC().Add(-maxAge)
	return repo.TrimHistory(ctx, s.DB, cutoff, keepPerEntity)
}

func (s *RecordService) startSpan(ctx context.Context, op, entityID string) (context.Context, trace.Span) {
	tr := otel.Tracer("services/RecordService")
	return tr.Start(ctx, op,
		trace.WithAttributes(attribute.String("record.entity_id", entityID)),
	)
}
