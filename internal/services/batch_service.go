// Package services – BatchService
//
// This file implements the batch coordinator: it sequences one ingested
// batch through last-ticket resolution, enrichment, rule evaluation and the
// versioned upsert, and tallies the outcome per record.
//
// Per-record isolation is the governing design rule: a single malformed or
// conflicting record increments the error count and is logged with its
// entity id and failing stage, but never aborts the run.
//
// Concurrency: the enrichment/evaluation stage is read-only and runs on a
// bounded worker pool; upserts are serialized per entity id through KeyLock
// and retried once on a version conflict.
//
// Observability: public methods are OpenTelemetry-instrumented; batch
// outcomes feed the Prometheus counters in metrics.go.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/portatel/porttrack/internal/domain"
	"github.com/portatel/porttrack/internal/engine"
	"github.com/portatel/porttrack/internal/repo"
)

// defaultWorkers bounds the evaluation/enrichment pool when the service is
// constructed without an explicit size.
const defaultWorkers = 4

// BatchStats is the outcome summary of one batch run.
type BatchStats struct {
	Processed   int `json:"processed"`
	Inserted    int `json:"inserted"`
	NewVersions int `json:"new_versions"`
	Unchanged   int `json:"unchanged"`
	Errors      int `json:"errors"`
}

// BatchService drives the decision engine and the versioned record store
// across one batch of ingested records.
type BatchService struct {
	DB       *gorm.DB
	Engine   *engine.Engine
	Enricher engine.Enricher // optional; nil disables enrichment
	Locks    *repo.KeyLock
	Workers  int
	Origin   string // upstream source recorded on every version this run writes
}

// batchItem is the unit passed from the read-only stage to the write stage.
type batchItem struct {
	entityID string
	record   domain.PortabilityRecord
	results  []engine.DecisionResult
}

// Run processes one batch: groups records by external code, evaluates the
// authoritative record of each group (the rest are superseded resubmissions)
// and upserts the resulting snapshot. It returns the stats even when some
// records failed; the returned error is non-nil only for batch-level
// failures (e.g. the bookkeeping row cannot be written).
func (s *BatchService) Run(ctx context.Context, sourceFile string, records []domain.PortabilityRecord) (BatchStats, error) {
	tr := otel.Tracer("services/BatchService")
	ctx, span := tr.Start(ctx, "Run",
		trace.WithAttributes(
			attribute.String("batch.source_file", sourceFile),
			attribute.Int("batch.records", len(records)),
		),
	)
	defer span.End()

	start := time.Now()
	stats := BatchStats{Processed: len(records)}

	run, err := repo.StartSyncRun(ctx, s.DB, sourceFile, s.Origin)
	if err != nil {
		return stats, err
	}

	items := s.evaluateStage(ctx, records, &stats)
	for _, it := range items {
		s.persistItem(ctx, it, &stats)
	}

	status := repo.SyncStatusOK
	if stats.Errors > 0 {
		status = repo.SyncStatusPartial
	}
	run.Processed = stats.Processed
	run.Inserted = stats.Inserted
	run.NewVersions = stats.NewVersions
	run.Unchanged = stats.Unchanged
	run.Errors = stats.Errors
	if err := repo.FinishSyncRun(ctx, s.DB, run, status); err != nil {
		log.Error().Err(err).Str("run_id", run.ID).Msg("finish sync run")
	}
	observeBatch(status, stats, time.Since(start))

	log.Info().
		Str("run_id", run.ID).
		Str("source_file", sourceFile).
		Int("processed", stats.Processed).
		Int("inserted", stats.Inserted).
		Int("new_versions", stats.NewVersions).
		Int("unchanged", stats.Unchanged).
		Int("errors", stats.Errors).
		Msg("batch run finished")

	return stats, nil
}

// evaluateStage resolves the authoritative record per entity, enriches and
// evaluates it on a bounded worker pool. The stage is read-only, so worker
// failures only mark the affected entity; evaluation itself cannot fail
// (panics surface as SYSTEM_ERROR decisions).
func (s *BatchService) evaluateStage(ctx context.Context, records []domain.PortabilityRecord, stats *BatchStats) []batchItem {
	groups := engine.GroupByEntity(records)

	// Records without an external code cannot be keyed in the store. Each
	// one counts as its own error so the stats reflect the batch content.
	if keyless := groups[""]; len(keyless) > 0 {
		for _, rec := range keyless {
			log.Warn().
				Str("stage", "evaluate").
				Str("order_number", rec.OrderNumber).
				Msg("record without external code skipped")
		}
		stats.Errors += len(keyless)
		delete(groups, "")
	}

	entityIDs := make([]string, 0, len(groups))
	for id := range groups {
		entityIDs = append(entityIDs, id)
	}

	items := make([]batchItem, len(entityIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers())
	for i, id := range entityIDs {
		g.Go(func() error {
			group := groups[id]
			auth := engine.Authoritative(group)
			s.enrich(gctx, &auth)
			// Resubmissions lose to the authoritative record; their flagged
			// decisions are logged here and never reach the store.
			for _, res := range s.Engine.Superseded(group, auth) {
				log.Info().
					Str("stage", "evaluate").
					Str("entity_id", id).
					Str("rule_id", res.RuleID).
					Str("decision", res.Decision).
					Str("details", res.Details).
					Msg("superseded record decision")
			}
			items[i] = batchItem{
				entityID: id,
				record:   auth,
				results:  s.Engine.Evaluate(auth),
			}
			return nil
		})
	}
	// Workers never return errors; Wait only orders the writes after them.
	_ = g.Wait()

	out := items[:0]
	for _, it := range items {
		if len(it.results) > 0 && it.results[0].Decision == engine.DecisionSystemError {
			log.Error().
				Str("stage", "evaluate").
				Str("entity_id", it.entityID).
				Str("details", it.results[0].Details).
				Msg("record evaluation failed")
			stats.Errors++
		}
		out = append(out, it)
	}
	return out
}

// enrich fills the record's enrichment slots from the configured source.
// A missing enrichment is not an error; a failing source is logged and the
// record proceeds unenriched.
func (s *BatchService) enrich(ctx context.Context, rec *domain.PortabilityRecord) {
	if s.Enricher == nil {
		return
	}
	e, ok, err := s.Enricher.Lookup(ctx, engine.LookupKey{
		ExternalCode: rec.ExternalCode,
		OrderNumber:  rec.OrderNumber,
		TaxID:        rec.TaxID,
	})
	if err != nil {
		log.Warn().Err(err).
			Str("stage", "enrich").
			Str("entity_id", rec.ExternalCode).
			Msg("enrichment lookup failed, proceeding without")
		return
	}
	if ok {
		engine.ApplyEnrichment(rec, e)
	}
}

// persistItem upserts one evaluated record under its entity lock, retrying
// once on a version conflict with a fresh read of the latest version.
func (s *BatchService) persistItem(ctx context.Context, it batchItem, stats *BatchStats) {
	snap := s.buildSnapshot(it)

	unlock := s.Locks.Lock(it.entityID)
	defer unlock()

	res, err := repo.UpsertRecord(ctx, s.DB, snap)
	if errors.Is(err, repo.ErrVersionConflict) {
		res, err = repo.UpsertRecord(ctx, s.DB, snap)
		if errors.Is(err, repo.ErrVersionConflict) {
			err = ErrBatchConflict
		}
	}
	if err != nil {
		log.Error().Err(err).
			Str("stage", "upsert").
			Str("entity_id", it.entityID).
			Msg("record upsert failed")
		stats.Errors++
		return
	}

	switch {
	case res.Created:
		stats.Inserted++
	case res.NewVersion:
		stats.NewVersions++
	default:
		stats.Unchanged++
	}
}

// buildSnapshot maps the evaluated record plus its top-priority decision
// into the monitored-field snapshot the store versions.
func (s *BatchService) buildSnapshot(it batchItem) domain.VersionedRecord {
	snap := domain.VersionedRecord{
		EntityID:            it.entityID,
		Origin:              s.Origin,
		TaxID:               it.record.TaxID,
		AccessNumber:        it.record.AccessNumber,
		OrderNumber:         it.record.OrderNumber,
		TicketNumber:        it.record.TicketNumber,
		TicketStatus:        it.record.TicketStatus,
		OrderStatus:         it.record.OrderStatus,
		LogisticsStatus:     it.record.LogisticsStatus,
		RefusalMotive:       it.record.RefusalMotive,
		CancelMotive:        it.record.CancelMotive,
		DonorOperator:       it.record.DonorOperator,
		PortabilityDate:     it.record.PortabilityDate,
		DeliveryDate:        it.record.DeliveryDate,
		LogisticsDate:       it.record.LogisticsDate,
		OrderCompletionDate: it.record.OrderCompletionDate,
		OrderPrice:          it.record.OrderPrice,
	}
	if len(it.results) > 0 {
		top := it.results[0]
		snap.RuleID = top.RuleID
		snap.Decision = top.Decision
		snap.Action = top.Action
		snap.DecisionDetails = top.Details
	}
	return snap
}

func (s *BatchService) workers() int {
	if s.Workers > 0 {
		return s.Workers
	}
	return defaultWorkers
}
