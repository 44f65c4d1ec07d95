// Record HTTP handlers.
//
// This file exposes REST endpoints for the versioned record store:
//   - GET /records                 (list latest snapshots, filtered, paginated)
//   - GET /records/{id}            (current version of one entity)
//   - GET /records/{id}/history    (all versions, oldest first)
//   - GET /records/{id}/changes    (per-field change log)
//   - GET /sync-runs               (recent batch runs)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/portatel/porttrack/internal/domain"
	"github.com/portatel/porttrack/internal/repo"
	"github.com/portatel/porttrack/internal/services"
	"github.com/portatel/porttrack/internal/utils"
)

//
// Service contracts (context-aware)
//

// RecordReader defines the read operations over the versioned store consumed
// by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type RecordReader interface {
	// Latest returns the current version of an entity.
	Latest(ctx context.Context, entityID string) (*domain.VersionedRecord, error)
	// History returns every stored version of an entity, oldest first.
	History(ctx context.Context, entityID string) ([]domain.VersionedRecord, error)
	// Changes returns the per-field change log of an entity.
	Changes(ctx context.Context, entityID string) ([]domain.ChangeLogEntry, error)
	// Find queries snapshots matching the filter.
	Find(ctx context.Context, f repo.Filter) ([]domain.VersionedRecord, error)
	// SyncRuns lists recent batch runs, newest first.
	SyncRuns(ctx context.Context, limit int) ([]domain.SyncRun, error)
	// Trim removes old history while keeping recent versions per entity.
	Trim(ctx context.Context, maxAge time.Duration, keepPerEntity int) (int64, error)
}

// BatchRunner defines the batch operation consumed by HTTP handlers.
type BatchRunner interface {
	// Run processes one batch of records sourced from sourceFile.
	Run(ctx context.Context, sourceFile string, records []domain.PortabilityRecord) (services.BatchStats, error)
}

// RuleReloader swaps the active rule set from its configured source.
type RuleReloader interface {
	// ReloadFile loads the file and atomically activates the new rule set,
	// returning the number of active rules.
	ReloadFile(path string) (int, error)
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for records, batches, rules and maintenance.
// It depends on abstract service interfaces to keep transport concerns
// separate from business logic.
type Handlers struct {
	records   RecordReader
	batches   BatchRunner
	rules     RuleReloader
	rulesPath string
}

// New constructs and returns a Handlers instance bound to the given services.
func New(records RecordReader, batches BatchRunner, rules RuleReloader, rulesPath string) *Handlers {
	return &Handlers{records: records, batches: batches, rules: rules, rulesPath: rulesPath}
}

//
// Helpers
//

// clampLimit parses and bounds the limit query param.
func clampLimit(c *gin.Context) int {
	const (
		defaultLimit = 50
		maxLimit     = 500
	)
	limit := utils.AtoiDefault(c.Query("limit"), defaultLimit)
	if limit < 1 {
		limit = 1
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit
}

// failRecordErr maps service sentinels onto HTTP statuses.
func failRecordErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrEntityIDRequired):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "entity id is required")
	case errors.Is(err, services.ErrRecordNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "record not found")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}

//
// Handlers
//

// GetRecord returns the current version of one entity.
func (h *Handlers) GetRecord(c *gin.Context) {
	rec, err := h.records.Latest(c.Request.Context(), c.Param("id"))
	if err != nil {
		failRecordErr(c, err)
		return
	}
	ok(c, http.StatusOK, rec)
}

// GetRecordHistory returns every stored version of one entity, oldest first.
func (h *Handlers) GetRecordHistory(c *gin.Context) {
	recs, err := h.records.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		failRecordErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"entity_id": c.Param("id"), "versions": recs})
}

// GetRecordChanges returns the per-field change log of one entity ordered by
// version then field. An entity with no recorded changes yields an empty list.
func (h *Handlers) GetRecordChanges(c *gin.Context) {
	changes, err := h.records.Changes(c.Request.Context(), c.Param("id"))
	if err != nil {
		failRecordErr(c, err)
		return
	}
	if changes == nil {
		changes = []domain.ChangeLogEntry{}
	}
	ok(c, http.StatusOK, gin.H{"entity_id": c.Param("id"), "changes": changes})
}

// ListRecords returns latest snapshots filtered by status and decision query
// params. include_history=true widens the result to historical versions.
func (h *Handlers) ListRecords(c *gin.Context) {
	f := repo.Filter{
		TicketStatus:    c.Query("ticket_status"),
		OrderStatus:     c.Query("order_status"),
		LogisticsStatus: c.Query("logistics_status"),
		Decision:        c.Query("decision"),
		IncludeHistory:  c.Query("include_history") == "true",
		Limit:           clampLimit(c),
	}
	recs, err := h.records.Find(c.Request.Context(), f)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	if recs == nil {
		recs = []domain.VersionedRecord{}
	}
	ok(c, http.StatusOK, gin.H{"records": recs, "count": len(recs)})
}

// ListSyncRuns returns recent batch runs, newest first.
func (h *Handlers) ListSyncRuns(c *gin.Context) {
	runs, err := h.records.SyncRuns(c.Request.Context(), clampLimit(c))
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	if runs == nil {
		runs = []domain.SyncRun{}
	}
	ok(c, http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}
