// Batch and maintenance HTTP handlers.
//
// This file exposes the write-side endpoints:
//   - POST /batches           (run one batch from an export file or inline records)
//   - POST /rules/reload      (atomically activate the rule file)
//   - POST /maintenance/trim  (retention trim of historical versions)
package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/portatel/porttrack/internal/domain"
	"github.com/portatel/porttrack/internal/ingest"
)

// RunBatchRequest is the JSON payload for running a batch. Exactly one of
// SourceFile or Records must be provided.
type RunBatchRequest struct {
	// SourceFile is a server-side path to a semicolon-delimited export file.
	SourceFile string `json:"source_file"`
	// Records is an inline batch, bypassing file ingestion.
	Records []domain.PortabilityRecord `json:"records"`
}

// TrimRequest is the JSON payload for the retention trim. Zero values fall
// back to the configured retention defaults.
type TrimRequest struct {
	// MaxAge is a Go duration string, e.g. "2160h".
	MaxAge string `json:"max_age"`
	// KeepVersions is the minimum number of recent versions kept per entity.
	KeepVersions int `json:"keep_versions"`
}

// RunBatch ingests and processes one batch. Row-level ingestion errors and
// per-record processing errors are reported in the response, not as a request
// failure; only an empty batch or an unreadable file is a 4xx.
func (h *Handlers) RunBatch(c *gin.Context) {
	var req RunBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	records := req.Records
	source := strings.TrimSpace(req.SourceFile)
	var rowErrors []string

	switch {
	case source != "" && len(records) > 0:
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "provide source_file or records, not both")
		return
	case source != "":
		res, err := ingest.ParseFile(source)
		if err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
			return
		}
		records = res.Records
		for _, re := range res.Errors {
			rowErrors = append(rowErrors, re.Error())
		}
	case len(records) == 0:
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "empty batch")
		return
	default:
		source = "inline"
		now := time.Now().UTC()
		for i := range records {
			if records[i].InsertedAt.IsZero() {
				records[i].InsertedAt = now
			}
		}
	}

	stats, err := h.batches.Run(c.Request.Context(), source, records)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeBatchFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, gin.H{
		"source_file": source,
		"stats":       stats,
		"row_errors":  rowErrors,
	})
}

// ReloadRules loads the configured rule file and atomically activates it.
// On a malformed file the previous rule set stays active and the validation
// error is returned.
func (h *Handlers) ReloadRules(c *gin.Context) {
	n, err := h.rules.ReloadFile(h.rulesPath)
	if err != nil {
		fail(c, http.StatusUnprocessableEntity, ErrCodeRulesInvalid, err.Error())
		return
	}
	ok(c, http.StatusOK, gin.H{"active_rules": n})
}

// TrimHistory deletes historical versions past the retention window. The
// current version of every entity is always preserved.
func (h *Handlers) TrimHistory(defaultMaxAge time.Duration, defaultKeep int) gin.HandlerFunc {
	return func(c *gin.Context) {
		req := TrimRequest{KeepVersions: defaultKeep}
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
				return
			}
		}

		maxAge := defaultMaxAge
		if req.MaxAge != "" {
			d, err := time.ParseDuration(req.MaxAge)
			if err != nil || d <= 0 {
				fail(c, http.StatusBadRequest, ErrCodeBadRequest, "max_age must be a positive duration")
				return
			}
			maxAge = d
		}
		keep := req.KeepVersions
		if keep < 1 {
			keep = defaultKeep
		}

		deleted, err := h.records.Trim(c.Request.Context(), maxAge, keep)
		if err != nil {
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
			return
		}
		ok(c, http.StatusOK, gin.H{"deleted": deleted})
	}
}
