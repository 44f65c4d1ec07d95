// Enrichment sources supply auxiliary logistics/analytics fields keyed by
// business identifiers. They are external collaborators: the engine and the
// batch coordinator only depend on the Enricher interface, and a missing
// enrichment is never an error.
package engine

import (
	"context"
	"time"

	"github.com/portatel/porttrack/internal/domain"
)

// Enrichment carries the auxiliary fields an external source can contribute
// to a record. Zero/nil fields mean "not provided".
type Enrichment struct {
	LogisticsStatus string
	DeliveryDate    *time.Time
	LogisticsDate   *time.Time
}

// LookupKey identifies a record for enrichment lookups. Sources may match on
// whichever identifier they index.
type LookupKey struct {
	ExternalCode string
	OrderNumber  string
	TaxID        string
}

// Enricher is a keyed lookup into an external enrichment source. The second
// return value reports whether an enrichment was found; absence is not an
// error. Implementations must be safe for concurrent use: the batch
// coordinator calls Lookup from its worker pool.
type Enricher interface {
	Lookup(ctx context.Context, key LookupKey) (Enrichment, bool, error)
}

// StaticEnricher serves enrichments from an in-memory map keyed by external
// code. Used in tests and for small pre-loaded logistics extracts.
type StaticEnricher map[string]Enrichment

// Lookup implements Enricher.
func (m StaticEnricher) Lookup(_ context.Context, key LookupKey) (Enrichment, bool, error) {
	e, ok := m[key.ExternalCode]
	return e, ok, nil
}

// ApplyEnrichment copies provided enrichment fields onto the record,
// leaving fields the source did not supply untouched.
func ApplyEnrichment(rec *domain.PortabilityRecord, e Enrichment) {
	if e.LogisticsStatus != "" {
		rec.LogisticsStatus = e.LogisticsStatus
	}
	if e.DeliveryDate != nil {
		rec.DeliveryDate = e.DeliveryDate
	}
	if e.LogisticsDate != nil {
		rec.LogisticsDate = e.LogisticsDate
	}
}
