// Persisted models for the versioned record store. These types are mapped
// with GORM and form the durable layer of the tracker.
//
// VersionedRecord is append-only: every detected change inserts a new row
// with version+1 and flips is_latest on the previous one. "Current state" is
// always the is_latest=true row, never a separately maintained copy.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// VersionedRecord is one immutable version of a unified portability case.
//
// Invariants enforced by the repo layer:
//   - exactly one row per EntityID has IsLatest=true at any instant
//   - Version values per EntityID form a contiguous sequence starting at 1
//     (retention trimming may later remove old versions)
//
// The unique index on (entity_id, version) is the storage-level guard against
// two writers computing the same next version.
type VersionedRecord struct {
	RowID uint `json:"-" gorm:"primaryKey;autoIncrement"`

	// EntityID is the stable business key, constant across versions.
	EntityID string `json:"entity_id" gorm:"type:varchar(64);not null;uniqueIndex:ux_record_entity_version,priority:1;index:idx_record_entity_latest,priority:1"`
	Version  int    `json:"version"   gorm:"not null;uniqueIndex:ux_record_entity_version,priority:2"`
	IsLatest bool   `json:"is_latest" gorm:"not null;index:idx_record_entity_latest,priority:2"`

	// ContentHash covers the monitored-field subset only; equal hashes mean
	// no new version is created.
	ContentHash string `json:"content_hash" gorm:"type:char(64);not null"`

	// Origin names the upstream source that produced this version.
	Origin string `json:"origin" gorm:"type:varchar(32)"`

	// Identity snapshot
	TaxID        string `json:"tax_id"        gorm:"type:varchar(14);index"`
	AccessNumber string `json:"access_number" gorm:"type:varchar(20)"`
	OrderNumber  string `json:"order_number"  gorm:"type:varchar(32);index"`
	TicketNumber string `json:"ticket_number" gorm:"type:varchar(32)"`

	// Status snapshot (monitored)
	TicketStatus    string `json:"ticket_status"    gorm:"type:varchar(64);index"`
	OrderStatus     string `json:"order_status"     gorm:"type:varchar(64);index"`
	LogisticsStatus string `json:"logistics_status" gorm:"type:varchar(64);index"`

	// Motives (monitored)
	RefusalMotive string `json:"refusal_motive" gorm:"type:varchar(255)"`
	CancelMotive  string `json:"cancel_motive"  gorm:"type:varchar(255)"`

	DonorOperator string `json:"donor_operator" gorm:"type:varchar(64)"`

	// Key dates (portability, delivery and logistics dates are monitored)
	PortabilityDate     *time.Time `json:"portability_date,omitempty"`
	DeliveryDate        *time.Time `json:"delivery_date,omitempty"`
	LogisticsDate       *time.Time `json:"logistics_date,omitempty"`
	OrderCompletionDate *time.Time `json:"order_completion_date,omitempty"`

	OrderPrice decimal.Decimal `json:"order_price" gorm:"type:decimal(12,2)"`

	// Outcome of the highest-priority decision applied when this version was
	// stored. Kept for reporting; the full ordered list lives with the batch.
	RuleID          string `json:"rule_id"          gorm:"type:varchar(64)"`
	Decision        string `json:"decision"         gorm:"type:varchar(64)"`
	Action          string `json:"action"           gorm:"type:varchar(255)"`
	DecisionDetails string `json:"decision_details" gorm:"type:text"`

	// StoredAt is when this version was written; LastSeenAt is bumped when an
	// upsert arrives with identical monitored fields (the no-op path).
	StoredAt   time.Time `json:"stored_at"    gorm:"not null"`
	LastSeenAt time.Time `json:"last_seen_at" gorm:"not null"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// TableName returns the database table name for VersionedRecord.
func (VersionedRecord) TableName() string { return "versioned_records" }

// ChangeLogEntry records one changed monitored field in one version
// transition. Rows are append-only and never mutated.
type ChangeLogEntry struct {
	RowID uint `json:"-" gorm:"primaryKey;autoIncrement"`

	EntityID string `json:"entity_id" gorm:"type:varchar(64);not null;uniqueIndex:ux_change_entity_version_field,priority:1;index"`
	Version  int    `json:"version"   gorm:"not null;uniqueIndex:ux_change_entity_version_field,priority:2"`
	Field    string `json:"field"     gorm:"type:varchar(64);not null;uniqueIndex:ux_change_entity_version_field,priority:3"`

	OldValue *string `json:"old_value" gorm:"type:text"`
	NewValue *string `json:"new_value" gorm:"type:text"`

	Origin    string    `json:"origin"     gorm:"type:varchar(32)"`
	ChangedAt time.Time `json:"changed_at" gorm:"not null"`
}

// TableName returns the database table name for ChangeLogEntry.
func (ChangeLogEntry) TableName() string { return "change_log" }

// SyncRun is the bookkeeping row for one batch run: which file was processed,
// with what outcome counts. It backs batch reporting and replay decisions.
type SyncRun struct {
	ID         string `json:"id" gorm:"type:char(36);primaryKey"`
	SourceFile string `json:"source_file" gorm:"type:varchar(255)"`
	Origin     string `json:"origin"      gorm:"type:varchar(32)"`

	Processed   int `json:"processed"`
	Inserted    int `json:"inserted"`
	NewVersions int `json:"new_versions"`
	Unchanged   int `json:"unchanged"`
	Errors      int `json:"errors"`

	// Status is "running", "ok", "partial" (some per-record errors) or
	// "failed".
	Status string `json:"status" gorm:"type:varchar(16);not null"`

	StartedAt  time.Time  `json:"started_at" gorm:"not null;index"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// TableName returns the database table name for SyncRun.
func (SyncRun) TableName() string { return "sync_runs" }
