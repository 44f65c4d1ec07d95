// Package domain defines the core data types of the portability tracker:
// the in-flight PortabilityRecord produced by ingestion, and the persisted
// versioned entities mapped with GORM. Types here carry no behavior beyond
// pure data transformations so that every other layer can depend on them.
package domain

import (
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
)

// Ticket status labels as they appear in upstream exports. Rules match on
// these exact strings, so they are normalized (trimmed) at ingestion time.
const (
	TicketStatusPending      = "Portability Pending"
	TicketStatusCancelled    = "Portability Cancelled"
	TicketStatusPorted       = "Ported"
	TicketStatusConflict     = "Conflict"
	TicketStatusPartialFail  = "Partial Failure"
	TicketStatusSuspended    = "Portability Suspended"
	TicketStatusNoTicket     = "No Portability Ticket Found"
	TicketStatusProvisionErr = "Provisioning Error"
	TicketStatusProvisioning = "In Provisioning"
)

// Order status labels.
const (
	OrderStatusCompleted    = "Completed"
	OrderStatusPending      = "Pending Portability"
	OrderStatusProvisioning = "In Provisioning"
	OrderStatusProvisionErr = "Provisioning Error"
)

// PortabilityRecord is a snapshot of one portability case as produced by the
// ingestion layer. It is consumed by the decision engine and discarded; it is
// never persisted directly (the store keeps VersionedRecord rows instead).
//
// ExternalCode is the natural business key. Several records in one batch may
// share it (resubmissions); the one with the most recent InsertedAt is
// authoritative for decision purposes.
type PortabilityRecord struct {
	// Identity
	TaxID        string `json:"tax_id"`
	AccessNumber string `json:"access_number"`
	OrderNumber  string `json:"order_number"`
	ExternalCode string `json:"external_code"`
	TicketNumber string `json:"ticket_number,omitempty"`

	// Status
	TicketStatus string `json:"ticket_status,omitempty"`
	OrderStatus  string `json:"order_status,omitempty"`

	// Operator and motives
	DonorOperator      string `json:"donor_operator,omitempty"`
	RefusalMotive      string `json:"refusal_motive,omitempty"`
	CancelMotive       string `json:"cancel_motive,omitempty"`
	NotConsultedMotive string `json:"not_consulted_motive,omitempty"`

	// LastTicket marks the record the upstream export itself flagged as the
	// final ticket for the case, when that column is present.
	LastTicket *bool `json:"last_ticket,omitempty"`

	// Temporal
	RequestDate         *time.Time `json:"request_date,omitempty"`
	PortabilityDate     *time.Time `json:"portability_date,omitempty"`
	OrderCompletionDate *time.Time `json:"order_completion_date,omitempty"`
	RescheduleDate      *time.Time `json:"reschedule_date,omitempty"`

	// Commercial
	OrderPrice decimal.Decimal `json:"order_price"`

	// Enrichment slots, filled by external collaborators when available.
	LogisticsStatus string     `json:"logistics_status,omitempty"`
	DeliveryDate    *time.Time `json:"delivery_date,omitempty"`
	LogisticsDate   *time.Time `json:"logistics_date,omitempty"`

	// Ingestion metadata, used for the last-ticket tie-break.
	SourceFile string    `json:"source_file,omitempty"`
	InsertedAt time.Time `json:"inserted_at,omitempty"`
}

// EntityID returns the stable business identifier under which all versions
// of this case are grouped in the store.
func (r PortabilityRecord) EntityID() string { return r.ExternalCode }

// HasValidTaxID reports whether the tax id is structurally valid:
// exactly 11 digits, nothing else.
func (r PortabilityRecord) HasValidTaxID() bool {
	if len(r.TaxID) != 11 {
		return false
	}
	for _, c := range r.TaxID {
		if !unicode.IsDigit(c) {
			return false
		}
	}
	return true
}

// MissingRequiredFields returns the names of required identity fields that
// are absent, in a fixed order.
func (r PortabilityRecord) MissingRequiredFields() []string {
	var missing []string
	if strings.TrimSpace(r.TaxID) == "" {
		missing = append(missing, "tax_id")
	}
	if strings.TrimSpace(r.AccessNumber) == "" {
		missing = append(missing, "access_number")
	}
	if strings.TrimSpace(r.OrderNumber) == "" {
		missing = append(missing, "order_number")
	}
	if strings.TrimSpace(r.ExternalCode) == "" {
		missing = append(missing, "external_code")
	}
	return missing
}
