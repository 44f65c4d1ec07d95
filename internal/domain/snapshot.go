// Monitored-field handling for the versioned record store.
//
// Only a fixed subset of VersionedRecord fields participates in change
// detection: the status fields, the motive fields, and the key dates. The
// content hash, the field-merge used for carry-forward, and the change diff
// are all derived from that one list so they can never drift apart.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// FieldValue is one (field, value) pair of the monitored subset, with dates
// rendered in RFC 3339 and nil dates rendered as the empty string.
type FieldValue struct {
	Field string
	Value string
}

// FieldChange describes one monitored field whose value differs between two
// consecutive versions. Nil pointers encode absent values.
type FieldChange struct {
	Field    string
	OldValue *string
	NewValue *string
}

func fmtDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// MonitoredFields returns the monitored subset of the record as ordered
// (field, value) pairs. The order is fixed; it defines the hash input.
func (v VersionedRecord) MonitoredFields() []FieldValue {
	return []FieldValue{
		{"ticket_status", v.TicketStatus},
		{"order_status", v.OrderStatus},
		{"logistics_status", v.LogisticsStatus},
		{"refusal_motive", v.RefusalMotive},
		{"cancel_motive", v.CancelMotive},
		{"portability_date", fmtDate(v.PortabilityDate)},
		{"delivery_date", fmtDate(v.DeliveryDate)},
		{"logistics_date", fmtDate(v.LogisticsDate)},
	}
}

// MonitoredHash computes the content hash over the monitored-field subset.
// Two records with equal monitored fields always hash identically, so an
// upsert with an unchanged hash is the no-op path.
func (v VersionedRecord) MonitoredHash() string {
	h := sha256.New()
	for _, fv := range v.MonitoredFields() {
		h.Write([]byte(fv.Field))
		h.Write([]byte{'='})
		h.Write([]byte(fv.Value))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// MergeSnapshot combines a previous version with an incoming snapshot:
// fields the incoming snapshot leaves unset (zero value) are carried forward
// from the previous version. Version bookkeeping fields (RowID, Version,
// IsLatest, ContentHash, timestamps) are NOT merged; the repo layer assigns
// them when inserting the new row.
func MergeSnapshot(prev, in VersionedRecord) VersionedRecord {
	out := in
	if out.Origin == "" {
		out.Origin = prev.Origin
	}
	if out.TaxID == "" {
		out.TaxID = prev.TaxID
	}
	if out.AccessNumber == "" {
		out.AccessNumber = prev.AccessNumber
	}
	if out.OrderNumber == "" {
		out.OrderNumber = prev.OrderNumber
	}
	if out.TicketNumber == "" {
		out.TicketNumber = prev.TicketNumber
	}
	if out.TicketStatus == "" {
		out.TicketStatus = prev.TicketStatus
	}
	if out.OrderStatus == "" {
		out.OrderStatus = prev.OrderStatus
	}
	if out.LogisticsStatus == "" {
		out.LogisticsStatus = prev.LogisticsStatus
	}
	if out.RefusalMotive == "" {
		out.RefusalMotive = prev.RefusalMotive
	}
	if out.CancelMotive == "" {
		out.CancelMotive = prev.CancelMotive
	}
	if out.DonorOperator == "" {
		out.DonorOperator = prev.DonorOperator
	}
	if out.PortabilityDate == nil {
		out.PortabilityDate = prev.PortabilityDate
	}
	if out.DeliveryDate == nil {
		out.DeliveryDate = prev.DeliveryDate
	}
	if out.LogisticsDate == nil {
		out.LogisticsDate = prev.LogisticsDate
	}
	if out.OrderCompletionDate == nil {
		out.OrderCompletionDate = prev.OrderCompletionDate
	}
	if out.OrderPrice.IsZero() {
		out.OrderPrice = prev.OrderPrice
	}
	if out.RuleID == "" {
		out.RuleID = prev.RuleID
	}
	if out.Decision == "" {
		out.Decision = prev.Decision
	}
	if out.Action == "" {
		out.Action = prev.Action
	}
	if out.DecisionDetails == "" {
		out.DecisionDetails = prev.DecisionDetails
	}
	return out
}

// DiffMonitored lists the monitored fields whose value differs between prev
// and next, in the fixed monitored-field order. Empty values are reported as
// nil pointers so that "unset" and "set to empty" read the same way in the
// change log.
func DiffMonitored(prev, next VersionedRecord) []FieldChange {
	pf := prev.MonitoredFields()
	nf := next.MonitoredFields()
	var out []FieldChange
	for i := range pf {
		if pf[i].Value == nf[i].Value {
			continue
		}
		out = append(out, FieldChange{
			Field:    pf[i].Field,
			OldValue: strPtrOrNil(pf[i].Value),
			NewValue: strPtrOrNil(nf[i].Value),
		})
	}
	return out
}

func strPtrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
