// Package engine converts portability records into ordered decision lists by
// evaluating them against the active rule index.
//
// The engine is a pure library: no logging, no persistence, no tracing.
// Callers (the batch coordinator, the CLI) decide how to act on the returned
// decisions and how to observe the evaluation. All methods are safe for
// concurrent use; evaluation reads one immutable index snapshot per call.
package engine

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/portatel/porttrack/internal/domain"
	"github.com/portatel/porttrack/internal/rules"
)

// Decisions produced by the engine itself, outside the rule table.
const (
	// DecisionReject is the validation-band outcome for structurally
	// invalid records.
	DecisionReject = "REJECT"
	// DecisionWarn flags suspicious but processable records (e.g. date
	// inconsistencies).
	DecisionWarn = "WARN"
	// DecisionNoRuleMatch is emitted when no table rule matches, so
	// operators can extend the rule table.
	DecisionNoRuleMatch = "NO_RULE_MATCH"
	// DecisionSystemError captures an unexpected evaluation failure; it
	// never aborts a batch.
	DecisionSystemError = "SYSTEM_ERROR"
)

// Priority bands. Validation decisions always outrank table rules; the
// no-match marker always sorts last.
const (
	priorityValidation = 1
	priorityNoMatch    = 99
)

// supersededPrefix marks results of records that lost the last-ticket
// resolution within a batch.
const supersededPrefix = "[superseded by order %s] "

// DecisionResult is the outcome of applying one matched rule (or one
// built-in validation) to one record.
type DecisionResult struct {
	RuleID   string `json:"rule_id"`
	RuleName string `json:"rule_name"`
	Decision string `json:"decision"`
	Action   string `json:"action"`
	Details  string `json:"details"`
	Priority int    `json:"priority"`
}

// Engine evaluates records against the currently active rule index.
type Engine struct {
	Rules *rules.Table
}

// New returns an Engine bound to the given rule table.
func New(t *rules.Table) *Engine { return &Engine{Rules: t} }

// Evaluate returns the full ordered decision list for one record: built-in
// validation decisions first (highest priority band), then every matching
// table rule by ascending priority and declaration order. A record that
// fails validation still proceeds through the table rules; validation
// failure is a decision, not an error.
//
// Any panic during evaluation is captured as a single SYSTEM_ERROR decision.
func (e *Engine) Evaluate(rec domain.PortabilityRecord) (results []DecisionResult) {
	defer func() {
		if r := recover(); r != nil {
			results = []DecisionResult{{
				RuleID:   "system",
				RuleName: "evaluation failure",
				Decision: DecisionSystemError,
				Action:   "Investigate and reprocess the record",
				Details:  fmt.Sprintf("evaluation panicked: %v", r),
				Priority: 0,
			}}
		}
	}()

	results = validate(rec)

	idx := e.Rules.Current()
	matched := idx.Match(rules.KeyFor(rec))
	for _, r := range matched {
		results = append(results, DecisionResult{
			RuleID:   r.ID,
			RuleName: r.Name,
			Decision: r.Decision,
			Action:   r.Action,
			Details:  renderDetails(r.DetailsTemplate, rec),
			Priority: r.PriorityValue(),
		})
	}
	if len(matched) == 0 {
		results = append(results, DecisionResult{
			RuleID:   "no-match",
			RuleName: "unmapped record",
			Decision: DecisionNoRuleMatch,
			Action:   "Review and extend the rule table",
			Details:  fmt.Sprintf("no rule matches ticket status %q / order status %q", rec.TicketStatus, rec.OrderStatus),
			Priority: priorityNoMatch,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Priority < results[j].Priority
	})
	return results
}

// EvaluateBatch groups records by external code, designates the
// authoritative record per group (latest insertion timestamp, ties broken by
// lexically greatest order number) and evaluates every record. Results are
// keyed by entity id; the authoritative record's decisions come first, the
// superseded records' decisions follow with their details flagged.
func (e *Engine) EvaluateBatch(recs []domain.PortabilityRecord) map[string][]DecisionResult {
	out := make(map[string][]DecisionResult)
	for entityID, group := range GroupByEntity(recs) {
		auth := Authoritative(group)
		out[entityID] = append(e.Evaluate(auth), e.Superseded(group, auth)...)
	}
	return out
}

// Superseded evaluates every record of a group except the authoritative one,
// flagging each result's details with the order number that superseded it.
// Groups without resubmissions yield nil.
func (e *Engine) Superseded(group []domain.PortabilityRecord, auth domain.PortabilityRecord) []DecisionResult {
	var out []DecisionResult
	for _, rec := range group {
		if sameRecord(rec, auth) {
			continue
		}
		for _, res := range e.Evaluate(rec) {
			res.Details = fmt.Sprintf(supersededPrefix, auth.OrderNumber) + res.Details
			out = append(out, res)
		}
	}
	return out
}

// GroupByEntity buckets records by external code, preserving input order
// within each bucket. Records without an external code land in the ""
// bucket; validation will reject them individually.
func GroupByEntity(recs []domain.PortabilityRecord) map[string][]domain.PortabilityRecord {
	groups := make(map[string][]domain.PortabilityRecord)
	for _, r := range recs {
		groups[r.ExternalCode] = append(groups[r.ExternalCode], r)
	}
	return groups
}

// Authoritative selects the record that is current for decision purposes
// among resubmissions sharing an external code: the one with the latest
// insertion timestamp. When timestamps are exactly equal the lexically
// greatest order number wins; this tie-break is an explicit policy fallback,
// not inferred business intent.
func Authoritative(group []domain.PortabilityRecord) domain.PortabilityRecord {
	best := group[0]
	for _, r := range group[1:] {
		switch {
		case r.InsertedAt.After(best.InsertedAt):
			best = r
		case r.InsertedAt.Equal(best.InsertedAt) && r.OrderNumber > best.OrderNumber:
			best = r
		}
	}
	return best
}

func sameRecord(a, b domain.PortabilityRecord) bool {
	return a.OrderNumber == b.OrderNumber && a.InsertedAt.Equal(b.InsertedAt) &&
		a.TicketNumber == b.TicketNumber
}

// validate runs the built-in validation band: malformed tax id, short access
// number, missing required fields and inconsistent dates. These mirror the
// table rules in shape so downstream consumers need no special casing.
func validate(rec domain.PortabilityRecord) []DecisionResult {
	var out []DecisionResult

	if missing := rec.MissingRequiredFields(); len(missing) > 0 {
		out = append(out, DecisionResult{
			RuleID:   "validate-required-fields",
			RuleName: "required fields",
			Decision: DecisionReject,
			Action:   "Mark record as invalid",
			Details:  "missing required fields: " + strings.Join(missing, ", "),
			Priority: priorityValidation,
		})
	}

	if rec.TaxID != "" && !rec.HasValidTaxID() {
		out = append(out, DecisionResult{
			RuleID:   "validate-tax-id",
			RuleName: "tax id format",
			Decision: DecisionReject,
			Action:   "Correct the customer tax id",
			Details:  fmt.Sprintf("tax id %q must be exactly 11 digits", rec.TaxID),
			Priority: priorityValidation,
		})
	}

	if rec.AccessNumber != "" && len(rec.AccessNumber) < 11 {
		out = append(out, DecisionResult{
			RuleID:   "validate-access-number",
			RuleName: "access number length",
			Decision: DecisionReject,
			Action:   "Mark access number as invalid",
			Details:  fmt.Sprintf("access number must have at least 11 characters, got %d", len(rec.AccessNumber)),
			Priority: priorityValidation,
		})
	}

	if issues := dateIssues(rec); len(issues) > 0 {
		out = append(out, DecisionResult{
			RuleID:   "validate-dates",
			RuleName: "date consistency",
			Decision: DecisionWarn,
			Action:   "Review date inconsistencies",
			Details:  strings.Join(issues, "; "),
			Priority: priorityValidation,
		})
	}

	return out
}

func dateIssues(rec domain.PortabilityRecord) []string {
	var issues []string
	after := func(a, b *time.Time) bool {
		return a != nil && b != nil && a.After(*b)
	}
	if after(rec.RequestDate, rec.PortabilityDate) {
		issues = append(issues, "request date is after the portability date")
	}
	if after(rec.PortabilityDate, rec.OrderCompletionDate) {
		issues = append(issues, "portability date is after the order completion date")
	}
	return issues
}

// placeholderRE matches {field_name} references in details templates.
var placeholderRE = regexp.MustCompile(`\{([a-z_]+)\}`)

// renderDetails substitutes record fields into a details template. Unknown
// placeholders are left verbatim so template typos stay visible.
func renderDetails(tmpl string, rec domain.PortabilityRecord) string {
	if tmpl == "" {
		return ""
	}
	return placeholderRE.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := fieldValue(rec, name); ok {
			return v
		}
		return m
	})
}

func fieldValue(rec domain.PortabilityRecord, name string) (string, bool) {
	date := func(t *time.Time) string {
		if t == nil {
			return ""
		}
		return t.Format("2006-01-02")
	}
	switch name {
	case "tax_id":
		return rec.TaxID, true
	case "access_number":
		return rec.AccessNumber, true
	case "order_number":
		return rec.OrderNumber, true
	case "external_code":
		return rec.ExternalCode, true
	case "ticket_number":
		return rec.TicketNumber, true
	case "ticket_status":
		return rec.TicketStatus, true
	case "order_status":
		return rec.OrderStatus, true
	case "donor_operator":
		return rec.DonorOperator, true
	case "refusal_motive":
		return rec.RefusalMotive, true
	case "cancel_motive":
		return rec.CancelMotive, true
	case "not_consulted_motive":
		return rec.NotConsultedMotive, true
	case "logistics_status":
		return rec.LogisticsStatus, true
	case "portability_date":
		return date(rec.PortabilityDate), true
	case "order_completion_date":
		return date(rec.OrderCompletionDate), true
	case "delivery_date":
		return date(rec.DeliveryDate), true
	case "order_price":
		return rec.OrderPrice.String(), true
	default:
		return "", false
	}
}
