// Package rules loads the operator-editable decision rule table and builds
// the in-memory index the engine matches records against.
//
// Rules are plain data: an ordered, prioritized predicate-action pair. They
// are immutable once loaded; reloading builds a whole new index and swaps it
// atomically (see Table), so in-flight evaluations keep a consistent view.
package rules

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Conditions is the set of field constraints a record must satisfy for a
// rule to match. An empty (zero) constraint matches any value.
//
// Statuses, the operator and the explicit motives match by exact trimmed
// equality; NotConsultedMotive matches by substring, because upstream
// systems append free text around the canonical phrase.
type Conditions struct {
	TicketStatus       string `yaml:"ticket_status,omitempty"`
	OrderStatus        string `yaml:"order_status,omitempty"`
	DonorOperator      string `yaml:"donor_operator,omitempty"`
	RefusalMotive      string `yaml:"refusal_motive,omitempty"`
	CancelMotive       string `yaml:"cancel_motive,omitempty"`
	NotConsultedMotive string `yaml:"not_consulted_motive,omitempty"`
	LastTicket         *bool  `yaml:"last_ticket,omitempty"`
}

// Empty reports whether the rule constrains nothing (a catch-all rule).
func (c Conditions) Empty() bool {
	return c.TicketStatus == "" && c.OrderStatus == "" && c.DonorOperator == "" &&
		c.RefusalMotive == "" && c.CancelMotive == "" && c.NotConsultedMotive == "" &&
		c.LastTicket == nil
}

// Rule is one entry of the decision table. Priority orders evaluation
// (lower evaluates first); Decision is the categorical outcome and Action
// the recommended next operational step. DetailsTemplate may reference
// record fields as {field_name} placeholders.
type Rule struct {
	ID              string     `yaml:"id"`
	Name            string     `yaml:"name"`
	Priority        *int       `yaml:"priority"`
	Match           Conditions `yaml:"match"`
	Decision        string     `yaml:"decision"`
	Action          string     `yaml:"action"`
	DetailsTemplate string     `yaml:"details"`
}

// PriorityValue returns the rule priority, or a large sentinel when the
// loader accepted a rule without one (NewIndex rejects that case, so this
// is only reachable on hand-built rules in tests).
func (r Rule) PriorityValue() int {
	if r.Priority == nil {
		return 1 << 20
	}
	return *r.Priority
}

// ConfigError describes a fatal problem in the rule table: the rule set is
// malformed or ambiguous and startup must abort.
type ConfigError struct {
	RuleID string
	Reason string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.RuleID == "" {
		return "rule table: " + e.Reason
	}
	return fmt.Sprintf("rule table: rule %q: %s", e.RuleID, e.Reason)
}

// ruleFile is the on-disk shape of the rule table.
type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadFile parses the YAML rule table at path. It validates shape only
// (non-empty ids, parseable document); semantic validation (duplicate ids,
// missing priorities) happens in NewIndex so hand-assembled rule slices get
// the same checks.
func LoadFile(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f ruleFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, &ConfigError{Reason: "parse " + path + ": " + err.Error()}
	}
	if len(f.Rules) == 0 {
		return nil, &ConfigError{Reason: "no rules defined in " + path}
	}
	for i := range f.Rules {
		f.Rules[i] = normalizeRule(f.Rules[i])
	}
	return f.Rules, nil
}

func normalizeRule(r Rule) Rule {
	r.ID = strings.TrimSpace(r.ID)
	r.Name = strings.TrimSpace(r.Name)
	r.Decision = strings.TrimSpace(r.Decision)
	r.Action = strings.TrimSpace(r.Action)
	r.Match.TicketStatus = strings.TrimSpace(r.Match.TicketStatus)
	r.Match.OrderStatus = strings.TrimSpace(r.Match.OrderStatus)
	r.Match.DonorOperator = strings.TrimSpace(r.Match.DonorOperator)
	r.Match.RefusalMotive = strings.TrimSpace(r.Match.RefusalMotive)
	r.Match.CancelMotive = strings.TrimSpace(r.Match.CancelMotive)
	r.Match.NotConsultedMotive = strings.TrimSpace(r.Match.NotConsultedMotive)
	return r
}
