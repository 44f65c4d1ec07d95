// In-memory rule index with per-status lookup, cached matching and atomic
// whole-index replacement.
//
// The index is immutable after construction except for its internal match
// cache, which is guarded by a mutex and scoped to the index lifetime:
// reloading builds a fresh Index (and therefore a fresh cache), so stale
// match results cannot survive a rule-table swap.
package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/portatel/porttrack/internal/domain"
)

// MatchKey is the subset of record fields any rule condition may reference.
// It is the cache key domain: two records with equal MatchKeys always
// produce the same candidate rule set.
type MatchKey struct {
	TicketStatus       string
	OrderStatus        string
	DonorOperator      string
	RefusalMotive      string
	CancelMotive       string
	NotConsultedMotive string
	LastTicket         *bool
}

// KeyFor extracts the constraint-relevant fields of a record.
func KeyFor(rec domain.PortabilityRecord) MatchKey {
	return MatchKey{
		TicketStatus:       strings.TrimSpace(rec.TicketStatus),
		OrderStatus:        strings.TrimSpace(rec.OrderStatus),
		DonorOperator:      strings.TrimSpace(rec.DonorOperator),
		RefusalMotive:      strings.TrimSpace(rec.RefusalMotive),
		CancelMotive:       strings.TrimSpace(rec.CancelMotive),
		NotConsultedMotive: strings.TrimSpace(rec.NotConsultedMotive),
		LastTicket:         rec.LastTicket,
	}
}

// cacheKey hashes the ordered (field, value) pairs of the key. Field names
// are part of the input so adjacent values can never collide across fields.
func (k MatchKey) cacheKey() string {
	lt := ""
	if k.LastTicket != nil {
		if *k.LastTicket {
			lt = "true"
		} else {
			lt = "false"
		}
	}
	h := sha256.New()
	for _, p := range [...][2]string{
		{"ticket_status", k.TicketStatus},
		{"order_status", k.OrderStatus},
		{"donor_operator", k.DonorOperator},
		{"refusal_motive", k.RefusalMotive},
		{"cancel_motive", k.CancelMotive},
		{"not_consulted_motive", k.NotConsultedMotive},
		{"last_ticket", lt},
	} {
		h.Write([]byte(p[0]))
		h.Write([]byte{'='})
		h.Write([]byte(p[1]))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Index holds one immutable generation of the rule table, pre-sorted by
// priority (declaration order breaks ties) and bucketed by ticket status for
// cheap candidate lookup.
type Index struct {
	rules     []Rule
	byStatus  map[string][]int // positions of rules constraining that ticket status
	anyStatus []int            // positions of rules with no ticket-status constraint
	byID      map[string]int

	mu    sync.RWMutex
	cache map[string][]int
}

// NewIndex validates the rule set and builds the lookup structures.
// It fails with *ConfigError when two rules share an id or a rule lacks a
// priority, both of which make evaluation order ambiguous.
func NewIndex(in []Rule) (*Index, error) {
	if len(in) == 0 {
		return nil, &ConfigError{Reason: "empty rule set"}
	}
	seen := make(map[string]struct{}, len(in))
	for _, r := range in {
		if r.ID == "" {
			return nil, &ConfigError{Reason: "rule with empty id"}
		}
		if _, dup := seen[r.ID]; dup {
			return nil, &ConfigError{RuleID: r.ID, Reason: "duplicate rule id"}
		}
		seen[r.ID] = struct{}{}
		if r.Priority == nil {
			return nil, &ConfigError{RuleID: r.ID, Reason: "missing priority"}
		}
	}

	sorted := make([]Rule, len(in))
	copy(sorted, in)
	sort.SliceStable(sorted, func(i, j int) bool {
		return *sorted[i].Priority < *sorted[j].Priority
	})

	ix := &Index{
		rules:    sorted,
		byStatus: make(map[string][]int),
		byID:     make(map[string]int, len(sorted)),
		cache:    make(map[string][]int),
	}
	for pos, r := range sorted {
		ix.byID[r.ID] = pos
		if s := r.Match.TicketStatus; s != "" {
			ix.byStatus[s] = append(ix.byStatus[s], pos)
		} else {
			ix.anyStatus = append(ix.anyStatus, pos)
		}
	}
	return ix, nil
}

// Len returns the number of rules in the index.
func (ix *Index) Len() int { return len(ix.rules) }

// Rule looks up a rule by id.
func (ix *Index) Rule(id string) (Rule, bool) {
	pos, ok := ix.byID[id]
	if !ok {
		return Rule{}, false
	}
	return ix.rules[pos], true
}

// All returns the rules in evaluation order (ascending priority, then
// declaration order). The returned slice is a copy.
func (ix *Index) All() []Rule {
	out := make([]Rule, len(ix.rules))
	copy(out, ix.rules)
	return out
}

// Match returns the rules whose conditions the key satisfies, in evaluation
// order. Candidates are narrowed through the ticket-status bucket first;
// since a rule constraining a different ticket status can never match, the
// result is identical to evaluating every rule against every condition.
//
// Results are cached per MatchKey for the lifetime of this index.
func (ix *Index) Match(key MatchKey) []Rule {
	ck := key.cacheKey()

	ix.mu.RLock()
	hit, ok := ix.cache[ck]
	ix.mu.RUnlock()
	if ok {
		return ix.rulesAt(hit)
	}

	var matched []int
	for _, pos := range ix.candidates(key.TicketStatus) {
		if ix.rules[pos].Match.satisfiedBy(key) {
			matched = append(matched, pos)
		}
	}

	ix.mu.Lock()
	ix.cache[ck] = matched
	ix.mu.Unlock()

	return ix.rulesAt(matched)
}

// candidates merges the status bucket with the wildcard bucket, preserving
// ascending position (and therefore priority) order.
func (ix *Index) candidates(ticketStatus string) []int {
	a := ix.byStatus[ticketStatus]
	b := ix.anyStatus
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	out := make([]int, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] < b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

func (ix *Index) rulesAt(positions []int) []Rule {
	if len(positions) == 0 {
		return nil
	}
	out := make([]Rule, len(positions))
	for i, pos := range positions {
		out[i] = ix.rules[pos]
	}
	return out
}

// satisfiedBy evaluates the conditions against a key, stopping at the first
// failing constraint. Constraint order starts with ticket status, the most
// discriminating field in practice.
func (c Conditions) satisfiedBy(k MatchKey) bool {
	if c.TicketStatus != "" && c.TicketStatus != k.TicketStatus {
		return false
	}
	if c.OrderStatus != "" && c.OrderStatus != k.OrderStatus {
		return false
	}
	if c.DonorOperator != "" && c.DonorOperator != k.DonorOperator {
		return false
	}
	if c.RefusalMotive != "" && c.RefusalMotive != k.RefusalMotive {
		return false
	}
	if c.CancelMotive != "" && c.CancelMotive != k.CancelMotive {
		return false
	}
	if c.NotConsultedMotive != "" && !strings.Contains(k.NotConsultedMotive, c.NotConsultedMotive) {
		return false
	}
	if c.LastTicket != nil && (k.LastTicket == nil || *k.LastTicket != *c.LastTicket) {
		return false
	}
	return true
}

// Table holds the currently active rule index behind an atomic pointer.
// Readers call Current once per evaluation and keep that snapshot; a reload
// swaps the pointer without disturbing in-flight evaluations.
type Table struct {
	cur atomic.Pointer[Index]
}

// NewTable wraps an index in a swappable table.
func NewTable(ix *Index) *Table {
	t := &Table{}
	t.cur.Store(ix)
	return t
}

// Current returns the active index snapshot.
func (t *Table) Current() *Index { return t.cur.Load() }

// Swap atomically replaces the active index.
func (t *Table) Swap(ix *Index) { t.cur.Store(ix) }

// ReloadFile loads the rule table at path, builds a fresh index and swaps it
// in. On any error the previous index stays active untouched. It returns the
// number of rules now in effect.
func (t *Table) ReloadFile(path string) (int, error) {
	loaded, err := LoadFile(path)
	if err != nil {
		return 0, err
	}
	ix, err := NewIndex(loaded)
	if err != nil {
		return 0, err
	}
	t.Swap(ix)
	return ix.Len(), nil
}
