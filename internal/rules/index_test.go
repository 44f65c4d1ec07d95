package rules

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/portatel/porttrack/internal/domain"
)

func intp(v int) *int { return &v }

func boolp(v bool) *bool { return &v }

func testRules() []Rule {
	return []Rule{
		{ID: "cancelled", Priority: intp(10), Match: Conditions{TicketStatus: "Portability Cancelled"}, Decision: "CANCELLED"},
		{ID: "refused", Priority: intp(20), Match: Conditions{TicketStatus: "Conflict", RefusalMotive: "Subscriber Data Mismatch"}, Decision: "REFUSED"},
		{ID: "not-consulted", Priority: intp(50), Match: Conditions{NotConsultedMotive: "window closed"}, Decision: "WARN"},
		{ID: "last-ticket", Priority: intp(55), Match: Conditions{LastTicket: boolp(true)}, Decision: "WARN"},
		{ID: "pending", Priority: intp(60), Match: Conditions{TicketStatus: "Portability Pending"}, Decision: "PENDING"},
	}
}

func TestNewIndex_Validation(t *testing.T) {
	cases := []struct {
		name string
		in   []Rule
		want string
	}{
		{"empty set", nil, "empty rule set"},
		{"empty id", []Rule{{Priority: intp(1)}}, "empty id"},
		{"duplicate id", []Rule{
			{ID: "a", Priority: intp(1)},
			{ID: "a", Priority: intp(2)},
		}, "duplicate rule id"},
		{"missing priority", []Rule{{ID: "a"}}, "missing priority"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewIndex(tc.in)
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("expected *ConfigError, got %v", err)
			}
			if !strings.Contains(ce.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", ce.Error(), tc.want)
			}
		})
	}
}

func TestNewIndex_SortsByPriorityStable(t *testing.T) {
	ix, err := NewIndex([]Rule{
		{ID: "late", Priority: intp(30)},
		{ID: "tie-b", Priority: intp(10)},
		{ID: "tie-a", Priority: intp(10)},
		{ID: "first", Priority: intp(1)},
	})
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	all := ix.All()
	got := make([]string, len(all))
	for i, r := range all {
		got[i] = r.ID
	}
	want := []string{"first", "tie-b", "tie-a", "late"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestIndex_Rule(t *testing.T) {
	ix, err := NewIndex(testRules())
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	r, ok := ix.Rule("refused")
	if !ok || r.Decision != "REFUSED" {
		t.Fatalf("Rule(refused) = %+v, %v", r, ok)
	}
	if _, ok := ix.Rule("missing"); ok {
		t.Fatalf("unknown id must not resolve")
	}
}

func TestIndex_Match(t *testing.T) {
	ix, err := NewIndex(testRules())
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}

	t.Run("exact status", func(t *testing.T) {
		got := ix.Match(KeyFor(domain.PortabilityRecord{TicketStatus: "Portability Cancelled"}))
		if len(got) != 1 || got[0].ID != "cancelled" {
			t.Fatalf("match = %+v", got)
		}
	})

	t.Run("all conditions must hold", func(t *testing.T) {
		got := ix.Match(KeyFor(domain.PortabilityRecord{TicketStatus: "Conflict"}))
		if len(got) != 0 {
			t.Fatalf("refusal motive missing, expected no match, got %+v", got)
		}
		got = ix.Match(KeyFor(domain.PortabilityRecord{
			TicketStatus:  "Conflict",
			RefusalMotive: "Subscriber Data Mismatch",
		}))
		if len(got) != 1 || got[0].ID != "refused" {
			t.Fatalf("match = %+v", got)
		}
	})

	t.Run("substring motive", func(t *testing.T) {
		got := ix.Match(KeyFor(domain.PortabilityRecord{
			NotConsultedMotive: "skipped: portability window closed for today",
		}))
		if len(got) != 1 || got[0].ID != "not-consulted" {
			t.Fatalf("match = %+v", got)
		}
	})

	t.Run("last ticket pointer", func(t *testing.T) {
		if got := ix.Match(KeyFor(domain.PortabilityRecord{})); len(got) != 0 {
			t.Fatalf("nil last_ticket must not satisfy the constraint, got %+v", got)
		}
		got := ix.Match(KeyFor(domain.PortabilityRecord{LastTicket: boolp(true)}))
		if len(got) != 1 || got[0].ID != "last-ticket" {
			t.Fatalf("match = %+v", got)
		}
	})

	t.Run("trimmed input", func(t *testing.T) {
		got := ix.Match(KeyFor(domain.PortabilityRecord{TicketStatus: "  Portability Pending  "}))
		if len(got) != 1 || got[0].ID != "pending" {
			t.Fatalf("match = %+v", got)
		}
	})
}

// Every bucketed Match result must equal a brute-force scan of all rules.
func TestIndex_Match_EquivalentToFullScan(t *testing.T) {
	ix, err := NewIndex(testRules())
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}

	keys := []MatchKey{
		{TicketStatus: "Portability Cancelled"},
		{TicketStatus: "Conflict", RefusalMotive: "Subscriber Data Mismatch"},
		{TicketStatus: "Portability Pending", LastTicket: boolp(true)},
		{NotConsultedMotive: "window closed", LastTicket: boolp(false)},
		{},
	}
	for _, key := range keys {
		var want []string
		for _, r := range ix.All() {
			if r.Match.satisfiedBy(key) {
				want = append(want, r.ID)
			}
		}
		got := ix.Match(key)
		if len(got) != len(want) {
			t.Fatalf("key %+v: got %d rules, want %d", key, len(got), len(want))
		}
		for i := range want {
			if got[i].ID != want[i] {
				t.Fatalf("key %+v: got[%d]=%s, want %s", key, i, got[i].ID, want[i])
			}
		}
	}
}

func TestIndex_Match_CachedResultStable(t *testing.T) {
	ix, err := NewIndex(testRules())
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	key := KeyFor(domain.PortabilityRecord{TicketStatus: "Portability Cancelled"})

	first := ix.Match(key)
	second := ix.Match(key)
	if len(first) != 1 || len(second) != 1 || first[0].ID != second[0].ID {
		t.Fatalf("cached match diverged: %+v vs %+v", first, second)
	}

	ix.mu.RLock()
	cached := len(ix.cache)
	ix.mu.RUnlock()
	if cached != 1 {
		t.Fatalf("expected one cache entry, got %d", cached)
	}
}

func TestCacheKey_DistinguishesFields(t *testing.T) {
	a := MatchKey{TicketStatus: "x"}
	b := MatchKey{OrderStatus: "x"}
	if a.cacheKey() == b.cacheKey() {
		t.Fatalf("same value in different fields must not collide")
	}
	c := MatchKey{LastTicket: boolp(false)}
	if (MatchKey{}).cacheKey() == c.cacheKey() {
		t.Fatalf("nil and false last_ticket must produce distinct keys")
	}
}

func TestTable_SwapAndReload(t *testing.T) {
	ix1, err := NewIndex(testRules())
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	tab := NewTable(ix1)
	if tab.Current() != ix1 {
		t.Fatalf("Current must return the stored index")
	}

	ix2, err := NewIndex([]Rule{{ID: "only", Priority: intp(1)}})
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	tab.Swap(ix2)
	if tab.Current() != ix2 {
		t.Fatalf("Swap did not replace the index")
	}

	dir := t.TempDir()
	good := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(good, []byte(`rules:
  - id: reloaded
    priority: 5
    match:
      ticket_status: "Ported"
    decision: COMPLETED
`), 0o600); err != nil {
		t.Fatalf("write rule file: %v", err)
	}
	n, err := tab.ReloadFile(good)
	if err != nil {
		t.Fatalf("ReloadFile: %v", err)
	}
	if n != 1 || tab.Current().Len() != 1 {
		t.Fatalf("reload installed %d rules, index has %d", n, tab.Current().Len())
	}

	// A broken file must leave the active index untouched.
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("rules: {not a list"), 0o600); err != nil {
		t.Fatalf("write rule file: %v", err)
	}
	before := tab.Current()
	if _, err := tab.ReloadFile(bad); err == nil {
		t.Fatalf("expected error reloading malformed file")
	}
	if tab.Current() != before {
		t.Fatalf("failed reload must not swap the index")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("valid", func(t *testing.T) {
		path := filepath.Join(dir, "rules.yaml")
		if err := os.WriteFile(path, []byte(`rules:
  - id: "  padded  "
    name: Padded rule
    priority: 10
    match:
      ticket_status: " Ported "
    decision: " COMPLETED "
    action: archive
    details: "ported on {portability_date}"
`), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		loaded, err := LoadFile(path)
		if err != nil {
			t.Fatalf("LoadFile: %v", err)
		}
		if len(loaded) != 1 {
			t.Fatalf("loaded %d rules", len(loaded))
		}
		r := loaded[0]
		if r.ID != "padded" || r.Decision != "COMPLETED" || r.Match.TicketStatus != "Ported" {
			t.Fatalf("normalization failed: %+v", r)
		}
		if r.Priority == nil || *r.Priority != 10 {
			t.Fatalf("priority not parsed: %+v", r.Priority)
		}
		if r.DetailsTemplate != "ported on {portability_date}" {
			t.Fatalf("details template: %q", r.DetailsTemplate)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadFile(filepath.Join(dir, "nope.yaml")); err == nil {
			t.Fatalf("expected error for missing file")
		}
	})

	t.Run("empty document", func(t *testing.T) {
		path := filepath.Join(dir, "empty.yaml")
		if err := os.WriteFile(path, []byte("rules: []\n"), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		_, err := LoadFile(path)
		var ce *ConfigError
		if !errors.As(err, &ce) {
			t.Fatalf("expected *ConfigError, got %v", err)
		}
	})
}

func TestConditions_Empty(t *testing.T) {
	if !(Conditions{}).Empty() {
		t.Fatalf("zero conditions must be empty")
	}
	if (Conditions{LastTicket: boolp(false)}).Empty() {
		t.Fatalf("set last_ticket pointer must not be empty")
	}
}
