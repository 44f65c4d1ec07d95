package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/portatel/porttrack/internal/domain"
	"github.com/portatel/porttrack/internal/repo"
)

func seedVersions(t *testing.T, svc *RecordService, entityID string, statuses ...string) {
	t.Helper()
	for _, s := range statuses {
		snap := domain.VersionedRecord{
			EntityID:     entityID,
			TaxID:        "52998224725",
			TicketStatus: s,
			Origin:       "test",
		}
		if _, err := repo.UpsertRecord(context.Background(), svc.DB, snap); err != nil {
			t.Fatalf("seed %s/%s: %v", entityID, s, err)
		}
	}
}

func TestRecordService_Latest(t *testing.T) {
	svc := &RecordService{DB: newTestDB(t, "record_latest")}
	seedVersions(t, svc, "e1", "Portability Pending", "Ported")
	ctx := context.Background()

	rec, err := svc.Latest(ctx, "e1")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if rec.Version != 2 || rec.TicketStatus != "Ported" || !rec.IsLatest {
		t.Fatalf("latest = %+v", rec)
	}

	if _, err := svc.Latest(ctx, "  "); !errors.Is(err, ErrEntityIDRequired) {
		t.Fatalf("blank id: %v", err)
	}
	if _, err := svc.Latest(ctx, "nope"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("unknown id: %v", err)
	}
}

func TestRecordService_HistoryAndChanges(t *testing.T) {
	svc := &RecordService{DB: newTestDB(t, "record_history")}
	seedVersions(t, svc, "e1", "Portability Pending", "Ported")
	ctx := context.Background()

	hist, err := svc.History(ctx, "e1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 || hist[0].Version != 1 || hist[1].Version != 2 {
		t.Fatalf("history = %+v", hist)
	}

	if _, err := svc.History(ctx, "nope"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("unknown id: %v", err)
	}

	changes, err := svc.Changes(ctx, "e1")
	if err != nil {
		t.Fatalf("Changes: %v", err)
	}
	if len(changes) != 1 || changes[0].Field != "ticket_status" || changes[0].Version != 2 {
		t.Fatalf("changes = %+v", changes)
	}

	// Unknown entity has no changes, not an error.
	none, err := svc.Changes(ctx, "nope")
	if err != nil || len(none) != 0 {
		t.Fatalf("Changes(nope) = %+v, %v", none, err)
	}
	if _, err := svc.Changes(ctx, ""); !errors.Is(err, ErrEntityIDRequired) {
		t.Fatalf("blank id: %v", err)
	}
}

func TestRecordService_Find(t *testing.T) {
	svc := &RecordService{DB: newTestDB(t, "record_find")}
	seedVersions(t, svc, "e1", "Ported")
	seedVersions(t, svc, "e2", "Conflict")
	ctx := context.Background()

	got, err := svc.Find(ctx, repo.Filter{TicketStatus: "Conflict"})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(got) != 1 || got[0].EntityID != "e2" {
		t.Fatalf("find = %+v", got)
	}
}

func TestRecordService_Trim(t *testing.T) {
	svc := &RecordService{DB: newTestDB(t, "record_trim")}
	seedVersions(t, svc, "e1", "Portability Pending", "Portability Suspended", "Ported")
	ctx := context.Background()

	// Negative max age places the cutoff in the future, so every historical
	// version is age-eligible; keep=1 preserves only the latest.
	deleted, err := svc.Trim(ctx, -time.Hour, 1)
	if err != nil {
		t.Fatalf("Trim: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("deleted = %d", deleted)
	}
	rec, err := svc.Latest(ctx, "e1")
	if err != nil || rec.TicketStatus != "Ported" {
		t.Fatalf("latest after trim = %+v, %v", rec, err)
	}
}
