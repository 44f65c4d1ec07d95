package repo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/portatel/porttrack/internal/domain"
)

func newTestDB(t *testing.T, name string) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func snapshot(entityID, ticketStatus string) domain.VersionedRecord {
	return domain.VersionedRecord{
		EntityID:     entityID,
		TaxID:        "52998224725",
		AccessNumber: "11999990000",
		OrderNumber:  "ORD-1",
		TicketStatus: ticketStatus,
		Origin:       "test",
	}
}

func TestUpsertRecord_FirstInsert(t *testing.T) {
	db := newTestDB(t, "upsert_first")
	ctx := context.Background()

	res, err := UpsertRecord(ctx, db, snapshot("e1", "Portability Pending"))
	if err != nil {
		t.Fatalf("UpsertRecord: %v", err)
	}
	if !res.Created || !res.NewVersion || res.Version != 1 {
		t.Fatalf("result = %+v", res)
	}

	got, err := GetLatest(ctx, db, "e1")
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if got.Version != 1 || !got.IsLatest || got.ContentHash == "" {
		t.Fatalf("latest = %+v", got)
	}
	if got.StoredAt.IsZero() || got.LastSeenAt.IsZero() {
		t.Fatalf("timestamps not set: %+v", got)
	}

	// Version 1 creates no change-log rows.
	changes, err := ListChanges(ctx, db, "e1")
	if err != nil {
		t.Fatalf("ListChanges: %v", err)
	}
	if len(changes) != 0 {
		t.Fatalf("first insert must not log changes: %+v", changes)
	}
}

func TestUpsertRecord_RejectsEmptyEntityID(t *testing.T) {
	db := newTestDB(t, "upsert_empty")
	if _, err := UpsertRecord(context.Background(), db, snapshot("  ", "x")); err == nil {
		t.Fatalf("expected error for blank entity id")
	}
}

func TestUpsertRecord_UnchangedIsNoOp(t *testing.T) {
	db := newTestDB(t, "upsert_noop")
	ctx := context.Background()

	if _, err := UpsertRecord(ctx, db, snapshot("e1", "Portability Pending")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	before, err := GetLatest(ctx, db, "e1")
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	res, err := UpsertRecord(ctx, db, snapshot("e1", "Portability Pending"))
	if err != nil {
		t.Fatalf("UpsertRecord: %v", err)
	}
	if res.Created || res.NewVersion || res.Version != 1 {
		t.Fatalf("unchanged upsert must be a no-op: %+v", res)
	}

	after, err := GetLatest(ctx, db, "e1")
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if after.Version != 1 {
		t.Fatalf("no-op path grew history: %+v", after)
	}
	if !after.LastSeenAt.After(before.LastSeenAt) {
		t.Fatalf("last_seen_at not bumped: before=%v after=%v", before.LastSeenAt, after.LastSeenAt)
	}
	if !after.StoredAt.Equal(before.StoredAt) {
		t.Fatalf("stored_at must not move on the no-op path")
	}
}

func TestUpsertRecord_ChangeCreatesVersionAndChangeLog(t *testing.T) {
	db := newTestDB(t, "upsert_change")
	ctx := context.Background()

	if _, err := UpsertRecord(ctx, db, snapshot("e1", "Portability Pending")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	next := snapshot("e1", "Ported")
	next.OrderStatus = "Completed"
	res, err := UpsertRecord(ctx, db, next)
	if err != nil {
		t.Fatalf("UpsertRecord: %v", err)
	}
	if res.Created || !res.NewVersion || res.Version != 2 {
		t.Fatalf("result = %+v", res)
	}

	hist, err := GetHistory(ctx, db, "e1")
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(hist))
	}
	if hist[0].Version != 1 || hist[0].IsLatest {
		t.Fatalf("old version must lose is_latest: %+v", hist[0])
	}
	if hist[1].Version != 2 || !hist[1].IsLatest {
		t.Fatalf("new version must be latest: %+v", hist[1])
	}

	changes, err := ListChanges(ctx, db, "e1")
	if err != nil {
		t.Fatalf("ListChanges: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected 2 change rows, got %+v", changes)
	}
	for _, ch := range changes {
		if ch.Version != 2 || ch.Origin != "test" {
			t.Fatalf("change row wrong: %+v", ch)
		}
	}
	if changes[1].Field != "ticket_status" || changes[0].Field != "order_status" {
		t.Fatalf("fields = %s, %s", changes[0].Field, changes[1].Field)
	}
}

func TestUpsertRecord_CarryForward(t *testing.T) {
	db := newTestDB(t, "upsert_carry")
	ctx := context.Background()

	first := snapshot("e1", "Portability Pending")
	first.DonorOperator = "Acme Telecom"
	if _, err := UpsertRecord(ctx, db, first); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Sparse update: donor operator omitted, must survive the merge.
	next := snapshot("e1", "Ported")
	if _, err := UpsertRecord(ctx, db, next); err != nil {
		t.Fatalf("UpsertRecord: %v", err)
	}

	got, err := GetLatest(ctx, db, "e1")
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if got.Version != 2 || got.DonorOperator != "Acme Telecom" || got.TicketStatus != "Ported" {
		t.Fatalf("carry-forward failed: %+v", got)
	}
}

func TestUpsertRecord_VersionsStayContiguous(t *testing.T) {
	db := newTestDB(t, "upsert_contiguous")
	ctx := context.Background()

	statuses := []string{"Portability Pending", "Portability Suspended", "Ported", "Ported"}
	for _, s := range statuses {
		if _, err := UpsertRecord(ctx, db, snapshot("e1", s)); err != nil {
			t.Fatalf("upsert %q: %v", s, err)
		}
	}

	hist, err := GetHistory(ctx, db, "e1")
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	// The repeated final status is the no-op path.
	if len(hist) != 3 {
		t.Fatalf("expected 3 versions, got %d", len(hist))
	}
	latest := 0
	for i, v := range hist {
		if v.Version != i+1 {
			t.Fatalf("gap in versions: %+v", hist)
		}
		if v.IsLatest {
			latest++
		}
	}
	if latest != 1 {
		t.Fatalf("exactly one is_latest row required, got %d", latest)
	}
}

func TestUpsertRecord_ConcurrentSameEntity(t *testing.T) {
	db := newTestDB(t, "upsert_concurrent")
	ctx := context.Background()
	locks := NewKeyLock()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			unlock := locks.Lock("e1")
			defer unlock()
			_, err := UpsertRecord(ctx, db, snapshot("e1", fmt.Sprintf("Status %d", i)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("serialized upsert failed: %v", err)
		}
	}

	hist, err := GetHistory(ctx, db, "e1")
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	latest := 0
	for i, v := range hist {
		if v.Version != i+1 {
			t.Fatalf("versions not contiguous: %+v", hist)
		}
		if v.IsLatest {
			latest++
		}
	}
	if latest != 1 {
		t.Fatalf("exactly one is_latest row required, got %d", latest)
	}
}

func TestUpsertRecord_ConflictingVersionRollsBack(t *testing.T) {
	db := newTestDB(t, "upsert_conflict")
	ctx := context.Background()

	if _, err := UpsertRecord(ctx, db, snapshot("e1", "Portability Pending")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Occupy the next version slot the way a racing writer would have.
	orphan := snapshot("e1", "Portability Pending")
	orphan.Version = 2
	orphan.StoredAt = time.Now().UTC()
	orphan.LastSeenAt = orphan.StoredAt
	if err := db.Create(&orphan).Error; err != nil {
		t.Fatalf("seed conflicting row: %v", err)
	}

	_, err := UpsertRecord(ctx, db, snapshot("e1", "Portability Cancelled"))
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("err = %v; want ErrVersionConflict", err)
	}

	// The aborted transaction must leave the current version latest and the
	// change log untouched.
	latest, err := GetLatest(ctx, db, "e1")
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if latest.Version != 1 || !latest.IsLatest || latest.TicketStatus != "Portability Pending" {
		t.Fatalf("latest after conflict = %+v", latest)
	}
	changes, err := ListChanges(ctx, db, "e1")
	if err != nil {
		t.Fatalf("ListChanges: %v", err)
	}
	if len(changes) != 0 {
		t.Fatalf("aborted upsert logged changes: %+v", changes)
	}
}

func TestTranslateConflict(t *testing.T) {
	err := translateConflict(errors.New("UNIQUE constraint failed: versioned_records.entity_id, versioned_records.version"))
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("unique violation must map to ErrVersionConflict, got %v", err)
	}
	plain := errors.New("disk I/O error")
	if got := translateConflict(plain); !errors.Is(got, plain) || errors.Is(got, ErrVersionConflict) {
		t.Fatalf("other errors must pass through: %v", got)
	}
	if translateConflict(nil) != nil {
		t.Fatalf("nil must stay nil")
	}
}

func TestGetLatestAndHistory_NotFound(t *testing.T) {
	db := newTestDB(t, "read_notfound")
	ctx := context.Background()

	if _, err := GetLatest(ctx, db, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetLatest: %v", err)
	}
	if _, err := GetHistory(ctx, db, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetHistory: %v", err)
	}
}

func TestFindLatest_Filters(t *testing.T) {
	db := newTestDB(t, "find_latest")
	ctx := context.Background()

	a := snapshot("e1", "Ported")
	a.Decision = "COMPLETED"
	b := snapshot("e2", "Conflict")
	b.Decision = "REFUSED"
	for _, s := range []domain.VersionedRecord{a, b} {
		if _, err := UpsertRecord(ctx, db, s); err != nil {
			t.Fatalf("seed %s: %v", s.EntityID, err)
		}
	}
	// e1 moves on; its old version must be invisible without IncludeHistory.
	next := snapshot("e1", "Portability Cancelled")
	next.Decision = "CANCELLED"
	if _, err := UpsertRecord(ctx, db, next); err != nil {
		t.Fatalf("seed v2: %v", err)
	}

	got, err := FindLatest(ctx, db, Filter{Decision: "REFUSED"})
	if err != nil {
		t.Fatalf("FindLatest: %v", err)
	}
	if len(got) != 1 || got[0].EntityID != "e2" {
		t.Fatalf("decision filter: %+v", got)
	}

	got, err = FindLatest(ctx, db, Filter{TicketStatus: "Ported"})
	if err != nil {
		t.Fatalf("FindLatest: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("historical version leaked into latest-only query: %+v", got)
	}

	got, err = FindLatest(ctx, db, Filter{TicketStatus: "Ported", IncludeHistory: true})
	if err != nil {
		t.Fatalf("FindLatest: %v", err)
	}
	if len(got) != 1 || got[0].EntityID != "e1" || got[0].IsLatest {
		t.Fatalf("include-history filter: %+v", got)
	}

	got, err = FindLatest(ctx, db, Filter{IncludeHistory: true, Limit: 2})
	if err != nil {
		t.Fatalf("FindLatest: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("limit not applied: %d rows", len(got))
	}
}

func TestTrimHistory(t *testing.T) {
	db := newTestDB(t, "trim_history")
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if _, err := UpsertRecord(ctx, db, snapshot("e1", fmt.Sprintf("Status %d", i))); err != nil {
			t.Fatalf("seed v%d: %v", i, err)
		}
	}

	// Future cutoff makes every historical row age-eligible; keep=2 must
	// still preserve versions 4 and 5.
	cutoff := time.Now().UTC().Add(time.Hour)
	deleted, err := TrimHistory(ctx, db, cutoff, 2)
	if err != nil {
		t.Fatalf("TrimHistory: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("deleted = %d, want 3", deleted)
	}

	hist, err := GetHistory(ctx, db, "e1")
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(hist) != 2 || hist[0].Version != 4 || hist[1].Version != 5 {
		t.Fatalf("surviving versions: %+v", hist)
	}
	if !hist[1].IsLatest {
		t.Fatalf("latest version must survive trimming")
	}

	// keepPerEntity below 1 is clamped; the latest row still survives.
	deleted, err = TrimHistory(ctx, db, cutoff, 0)
	if err != nil {
		t.Fatalf("TrimHistory: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}
	if _, err := GetLatest(ctx, db, "e1"); err != nil {
		t.Fatalf("current state must survive any trim: %v", err)
	}
}

func TestSyncRunLifecycle(t *testing.T) {
	db := newTestDB(t, "sync_runs")
	ctx := context.Background()

	run, err := StartSyncRun(ctx, db, "export-2026-03-01.csv", "upstream")
	if err != nil {
		t.Fatalf("StartSyncRun: %v", err)
	}
	if run.ID == "" || run.Status != SyncStatusRunning || run.StartedAt.IsZero() {
		t.Fatalf("run = %+v", run)
	}

	run.Processed = 10
	run.Inserted = 4
	run.NewVersions = 3
	run.Unchanged = 2
	run.Errors = 1
	if err := FinishSyncRun(ctx, db, run, SyncStatusPartial); err != nil {
		t.Fatalf("FinishSyncRun: %v", err)
	}

	runs, err := ListSyncRuns(ctx, db, 10)
	if err != nil {
		t.Fatalf("ListSyncRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	got := runs[0]
	if got.Status != SyncStatusPartial || got.FinishedAt == nil || got.Processed != 10 || got.Errors != 1 {
		t.Fatalf("stored run = %+v", got)
	}
}

func TestKeyLock_SerializesSameKey(t *testing.T) {
	locks := NewKeyLock()

	var counter, max int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("same-key")
			defer unlock()
			mu.Lock()
			counter++
			if counter > max {
				max = counter
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			counter--
			mu.Unlock()
		}()
	}
	wg.Wait()
	if max != 1 {
		t.Fatalf("lock admitted %d holders for one key", max)
	}
}
