package store_test

import (
	"bytes"
	"context"
	"database/sql"
	"strings"
	"testing"

	"interlock/internal/db"
	"interlock/internal/domain"
	"interlock/internal/migrate"
	"interlock/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store.Store{DB: conn}
}

func inTx(t *testing.T, s store.Store, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := s.DB.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		t.Fatalf("tx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func seedRun(t *testing.T, s store.Store, id string, stage domain.Stage) {
	t.Helper()
	inTx(t, s, func(tx *sql.Tx) error {
		return s.InsertRun(context.Background(), tx, domain.Run{
			ID: id, SubjectID: "PROJ-1", Stage: stage,
			CreatedAt: "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T00:00:00Z",
		})
	})
}

func TestRunRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "run-1", domain.StageIntake)

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Stage != domain.StageIntake || got.SubjectID != "PROJ-1" {
		t.Fatalf("unexpected run: %+v", got)
	}
	if _, err := s.GetRun(ctx, "missing"); err != store.ErrNotFound {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestEventSeqIsGaplessAndAscending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "run-1", domain.StageIntake)
	seedRun(t, s, "run-2", domain.StageIntake)

	for i := 0; i < 3; i++ {
		inTx(t, s, func(tx *sql.Tx) error {
			_, err := s.AppendEvent(ctx, tx, domain.Event{
				RunID: "run-1", Type: domain.EventSubmitted, Stage: domain.StageIntake,
				TS: "2024-01-01T00:00:00Z", Payload: `{"snapshot":{}}`,
			})
			return err
		})
	}
	// a second run's stream is numbered independently
	inTx(t, s, func(tx *sql.Tx) error {
		_, err := s.AppendEvent(ctx, tx, domain.Event{
			RunID: "run-2", Type: domain.EventSubmitted, Stage: domain.StageIntake,
			TS: "2024-01-01T00:00:00Z", Payload: `{"snapshot":{}}`,
		})
		return err
	})

	events, err := s.AllEvents(ctx, "run-1")
	if err != nil {
		t.Fatalf("all events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("want 3 events, got %d", len(events))
	}
	for i, e := range events {
		if e.Seq != int64(i+1) {
			t.Fatalf("event %d has seq %d", i, e.Seq)
		}
	}
	other, _ := s.AllEvents(ctx, "run-2")
	if len(other) != 1 || other[0].Seq != 1 {
		t.Fatalf("run-2 stream not independent: %+v", other)
	}
}

func TestAppendEventRejectsUnknownType(t *testing.T) {
	s := newTestStore(t)
	seedRun(t, s, "run-1", domain.StageIntake)
	tx, err := s.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	_, err = s.AppendEvent(context.Background(), tx, domain.Event{
		RunID: "run-1", Type: "mystery", Stage: domain.StageIntake, TS: "2024-01-01T00:00:00Z",
	})
	if err == nil {
		t.Fatalf("expected rejection of unknown event type")
	}
}

func TestEventsCursorPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "run-1", domain.StageIntake)
	for i := 0; i < 5; i++ {
		inTx(t, s, func(tx *sql.Tx) error {
			_, err := s.AppendEvent(ctx, tx, domain.Event{
				RunID: "run-1", Type: domain.EventGateRetried, Stage: domain.StageIntake,
				TS: "2024-01-01T00:00:00Z",
			})
			return err
		})
	}
	page, err := s.Events(ctx, "run-1", 0, 2)
	if err != nil || len(page) != 2 {
		t.Fatalf("first page: %v len=%d", err, len(page))
	}
	page, err = s.Events(ctx, "run-1", page[len(page)-1].Seq, 10)
	if err != nil || len(page) != 3 {
		t.Fatalf("second page: %v len=%d", err, len(page))
	}
	if page[0].Seq != 3 || page[2].Seq != 5 {
		t.Fatalf("cursor skipped or repeated: %+v", page)
	}
}

func TestAttemptCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "run-1", domain.StageIntake)

	for want := 1; want <= 3; want++ {
		inTx(t, s, func(tx *sql.Tx) error {
			got, err := s.IncrementAttempts(ctx, tx, "run-1", domain.StageIntake)
			if err != nil {
				return err
			}
			if got != want {
				t.Fatalf("want %d attempts, got %d", want, got)
			}
			return nil
		})
	}
	inTx(t, s, func(tx *sql.Tx) error {
		if err := s.ResetAttempts(ctx, tx, "run-1", domain.StageIntake); err != nil {
			return err
		}
		got, err := s.GetAttempts(ctx, tx, "run-1", domain.StageIntake)
		if err != nil {
			return err
		}
		if got != 0 {
			t.Fatalf("want 0 after reset, got %d", got)
		}
		return nil
	})
}

func TestSnapshotAppendAndLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "run-1", domain.StageIntake)

	inTx(t, s, func(tx *sql.Tx) error {
		seq, err := s.AppendSnapshot(ctx, tx, "run-1", domain.StageIntake, `{"v":1}`, "h1", "2024-01-01T00:00:00Z")
		if err != nil {
			return err
		}
		if seq != 1 {
			t.Fatalf("first snapshot seq %d", seq)
		}
		seq, err = s.AppendSnapshot(ctx, tx, "run-1", domain.StageIntake, `{"v":2}`, "h2", "2024-01-01T00:01:00Z")
		if err != nil {
			return err
		}
		if seq != 2 {
			t.Fatalf("second snapshot seq %d", seq)
		}
		return nil
	})

	rec, err := s.LatestSnapshot(ctx, "run-1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if rec.Seq != 2 || rec.PayloadHash != "h2" {
		t.Fatalf("latest is not head: %+v", rec)
	}
}

func TestReplayFoldsSubmittedAndTransitioned(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "run-1", domain.StageIntake)

	snapJSON := `{"snapshot":{"run_id":"run-1","subject_id":"PROJ-1","stage":"intake","title":"Fix login"}}`
	inTx(t, s, func(tx *sql.Tx) error {
		if _, err := s.AppendEvent(ctx, tx, domain.Event{
			RunID: "run-1", Type: domain.EventSubmitted, Stage: domain.StageIntake,
			TS: "2024-01-01T00:00:00Z", Payload: snapJSON,
		}); err != nil {
			return err
		}
		if _, err := s.AppendEvent(ctx, tx, domain.Event{
			RunID: "run-1", Type: domain.EventGatePassed, Stage: domain.StageIntake,
			TS: "2024-01-01T00:00:00Z",
		}); err != nil {
			return err
		}
		_, err := s.AppendEvent(ctx, tx, domain.Event{
			RunID: "run-1", Type: domain.EventTransitioned, Stage: domain.StageIntake,
			TS: "2024-01-01T00:00:00Z", Payload: `{"from":"intake","to":"extract_requirements"}`,
		})
		return err
	})

	snap, err := s.Replay(ctx, "run-1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if snap.Stage != domain.StageExtractRequirements {
		t.Fatalf("replayed stage %s", snap.Stage)
	}
	if snap.Title != "Fix login" {
		t.Fatalf("replayed payload lost: %+v", snap)
	}
}

func TestVerifyReplayMatchesStoredHead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "run-1", domain.StageIntake)

	snap := domain.Snapshot{RunID: "run-1", SubjectID: "PROJ-1", Stage: domain.StageIntake, Title: "Fix login"}
	payload, err := snap.MarshalPayload()
	if err != nil {
		t.Fatal(err)
	}
	inTx(t, s, func(tx *sql.Tx) error {
		if _, err := s.AppendSnapshot(ctx, tx, "run-1", snap.Stage, payload, "h1", "2024-01-01T00:00:00Z"); err != nil {
			return err
		}
		if _, err := s.AppendEvent(ctx, tx, domain.Event{
			RunID: "run-1", Type: domain.EventSubmitted, Stage: snap.Stage,
			TS: "2024-01-01T00:00:00Z", Payload: `{"snapshot":` + payload + `}`,
		}); err != nil {
			return err
		}
		if _, err := s.AppendEvent(ctx, tx, domain.Event{
			RunID: "run-1", Type: domain.EventTransitioned, Stage: snap.Stage,
			TS: "2024-01-01T00:00:00Z", Payload: `{"from":"intake","to":"extract_requirements"}`,
		}); err != nil {
			return err
		}
		return s.UpdateRunStage(ctx, tx, "run-1", domain.StageExtractRequirements, "2024-01-01T00:00:00Z")
	})

	if err := s.VerifyReplay(ctx, "run-1"); err != nil {
		t.Fatalf("verify replay: %v", err)
	}
}

func TestSnapshotRowsKeepTheirSubmissionStage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "run-1", domain.StageIntake)

	inTx(t, s, func(tx *sql.Tx) error {
		if _, err := s.AppendSnapshot(ctx, tx, "run-1", domain.StageIntake, `{"v":1}`, "h1", "2024-01-01T00:00:00Z"); err != nil {
			return err
		}
		return s.UpdateRunStage(ctx, tx, "run-1", domain.StageExtractRequirements, "2024-01-01T00:01:00Z")
	})

	rec, err := s.LatestSnapshot(ctx, "run-1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if rec.Stage != string(domain.StageIntake) {
		t.Fatalf("snapshot row stage rewritten to %s", rec.Stage)
	}
}

func TestListRunsStatusFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "run-a", domain.StageIntake)
	seedRun(t, s, "run-b", domain.StageComplete)
	seedRun(t, s, "run-c", domain.StageFailClosed)

	active, err := s.ListRuns(ctx, store.RunFilters{Status: "active"})
	if err != nil || len(active) != 1 || active[0].ID != "run-a" {
		t.Fatalf("active filter: %v %+v", err, active)
	}
	failed, err := s.ListRuns(ctx, store.RunFilters{Status: "fail_closed"})
	if err != nil || len(failed) != 1 || failed[0].ID != "run-c" {
		t.Fatalf("fail_closed filter: %v %+v", err, failed)
	}
	if _, err := s.ListRuns(ctx, store.RunFilters{Status: "bogus"}); err == nil {
		t.Fatalf("expected error for unknown status filter")
	}
}

func TestInvalidationReportRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "run-1", domain.StageFailClosed)

	inTx(t, s, func(tx *sql.Tx) error {
		return s.InsertInvalidationReport(ctx, tx, domain.InvalidationReport{
			RunID: "run-1", FailedStage: domain.StageGatherEvidence,
			Reason: "evidence lacked provenance", Fixable: false,
			CreatedAt: "2024-01-01T00:00:00Z",
		})
	})
	rep, err := s.GetInvalidationReport(ctx, "run-1")
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if rep.FailedStage != domain.StageGatherEvidence || rep.Fixable {
		t.Fatalf("unexpected report: %+v", rep)
	}
}

func TestExportEventsEmitsOneJSONPerLine(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRun(t, s, "run-1", domain.StageIntake)
	inTx(t, s, func(tx *sql.Tx) error {
		for _, typ := range []string{domain.EventSubmitted, domain.EventGatePassed, domain.EventTransitioned} {
			if _, err := s.AppendEvent(ctx, tx, domain.Event{
				RunID: "run-1", Type: typ, Stage: domain.StageIntake,
				TS: "2024-01-01T00:00:00Z", Payload: `{}`,
			}); err != nil {
				return err
			}
		}
		return nil
	})

	var buf bytes.Buffer
	if err := s.ExportEvents(ctx, &buf, "run-1"); err != nil {
		t.Fatalf("export: %v", err)
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("want 3 lines, got %d: %q", len(lines), buf.String())
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, "{") || !strings.HasSuffix(line, "}") {
			t.Fatalf("line is not a JSON object: %q", line)
		}
	}
}

func TestAPIKeyLookupByHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hash := store.HashAPIKey("secret-key")
	err := s.InsertAPIKey(ctx, domain.APIKey{ID: "key-1", ActorID: "ops", Name: "ci", KeyHash: hash})
	if err != nil {
		t.Fatalf("insert key: %v", err)
	}
	key, err := s.GetAPIKeyByHash(ctx, hash)
	if err != nil || key.ActorID != "ops" {
		t.Fatalf("lookup: %v %+v", err, key)
	}
	if _, err := s.GetAPIKeyByHash(ctx, store.HashAPIKey("wrong")); err != store.ErrNotFound {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}
