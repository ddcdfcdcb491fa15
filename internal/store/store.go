// Package store is the only component that touches the database. Runs,
// snapshots and events are append-only streams keyed by run id; per-run
// sequence numbers are assigned here, inside the caller's transaction,
// so concurrent writers cannot produce gaps or duplicates.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"interlock/internal/domain"
)

type Store struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (s Store) InsertRun(ctx context.Context, tx *sql.Tx, r domain.Run) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO runs(id,subject_id,stage,created_at,updated_at) VALUES (?,?,?,?,?)`,
		r.ID, r.SubjectID, r.Stage, r.CreatedAt, r.UpdatedAt)
	return err
}

func scanRun(row *sql.Row) (domain.Run, error) {
	var r domain.Run
	err := row.Scan(&r.ID, &r.SubjectID, &r.Stage, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	return r, err
}

func (s Store) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return scanRun(s.DB.QueryRowContext(ctx, `SELECT id,subject_id,stage,created_at,updated_at FROM runs WHERE id=?`, id))
}

func (s Store) GetRunTx(ctx context.Context, tx *sql.Tx, id string) (domain.Run, error) {
	return scanRun(tx.QueryRowContext(ctx, `SELECT id,subject_id,stage,created_at,updated_at FROM runs WHERE id=?`, id))
}

func (s Store) UpdateRunStage(ctx context.Context, tx *sql.Tx, id string, stage domain.Stage, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET stage=?, updated_at=? WHERE id=?`, stage, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type RunFilters struct {
	Status          string
	SubjectID       string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (s Store) ListRuns(ctx context.Context, f RunFilters) ([]domain.Run, error) {
	var clauses []string
	var args []any
	switch f.Status {
	case "":
	case "active":
		clauses = append(clauses, "stage NOT IN (?,?)")
		args = append(args, domain.StageComplete, domain.StageFailClosed)
	case "complete":
		clauses = append(clauses, "stage=?")
		args = append(args, domain.StageComplete)
	case "fail_closed":
		clauses = append(clauses, "stage=?")
		args = append(args, domain.StageFailClosed)
	default:
		return nil, fmt.Errorf("unknown status filter %q", f.Status)
	}
	if f.SubjectID != "" {
		clauses = append(clauses, "subject_id=?")
		args = append(args, f.SubjectID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,subject_id,stage,created_at,updated_at FROM runs ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		var r domain.Run
		if err := rows.Scan(&r.ID, &r.SubjectID, &r.Stage, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

// SnapshotRecord is one accepted snapshot version in a run's stream.
type SnapshotRecord struct {
	RunID       string `json:"run_id"`
	Seq         int64  `json:"sequence_number"`
	Stage       string `json:"stage"`
	PayloadJSON string `json:"payload_json"`
	PayloadHash string `json:"payload_hash"`
	TS          string `json:"timestamp"`
}

func nextSeq(ctx context.Context, tx *sql.Tx, table, runID string) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM `+table+` WHERE run_id=?`, runID).Scan(&seq)
	return seq, err
}

// AppendSnapshot writes the next snapshot version for the run and
// returns the assigned sequence number.
func (s Store) AppendSnapshot(ctx context.Context, tx *sql.Tx, runID string, stage domain.Stage, payloadJSON, payloadHash, ts string) (int64, error) {
	seq, err := nextSeq(ctx, tx, "snapshots", runID)
	if err != nil {
		return 0, err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO snapshots(run_id,seq,stage,payload_json,payload_hash,ts) VALUES (?,?,?,?,?,?)`,
		runID, seq, stage, payloadJSON, payloadHash, ts)
	return seq, err
}

// LatestSnapshot returns the highest-seq snapshot record for the run.
func (s Store) LatestSnapshot(ctx context.Context, runID string) (SnapshotRecord, error) {
	var rec SnapshotRecord
	err := s.DB.QueryRowContext(ctx, `SELECT run_id,seq,stage,payload_json,payload_hash,ts FROM snapshots WHERE run_id=? ORDER BY seq DESC LIMIT 1`, runID).
		Scan(&rec.RunID, &rec.Seq, &rec.Stage, &rec.PayloadJSON, &rec.PayloadHash, &rec.TS)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	return rec, err
}

func (s Store) LatestSnapshotTx(ctx context.Context, tx *sql.Tx, runID string) (SnapshotRecord, error) {
	var rec SnapshotRecord
	err := tx.QueryRowContext(ctx, `SELECT run_id,seq,stage,payload_json,payload_hash,ts FROM snapshots WHERE run_id=? ORDER BY seq DESC LIMIT 1`, runID).
		Scan(&rec.RunID, &rec.Seq, &rec.Stage, &rec.PayloadJSON, &rec.PayloadHash, &rec.TS)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	return rec, err
}

// AppendEvent writes the next event for the run and returns it with the
// assigned sequence number.
func (s Store) AppendEvent(ctx context.Context, tx *sql.Tx, e domain.Event) (domain.Event, error) {
	switch e.Type {
	case domain.EventSubmitted, domain.EventGatePassed, domain.EventGateRetried, domain.EventGateStopped, domain.EventTransitioned:
	default:
		return e, fmt.Errorf("unknown event type %q", e.Type)
	}
	seq, err := nextSeq(ctx, tx, "events", e.RunID)
	if err != nil {
		return e, err
	}
	e.Seq = seq
	if e.Payload == "" {
		e.Payload = "{}"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(run_id,seq,event_type,stage,ts,payload_json) VALUES (?,?,?,?,?,?)`,
		e.RunID, e.Seq, e.Type, e.Stage, e.TS, e.Payload)
	return e, err
}

// Events returns the run's events in sequence order, starting after the
// cursor. A zero cursor reads from the beginning.
func (s Store) Events(ctx context.Context, runID string, after int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT run_id,seq,event_type,stage,ts,payload_json FROM events WHERE run_id=? AND seq>? ORDER BY seq ASC LIMIT ?`,
		runID, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.RunID, &e.Seq, &e.Type, &e.Stage, &e.TS, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// AllEvents returns every event for the run in sequence order.
func (s Store) AllEvents(ctx context.Context, runID string) ([]domain.Event, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT run_id,seq,event_type,stage,ts,payload_json FROM events WHERE run_id=? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.RunID, &e.Seq, &e.Type, &e.Stage, &e.TS, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventSeq returns the most recent event sequence for the run, or
// zero when the run has no events.
func (s Store) LatestEventSeq(ctx context.Context, runID string) (int64, error) {
	var seq int64
	err := s.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM events WHERE run_id=?`, runID).Scan(&seq)
	return seq, err
}

func (s Store) GetAttempts(ctx context.Context, tx *sql.Tx, runID string, stage domain.Stage) (int, error) {
	var count int
	err := tx.QueryRowContext(ctx, `SELECT count FROM attempts WHERE run_id=? AND stage=?`, runID, stage).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return count, err
}

func (s Store) IncrementAttempts(ctx context.Context, tx *sql.Tx, runID string, stage domain.Stage) (int, error) {
	_, err := tx.ExecContext(ctx, `INSERT INTO attempts(run_id,stage,count) VALUES (?,?,1)
ON CONFLICT(run_id,stage) DO UPDATE SET count=count+1`, runID, stage)
	if err != nil {
		return 0, err
	}
	return s.GetAttempts(ctx, tx, runID, stage)
}

func (s Store) ResetAttempts(ctx context.Context, tx *sql.Tx, runID string, stage domain.Stage) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM attempts WHERE run_id=? AND stage=?`, runID, stage)
	return err
}

func (s Store) InsertInvalidationReport(ctx context.Context, tx *sql.Tx, rep domain.InvalidationReport) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO invalidation_reports(run_id,failed_stage,reason,fixable,next_input,created_at) VALUES (?,?,?,?,?,?)`,
		rep.RunID, rep.FailedStage, rep.Reason, rep.Fixable, nullable(rep.NextInput), rep.CreatedAt)
	return err
}

func (s Store) GetInvalidationReport(ctx context.Context, runID string) (domain.InvalidationReport, error) {
	var rep domain.InvalidationReport
	var nextInput sql.NullString
	err := s.DB.QueryRowContext(ctx, `SELECT run_id,failed_stage,reason,fixable,next_input,created_at FROM invalidation_reports WHERE run_id=?`, runID).
		Scan(&rep.RunID, &rep.FailedStage, &rep.Reason, &rep.Fixable, &nextInput, &rep.CreatedAt)
	if err == sql.ErrNoRows {
		return rep, ErrNotFound
	}
	if nextInput.Valid {
		rep.NextInput = nextInput.String
	}
	return rep, err
}

// Replay folds the run's event stream into the state it implies: the
// last submitted snapshot with the stage advanced by every transition
// recorded after it. The result must match the latest stored snapshot.
func (s Store) Replay(ctx context.Context, runID string) (domain.Snapshot, error) {
	events, err := s.AllEvents(ctx, runID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if len(events) == 0 {
		return domain.Snapshot{}, ErrNotFound
	}
	var snap domain.Snapshot
	var seen bool
	for _, e := range events {
		switch e.Type {
		case domain.EventSubmitted:
			var payload struct {
				Snapshot domain.Snapshot `json:"snapshot"`
			}
			if err := json.Unmarshal([]byte(e.Payload), &payload); err != nil {
				return domain.Snapshot{}, fmt.Errorf("replay %s seq %d: %w", runID, e.Seq, err)
			}
			snap = payload.Snapshot
			seen = true
		case domain.EventTransitioned:
			var payload struct {
				To string `json:"to"`
			}
			if err := json.Unmarshal([]byte(e.Payload), &payload); err != nil {
				return domain.Snapshot{}, fmt.Errorf("replay %s seq %d: %w", runID, e.Seq, err)
			}
			stage, err := domain.ParseStage(payload.To)
			if err != nil {
				return domain.Snapshot{}, fmt.Errorf("replay %s seq %d: %w", runID, e.Seq, err)
			}
			snap.Stage = stage
		}
	}
	if !seen {
		return domain.Snapshot{}, fmt.Errorf("replay %s: no submitted event", runID)
	}
	return snap, nil
}

// VerifyReplay recomputes the run's state from its events and compares
// it against the latest stored snapshot, byte for byte after
// normalization. A mismatch means the streams diverged.
func (s Store) VerifyReplay(ctx context.Context, runID string) error {
	replayed, err := s.Replay(ctx, runID)
	if err != nil {
		return err
	}
	rec, err := s.LatestSnapshot(ctx, runID)
	if err != nil {
		return err
	}
	var stored domain.Snapshot
	if err := json.Unmarshal([]byte(rec.PayloadJSON), &stored); err != nil {
		return err
	}
	// Snapshot rows are immutable; the run row carries any transitions
	// applied after the head payload was written.
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	stored.Stage = run.Stage
	a, err := json.Marshal(replayed)
	if err != nil {
		return err
	}
	b, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	if string(a) != string(b) {
		return fmt.Errorf("replay mismatch for run %s", runID)
	}
	return nil
}

// GlobalEvent is an event annotated with its position in the
// database-wide insertion order, used as a delivery cursor.
type GlobalEvent struct {
	ID int64
	domain.Event
}

// GlobalEventsAfter returns events across all runs inserted after the
// cursor, in insertion order.
func (s Store) GlobalEventsAfter(ctx context.Context, limit int, cursor int64) ([]GlobalEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT rowid,run_id,seq,event_type,stage,ts,payload_json FROM events WHERE rowid>? ORDER BY rowid ASC LIMIT ?`,
		cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []GlobalEvent
	for rows.Next() {
		var e GlobalEvent
		if err := rows.Scan(&e.ID, &e.RunID, &e.Seq, &e.Type, &e.Stage, &e.TS, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestGlobalEventID returns the insertion-order id of the most recent
// event across all runs.
func (s Store) LatestGlobalEventID(ctx context.Context) (int64, error) {
	var id int64
	err := s.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(rowid),0) FROM events`).Scan(&id)
	return id, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
