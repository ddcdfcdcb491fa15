package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// ExportEvents writes the run's event stream as newline-delimited JSON,
// one event per line, in sequence order.
func (s Store) ExportEvents(ctx context.Context, w io.Writer, runID string) error {
	events, err := s.AllEvents(ctx, runID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for _, e := range events {
		line := map[string]any{
			"run_id":          e.RunID,
			"sequence_number": e.Seq,
			"event_type":      e.Type,
			"stage":           e.Stage,
			"timestamp":       e.TS,
			"payload":         json.RawMessage(e.Payload),
		}
		if err := enc.Encode(line); err != nil {
			return fmt.Errorf("export events %s: %w", runID, err)
		}
	}
	return nil
}

// ExportSnapshots writes the run's snapshot versions as
// newline-delimited JSON in sequence order.
func (s Store) ExportSnapshots(ctx context.Context, w io.Writer, runID string) error {
	rows, err := s.DB.QueryContext(ctx, `SELECT run_id,seq,stage,payload_json,payload_hash,ts FROM snapshots WHERE run_id=? ORDER BY seq ASC`, runID)
	if err != nil {
		return err
	}
	defer rows.Close()
	enc := json.NewEncoder(w)
	for rows.Next() {
		var rec SnapshotRecord
		if err := rows.Scan(&rec.RunID, &rec.Seq, &rec.Stage, &rec.PayloadJSON, &rec.PayloadHash, &rec.TS); err != nil {
			return err
		}
		line := map[string]any{
			"run_id":          rec.RunID,
			"sequence_number": rec.Seq,
			"stage":           rec.Stage,
			"payload":         json.RawMessage(rec.PayloadJSON),
			"payload_hash":    rec.PayloadHash,
			"timestamp":       rec.TS,
		}
		if err := enc.Encode(line); err != nil {
			return fmt.Errorf("export snapshots %s: %w", runID, err)
		}
	}
	return rows.Err()
}
