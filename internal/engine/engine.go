// Package engine drives runs through the workflow: one submission in,
// one budget-aware verdict out, every outcome recorded before it is
// reported.
package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"interlock/internal/config"
	"interlock/internal/domain"
	"interlock/internal/fsm"
	"interlock/internal/gate"
	"interlock/internal/policy"
	"interlock/internal/store"
)

// ErrTerminal marks submissions against runs that already finished.
var ErrTerminal = errors.New("run is terminal")

// ErrRunExists marks Begin calls that reuse an existing run id.
var ErrRunExists = errors.New("run already exists")

type Engine struct {
	DB     *sql.DB
	Store  store.Store
	Gates  *gate.Registry
	Config *config.Config
	Now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	return &Engine{
		DB:     db,
		Store:  store.Store{DB: db},
		Gates:  gate.NewRegistry(),
		Config: cfg,
		Now:    time.Now,
		locks:  map[string]*sync.Mutex{},
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// runLock serializes submissions per run. Two clients racing on the
// same run see one verdict each, in order; different runs never block
// each other.
func (e *Engine) runLock(runID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[runID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[runID] = l
	}
	return l
}

// dropLock forgets a terminal run's mutex so the map does not grow with
// finished runs. A racer still holding the old mutex re-reads the run
// and sees the terminal stage.
func (e *Engine) dropLock(runID string) {
	e.mu.Lock()
	delete(e.locks, runID)
	e.mu.Unlock()
}

func (e *Engine) budget() policy.Budget {
	if e.Config != nil && e.Config.Workflow.MaxRetries != nil {
		return policy.New(*e.Config.Workflow.MaxRetries)
	}
	return policy.New(policy.DefaultMaxRetries)
}

func (e *Engine) guidance(stage domain.Stage) string {
	if e.Config != nil {
		if g, ok := e.Config.Workflow.Guidance[string(stage)]; ok && g != "" {
			return g
		}
	}
	return fsm.Guidance(stage)
}

func hashPayload(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// BeginOptions are parameters for starting a run.
type BeginOptions struct {
	RunID       string
	SubjectID   string
	Title       string
	Description string
}

// BeginResult is the starting state handed back to the caller.
type BeginResult struct {
	Run      domain.Run      `json:"run"`
	Snapshot domain.Snapshot `json:"snapshot"`
	Guidance string          `json:"guidance"`
}

// Begin creates a run at the intake stage and records its initial
// snapshot and event in one transaction.
func (e *Engine) Begin(ctx context.Context, opts BeginOptions) (BeginResult, error) {
	if strings.TrimSpace(opts.SubjectID) == "" {
		return BeginResult{}, errors.New("subject_id is required")
	}
	if strings.TrimSpace(opts.Title) == "" {
		return BeginResult{}, errors.New("title is required")
	}
	id := opts.RunID
	if id == "" {
		id = uuid.New().String()
	} else if _, err := e.Store.GetRun(ctx, id); err == nil {
		return BeginResult{}, fmt.Errorf("run %s: %w", id, ErrRunExists)
	} else if !errors.Is(err, store.ErrNotFound) {
		return BeginResult{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	run := domain.Run{
		ID:        id,
		SubjectID: opts.SubjectID,
		Stage:     domain.StageIntake,
		CreatedAt: now,
		UpdatedAt: now,
	}
	snap := domain.Snapshot{
		RunID:       id,
		SubjectID:   opts.SubjectID,
		Stage:       domain.StageIntake,
		Title:       opts.Title,
		Description: opts.Description,
	}
	payload, err := snap.MarshalPayload()
	if err != nil {
		return BeginResult{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return BeginResult{}, err
	}
	defer tx.Rollback()

	if err := e.Store.InsertRun(ctx, tx, run); err != nil {
		return BeginResult{}, fmt.Errorf("insert run: %w", err)
	}
	if _, err := e.Store.AppendSnapshot(ctx, tx, id, snap.Stage, payload, hashPayload(payload), now); err != nil {
		return BeginResult{}, fmt.Errorf("append snapshot: %w", err)
	}
	if _, err := e.Store.AppendEvent(ctx, tx, domain.Event{
		RunID: id, Type: domain.EventSubmitted, Stage: snap.Stage, TS: now,
		Payload: mustJSON(map[string]any{
			"snapshot":     json.RawMessage(payload),
			"payload_hash": hashPayload(payload),
		}),
	}); err != nil {
		return BeginResult{}, fmt.Errorf("append event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return BeginResult{}, err
	}
	return BeginResult{Run: run, Snapshot: snap, Guidance: e.guidance(domain.StageIntake)}, nil
}

// SubmitResult is the full outcome of one submission.
type SubmitResult struct {
	RunID        string                     `json:"run_id"`
	Status       domain.GateStatus          `json:"status" enum:"pass,retry,stop"`
	Stage        domain.Stage               `json:"stage"`
	NextStage    domain.Stage               `json:"next_stage,omitempty"`
	Guidance     string                     `json:"guidance,omitempty"`
	Gate         domain.GateResult          `json:"gate"`
	AttemptCount int                        `json:"attempt_count"`
	Report       *domain.InvalidationReport `json:"invalidation_report,omitempty"`
}

// Submit validates a snapshot against the run's current stage and
// either advances the run, holds it for another attempt, or fails it
// closed. Structural failures count against the stage's retry budget
// exactly like gate retries; only stale and terminal rejections change
// nothing (no events, no budget), so the caller can re-fetch and
// resubmit.
func (e *Engine) Submit(ctx context.Context, snap domain.Snapshot) (SubmitResult, error) {
	structural := snap.Validate()
	if strings.TrimSpace(snap.RunID) == "" {
		// No run to charge; reflect the verdict without persisting.
		return SubmitResult{
			RunID:  snap.RunID,
			Status: structural.Status,
			Stage:  snap.Stage,
			Gate:   *structural,
		}, nil
	}

	lock := e.runLock(snap.RunID)
	lock.Lock()
	defer lock.Unlock()

	run, err := e.Store.GetRun(ctx, snap.RunID)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("run %s: %w", snap.RunID, err)
	}
	if run.Stage.Terminal() {
		return SubmitResult{}, fmt.Errorf("run %s at stage %s: %w", run.ID, run.Stage, ErrTerminal)
	}
	if snap.Stage != run.Stage {
		verdict := domain.GateResult{
			Status:  domain.StatusRetry,
			Reasons: []string{fmt.Sprintf("stale snapshot: submitted for stage %s but run is at stage %s", snap.Stage, run.Stage)},
			Fixes:   []string{fmt.Sprintf("Fetch the latest snapshot and resubmit for stage %s", run.Stage)},
		}
		return SubmitResult{
			RunID:    run.ID,
			Status:   domain.StatusRetry,
			Stage:    run.Stage,
			Guidance: e.guidance(run.Stage),
			Gate:     verdict,
		}, nil
	}
	// An empty subject is a structural failure charged below, not a
	// cross-subject conflict.
	if snap.SubjectID != "" && snap.SubjectID != run.SubjectID {
		return SubmitResult{}, fmt.Errorf("run %s belongs to subject %s, not %s", run.ID, run.SubjectID, snap.SubjectID)
	}

	var verdict domain.GateResult
	if structural != nil {
		verdict = *structural
	} else {
		verdict, err = e.Gates.Evaluate(run.Stage, snap)
		if err != nil {
			return SubmitResult{}, err
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SubmitResult{}, err
	}
	defer tx.Rollback()

	priorRetries, err := e.Store.GetAttempts(ctx, tx, run.ID, run.Stage)
	if err != nil {
		return SubmitResult{}, err
	}
	final, exhausted := e.budget().Apply(verdict, priorRetries)

	decision, err := fsm.Decide(run.Stage, final)
	if err != nil {
		return SubmitResult{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	payload, err := snap.MarshalPayload()
	if err != nil {
		return SubmitResult{}, err
	}
	hash := hashPayload(payload)

	if _, err := e.Store.AppendSnapshot(ctx, tx, run.ID, run.Stage, payload, hash, now); err != nil {
		return SubmitResult{}, fmt.Errorf("append snapshot: %w", err)
	}
	if _, err := e.Store.AppendEvent(ctx, tx, domain.Event{
		RunID: run.ID, Type: domain.EventSubmitted, Stage: run.Stage, TS: now,
		Payload: mustJSON(map[string]any{
			"snapshot":     json.RawMessage(payload),
			"payload_hash": hash,
		}),
	}); err != nil {
		return SubmitResult{}, fmt.Errorf("append event: %w", err)
	}

	result := SubmitResult{
		RunID:  run.ID,
		Status: final.Status,
		Stage:  run.Stage,
		Gate:   final,
	}

	switch final.Status {
	case domain.StatusPass:
		if _, err := e.Store.AppendEvent(ctx, tx, domain.Event{
			RunID: run.ID, Type: domain.EventGatePassed, Stage: run.Stage, TS: now,
			Payload: mustJSON(map[string]any{"payload_hash": hash}),
		}); err != nil {
			return SubmitResult{}, err
		}
		if err := e.Store.ResetAttempts(ctx, tx, run.ID, run.Stage); err != nil {
			return SubmitResult{}, err
		}
		if err := e.transition(ctx, tx, run, decision.NextStage, now); err != nil {
			return SubmitResult{}, err
		}
		result.NextStage = decision.NextStage
		if !decision.NextStage.Terminal() {
			result.Guidance = e.guidance(decision.NextStage)
		}

	case domain.StatusRetry:
		attempts, err := e.Store.IncrementAttempts(ctx, tx, run.ID, run.Stage)
		if err != nil {
			return SubmitResult{}, err
		}
		if _, err := e.Store.AppendEvent(ctx, tx, domain.Event{
			RunID: run.ID, Type: domain.EventGateRetried, Stage: run.Stage, TS: now,
			Payload: mustJSON(map[string]any{
				"reasons": final.Reasons, "fixes": final.Fixes, "attempt": attempts,
			}),
		}); err != nil {
			return SubmitResult{}, err
		}
		result.AttemptCount = attempts
		result.NextStage = run.Stage
		result.Guidance = e.guidance(run.Stage)

	case domain.StatusStop:
		if _, err := e.Store.AppendEvent(ctx, tx, domain.Event{
			RunID: run.ID, Type: domain.EventGateStopped, Stage: run.Stage, TS: now,
			Payload: mustJSON(map[string]any{
				"reasons": final.Reasons, "budget_exhausted": exhausted,
			}),
		}); err != nil {
			return SubmitResult{}, err
		}
		if err := e.transition(ctx, tx, run, domain.StageFailClosed, now); err != nil {
			return SubmitResult{}, err
		}
		report := buildReport(run, snap, final, exhausted, now)
		if err := e.Store.InsertInvalidationReport(ctx, tx, report); err != nil {
			return SubmitResult{}, fmt.Errorf("insert invalidation report: %w", err)
		}
		result.NextStage = domain.StageFailClosed
		result.Report = &report
	}

	if err := tx.Commit(); err != nil {
		return SubmitResult{}, err
	}
	if result.NextStage.Terminal() {
		e.dropLock(run.ID)
	}
	return result, nil
}

// transition moves the run to the new stage and records the
// transitioned event inside the caller's transaction. Snapshot rows are
// never touched; the run row is the only mutable record.
func (e *Engine) transition(ctx context.Context, tx *sql.Tx, run domain.Run, to domain.Stage, now string) error {
	if err := e.Store.UpdateRunStage(ctx, tx, run.ID, to, now); err != nil {
		return fmt.Errorf("update run stage: %w", err)
	}
	if _, err := e.Store.AppendEvent(ctx, tx, domain.Event{
		RunID: run.ID, Type: domain.EventTransitioned, Stage: run.Stage, TS: now,
		Payload: mustJSON(map[string]any{"from": run.Stage, "to": to}),
	}); err != nil {
		return fmt.Errorf("append transitioned event: %w", err)
	}
	return nil
}

// buildReport derives the terminal report from the stopping verdict.
// Exhausted budgets and invalidated outcomes are unfixable; a blocked
// outcome names what would unblock it.
func buildReport(run domain.Run, snap domain.Snapshot, verdict domain.GateResult, exhausted bool, now string) domain.InvalidationReport {
	reason := "gate stopped"
	if len(verdict.Reasons) > 0 {
		reason = strings.Join(verdict.Reasons, "; ")
	}
	fixable := false
	nextInput := strings.Join(verdict.Fixes, "; ")
	if !exhausted && run.Stage == domain.StageFinalize && snap.Finalization != nil {
		switch snap.Finalization.Outcome {
		case domain.OutcomeBlocked:
			fixable = true
			if len(snap.Finalization.UnresolvedItems) > 0 {
				nextInput = strings.Join(snap.Finalization.UnresolvedItems, "; ")
			}
		case domain.OutcomeInvalidated:
			fixable = false
		}
	}
	return domain.InvalidationReport{
		RunID:       run.ID,
		FailedStage: run.Stage,
		Reason:      reason,
		Fixable:     fixable,
		NextInput:   nextInput,
		CreatedAt:   now,
	}
}

// Report returns the invalidation report for a fail-closed run.
func (e *Engine) Report(ctx context.Context, runID string) (domain.InvalidationReport, error) {
	return e.Store.GetInvalidationReport(ctx, runID)
}

// Snapshot returns the run's latest accepted snapshot, with the stage
// taken from the run row so transitions applied after the payload was
// recorded are reflected without rewriting the stream.
func (e *Engine) Snapshot(ctx context.Context, runID string) (domain.Snapshot, error) {
	run, err := e.Store.GetRun(ctx, runID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	rec, err := e.Store.LatestSnapshot(ctx, runID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	var snap domain.Snapshot
	if err := json.Unmarshal([]byte(rec.PayloadJSON), &snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("snapshot %s seq %d: %w", runID, rec.Seq, err)
	}
	snap.Stage = run.Stage
	return snap, nil
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}
