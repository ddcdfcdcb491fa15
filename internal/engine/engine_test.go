package engine_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"interlock/internal/config"
	"interlock/internal/db"
	"interlock/internal/domain"
	"interlock/internal/engine"
	"interlock/internal/migrate"
	"interlock/internal/store"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
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
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func beginRun(t *testing.T, env testEnv) engine.BeginResult {
	t.Helper()
	res, err := env.Engine.Begin(env.Ctx, engine.BeginOptions{
		SubjectID: "PROJ-1", Title: "Fix login timeout", Description: "Sessions expire too early",
	})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	return res
}

// fullSnapshot carries every artifact a run accumulates on the happy
// path; tests set Stage and trim artifacts as needed.
func fullSnapshot(runID string) domain.Snapshot {
	return domain.Snapshot{
		RunID:     runID,
		SubjectID: "PROJ-1",
		Title:     "Fix login timeout",
		Requirements: &domain.RequirementsArtifact{
			AcceptanceCriteria: []domain.RequirementItem{
				{ID: "AC-1", Text: "Sessions survive 30 minutes of inactivity", Priority: "must"},
			},
			Unknowns: []string{"U-1"},
		},
		Scope: &domain.ScopeArtifact{
			Targets: []domain.RetrievalTarget{
				{ID: "T-1", Source: "repo", Query: "session timeout", Rationale: "find expiry config", RelatedRequirementIDs: []string{"AC-1"}},
			},
		},
		Evidence: &domain.EvidenceArtifact{
			Items: []domain.EvidenceItem{
				{ID: "E-1", Source: "repo", SourceRef: "auth/session.go", Locator: "L42", Snippet: "timeout = 5 * time.Minute", Supports: []string{"AC-1"}},
			},
		},
		Plan: &domain.PlanArtifact{
			Steps: []domain.PlanStep{
				{ID: "S-1", Title: "Raise timeout", Description: "Bump session timeout to 30m", RequirementIDs: []string{"AC-1"}, EvidenceIDs: []string{"E-1"}},
			},
		},
		Execution: &domain.ExecutionArtifact{
			Checkpoints: []string{"timeout raised, tests green"},
			Outputs: []domain.CandidateOutput{
				{ID: "O-1", Summary: "Timeout raised to 30m", CoveredRequirementIDs: []string{"AC-1"}, EvidenceIDs: []string{"E-1"}, Status: "validated"},
			},
		},
		Finalization: &domain.FinalizationArtifact{
			Outcome: domain.OutcomeDone, MilestoneSummary: "Session timeout raised and verified",
		},
	}
}

func submitAt(t *testing.T, env testEnv, runID string, stage domain.Stage) engine.SubmitResult {
	t.Helper()
	snap := fullSnapshot(runID)
	snap.Stage = stage
	res, err := env.Engine.Submit(env.Ctx, snap)
	if err != nil {
		t.Fatalf("submit at %s: %v", stage, err)
	}
	return res
}

func TestHappyPathReachesComplete(t *testing.T) {
	env := newTestEnv(t)
	begun := beginRun(t, env)

	for _, stage := range domain.WorkingStages {
		res := submitAt(t, env, begun.Run.ID, stage)
		if res.Status != domain.StatusPass {
			t.Fatalf("stage %s: status %s, reasons %v", stage, res.Status, res.Gate.Reasons)
		}
	}
	run, err := env.Engine.Store.GetRun(env.Ctx, begun.Run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Stage != domain.StageComplete {
		t.Fatalf("final stage %s", run.Stage)
	}
	if run.Status() != "complete" {
		t.Fatalf("final status %s", run.Status())
	}
}

func TestEventStreamIsGaplessAfterHappyPath(t *testing.T) {
	env := newTestEnv(t)
	begun := beginRun(t, env)
	for _, stage := range domain.WorkingStages {
		submitAt(t, env, begun.Run.ID, stage)
	}
	events, err := env.Engine.Store.AllEvents(env.Ctx, begun.Run.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	// begin: 1 submitted. each of 7 stages: submitted + gate_passed + transitioned.
	if len(events) != 1+7*3 {
		t.Fatalf("want %d events, got %d", 1+7*3, len(events))
	}
	for i, e := range events {
		if e.Seq != int64(i+1) {
			t.Fatalf("event %d has seq %d", i, e.Seq)
		}
	}
}

func TestReplayMatchesLatestSnapshot(t *testing.T) {
	env := newTestEnv(t)
	begun := beginRun(t, env)
	for _, stage := range domain.WorkingStages[:4] {
		submitAt(t, env, begun.Run.ID, stage)
	}
	if err := env.Engine.Store.VerifyReplay(env.Ctx, begun.Run.ID); err != nil {
		t.Fatalf("verify replay: %v", err)
	}
	snap, err := env.Engine.Snapshot(env.Ctx, begun.Run.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Stage != domain.StageProposePlan {
		t.Fatalf("head snapshot stage %s", snap.Stage)
	}
}

func TestRetryServesReasonsAndFixesThenPasses(t *testing.T) {
	env := newTestEnv(t)
	begun := beginRun(t, env)
	submitAt(t, env, begun.Run.ID, domain.StageIntake)

	// missing requirements artifact holds the stage
	snap := fullSnapshot(begun.Run.ID)
	snap.Stage = domain.StageExtractRequirements
	snap.Requirements = nil
	res, err := env.Engine.Submit(env.Ctx, snap)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != domain.StatusRetry {
		t.Fatalf("status %s", res.Status)
	}
	if len(res.Gate.Reasons) == 0 || len(res.Gate.Fixes) == 0 {
		t.Fatalf("retry lacks reasons/fixes: %+v", res.Gate)
	}
	if res.AttemptCount != 1 {
		t.Fatalf("attempt count %d", res.AttemptCount)
	}
	if res.NextStage != domain.StageExtractRequirements {
		t.Fatalf("retry moved the run to %s", res.NextStage)
	}

	// corrected submission passes and the counter resets
	res = submitAt(t, env, begun.Run.ID, domain.StageExtractRequirements)
	if res.Status != domain.StatusPass || res.NextStage != domain.StageScopeContext {
		t.Fatalf("pass: %+v", res)
	}
}

func TestBudgetExhaustionFailsClosedWithReport(t *testing.T) {
	env := newTestEnv(t)
	begun := beginRun(t, env)
	submitAt(t, env, begun.Run.ID, domain.StageIntake)

	bad := fullSnapshot(begun.Run.ID)
	bad.Stage = domain.StageExtractRequirements
	bad.Requirements = nil

	for i := 0; i < 3; i++ {
		res, err := env.Engine.Submit(env.Ctx, bad)
		if err != nil {
			t.Fatalf("retry %d: %v", i, err)
		}
		if res.Status != domain.StatusRetry {
			t.Fatalf("retry %d: status %s", i, res.Status)
		}
	}
	res, err := env.Engine.Submit(env.Ctx, bad)
	if err != nil {
		t.Fatalf("final submit: %v", err)
	}
	if res.Status != domain.StatusStop || res.NextStage != domain.StageFailClosed {
		t.Fatalf("expected fail closed, got %+v", res)
	}
	if res.Report == nil {
		t.Fatalf("missing invalidation report")
	}
	if res.Report.Fixable {
		t.Fatalf("budget exhaustion must not be fixable")
	}
	if res.Report.FailedStage != domain.StageExtractRequirements {
		t.Fatalf("report stage %s", res.Report.FailedStage)
	}

	run, _ := env.Engine.Store.GetRun(env.Ctx, begun.Run.ID)
	if run.Stage != domain.StageFailClosed || run.Status() != "fail_closed" {
		t.Fatalf("run not failed closed: %+v", run)
	}
	rep, err := env.Engine.Report(env.Ctx, begun.Run.ID)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if rep.Reason == "" {
		t.Fatalf("persisted report has no reason")
	}
}

func TestStaleSnapshotIsRejectedWithoutSideEffects(t *testing.T) {
	env := newTestEnv(t)
	begun := beginRun(t, env)
	submitAt(t, env, begun.Run.ID, domain.StageIntake)

	before, _ := env.Engine.Store.LatestEventSeq(env.Ctx, begun.Run.ID)

	stale := fullSnapshot(begun.Run.ID)
	stale.Stage = domain.StageIntake
	res, err := env.Engine.Submit(env.Ctx, stale)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != domain.StatusRetry {
		t.Fatalf("status %s", res.Status)
	}
	if res.Stage != domain.StageExtractRequirements {
		t.Fatalf("result stage %s", res.Stage)
	}
	if res.AttemptCount != 0 {
		t.Fatalf("stale submission consumed budget: %d", res.AttemptCount)
	}

	after, _ := env.Engine.Store.LatestEventSeq(env.Ctx, begun.Run.ID)
	if after != before {
		t.Fatalf("stale submission appended events: %d -> %d", before, after)
	}
}

func TestTerminalRunsAbsorbSubmissions(t *testing.T) {
	env := newTestEnv(t)
	begun := beginRun(t, env)
	for _, stage := range domain.WorkingStages {
		submitAt(t, env, begun.Run.ID, stage)
	}
	snap := fullSnapshot(begun.Run.ID)
	snap.Stage = domain.StageFinalize
	_, err := env.Engine.Submit(env.Ctx, snap)
	if !errors.Is(err, engine.ErrTerminal) {
		t.Fatalf("want ErrTerminal, got %v", err)
	}
}

func TestMissingSubjectConsumesRetryBudget(t *testing.T) {
	env := newTestEnv(t)
	begun := beginRun(t, env)
	before, _ := env.Engine.Store.LatestEventSeq(env.Ctx, begun.Run.ID)

	snap := fullSnapshot(begun.Run.ID)
	snap.Stage = domain.StageIntake
	snap.SubjectID = ""
	res, err := env.Engine.Submit(env.Ctx, snap)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != domain.StatusRetry {
		t.Fatalf("status %s", res.Status)
	}
	if res.AttemptCount != 1 {
		t.Fatalf("attempt count %d, want 1", res.AttemptCount)
	}
	if len(res.Gate.Reasons) == 0 || len(res.Gate.Fixes) == 0 {
		t.Fatalf("structural retry lacks reasons/fixes: %+v", res.Gate)
	}

	// the attempt is recorded like any gate retry
	after, _ := env.Engine.Store.LatestEventSeq(env.Ctx, begun.Run.ID)
	if after != before+2 {
		t.Fatalf("want submitted+gate_retried appended, got %d -> %d", before, after)
	}
}

func TestRepeatedStructuralFailureFailsClosed(t *testing.T) {
	env := newTestEnv(t)
	begun := beginRun(t, env)

	bad := fullSnapshot(begun.Run.ID)
	bad.Stage = domain.StageIntake
	bad.SubjectID = ""

	for i := 0; i < 3; i++ {
		res, err := env.Engine.Submit(env.Ctx, bad)
		if err != nil {
			t.Fatalf("retry %d: %v", i, err)
		}
		if res.Status != domain.StatusRetry || res.AttemptCount != i+1 {
			t.Fatalf("retry %d: %+v", i, res)
		}
	}
	res, err := env.Engine.Submit(env.Ctx, bad)
	if err != nil {
		t.Fatalf("final submit: %v", err)
	}
	if res.Status != domain.StatusStop || res.NextStage != domain.StageFailClosed {
		t.Fatalf("expected fail closed, got %+v", res)
	}
	if res.Report == nil || res.Report.Fixable {
		t.Fatalf("expected unfixable report, got %+v", res.Report)
	}
	run, _ := env.Engine.Store.GetRun(env.Ctx, begun.Run.ID)
	if run.Stage != domain.StageFailClosed {
		t.Fatalf("run stage %s after repeated structural failures", run.Stage)
	}
}

func TestSubmitWithoutRunIDReflectsVerdictOnly(t *testing.T) {
	env := newTestEnv(t)
	snap := fullSnapshot("")
	snap.Stage = domain.StageIntake
	res, err := env.Engine.Submit(env.Ctx, snap)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != domain.StatusRetry || len(res.Gate.Reasons) == 0 {
		t.Fatalf("verdict: %+v", res)
	}
}

func TestStricterConfiguredBudgetIsHonored(t *testing.T) {
	env := newTestEnv(t)
	one := 1
	env.Engine.Config.Workflow.MaxRetries = &one
	begun := beginRun(t, env)
	submitAt(t, env, begun.Run.ID, domain.StageIntake)

	bad := fullSnapshot(begun.Run.ID)
	bad.Stage = domain.StageExtractRequirements
	bad.Requirements = nil

	res, err := env.Engine.Submit(env.Ctx, bad)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if res.Status != domain.StatusRetry {
		t.Fatalf("first failure: %s", res.Status)
	}
	res, err = env.Engine.Submit(env.Ctx, bad)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if res.Status != domain.StatusStop || res.NextStage != domain.StageFailClosed {
		t.Fatalf("budget of 1 not enforced: %+v", res)
	}
}

func TestFabricatedEvidenceStopsImmediately(t *testing.T) {
	env := newTestEnv(t)
	begun := beginRun(t, env)
	for _, stage := range domain.WorkingStages[:3] {
		submitAt(t, env, begun.Run.ID, stage)
	}
	snap := fullSnapshot(begun.Run.ID)
	snap.Stage = domain.StageGatherEvidence
	snap.Evidence.Items[0].SourceRef = ""
	res, err := env.Engine.Submit(env.Ctx, snap)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != domain.StatusStop || res.Report == nil {
		t.Fatalf("expected immediate stop with report, got %+v", res)
	}
	if res.Report.Fixable {
		t.Fatalf("provenance violation must not be fixable")
	}
}

func TestBlockedFinalizationIsFixable(t *testing.T) {
	env := newTestEnv(t)
	begun := beginRun(t, env)
	for _, stage := range domain.WorkingStages[:6] {
		submitAt(t, env, begun.Run.ID, stage)
	}
	snap := fullSnapshot(begun.Run.ID)
	snap.Stage = domain.StageFinalize
	snap.Finalization = &domain.FinalizationArtifact{
		Outcome:          domain.OutcomeBlocked,
		MilestoneSummary: "Waiting on upstream API fix",
		UnresolvedItems:  []string{"upstream timeout bug"},
	}
	res, err := env.Engine.Submit(env.Ctx, snap)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != domain.StatusStop || res.Report == nil {
		t.Fatalf("expected stop with report, got %+v", res)
	}
	if !res.Report.Fixable {
		t.Fatalf("blocked outcome should be fixable")
	}
	if res.Report.NextInput == "" {
		t.Fatalf("blocked report should name the next input")
	}
}

func TestIdenticalSubmissionsYieldIdenticalVerdicts(t *testing.T) {
	env := newTestEnv(t)
	a := beginRun(t, env)
	b, err := env.Engine.Begin(env.Ctx, engine.BeginOptions{SubjectID: "PROJ-1", Title: "Fix login timeout"})
	if err != nil {
		t.Fatal(err)
	}
	submitAt(t, env, a.Run.ID, domain.StageIntake)
	submitAt(t, env, b.Run.ID, domain.StageIntake)

	bad := fullSnapshot(a.Run.ID)
	bad.Stage = domain.StageExtractRequirements
	bad.Requirements.AcceptanceCriteria[0].ID = ""
	resA, err := env.Engine.Submit(env.Ctx, bad)
	if err != nil {
		t.Fatal(err)
	}
	bad.RunID = b.Run.ID
	resB, err := env.Engine.Submit(env.Ctx, bad)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(resA.Gate, resB.Gate) {
		t.Fatalf("verdicts diverged:\n%+v\n%+v", resA.Gate, resB.Gate)
	}
}

func TestBeginRequiresSubjectAndTitle(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Begin(env.Ctx, engine.BeginOptions{Title: "x"}); err == nil {
		t.Fatalf("expected subject_id error")
	}
	if _, err := env.Engine.Begin(env.Ctx, engine.BeginOptions{SubjectID: "PROJ-1"}); err == nil {
		t.Fatalf("expected title error")
	}
}

func TestSubmitUnknownRunReturnsNotFound(t *testing.T) {
	env := newTestEnv(t)
	snap := fullSnapshot("no-such-run")
	snap.Stage = domain.StageIntake
	_, err := env.Engine.Submit(env.Ctx, snap)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}
