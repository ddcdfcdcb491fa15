package domain

import (
	"fmt"
	"strings"
)

// Stage is one step in the fixed resolution workflow, or a terminal
// outcome. The successor order is owned by the fsm package; nothing
// else may infer "what comes next" from stage values.
type Stage string

const (
	StageIntake              Stage = "intake"
	StageExtractRequirements Stage = "extract_requirements"
	StageScopeContext        Stage = "scope_context"
	StageGatherEvidence      Stage = "gather_evidence"
	StageProposePlan         Stage = "propose_plan"
	StageAct                 Stage = "act"
	StageFinalize            Stage = "finalize"
	StageComplete            Stage = "complete"
	StageFailClosed          Stage = "fail_closed"
)

// WorkingStages lists the submittable stages in workflow order.
// Terminal stages are excluded: they accept no submissions.
var WorkingStages = []Stage{
	StageIntake,
	StageExtractRequirements,
	StageScopeContext,
	StageGatherEvidence,
	StageProposePlan,
	StageAct,
	StageFinalize,
}

// ParseStage validates a stage tag from the wire.
func ParseStage(s string) (Stage, error) {
	st := Stage(strings.TrimSpace(s))
	for _, w := range WorkingStages {
		if st == w {
			return st, nil
		}
	}
	if st == StageComplete || st == StageFailClosed {
		return st, nil
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// Terminal reports whether the stage is an absorbing outcome.
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageFailClosed
}

// Run is one governed workflow instance. Owned by the store; mutated
// only through accepted transitions.
type Run struct {
	ID        string `json:"run_id"`
	SubjectID string `json:"subject_id"`
	Stage     Stage  `json:"stage"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// Status maps the run's stage to a coarse lifecycle status for listing.
func (r Run) Status() string {
	switch r.Stage {
	case StageComplete:
		return "complete"
	case StageFailClosed:
		return "fail_closed"
	default:
		return "active"
	}
}

// GateStatus is a gate or transition verdict.
type GateStatus string

const (
	StatusPass  GateStatus = "pass"
	StatusRetry GateStatus = "retry"
	StatusStop  GateStatus = "stop"
)

// GateResult is the verdict of validating a snapshot against its
// stage's rule. Evaluation is pure: same snapshot, same verdict.
type GateResult struct {
	Status  GateStatus `json:"status" enum:"pass,retry,stop"`
	Reasons []string   `json:"reasons"`
	Fixes   []string   `json:"fixes,omitempty"`
}

// TransitionResult is the run-level action computed from a gate
// verdict: advance, retry in place, or halt.
type TransitionResult struct {
	Status       GateStatus `json:"status" enum:"pass,retry,stop"`
	NextStage    Stage      `json:"next_stage,omitempty"`
	Guidance     string     `json:"guidance,omitempty"`
	AttemptCount int        `json:"attempt_count"`
}

// Event types. The set is closed; the store rejects others.
const (
	EventSubmitted    = "submitted"
	EventGatePassed   = "gate_passed"
	EventGateRetried  = "gate_retried"
	EventGateStopped  = "gate_stopped"
	EventTransitioned = "transitioned"
)

// Event is an immutable record in a run's history. Seq is assigned by
// the store, strictly increasing and gapless per run.
type Event struct {
	RunID   string `json:"run_id"`
	Seq     int64  `json:"sequence_number"`
	Type    string `json:"event_type"`
	Stage   Stage  `json:"stage"`
	TS      string `json:"timestamp" format:"date-time"`
	Payload string `json:"payload_json"`
}

// InvalidationReport is the terminal artifact recorded when a run
// reaches fail_closed. Created once, immutable thereafter.
type InvalidationReport struct {
	RunID       string `json:"run_id"`
	FailedStage Stage  `json:"failed_stage"`
	Reason      string `json:"reason"`
	Fixable     bool   `json:"fixable"`
	NextInput   string `json:"minimal_next_input,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}
