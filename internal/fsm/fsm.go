// Package fsm owns the legal stage sequence. It is the only place in
// the system allowed to compute what stage comes next.
package fsm

import (
	"fmt"

	"interlock/internal/domain"
)

// successors is the total successor map over the working stages. The
// last working stage advances to the terminal complete outcome.
var successors = map[domain.Stage]domain.Stage{
	domain.StageIntake:              domain.StageExtractRequirements,
	domain.StageExtractRequirements: domain.StageScopeContext,
	domain.StageScopeContext:        domain.StageGatherEvidence,
	domain.StageGatherEvidence:      domain.StageProposePlan,
	domain.StageProposePlan:         domain.StageAct,
	domain.StageAct:                 domain.StageFinalize,
	domain.StageFinalize:            domain.StageComplete,
}

// guidance describes what each stage requires from the caller. Served
// on pass so the caller knows what the next submission must contain.
var guidance = map[domain.Stage]string{
	domain.StageIntake:              "Parse the work item and pin its basic fields (subject_id, title, description)",
	domain.StageExtractRequirements: "Extract acceptance criteria, constraints, and unknowns from the work item",
	domain.StageScopeContext:        "Declare retrieval targets linked to requirements or unknowns",
	domain.StageGatherEvidence:      "Collect minimal supporting snippets with source references and locators",
	domain.StageProposePlan:         "Propose steps tied to requirements and grounded in gathered evidence",
	domain.StageAct:                 "Execute the plan, recording candidate outputs and checkpoints",
	domain.StageFinalize:            "Record the outcome and a milestone summary covering all requirements",
	domain.StageComplete:            "No further action required",
	domain.StageFailClosed:          "Run is closed; consult the invalidation report",
}

// Successor returns the fixed next stage for a working stage.
func Successor(stage domain.Stage) (domain.Stage, error) {
	next, ok := successors[stage]
	if !ok {
		return "", fmt.Errorf("stage %s has no successor", stage)
	}
	return next, nil
}

// Guidance returns the caller-facing description of what a stage
// requires. Overrides, when configured, are applied by the engine.
func Guidance(stage domain.Stage) string {
	return guidance[stage]
}

// Decide translates a gate verdict into a run-level action. Pure: no
// storage, no gates, no clock. AttemptCount is filled in by the caller
// once the budget policy has been applied.
func Decide(current domain.Stage, gate domain.GateResult) (domain.TransitionResult, error) {
	if current.Terminal() {
		return domain.TransitionResult{}, fmt.Errorf("stage %s is terminal", current)
	}
	switch gate.Status {
	case domain.StatusPass:
		next, err := Successor(current)
		if err != nil {
			return domain.TransitionResult{}, err
		}
		return domain.TransitionResult{
			Status:    domain.StatusPass,
			NextStage: next,
			Guidance:  Guidance(next),
		}, nil
	case domain.StatusRetry:
		return domain.TransitionResult{
			Status:    domain.StatusRetry,
			NextStage: current,
		}, nil
	case domain.StatusStop:
		return domain.TransitionResult{
			Status:    domain.StatusStop,
			NextStage: domain.StageFailClosed,
		}, nil
	default:
		return domain.TransitionResult{}, fmt.Errorf("unknown gate status %q", gate.Status)
	}
}
