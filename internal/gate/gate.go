// Package gate decides whether a snapshot is sufficient to leave its
// stage. Gates are pure functions over the snapshot: no clocks, no
// randomness, no I/O, no mutation.
package gate

import (
	"fmt"
	"sort"
	"strings"

	"interlock/internal/domain"
)

// Func validates one stage's payload.
type Func func(domain.Snapshot) domain.GateResult

// Registry maps each stage to its validation rule, resolved once at
// construction. Stages without a bespoke rule fall back to a generic
// structural gate.
type Registry struct {
	gates map[domain.Stage]Func
}

// NewRegistry builds the default registry covering every working stage.
func NewRegistry() *Registry {
	return &Registry{gates: map[domain.Stage]Func{
		domain.StageIntake:              intakeGate,
		domain.StageExtractRequirements: extractRequirementsGate,
		domain.StageScopeContext:        scopeContextGate,
		domain.StageGatherEvidence:      gatherEvidenceGate,
		domain.StageProposePlan:         proposePlanGate,
		domain.StageAct:                 actGate,
		domain.StageFinalize:            finalizeGate,
	}}
}

// Evaluate runs the stage's gate against the snapshot. A stage tag that
// does not match the snapshot's declared stage is a controller error,
// not a gate verdict, and is surfaced as such.
func (r *Registry) Evaluate(stage domain.Stage, snap domain.Snapshot) (domain.GateResult, error) {
	if snap.Stage != stage {
		return domain.GateResult{}, fmt.Errorf("snapshot stage %s does not match gate stage %s", snap.Stage, stage)
	}
	g, ok := r.gates[stage]
	if !ok {
		g = genericGate
	}
	return g(snap), nil
}

func pass(reason string) domain.GateResult {
	return domain.GateResult{Status: domain.StatusPass, Reasons: []string{reason}}
}

func retry(reason, fix string) domain.GateResult {
	return domain.GateResult{Status: domain.StatusRetry, Reasons: []string{reason}, Fixes: []string{fix}}
}

func stop(reason, fix string) domain.GateResult {
	return domain.GateResult{Status: domain.StatusStop, Reasons: []string{reason}, Fixes: []string{fix}}
}

func intakeGate(snap domain.Snapshot) domain.GateResult {
	if !validSubjectID(snap.SubjectID) {
		return retry(
			"subject_id must be alphanumeric with optional dashes/underscores",
			"Provide subject_id in a format like PROJ-123",
		)
	}
	return pass("Intake fields are pinned")
}

func validSubjectID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

func extractRequirementsGate(snap domain.Snapshot) domain.GateResult {
	req := snap.Requirements
	if req == nil {
		return retry(
			"requirements artifact is missing",
			"Provide requirements.acceptance_criteria, requirements.constraints, and requirements.unknowns",
		)
	}
	if len(req.AcceptanceCriteria) == 0 {
		return retry(
			"requirements.acceptance_criteria must include at least one item",
			"Extract at least one concrete acceptance criterion",
		)
	}
	seen := map[string]bool{}
	for _, item := range append(append([]domain.RequirementItem{}, req.AcceptanceCriteria...), req.Constraints...) {
		if strings.TrimSpace(item.ID) == "" || strings.TrimSpace(item.Text) == "" {
			return retry(
				"requirement items must carry a non-empty id and text",
				"Fill id and text for every acceptance criterion and constraint",
			)
		}
		if seen[item.ID] {
			return retry(
				"requirement ids must be unique across acceptance_criteria and constraints",
				"Use unique ids such as AC-1, AC-2, C-1",
			)
		}
		seen[item.ID] = true
	}
	return pass("Requirements are pinned and usable")
}

func scopeContextGate(snap domain.Snapshot) domain.GateResult {
	if snap.Scope == nil || len(snap.Scope.Targets) == 0 {
		return retry(
			"scope.targets must include at least one retrieval target",
			"Add scoped targets with source, query, rationale, and requirement/unknown links",
		)
	}
	reqIDs := snap.Requirements.IDs()
	for _, target := range snap.Scope.Targets {
		if len(target.RelatedRequirementIDs) == 0 && len(target.RelatedUnknowns) == 0 {
			return retry(
				fmt.Sprintf("scope target %q must link to at least one requirement or unknown", target.ID),
				"Populate related_requirement_ids or related_unknowns for each target",
			)
		}
		if unknown := missingIDs(target.RelatedRequirementIDs, reqIDs); len(reqIDs) > 0 && len(unknown) > 0 {
			return retry(
				fmt.Sprintf("scope target %q references unknown requirement ids: %s", target.ID, strings.Join(unknown, ", ")),
				"Use requirement ids defined in requirements.acceptance_criteria/constraints",
			)
		}
	}
	return pass("Scoped retrieval targets are explicit and linked")
}

func gatherEvidenceGate(snap domain.Snapshot) domain.GateResult {
	if snap.Evidence == nil || len(snap.Evidence.Items) == 0 {
		return retry(
			"evidence.items must include at least one evidence snippet",
			"Add evidence items with source_ref, locator, snippet, and supports",
		)
	}
	reqIDs := snap.Requirements.IDs()
	for _, item := range snap.Evidence.Items {
		if strings.TrimSpace(item.SourceRef) == "" || strings.TrimSpace(item.Snippet) == "" {
			return stop(
				fmt.Sprintf("evidence item %q is missing provenance (source_ref or snippet)", item.ID),
				"Every evidence item needs a verifiable source reference and the supporting snippet",
			)
		}
		if len(item.Supports) == 0 {
			return retry(
				fmt.Sprintf("evidence item %q must support at least one requirement or claim", item.ID),
				"Populate evidence.supports with requirement ids or claim ids",
			)
		}
		if unknown := missingIDs(item.Supports, reqIDs); len(reqIDs) > 0 && len(unknown) > 0 {
			return retry(
				fmt.Sprintf("evidence item %q supports unknown requirement ids: %s", item.ID, strings.Join(unknown, ", ")),
				"Link evidence.supports to known requirement ids",
			)
		}
	}
	return pass("Evidence items are traceable and linked")
}

func proposePlanGate(snap domain.Snapshot) domain.GateResult {
	if snap.Plan == nil || len(snap.Plan.Steps) == 0 {
		return retry(
			"plan.steps must include at least one actionable step",
			"Add plan steps tied to requirements and evidence",
		)
	}
	reqIDs := snap.Requirements.IDs()
	evIDs := snap.Evidence.IDs()
	covered := map[string]bool{}
	for _, step := range snap.Plan.Steps {
		if step.StepType != "investigation" && len(step.RequirementIDs) == 0 {
			return retry(
				fmt.Sprintf("delivery step %q must map to at least one requirement", step.ID),
				"Populate step.requirement_ids or mark step_type as investigation",
			)
		}
		if len(step.EvidenceIDs) == 0 {
			return retry(
				fmt.Sprintf("plan step %q must cite evidence ids", step.ID),
				"Populate step.evidence_ids using evidence item ids",
			)
		}
		if unknown := missingIDs(step.RequirementIDs, reqIDs); len(reqIDs) > 0 && len(unknown) > 0 {
			return retry(
				fmt.Sprintf("plan step %q references unknown requirements: %s", step.ID, strings.Join(unknown, ", ")),
				"Use requirement ids declared in the requirements artifact",
			)
		}
		if unknown := missingIDs(step.EvidenceIDs, evIDs); len(evIDs) > 0 && len(unknown) > 0 {
			return retry(
				fmt.Sprintf("plan step %q references unknown evidence ids: %s", step.ID, strings.Join(unknown, ", ")),
				"Use evidence ids declared in the evidence artifact",
			)
		}
		for _, id := range step.RequirementIDs {
			covered[id] = true
		}
	}
	if missing := uncovered(reqIDs, covered); len(missing) > 0 {
		return retry(
			fmt.Sprintf("plan does not cover all requirements; missing: %s", strings.Join(missing, ", ")),
			"Add or adjust plan steps so every requirement is covered",
		)
	}
	return pass("Plan is actionable and requirement-linked")
}

func actGate(snap domain.Snapshot) domain.GateResult {
	exec := snap.Execution
	if exec == nil {
		return retry(
			"execution artifact is missing",
			"Provide execution outputs and checkpoints",
		)
	}
	if len(exec.Outputs) == 0 {
		return retry(
			"execution.outputs must include at least one candidate output",
			"Add candidate outputs with covered requirements and evidence links",
		)
	}
	if len(exec.Checkpoints) == 0 {
		return retry(
			"execution.checkpoints is empty",
			"Record at least one checkpoint before progressing",
		)
	}
	reqIDs := snap.Requirements.IDs()
	evIDs := snap.Evidence.IDs()
	covered := map[string]bool{}
	for _, output := range exec.Outputs {
		if unknown := missingIDs(output.CoveredRequirementIDs, reqIDs); len(reqIDs) > 0 && len(unknown) > 0 {
			return retry(
				fmt.Sprintf("output %q covers unknown requirements: %s", output.ID, strings.Join(unknown, ", ")),
				"Use requirement ids declared in the requirements artifact",
			)
		}
		if unknown := missingIDs(output.EvidenceIDs, evIDs); len(evIDs) > 0 && len(unknown) > 0 {
			return retry(
				fmt.Sprintf("output %q cites unknown evidence ids: %s", output.ID, strings.Join(unknown, ", ")),
				"Use evidence ids declared in the evidence artifact",
			)
		}
		for _, id := range output.CoveredRequirementIDs {
			covered[id] = true
		}
	}
	if missing := uncovered(reqIDs, covered); len(missing) > 0 {
		return retry(
			fmt.Sprintf("execution outputs do not cover all requirements; missing: %s", strings.Join(missing, ", ")),
			"Add outputs or updates that cover missing requirements",
		)
	}
	return pass("Execution outputs are grounded and coverage-complete")
}

func finalizeGate(snap domain.Snapshot) domain.GateResult {
	fin := snap.Finalization
	if fin == nil {
		return retry(
			"finalization artifact is missing",
			"Provide finalization.outcome and finalization.milestone_summary",
		)
	}
	if strings.TrimSpace(fin.MilestoneSummary) == "" {
		return retry(
			"finalization.milestone_summary is required",
			"Write a high-signal summary of the run outcome",
		)
	}
	switch fin.Outcome {
	case domain.OutcomeDone:
		if snap.Execution != nil {
			reqIDs := snap.Requirements.IDs()
			covered := map[string]bool{}
			for _, output := range snap.Execution.Outputs {
				for _, id := range output.CoveredRequirementIDs {
					covered[id] = true
				}
			}
			if missing := uncovered(reqIDs, covered); len(missing) > 0 {
				return stop(
					fmt.Sprintf("cannot finalize as done; requirements remain uncovered: %s", strings.Join(missing, ", ")),
					"Set outcome to blocked/invalidated or provide the missing execution coverage",
				)
			}
		}
		return pass("Finalization summary is present and coverage-complete")
	case domain.OutcomeBlocked:
		return stop(
			"run finalized as blocked: "+fin.MilestoneSummary,
			"Resolve the unresolved items and begin a fresh run",
		)
	case domain.OutcomeInvalidated:
		return stop(
			"run finalized as invalidated: "+fin.MilestoneSummary,
			"The premise of the work item no longer holds; close it out",
		)
	default:
		return retry(
			fmt.Sprintf("unknown finalization outcome %q", fin.Outcome),
			"Use one of done, blocked, invalidated",
		)
	}
}

// genericGate only checks required-field presence; it serves stages
// with no bespoke rule.
func genericGate(snap domain.Snapshot) domain.GateResult {
	if res := snap.Validate(); res != nil {
		return *res
	}
	return pass("Structural fields are present")
}

func missingIDs(refs []string, known map[string]bool) []string {
	var missing []string
	for _, id := range refs {
		if !known[id] {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	return missing
}

func uncovered(required map[string]bool, covered map[string]bool) []string {
	if len(required) == 0 {
		return nil
	}
	var missing []string
	for id := range required {
		if !covered[id] {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	return missing
}
