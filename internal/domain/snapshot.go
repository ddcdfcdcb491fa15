package domain

import (
	"encoding/json"
	"strings"
)

// Snapshot is the full working-state payload for a run at its current
// stage. Structural fields are always required; the artifact fields
// form a stage-scoped payload checked by that stage's gate.
type Snapshot struct {
	RunID       string `json:"run_id"`
	SubjectID   string `json:"subject_id"`
	Stage       Stage  `json:"stage"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	Requirements *RequirementsArtifact `json:"requirements,omitempty"`
	Scope        *ScopeArtifact        `json:"scope,omitempty"`
	Evidence     *EvidenceArtifact     `json:"evidence,omitempty"`
	Plan         *PlanArtifact         `json:"plan,omitempty"`
	Execution    *ExecutionArtifact    `json:"execution,omitempty"`
	Finalization *FinalizationArtifact `json:"finalization,omitempty"`
}

// RequirementItem is a single acceptance criterion or constraint.
type RequirementItem struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Priority string `json:"priority,omitempty" enum:"must,should,could"`
}

// RequirementsArtifact pins what the run must satisfy.
type RequirementsArtifact struct {
	AcceptanceCriteria []RequirementItem `json:"acceptance_criteria"`
	Constraints        []RequirementItem `json:"constraints,omitempty"`
	Unknowns           []string          `json:"unknowns,omitempty"`
}

// IDs returns requirement ids across acceptance criteria and constraints.
func (a *RequirementsArtifact) IDs() map[string]bool {
	if a == nil {
		return nil
	}
	ids := make(map[string]bool, len(a.AcceptanceCriteria)+len(a.Constraints))
	for _, item := range a.AcceptanceCriteria {
		ids[item.ID] = true
	}
	for _, item := range a.Constraints {
		ids[item.ID] = true
	}
	return ids
}

// RetrievalTarget is one scoped place to pull context from.
type RetrievalTarget struct {
	ID                    string   `json:"id"`
	Source                string   `json:"source" enum:"repo,jira,confluence,github,other"`
	Query                 string   `json:"query"`
	Rationale             string   `json:"rationale"`
	RelatedRequirementIDs []string `json:"related_requirement_ids,omitempty"`
	RelatedUnknowns       []string `json:"related_unknowns,omitempty"`
}

type ScopeArtifact struct {
	Targets []RetrievalTarget `json:"targets"`
}

// EvidenceItem is a supporting snippet with provenance.
type EvidenceItem struct {
	ID        string   `json:"id"`
	Source    string   `json:"source" enum:"repo,jira,confluence,github,tool_output,other"`
	SourceRef string   `json:"source_ref"`
	Locator   string   `json:"locator"`
	Snippet   string   `json:"snippet"`
	Supports  []string `json:"supports,omitempty"`
}

type EvidenceArtifact struct {
	Items []EvidenceItem `json:"items"`
}

// IDs returns known evidence ids.
func (a *EvidenceArtifact) IDs() map[string]bool {
	if a == nil {
		return nil
	}
	ids := make(map[string]bool, len(a.Items))
	for _, item := range a.Items {
		ids[item.ID] = true
	}
	return ids
}

// PlanStep is one step in a proposed plan.
type PlanStep struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	RequirementIDs []string `json:"requirement_ids,omitempty"`
	EvidenceIDs    []string `json:"evidence_ids,omitempty"`
	StepType       string   `json:"step_type,omitempty" enum:"delivery,investigation"`
}

type PlanArtifact struct {
	Steps []PlanStep `json:"steps"`
}

// CandidateOutput is produced during execution.
type CandidateOutput struct {
	ID                    string   `json:"id"`
	Summary               string   `json:"summary"`
	CoveredRequirementIDs []string `json:"covered_requirement_ids,omitempty"`
	EvidenceIDs           []string `json:"evidence_ids,omitempty"`
	Status                string   `json:"status,omitempty" enum:"candidate,validated,blocked"`
}

type ExecutionArtifact struct {
	Checkpoints []string          `json:"checkpoints,omitempty"`
	Outputs     []CandidateOutput `json:"outputs"`
}

// Finalization outcomes.
const (
	OutcomeDone        = "done"
	OutcomeBlocked     = "blocked"
	OutcomeInvalidated = "invalidated"
)

// FinalizationArtifact closes out a run.
type FinalizationArtifact struct {
	Outcome          string   `json:"outcome" enum:"done,blocked,invalidated"`
	MilestoneSummary string   `json:"milestone_summary"`
	UnresolvedItems  []string `json:"unresolved_items,omitempty"`
}

// Validate performs the structural boundary check: required fields
// present and the stage tag known. Stage-scoped content is the Gate
// Registry's job, not this one's.
func (s Snapshot) Validate() *GateResult {
	var reasons, fixes []string
	if strings.TrimSpace(s.RunID) == "" {
		reasons = append(reasons, "run_id is required")
		fixes = append(fixes, "Set run_id to the id returned when the run was begun")
	}
	if strings.TrimSpace(s.SubjectID) == "" {
		reasons = append(reasons, "subject_id is required")
		fixes = append(fixes, "Set subject_id to the work item being resolved, e.g. PROJ-123")
	}
	if strings.TrimSpace(s.Title) == "" {
		reasons = append(reasons, "title is required")
		fixes = append(fixes, "Provide a short title for the work item")
	}
	if _, err := ParseStage(string(s.Stage)); err != nil {
		reasons = append(reasons, err.Error())
		fixes = append(fixes, "Use one of the workflow stage tags, e.g. intake")
	}
	if len(reasons) == 0 {
		return nil
	}
	return &GateResult{Status: StatusRetry, Reasons: reasons, Fixes: fixes}
}

// MarshalPayload serializes the snapshot for the append-only streams.
func (s Snapshot) MarshalPayload() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
