package workflow

import (
	"fmt"
	"time"
)

// Confidence is a planner's self-reported confidence in an explanation.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// VersionInfo describes a Planner implementation's capabilities.
type VersionInfo struct {
	Name                string
	Version             string
	SupportedDslVersions []string
	SupportedStepPacks  []string
}

// WorkflowProposal is a planner's draft of a new workflow, prior to
// validation against §4.1/§4.2.
type WorkflowProposal struct {
	Workflow Workflow
}

// WorkflowPatch is a structured, partial modification to an existing
// workflow version.
type WorkflowPatch struct {
	WorkflowID    string
	BaseVersion   int
	AddSteps      []Step
	RemoveStepIDs []string
	UpdateSteps   map[string]Step
	Determinism   *WorkflowDeterminism
	Secrets       []string
}

// RepairRequest is what proposeRepair is handed: a failed workflow, the
// errors that caused the failure, and any suggested fixes those errors
// carried.
type RepairRequest struct {
	Workflow       Workflow
	Errors         []*Error
	SuggestedFixes []SuggestedFix
}

// ExplainResult is explainPlan's optional return shape.
type ExplainResult struct {
	ReasoningSteps []string
	Confidence     Confidence
}

// Planner is the abstract external-reasoning boundary: something that
// proposes and repairs workflows. Every output it returns is treated as
// adversarial until validated (validateProposal / validatePatch) — nothing
// from a Planner is materialized into a stored Workflow unvalidated.
type Planner interface {
	GetVersionInfo() VersionInfo
	ProposeWorkflow(goal string) (WorkflowProposal, error)
	ProposePatch(base Workflow, goal string) (WorkflowPatch, error)
	ProposeRepair(req RepairRequest) (WorkflowPatch, error)
}

// ExplainingPlanner is the optional fifth planner operation.
type ExplainingPlanner interface {
	ExplainPlan(goal string) (ExplainResult, error)
}

// ValidateProposal materializes and validates a planner's workflow draft:
// checks the declared spec version is one this validator recognizes, then
// runs §4.1 and §4.2 over it. The returned CompiledPlan is nil on failure.
func ValidateProposal(proposal WorkflowProposal, registry *HandlerRegistry) (*CompiledPlan, []*Error) {
	w := proposal.Workflow
	if !supportedProposalSpecVersion(w.SpecVersion) {
		return nil, []*Error{NewError(CodeValidationBadField, "proposal specVersion "+w.SpecVersion+" is not supported")}
	}
	result := CompileWorkflow(&w, registry)
	if !result.Success {
		return nil, result.Errors
	}
	return result.Plan, nil
}

func supportedProposalSpecVersion(v string) bool {
	return v == "1.0" || v == "1.1"
}

// ValidatePatch requires the patch's BaseVersion to match the workflow's
// current version, applies it, and validates the result.
func ValidatePatch(base Workflow, patch WorkflowPatch, registry *HandlerRegistry) (Workflow, *CompiledPlan, []*Error) {
	if patch.BaseVersion != base.Version {
		return Workflow{}, nil, []*Error{NewError(CodePlannerVersionConflict,
			fmt.Sprintf("patch baseVersion %d does not match workflow version %d", patch.BaseVersion, base.Version))}
	}
	updated := ApplyPatch(base, patch)
	result := CompileWorkflow(&updated, registry)
	if !result.Success {
		return updated, nil, result.Errors
	}
	return updated, result.Plan, nil
}

// ApplyPatch removes listed step ids, appends AddSteps, replaces each step
// named in UpdateSteps with its entry (keeping the step's own id), and bumps
// the workflow's version. The replacement is whole-step: fields an
// UpdateSteps entry leaves empty are not carried over from the original
// step. It does not validate the result — callers that need a validated
// outcome should call ValidatePatch instead.
func ApplyPatch(w Workflow, patch WorkflowPatch) Workflow {
	remove := map[string]bool{}
	for _, id := range patch.RemoveStepIDs {
		remove[id] = true
	}

	steps := make([]Step, 0, len(w.Steps)+len(patch.AddSteps))
	for _, s := range w.Steps {
		if remove[s.ID] {
			continue
		}
		if upd, ok := patch.UpdateSteps[s.ID]; ok {
			upd.ID = s.ID
			steps = append(steps, upd)
			continue
		}
		steps = append(steps, s)
	}
	steps = append(steps, patch.AddSteps...)

	w.Steps = steps
	if patch.Determinism != nil {
		w.Determinism = *patch.Determinism
	}
	if patch.Secrets != nil {
		w.RequiredSecrets = patch.Secrets
	}
	w.Version++
	w.UpdatedAt = time.Now().UTC()
	return w
}

// CertificationResult is certifyPlanner's return shape.
type CertificationResult struct {
	Passed bool
	Tests  []CertificationTest
	Errors []string
}

// CertificationTest is one named check in the certification suite.
type CertificationTest struct {
	Name   string
	Passed bool
	Detail string
}

// CertifyPlanner exercises p across a closed set of checks: version-info
// completeness, recognized supported versions, a simple proposeWorkflow
// goal compiling, and proposeRepair returning a valid patch.
func CertifyPlanner(p Planner, registry *HandlerRegistry) CertificationResult {
	var tests []CertificationTest
	var errs []string

	info := p.GetVersionInfo()
	infoOK := info.Name != "" && info.Version != "" && len(info.SupportedDslVersions) > 0
	tests = append(tests, CertificationTest{Name: "version_info_complete", Passed: infoOK})
	if !infoOK {
		errs = append(errs, "GetVersionInfo returned an incomplete descriptor")
	}

	versionsOK := true
	for _, v := range info.SupportedDslVersions {
		if !supportedProposalSpecVersion(v) {
			versionsOK = false
		}
	}
	tests = append(tests, CertificationTest{Name: "supported_versions_recognized", Passed: versionsOK})
	if !versionsOK {
		errs = append(errs, "planner declares a spec version this implementation does not recognize")
	}

	proposal, proposeErr := p.ProposeWorkflow("certification goal: summarize a document")
	proposeOK := proposeErr == nil
	var plan *CompiledPlan
	if proposeOK {
		var vErrs []*Error
		plan, vErrs = ValidateProposal(proposal, registry)
		proposeOK = len(vErrs) == 0 && plan != nil
		if !proposeOK {
			errs = append(errs, fmt.Sprintf("proposeWorkflow draft failed validation: %v", vErrs))
		}
	} else {
		errs = append(errs, fmt.Sprintf("proposeWorkflow returned an error: %v", proposeErr))
	}
	tests = append(tests, CertificationTest{Name: "propose_workflow_compiles", Passed: proposeOK})

	repairOK := false
	if proposeOK {
		repairReq := RepairRequest{
			Workflow: proposal.Workflow,
			Errors:   []*Error{NewError(CodeStepExternalTransient, "synthetic transient failure for certification")},
		}
		patch, repairErr := p.ProposeRepair(repairReq)
		if repairErr == nil {
			_, _, vErrs := ValidatePatch(proposal.Workflow, patch, registry)
			repairOK = len(vErrs) == 0
			if !repairOK {
				errs = append(errs, fmt.Sprintf("proposeRepair patch failed validation: %v", vErrs))
			}
		} else {
			errs = append(errs, fmt.Sprintf("proposeRepair returned an error: %v", repairErr))
		}
	}
	tests = append(tests, CertificationTest{Name: "propose_repair_valid", Passed: repairOK})

	passed := true
	for _, t := range tests {
		if !t.Passed {
			passed = false
		}
	}
	return CertificationResult{Passed: passed, Tests: tests, Errors: errs}
}

// ReferencePlanner is a non-LLM-backed, in-process Planner used for local
// iteration and for exercising CertifyPlanner in this repository's own
// tests. It always proposes a minimal single-step workflow for any goal
// string, and repairs by raising maxAttempts or relaxing timeoutMs
// depending on the error code it's handed. It stands in for the external
// reasoning component the protocol is designed to accept.
type ReferencePlanner struct {
	DefaultStepType string
}

// NewReferencePlanner constructs a ReferencePlanner whose single proposed
// step has the given handler type (defaulting to "transform.map").
func NewReferencePlanner(defaultStepType string) *ReferencePlanner {
	if defaultStepType == "" {
		defaultStepType = "transform.map"
	}
	return &ReferencePlanner{DefaultStepType: defaultStepType}
}

func (p *ReferencePlanner) GetVersionInfo() VersionInfo {
	return VersionInfo{
		Name:                 "bilko-reference-planner",
		Version:              "0.1.0",
		SupportedDslVersions: []string{"1.0", "1.1"},
		SupportedStepPacks:   []string{"transform", "http", "ai"},
	}
}

func (p *ReferencePlanner) ProposeWorkflow(goal string) (WorkflowProposal, error) {
	now := time.Now().UTC()
	w := Workflow{
		ID:          "goal-" + DedupeKey([]byte(goal))[:12],
		Version:     1,
		SpecVersion: "1.1",
		Name:        "Auto-generated plan",
		Description: goal,
		Determinism: WorkflowDeterminism{TargetGrade: GradeBestEffort},
		EntryStepID: "s1",
		Steps: []Step{
			{
				ID:   "s1",
				Name: "Execute goal",
				Type: p.DefaultStepType,
				Inputs: map[string]any{
					"goal": goal,
				},
				Policy: Policy{TimeoutMs: 30_000, MaxAttempts: 1, BackoffStrategy: BackoffExponential, BackoffBaseMs: 1000},
			},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	return WorkflowProposal{Workflow: w}, nil
}

func (p *ReferencePlanner) ProposePatch(base Workflow, goal string) (WorkflowPatch, error) {
	newStepID := fmt.Sprintf("s%d", len(base.Steps)+1)
	return WorkflowPatch{
		WorkflowID:  base.ID,
		BaseVersion: base.Version,
		AddSteps: []Step{{
			ID:        newStepID,
			Name:      "Execute goal",
			Type:      p.DefaultStepType,
			DependsOn: lastStepID(base),
			Inputs:    map[string]any{"goal": goal},
			Policy:    Policy{TimeoutMs: 30_000, MaxAttempts: 1, BackoffStrategy: BackoffExponential, BackoffBaseMs: 1000},
		}},
	}, nil
}

func lastStepID(w Workflow) []string {
	if len(w.Steps) == 0 {
		return nil
	}
	return []string{w.Steps[len(w.Steps)-1].ID}
}

// ProposeRepair relaxes timeoutMs by 50% for a timeout error code, or raises
// maxAttempts by one for any other code, targeting whichever step the first
// error names.
func (p *ReferencePlanner) ProposeRepair(req RepairRequest) (WorkflowPatch, error) {
	patch := WorkflowPatch{
		WorkflowID:  req.Workflow.ID,
		BaseVersion: req.Workflow.Version,
		UpdateSteps: map[string]Step{},
	}
	if len(req.Errors) == 0 {
		return patch, nil
	}
	first := req.Errors[0]
	step, ok := req.Workflow.StepByID(first.StepID)
	if !ok {
		return patch, nil
	}

	switch first.Code {
	case CodeRunTimeout, CodeStepHTTPTimeout:
		step.Policy.TimeoutMs = step.Policy.TimeoutMs + step.Policy.TimeoutMs/2
	default:
		step.Policy.MaxAttempts++
	}
	patch.UpdateSteps[step.ID] = step
	return patch, nil
}

func (p *ReferencePlanner) ExplainPlan(goal string) (ExplainResult, error) {
	return ExplainResult{
		ReasoningSteps: []string{
			"treat the goal as a single opaque step",
			"default to BestEffort determinism since the step type is unconstrained",
		},
		Confidence: ConfidenceLow,
	}, nil
}
