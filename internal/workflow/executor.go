package workflow

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// cancellation records one outstanding cancelRun request, kept only for the
// duration of a run's remaining execution and cleared on any terminal
// transition.
type cancellation struct {
	CanceledBy string
	Reason     string
}

// mergeSecrets overlays override onto base, returning nil if both are empty.
// override wins on key collision.
func mergeSecrets(base, override map[string]string) map[string]string {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// Executor drives runs through the state machine of §4.4, dispatching steps
// in topological order and assembling provenance and, optionally,
// attestation on success. It owns a per-executor "busy set" that rejects
// concurrent re-entry on the same run id, mirroring the teacher's
// registry-with-mutex shape (internal/server/registry.go's PipelineRegistry)
// generalized from "reject duplicate key" to "reject concurrent execution".
type Executor struct {
	workflows    WorkflowStore
	runs         RunStore
	provenances  ProvenanceStore
	attestations AttestationStore
	publisher    *Publisher
	registry     *HandlerRegistry
	config       *ExecutorConfig

	busyMu sync.Mutex
	busy   map[string]bool

	cancelMu sync.Mutex
	canceled map[string]cancellation
}

// NewExecutor wires an Executor from its storage, publisher, handler
// registry, and configuration dependencies.
func NewExecutor(workflows WorkflowStore, runs RunStore, provenances ProvenanceStore, attestations AttestationStore, publisher *Publisher, registry *HandlerRegistry, cfg *ExecutorConfig) *Executor {
	if cfg == nil {
		cfg = NewExecutorConfigFromEnv()
	}
	return &Executor{
		workflows:    workflows,
		runs:         runs,
		provenances:  provenances,
		attestations: attestations,
		publisher:    publisher,
		registry:     registry,
		config:       cfg,
		busy:         map[string]bool{},
		canceled:     map[string]cancellation{},
	}
}

// CreateRunInput is createRun's argument bundle (§4.5).
type CreateRunInput struct {
	Scope           string
	WorkflowID      string
	WorkflowVersion int // 0 means "latest"
	Inputs          map[string]any
	SecretOverrides map[string]string
}

// CreateRun loads the requested workflow version, checks required secrets,
// compiles it, and persists a new run in status Created with every step
// pre-populated as Pending in execution order.
func (ex *Executor) CreateRun(ctx context.Context, in CreateRunInput) (Run, *Error) {
	w, err := ex.loadWorkflow(ctx, in.Scope, in.WorkflowID, in.WorkflowVersion)
	if err != nil {
		return Run{}, err
	}

	if missing := missingSecrets(w.RequiredSecrets, in.SecretOverrides); len(missing) > 0 {
		return Run{}, NewError(CodeSecretsMissing,
			"required secrets have no value: "+joinNames(missing),
			WithDetails(map[string]any{"missing": missing}))
	}

	result := CompileWorkflow(&w, ex.registry)
	if !result.Success {
		return Run{}, NewError(CodeWorkflowCompilation, "workflow failed to compile",
			WithDetails(map[string]any{"errors": result.Errors}))
	}

	now := time.Now().UTC()
	run := Run{
		ID:              NewID(),
		WorkflowID:      w.ID,
		WorkflowVersion: w.Version,
		Scope:           in.Scope,
		Status:          RunCreated,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExecutionOrder:  result.Plan.ExecutionOrder,
		StepResults:     map[string]*StepResult{},
		Inputs:          in.Inputs,
		Secrets:         in.SecretOverrides,
	}
	for _, stepID := range result.Plan.ExecutionOrder {
		run.StepResults[stepID] = &StepResult{StepID: stepID, Status: StepPending}
	}

	run, storeErr := ex.runs.Create(ctx, run)
	if storeErr != nil {
		return Run{}, NewError(CodeStepExecutionError, "failed to persist run", WithWrapped(storeErr))
	}

	ex.emit(ctx, EventRunCreated, run, "", nil)
	return run, nil
}

// ExecuteRun runs a previously created run to completion (or until it is
// canceled), re-compiling the workflow from its stored version and
// dispatching every step in the compiled execution order. secretOverrides
// is merged on top of the secrets captured at createRun time (§4.5:
// executeRun accepts its own optional secret values), with executeRun-time
// values winning on key collision.
func (ex *Executor) ExecuteRun(ctx context.Context, scope, runID string, secretOverrides map[string]string) (Run, *Error) {
	if !ex.tryAcquire(runID) {
		return Run{}, NewError(CodeWorkflowAlreadyRunning, "run is already executing", WithRunID(runID))
	}
	defer ex.release(runID)
	defer ex.clearCancellation(runID)

	run, found, storeErr := ex.runs.GetByID(ctx, scope, runID)
	if storeErr != nil || !found {
		return Run{}, NewError(CodeRunNotFound, "run not found", WithRunID(runID))
	}
	run.Secrets = mergeSecrets(run.Secrets, secretOverrides)

	if tErr := ex.transitionRun(ctx, &run, RunQueued); tErr != nil {
		return run, tErr
	}
	run, _ = ex.persistRun(ctx, run)
	ex.emit(ctx, EventRunQueued, run, "", nil)

	if tErr := ex.transitionRun(ctx, &run, RunRunning); tErr != nil {
		return run, tErr
	}
	run.StartedAt = ptrTime(time.Now().UTC())
	run, _ = ex.persistRun(ctx, run)
	ex.emit(ctx, EventRunStarted, run, "", nil)

	w, wErr := ex.loadWorkflow(ctx, scope, run.WorkflowID, run.WorkflowVersion)
	if wErr != nil {
		return ex.failRun(ctx, run, wErr)
	}
	result := CompileWorkflow(&w, ex.registry)
	if !result.Success {
		return ex.failRun(ctx, run, NewError(CodeWorkflowCompilation, "re-compilation failed",
			WithDetails(map[string]any{"errors": result.Errors})))
	}
	plan := result.Plan

	upstream := map[string]map[string]any{}
	var transcript []TranscriptEntry
	outputHashes := map[string]Digest{}

	for _, stepID := range plan.ExecutionOrder {
		if ex.isCanceled(runID) {
			return ex.cancelRunLocked(ctx, run)
		}

		step := plan.Steps[stepID]
		sr := run.StepResults[stepID]
		if sr == nil {
			sr = &StepResult{StepID: stepID, Status: StepPending}
			run.StepResults[stepID] = sr
		}

		if depErr := dependencyFailure(step, run.StepResults); depErr {
			if tErr := TransitionStep(sr, StepCanceled); tErr == nil {
				transcript = append(transcript, TranscriptEntry{StepID: stepID, Timestamp: time.Now().UTC(), Action: "canceled"})
			}
			run, _ = ex.persistRun(ctx, run)
			continue
		}

		if tErr := TransitionStep(sr, StepRunning); tErr != nil {
			return ex.failRun(ctx, run, tErr)
		}
		sr.StartedAt = ptrTime(time.Now().UTC())
		transcript = append(transcript, TranscriptEntry{StepID: stepID, Timestamp: time.Now().UTC(), Action: "started", PoliciesApplied: &step.Policy})
		run, _ = ex.persistRun(ctx, run)
		ex.emit(ctx, EventStepStarted, run, stepID, nil)

		handler, hasHandler := ex.registry.GetStepHandler(step.Type)
		if !hasHandler {
			sr.Status = StepFailed
			sr.Err = NewError(CodeStepNoHandler, "no handler registered for step type "+step.Type, WithStepID(stepID), WithRetryable(false))
			sr.CompletedAt = ptrTime(time.Now().UTC())
			transcript = append(transcript, TranscriptEntry{StepID: stepID, Timestamp: time.Now().UTC(), Action: "failed"})
			run, _ = ex.persistRun(ctx, run)
			ex.emit(ctx, EventStepFailed, run, stepID, sr.Err)
			return ex.failRun(ctx, run, sr.Err)
		}

		execCtx := StepExecutionContext{
			RunID:        run.ID,
			Scope:        run.Scope,
			Inputs:       step.Inputs,
			PriorOutputs: upstream,
			Secrets:      run.Secrets,
		}
		stepResult := runStep(ctx, handler, step, execCtx, func(id string) bool { return ex.isCanceled(id) })
		stepResult.StartedAt = sr.StartedAt

		switch stepResult.Status {
		case StepSucceeded:
			sr.Status = StepSucceeded
			sr.Outputs = stepResult.Outputs
			sr.Attempts = stepResult.Attempts
			sr.CompletedAt = stepResult.CompletedAt
			sr.DurationMs = stepResult.DurationMs
			upstream[stepID] = stepResult.Outputs
			outHash := DigestOf(stepResult.Outputs)
			outputHashes[stepID] = outHash
			transcript = append(transcript, TranscriptEntry{
				StepID: stepID, Timestamp: time.Now().UTC(), Action: "completed",
				DurationMs: &stepResult.DurationMs, OutputHash: &outHash,
			})
			run, _ = ex.persistRun(ctx, run)
			ex.emit(ctx, EventStepSucceeded, run, stepID, nil)

		case StepFailed:
			sr.Status = StepFailed
			sr.Err = stepResult.Err
			sr.Attempts = stepResult.Attempts
			sr.CompletedAt = stepResult.CompletedAt
			sr.DurationMs = stepResult.DurationMs
			transcript = append(transcript, TranscriptEntry{StepID: stepID, Timestamp: time.Now().UTC(), Action: "failed"})
			run, _ = ex.persistRun(ctx, run)
			ex.emit(ctx, EventStepFailed, run, stepID, sr.Err)
			failWith := sr.Err
			if failWith == nil {
				failWith = NewError(CodeStepUnknownFailure, "step failed with no recorded error", WithStepID(stepID))
			}
			return ex.failRun(ctx, run, failWith)

		case StepCanceled:
			sr.Status = StepCanceled
			sr.Attempts = stepResult.Attempts
			sr.CompletedAt = ptrTime(time.Now().UTC())
			transcript = append(transcript, TranscriptEntry{StepID: stepID, Timestamp: time.Now().UTC(), Action: "canceled"})
			run, _ = ex.persistRun(ctx, run)
			return ex.cancelRunLocked(ctx, run)
		}
	}

	if tErr := ex.transitionRun(ctx, &run, RunSucceeded); tErr != nil {
		return run, tErr
	}
	run.CompletedAt = ptrTime(time.Now().UTC())
	run.DeterminismGrade = plan.Determinism.Achievable
	run, _ = ex.persistRun(ctx, run)
	ex.emit(ctx, EventRunSucceeded, run, "", nil)

	run = ex.generateProvenance(ctx, run, plan, outputHashes, transcript)
	return run, nil
}

// CancelRun marks runID as cancellation-requested. A currently Running run
// observes the signal at its next check point inside ExecuteRun; any other
// non-terminal run is transitioned to Canceled synchronously.
func (ex *Executor) CancelRun(ctx context.Context, scope, runID, canceledBy, reason string) (Run, *Error) {
	ex.cancelMu.Lock()
	ex.canceled[runID] = cancellation{CanceledBy: canceledBy, Reason: reason}
	ex.cancelMu.Unlock()

	run, found, storeErr := ex.runs.GetByID(ctx, scope, runID)
	if storeErr != nil || !found {
		return Run{}, NewError(CodeRunNotFound, "run not found", WithRunID(runID))
	}
	run.CanceledBy = canceledBy
	run.CancelReason = reason

	if run.Status == RunRunning {
		// ExecuteRun's loop will observe the signal and transition the run
		// itself; return the record as it stands.
		run, _ = ex.persistRun(ctx, run)
		return run, nil
	}

	if isTerminalRunStatus(run.Status) {
		ex.clearCancellation(runID)
		return run, nil
	}

	return ex.cancelRunLocked(ctx, run)
}

// cancelRunLocked performs the synchronous transition to Canceled: every
// non-terminal step result is marked Canceled, the run event is emitted,
// and the cancellation set entry is cleared.
func (ex *Executor) cancelRunLocked(ctx context.Context, run Run) (Run, *Error) {
	ex.cancelMu.Lock()
	if c, ok := ex.canceled[run.ID]; ok {
		run.CanceledBy = c.CanceledBy
		run.CancelReason = c.Reason
	}
	ex.cancelMu.Unlock()

	for _, sr := range run.StepResults {
		if !isTerminalStepStatus(sr.Status) {
			if sr.Status == StepPending {
				_ = TransitionStep(sr, StepCanceled)
			} else if sr.Status == StepRunning {
				_ = TransitionStep(sr, StepCanceled)
			}
		}
	}
	if tErr := ex.transitionRun(ctx, &run, RunCanceled); tErr != nil {
		return run, nil
	}
	run.CompletedAt = ptrTime(time.Now().UTC())
	run, _ = ex.persistRun(ctx, run)
	ex.emit(ctx, EventRunCanceled, run, "", nil)
	ex.clearCancellation(run.ID)
	return run, nil
}

// TestWorkflowResult is testWorkflow's return shape (§4.5).
type TestWorkflowResult struct {
	Valid       bool
	Compilation CompilationResult
	Determinism *DeterminismAnalysis
}

// TestWorkflow compiles w without creating or persisting a run.
func (ex *Executor) TestWorkflow(w *Workflow) TestWorkflowResult {
	result := CompileWorkflow(w, ex.registry)
	out := TestWorkflowResult{Valid: result.Success, Compilation: result}
	if result.Success {
		out.Determinism = &result.Plan.Determinism
	}
	return out
}

// --- helpers ---

func (ex *Executor) tryAcquire(runID string) bool {
	ex.busyMu.Lock()
	defer ex.busyMu.Unlock()
	if ex.busy[runID] {
		return false
	}
	ex.busy[runID] = true
	return true
}

func (ex *Executor) release(runID string) {
	ex.busyMu.Lock()
	defer ex.busyMu.Unlock()
	delete(ex.busy, runID)
}

func (ex *Executor) isCanceled(runID string) bool {
	ex.cancelMu.Lock()
	defer ex.cancelMu.Unlock()
	_, ok := ex.canceled[runID]
	return ok
}

func (ex *Executor) clearCancellation(runID string) {
	ex.cancelMu.Lock()
	defer ex.cancelMu.Unlock()
	delete(ex.canceled, runID)
}

func (ex *Executor) transitionRun(ctx context.Context, run *Run, to RunStatus) *Error {
	if tErr := TransitionRun(run, to); tErr != nil {
		return tErr
	}
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (ex *Executor) persistRun(ctx context.Context, run Run) (Run, *Error) {
	run.UpdatedAt = time.Now().UTC()
	if _, err := ex.runs.Update(ctx, run); err != nil {
		return run, NewError(CodeStepExecutionError, "failed to persist run", WithWrapped(err))
	}
	// Return the caller's own value, not the store's copy, so step-result
	// pointers the caller still holds stay attached to the run.
	return run, nil
}

func (ex *Executor) failRun(ctx context.Context, run Run, cause *Error) (Run, *Error) {
	if tErr := ex.transitionRun(ctx, &run, RunFailed); tErr != nil {
		return run, tErr
	}
	for _, sr := range run.StepResults {
		if sr.Status == StepPending {
			_ = TransitionStep(sr, StepCanceled)
		}
	}
	run.Err = cause
	run.CompletedAt = ptrTime(time.Now().UTC())
	run, _ = ex.persistRun(ctx, run)
	ex.emit(ctx, EventRunFailed, run, "", cause)
	return run, cause
}

func (ex *Executor) loadWorkflow(ctx context.Context, scope, workflowID string, version int) (Workflow, *Error) {
	if version > 0 {
		w, found, err := ex.workflows.GetByIDAndVersion(ctx, scope, workflowID, version)
		if err != nil || !found {
			return Workflow{}, NewError(CodeValidationNotFound, "workflow version not found", WithDetails(map[string]any{"workflowId": workflowID, "version": version}))
		}
		return w, nil
	}
	w, found, err := ex.workflows.GetByID(ctx, scope, workflowID)
	if err != nil || !found {
		return Workflow{}, NewError(CodeValidationNotFound, "workflow not found", WithDetails(map[string]any{"workflowId": workflowID}))
	}
	return w, nil
}

func missingSecrets(required []string, provided map[string]string) []string {
	var missing []string
	for _, name := range required {
		if v, ok := provided[name]; !ok || v == "" {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}

func dependencyFailure(step CompiledStep, results map[string]*StepResult) bool {
	for _, dep := range step.DependsOn {
		depResult, ok := results[dep]
		if !ok || depResult.Status != StepSucceeded {
			return true
		}
	}
	return false
}

// emit publishes ev via the executor's publisher, isolating any publish
// failure so it can never fail the run it's reporting on (§4.5's "all event
// emissions MUST be isolated").
func (ex *Executor) emit(ctx context.Context, evType EventType, run Run, stepID string, cause *Error) {
	if ex.publisher == nil {
		return
	}
	payload := map[string]any{
		"status":          string(run.Status),
		"workflowVersion": run.WorkflowVersion,
	}
	if run.DeterminismGrade != "" {
		payload["determinismGrade"] = string(run.DeterminismGrade)
	}
	if cause != nil {
		payload["error"] = cause
	}
	ev := Event{
		ID:            NewID(),
		Type:          evType,
		SchemaVersion: EventSchemaVersion,
		Timestamp:     time.Now().UTC(),
		Scope:         run.Scope,
		RunID:         run.ID,
		StepID:        stepID,
		WorkflowID:    run.WorkflowID,
		Payload:       payload,
	}
	if _, err := ex.publisher.PublishEvent(ctx, ev); err != nil {
		log.Warn().
			Str("component", "executor").
			Str("runId", run.ID).
			Str("eventType", string(evType)).
			Err(err).
			Msg("event publish failed; run outcome unaffected")
	}
}

// generateProvenance assembles and persists the provenance record for a
// successfully completed run, then — if configured — generates and
// persists its attestation. Both steps are best-effort in the sense that a
// storage failure here is recorded as a warning-level log rather than
// failing an already-Succeeded run; the run's own outcome is final the
// moment it transitions to Succeeded.
func (ex *Executor) generateProvenance(ctx context.Context, run Run, plan *CompiledPlan, outputHashes map[string]Digest, transcript []TranscriptEntry) Run {
	stepImages := make([]StepImage, 0, len(plan.ExecutionOrder))
	for _, stepID := range plan.ExecutionOrder {
		step := plan.Steps[stepID]
		digest := Sha256Digest([]byte(step.ImplementationVersion))
		stepImages = append(stepImages, StepImage{
			StepID:                stepID,
			ImageDigest:           digest.Hex,
			ImplementationVersion: step.ImplementationVersion,
		})
	}

	prov := Provenance{
		ID:               NewID(),
		RunID:            run.ID,
		WorkflowID:        run.WorkflowID,
		WorkflowVersion:  run.WorkflowVersion,
		CreatedAt:        time.Now().UTC(),
		DeterminismGrade: run.DeterminismGrade,
		WorkflowHash:     plan.WorkflowHash,
		PlanHash:         plan.PlanHash,
		InputHashes:      outputHashes,
		StepImages:       stepImages,
		Transcript:       transcript,
	}

	if ex.provenances != nil {
		if saved, err := ex.provenances.Create(ctx, prov); err == nil {
			prov = saved
		} else {
			log.Warn().Str("component", "executor").Str("runId", run.ID).Err(err).Msg("provenance storage failed")
		}
	}
	run.ProvenanceID = prov.ID
	run, _ = ex.persistRun(ctx, run)
	ex.emit(ctx, EventProvenanceRecorded, run, "", nil)

	if ex.config != nil && ex.config.GenerateAttestations {
		run = ex.generateAttestation(ctx, run, prov, stepImages)
	}
	return run
}

// generateAttestation builds and signs the attestation statement for a
// run's provenance: canonicalize (top-level keys sorted, via encoding/json),
// HMAC-SHA256 with the configured or scope-derived fallback key, persist
// with status Issued, and emit attestation.issued.
func (ex *Executor) generateAttestation(ctx context.Context, run Run, prov Provenance, stepImages []StepImage) Run {
	stepImageDigests := make(map[string]string, len(stepImages))
	for _, si := range stepImages {
		stepImageDigests[si.StepID] = si.ImageDigest
	}

	statement := AttestationStatement{
		WorkflowHash:     prov.WorkflowHash,
		InputHashes:      prov.InputHashes,
		StepImageDigests: stepImageDigests,
		DeterminismGrade: prov.DeterminismGrade,
	}

	key, keyRef := ex.config.AttestationKey(run.Scope)
	signature := signStatement(statement, key)

	att := Attestation{
		ID:   NewID(),
		RunID: run.ID,
		Subject: AttestationSubject{
			RunID: run.ID, WorkflowID: run.WorkflowID, WorkflowVersion: run.WorkflowVersion, ProvenanceID: prov.ID,
		},
		Status:             AttestationIssued,
		Statement:          statement,
		SignatureAlgorithm: "hmac-sha256",
		Signature:          signature,
		VerificationKeyRef: keyRef,
		IssuedAt:           time.Now().UTC(),
	}

	if ex.attestations != nil {
		if saved, err := ex.attestations.Create(ctx, att); err == nil {
			att = saved
		} else {
			log.Warn().Str("component", "executor").Str("runId", run.ID).Err(err).Msg("attestation storage failed")
		}
	}
	run.AttestationID = att.ID
	run, _ = ex.persistRun(ctx, run)
	ex.emit(ctx, EventAttestationIssued, run, "", nil)
	return run
}

func signStatement(statement AttestationStatement, key []byte) string {
	b, err := canonical(statement)
	if err != nil {
		b = []byte(fmt.Sprintf("%v", statement))
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(b)
	return hex.EncodeToString(mac.Sum(nil))
}
