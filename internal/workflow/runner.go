package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// StepExecutionContext is everything a Handler needs to run one step
// attempt: the identity of the run it belongs to, the step's resolved
// inputs, the outputs already produced by earlier steps of the run (keyed
// by step id), and every secret value supplied for the run at createRun and
// executeRun time.
type StepExecutionContext struct {
	RunID        string
	Scope        string
	Inputs       map[string]any
	PriorOutputs map[string]map[string]any
	Secrets      map[string]string
}

// Handler executes one step type. Execute must be safe to call concurrently
// across different runs and must itself honor ctx cancellation; the runner
// treats a context-deadline error as a timeout, any other error as
// retryable unless the handler returns it wrapped via NewError with
// Retryable(false) or code STEP.NON_RETRYABLE.
type Handler interface {
	Execute(ctx context.Context, step CompiledStep, execCtx StepExecutionContext) (map[string]any, error)
}

// FieldContract is the ad-hoc required/type/enum form of an input contract
// described in §4.2 step 4, for handlers that don't need full JSON Schema.
type FieldContract struct {
	Required bool
	Type     string // "string", "number", "boolean", "object", "array"
	Enum     []any
}

// ContractDeclarer is an optional marker interface a Handler may implement
// to declare its input contract in the ad-hoc form.
type ContractDeclarer interface {
	InputContract() map[string]FieldContract
}

// SchemaDeclarer is an optional marker interface a Handler may implement to
// declare its input contract as a JSON Schema document instead of the
// ad-hoc form.
type SchemaDeclarer interface {
	InputSchema() ([]byte, error)
}

// PreflightProber is an optional marker interface a Handler may implement
// to run a cheap readiness check (credentials present, endpoint reachable)
// ahead of execution. Neither the compiler, the runner nor the CLI calls
// Preflight; it is invoked only by code that embeds this package.
type PreflightProber interface {
	Preflight(ctx context.Context) error
}

// HandlerRegistry is the process-wide type -> Handler map, mirroring the
// teacher's tool registry shape: a mutex-guarded map with Register/Get and
// a listing accessor.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: map[string]Handler{}}
}

// RegisterStepHandler registers h for stepType, replacing any prior
// registration. Re-registering under the same running process is legal
// (tests and local iteration both rely on it); there is no duplicate-key
// error here, since handlers are wired at process startup, not created by
// untrusted callers.
func (r *HandlerRegistry) RegisterStepHandler(stepType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers == nil {
		r.handlers = map[string]Handler{}
	}
	r.handlers[stepType] = h
}

func (r *HandlerRegistry) GetStepHandler(stepType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[stepType]
	return h, ok
}

func (r *HandlerRegistry) GetRegisteredHandlers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

// checkHandlerContracts implements §4.2 step 4: for every compiled step
// whose type has a registered handler declaring an input contract (ad-hoc
// or JSON Schema), validate the step's inputs against it. Steps whose type
// has no registered handler are skipped — missing handlers are a
// runtime-only failure (STEP.NO_HANDLER), not a compile error.
func checkHandlerContracts(steps map[string]CompiledStep, registry *HandlerRegistry) []*Error {
	var errs []*Error
	for _, step := range steps {
		h, ok := registry.GetStepHandler(step.Type)
		if !ok {
			continue
		}
		if decl, ok := h.(ContractDeclarer); ok {
			errs = append(errs, checkAdHocContract(step, decl.InputContract())...)
		}
		if decl, ok := h.(SchemaDeclarer); ok {
			if schemaBytes, err := decl.InputSchema(); err == nil && len(schemaBytes) > 0 {
				if e := checkJSONSchemaContract(step, schemaBytes); e != nil {
					errs = append(errs, e)
				}
			}
		}
	}
	return errs
}

func checkAdHocContract(step CompiledStep, contract map[string]FieldContract) []*Error {
	var errs []*Error
	for field, fc := range contract {
		v, present := step.Inputs[field]
		if !present {
			if fc.Required {
				errs = append(errs, NewError(CodeValidationHandlerContract,
					fmt.Sprintf("step %s: required input %q is missing", step.StepID, field),
					WithStepID(step.StepID),
					WithSuggestedFixes(SuggestedFix{
						Type: "add_input", Description: "add the required input " + field,
						Params: map[string]any{"field": field},
					})))
			}
			continue
		}
		if fc.Type != "" && !matchesJSONType(v, fc.Type) {
			errs = append(errs, NewError(CodeValidationHandlerContract,
				fmt.Sprintf("step %s: input %q must be of type %s", step.StepID, field, fc.Type),
				WithStepID(step.StepID)))
		}
		if len(fc.Enum) > 0 && !enumContains(fc.Enum, v) {
			errs = append(errs, NewError(CodeValidationHandlerContract,
				fmt.Sprintf("step %s: input %q must be one of the allowed values", step.StepID, field),
				WithStepID(step.StepID),
				WithSuggestedFixes(SuggestedFix{
					Type: "set_allowed_value", Description: "use one of the handler's allowed values",
					Params: map[string]any{"field": field, "allowed": fc.Enum},
				})))
		}
	}
	return errs
}

func matchesJSONType(v any, want string) bool {
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	default:
		return true
	}
}

func enumContains(enum []any, v any) bool {
	for _, e := range enum {
		if fmt.Sprint(e) == fmt.Sprint(v) {
			return true
		}
	}
	return false
}

func checkJSONSchemaContract(step CompiledStep, schemaBytes []byte) *Error {
	c := jsonschema.NewCompiler()
	resourceName := "step-" + step.StepID + ".json"
	if err := c.AddResource(resourceName, strings.NewReader(string(schemaBytes))); err != nil {
		return NewError(CodeValidationHandlerContract,
			fmt.Sprintf("step %s: handler schema is invalid: %v", step.StepID, err), WithStepID(step.StepID))
	}
	schema, err := c.Compile(resourceName)
	if err != nil {
		return NewError(CodeValidationHandlerContract,
			fmt.Sprintf("step %s: handler schema did not compile: %v", step.StepID, err), WithStepID(step.StepID))
	}
	inputs := step.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	if err := schema.Validate(inputs); err != nil {
		return NewError(CodeValidationHandlerContract,
			fmt.Sprintf("step %s: inputs failed schema validation: %v", step.StepID, err), WithStepID(step.StepID))
	}
	return nil
}

// liveCancellation is queried by runStep on every attempt boundary rather
// than snapshotted once, so a cancelRun call observed mid-retry takes
// effect before the next attempt or sleep, not only at the start of the
// step.
type liveCancellation func(runID string) bool

// runStep executes one step to completion (success, non-retryable failure,
// cancellation, or attempts exhausted), driving the attempt/backoff loop
// described in §4.3. It never panics: a handler panic is recovered and
// turned into a STEP.EXECUTION_ERROR.
func runStep(ctx context.Context, h Handler, step CompiledStep, execCtx StepExecutionContext, isCanceled liveCancellation) StepResult {
	maxAttempts := step.Policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	start := time.Now()
	result := StepResult{StepID: step.StepID, Status: StepRunning, StartedAt: ptrTime(start)}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if isCanceled != nil && isCanceled(execCtx.RunID) {
			result.Status = StepCanceled
			result.Attempts = attempt - 1
			result.CompletedAt = ptrTime(time.Now())
			result.DurationMs = time.Since(start).Milliseconds()
			return result
		}

		outputs, stepErr := attemptStep(ctx, h, step, execCtx)
		result.Attempts = attempt

		if stepErr == nil {
			result.Status = StepSucceeded
			result.Outputs = outputs
			result.CompletedAt = ptrTime(time.Now())
			result.DurationMs = time.Since(start).Milliseconds()
			return result
		}

		if !stepErr.Retryable || attempt == maxAttempts {
			result.Status = StepFailed
			result.Err = stepErr
			result.CompletedAt = ptrTime(time.Now())
			result.DurationMs = time.Since(start).Milliseconds()
			return result
		}

		if isCanceled != nil && isCanceled(execCtx.RunID) {
			result.Status = StepCanceled
			result.CompletedAt = ptrTime(time.Now())
			result.DurationMs = time.Since(start).Milliseconds()
			return result
		}

		delay := delayForAttempt(step.Policy.BackoffStrategy, step.Policy.BackoffBaseMs, attempt)
		log.Debug().
			Str("component", "runner").
			Str("stepId", step.StepID).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("step attempt failed; retrying after backoff")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			result.Status = StepCanceled
			result.CompletedAt = ptrTime(time.Now())
			result.DurationMs = time.Since(start).Milliseconds()
			return result
		}
	}

	// Unreachable: the loop above always returns by the last attempt.
	result.Status = StepFailed
	result.CompletedAt = ptrTime(time.Now())
	return result
}

// attemptStep runs exactly one attempt under the step's timeout, recovering
// any handler panic into a typed, non-retryable error so a single broken
// handler can never take the executor down with it.
func attemptStep(ctx context.Context, h Handler, step CompiledStep, execCtx StepExecutionContext) (outputs map[string]any, stepErr *Error) {
	defer func() {
		if r := recover(); r != nil {
			stepErr = NewError(CodeStepExecutionError,
				fmt.Sprintf("handler panicked: %v", r),
				WithStepID(step.StepID), WithRetryable(false))
		}
	}()

	timeout := time.Duration(step.Policy.TimeoutMs) * time.Millisecond
	attemptCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out, err := h.Execute(attemptCtx, step, execCtx)
	if err == nil {
		return out, nil
	}

	masker := NewSecretMasker(secretValues(execCtx.Secrets)...)

	if attemptCtx.Err() == context.DeadlineExceeded {
		return nil, NewError(CodeStepHTTPTimeout, "step timed out", WithStepID(step.StepID), WithRetryable(true),
			WithSuggestedFixes(
				SuggestedFix{Type: "increase_timeout", Description: "increase timeoutMs"},
				SuggestedFix{Type: "reduce_scope", Description: "reduce the step's scope of work"},
			))
	}

	var typed *Error
	if asTyped(err, &typed) {
		return nil, masker.MaskError(typed)
	}
	return nil, masker.MaskError(NewError(CodeStepExecutionError, err.Error(), WithStepID(step.StepID), WithWrapped(err)))
}

// secretValues flattens a secrets map into its values for masking purposes;
// the names themselves carry no sensitive information.
func secretValues(secrets map[string]string) []string {
	out := make([]string, 0, len(secrets))
	for _, v := range secrets {
		out = append(out, v)
	}
	return out
}

func asTyped(err error, target **Error) bool {
	if e, ok := err.(*Error); ok {
		*target = e
		return true
	}
	return false
}

func ptrTime(t time.Time) *time.Time { return &t }

// marshalForLog is a small debugging aid that renders v as JSON for a log
// field, falling back to %v formatting; nothing in this package calls it on
// the execution path.
func marshalForLog(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
