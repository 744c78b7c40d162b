package workflow

import (
	"fmt"
	"strings"
)

// Code is a stable, namespaced error code from the taxonomy in §7.
type Code string

const (
	CodeValidationNotFound        Code = "VALIDATION.NOT_FOUND"
	CodeValidationCycleDetected   Code = "VALIDATION.CYCLE_DETECTED"
	CodeValidationUnreachable     Code = "VALIDATION.UNREACHABLE_STEP"
	CodeValidationBadField        Code = "VALIDATION.BAD_FIELD"
	CodeValidationHandlerContract Code = "VALIDATION.HANDLER_CONTRACT"

	CodeWorkflowCompilation          Code = "WORKFLOW.COMPILATION"
	CodeWorkflowDeterminismViolation Code = "WORKFLOW.DETERMINISM_VIOLATION"
	CodeWorkflowAlreadyRunning       Code = "WORKFLOW.ALREADY_RUNNING"

	CodeRunInvalidTransition Code = "RUN.INVALID_TRANSITION"
	CodeRunNotFound          Code = "RUN.NOT_FOUND"
	CodeRunCanceled          Code = "RUN.CANCELED"
	CodeRunTimeout           Code = "RUN.TIMEOUT"

	CodeStepInvalidTransition Code = "STEP.INVALID_TRANSITION"
	CodeStepHTTPTimeout       Code = "STEP.HTTP.TIMEOUT"
	CodeStepExternalTransient Code = "STEP.EXTERNAL_API.TRANSIENT"
	CodeStepExternalConfig    Code = "STEP.EXTERNAL_API.CONFIG"
	CodeStepNonRetryable      Code = "STEP.NON_RETRYABLE"
	CodeStepExecutionError    Code = "STEP.EXECUTION_ERROR"
	CodeStepNoHandler         Code = "STEP.NO_HANDLER"
	CodeStepUnknownFailure    Code = "STEP.UNKNOWN_FAILURE"

	CodeSecretsMissing Code = "SECRETS.MISSING"

	CodeRateLimitExceeded Code = "RATE_LIMIT.EXCEEDED"

	CodePlannerLLMParse         Code = "PLANNER.LLM_PARSE"
	CodePlannerLLMProvider      Code = "PLANNER.LLM_PROVIDER"
	CodePlannerVersionMismatch  Code = "PLANNER.VERSION_MISMATCH"
	CodePlannerVersionConflict  Code = "PLANNER.VERSION_CONFLICT"
)

// notRetryable is the set of codes that are never retryable regardless of
// the particular instance's construction path.
var notRetryable = map[Code]bool{
	CodeValidationNotFound:        true,
	CodeValidationCycleDetected:   true,
	CodeValidationUnreachable:     true,
	CodeValidationBadField:        true,
	CodeValidationHandlerContract: true,
	CodeWorkflowCompilation:          true,
	CodeWorkflowDeterminismViolation: true,
	CodeWorkflowAlreadyRunning:       true,
	CodeStepExternalConfig: true,
	CodeStepNonRetryable:   true,
	CodeStepNoHandler:      true,
	CodeSecretsMissing:     true,
}

// SuggestedFix is a machine-actionable hint a caller may apply
// programmatically to remediate an error.
type SuggestedFix struct {
	Type        string         `json:"type" yaml:"type"`
	Params      map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
}

// Error is the typed error every fallible operation in this package returns.
type Error struct {
	Code          Code           `json:"code" yaml:"code"`
	Message       string         `json:"message" yaml:"message"`
	Retryable     bool           `json:"retryable" yaml:"retryable"`
	StepID        string         `json:"stepId,omitempty" yaml:"stepId,omitempty"`
	RunID         string         `json:"runId,omitempty" yaml:"runId,omitempty"`
	Details       map[string]any `json:"details,omitempty" yaml:"details,omitempty"`
	SuggestedFixes []SuggestedFix `json:"suggestedFixes,omitempty" yaml:"suggestedFixes,omitempty"`

	wrapped error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.StepID != "" {
		return fmt.Sprintf("%s: %s (step=%s)", e.Code, e.Message, e.StepID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes any error this one wraps, so errors.Is/As can see through it.
func (e *Error) Unwrap() error { return e.wrapped }

// Is lets errors.Is match on Code alone, ignoring message/details.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError constructs a typed error, defaulting Retryable from the code's
// entry in the taxonomy unless overridden by opts.
func NewError(code Code, message string, opts ...ErrorOption) *Error {
	e := &Error{
		Code:      code,
		Message:   message,
		Retryable: !notRetryable[code],
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ErrorOption customizes a constructed *Error.
type ErrorOption func(*Error)

func WithStepID(id string) ErrorOption    { return func(e *Error) { e.StepID = id } }
func WithRunID(id string) ErrorOption     { return func(e *Error) { e.RunID = id } }
func WithRetryable(r bool) ErrorOption    { return func(e *Error) { e.Retryable = r } }
func WithWrapped(err error) ErrorOption   { return func(e *Error) { e.wrapped = err } }
func WithDetails(d map[string]any) ErrorOption {
	return func(e *Error) { e.Details = d }
}
func WithSuggestedFixes(fixes ...SuggestedFix) ErrorOption {
	return func(e *Error) { e.SuggestedFixes = fixes }
}

// SecretMasker masks known secret values out of upstream-derived text before
// it is attached to a typed error's Message or Details, per §7's secret
// hygiene requirement.
type SecretMasker struct {
	secrets []string
}

// NewSecretMasker builds a masker over the given secret values. Empty values
// are ignored.
func NewSecretMasker(secrets ...string) *SecretMasker {
	m := &SecretMasker{}
	for _, s := range secrets {
		if s != "" {
			m.secrets = append(m.secrets, s)
		}
	}
	return m
}

// Mask replaces every occurrence of a known secret in s with a masked form:
// the last four characters preceded by asterisks, or fully masked if the
// secret is shorter than 8 characters.
func (m *SecretMasker) Mask(s string) string {
	if m == nil {
		return s
	}
	for _, secret := range m.secrets {
		s = strings.ReplaceAll(s, secret, maskValue(secret))
	}
	return s
}

func maskValue(secret string) string {
	if len(secret) < 8 {
		return strings.Repeat("*", len(secret))
	}
	tail := secret[len(secret)-4:]
	return strings.Repeat("*", len(secret)-4) + tail
}

// MaskError returns a copy of err with its Message and any string-valued
// Details masked.
func (m *SecretMasker) MaskError(err *Error) *Error {
	if err == nil || m == nil {
		return err
	}
	masked := *err
	masked.Message = m.Mask(err.Message)
	if err.Details != nil {
		maskedDetails := make(map[string]any, len(err.Details))
		for k, v := range err.Details {
			if sv, ok := v.(string); ok {
				maskedDetails[k] = m.Mask(sv)
			} else {
				maskedDetails[k] = v
			}
		}
		masked.Details = maskedDetails
	}
	return &masked
}
