// Package agentloop holds the error taxonomy shared by the agent step
// executor and run controller. Kept separate from domain/service so that
// domain/history and domain/browser can report errors without importing
// the (much larger) service package.
package agentloop

import (
	"errors"
	"fmt"
	"strings"
)

// StepErrorKind classifies a failure raised during a single agent step.
// Mirrors the shape of service.LLMErrorKind (Validation/ProviderRateLimit/
// ProviderHTTP/LLMParse/Timeout/Abort/BrowserAction/Fatal replace the LLM
// provider's own kind set).
type StepErrorKind int

const (
	KindValidation StepErrorKind = iota
	KindProviderRateLimit
	KindProviderHTTP
	KindLLMParse
	KindTimeout
	KindAbort
	KindBrowserAction
	KindFatal
)

func (k StepErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindProviderRateLimit:
		return "provider_rate_limit"
	case KindProviderHTTP:
		return "provider_http"
	case KindLLMParse:
		return "llm_parse"
	case KindTimeout:
		return "timeout"
	case KindAbort:
		return "abort"
	case KindBrowserAction:
		return "browser_action"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// IsRetryable reports whether the step executor should retry the step that
// produced this error rather than surface it to the run controller.
func (k StepErrorKind) IsRetryable() bool {
	switch k {
	case KindProviderRateLimit, KindProviderHTTP, KindTimeout:
		return true
	default:
		return false
	}
}

// StepError wraps an underlying error with a classified kind, following
// service.LLMError's Error()/Unwrap()/IsRetryable() shape.
type StepError struct {
	Kind    StepErrorKind
	Message string
	Step    int
	Cause   error
}

func (e *StepError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("step %d [%s]: %s: %v", e.Step, e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("step %d [%s]: %s", e.Step, e.Kind, e.Message)
}

func (e *StepError) Unwrap() error { return e.Cause }

func (e *StepError) IsRetryable() bool { return e.Kind.IsRetryable() }

// NewStepError constructs a StepError of the given kind; it does no
// classification of its own (see ClassifyError for that).
func NewStepError(kind StepErrorKind, step int, message string, cause error) *StepError {
	return &StepError{Kind: kind, Message: message, Step: step, Cause: cause}
}

// ClassifyError pattern-matches an error's text into a StepErrorKind, the
// same way service.ClassifyError does for LLM errors — this is the
// fallback used when the error did not originate as a typed *StepError
// already (e.g. it bubbled up from a browser.Session method).
func ClassifyError(err error, step int) *StepError {
	if err == nil {
		return nil
	}

	var existing *StepError
	if errors.As(err, &existing) {
		return existing
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "context canceled") || strings.Contains(msg, "context deadline exceeded") && strings.Contains(msg, "abort"):
		return NewStepError(KindAbort, step, "run aborted", err)
	case strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "timed out") || strings.Contains(msg, "timeout"):
		return NewStepError(KindTimeout, step, "operation timed out", err)
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") || strings.Contains(msg, "too many requests"):
		return NewStepError(KindProviderRateLimit, step, "provider rate limited the request", err)
	case strings.Contains(msg, "500") || strings.Contains(msg, "502") || strings.Contains(msg, "503") || strings.Contains(msg, "504"):
		return NewStepError(KindProviderHTTP, step, "provider returned a server error", err)
	case strings.Contains(msg, "invalid json") || strings.Contains(msg, "unmarshal") || strings.Contains(msg, "unexpected end of json"):
		return NewStepError(KindLLMParse, step, "model output did not parse as AgentOutput", err)
	case strings.Contains(msg, "selector") || strings.Contains(msg, "element") || strings.Contains(msg, "navigation") || strings.Contains(msg, "page"):
		return NewStepError(KindBrowserAction, step, "browser action failed", err)
	case strings.Contains(msg, "invalid argument") || strings.Contains(msg, "validation"):
		return NewStepError(KindValidation, step, "action arguments failed validation", err)
	default:
		return NewStepError(KindFatal, step, "unclassified error", err)
	}
}
