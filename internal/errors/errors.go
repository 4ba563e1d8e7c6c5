package errors

import (
	stderrors "errors"
	"fmt"
)

// QAError is the structured error type for qaserve.
// It provides rich context for error handling, logging, and user presentation.
type QAError struct {
	// Code is the unique error code (e.g., "ERR_104_PIPELINE_CONFIG").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, IO, Network, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *QAError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *QAError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with QAError.
func (e *QAError) Is(target error) bool {
	if t, ok := target.(*QAError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *QAError) WithDetail(key, value string) *QAError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
func (e *QAError) WithSuggestion(suggestion string) *QAError {
	e.Suggestion = suggestion
	return e
}

// New creates a new QAError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *QAError {
	info := lookupCode(code)
	return &QAError{
		Code:      code,
		Message:   message,
		Category:  info.category,
		Severity:  info.severity,
		Cause:     cause,
		Retryable: info.retryable,
	}
}

// Wrap creates a QAError from an existing error.
// The error's message becomes the QAError message.
func Wrap(code string, err error) *QAError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// Sentinel values for errors.Is matching by code.
var (
	ErrPipelineConfig       = &QAError{Code: ErrCodePipelineConfig}
	ErrUnrecognizedSelector = &QAError{Code: ErrCodeUnrecognizedSelector}
	ErrIncompatibleStore    = &QAError{Code: ErrCodeIncompatibleStore}
	ErrIncompatibleStages   = &QAError{Code: ErrCodeIncompatibleStages}
)

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *QAError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// PipelineConfigError reports a malformed or missing pipeline description.
func PipelineConfigError(message string, cause error) *QAError {
	return New(ErrCodePipelineConfig, message, cause).
		WithSuggestion("check the pipeline YAML file and the pipeline.selector setting")
}

// UnrecognizedSelectorError reports a selector that matches no known topology.
func UnrecognizedSelectorError(selector string) *QAError {
	return New(ErrCodeUnrecognizedSelector,
		fmt.Sprintf("pipeline selector %q matches no known topology", selector), nil).
		WithDetail("selector", selector)
}

// IncompatibleStoreError reports a document store that cannot back both the
// query and the indexing pipeline.
func IncompatibleStoreError(kind string) *QAError {
	return New(ErrCodeIncompatibleStore,
		fmt.Sprintf("store kind %s is not shareable across query and indexing pipelines", kind), nil).
		WithDetail("store_kind", kind).
		WithSuggestion("use a file- or server-backed document store for the indexing pipeline")
}

// IOError creates an I/O-related error.
func IOError(message string, cause error) *QAError {
	return New(ErrCodeFileNotFound, message, cause)
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *QAError {
	return New(ErrCodeInvalidInput, message, cause)
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var qe *QAError
	if stderrors.As(err, &qe) {
		return qe.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
// Fatal errors should abort the current operation.
func IsFatal(err error) bool {
	var qe *QAError
	if stderrors.As(err, &qe) {
		return qe.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code from the first QAError in the chain.
// Returns empty string if there is none.
func GetCode(err error) string {
	var qe *QAError
	if stderrors.As(err, &qe) {
		return qe.Code
	}
	return ""
}

// GetCategory extracts the category from the first QAError in the chain.
func GetCategory(err error) Category {
	var qe *QAError
	if stderrors.As(err, &qe) {
		return qe.Category
	}
	return ""
}
