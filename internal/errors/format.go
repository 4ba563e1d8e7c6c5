package errors

import (
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
)

// FormatForCLI formats an error for CLI output.
// Uses a concise format suitable for terminal display.
func FormatForCLI(err error) string {
	if err == nil {
		return ""
	}

	var qe *QAError
	if !stderrors.As(err, &qe) {
		qe = Wrap(ErrCodeInternal, err)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Error: %s\n", qe.Message))
	if qe.Cause != nil && qe.Cause.Error() != qe.Message {
		sb.WriteString(fmt.Sprintf("  Cause: %s\n", qe.Cause.Error()))
	}
	if qe.Suggestion != "" {
		sb.WriteString(fmt.Sprintf("  Hint: %s\n", qe.Suggestion))
	}
	sb.WriteString(fmt.Sprintf("  Code: %s\n", qe.Code))

	return sb.String()
}

// LogAttrs returns slog attributes describing err.
// Plain errors produce a single "error" attribute.
func LogAttrs(err error) []any {
	if err == nil {
		return nil
	}

	var qe *QAError
	if !stderrors.As(err, &qe) {
		return []any{slog.String("error", err.Error())}
	}

	attrs := []any{
		slog.String("error_code", qe.Code),
		slog.String("error", qe.Message),
		slog.String("severity", string(qe.Severity)),
	}
	if qe.Cause != nil {
		attrs = append(attrs, slog.String("cause", qe.Cause.Error()))
	}
	for k, v := range qe.Details {
		attrs = append(attrs, slog.String("detail_"+k, v))
	}
	return attrs
}
