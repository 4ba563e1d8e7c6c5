// Package errors provides structured error handling for qaserve.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where the hundreds
// digit is the category: 1 configuration, 2 file system, 3 network,
// 4 validation and compatibility, 5 internal.
package errors

// Category defines error categories for classification.
type Category string

const (
	CategoryConfig     Category = "CONFIG"
	CategoryIO         Category = "IO"
	CategoryNetwork    Category = "NETWORK"
	CategoryValidation Category = "VALIDATION"
	CategoryInternal   Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal aborts provisioning.
	SeverityFatal Severity = "FATAL"
	// SeverityError fails the operation but not the process.
	SeverityError Severity = "ERROR"
	// SeverityWarning marks a degraded but serving state.
	SeverityWarning Severity = "WARNING"
)

// Error codes.
const (
	ErrCodeConfigNotFound       = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid        = "ERR_102_CONFIG_INVALID"
	ErrCodePipelineConfig       = "ERR_104_PIPELINE_CONFIG"
	ErrCodeUnrecognizedSelector = "ERR_105_UNKNOWN_SELECTOR"

	ErrCodeFileNotFound = "ERR_201_FILE_NOT_FOUND"
	ErrCodeUploadDir    = "ERR_207_UPLOAD_DIR"

	ErrCodeNetworkTimeout     = "ERR_301_NETWORK_TIMEOUT"
	ErrCodeNetworkUnavailable = "ERR_302_NETWORK_UNAVAILABLE"

	ErrCodeInvalidInput       = "ERR_401_INVALID_INPUT"
	ErrCodeQueryEmpty         = "ERR_404_QUERY_EMPTY"
	ErrCodeInvalidPath        = "ERR_406_INVALID_PATH"
	ErrCodeIncompatibleStore  = "ERR_407_INCOMPATIBLE_STORE"
	ErrCodeIncompatibleStages = "ERR_408_INCOMPATIBLE_STAGES"

	ErrCodeInternal = "ERR_501_INTERNAL"
)

// codeInfo is the classification attached to every error built from a code.
type codeInfo struct {
	category  Category
	severity  Severity
	retryable bool
}

var codes = map[string]codeInfo{
	ErrCodeConfigNotFound:       {CategoryConfig, SeverityFatal, false},
	ErrCodeConfigInvalid:        {CategoryConfig, SeverityFatal, false},
	ErrCodePipelineConfig:       {CategoryConfig, SeverityFatal, false},
	ErrCodeUnrecognizedSelector: {CategoryConfig, SeverityWarning, false},

	ErrCodeFileNotFound: {CategoryIO, SeverityError, false},
	ErrCodeUploadDir:    {CategoryIO, SeverityWarning, false},

	ErrCodeNetworkTimeout:     {CategoryNetwork, SeverityWarning, true},
	ErrCodeNetworkUnavailable: {CategoryNetwork, SeverityWarning, true},

	ErrCodeInvalidInput:       {CategoryValidation, SeverityError, false},
	ErrCodeQueryEmpty:         {CategoryValidation, SeverityError, false},
	ErrCodeInvalidPath:        {CategoryValidation, SeverityError, false},
	ErrCodeIncompatibleStore:  {CategoryValidation, SeverityWarning, false},
	ErrCodeIncompatibleStages: {CategoryValidation, SeverityError, false},

	ErrCodeInternal: {CategoryInternal, SeverityError, false},
}

// lookupCode classifies code. Unknown codes are internal errors.
func lookupCode(code string) codeInfo {
	if info, ok := codes[code]; ok {
		return info
	}
	return codeInfo{CategoryInternal, SeverityError, false}
}
