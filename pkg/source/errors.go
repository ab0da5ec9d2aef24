package source

import "fmt"

// ErrorCode classifies why an advertisement was rejected. The code travels
// to the offending participant in the negative acknowledgement, so the set is
// part of the external contract.
type ErrorCode string

const (
	// CodeInvalidSsrc: zero or out-of-range SSRC value.
	CodeInvalidSsrc ErrorCode = "invalid-ssrc"
	// CodeDuplicateSsrc: the SSRC is already owned, either by another
	// endpoint or by the same endpoint with different attributes.
	CodeDuplicateSsrc ErrorCode = "duplicate-ssrc"
	// CodeMsidConflict: stream identity rules were violated (msid reuse
	// outside a group family, msid/cname mismatch inside a group).
	CodeMsidConflict ErrorCode = "msid-conflict"
	// CodeGroupedSourceMissing: a group references a source the endpoint
	// does not own, or a group was left without a required member.
	CodeGroupedSourceMissing ErrorCode = "grouped-source-missing"
	// CodeGroupMediaMismatch: a group mixes media types.
	CodeGroupMediaMismatch ErrorCode = "group-media-mismatch"
	// CodeVisitorCodecChange: a visitor tried to advertise media or change
	// its codec preference, which view-only occupants must not do.
	CodeVisitorCodecChange ErrorCode = "visitor-codec-change"
	// CodeLimit: the endpoint exceeded the per-endpoint source budget.
	CodeLimit ErrorCode = "limit-reached"
)

// ValidationError is the typed rejection of a tryAdd/tryRemove. When it is
// returned, the conference source map is guaranteed to be unchanged.
type ValidationError struct {
	Code    ErrorCode
	Message string
}

func (e *ValidationError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// IsValidationError extracts a *ValidationError if err is one.
func IsValidationError(err error) (*ValidationError, bool) {
	validation, ok := err.(*ValidationError)
	return validation, ok
}

func errorf(code ErrorCode, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}
