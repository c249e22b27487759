package models

import "errors"

// Error taxonomy shared by every component. Callers attach detail with
// fmt.Errorf("%w: ...", ErrX) and test with errors.Is.
var (
	ErrAuth             = errors.New("unauthenticated")
	ErrNotMember        = errors.New("not a member")
	ErrPermissionDenied = errors.New("permission denied")
	ErrConflict         = errors.New("conflict")
	ErrValidation       = errors.New("validation failed")
	ErrNotFound         = errors.New("not found")
	ErrSignalFailed     = errors.New("signal relay failed")
	ErrAlreadySet       = errors.New("phrase already set")
	ErrPhraseNotSet     = errors.New("phrase not set")
	ErrPhraseMismatch   = errors.New("incorrect phrase")
	ErrInternal         = errors.New("internal error")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrAuth, "auth_error"},
	{ErrNotMember, "not_member"},
	{ErrPermissionDenied, "permission_denied"},
	{ErrConflict, "conflict"},
	{ErrValidation, "validation_error"},
	{ErrNotFound, "not_found"},
	{ErrSignalFailed, "signal_failed"},
	{ErrAlreadySet, "already_set"},
	{ErrPhraseNotSet, "phrase_not_set"},
	{ErrPhraseMismatch, "phrase_mismatch"},
	{ErrInternal, "internal_error"},
}

// ErrorCode maps err onto its wire code. Unknown errors are reported as internal_error.
func ErrorCode(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return "internal_error"
}
