package workflow

import "fmt"

// Kind groups workflow failures by how the uploader recovers from them.
type Kind string

const (
	// KindInput covers bad files. Fix the file and select again.
	KindInput Kind = "input_error"
	// KindPermission covers a closed window, a finished submission or a
	// passed deadline.
	KindPermission Kind = "permission_error"
	// KindAnomaly means unknown codes remain in the preview.
	KindAnomaly Kind = "anomaly_block"
	// KindTransport means the Persistence Service could not take the upload.
	// The session is kept for a retry.
	KindTransport Kind = "transport_error"
	// KindState is an operation the current stage does not allow.
	KindState Kind = "state_error"
)

// Error is a user-visible workflow failure. Code is stable; Message is shown
// to the uploader as is.
type Error struct {
	Kind    Kind   `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches another *Error with the same Kind and Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

func newError(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// Sentinels for errors.Is. The errors actually returned may carry a cause.
var (
	ErrNoPermission     = newError(KindPermission, "WINDOW_CLOSED", "Uploading is not permitted right now. The upload window is closed or you are not on its list.", nil)
	ErrAlreadySubmitted = newError(KindPermission, "ALREADY_SUBMITTED", "This table has already been submitted for the current census year.", nil)
	ErrDeadlinePassed   = newError(KindPermission, "DEADLINE_PASSED", "The upload deadline has passed.", nil)
	ErrBadExtension     = newError(KindInput, "INVALID_EXTENSION", "Only .json files can be uploaded.", nil)
	ErrMalformedJSON    = newError(KindInput, "MALFORMED_JSON", "The file is not valid JSON.", nil)
	ErrMissingTable     = newError(KindInput, "MISSING_TABLE", "The file does not contain the selected table.", nil)
	ErrNotArray         = newError(KindInput, "NOT_AN_ARRAY", "The selected table in the file is not a list of records.", nil)
	ErrEmptyTable       = newError(KindInput, "EMPTY_TABLE", "The selected table in the file has no records.", nil)
	ErrBadRecord        = newError(KindInput, "INVALID_RECORD", "Every record in the table must be a flat object.", nil)
	ErrUnknownCodes     = newError(KindAnomaly, "UNKNOWN_CODES", "Some values have no matching label. Correct the source data and select the file again.", nil)
	ErrUploadFailed     = newError(KindTransport, "UPLOAD_FAILED", "The upload could not be completed. You can retry.", nil)
	ErrInvalidState     = newError(KindState, "INVALID_STATE", "That action is not available right now.", nil)
)

func withCause(sentinel *Error, err error) *Error {
	return newError(sentinel.Kind, sentinel.Code, sentinel.Message, err)
}

func withMessage(sentinel *Error, message string) *Error {
	return newError(sentinel.Kind, sentinel.Code, message, nil)
}
