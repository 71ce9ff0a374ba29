package agent

import "errors"

// UserFacingError carries a plain-text explanation safe to show the
// user alongside the underlying error, which is only logged.
type UserFacingError struct {
	Message string
	Err     error
}

func (e *UserFacingError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *UserFacingError) Unwrap() error { return e.Err }

// genericFailure is shown when an error carries no user-facing text.
const genericFailure = "Something went wrong while answering. Please try again."

// UserMessage returns the text a transport should show for err.
func UserMessage(err error) string {
	var ufe *UserFacingError
	if errors.As(err, &ufe) {
		return ufe.Message
	}
	return genericFailure
}

func userError(msg string, err error) error {
	return &UserFacingError{Message: msg, Err: err}
}
