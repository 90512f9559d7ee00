package advice

import "fmt"

// ValidationError reports a request payload that does not satisfy the profile contract.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("invalid field %q", e.Field)
	}
	return fmt.Sprintf("invalid field %q: %s", e.Field, e.Reason)
}

// InferenceError reports a failed generation. The runtime stays usable afterwards.
type InferenceError struct {
	Cause error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("generating advice: %v", e.Cause)
}

func (e *InferenceError) Unwrap() error { return e.Cause }

// StartupError reports a failure that must keep the service from accepting requests.
type StartupError struct {
	Stage string
	Err   error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("startup failed at %s: %v", e.Stage, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }
