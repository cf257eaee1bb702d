package driver

import "fmt"

// ErrorKind classifies driver-level failures
type ErrorKind string

const (
	KindStallTimeout        ErrorKind = "stall_timeout"
	KindBlocked             ErrorKind = "blocked"
	KindUnexpectedPageState ErrorKind = "unexpected_page_state"
)

// AutomationError is a failure while driving the upstream page. Blocked
// means the upstream detected or rate-limited the automation; it downgrades
// the session's health in addition to failing the request.
type AutomationError struct {
	Kind  ErrorKind
	Cause error
}

func (e *AutomationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("automation %s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("automation %s", e.Kind)
}

func (e *AutomationError) Unwrap() error { return e.Cause }

// automationErr builds an AutomationError of the given kind
func automationErr(kind ErrorKind, cause error) *AutomationError {
	return &AutomationError{Kind: kind, Cause: cause}
}
