package serrors

import "fmt"

// Error is a coded sentinel error. Instances are compared by identity, so a
// package-level sentinel wrapped with %w keeps working with errors.Is.
type Error struct {
	Code    string
	Message string
	Details string
}

func NewError(code, message, details string) *Error {
	return &Error{Code: code, Message: message, Details: details}
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) WithDetails(format string, args ...any) *Error {
	return &Error{Code: e.Code, Message: e.Message, Details: fmt.Sprintf(format, args...)}
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}
