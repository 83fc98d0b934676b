package protocol

import (
	"fmt"
	"strings"
	"unicode"
)

// Validator is implemented by types which check their own well-formedness.
// Validate returns a *ValidationError where it can, so that enclosing types
// are able to prefix the field path at which the problem was found.
type Validator interface {
	Validate() error
}

// ValidationError is a validation failure, with the dotted field path
// (outermost first) leading to the offending value.
type ValidationError struct {
	Context []string
	Err     error
}

func (ve *ValidationError) Error() string {
	if len(ve.Context) == 0 {
		return ve.Err.Error()
	}
	return strings.Join(ve.Context, ".") + ": " + ve.Err.Error()
}

func (ve *ValidationError) Unwrap() error { return ve.Err }

// NewValidationError is a fmt.Errorf which returns a *ValidationError.
func NewValidationError(format string, args ...interface{}) error {
	return &ValidationError{Err: fmt.Errorf(format, args...)}
}

// ExtendContext prefixes a formatted path segment onto |err|, if it's a
// *ValidationError. |err| is returned either way, so the usual form is:
//
//	if err := spec.Retry.Validate(); err != nil {
//		return ExtendContext(err, "Retry")
//	}
func ExtendContext(err error, format string, args ...interface{}) error {
	if ve, ok := err.(*ValidationError); ok {
		var seg = fmt.Sprintf(format, args...)
		ve.Context = append([]string{seg}, ve.Context...)
	}
	return err
}

// ValidateToken checks that |n| has a length within [min, max] and is made
// only of letters, digits, and the symbols in tokenSymbols. Tokens become
// components of object keys, so '/' is never allowed.
func ValidateToken(n string, min, max int) error {
	if len(n) < min || len(n) > max {
		return NewValidationError("invalid length (%d; expected %d <= length <= %d)", len(n), min, max)
	}
	var ok = func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsNumber(r) || strings.ContainsRune(tokenSymbols, r)
	}
	if strings.IndexFunc(n, func(r rune) bool { return !ok(r) }) != -1 {
		return NewValidationError("not a valid token (%s)", n)
	}
	return nil
}

const tokenSymbols = "-_."
