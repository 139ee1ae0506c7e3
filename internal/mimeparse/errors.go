package mimeparse

import "fmt"

// ErrorKind tags the parser error taxonomy named in spec.md §4.1.
type ErrorKind int

const (
	ErrInvalidInput ErrorKind = iota
	ErrInvalidMail
	ErrMandatoryHeadersNotFound
	ErrBoundaryNotFound
	ErrMisplacedBoundary
)

func (k ErrorKind) String() string {
	switch k {
	case ErrInvalidInput:
		return "InvalidInput"
	case ErrInvalidMail:
		return "InvalidMail"
	case ErrMandatoryHeadersNotFound:
		return "MandatoryHeadersNotFound"
	case ErrBoundaryNotFound:
		return "BoundaryNotFound"
	case ErrMisplacedBoundary:
		return "MisplacedBoundary"
	default:
		return "Unknown"
	}
}

// ParseError is returned by Parse and all its recursive helpers.
type ParseError struct {
	Kind   ErrorKind
	Detail string
}

func (e *ParseError) Error() string {
	if e.Detail == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func errf(kind ErrorKind, format string, args ...interface{}) *ParseError {
	return &ParseError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}
