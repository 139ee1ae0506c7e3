package ioconn

import "errors"

var (
	// ErrTimeout is returned by NextLine/ReadDataSegment when the deadline
	// passes before a full line/segment arrives.
	ErrTimeout = errors.New("ioconn: timeout")

	// ErrLineTooLong is returned by NextLine when a line, read up to its
	// CRLF/LF terminator, is longer than MaxLineLength.
	ErrLineTooLong = errors.New("ioconn: line too long")

	// ErrTooLarge is returned by ReadDataSegment when the DATA body exceeds
	// the configured maximum size before the terminating "." line appears.
	ErrTooLarge = errors.New("ioconn: data segment too large")

	// ErrAlreadySecured is returned by UpgradeTLS on a connection that has
	// already completed a TLS handshake.
	ErrAlreadySecured = errors.New("ioconn: connection already secured")
)
