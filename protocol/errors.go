// Copyright 2026 The Spalloc Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"fmt"
)

// TimeoutError reports that a deadline elapsed before the server
// produced the awaited line. It is recoverable: the connection is
// still usable and the caller may retry.
type TimeoutError struct {
	// Op is the operation that timed out ("send", "receive", "connect").
	Op string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("protocol: %s timed out", e.Op)
}

// Timeout marks the error for callers using net.Error-style checks.
func (e *TimeoutError) Timeout() bool { return true }

// ConnectionError reports a socket-level failure: dial failure, a
// connection reset, or the stream ending mid-session. The connection
// that produced it is no longer usable; the Job layer responds by
// closing and reconnecting.
type ConnectionError struct {
	// Op is the operation that failed ("connect", "send", "receive").
	Op string
	// Err is the underlying cause.
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("protocol: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// DecodeError reports a malformed frame from the server. The framing
// of the stream can no longer be trusted, so the connection must be
// closed and re-established.
type DecodeError struct {
	// Line is the offending line as received (without the trailing
	// newline), truncated for display.
	Line string
	// Err is the underlying JSON error.
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("protocol: malformed frame %q: %v", e.Line, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ErrClientClosed is returned (wrapped in a *ConnectionError) when an
// operation is attempted on a Client whose Close has been called.
var ErrClientClosed = errors.New("client closed")

// IsTimeout reports whether err is a protocol-level timeout.
func IsTimeout(err error) bool {
	var timeoutErr *TimeoutError
	return errors.As(err, &timeoutErr)
}
