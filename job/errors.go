// Copyright 2026 The Spalloc Authors
// SPDX-License-Identifier: Apache-2.0

package job

import (
	"errors"
	"fmt"
)

// IncompatibleVersionError reports that the server's version falls
// outside the range this client supports. Not retryable.
type IncompatibleVersionError struct {
	// Version is the version string the server reported.
	Version string
}

func (e *IncompatibleVersionError) Error() string {
	return fmt.Sprintf("job: server version %s is not compatible with this client", e.Version)
}

// JobDestroyedError reports that the job was destroyed — or is no
// longer recognised by the server — while waiting for it to become
// ready. The job will never become usable.
type JobDestroyedError struct {
	// Reason is the server's explanation, when it gave one.
	Reason string
}

func (e *JobDestroyedError) Error() string {
	if e.Reason == "" {
		return "job: destroyed"
	}
	return fmt.Sprintf("job: destroyed: %s", e.Reason)
}

// ErrStateChangeTimeout is returned by WaitUntilReady when the overall
// deadline elapsed before the job reached the ready state.
var ErrStateChangeTimeout = errors.New("job: timed out waiting for job to become ready")

// errDeadlineElapsed distinguishes "the caller's deadline passed with
// no transition" — a normal wait outcome, reported by returning the
// old state — from a genuine communication fault inside the wait
// machinery.
var errDeadlineElapsed = errors.New("deadline elapsed")
