// Copyright 2026 The Spalloc Authors
// SPDX-License-Identifier: Apache-2.0

package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Sakuyui/spalloc/protocol"
)

// DefaultKeepalive is the keepalive interval used when Config leaves
// it unset.
const DefaultKeepalive = 60 * time.Second

// DefaultReconnectDelay is the pause between reconnection attempts
// when Config leaves it unset.
const DefaultReconnectDelay = 5 * time.Second

// Shape describes what to allocate: nothing for a single board, one
// value for a board count, two for a width×height rectangle of
// triads, three for one specific board by (x, y, z) coordinate.
type Shape []int

// Any requests a single board, the smallest possible allocation.
func Any() Shape { return Shape{} }

// Boards requests at least n boards.
func Boards(n int) Shape { return Shape{n} }

// Triads requests a w×h rectangle of board triads.
func Triads(w, h int) Shape { return Shape{w, h} }

// Board requests the specific board at logical coordinate (x, y, z).
func Board(x, y, z int) Shape { return Shape{x, y, z} }

// Config holds the parameters for a Job. Hostname and Owner are
// required; everything else has a sensible default.
type Config struct {
	// Hostname is the name or IP address of the spalloc server.
	Hostname string
	// Port is the server's TCP port. Zero uses protocol.DefaultPort.
	Port int
	// Owner identifies who the job belongs to; by convention an email
	// address.
	Owner string

	// Keepalive is how long the server will keep the job alive
	// without hearing from this client. Zero uses DefaultKeepalive;
	// negative disables the server-side timeout entirely (use with
	// care — the job then survives until explicitly destroyed).
	Keepalive time.Duration
	// ReconnectDelay is the pause between attempts to re-establish a
	// lost connection. Zero uses DefaultReconnectDelay.
	ReconnectDelay time.Duration
	// Timeout bounds each individual server exchange. Zero waits
	// forever.
	Timeout time.Duration

	// Machine pins the job to a named machine. Mutually exclusive
	// with Tags.
	Machine string
	// Tags restricts allocation to machines carrying all these tags.
	// Mutually exclusive with Machine.
	Tags []string
	// MinRatio is the minimum aspect ratio (height/width) the
	// allocation must have when allocating by board count.
	MinRatio float64
	// MaxDeadBoards caps dead boards tolerated in the allocation.
	// Nil allows any number.
	MaxDeadBoards *int
	// MaxDeadLinks caps dead links tolerated in the allocation. Nil
	// allows any number.
	MaxDeadLinks *int
	// RequireTorus demands full torus connectivity; in practice only
	// whole-machine allocations satisfy it.
	RequireTorus bool

	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Job is a claim on a set of allocated boards, tracked by a
// server-assigned ID. See the package documentation for the lifecycle.
type Job struct {
	config Config
	shape  Shape
	logger *slog.Logger

	client *protocol.Client
	fg     *protocol.Worker

	// mu serializes every connection-acquisition → send → receive
	// sequence across the foreground and the keepalive sentinel.
	mu sync.Mutex

	id        int
	created   bool
	destroyed bool

	stop         chan struct{}
	sentinelDone chan struct{}
}

// New validates the request and builds a Job. Nothing is sent to the
// server until Create.
func New(shape Shape, config Config) (*Job, error) {
	if config.Hostname == "" {
		return nil, fmt.Errorf("job: Hostname is required")
	}
	if config.Owner == "" {
		return nil, fmt.Errorf("job: Owner is required")
	}
	if config.Machine != "" && len(config.Tags) > 0 {
		return nil, fmt.Errorf("job: only one of Machine and Tags may be specified")
	}
	if len(shape) > 3 {
		return nil, fmt.Errorf("job: shape must have between zero and three dimensions, got %d", len(shape))
	}
	if config.Keepalive == 0 {
		config.Keepalive = DefaultKeepalive
	}
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = DefaultReconnectDelay
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client, err := protocol.NewClient(protocol.ClientConfig{
		Hostname: config.Hostname,
		Port:     config.Port,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	return &Job{
		config:       config,
		shape:        shape,
		logger:       logger,
		client:       client,
		fg:           client.Worker("foreground"),
		stop:         make(chan struct{}),
		sentinelDone: make(chan struct{}),
	}, nil
}

// ID returns the server-assigned job ID, or zero before Create.
func (j *Job) ID() int { return j.id }

// rpcCtx bounds one server exchange by Config.Timeout, within the
// caller's context.
func (j *Job) rpcCtx(parent context.Context) (context.Context, context.CancelFunc) {
	if j.config.Timeout > 0 {
		return context.WithTimeout(parent, j.config.Timeout)
	}
	return context.WithCancel(parent)
}

// keepaliveSeconds is the wire form of the keepalive interval: nil
// disables the server-side timeout.
func (j *Job) keepaliveSeconds() *float64 {
	if j.config.Keepalive < 0 {
		return nil
	}
	s := j.config.Keepalive.Seconds()
	return &s
}

// assertCompatibleVersion fetches the server version and fails —
// closing the client — when it falls outside the supported range.
func (j *Job) assertCompatibleVersion(ctx context.Context, w *protocol.Worker) error {
	callCtx, cancel := j.rpcCtx(ctx)
	version, err := w.Version(callCtx)
	cancel()
	if err != nil {
		return err
	}
	parsed, err := parseVersion(version)
	if err != nil || !versionCompatible(parsed) {
		j.client.Close()
		return &IncompatibleVersionError{Version: version}
	}
	return nil
}

// Create connects to the server, checks version compatibility, submits
// the allocation request, records the assigned job ID, and starts the
// background keepalive sentinel. It may be called at most once.
func (j *Job) Create(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.created {
		return fmt.Errorf("job: Create called twice")
	}
	if j.destroyed {
		return fmt.Errorf("job: already destroyed")
	}

	connCtx, cancel := j.rpcCtx(ctx)
	err := j.fg.Connect(connCtx)
	cancel()
	if err != nil {
		return err
	}
	if err := j.assertCompatibleVersion(ctx, j.fg); err != nil {
		return err
	}

	var machine *string
	if j.config.Machine != "" {
		machine = &j.config.Machine
	}
	callCtx, cancel := j.rpcCtx(ctx)
	id, err := j.fg.CreateJob(callCtx, []int(j.shape), protocol.CreateJobOptions{
		Owner:         j.config.Owner,
		Keepalive:     j.keepaliveSeconds(),
		Machine:       machine,
		Tags:          j.config.Tags,
		MinRatio:      j.config.MinRatio,
		MaxDeadBoards: j.config.MaxDeadBoards,
		MaxDeadLinks:  j.config.MaxDeadLinks,
		RequireTorus:  j.config.RequireTorus,
	})
	cancel()
	if err != nil {
		return err
	}

	j.id = id
	j.created = true
	j.logger.Info("created job", "job_id", id, "server", j.client.Address())

	go j.keepaliveLoop()
	return nil
}

// State reports the job's current server-side state. A single
// exchange with no side effects.
func (j *Job) State(ctx context.Context) (protocol.JobStateInfo, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stateLocked(ctx)
}

func (j *Job) stateLocked(ctx context.Context) (protocol.JobStateInfo, error) {
	callCtx, cancel := j.rpcCtx(ctx)
	defer cancel()
	return j.fg.GetJobState(callCtx, j.id)
}

// SetPower turns the job's boards on or off. Returns once the server
// accepts the command; use WaitUntilReady to wait for the power
// change to complete. Powering on boards that are already on resets
// them.
func (j *Job) SetPower(ctx context.Context, on bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	callCtx, cancel := j.rpcCtx(ctx)
	defer cancel()
	if on {
		return j.fg.PowerOnJobBoards(callCtx, j.id)
	}
	return j.fg.PowerOffJobBoards(callCtx, j.id)
}

// Reset power-cycles the job's boards.
func (j *Job) Reset(ctx context.Context) error {
	return j.SetPower(ctx, true)
}

// MachineInfo reports the dimensions, connection addresses and
// machine name of the job's allocation. All fields are unset until
// boards have been allocated.
func (j *Job) MachineInfo(ctx context.Context) (protocol.MachineInfo, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	callCtx, cancel := j.rpcCtx(ctx)
	defer cancel()
	return j.fg.GetJobMachineInfo(callCtx, j.id)
}

// WaitForStateChange blocks until the job's state differs from
// oldState, returning the new state. If the context's deadline
// elapses first (or the context is cancelled), the old state is
// returned — "nothing happened yet" is a normal outcome here, not an
// error. Connection failures are absorbed: the wait closes, pauses,
// reconnects and resumes for as long as the context allows.
func (j *Job) WaitForStateChange(ctx context.Context, oldState protocol.JobState) protocol.JobState {
	for ctx.Err() == nil {
		newState, err := j.watchStates(ctx, oldState)
		switch {
		case err == nil:
			return newState
		case errors.Is(err, errDeadlineElapsed):
			return oldState
		}

		// Something went wrong talking to the server. Tear the
		// connection down, pause for the reconnect delay (bounded by
		// the remaining overall time), re-establish, and resume.
		j.logger.Debug("wait interrupted by connection trouble", "job_id", j.id, "error", err)
		j.mu.Lock()
		j.client.Close()
		delay := j.config.ReconnectDelay
		if d, ok := ctx.Deadline(); ok {
			if remaining := time.Until(d); remaining < delay {
				delay = remaining
			}
		}
		if delay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(delay):
			}
		}
		j.reconnect(ctx, j.fg)
		j.mu.Unlock()
	}
	return oldState
}

// watchStates runs one subscribe → poll → blocking-wait cycle.
// Returns the new state on success, errDeadlineElapsed when the
// caller's deadline passed with no transition, or the underlying
// error on a communication failure (the caller reconnects).
func (j *Job) watchStates(ctx context.Context, oldState protocol.JobState) (protocol.JobState, error) {
	// Watch for changes in this job's state.
	j.mu.Lock()
	callCtx, cancel := j.rpcCtx(ctx)
	err := j.fg.NotifyJob(callCtx, j.id)
	cancel()
	j.mu.Unlock()
	if err != nil {
		return 0, err
	}

	for ctx.Err() == nil {
		info, err := j.State(ctx)
		if err != nil {
			return 0, err
		}
		if info.State != oldState {
			return info.State, nil
		}

		// About to block holding the call lock: the active waiter
		// owns the connection and is responsible for liveness pings
		// for the duration of its wait.
		j.mu.Lock()
		err = j.pumpKeepalivesLocked(ctx)
		j.mu.Unlock()
		if err != nil {
			return 0, err
		}
		// A notification arrived; go back around and poll the state.
	}
	return 0, errDeadlineElapsed
}

// pumpKeepalivesLocked alternates keepalive pings with bounded waits
// for a change notification, holding the call lock throughout. Each
// wait is bounded by half the keepalive interval so the next ping is
// never late, and by the caller's overall deadline. Returns nil once
// a notification arrives, errDeadlineElapsed when the overall
// deadline passes, or the underlying communication error.
func (j *Job) pumpKeepalivesLocked(ctx context.Context) error {
	deadline, hasDeadline := ctx.Deadline()
	keepalive := j.config.Keepalive
	for ctx.Err() == nil {
		callCtx, cancel := j.rpcCtx(ctx)
		err := j.fg.JobKeepalive(callCtx, j.id)
		cancel()
		if err != nil {
			return err
		}

		// Block no longer than the inner probe interval — half the
		// keepalive interval — or the remaining overall time,
		// whichever is shorter. The probe expiring does not consume
		// the overall deadline's meaning; it only means "ping again".
		var wait time.Duration
		bounded := true
		switch {
		case hasDeadline && keepalive > 0:
			wait = min(keepalive/2, time.Until(deadline))
		case keepalive > 0:
			wait = keepalive / 2
		case hasDeadline:
			wait = time.Until(deadline)
		default:
			bounded = false
		}

		var notifyErr error
		if bounded {
			if wait < 0 {
				continue
			}
			waitCtx, cancel := context.WithTimeout(ctx, wait)
			_, notifyErr = j.fg.WaitForNotification(waitCtx)
			cancel()
		} else {
			_, notifyErr = j.fg.WaitForNotification(ctx)
		}
		switch {
		case notifyErr == nil:
			return nil
		case protocol.IsTimeout(notifyErr):
			// Inner probe expired. It's been a while: send another
			// keepalive and wait again.
			continue
		default:
			return notifyErr
		}
	}
	return errDeadlineElapsed
}

// WaitUntilReady blocks until the job's boards are allocated and
// powered. Returns *JobDestroyedError if the job is destroyed or no
// longer recognised, and ErrStateChangeTimeout if the context's
// deadline elapses before the job becomes ready. Communication errors
// on direct state polls propagate to the caller.
func (j *Job) WaitUntilReady(ctx context.Context) error {
	haveState := false
	var state protocol.JobState
	for ctx.Err() == nil {
		if !haveState {
			// Fetched here so that nothing is sent when the deadline
			// has already passed.
			info, err := j.State(ctx)
			if err != nil {
				return err
			}
			state = info.State
			haveState = true
		}

		switch state {
		case protocol.StateReady:
			return nil
		case protocol.StateQueued:
			j.logger.Info("job waiting in queue", "job_id", j.id)
		case protocol.StatePower:
			j.logger.Info("waiting for board power commands to complete", "job_id", j.id)
		case protocol.StateDestroyed:
			info, err := j.State(ctx)
			if err != nil {
				return err
			}
			reason := ""
			if info.Reason != nil {
				reason = *info.Reason
			}
			return &JobDestroyedError{Reason: reason}
		case protocol.StateUnknown:
			return &JobDestroyedError{Reason: "server no longer recognises job"}
		}

		state = j.WaitForStateChange(ctx, state)
	}
	return ErrStateChangeTimeout
}

// Destroy releases the job: the keepalive sentinel is stopped and
// joined first (so it can never race connection teardown), then the
// server is told to destroy the job — a failure there is only logged,
// since the server's own keepalive timeout reclaims orphaned jobs —
// and finally every connection is closed. May be called at most once;
// safe to call after a failed Create.
func (j *Job) Destroy(ctx context.Context, reason string) error {
	j.mu.Lock()
	if j.destroyed {
		j.mu.Unlock()
		return fmt.Errorf("job: Destroy called twice")
	}
	j.destroyed = true
	created := j.created
	j.mu.Unlock()

	if created {
		close(j.stop)
		<-j.sentinelDone
	}

	if created {
		callCtx, cancel := j.rpcCtx(ctx)
		err := j.fg.DestroyJob(callCtx, j.id, reason)
		cancel()
		if err != nil {
			j.logger.Warn("could not destroy job", "job_id", j.id, "error", err)
		}
	}

	j.client.Close()
	return nil
}

// reconnect re-establishes the worker's connection and re-verifies the
// server version. Failure is reported as a warning only; the broken
// state is left visibly broken (client closed) so the next attempt
// retries from scratch. Callers hold j.mu.
func (j *Job) reconnect(ctx context.Context, w *protocol.Worker) {
	connCtx, cancel := j.rpcCtx(ctx)
	err := w.Connect(connCtx)
	cancel()
	if err == nil {
		err = j.assertCompatibleVersion(ctx, w)
	}
	if err != nil {
		j.logger.Warn("reconnect attempt failed", "job_id", j.id, "error", err)
		j.client.Close()
		return
	}
	j.logger.Info("reconnected to server", "job_id", j.id, "server", j.client.Address())
}
