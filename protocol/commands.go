// Copyright 2026 The Spalloc Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"context"
	"encoding/json"
	"fmt"
)

// decodeReturn unmarshals a response's "return" value into a concrete
// result type.
func decodeReturn[T any](raw json.RawMessage, command string) (T, error) {
	var result T
	if err := json.Unmarshal(raw, &result); err != nil {
		return result, fmt.Errorf("protocol: bad %s response: %w", command, err)
	}
	return result, nil
}

// Version returns the server's version string, e.g. "1.0.0".
func (w *Worker) Version(ctx context.Context) (string, error) {
	raw, err := w.Call(ctx, "version", nil, nil)
	if err != nil {
		return "", err
	}
	return decodeReturn[string](raw, "version")
}

// CreateJobOptions holds the constraints sent with create_job. Nil
// pointer fields are sent as JSON null, which the server reads as
// "no constraint" (and for Keepalive as "never expire").
type CreateJobOptions struct {
	// Owner identifies the job's owner; by convention an email
	// address. Required by the server.
	Owner string
	// Keepalive is the number of seconds the server will wait without
	// contact before destroying the job. Nil disables the timeout.
	Keepalive *float64
	// Machine pins the job to a named machine. Must be nil when Tags
	// is set.
	Machine *string
	// Tags restricts allocation to machines carrying all these tags.
	// Must be nil when Machine is set.
	Tags []string
	// MinRatio is the minimum aspect ratio (height/width) the
	// allocated region must have when allocating by board count.
	MinRatio float64
	// MaxDeadBoards caps dead boards tolerated in the allocation.
	MaxDeadBoards *int
	// MaxDeadLinks caps dead links tolerated in the allocation.
	MaxDeadLinks *int
	// RequireTorus demands full torus connectivity.
	RequireTorus bool
}

// CreateJob asks the server to create a job and returns its assigned
// ID. The args describe the requested shape: empty for a single
// board, {n} for n boards, {w, h} for a rectangle of triads, or
// {x, y, z} for one specific board.
func (w *Worker) CreateJob(ctx context.Context, args []int, options CreateJobOptions) (int, error) {
	callArgs := make([]any, len(args))
	for i, a := range args {
		callArgs[i] = a
	}
	kwargs := map[string]any{
		"owner":           options.Owner,
		"keepalive":       options.Keepalive,
		"machine":         options.Machine,
		"tags":            options.Tags,
		"min_ratio":       options.MinRatio,
		"max_dead_boards": options.MaxDeadBoards,
		"max_dead_links":  options.MaxDeadLinks,
		"require_torus":   options.RequireTorus,
	}
	raw, err := w.Call(ctx, "create_job", callArgs, kwargs)
	if err != nil {
		return 0, err
	}
	return decodeReturn[int](raw, "create_job")
}

// JobKeepalive pings the server's liveness timer for the job.
func (w *Worker) JobKeepalive(ctx context.Context, jobID int) error {
	_, err := w.Call(ctx, "job_keepalive", []any{jobID}, nil)
	return err
}

// GetJobState reports the job's current lifecycle state.
func (w *Worker) GetJobState(ctx context.Context, jobID int) (JobStateInfo, error) {
	raw, err := w.Call(ctx, "get_job_state", []any{jobID}, nil)
	if err != nil {
		return JobStateInfo{}, err
	}
	return decodeReturn[JobStateInfo](raw, "get_job_state")
}

// GetJobMachineInfo reports dimensions and connection addresses for
// the job's allocated boards.
func (w *Worker) GetJobMachineInfo(ctx context.Context, jobID int) (MachineInfo, error) {
	raw, err := w.Call(ctx, "get_job_machine_info", []any{jobID}, nil)
	if err != nil {
		return MachineInfo{}, err
	}
	return decodeReturn[MachineInfo](raw, "get_job_machine_info")
}

// PowerOnJobBoards powers on (or resets, if already on) the job's
// boards. Returns once the server has accepted the command; it does
// not wait for the power change to complete.
func (w *Worker) PowerOnJobBoards(ctx context.Context, jobID int) error {
	_, err := w.Call(ctx, "power_on_job_boards", []any{jobID}, nil)
	return err
}

// PowerOffJobBoards powers off the job's boards without waiting for
// completion.
func (w *Worker) PowerOffJobBoards(ctx context.Context, jobID int) error {
	_, err := w.Call(ctx, "power_off_job_boards", []any{jobID}, nil)
	return err
}

// DestroyJob destroys the job. An empty reason is sent as null.
func (w *Worker) DestroyJob(ctx context.Context, jobID int, reason string) error {
	var r any
	if reason != "" {
		r = reason
	}
	_, err := w.Call(ctx, "destroy_job", []any{jobID, r}, nil)
	return err
}

// NotifyJob subscribes this connection to change notifications for
// one job.
func (w *Worker) NotifyJob(ctx context.Context, jobID int) error {
	_, err := w.Call(ctx, "notify_job", []any{jobID}, nil)
	return err
}

// NotifyAllJobs subscribes this connection to change notifications
// for every job.
func (w *Worker) NotifyAllJobs(ctx context.Context) error {
	_, err := w.Call(ctx, "notify_job", []any{nil}, nil)
	return err
}

// NoNotifyJob cancels a NotifyJob subscription.
func (w *Worker) NoNotifyJob(ctx context.Context, jobID int) error {
	_, err := w.Call(ctx, "no_notify_job", []any{jobID}, nil)
	return err
}

// NotifyMachine subscribes this connection to change notifications
// for one machine.
func (w *Worker) NotifyMachine(ctx context.Context, machine string) error {
	_, err := w.Call(ctx, "notify_machine", []any{machine}, nil)
	return err
}

// NotifyAllMachines subscribes this connection to change
// notifications for every machine.
func (w *Worker) NotifyAllMachines(ctx context.Context) error {
	_, err := w.Call(ctx, "notify_machine", []any{nil}, nil)
	return err
}

// NoNotifyMachine cancels a NotifyMachine subscription.
func (w *Worker) NoNotifyMachine(ctx context.Context, machine string) error {
	_, err := w.Call(ctx, "no_notify_machine", []any{machine}, nil)
	return err
}

// ListJobs returns all jobs known to the server, in queue order.
func (w *Worker) ListJobs(ctx context.Context) ([]JobInfo, error) {
	raw, err := w.Call(ctx, "list_jobs", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeReturn[[]JobInfo](raw, "list_jobs")
}

// ListMachines returns all machines known to the server, in placement
// priority order.
func (w *Worker) ListMachines(ctx context.Context) ([]Machine, error) {
	raw, err := w.Call(ctx, "list_machines", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeReturn[[]Machine](raw, "list_machines")
}

// GetBoardPosition maps a board's logical (x, y, z) coordinates to its
// physical (cabinet, frame, board) location. Nil when no such board
// exists.
func (w *Worker) GetBoardPosition(ctx context.Context, machine string, x, y, z int) (*[3]int, error) {
	raw, err := w.Call(ctx, "get_board_position", []any{machine, x, y, z}, nil)
	if err != nil {
		return nil, err
	}
	return decodeReturn[*[3]int](raw, "get_board_position")
}

// GetBoardAtPosition maps a board's physical (cabinet, frame, board)
// location to its logical (x, y, z) coordinates. Nil when no such
// board exists.
func (w *Worker) GetBoardAtPosition(ctx context.Context, machine string, cabinet, frame, board int) (*[3]int, error) {
	raw, err := w.Call(ctx, "get_board_at_position", []any{machine, cabinet, frame, board}, nil)
	if err != nil {
		return nil, err
	}
	return decodeReturn[*[3]int](raw, "get_board_at_position")
}

// WhereIsQuery selects the coordinate system for a WhereIs lookup.
// Exactly one of the documented combinations must be populated:
// JobID+Chip, Machine+Chip, Machine+Logical, or Machine+Physical.
type WhereIsQuery struct {
	// JobID with Chip locates a chip within a job's allocation.
	JobID *int
	// Chip is a (chip_x, chip_y) coordinate.
	Chip *[2]int
	// Machine names the machine for the three machine-relative forms.
	Machine *string
	// Logical is an (x, y, z) board coordinate.
	Logical *[3]int
	// Physical is a (cabinet, frame, board) location.
	Physical *[3]int
}

func (q WhereIsQuery) kwargs() map[string]any {
	kwargs := map[string]any{}
	if q.JobID != nil {
		kwargs["job_id"] = *q.JobID
	}
	if q.Machine != nil {
		kwargs["machine"] = *q.Machine
	}
	if q.Chip != nil {
		kwargs["chip_x"] = q.Chip[0]
		kwargs["chip_y"] = q.Chip[1]
	}
	if q.Logical != nil {
		kwargs["x"] = q.Logical[0]
		kwargs["y"] = q.Logical[1]
		kwargs["z"] = q.Logical[2]
	}
	if q.Physical != nil {
		kwargs["cabinet"] = q.Physical[0]
		kwargs["frame"] = q.Physical[1]
		kwargs["board"] = q.Physical[2]
	}
	return kwargs
}

// WhereIs locates a board or chip in every coordinate system the
// server knows. Nil when the queried location does not exist.
func (w *Worker) WhereIs(ctx context.Context, query WhereIsQuery) (*WhereIs, error) {
	raw, err := w.Call(ctx, "where_is", nil, query.kwargs())
	if err != nil {
		return nil, err
	}
	return decodeReturn[*WhereIs](raw, "where_is")
}
