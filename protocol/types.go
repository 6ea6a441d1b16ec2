// Copyright 2026 The Spalloc Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/json"
	"fmt"
)

// JobState is the server's view of a job's lifecycle phase. The
// numeric values are fixed by the wire protocol.
type JobState int

const (
	// StateUnknown means the server does not recognise the job ID,
	// e.g. the job has been cleaned up after its keepalive lapsed.
	StateUnknown JobState = iota
	// StateQueued means the job is waiting in the allocation queue.
	StateQueued
	// StatePower means boards have been allocated and are powering on
	// or off.
	StatePower
	// StateReady means the boards are allocated, powered and usable.
	StateReady
	// StateDestroyed means the job has been destroyed and will never
	// become ready.
	StateDestroyed
)

func (s JobState) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateQueued:
		return "queued"
	case StatePower:
		return "power"
	case StateReady:
		return "ready"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("JobState(%d)", int(s))
	}
}

// JobStateInfo is the result of the get_job_state command. Power,
// Keepalive and Reason are nil when the server reports null (e.g. a
// queued job has no power state, a destroyed job no keepalive).
type JobStateInfo struct {
	State     JobState `json:"state"`
	Power     *bool    `json:"power"`
	Keepalive *float64 `json:"keepalive"`
	Reason    *string  `json:"reason"`
}

// Coord is the (x, y) coordinate of an Ethernet-connected chip.
type Coord struct {
	X int
	Y int
}

// Connections maps Ethernet-connected chip coordinates to the
// hostnames used to reach them. On the wire this is a list of
// [[x, y], hostname] pairs.
type Connections map[Coord]string

func (c *Connections) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*c = nil
		return nil
	}
	var pairs [][2]json.RawMessage
	if err := json.Unmarshal(data, &pairs); err != nil {
		return err
	}
	result := make(Connections, len(pairs))
	for _, pair := range pairs {
		var xy [2]int
		if err := json.Unmarshal(pair[0], &xy); err != nil {
			return err
		}
		var hostname string
		if err := json.Unmarshal(pair[1], &hostname); err != nil {
			return err
		}
		result[Coord{X: xy[0], Y: xy[1]}] = hostname
	}
	*c = result
	return nil
}

// MachineInfo is the result of the get_job_machine_info command. All
// fields are unset until the server has allocated boards to the job.
type MachineInfo struct {
	Width       *int        `json:"width"`
	Height      *int        `json:"height"`
	Connections Connections `json:"connections"`
	MachineName *string     `json:"machine_name"`
}

// Allocated reports whether boards have been allocated yet.
func (i MachineInfo) Allocated() bool { return i.MachineName != nil }

// JobInfo describes one entry in the list_jobs result.
type JobInfo struct {
	JobID                int            `json:"job_id"`
	Owner                string         `json:"owner"`
	StartTime            *float64       `json:"start_time"`
	Keepalive            *float64       `json:"keepalive"`
	State                JobState       `json:"state"`
	Power                *bool          `json:"power"`
	Args                 []int          `json:"args"`
	Kwargs               map[string]any `json:"kwargs"`
	AllocatedMachineName *string        `json:"allocated_machine_name"`
	Boards               [][3]int       `json:"boards"`
}

// Machine describes one entry in the list_machines result. Width and
// Height are measured in triads; DeadLinks entries are
// [x, y, z, link] tuples.
type Machine struct {
	Name       string   `json:"name"`
	Tags       []string `json:"tags"`
	Width      int      `json:"width"`
	Height     int      `json:"height"`
	DeadBoards [][3]int `json:"dead_boards"`
	DeadLinks  [][4]int `json:"dead_links"`
}

// Boards returns the number of working boards in the machine.
func (m Machine) Boards() int {
	return m.Width*m.Height*3 - len(m.DeadBoards)
}

// WhereIs is the result of the where_is command, locating a board or
// chip in every coordinate system the server knows about. A nil
// result from the server means the queried location does not exist.
type WhereIs struct {
	Machine   string  `json:"machine"`
	Logical   [3]int  `json:"logical"`
	Physical  [3]int  `json:"physical"`
	Chip      [2]int  `json:"chip"`
	BoardChip [2]int  `json:"board_chip"`
	JobID     *int    `json:"job_id"`
	JobChip   *[2]int `json:"job_chip"`
}

// Notification is an unsolicited server-pushed message announcing
// that jobs or machines have changed state.
type Notification struct {
	// JobsChanged lists job IDs whose state changed.
	JobsChanged []int `json:"jobs_changed"`
	// MachinesChanged lists machine names whose allocations changed.
	MachinesChanged []string `json:"machines_changed"`
}

// notificationFromMessage extracts the known notification fields from
// a decoded non-response line.
func notificationFromMessage(m message) Notification {
	var n Notification
	if raw, ok := m["jobs_changed"]; ok {
		_ = json.Unmarshal(raw, &n.JobsChanged)
	}
	if raw, ok := m["machines_changed"]; ok {
		_ = json.Unmarshal(raw, &n.MachinesChanged)
	}
	return n
}
