// Copyright 2026 The Spalloc Authors
// SPDX-License-Identifier: Apache-2.0

package job

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Sakuyui/spalloc/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testJob builds a Job pointed at the mock server with short timeouts
// suitable for tests. The returned Job has not been created yet.
func testJob(t *testing.T, s *mockServer, shape Shape, mutate func(*Config)) *Job {
	t.Helper()
	host, port := s.hostPort()
	config := Config{
		Hostname:       host,
		Port:           port,
		Owner:          "tester@example.com",
		Keepalive:      200 * time.Millisecond,
		ReconnectDelay: 100 * time.Millisecond,
		Timeout:        2 * time.Second,
		Logger:         testLogger(),
	}
	if mutate != nil {
		mutate(&config)
	}
	j, err := New(shape, config)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return j
}

// createdJob builds and creates a Job, registering cleanup.
func createdJob(t *testing.T, s *mockServer, shape Shape) *Job {
	t.Helper()
	j := testJob(t, s, shape, nil)
	if err := j.Create(context.Background()); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	t.Cleanup(func() { j.Destroy(context.Background(), "test over") })
	return j
}

func TestNew_Validation(t *testing.T) {
	base := Config{Hostname: "example.com", Owner: "me@example.com"}

	tests := []struct {
		name   string
		shape  Shape
		mutate func(*Config)
	}{
		{"no hostname", Any(), func(c *Config) { c.Hostname = "" }},
		{"no owner", Any(), func(c *Config) { c.Owner = "" }},
		{"machine and tags", Any(), func(c *Config) {
			c.Machine = "spinn-1"
			c.Tags = []string{"default"}
		}},
		{"too many dimensions", Shape{1, 2, 3, 4}, nil},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			config := base
			if test.mutate != nil {
				test.mutate(&config)
			}
			if _, err := New(test.shape, config); err == nil {
				t.Error("New() succeeded, want error")
			}
		})
	}

	if _, err := New(Triads(2, 3), base); err != nil {
		t.Errorf("New() with valid config error: %v", err)
	}
}

func TestCreate_AssignsID(t *testing.T) {
	s := newMockServer(t)
	j := createdJob(t, s, Triads(2, 3))

	if j.ID() != 42 {
		t.Errorf("ID() = %d, want 42", j.ID())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.createArgs) != 2 || s.createArgs[0] != 2 || s.createArgs[1] != 3 {
		t.Errorf("create_job args = %v, want [2 3]", s.createArgs)
	}
	if owner := s.createKwargs["owner"]; owner != "tester@example.com" {
		t.Errorf("create_job owner = %v, want tester@example.com", owner)
	}
	if keepalive := s.createKwargs["keepalive"]; keepalive != 0.2 {
		t.Errorf("create_job keepalive = %v, want 0.2", keepalive)
	}
}

func TestCreate_VersionGate(t *testing.T) {
	tests := []struct {
		version string
		ok      bool
	}{
		{"0.0.1", false},
		{"0.0.2", true},
		{"0.2.0", true},
		{"1.9.9", true},
		{"2.0.0", false},
		{"3.1", false},
	}
	for _, test := range tests {
		t.Run(test.version, func(t *testing.T) {
			s := newMockServer(t)
			s.mu.Lock()
			s.version = test.version
			s.mu.Unlock()

			j := testJob(t, s, Any(), nil)
			err := j.Create(context.Background())
			if test.ok {
				if err != nil {
					t.Fatalf("Create() error: %v", err)
				}
				j.Destroy(context.Background(), "")
				return
			}
			var incompatible *IncompatibleVersionError
			if !errors.As(err, &incompatible) {
				t.Fatalf("Create() error = %v, want IncompatibleVersionError", err)
			}
			if incompatible.Version != test.version {
				t.Errorf("error version = %q, want %q", incompatible.Version, test.version)
			}
		})
	}
}

func TestCreate_Twice(t *testing.T) {
	s := newMockServer(t)
	j := createdJob(t, s, Any())
	if err := j.Create(context.Background()); err == nil {
		t.Error("second Create() succeeded, want error")
	}
}

func TestState(t *testing.T) {
	s := newMockServer(t)
	j := createdJob(t, s, Any())

	info, err := j.State(context.Background())
	if err != nil {
		t.Fatalf("State() error: %v", err)
	}
	if info.State != protocol.StateQueued {
		t.Errorf("State() = %v, want %v", info.State, protocol.StateQueued)
	}

	s.setState(protocol.StatePower, "")
	info, err = j.State(context.Background())
	if err != nil {
		t.Fatalf("State() error: %v", err)
	}
	if info.State != protocol.StatePower {
		t.Errorf("State() = %v, want %v", info.State, protocol.StatePower)
	}
}

func TestSetPower(t *testing.T) {
	s := newMockServer(t)
	j := createdJob(t, s, Any())
	ctx := context.Background()

	if err := j.SetPower(ctx, true); err != nil {
		t.Fatalf("SetPower(true) error: %v", err)
	}
	if err := j.SetPower(ctx, false); err != nil {
		t.Fatalf("SetPower(false) error: %v", err)
	}
	if err := j.Reset(ctx); err != nil {
		t.Fatalf("Reset() error: %v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	want := []string{"power_on_job_boards", "power_off_job_boards", "power_on_job_boards"}
	if len(s.powerCommands) != len(want) {
		t.Fatalf("power commands = %v, want %v", s.powerCommands, want)
	}
	for i := range want {
		if s.powerCommands[i] != want[i] {
			t.Errorf("power command %d = %q, want %q", i, s.powerCommands[i], want[i])
		}
	}
}

func TestMachineInfo(t *testing.T) {
	s := newMockServer(t)
	s.mu.Lock()
	s.machineInfo = `{"width": 8, "height": 8,` +
		` "connections": [[[0, 0], "10.2.0.1"], [[4, 8], "10.2.0.2"]],` +
		` "machine_name": "machine"}`
	s.mu.Unlock()
	j := createdJob(t, s, Any())

	info, err := j.MachineInfo(context.Background())
	if err != nil {
		t.Fatalf("MachineInfo() error: %v", err)
	}
	if !info.Allocated() {
		t.Fatal("Allocated() = false, want true")
	}
	if *info.Width != 8 || *info.Height != 8 {
		t.Errorf("dimensions = %d×%d, want 8×8", *info.Width, *info.Height)
	}
	if *info.MachineName != "machine" {
		t.Errorf("MachineName = %q, want %q", *info.MachineName, "machine")
	}
	if host := info.Connections[protocol.Coord{X: 4, Y: 8}]; host != "10.2.0.2" {
		t.Errorf("connection for (4, 8) = %q, want 10.2.0.2", host)
	}
	if host := info.Connections[protocol.Coord{X: 0, Y: 0}]; host != "10.2.0.1" {
		t.Errorf("connection for (0, 0) = %q, want 10.2.0.1", host)
	}
}

func TestWaitForStateChange_DeadlineReturnsOldState(t *testing.T) {
	s := newMockServer(t)
	j := createdJob(t, s, Any())

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	before := s.keepaliveCount()
	state := j.WaitForStateChange(ctx, protocol.StateQueued)
	if state != protocol.StateQueued {
		t.Errorf("WaitForStateChange() = %v, want unchanged %v", state, protocol.StateQueued)
	}
	// The active waiter owns the connection during the wait and must
	// keep the job alive while it blocks.
	if after := s.keepaliveCount(); after <= before {
		t.Errorf("no keepalives sent during wait (before %d, after %d)", before, after)
	}
}

func TestWaitForStateChange_SeesNotifiedChange(t *testing.T) {
	s := newMockServer(t)
	j := createdJob(t, s, Any())

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.setState(protocol.StatePower, "")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state := j.WaitForStateChange(ctx, protocol.StateQueued)
	if state != protocol.StatePower {
		t.Errorf("WaitForStateChange() = %v, want %v", state, protocol.StatePower)
	}
}

func TestWaitForStateChange_ResumesAfterDisconnect(t *testing.T) {
	s := newMockServer(t)
	j := createdJob(t, s, Any())

	go func() {
		time.Sleep(150 * time.Millisecond)
		s.dropConnections()
		time.Sleep(400 * time.Millisecond)
		s.setState(protocol.StatePower, "")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state := j.WaitForStateChange(ctx, protocol.StateQueued)
	if state != protocol.StatePower {
		t.Errorf("WaitForStateChange() across a disconnect = %v, want %v", state, protocol.StatePower)
	}
}

func TestWaitUntilReady_AlreadyReady(t *testing.T) {
	s := newMockServer(t)
	s.mu.Lock()
	s.state = protocol.StateReady
	s.mu.Unlock()
	j := createdJob(t, s, Any())

	if err := j.WaitUntilReady(context.Background()); err != nil {
		t.Errorf("WaitUntilReady() error: %v", err)
	}
}

func TestWaitUntilReady_Progression(t *testing.T) {
	s := newMockServer(t)
	j := createdJob(t, s, Any())

	go func() {
		time.Sleep(50 * time.Millisecond)
		s.setState(protocol.StatePower, "")
		time.Sleep(50 * time.Millisecond)
		s.setState(protocol.StateReady, "")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := j.WaitUntilReady(ctx); err != nil {
		t.Errorf("WaitUntilReady() error: %v", err)
	}
}

func TestWaitUntilReady_Destroyed(t *testing.T) {
	s := newMockServer(t)
	s.setState(protocol.StateDestroyed, "machine on fire")
	j := createdJob(t, s, Any())

	err := j.WaitUntilReady(context.Background())
	var destroyed *JobDestroyedError
	if !errors.As(err, &destroyed) {
		t.Fatalf("WaitUntilReady() error = %v, want JobDestroyedError", err)
	}
	if destroyed.Reason != "machine on fire" {
		t.Errorf("Reason = %q, want %q", destroyed.Reason, "machine on fire")
	}
}

func TestWaitUntilReady_Unknown(t *testing.T) {
	s := newMockServer(t)
	j := createdJob(t, s, Any())
	s.mu.Lock()
	s.state = protocol.StateUnknown
	s.mu.Unlock()

	err := j.WaitUntilReady(context.Background())
	var destroyed *JobDestroyedError
	if !errors.As(err, &destroyed) {
		t.Fatalf("WaitUntilReady() error = %v, want JobDestroyedError", err)
	}
}

func TestWaitUntilReady_Timeout(t *testing.T) {
	s := newMockServer(t)
	j := createdJob(t, s, Any())

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()
	if err := j.WaitUntilReady(ctx); !errors.Is(err, ErrStateChangeTimeout) {
		t.Errorf("WaitUntilReady() error = %v, want ErrStateChangeTimeout", err)
	}
}

func TestDestroy(t *testing.T) {
	s := newMockServer(t)
	j := testJob(t, s, Any(), nil)
	if err := j.Create(context.Background()); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if err := j.Destroy(context.Background(), "all done"); err != nil {
		t.Fatalf("Destroy() error: %v", err)
	}
	s.mu.Lock()
	if s.destroyCalls != 1 {
		t.Errorf("destroy_job calls = %d, want 1", s.destroyCalls)
	}
	if s.destroyReason == nil || *s.destroyReason != "all done" {
		t.Errorf("destroy reason = %v, want %q", s.destroyReason, "all done")
	}
	s.mu.Unlock()

	if err := j.Destroy(context.Background(), ""); err == nil {
		t.Error("second Destroy() succeeded, want error")
	}
}

func TestDestroy_ServerUnreachable(t *testing.T) {
	s := newMockServer(t)
	j := testJob(t, s, Any(), nil)
	if err := j.Create(context.Background()); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	s.stop()

	// The server's own keepalive timeout reclaims the job; failing to
	// tell it first is not an error.
	if err := j.Destroy(context.Background(), "going away"); err != nil {
		t.Errorf("Destroy() with server gone error: %v", err)
	}
}

func TestDestroy_BeforeCreate(t *testing.T) {
	s := newMockServer(t)
	j := testJob(t, s, Any(), nil)

	if err := j.Destroy(context.Background(), ""); err != nil {
		t.Errorf("Destroy() before Create error: %v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyCalls != 0 {
		t.Errorf("destroy_job calls = %d, want 0", s.destroyCalls)
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in   string
		want [3]int
		ok   bool
	}{
		{"1.2.3", [3]int{1, 2, 3}, true},
		{"0.2", [3]int{0, 2, 0}, true},
		{"5", [3]int{5, 0, 0}, true},
		{"", [3]int{}, false},
		{"1.2.3.4", [3]int{1, 2, 3}, true},
		{"one.two", [3]int{}, false},
	}
	for _, test := range tests {
		got, err := parseVersion(test.in)
		if test.ok != (err == nil) {
			t.Errorf("parseVersion(%q) error = %v, want ok=%v", test.in, err, test.ok)
			continue
		}
		if test.ok && got != test.want {
			t.Errorf("parseVersion(%q) = %v, want %v", test.in, got, test.want)
		}
	}
}
