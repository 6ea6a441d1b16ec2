// Copyright 2026 The Spalloc Authors
// SPDX-License-Identifier: Apache-2.0

package job

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/Sakuyui/spalloc/protocol"
)

// mockServer is a scripted spalloc server for tests: it answers the
// command set the Job layer uses and can push notifications and drop
// connections on demand.
type mockServer struct {
	t *testing.T

	mu            sync.Mutex
	ln            net.Listener
	addr          string
	conns         []*mockConn
	version       string
	jobID         int
	state         protocol.JobState
	power         *bool
	reason        *string
	keepalives    int
	powerCommands []string
	destroyReason *string
	destroyCalls  int
	createArgs    []int
	createKwargs  map[string]any
	machineInfo   string // raw JSON for get_job_machine_info
}

type mockConn struct {
	conn    net.Conn
	writeMu sync.Mutex
}

func (c *mockConn) writeLine(line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := fmt.Fprintf(c.conn, "%s\n", line)
	return err
}

func newMockServer(t *testing.T) *mockServer {
	t.Helper()
	s := &mockServer{
		t:           t,
		version:     "1.0.0",
		jobID:       42,
		state:       protocol.StateQueued,
		machineInfo: `{"width": null, "height": null, "connections": null, "machine_name": null}`,
	}
	s.listen("127.0.0.1:0")
	t.Cleanup(s.stop)
	return s
}

func (s *mockServer) listen(addr string) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.t.Fatalf("net.Listen() error: %v", err)
	}
	s.mu.Lock()
	s.ln = ln
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	go s.acceptLoop(ln)
}

func (s *mockServer) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		mc := &mockConn{conn: conn}
		s.mu.Lock()
		s.conns = append(s.conns, mc)
		s.mu.Unlock()
		go s.serve(mc)
	}
}

func (s *mockServer) serve(mc *mockConn) {
	scanner := bufio.NewScanner(mc.conn)
	for scanner.Scan() {
		var req struct {
			Command string            `json:"command"`
			Args    []json.RawMessage `json:"args"`
			Kwargs  map[string]any    `json:"kwargs"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			return
		}
		response, ok := s.handle(req.Command, req.Args, req.Kwargs)
		if !ok {
			continue // scripted silence
		}
		if err := mc.writeLine(response); err != nil {
			return
		}
	}
}

func (s *mockServer) handle(command string, args []json.RawMessage, kwargs map[string]any) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch command {
	case "version":
		return respond(s.version), true
	case "create_job":
		s.createKwargs = kwargs
		s.createArgs = nil
		for _, a := range args {
			var n int
			json.Unmarshal(a, &n)
			s.createArgs = append(s.createArgs, n)
		}
		return respond(s.jobID), true
	case "job_keepalive":
		s.keepalives++
		return respond(nil), true
	case "get_job_state":
		state, _ := json.Marshal(map[string]any{
			"state":     int(s.state),
			"power":     s.power,
			"keepalive": 60.0,
			"reason":    s.reason,
		})
		return fmt.Sprintf(`{"return": %s}`, state), true
	case "get_job_machine_info":
		return fmt.Sprintf(`{"return": %s}`, s.machineInfo), true
	case "power_on_job_boards", "power_off_job_boards":
		s.powerCommands = append(s.powerCommands, command)
		return respond(nil), true
	case "destroy_job":
		s.destroyCalls++
		if len(args) > 1 && string(args[1]) != "null" {
			var reason string
			json.Unmarshal(args[1], &reason)
			s.destroyReason = &reason
		}
		return respond(nil), true
	case "notify_job", "no_notify_job", "notify_machine", "no_notify_machine":
		return respond(nil), true
	default:
		s.t.Errorf("mock server: unexpected command %q", command)
		return respond(nil), true
	}
}

func respond(value any) string {
	data, _ := json.Marshal(map[string]any{"return": value})
	return string(data)
}

// setState updates the scripted job state and pushes a jobs_changed
// notification to every live connection.
func (s *mockServer) setState(state protocol.JobState, reason string) {
	s.mu.Lock()
	s.state = state
	if reason != "" {
		s.reason = &reason
	}
	id := s.jobID
	conns := append([]*mockConn(nil), s.conns...)
	s.mu.Unlock()
	for _, mc := range conns {
		mc.writeLine(fmt.Sprintf(`{"jobs_changed": [%d]}`, id))
	}
}

// dropConnections severs every live connection while leaving the
// listener up, simulating a network blip.
func (s *mockServer) dropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, mc := range conns {
		mc.conn.Close()
	}
}

// stop shuts the whole server down: listener and connections.
func (s *mockServer) stop() {
	s.mu.Lock()
	ln := s.ln
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	for _, mc := range conns {
		mc.conn.Close()
	}
}

func (s *mockServer) keepaliveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepalives
}

func (s *mockServer) hostPort() (string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	host, portStr, err := net.SplitHostPort(s.addr)
	if err != nil {
		s.t.Fatalf("SplitHostPort() error: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}
