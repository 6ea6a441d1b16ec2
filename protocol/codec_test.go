// Copyright 2026 The Spalloc Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"strings"
	"testing"
)

func TestEncodeCommand(t *testing.T) {
	line, err := encodeCommand("create_job", []any{3, 2, 1}, map[string]any{"owner": "me"})
	if err != nil {
		t.Fatalf("encodeCommand() error: %v", err)
	}
	want := `{"command":"create_job","args":[3,2,1],"kwargs":{"owner":"me"}}` + "\n"
	if string(line) != want {
		t.Errorf("encodeCommand() = %q, want %q", line, want)
	}
}

func TestEncodeCommand_NilArgsAndKwargs(t *testing.T) {
	line, err := encodeCommand("version", nil, nil)
	if err != nil {
		t.Fatalf("encodeCommand() error: %v", err)
	}
	want := `{"command":"version","args":[],"kwargs":{}}` + "\n"
	if string(line) != want {
		t.Errorf("encodeCommand() = %q, want %q", line, want)
	}
}

func TestDecodeLine_Response(t *testing.T) {
	m, err := decodeLine([]byte(`{"return": "1.0.0"}`))
	if err != nil {
		t.Fatalf("decodeLine() error: %v", err)
	}
	if !m.isResponse() {
		t.Error("line with \"return\" key not recognised as response")
	}
}

func TestDecodeLine_NullReturnIsStillResponse(t *testing.T) {
	// destroy_job and friends return null; the key being present is
	// what makes a line a response, not its value.
	m, err := decodeLine([]byte(`{"return": null}`))
	if err != nil {
		t.Fatalf("decodeLine() error: %v", err)
	}
	if !m.isResponse() {
		t.Error("line with null \"return\" not recognised as response")
	}
}

func TestDecodeLine_Notification(t *testing.T) {
	m, err := decodeLine([]byte(`{"jobs_changed": [1, 3]}`))
	if err != nil {
		t.Fatalf("decodeLine() error: %v", err)
	}
	if m.isResponse() {
		t.Error("notification line recognised as response")
	}
	n := notificationFromMessage(m)
	if len(n.JobsChanged) != 2 || n.JobsChanged[0] != 1 || n.JobsChanged[1] != 3 {
		t.Errorf("JobsChanged = %v, want [1 3]", n.JobsChanged)
	}
}

func TestDecodeLine_Malformed(t *testing.T) {
	_, err := decodeLine([]byte(`{"command": oops`))
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("decodeLine() error = %v, want *DecodeError", err)
	}
	if !strings.Contains(decodeErr.Line, "oops") {
		t.Errorf("DecodeError.Line = %q, should include the offending line", decodeErr.Line)
	}
}

func TestDecodeLine_TruncatesLongLines(t *testing.T) {
	long := strings.Repeat("x", 2*maxErrorLine)
	_, err := decodeLine([]byte(long))
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("decodeLine() error = %v, want *DecodeError", err)
	}
	if len(decodeErr.Line) > maxErrorLine+3 {
		t.Errorf("DecodeError.Line length = %d, want at most %d", len(decodeErr.Line), maxErrorLine+3)
	}
}
