// Copyright 2026 The Spalloc Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/json"
)

// command is the wire form of a request. The server requires all three
// keys, so args and kwargs are never omitted, only empty.
type command struct {
	Command string         `json:"command"`
	Args    []any          `json:"args"`
	Kwargs  map[string]any `json:"kwargs"`
}

// message is one decoded line from the server. A line carrying the
// "return" key is a response; any other line is a notification.
type message map[string]json.RawMessage

// isResponse reports whether the line is a response to a command.
func (m message) isResponse() bool {
	_, ok := m["return"]
	return ok
}

// encodeCommand frames a single request as one newline-terminated JSON
// line.
func encodeCommand(name string, args []any, kwargs map[string]any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	data, err := json.Marshal(command{Command: name, Args: args, Kwargs: kwargs})
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// maxErrorLine bounds how much of a malformed line is echoed back in a
// DecodeError.
const maxErrorLine = 256

// decodeLine parses one line (without its trailing newline) into a
// message. The server only ever sends JSON objects; anything else is a
// framing violation.
func decodeLine(line []byte) (message, error) {
	var m message
	if err := json.Unmarshal(line, &m); err != nil {
		display := string(line)
		if len(display) > maxErrorLine {
			display = display[:maxErrorLine] + "..."
		}
		return nil, &DecodeError{Line: display, Err: err}
	}
	return m, nil
}
