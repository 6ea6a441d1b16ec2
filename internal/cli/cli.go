// Copyright 2026 The Spalloc Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli holds the plumbing shared by the spalloc command-line
// binaries: exit-code errors, the common server flags, and the
// connect-and-check-version dance every command starts with.
package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/Sakuyui/spalloc/config"
	"github.com/Sakuyui/spalloc/protocol"
)

// ExitError carries a process exit code alongside the message printed
// to stderr. main() recognises it via the ExitCode method.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string { return e.Message }

// ExitCode returns the process exit code for this error.
func (e *ExitError) ExitCode() int { return e.Code }

// Exitf builds an ExitError with a formatted message.
func Exitf(code int, format string, args ...any) *ExitError {
	return &ExitError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CommError wraps a server communication failure in the conventional
// exit code 1.
func CommError(err error) *ExitError {
	return Exitf(1, "error communicating with server: %v", err)
}

// The range of server versions the command-line tools accept.
var (
	commandVersionStart = [3]int{0, 1, 0}
	commandVersionStop  = [3]int{2, 0, 0}
)

// ServerArgs are the flags every command that talks to the server
// shares. Defaults come from the loaded config files.
type ServerArgs struct {
	Hostname string
	Port     int
	Timeout  float64 // seconds; non-positive waits forever
}

// AddFlags registers the server flags on a flag set, with defaults
// taken from cfg.
func (a *ServerArgs) AddFlags(fs *pflag.FlagSet, cfg *config.Config) {
	timeout := 0.0
	if cfg.Timeout != nil {
		timeout = *cfg.Timeout
	}
	fs.StringVarP(&a.Hostname, "hostname", "H", cfg.Hostname,
		"hostname or IP of the spalloc server")
	fs.IntVarP(&a.Port, "port", "P", cfg.Port,
		"port number of the spalloc server")
	fs.Float64Var(&a.Timeout, "timeout", timeout,
		"seconds to wait for a response from the server")
}

// CallTimeout is the per-exchange timeout as a duration; zero means
// wait forever.
func (a *ServerArgs) CallTimeout() time.Duration {
	if a.Timeout <= 0 {
		return 0
	}
	return time.Duration(a.Timeout * float64(time.Second))
}

// CallCtx bounds one server exchange by the --timeout flag.
func (a *ServerArgs) CallCtx(parent context.Context) (context.Context, context.CancelFunc) {
	if t := a.CallTimeout(); t > 0 {
		return context.WithTimeout(parent, t)
	}
	return context.WithCancel(parent)
}

// Dial connects to the server and checks that its version is one the
// command-line tools can talk to. The returned client must be closed
// by the caller.
func (a *ServerArgs) Dial(ctx context.Context) (*protocol.Client, *protocol.Worker, error) {
	if a.Hostname == "" {
		return nil, nil, fmt.Errorf("--hostname of spalloc server must be specified")
	}
	client, err := protocol.NewClient(protocol.ClientConfig{
		Hostname: a.Hostname,
		Port:     a.Port,
	})
	if err != nil {
		return nil, nil, err
	}
	w := client.Worker("command")

	connCtx, cancel := a.CallCtx(ctx)
	err = w.Connect(connCtx)
	cancel()
	if err != nil {
		client.Close()
		return nil, nil, CommError(err)
	}

	callCtx, cancel := a.CallCtx(ctx)
	version, err := w.Version(callCtx)
	cancel()
	if err != nil {
		client.Close()
		return nil, nil, CommError(err)
	}
	if !versionOK(version) {
		client.Close()
		return nil, nil, Exitf(2, "incompatible server version (%s)", version)
	}
	return client, w, nil
}

// versionOK reports whether a dotted-decimal server version lies in
// the accepted closed-open range.
func versionOK(version string) bool {
	var v [3]int
	parts := strings.Split(version, ".")
	if len(parts) > 3 {
		parts = parts[:3]
	}
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return false
		}
		v[i] = n
	}
	return !less(v, commandVersionStart) && less(v, commandVersionStop)
}

func less(a, b [3]int) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
