// Copyright 2026 The Spalloc Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"
)

// DefaultPort is the TCP port spalloc servers listen on.
const DefaultPort = 22244

// readChunk is the socket read size. Lines are short (a few hundred
// bytes except for large machine listings), so a small chunk keeps
// per-connection memory down.
const readChunk = 1024

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// Hostname is the name or IP address of the spalloc server.
	Hostname string
	// Port is the server's TCP port. Zero uses DefaultPort.
	Port int
	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Client manages the connections of one logical spalloc session. It
// holds the connection table (one socket per Worker, never shared),
// the dead flag consulted during full shutdown, and the FIFO of
// notifications the server pushed while a response was awaited.
//
// A Client does not dial on creation: each Worker connects lazily on
// first use, or explicitly via [Worker.Connect].
type Client struct {
	address string
	logger  *slog.Logger

	// mu guards conns and dead. Socket I/O itself needs no lock: a
	// connection is owned by exactly one Worker.
	mu    sync.Mutex
	conns map[string]*conn
	dead  bool

	notifyMu      sync.Mutex
	notifications []Notification
}

// conn is one socket plus its private buffer of incomplete line data.
type conn struct {
	sock net.Conn
	buf  []byte
}

// NewClient creates a client for the given server. No connection is
// attempted until a Worker performs its first operation.
func NewClient(config ClientConfig) (*Client, error) {
	if config.Hostname == "" {
		return nil, fmt.Errorf("protocol: Hostname is required")
	}
	port := config.Port
	if port == 0 {
		port = DefaultPort
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		address: net.JoinHostPort(config.Hostname, strconv.Itoa(port)),
		logger:  logger,
		conns:   make(map[string]*conn),
	}, nil
}

// Address returns the server address in "host:port" form.
func (c *Client) Address() string { return c.address }

// Worker returns the handle for the given caller identity. Two calls
// with the same ID share one connection-table slot, so a Worker value
// may be freely copied but must only be driven by one goroutine at a
// time.
func (c *Client) Worker(id string) *Worker {
	return &Worker{client: c, id: id}
}

// Close marks the client dead — refusing all new connections — and
// force-closes every tracked connection across all workers. Used only
// for full shutdown; to drop a single worker's socket use
// [Worker.Close].
func (c *Client) Close() error {
	c.mu.Lock()
	c.dead = true
	conns := c.conns
	c.conns = make(map[string]*conn)
	c.mu.Unlock()

	var firstErr error
	for id, cn := range conns {
		if err := cn.sock.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		c.logger.Debug("connection closed", "worker", id, "server", c.address)
	}
	return firstErr
}

// TryNotification pops the oldest undelivered notification without
// blocking. The second return is false when the queue is empty.
func (c *Client) TryNotification() (Notification, bool) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if len(c.notifications) == 0 {
		return Notification{}, false
	}
	n := c.notifications[0]
	c.notifications = c.notifications[1:]
	return n, true
}

// pushNotification appends a non-response line to the shared FIFO.
func (c *Client) pushNotification(m message) {
	n := notificationFromMessage(m)
	c.notifyMu.Lock()
	c.notifications = append(c.notifications, n)
	c.notifyMu.Unlock()
}

// closeWorker removes and closes one worker's connection, leaving all
// others (and the dead flag) untouched.
func (c *Client) closeWorker(id string) {
	c.mu.Lock()
	cn := c.conns[id]
	delete(c.conns, id)
	c.mu.Unlock()
	if cn != nil {
		cn.sock.Close()
		c.logger.Debug("connection closed", "worker", id, "server", c.address)
	}
}

// Worker is one logical caller's handle onto a Client. Each Worker
// owns at most one live socket at a time; the Job layer drives one
// Worker from the foreground and one from the keepalive sentinel.
type Worker struct {
	client *Client
	id     string
}

// ID returns the worker identity this handle was created with.
func (w *Worker) ID() string { return w.id }

// get returns the worker's connection, dialing one if absent. Returns
// a *ConnectionError wrapping ErrClientClosed when the client has been
// shut down.
func (w *Worker) get(ctx context.Context) (*conn, error) {
	c := w.client
	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return nil, &ConnectionError{Op: "connect", Err: ErrClientClosed}
	}
	cn := c.conns[w.id]
	c.mu.Unlock()
	if cn != nil {
		return cn, nil
	}
	return w.dial(ctx)
}

// dial opens and registers a new connection for this worker. Any
// previous connection for the same identity is closed first, keeping
// the at-most-one-connection-per-worker invariant.
func (w *Worker) dial(ctx context.Context) (*conn, error) {
	c := w.client
	var dialer net.Dialer
	sock, err := dialer.DialContext(ctx, "tcp", c.address)
	if err != nil {
		switch ctx.Err() {
		case context.DeadlineExceeded:
			return nil, &TimeoutError{Op: "connect"}
		case context.Canceled:
			return nil, &ConnectionError{Op: "connect", Err: context.Canceled}
		}
		return nil, &ConnectionError{Op: "connect", Err: err}
	}

	cn := &conn{sock: sock}
	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		sock.Close()
		return nil, &ConnectionError{Op: "connect", Err: ErrClientClosed}
	}
	old := c.conns[w.id]
	c.conns[w.id] = cn
	c.mu.Unlock()
	if old != nil {
		old.sock.Close()
	}
	c.logger.Debug("connected", "worker", w.id, "server", c.address)
	return cn, nil
}

// Connect (re)connects this worker to the server: any existing
// connection is closed, the client's dead flag is cleared, and a new
// socket is dialed under the context's deadline.
func (w *Worker) Connect(ctx context.Context) error {
	c := w.client
	c.closeWorker(w.id)
	c.mu.Lock()
	c.dead = false
	c.mu.Unlock()
	_, err := w.dial(ctx)
	return err
}

// Close drops this worker's connection without affecting other
// workers. The next operation reconnects lazily.
func (w *Worker) Close() {
	w.client.closeWorker(w.id)
}

// deadline extracts the wall-clock deadline from ctx; the zero time
// means no deadline (block forever).
func deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Time{}
}

// send writes one already-framed line to the worker's connection.
func (w *Worker) send(ctx context.Context, line []byte) error {
	cn, err := w.get(ctx)
	if err != nil {
		return err
	}
	if err := cn.sock.SetWriteDeadline(deadline(ctx)); err != nil {
		return &ConnectionError{Op: "send", Err: err}
	}
	// Wake a blocked write if the context is cancelled outright.
	stop := context.AfterFunc(ctx, func() { cn.sock.SetWriteDeadline(time.Now()) })
	defer stop()
	if _, err := cn.sock.Write(line); err != nil {
		if isDeadlineError(err) {
			return &TimeoutError{Op: "send"}
		}
		return &ConnectionError{Op: "send", Err: err}
	}
	return nil
}

// recv reads and decodes one line from the worker's connection,
// blocking until a full line is available or the context deadline
// elapses. Partial line data survives a timeout in the connection's
// private buffer, so an interrupted receive never corrupts framing.
func (w *Worker) recv(ctx context.Context) (message, error) {
	cn, err := w.get(ctx)
	if err != nil {
		return nil, err
	}
	// Wake a blocked read if the context is cancelled outright.
	stop := context.AfterFunc(ctx, func() { cn.sock.SetReadDeadline(time.Now()) })
	defer stop()
	for {
		if i := bytes.IndexByte(cn.buf, '\n'); i >= 0 {
			line := cn.buf[:i]
			cn.buf = cn.buf[i+1:]
			return decodeLine(line)
		}
		if err := cn.sock.SetReadDeadline(deadline(ctx)); err != nil {
			return nil, &ConnectionError{Op: "receive", Err: err}
		}
		chunk := make([]byte, readChunk)
		n, err := cn.sock.Read(chunk)
		if n > 0 {
			cn.buf = append(cn.buf, chunk[:n]...)
		}
		if err != nil {
			if isDeadlineError(err) {
				return nil, &TimeoutError{Op: "receive"}
			}
			if errors.Is(err, io.EOF) {
				return nil, &ConnectionError{Op: "receive", Err: errors.New("connection closed by server")}
			}
			return nil, &ConnectionError{Op: "receive", Err: err}
		}
	}
}

// isDeadlineError reports whether a socket error is a deadline
// expiry rather than a real transport failure.
func isDeadlineError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Call sends one command and blocks until its response arrives,
// returning the raw value of the response's "return" key. Lines
// received before the response that are not responses — pushed
// notifications — are appended to the client-wide FIFO and never
// returned from Call.
//
// The context deadline covers the whole exchange. A context without a
// deadline waits forever.
func (w *Worker) Call(ctx context.Context, name string, args []any, kwargs map[string]any) (json.RawMessage, error) {
	line, err := encodeCommand(name, args, kwargs)
	if err != nil {
		return nil, fmt.Errorf("protocol: encoding %s: %w", name, err)
	}
	if err := w.send(ctx, line); err != nil {
		return nil, err
	}
	for {
		m, err := w.recv(ctx)
		if err != nil {
			return nil, err
		}
		if m.isResponse() {
			return m["return"], nil
		}
		w.client.pushNotification(m)
	}
}

// WaitForNotification returns the next notification to arrive. If one
// is already queued it is returned immediately; otherwise the worker
// blocks receiving until a notification arrives or the context
// deadline elapses (returning a *TimeoutError). For a non-blocking
// poll use [Client.TryNotification].
func (w *Worker) WaitForNotification(ctx context.Context) (Notification, error) {
	if n, ok := w.client.TryNotification(); ok {
		return n, nil
	}
	for {
		m, err := w.recv(ctx)
		if err != nil {
			return Notification{}, err
		}
		if m.isResponse() {
			// Cannot happen under the one-in-flight discipline; drop
			// rather than hand a response value to a notification
			// waiter.
			w.client.logger.Warn("discarding unexpected response while waiting for notification",
				"worker", w.id, "server", w.client.address)
			continue
		}
		return notificationFromMessage(m), nil
	}
}
