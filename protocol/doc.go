// Copyright 2026 The Spalloc Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol implements the client side of the spalloc server
// protocol: newline-delimited UTF-8 JSON over a plain TCP stream.
//
// The package provides two core types. [Client] owns the connection
// table, the dead/alive flag used for full shutdown, and the shared
// FIFO of server-pushed notifications. [Worker] is a handle onto the
// Client for one logical caller: each Worker owns at most one live
// socket, lazily connected on first use, and no two Workers ever share
// a socket. A Worker is not safe for concurrent use by multiple
// goroutines — for concurrency, create one Worker per goroutine from
// the same Client.
//
// The protocol is strictly one-in-flight: a request is written, then
// lines are read until one carries a "return" key (the response).
// Lines without "return" are unsolicited notifications; [Worker.Call]
// diverts them to the Client-wide FIFO where
// [Worker.WaitForNotification] and [Client.TryNotification] pick them
// up in arrival order. No correlation IDs exist or are needed.
//
// Deadlines come from the context passed to each operation. A context
// without a deadline blocks indefinitely, matching a server that is
// slow rather than gone. Elapsed deadlines surface as [*TimeoutError];
// socket-level failures as [*ConnectionError]; malformed frames as
// [*DecodeError]. Callers distinguish them with errors.As.
package protocol
