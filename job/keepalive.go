// Copyright 2026 The Spalloc Authors
// SPDX-License-Identifier: Apache-2.0

package job

import (
	"context"
	"time"

	"github.com/Sakuyui/spalloc/protocol"
)

// keepaliveLoop is the background sentinel started by Create. It pings
// the server at half the keepalive interval so a single missed ping
// never lets the job lapse. On any transport failure it drops its
// connection and retries — reconnect delay, reconnect, ping — until
// the ping succeeds or Destroy signals a stop. No error ever escapes
// this loop into the foreground.
func (j *Job) keepaliveLoop() {
	defer close(j.sentinelDone)

	// Liveness disabled: the job never expires server-side, so there
	// is nothing to do but wait for Destroy.
	if j.config.Keepalive < 0 {
		<-j.stop
		return
	}

	w := j.client.Worker("keepalive")
	cadence := j.config.Keepalive / 2
	for {
		select {
		case <-j.stop:
			return
		case <-time.After(cadence):
		}

		j.mu.Lock()
		j.pingUntilAliveLocked(w)
		j.mu.Unlock()
	}
}

// pingUntilAliveLocked sends one keepalive ping, retrying through
// reconnects until it succeeds or a stop is signalled. The stop
// signal aborts the reconnect pause immediately. Callers hold j.mu.
func (j *Job) pingUntilAliveLocked(w *protocol.Worker) {
	for {
		select {
		case <-j.stop:
			return
		default:
		}

		callCtx, cancel := j.rpcCtx(context.Background())
		err := w.JobKeepalive(callCtx, j.id)
		cancel()
		if err == nil {
			return
		}
		j.logger.Debug("keepalive ping failed", "job_id", j.id, "error", err)
		w.Close()

		select {
		case <-j.stop:
			return
		case <-time.After(j.config.ReconnectDelay):
			j.reconnect(context.Background(), w)
		}
	}
}
