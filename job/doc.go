// Copyright 2026 The Spalloc Authors
// SPDX-License-Identifier: Apache-2.0

// Package job provides the high-level interface for allocating boards
// from a spalloc server: create a job, wait for its boards to become
// ready, read the allocation details, and destroy it when done.
//
// A [Job] is constructed with [New] but nothing touches the network
// until [Job.Create], which connects, verifies the server version,
// submits the allocation request, and starts a background keepalive
// sentinel that keeps the job alive for as long as the Job exists.
// [Job.Destroy] stops the sentinel, tells the server to release the
// boards (best effort), and closes all connections. The usual shape:
//
//	j, err := job.New(job.Boards(1), job.Config{
//		Hostname: "spalloc.example.com",
//		Owner:    "user@example.com",
//	})
//	if err != nil {
//		return err
//	}
//	if err := j.Create(ctx); err != nil {
//		return err
//	}
//	defer j.Destroy(context.Background(), "")
//	if err := j.WaitUntilReady(ctx); err != nil {
//		return err
//	}
//	info, err := j.MachineInfo(ctx)
//
// One Job owns one private protocol client; no two Jobs share a socket
// or a lock. Internally the foreground caller and the sentinel hold
// separate connections but are serialized by one mutex, so their
// request/response exchanges never interleave. The foreground wait in
// [Job.WaitForStateChange] deliberately holds that mutex across its
// blocking receive and takes over liveness pinging for the duration:
// the active waiter owns the connection and is responsible for
// keepalives during its wait.
//
// Transient network failures never escape the sentinel and never abort
// a wait; both close the affected connection, pause for
// Config.ReconnectDelay, reconnect, and carry on. Fatal conditions
// surface as typed errors: [*IncompatibleVersionError] from Create,
// [*JobDestroyedError] and [ErrStateChangeTimeout] from
// WaitUntilReady.
package job
