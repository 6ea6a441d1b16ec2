// Copyright 2026 The Spalloc Authors
// SPDX-License-Identifier: Apache-2.0

// spalloc-ps lists the jobs the server currently knows about, one row
// per job, newest last. With --watch the listing is redrawn whenever
// any job changes.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/Sakuyui/spalloc/config"
	"github.com/Sakuyui/spalloc/internal/cli"
	"github.com/Sakuyui/spalloc/lib/version"
	"github.com/Sakuyui/spalloc/protocol"
	"github.com/Sakuyui/spalloc/term"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("spalloc-ps")
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var (
		watch  bool
		server cli.ServerArgs
	)
	fs := pflag.NewFlagSet("spalloc-ps", pflag.ContinueOnError)
	fs.BoolVarP(&watch, "watch", "w", false, "update the output when jobs change")
	server.AddFlags(fs, cfg)
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client, w, err := server.Dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	t := term.New(os.Stdout)
	for {
		if watch {
			callCtx, cancel := server.CallCtx(ctx)
			err := w.NotifyAllJobs(callCtx)
			cancel()
			if err != nil {
				return cli.CommError(err)
			}
			t.ClearScreen()
		}

		callCtx, cancel := server.CallCtx(ctx)
		jobs, err := w.ListJobs(callCtx)
		cancel()
		if err != nil {
			return cli.CommError(err)
		}
		t.Println(renderJobList(t, jobs))

		if !watch {
			return nil
		}
		if _, err := w.WaitForNotification(ctx); err != nil {
			if ctx.Err() != nil {
				t.Println()
				return nil
			}
			return cli.CommError(err)
		}
	}
}

// renderJobList builds the jobs table: one row per job with its state
// colored the way the rest of the tools color states.
func renderJobList(t *term.Terminal, jobs []protocol.JobInfo) string {
	rows := [][]term.Cell{{
		term.String("ID"), term.String("State"), term.String("Power"),
		term.String("Boards"), term.String("Machine"), term.String("Created at"),
		term.String("Keepalive"), term.String("Owner"),
	}}
	for _, j := range jobs {
		power := ""
		if j.Power != nil {
			power = "off"
			if *j.Power {
				power = "on"
			}
		}
		boards := term.String("")
		if j.Boards != nil {
			boards = term.Int(len(j.Boards))
		}
		machine := ""
		if j.AllocatedMachineName != nil {
			machine = *j.AllocatedMachineName
		}
		created := ""
		if j.StartTime != nil {
			created = time.Unix(int64(*j.StartTime), 0).Format("02/01/2006 15:04:05")
		}
		keepalive := "None"
		if j.Keepalive != nil {
			keepalive = strconv.FormatFloat(*j.Keepalive, 'g', -1, 64)
		}
		rows = append(rows, []term.Cell{
			term.Int(j.JobID),
			stateCell(t, j.State),
			term.String(power),
			boards,
			term.String(machine),
			term.String(created),
			term.String(keepalive),
			term.String(j.Owner),
		})
	}
	return term.RenderTable(rows)
}

// stateCell colors a job state: queued blue, powering yellow, ready
// green, anything dead red.
func stateCell(t *term.Terminal, state protocol.JobState) term.Cell {
	cell := term.String(state.String())
	switch state {
	case protocol.StateQueued:
		return term.Styled(t.BlueStyle(), cell)
	case protocol.StatePower:
		return term.Styled(t.YellowStyle(), cell)
	case protocol.StateReady:
		return term.Styled(t.GreenStyle(), cell)
	default:
		return term.Styled(t.RedStyle(), cell)
	}
}
