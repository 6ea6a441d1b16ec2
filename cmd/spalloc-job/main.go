// Copyright 2026 The Spalloc Authors
// SPDX-License-Identifier: Apache-2.0

// spalloc-job inspects and manages running jobs.
//
// Called with a job ID it shows that job; with no ID it shows the one
// live job belonging to --owner. Actions:
//
//	spalloc-job 42                     show job information
//	spalloc-job 42 --watch             re-show whenever the job changes
//	spalloc-job 42 --power-on          power on (or reset) the boards
//	spalloc-job 42 --power-off         power off the boards
//	spalloc-job 42 --ethernet-ips      CSV of Ethernet-attached chip IPs
//	spalloc-job 42 --destroy "reason"  destroy the job
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
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
		version.Print("spalloc-job")
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var (
		owner       string
		watch       bool
		powerOn     bool
		reset       bool
		powerOff    bool
		ethernetIPs bool
		destroy     string
		server      cli.ServerArgs
	)

	fs := pflag.NewFlagSet("spalloc-job", pflag.ContinueOnError)
	fs.StringVarP(&owner, "owner", "o", cfg.Owner,
		"if no job ID is provided and this owner has only one job, that job is assumed")
	fs.BoolP("info", "i", false, "show basic job information (the default)")
	fs.BoolVarP(&watch, "watch", "w", false, "watch this job for state changes")
	fs.BoolVarP(&powerOn, "power-on", "p", false, "power-on or reset the job's boards")
	fs.BoolVarP(&reset, "reset", "r", false, "power-on or reset the job's boards")
	fs.BoolVar(&powerOff, "power-off", false, "power-off the job's boards")
	fs.BoolVarP(&ethernetIPs, "ethernet-ips", "e", false,
		"output the IPs of all Ethernet connected chips as a CSV")
	fs.StringVarP(&destroy, "destroy", "D", "", "destroy a queued or running job")
	fs.Lookup("destroy").NoOptDefVal = " "
	server.AddFlags(fs, cfg)
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	jobID := -1
	if args := fs.Args(); len(args) > 0 {
		jobID, err = strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("bad job ID %q", args[0])
		}
	}
	if jobID < 0 && owner == "" {
		return fmt.Errorf("job ID (or --owner) not specified")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client, w, err := server.Dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	// With no job ID, find the owner's single live job.
	if jobID < 0 {
		jobID, err = discoverJob(ctx, &server, w, owner)
		if err != nil {
			return err
		}
	}

	t := term.New(os.Stdout)
	switch {
	case watch:
		return watchJob(ctx, t, &server, w, jobID)
	case powerOn || reset:
		return powerJob(ctx, &server, w, jobID, true)
	case powerOff:
		return powerJob(ctx, &server, w, jobID, false)
	case ethernetIPs:
		return listIPs(ctx, &server, w, jobID)
	case fs.Changed("destroy"):
		reason := destroy
		if reason == " " {
			reason = ""
			if owner != "" {
				reason = fmt.Sprintf("Destroyed by %s", owner)
			}
		}
		callCtx, cancel := server.CallCtx(ctx)
		defer cancel()
		if err := w.DestroyJob(callCtx, jobID, reason); err != nil {
			return cli.CommError(err)
		}
		return nil
	default:
		return showJobInfo(ctx, t, &server, w, jobID)
	}
}

// discoverJob resolves the job ID from an owner with exactly one live
// job. Anything else is exit code 3.
func discoverJob(ctx context.Context, server *cli.ServerArgs, w *protocol.Worker, owner string) (int, error) {
	callCtx, cancel := server.CallCtx(ctx)
	jobs, err := w.ListJobs(callCtx)
	cancel()
	if err != nil {
		return 0, cli.CommError(err)
	}
	var ids []int
	for _, j := range jobs {
		if j.Owner == owner {
			ids = append(ids, j.JobID)
		}
	}
	switch len(ids) {
	case 0:
		return 0, cli.Exitf(3, "owner %s has no live jobs", owner)
	case 1:
		return ids[0], nil
	default:
		list := make([]string, len(ids))
		for i, id := range ids {
			list[i] = strconv.Itoa(id)
		}
		return 0, cli.Exitf(3, "ambiguous: %s has %d live jobs: %s",
			owner, len(ids), strings.Join(list, ", "))
	}
}

// showJobInfo prints everything known about a job.
func showJobInfo(ctx context.Context, t *term.Terminal, server *cli.ServerArgs, w *protocol.Worker, jobID int) error {
	callCtx, cancel := server.CallCtx(ctx)
	jobs, err := w.ListJobs(callCtx)
	cancel()
	if err != nil {
		return cli.CommError(err)
	}

	var found *protocol.JobInfo
	for i := range jobs {
		if jobs[i].JobID == jobID {
			found = &jobs[i]
			break
		}
	}

	if found == nil {
		// Job no longer listed; show what get_job_state still knows.
		callCtx, cancel := server.CallCtx(ctx)
		state, err := w.GetJobState(callCtx, jobID)
		cancel()
		if err != nil {
			return cli.CommError(err)
		}
		definitions := []term.Definition{
			{Term: "Job ID", Value: strconv.Itoa(jobID)},
			{Term: "State", Value: state.State.String()},
		}
		if state.Reason != nil {
			definitions = append(definitions, term.Definition{Term: "Reason", Value: *state.Reason})
		}
		t.Println(term.RenderDefinitions(definitions))
		return nil
	}

	callCtx, cancel = server.CallCtx(ctx)
	machineInfo, err := w.GetJobMachineInfo(callCtx, jobID)
	cancel()
	if err != nil {
		return cli.CommError(err)
	}

	definitions := []term.Definition{
		{Term: "Job ID", Value: strconv.Itoa(jobID)},
		{Term: "Owner", Value: found.Owner},
		{Term: "State", Value: found.State.String()},
	}
	if found.StartTime != nil {
		start := time.Unix(int64(*found.StartTime), 0)
		definitions = append(definitions,
			term.Definition{Term: "Start time", Value: start.Format("02/01/2006 15:04:05")})
	}
	if found.Keepalive != nil {
		definitions = append(definitions,
			term.Definition{Term: "Keepalive", Value: fmt.Sprintf("%g", *found.Keepalive)})
	}
	definitions = append(definitions,
		term.Definition{Term: "Request", Value: formatRequest(found)})
	if machineInfo.Connections != nil {
		root := machineInfo.Connections[protocol.Coord{X: 0, Y: 0}]
		definitions = append(definitions, term.Definition{Term: "Hostname", Value: root})
	}
	if machineInfo.Width != nil {
		definitions = append(definitions,
			term.Definition{Term: "Width", Value: strconv.Itoa(*machineInfo.Width)})
	}
	if machineInfo.Height != nil {
		definitions = append(definitions,
			term.Definition{Term: "Height", Value: strconv.Itoa(*machineInfo.Height)})
	}
	if found.Boards != nil {
		definitions = append(definitions,
			term.Definition{Term: "Num boards", Value: strconv.Itoa(len(found.Boards))})
	}
	if found.Power != nil {
		power := "off"
		if *found.Power {
			power = "on"
		}
		definitions = append(definitions, term.Definition{Term: "Board power", Value: power})
	}
	if found.AllocatedMachineName != nil {
		definitions = append(definitions,
			term.Definition{Term: "Running on", Value: *found.AllocatedMachineName})
	}
	t.Println(term.RenderDefinitions(definitions))
	return nil
}

// formatRequest reconstructs the original allocation request from the
// recorded args and kwargs.
func formatRequest(j *protocol.JobInfo) string {
	parts := make([]string, 0, len(j.Args)+len(j.Kwargs))
	for _, a := range j.Args {
		parts = append(parts, strconv.Itoa(a))
	}
	keys := make([]string, 0, len(j.Kwargs))
	for k := range j.Kwargs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, j.Kwargs[k]))
	}
	return "Job(" + strings.Join(parts, ", ") + ")"
}

// watchJob re-prints the job information whenever the job changes.
func watchJob(ctx context.Context, t *term.Terminal, server *cli.ServerArgs, w *protocol.Worker, jobID int) error {
	callCtx, cancel := server.CallCtx(ctx)
	err := w.NotifyJob(callCtx, jobID)
	cancel()
	if err != nil {
		return cli.CommError(err)
	}
	for {
		t.ClearScreen()
		if err := showJobInfo(ctx, t, server, w, jobID); err != nil {
			return err
		}
		if _, err := w.WaitForNotification(ctx); err != nil {
			if ctx.Err() != nil {
				t.Println()
				return nil
			}
			return cli.CommError(err)
		}
		t.Println()
	}
}

// powerJob switches board power and blocks until the change completes.
func powerJob(ctx context.Context, server *cli.ServerArgs, w *protocol.Worker, jobID int, on bool) error {
	callCtx, cancel := server.CallCtx(ctx)
	var err error
	if on {
		err = w.PowerOnJobBoards(callCtx, jobID)
	} else {
		err = w.PowerOffJobBoards(callCtx, jobID)
	}
	cancel()
	if err != nil {
		return cli.CommError(err)
	}

	for {
		callCtx, cancel := server.CallCtx(ctx)
		err := w.NotifyJob(callCtx, jobID)
		cancel()
		if err != nil {
			return cli.CommError(err)
		}
		callCtx, cancel = server.CallCtx(ctx)
		state, err := w.GetJobState(callCtx, jobID)
		cancel()
		if err != nil {
			return cli.CommError(err)
		}

		switch state.State {
		case protocol.StateReady:
			return nil
		case protocol.StatePower:
			if _, err := w.WaitForNotification(ctx); err != nil {
				if ctx.Err() != nil {
					return &cli.ExitError{Code: 7, Message: "interrupted"}
				}
				return cli.CommError(err)
			}
		default:
			onOff := "off"
			if on {
				onOff = "on"
			}
			return cli.Exitf(8, "cannot power %s job %d in state %v", onOff, jobID, state.State)
		}
	}
}

// listIPs prints the x,y,hostname CSV of the job's Ethernet-attached
// chips.
func listIPs(ctx context.Context, server *cli.ServerArgs, w *protocol.Worker, jobID int) error {
	callCtx, cancel := server.CallCtx(ctx)
	info, err := w.GetJobMachineInfo(callCtx, jobID)
	cancel()
	if err != nil {
		return cli.CommError(err)
	}
	if info.Connections == nil {
		return cli.Exitf(9, "job %d is queued or does not exist", jobID)
	}

	coords := make([]protocol.Coord, 0, len(info.Connections))
	for coord := range info.Connections {
		coords = append(coords, coord)
	}
	sort.Slice(coords, func(i, k int) bool {
		if coords[i].X != coords[k].X {
			return coords[i].X < coords[k].X
		}
		return coords[i].Y < coords[k].Y
	})
	fmt.Println("x,y,hostname")
	for _, coord := range coords {
		fmt.Printf("%d,%d,%s\n", coord.X, coord.Y, info.Connections[coord])
	}
	return nil
}
