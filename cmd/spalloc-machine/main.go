// Copyright 2026 The Spalloc Authors
// SPDX-License-Identifier: Apache-2.0

// spalloc-machine shows the state of the machines the server manages.
//
// With no arguments it lists every machine with its size, load and
// tags. Given a machine name it shows that machine's details and the
// jobs running on it. With --watch the listing becomes a live view
// that updates as allocations change.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

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
		version.Print("spalloc-machine")
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
	fs := pflag.NewFlagSet("spalloc-machine", pflag.ContinueOnError)
	fs.BoolVarP(&watch, "watch", "w", false, "update the output when things change")
	server.AddFlags(fs, cfg)
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	machine := ""
	if args := fs.Args(); len(args) > 0 {
		machine = args[0]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client, w, err := server.Dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if watch {
		return watchMachines(ctx, &server, w, machine)
	}

	machines, jobs, err := fetchState(ctx, &server, w)
	if err != nil {
		return err
	}
	t := term.New(os.Stdout)
	if machine == "" {
		t.Println(renderMachineList(t, machines, jobs))
		return nil
	}
	return showMachine(t, machines, jobs, machine)
}

// fetchState grabs the machine and job lists in one go; every view is
// derived from the pair.
func fetchState(ctx context.Context, server *cli.ServerArgs, w *protocol.Worker) ([]protocol.Machine, []protocol.JobInfo, error) {
	callCtx, cancel := server.CallCtx(ctx)
	machines, err := w.ListMachines(callCtx)
	cancel()
	if err != nil {
		return nil, nil, cli.CommError(err)
	}
	callCtx, cancel = server.CallCtx(ctx)
	jobs, err := w.ListJobs(callCtx)
	cancel()
	if err != nil {
		return nil, nil, cli.CommError(err)
	}
	return machines, jobs, nil
}

// jobsByMachine indexes the job list by allocated machine name.
func jobsByMachine(jobs []protocol.JobInfo) map[string][]protocol.JobInfo {
	byMachine := make(map[string][]protocol.JobInfo)
	for _, j := range jobs {
		if j.AllocatedMachineName != nil {
			name := *j.AllocatedMachineName
			byMachine[name] = append(byMachine[name], j)
		}
	}
	return byMachine
}

func boardsInUse(jobs []protocol.JobInfo) int {
	total := 0
	for _, j := range jobs {
		total += len(j.Boards)
	}
	return total
}

// renderMachineList builds the all-machines table.
func renderMachineList(t *term.Terminal, machines []protocol.Machine, jobs []protocol.JobInfo) string {
	byMachine := jobsByMachine(jobs)
	header := t.BrightStyle()
	rows := [][]term.Cell{{
		term.Styled(header, term.String("Name")),
		term.Styled(header, term.String("Num boards")),
		term.Styled(header, term.String("In-use")),
		term.Styled(header, term.String("Jobs")),
		term.Styled(header, term.String("Tags")),
	}}
	for _, machine := range machines {
		rows = append(rows, []term.Cell{
			term.String(machine.Name),
			term.Int(machine.Boards()),
			term.Int(boardsInUse(byMachine[machine.Name])),
			term.Int(len(byMachine[machine.Name])),
			term.String(strings.Join(machine.Tags, ", ")),
		})
	}
	return term.RenderTable(rows)
}

// showMachine prints one machine's details and its running jobs.
// Exit code 6 when the machine does not exist.
func showMachine(t *term.Terminal, machines []protocol.Machine, jobs []protocol.JobInfo, name string) error {
	var machine *protocol.Machine
	for i := range machines {
		if machines[i].Name == name {
			machine = &machines[i]
			break
		}
	}
	if machine == nil {
		return cli.Exitf(6, "no machine %q was found", name)
	}

	displayed := jobsByMachine(jobs)[name]
	t.Println(term.RenderDefinitions([]term.Definition{
		{Term: "Name", Value: machine.Name},
		{Term: "Tags", Value: strings.Join(machine.Tags, ", ")},
		{Term: "In-use", Value: fmt.Sprintf("%d of %d", boardsInUse(displayed), machine.Boards())},
		{Term: "Jobs", Value: strconv.Itoa(len(displayed))},
	}))

	header := t.BrightStyle()
	rows := [][]term.Cell{{
		term.Styled(header, term.String("Job ID")),
		term.Styled(header, term.String("Num boards")),
		term.Styled(header, term.String("Owner")),
	}}
	for _, j := range displayed {
		rows = append(rows, []term.Cell{
			term.Int(j.JobID),
			term.Int(len(j.Boards)),
			term.String(j.Owner),
		})
	}
	t.Println()
	t.Println(term.RenderTable(rows))
	return nil
}
