// Copyright 2026 The Spalloc Authors
// SPDX-License-Identifier: Apache-2.0

// spalloc-alloc requests a SpiNNaker machine allocation, waits for the
// boards to power on, and either prints the connection details or runs
// a command against the allocation, destroying the job when done.
//
// Usage:
//
//	spalloc-alloc [options]                  allocate one board
//	spalloc-alloc [options] N                allocate at least N boards
//	spalloc-alloc [options] W H              allocate W×H triads
//	spalloc-alloc [options] X Y Z            allocate one specific board
//	spalloc-alloc [options] -- cmd [args]    run cmd once ready
//
// In the command, {hostname} (or {}) is replaced by the IP of the chip
// at (0, 0), {w} and {h} by the machine dimensions in chips, and
// {ethernet_ips} by the path of a CSV file listing the IP of every
// Ethernet-connected chip.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/Sakuyui/spalloc/config"
	"github.com/Sakuyui/spalloc/internal/cli"
	"github.com/Sakuyui/spalloc/job"
	"github.com/Sakuyui/spalloc/lib/version"
	"github.com/Sakuyui/spalloc/protocol"
	"github.com/Sakuyui/spalloc/term"
)

func main() {
	if err := run(); err != nil {
		if err.Error() != "" {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("spalloc-alloc")
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var (
		quiet          bool
		debug          bool
		machine        string
		tags           []string
		minRatio       float64
		maxDeadBoards  int
		maxDeadLinks   int
		requireTorus   bool
		noRequireTorus bool
		owner          string
		keepalive      float64
		reconnectDelay float64
		server         cli.ServerArgs
	)

	defaultKeepalive := -1.0
	if cfg.Keepalive != nil {
		defaultKeepalive = *cfg.Keepalive
	}
	defaultMaxDeadBoards := -1
	if cfg.MaxDeadBoards != nil {
		defaultMaxDeadBoards = *cfg.MaxDeadBoards
	}
	defaultMaxDeadLinks := -1
	if cfg.MaxDeadLinks != nil {
		defaultMaxDeadLinks = *cfg.MaxDeadLinks
	}
	defaultTags := cfg.Tags
	if len(defaultTags) == 0 {
		defaultTags = []string{"default"}
	}

	fs := pflag.NewFlagSet("spalloc-alloc", pflag.ContinueOnError)
	fs.BoolVarP(&quiet, "quiet", "q", false, "suppress informational messages")
	fs.BoolVar(&debug, "debug", false, "enable additional diagnostic information")
	fs.StringVarP(&machine, "machine", "m", cfg.Machine,
		"only allocate boards which are part of a specific machine")
	fs.StringSliceVarP(&tags, "tags", "t", defaultTags,
		"only allocate boards which have (at least) the specified tags")
	fs.Float64Var(&minRatio, "min-ratio", cfg.MinRatio,
		"when allocating by number of boards, require that the allocation be at least as square as this ratio")
	fs.IntVar(&maxDeadBoards, "max-dead-boards", defaultMaxDeadBoards,
		"boards allowed to be dead in the allocation, or -1 to allow any number")
	fs.IntVar(&maxDeadLinks, "max-dead-links", defaultMaxDeadLinks,
		"inter-board links allowed to be dead in the allocation, or -1 to allow any number")
	fs.BoolVarP(&requireTorus, "require-torus", "w", cfg.RequireTorus,
		"require that the allocation contain torus (wrap-around) links")
	fs.BoolVarP(&noRequireTorus, "no-require-torus", "W", false,
		"do not require that the allocation contain torus links")
	fs.StringVar(&owner, "owner", cfg.Owner,
		"by convention, the email address of the owner of the job")
	fs.Float64Var(&keepalive, "keepalive", defaultKeepalive,
		"interval in seconds at which keepalive messages must reach the server, or -1 for no keepalive requirement")
	fs.Float64Var(&reconnectDelay, "reconnect-delay", cfg.ReconnectDelay,
		"seconds to wait before reconnecting to the server if the connection is lost")
	server.AddFlags(fs, cfg)
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if owner == "" {
		return fmt.Errorf("--owner must be specified (typically your email address)")
	}
	if server.Hostname == "" {
		return fmt.Errorf("--hostname of spalloc server must be specified")
	}
	if noRequireTorus {
		requireTorus = false
	}

	// Positional arguments before any "--" describe the shape; those
	// after it are the command to run once the boards are ready.
	args := fs.Args()
	command := []string(nil)
	if at := fs.ArgsLenAtDash(); at >= 0 {
		command = args[at:]
		args = args[:at]
	}
	shape := make(job.Shape, len(args))
	for i, arg := range args {
		n, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("bad allocation argument %q: expected an integer", arg)
		}
		shape[i] = n
	}
	if len(shape) > 3 {
		return fmt.Errorf("expected no arguments, NUM, WIDTH HEIGHT, or X Y Z")
	}

	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	jobConfig := job.Config{
		Hostname:       server.Hostname,
		Port:           server.Port,
		Owner:          owner,
		ReconnectDelay: time.Duration(reconnectDelay * float64(time.Second)),
		Timeout:        server.CallTimeout(),
		Machine:        machine,
		MinRatio:       minRatio,
		RequireTorus:   requireTorus,
		Logger:         logger,
	}
	if keepalive < 0 {
		jobConfig.Keepalive = -1
	} else {
		jobConfig.Keepalive = time.Duration(keepalive * float64(time.Second))
	}
	if machine == "" {
		jobConfig.Tags = tags
	}
	if maxDeadBoards >= 0 {
		jobConfig.MaxDeadBoards = &maxDeadBoards
	}
	if maxDeadLinks >= 0 {
		jobConfig.MaxDeadLinks = &maxDeadLinks
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	t := term.New(os.Stderr)
	info := func(s string) {
		if !quiet {
			t.Update(s)
		}
	}

	return allocate(ctx, t, info, shape, jobConfig, command)
}

// allocate drives the job through its lifecycle: create, wait until
// ready, hand the machine to the user, destroy.
func allocate(ctx context.Context, t *term.Terminal, info func(string), shape job.Shape, jobConfig job.Config, command []string) error {
	j, err := job.New(shape, jobConfig)
	if err != nil {
		return err
	}
	if err := j.Create(ctx); err != nil {
		return cli.Exitf(6, "could not connect to server: %v", err)
	}
	defer j.Destroy(context.Background(), "")

	ipFile, err := os.CreateTemp("", "spinnaker_ips_*.csv")
	if err != nil {
		return err
	}
	ipFile.Close()
	defer os.Remove(ipFile.Name())

	code, err := waitUntilReady(ctx, t, info, j)
	if code != 0 || err != nil {
		if err != nil {
			return err
		}
		return &cli.ExitError{Code: code}
	}

	machineInfo, err := j.MachineInfo(ctx)
	if err != nil {
		return cli.CommError(err)
	}
	if err := writeIPsToCSV(machineInfo.Connections, ipFile.Name()); err != nil {
		return err
	}
	info(t.Green(fmt.Sprintf("Job %d: Ready!", j.ID())))
	t.EndUpdate()

	if len(command) > 0 {
		return runCommand(ctx, command, machineInfo, ipFile.Name())
	}
	printInfo(t, machineInfo, ipFile.Name())
	return nil
}

// waitUntilReady mirrors the job states to the user until the boards
// are powered. The returned code follows the documented exit codes:
// 1 destroyed, 2 not recognised, 3 unrecognised state, 4 interrupted.
func waitUntilReady(ctx context.Context, t *term.Terminal, info func(string), j *job.Job) (int, error) {
	var oldState protocol.JobState
	first := true
	state, err := j.State(ctx)
	if err != nil {
		return 0, cli.CommError(err)
	}
	current := state.State
	for {
		if first || current != oldState {
			switch current {
			case protocol.StateQueued:
				info(t.Yellow(fmt.Sprintf("Job %d: Waiting in queue...", j.ID())))
			case protocol.StatePower:
				info(t.Yellow(fmt.Sprintf("Job %d: Waiting for power on...", j.ID())))
			case protocol.StateReady:
				return 0, nil
			case protocol.StateDestroyed:
				reason := ""
				if s, err := j.State(ctx); err == nil && s.Reason != nil {
					reason = *s.Reason
				}
				if reason != "" {
					info(t.Red(fmt.Sprintf("Job %d: Destroyed: %s", j.ID(), reason)))
				} else {
					info(t.Red(fmt.Sprintf("Job %d: Destroyed.", j.ID())))
				}
				t.EndUpdate()
				return 1, nil
			case protocol.StateUnknown:
				info(t.Red(fmt.Sprintf("Job %d: Job not recognised by server.", j.ID())))
				t.EndUpdate()
				return 2, nil
			default:
				info(t.Red(fmt.Sprintf("Job %d: Entered an unrecognised state %v.", j.ID(), current)))
				t.EndUpdate()
				return 3, nil
			}
		}
		first = false
		oldState = current
		current = j.WaitForStateChange(ctx, current)
		if ctx.Err() != nil {
			info(t.Red(fmt.Sprintf("Job %d: Destroyed by keyboard interrupt.", j.ID())))
			t.EndUpdate()
			return 4, nil
		}
	}
}

// writeIPsToCSV writes the board IP addresses as x,y,hostname rows.
func writeIPsToCSV(connections protocol.Connections, path string) error {
	coords := make([]protocol.Coord, 0, len(connections))
	for coord := range connections {
		coords = append(coords, coord)
	}
	sort.Slice(coords, func(i, k int) bool {
		if coords[i].X != coords[k].X {
			return coords[i].X < coords[k].X
		}
		return coords[i].Y < coords[k].Y
	})

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, "x,y,hostname"); err != nil {
		return err
	}
	for _, coord := range coords {
		if _, err := fmt.Fprintf(f, "%d,%d,%s\n", coord.X, coord.Y, connections[coord]); err != nil {
			return err
		}
	}
	return nil
}

// printInfo shows the allocation details and holds the job open until
// the user presses enter.
func printInfo(t *term.Terminal, machineInfo protocol.MachineInfo, ipFileName string) {
	root := machineInfo.Connections[protocol.Coord{X: 0, Y: 0}]

	definitions := []term.Definition{
		{Term: "Hostname", Value: t.Bright(root)},
		{Term: "Width", Value: strconv.Itoa(*machineInfo.Width)},
		{Term: "Height", Value: strconv.Itoa(*machineInfo.Height)},
	}
	if len(machineInfo.Connections) > 1 {
		definitions = append(definitions,
			term.Definition{Term: "Num boards", Value: strconv.Itoa(len(machineInfo.Connections))},
			term.Definition{Term: "All hostnames", Value: ipFileName},
		)
	}
	definitions = append(definitions,
		term.Definition{Term: "Running on", Value: *machineInfo.MachineName})
	fmt.Println(term.RenderDefinitions(definitions))

	fmt.Print(t.Dim("<Press enter to destroy job>"))
	bufio.NewReader(os.Stdin).ReadString('\n')
	fmt.Println()
}

// runCommand substitutes allocation details into the command and runs
// it, passing its exit code through.
func runCommand(ctx context.Context, command []string, machineInfo protocol.MachineInfo, ipFileName string) error {
	root := machineInfo.Connections[protocol.Coord{X: 0, Y: 0}]
	replacer := newSubstituter(root, *machineInfo.Width, *machineInfo.Height, ipFileName)

	args := make([]string, len(command))
	for i, arg := range command {
		args[i] = replacer.Replace(arg)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &cli.ExitError{Code: exitErr.ExitCode()}
	}
	return err
}

// newSubstituter expands the placeholders documented in the usage:
// {} and {hostname}, {w}/{width}, {h}/{height}, {ethernet_ips}.
func newSubstituter(hostname string, width, height int, ipFileName string) *strings.Replacer {
	return strings.NewReplacer(
		"{}", hostname,
		"{hostname}", hostname,
		"{w}", strconv.Itoa(width),
		"{width}", strconv.Itoa(width),
		"{h}", strconv.Itoa(height),
		"{height}", strconv.Itoa(height),
		"{ethernet_ips}", ipFileName,
	)
}
