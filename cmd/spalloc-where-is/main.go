// Copyright 2026 The Spalloc Authors
// SPDX-License-Identifier: Apache-2.0

// spalloc-where-is locates a board or chip in every coordinate system
// the server knows about: logical board coordinates, physical
// cabinet/frame/board positions, machine-absolute chips, and
// job-relative chips.
//
// Exactly one location must be given:
//
//	spalloc-where-is --machine NAME --board X,Y,Z
//	spalloc-where-is --machine NAME --physical C,F,B
//	spalloc-where-is --machine NAME --chip X,Y
//	spalloc-where-is --job ID --chip X,Y
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
		version.Print("spalloc-where-is")
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var (
		machine  string
		jobID    int
		board    string
		physical string
		chip     string
		server   cli.ServerArgs
	)
	fs := pflag.NewFlagSet("spalloc-where-is", pflag.ContinueOnError)
	fs.StringVarP(&machine, "machine", "m", "", "the machine the location is on")
	fs.IntVarP(&jobID, "job", "j", -1, "the job the chip coordinate is relative to")
	fs.StringVarP(&board, "board", "b", "", "logical board coordinate X,Y,Z")
	fs.StringVarP(&physical, "physical", "p", "", "physical board position CABINET,FRAME,BOARD")
	fs.StringVarP(&chip, "chip", "c", "", "chip coordinate X,Y")
	server.AddFlags(fs, cfg)
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	query, err := buildQuery(machine, jobID, board, physical, chip)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client, w, err := server.Dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	callCtx, cancel := server.CallCtx(ctx)
	location, err := w.WhereIs(callCtx, query)
	cancel()
	if err != nil {
		return cli.CommError(err)
	}
	if location == nil {
		return cli.Exitf(4, "no boards at the specified location")
	}

	t := term.New(os.Stdout)
	t.Println(term.RenderDefinitions(renderLocation(location)))
	return nil
}

// buildQuery validates the flag combination and assembles the lookup.
func buildQuery(machine string, jobID int, board, physical, chip string) (protocol.WhereIsQuery, error) {
	var query protocol.WhereIsQuery

	specified := 0
	for _, flag := range []string{board, physical, chip} {
		if flag != "" {
			specified++
		}
	}
	if specified != 1 {
		return query, fmt.Errorf("exactly one of --board, --physical and --chip must be given")
	}

	switch {
	case board != "":
		coords, err := parseCoords(board, 3)
		if err != nil {
			return query, fmt.Errorf("bad --board: %w", err)
		}
		if machine == "" {
			return query, fmt.Errorf("--board requires --machine")
		}
		query.Machine = &machine
		query.Logical = &[3]int{coords[0], coords[1], coords[2]}
	case physical != "":
		coords, err := parseCoords(physical, 3)
		if err != nil {
			return query, fmt.Errorf("bad --physical: %w", err)
		}
		if machine == "" {
			return query, fmt.Errorf("--physical requires --machine")
		}
		query.Machine = &machine
		query.Physical = &[3]int{coords[0], coords[1], coords[2]}
	default:
		coords, err := parseCoords(chip, 2)
		if err != nil {
			return query, fmt.Errorf("bad --chip: %w", err)
		}
		switch {
		case jobID >= 0 && machine == "":
			query.JobID = &jobID
		case machine != "" && jobID < 0:
			query.Machine = &machine
		default:
			return query, fmt.Errorf("--chip requires exactly one of --machine and --job")
		}
		query.Chip = &[2]int{coords[0], coords[1]}
	}
	return query, nil
}

// parseCoords reads a comma-separated integer tuple of a fixed arity.
func parseCoords(s string, n int) ([]int, error) {
	parts := strings.Split(s, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("expected %d comma-separated integers, got %q", n, s)
	}
	coords := make([]int, n)
	for i, part := range parts {
		value, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("bad coordinate %q", part)
		}
		coords[i] = value
	}
	return coords, nil
}

// renderLocation lays out every coordinate system of the result.
func renderLocation(location *protocol.WhereIs) []term.Definition {
	definitions := []term.Definition{
		{Term: "Machine", Value: location.Machine},
		{Term: "Physical location", Value: fmt.Sprintf("Cabinet %d, Frame %d, Board %d",
			location.Physical[0], location.Physical[1], location.Physical[2])},
		{Term: "Board coordinate", Value: formatTriple(location.Logical)},
		{Term: "Machine chip coordinate", Value: formatPair(location.Chip)},
		{Term: "Coordinate within board", Value: formatPair(location.BoardChip)},
	}
	if location.JobID != nil {
		definitions = append(definitions,
			term.Definition{Term: "Job using board", Value: strconv.Itoa(*location.JobID)})
	}
	if location.JobChip != nil {
		definitions = append(definitions,
			term.Definition{Term: "Coordinate within job", Value: formatPair(*location.JobChip)})
	}
	return definitions
}

func formatTriple(v [3]int) string {
	return fmt.Sprintf("(%d, %d, %d)", v[0], v[1], v[2])
}

func formatPair(v [2]int) string {
	return fmt.Sprintf("(%d, %d)", v[0], v[1])
}
