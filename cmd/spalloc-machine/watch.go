// Copyright 2026 The Spalloc Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/Sakuyui/spalloc/internal/cli"
	"github.com/Sakuyui/spalloc/protocol"
)

// refreshMsg carries a fresh snapshot of server state into the UI.
type refreshMsg struct {
	machines []protocol.Machine
	jobs     []protocol.JobInfo
}

// errMsg aborts the UI with a communication error.
type errMsg struct{ err error }

// watchModel is the live machine view: a table of machines (or of one
// machine's jobs) redrawn whenever the server pushes a change.
type watchModel struct {
	ctx     context.Context
	server  *cli.ServerArgs
	w       *protocol.Worker
	machine string

	table table.Model
	err   error
}

// watchMachines runs the live view until the user quits or the
// connection fails.
func watchMachines(ctx context.Context, server *cli.ServerArgs, w *protocol.Worker, machine string) error {
	callCtx, cancel := server.CallCtx(ctx)
	var err error
	if machine == "" {
		err = w.NotifyAllMachines(callCtx)
	} else {
		err = w.NotifyMachine(callCtx, machine)
	}
	cancel()
	if err != nil {
		return cli.CommError(err)
	}

	columns := []table.Column{
		{Title: "Name", Width: 18},
		{Title: "Num boards", Width: 10},
		{Title: "In-use", Width: 6},
		{Title: "Jobs", Width: 5},
		{Title: "Tags", Width: 24},
	}
	if machine != "" {
		columns = []table.Column{
			{Title: "Job ID", Width: 8},
			{Title: "Num boards", Width: 10},
			{Title: "Owner", Width: 28},
			{Title: "State", Width: 10},
		}
	}
	model := watchModel{
		ctx:     ctx,
		server:  server,
		w:       w,
		machine: machine,
		table: table.New(
			table.WithColumns(columns),
			table.WithFocused(true),
		),
	}

	final, err := tea.NewProgram(model, tea.WithContext(ctx)).Run()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	if m, ok := final.(watchModel); ok && m.err != nil {
		return cli.CommError(m.err)
	}
	return nil
}

// Init implements tea.Model: fetch the first snapshot immediately.
func (m watchModel) Init() tea.Cmd {
	return m.fetch
}

// fetch pulls the machine and job lists and delivers them as one
// refresh.
func (m watchModel) fetch() tea.Msg {
	callCtx, cancel := m.server.CallCtx(m.ctx)
	machines, err := m.w.ListMachines(callCtx)
	cancel()
	if err != nil {
		return errMsg{err}
	}
	callCtx, cancel = m.server.CallCtx(m.ctx)
	jobs, err := m.w.ListJobs(callCtx)
	cancel()
	if err != nil {
		return errMsg{err}
	}
	return refreshMsg{machines: machines, jobs: jobs}
}

// waitForChange blocks until the server pushes a change notification,
// then triggers a fresh fetch.
func (m watchModel) waitForChange() tea.Msg {
	if _, err := m.w.WaitForNotification(m.ctx); err != nil {
		if m.ctx.Err() != nil {
			return tea.Quit()
		}
		return errMsg{err}
	}
	return m.fetch()
}

// Update implements tea.Model.
func (m watchModel) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch message := message.(type) {
	case refreshMsg:
		m.table.SetRows(m.rows(message))
		return m, m.waitForChange
	case errMsg:
		m.err = message.err
		return m, tea.Quit
	case tea.KeyMsg:
		switch message.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		if message.Height > 3 {
			m.table.SetHeight(message.Height - 3)
		}
	}
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(message)
	return m, cmd
}

// rows converts a snapshot into table rows for the current view.
func (m watchModel) rows(snapshot refreshMsg) []table.Row {
	byMachine := jobsByMachine(snapshot.jobs)
	if m.machine == "" {
		rows := make([]table.Row, 0, len(snapshot.machines))
		for _, machine := range snapshot.machines {
			rows = append(rows, table.Row{
				machine.Name,
				strconv.Itoa(machine.Boards()),
				strconv.Itoa(boardsInUse(byMachine[machine.Name])),
				strconv.Itoa(len(byMachine[machine.Name])),
				strings.Join(machine.Tags, ", "),
			})
		}
		return rows
	}
	displayed := byMachine[m.machine]
	rows := make([]table.Row, 0, len(displayed))
	for _, j := range displayed {
		rows = append(rows, table.Row{
			strconv.Itoa(j.JobID),
			strconv.Itoa(len(j.Boards)),
			j.Owner,
			j.State.String(),
		})
	}
	return rows
}

// View implements tea.Model.
func (m watchModel) View() string {
	return m.table.View() + "\nq quits\n"
}
