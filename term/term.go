// Copyright 2026 The Spalloc Authors
// SPDX-License-Identifier: Apache-2.0

// Package term renders human-facing command output: styled text,
// aligned tables, definition lists, and in-place status updates.
//
// Styling degrades automatically: when the destination is not a
// terminal (or its color profile says no), styled text comes out
// plain and in-place updates fall back to ordinary lines.
package term

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	xterm "golang.org/x/term"
)

// Terminal writes styled output to one destination.
type Terminal struct {
	w           io.Writer
	out         *termenv.Output
	renderer    *lipgloss.Renderer
	interactive bool

	dim, bright                    lipgloss.Style
	red, green, yellow, blue, cyan lipgloss.Style
	magenta                        lipgloss.Style
}

// Option adjusts how a Terminal is constructed.
type Option func(*options)

type options struct {
	profile     *termenv.Profile
	interactive *bool
}

// WithProfile forces a specific color profile instead of detecting
// one from the destination.
func WithProfile(p termenv.Profile) Option {
	return func(o *options) { o.profile = &p }
}

// WithInteractive forces the interactive flag, which controls whether
// Update overwrites the current line and ClearScreen does anything.
func WithInteractive(interactive bool) Option {
	return func(o *options) { o.interactive = &interactive }
}

// New builds a Terminal for w. Interactivity is detected when w is a
// real file descriptor; everything else is treated as a plain stream.
func New(w io.Writer, opts ...Option) *Terminal {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	interactive := false
	if f, ok := w.(*os.File); ok {
		interactive = xterm.IsTerminal(int(f.Fd()))
	}
	if o.interactive != nil {
		interactive = *o.interactive
	}

	var outOpts []termenv.OutputOption
	if o.profile != nil {
		outOpts = append(outOpts, termenv.WithProfile(*o.profile))
	} else if !interactive {
		outOpts = append(outOpts, termenv.WithProfile(termenv.Ascii))
	}
	out := termenv.NewOutput(w, outOpts...)
	renderer := lipgloss.NewRenderer(w, outOpts...)

	t := &Terminal{
		w:           w,
		out:         out,
		renderer:    renderer,
		interactive: interactive,
	}
	t.dim = renderer.NewStyle().Faint(true)
	t.bright = renderer.NewStyle().Bold(true)
	t.red = renderer.NewStyle().Foreground(lipgloss.Color("1"))
	t.green = renderer.NewStyle().Foreground(lipgloss.Color("2"))
	t.yellow = renderer.NewStyle().Foreground(lipgloss.Color("3"))
	t.blue = renderer.NewStyle().Foreground(lipgloss.Color("4"))
	t.magenta = renderer.NewStyle().Foreground(lipgloss.Color("5"))
	t.cyan = renderer.NewStyle().Foreground(lipgloss.Color("6"))
	return t
}

// Interactive reports whether the destination is a live terminal.
func (t *Terminal) Interactive() bool { return t.interactive }

// Printf writes formatted text straight through.
func (t *Terminal) Printf(format string, args ...any) {
	fmt.Fprintf(t.w, format, args...)
}

// Println writes one line.
func (t *Terminal) Println(args ...any) {
	fmt.Fprintln(t.w, args...)
}

// Update replaces the current line with s on an interactive terminal;
// otherwise it just prints s as a new line.
func (t *Terminal) Update(s string) {
	if !t.interactive {
		fmt.Fprintln(t.w, s)
		return
	}
	t.out.WriteString("\r")
	t.out.ClearLine()
	t.out.WriteString(s)
}

// EndUpdate finishes a sequence of Update calls, moving to a fresh
// line on an interactive terminal.
func (t *Terminal) EndUpdate() {
	if t.interactive {
		fmt.Fprintln(t.w)
	}
}

// ClearScreen clears the display and homes the cursor on an
// interactive terminal; it does nothing on a plain stream.
func (t *Terminal) ClearScreen() {
	if !t.interactive {
		return
	}
	t.out.ClearScreen()
	t.out.MoveCursor(1, 1)
}

// DimStyle exposes the faint style for use with table cells.
func (t *Terminal) DimStyle() lipgloss.Style { return t.dim }

// BrightStyle exposes the bold style.
func (t *Terminal) BrightStyle() lipgloss.Style { return t.bright }

// RedStyle exposes the red style.
func (t *Terminal) RedStyle() lipgloss.Style { return t.red }

// GreenStyle exposes the green style.
func (t *Terminal) GreenStyle() lipgloss.Style { return t.green }

// YellowStyle exposes the yellow style.
func (t *Terminal) YellowStyle() lipgloss.Style { return t.yellow }

// BlueStyle exposes the blue style.
func (t *Terminal) BlueStyle() lipgloss.Style { return t.blue }

// MagentaStyle exposes the magenta style.
func (t *Terminal) MagentaStyle() lipgloss.Style { return t.magenta }

// CyanStyle exposes the cyan style.
func (t *Terminal) CyanStyle() lipgloss.Style { return t.cyan }

// Dim renders s faint.
func (t *Terminal) Dim(s string) string { return t.dim.Render(s) }

// Bright renders s bold.
func (t *Terminal) Bright(s string) string { return t.bright.Render(s) }

// Red renders s in red.
func (t *Terminal) Red(s string) string { return t.red.Render(s) }

// Green renders s in green.
func (t *Terminal) Green(s string) string { return t.green.Render(s) }

// Yellow renders s in yellow.
func (t *Terminal) Yellow(s string) string { return t.yellow.Render(s) }

// Blue renders s in blue.
func (t *Terminal) Blue(s string) string { return t.blue.Render(s) }

// Magenta renders s in magenta.
func (t *Terminal) Magenta(s string) string { return t.magenta.Render(s) }

// Cyan renders s in cyan.
func (t *Terminal) Cyan(s string) string { return t.cyan.Render(s) }
