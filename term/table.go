// Copyright 2026 The Spalloc Authors
// SPDX-License-Identifier: Apache-2.0

package term

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

// Cell is one table cell. Numeric cells are right-aligned; everything
// else is left-aligned. An optional style is applied after padding so
// alignment is computed on the bare text.
type Cell struct {
	Text  string
	Style *lipgloss.Style
	Right bool
}

// String makes a plain left-aligned cell.
func String(s string) Cell { return Cell{Text: s} }

// Int makes a right-aligned numeric cell.
func Int(n int) Cell { return Cell{Text: strconv.Itoa(n), Right: true} }

// Styled attaches a style to an existing cell.
func Styled(style lipgloss.Style, cell Cell) Cell {
	cell.Style = &style
	return cell
}

// RenderTable lays rows out in columns two spaces apart. Column
// widths come from the widest cell; display width is measured after
// stripping escape sequences, so styled cells align with plain ones.
func RenderTable(rows [][]Cell) string {
	if len(rows) == 0 {
		return ""
	}

	var widths []int
	for _, row := range rows {
		for i, cell := range row {
			if i >= len(widths) {
				widths = append(widths, 0)
			}
			if w := ansi.StringWidth(cell.Text); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var b strings.Builder
	for _, row := range rows {
		for i, cell := range row {
			if i > 0 {
				b.WriteString("  ")
			}
			pad := widths[i] - ansi.StringWidth(cell.Text)
			text := cell.Text
			if cell.Style != nil {
				text = cell.Style.Render(text)
			}
			switch {
			case i == len(row)-1 && !cell.Right:
				// No trailing padding on the last column.
				b.WriteString(text)
			case cell.Right:
				b.WriteString(strings.Repeat(" ", pad))
				b.WriteString(text)
			default:
				b.WriteString(text)
				b.WriteString(strings.Repeat(" ", pad))
			}
		}
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Definition is one term/value pair for RenderDefinitions.
type Definition struct {
	Term  string
	Value string
}

// RenderDefinitions renders aligned "Term: value" lines. Multi-line
// values are indented to hang under their first line.
func RenderDefinitions(definitions []Definition) string {
	width := 0
	for _, d := range definitions {
		if w := ansi.StringWidth(d.Term); w > width {
			width = w
		}
	}

	var b strings.Builder
	for _, d := range definitions {
		indent := strings.Repeat(" ", width+2)
		value := strings.ReplaceAll(d.Value, "\n", "\n"+indent)
		fmt.Fprintf(&b, "%s%s: %s\n", strings.Repeat(" ", width-ansi.StringWidth(d.Term)), d.Term, value)
	}
	return strings.TrimSuffix(b.String(), "\n")
}
