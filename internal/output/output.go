// Package output formats CLI results as styled text or JSON.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Faint(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
)

// Formatter writes human or machine readable output.
type Formatter struct {
	writer io.Writer
	json   bool
	color  bool
}

// NewFormatter creates a formatter. JSON mode emits one object per
// call; color is enabled only when writing to a TTY and not disabled
// explicitly.
func NewFormatter(w io.Writer, jsonMode, noColor bool) *Formatter {
	color := false
	if f, ok := w.(*os.File); ok && !noColor {
		color = isatty.IsTerminal(f.Fd())
	}
	return &Formatter{writer: w, json: jsonMode, color: color}
}

// JSONMode reports whether the formatter emits JSON.
func (f *Formatter) JSONMode() bool {
	return f.json
}

// JSON marshals v as indented JSON.
func (f *Formatter) JSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(f.writer, `{"error": %q}`+"\n", err.Error())
		return
	}
	fmt.Fprintln(f.writer, string(data))
}

// Textln outputs plain text with a newline.
func (f *Formatter) Textln(format string, args ...any) {
	fmt.Fprintf(f.writer, format+"\n", args...)
}

// Header outputs a bold section header.
func (f *Formatter) Header(text string) {
	if f.color {
		text = headerStyle.Render(text)
	}
	fmt.Fprintln(f.writer, text)
}

// Dim outputs secondary text.
func (f *Formatter) Dim(format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	if f.color {
		text = dimStyle.Render(text)
	}
	fmt.Fprintln(f.writer, text)
}

// Error outputs an error line.
func (f *Formatter) Error(format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	if f.color {
		text = errorStyle.Render(text)
	}
	fmt.Fprintln(f.writer, text)
}

// Success outputs a success line.
func (f *Formatter) Success(format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	if f.color {
		text = okStyle.Render(text)
	}
	fmt.Fprintln(f.writer, text)
}

// Table outputs tabular data with width-aligned columns.
type Table struct {
	writer  io.Writer
	headers []string
	rows    [][]string
	widths  []int
}

// NewTable creates a new table with headers.
func NewTable(w io.Writer, headers ...string) *Table {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	return &Table{writer: w, headers: headers, widths: widths}
}

// AddRow adds a row to the table.
func (t *Table) AddRow(cols ...string) {
	for i, c := range cols {
		if i < len(t.widths) && len(c) > t.widths[i] {
			t.widths[i] = len(c)
		}
	}
	t.rows = append(t.rows, cols)
}

// Render outputs the table.
func (t *Table) Render() {
	formats := make([]string, len(t.widths))
	for i, w := range t.widths {
		formats[i] = fmt.Sprintf("%%-%ds", w)
	}
	rowFmt := "  " + strings.Join(formats, "  ") + "\n"

	cells := make([]any, len(t.headers))
	for i, h := range t.headers {
		cells[i] = h
	}
	fmt.Fprintf(t.writer, rowFmt, cells...)

	sep := make([]any, len(t.widths))
	for i, w := range t.widths {
		sep[i] = strings.Repeat("-", w)
	}
	fmt.Fprintf(t.writer, rowFmt, sep...)

	for _, row := range t.rows {
		cells := make([]any, len(t.widths))
		for i := range t.widths {
			if i < len(row) {
				cells[i] = row[i]
			} else {
				cells[i] = ""
			}
		}
		fmt.Fprintf(t.writer, rowFmt, cells...)
	}
}
