// Package console renders run summaries, closure lookups and errors for the
// terminal.
package console

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"

	"closurizer/internal/output"
	kgerr "closurizer/pkg/errors"
)

const (
	labelWidth = 22
	valueWidth = 60
)

// Print renders the summary of a run in a compact format.
func Print(w io.Writer, view output.SummaryView) {
	title := "CLOSURIZER RUN"
	if view.DryRun {
		title += " (dry run)"
	}
	fmt.Fprintf(w, "%s %s\n", TitleStyle.Render("■ "+title), NoteStyle.Render(view.RunID))

	printSections(w, view.Sections)

	for _, warn := range view.Warnings {
		fmt.Fprintf(w, "%s %s\n", statusStyle(output.StatusWarn).Render("!"), warn)
	}
	if view.Elapsed != "" {
		fmt.Fprintf(w, "%s: %s\n", SectionStyle.Render("─ Elapsed"), view.Elapsed)
	}
	fmt.Fprintln(w)
}

// PrintLookup renders one section per looked-up node.
func PrintLookup(w io.Writer, view output.LookupView) {
	printSections(w, view.Sections)
}

// PrintStatements renders the SQL a dry run would execute.
func PrintStatements(w io.Writer, statements []string) {
	for i, stmt := range statements {
		fmt.Fprintf(w, "%s\n%s\n", SectionStyle.Render(fmt.Sprintf("─ Statement %d", i+1)),
			StatementStyle.Render(strings.TrimSpace(stmt)))
	}
}

// PrintError renders err as "code: message"; errors without a code print as
// "error: message".
func PrintError(w io.Writer, err error) {
	if err == nil {
		return
	}
	code := string(kgerr.CodeOf(err))
	if code == "" {
		code = "error"
	}
	fmt.Fprintf(w, "%s %s\n", statusStyle("ERR").Render(code+":"), err.Error())
}

func printSections(w io.Writer, sections []output.Section) {
	for _, sec := range sections {
		fmt.Fprintln(w, SectionStyle.Render("─ "+sec.Title))
		for _, it := range sec.Items {
			label := truncate(it.Label, labelWidth-2)
			dots := strings.Repeat("·", labelWidth-utf8.RuneCountInString(label))

			line := fmt.Sprintf("  %s%s %s", label, LeaderStyle.Render(dots), truncate(it.Value, valueWidth))
			if it.Note != "" {
				line += " " + NoteStyle.Render("("+it.Note+")")
			}
			if m := marker(it.Status); m != "" {
				line += " " + statusStyle(it.Status).Render(m)
			}
			fmt.Fprintln(w, line)
		}
	}
}

func marker(status string) string {
	switch status {
	case output.StatusOK:
		return "✓"
	case output.StatusWarn:
		return "!"
	case "":
		return ""
	default:
		return "X"
	}
}

func colorFor(status string) lipgloss.TerminalColor {
	switch status {
	case output.StatusWarn:
		return Warning
	case output.StatusOK:
		return Special
	default:
		return Danger
	}
}

func statusStyle(status string) lipgloss.Style {
	return lipgloss.NewStyle().Bold(true).Foreground(colorFor(status))
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-3]) + "..."
}
