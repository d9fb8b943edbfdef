package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/kbserve/kbserve/internal/kb"
	"github.com/kbserve/kbserve/internal/schema"
)

// Printer writes formatted command output.
type Printer struct {
	out    io.Writer
	styles Styles
}

// NewPrinter creates a printer over out with the given styles.
func NewPrinter(out io.Writer, styles Styles) *Printer {
	return &Printer{out: out, styles: styles}
}

// KBList renders the knowledge base detail table.
func (p *Printer) KBList(details []kb.KBDetail) {
	if len(details) == 0 {
		fmt.Fprintln(p.out, p.styles.Dim.Render("no knowledge bases"))
		return
	}

	fmt.Fprintln(p.out, p.styles.Header.Render(
		fmt.Sprintf("%-4s %-24s %-8s %-6s %-10s %s", "No", "Name", "Type", "Files", "Location", "Info")))
	for _, d := range details {
		loc := locationLabel(d.InFolder, d.InDB)
		line := fmt.Sprintf("%-4d %-24s %-8s %-6d %-10s %s",
			d.No, p.styles.Name.Render(d.KBName), d.VSType, d.FileCount, loc, d.KBInfo)
		fmt.Fprintln(p.out, line)
	}
}

// FileList renders a knowledge base's file detail table.
func (p *Printer) FileList(details []kb.FileDetail) {
	if len(details) == 0 {
		fmt.Fprintln(p.out, p.styles.Dim.Render("no files"))
		return
	}

	fmt.Fprintln(p.out, p.styles.Header.Render(
		fmt.Sprintf("%-4s %-32s %-8s %-6s %-6s %s", "No", "File", "Ver", "Docs", "Size", "Location")))
	for _, d := range details {
		fmt.Fprintln(p.out, fmt.Sprintf("%-4d %-32s %-8d %-6d %-6d %s",
			d.No, p.styles.Name.Render(d.FileName), d.Version, d.DocsCount, d.Size,
			locationLabel(d.InFolder, d.InDB)))
	}
}

// SearchResults renders ranked chunks with score and source.
func (p *Printer) SearchResults(query string, docs []schema.ScoredDocument) {
	if len(docs) == 0 {
		fmt.Fprintln(p.out, p.styles.Dim.Render(fmt.Sprintf("no results for %q", query)))
		return
	}

	for i, d := range docs {
		source, _ := d.Metadata["source"].(string)
		fmt.Fprintf(p.out, "%s %s %s\n",
			p.styles.Header.Render(fmt.Sprintf("%d.", i+1)),
			p.styles.Name.Render(source),
			p.styles.Score.Render(fmt.Sprintf("(%.4f)", d.Score)))
		fmt.Fprintln(p.out, p.styles.Dim.Render(indent(firstLines(d.PageContent, 3), "   ")))
	}
}

// FailedFiles renders a per-file failure map from a batch operation.
func (p *Printer) FailedFiles(failed map[string]string) {
	if len(failed) == 0 {
		return
	}
	fmt.Fprintln(p.out, p.styles.Warning.Render(fmt.Sprintf("%d file(s) failed:", len(failed))))
	for name, msg := range failed {
		fmt.Fprintf(p.out, "  %s: %s\n", p.styles.Name.Render(name), msg)
	}
}

// Successf prints a success line.
func (p *Printer) Successf(format string, args ...any) {
	fmt.Fprintln(p.out, p.styles.Success.Render(fmt.Sprintf(format, args...)))
}

// Errorf prints an error line.
func (p *Printer) Errorf(format string, args ...any) {
	fmt.Fprintln(p.out, p.styles.Error.Render(fmt.Sprintf(format, args...)))
}

func locationLabel(inFolder, inDB bool) string {
	switch {
	case inFolder && inDB:
		return "folder+db"
	case inFolder:
		return "folder"
	case inDB:
		return "db"
	default:
		return "none"
	}
}

func firstLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = append(lines[:n], "…")
	}
	return strings.Join(lines, "\n")
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
