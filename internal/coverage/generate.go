package coverage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"testscope/internal/logging"
	"testscope/internal/match"
	"testscope/internal/ui"
)

// Target selects resources of one type by URL.
type Target struct {
	Type  string
	Match match.Spec
}

// Generate summarizes every target against snapshot, writes one annotated
// page per found resource into dir and returns the entries in order. A
// target that matches nothing yields a "Not found match" entry. A page that
// cannot be written is logged and its entry kept without an HTML link.
func Generate(snapshot *Snapshot, targets []Target, dir, jobID string) ([]Entry, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("no coverage targets")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}
	timer := logging.StartTimer(logging.CategoryCoverage, "generate code coverage")
	defer timer.Stop()

	var list []Entry
	for _, target := range targets {
		typ := target.Type
		if typ != TypeJS && typ != TypeCSS {
			typ = TypeJS
		}
		entries := snapshot.Summarize(typ, target.Match)
		if len(entries) == 0 {
			list = append(list, Entry{Type: typ, Name: "Not found match: " + describe(target.Match)})
			continue
		}
		for _, e := range entries {
			e.Index = len(list) + 1
			name := strings.Join([]string{"job", jobID, "coverage", fmt.Sprint(e.Index), strings.ToLower(e.Name)}, "-") + ".html"
			page, err := RenderPage(jobID, e)
			if err == nil {
				err = os.WriteFile(filepath.Join(dir, name), page, 0644)
			}
			if err != nil {
				logging.Get(logging.CategoryCoverage).Error("failed to save coverage page for %s: %v", e.URL, err)
			} else {
				e.HTML = name
				logging.CoverageDebug("saved: %s", name)
			}
			list = append(list, e)
		}
	}
	return list, nil
}

// Table renders entries as a console summary. Rows with no coverage are
// highlighted.
func Table(entries []Entry, styles ui.Styles) string {
	t := ui.NewTable("code coverage:", "Type", "Name", "Coverage")
	t.Align = []ui.Align{ui.AlignLeft, ui.AlignLeft, ui.AlignRight}
	for _, e := range entries {
		t.AddRow(e.Type, e.Name, Percent(e.Coverage))
	}
	errStyle := styles.Error
	t.Highlight = func(row int) *lipgloss.Style {
		if entries[row].Coverage == 0 {
			return &errStyle
		}
		return nil
	}
	return t.View(styles)
}
