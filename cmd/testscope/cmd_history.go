package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"testscope/internal/store"
	"testscope/internal/ui"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List archived jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.Open(cfg.StorePath())
		if err != nil {
			return err
		}
		defer st.Close()
		return printHistory(cmd.Context(), cmd.OutOrStdout(), st, historyLimit, ui.DefaultStyles())
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of jobs to list")
}

func printHistory(ctx context.Context, w io.Writer, st *store.Store, limit int, styles ui.Styles) error {
	jobs, err := st.ListJobs(ctx, limit)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Fprintln(w, styles.Muted.Render("No archived jobs in "+st.Path()))
		return nil
	}

	t := ui.NewTable("Job History", "ID", "Title", "Started", "Duration", "Tests", "Failed", "Requests")
	t.Align = []ui.Align{ui.AlignLeft, ui.AlignLeft, ui.AlignLeft, ui.AlignRight, ui.AlignRight, ui.AlignRight, ui.AlignRight}
	for _, j := range jobs {
		t.AddRow(
			j.ID,
			j.Title,
			humanize.Time(j.StartedAt),
			j.Duration().Round(time.Millisecond).String(),
			strconv.Itoa(j.Tests),
			strconv.Itoa(j.Failed),
			humanize.Comma(int64(j.Requests)),
		)
	}
	t.Highlight = func(row int) *lipgloss.Style {
		if jobs[row].Failed > 0 {
			return &styles.Error
		}
		return nil
	}
	fmt.Fprintln(w, t.View(styles))
	return nil
}
