package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"
)

var (
	listCompletedStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "28", Dark: "46"})
	listFailedStyle    = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "124", Dark: "196"})
	listRunningStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "25", Dark: "33"})
	listPendingStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "136", Dark: "226"})
)

func statusStyle(status string) string {
	switch status {
	case "completed":
		return listCompletedStyle.Render(status)
	case "failed", "cancelled":
		return listFailedStyle.Render(status)
	case "processing":
		return listRunningStyle.Render(status)
	default:
		return listPendingStyle.Render(status)
	}
}

func listCmd() *cobra.Command {
	var repoID, status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent review tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(daemonAddr)
			tasks, err := client.reviews(repoID, status, limit)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Println("no reviews found")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "TASK ID\tREPO\tSTATUS\tSTRATEGY\tSCORE\tREVISION")
			for _, t := range tasks {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
					t.TaskID, padDisplay(t.RepoID, 20), statusStyle(string(t.Status)), t.Strategy, t.QualityScore, shortRevision(t.RevisionRef))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&repoID, "repo", "", "filter by repo_id")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of reviews to show")
	return cmd
}

func shortRevision(ref string) string {
	if len(ref) > 12 {
		return ref[:12]
	}
	return ref
}

// padDisplay truncates or right-pads s to width display columns, using
// runewidth so multi-byte repo names (e.g. CJK) still line up under tabwriter.
func padDisplay(s string, width int) string {
	if runewidth.StringWidth(s) > width {
		return runewidth.Truncate(s, width, "…")
	}
	return runewidth.FillRight(s, width)
}
