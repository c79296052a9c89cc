package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	statusOKStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "28", Dark: "46"})
	statusWarnStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "166", Dark: "208"})
	labelStyle      = lipgloss.NewStyle().Bold(true)
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show polling status and active worker count",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(daemonAddr)
			s, err := client.pollingStatus()
			if err != nil {
				fmt.Println(statusWarnStyle.Render("daemon unreachable: " + err.Error()))
				return nil
			}

			state := statusWarnStyle.Render("stopped")
			if s.Running {
				state = statusOKStyle.Render("running")
			}
			fmt.Printf("%s %s\n", labelStyle.Render("Polling:"), state)
			fmt.Printf("%s %s\n", labelStyle.Render("Interval:"), s.Interval)
			fmt.Printf("%s %d\n", labelStyle.Render("Active workers:"), s.ActiveWorkers)
			return nil
		},
	}
}
