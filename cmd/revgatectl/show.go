package main

import (
	"fmt"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func showCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a review's full report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(daemonAddr)
			md, err := client.reviewExport(args[0], "md")
			if err != nil {
				return err
			}

			if format == "raw" || !isatty.IsTerminal(1) {
				fmt.Print(md)
				return nil
			}

			width := 100
			if w, _, err := term.GetSize(1); err == nil && w > 0 {
				width = w
			}
			renderer, err := newRenderer(width)
			if err != nil {
				fmt.Print(md)
				return nil
			}
			rendered, err := renderer.Render(md)
			if err != nil {
				fmt.Print(md)
				return nil
			}
			fmt.Print(rendered)
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "auto", "auto | raw")
	return cmd
}
