package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func triggerCmd() *cobra.Command {
	var strategy, baseRef, branch string

	cmd := &cobra.Command{
		Use:   "trigger <repo-id> <revision-ref>",
		Short: "Manually enqueue a review for a repository revision",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(daemonAddr)
			resp, err := client.trigger(args[0], triggerBody{
				Strategy:    strategy,
				RevisionRef: args[1],
				BaseRef:     baseRef,
				Branch:      branch,
			})
			if err != nil {
				return err
			}
			fmt.Printf("queued task %v\n", resp["task_id"])
			return nil
		},
	}

	cmd.Flags().StringVar(&strategy, "strategy", "commit", "commit | merge_request")
	cmd.Flags().StringVar(&baseRef, "base", "", "base ref for a merge_request review")
	cmd.Flags().StringVar(&branch, "branch", "", "branch override (defaults to the repo's configured branch)")
	return cmd
}
