// Command revgatectl is the operator CLI for a running revgated
// daemon: it triggers reviews, inspects queue status, and renders
// review history.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var daemonAddr string

func main() {
	rootCmd := &cobra.Command{
		Use:   "revgatectl",
		Short: "Control and inspect a revgated daemon",
	}
	rootCmd.PersistentFlags().StringVar(&daemonAddr, "addr", defaultAddr(), "daemon address")

	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(triggerCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(tuiCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultAddr() string {
	if v := os.Getenv("REVGATE_ADDR"); v != "" {
		return v
	}
	return "http://127.0.0.1:8765"
}
