package cmd

import (
	"strings"

	"taskqueue/internal/store"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show pending task instances in queue order",
	RunE: func(cmd *cobra.Command, args []string) error {
		pending, err := newClient().ListInstances(string(store.StatePending))
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			cmd.Println("Queue is empty.")
			return nil
		}
		printQueue(cmd.OutOrStdout(), pending)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show finished and cancelled task instances, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		states, _ := cmd.Flags().GetString("state")

		finished, err := newClient().ListInstances(strings.Split(states, ",")...)
		if err != nil {
			return err
		}
		if len(finished) == 0 {
			cmd.Println("No task instances found.")
			return nil
		}
		printHistory(cmd.OutOrStdout(), finished)
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show one task instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		inst, err := newClient().GetInstance(id)
		if err != nil {
			return err
		}
		printInstance(cmd.OutOrStdout(), *inst)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(showCmd)

	historyCmd.Flags().String("state", "done,cancelled", "Comma-separated states to list")
}
