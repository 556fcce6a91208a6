package cmd

import (
	"errors"

	"taskqueue/internal/store"
	"taskqueue/pkg/api"

	"github.com/spf13/cobra"
)

var moveCmd = &cobra.Command{
	Use:   "move [id]",
	Short: "Reorder a pending task instance",
	Long: `Move a pending task instance next to another pending instance, or to an
absolute queue index. Indexes start at 0 and are clamped to the queue.

Example:
  taskctl move 12 --before 9
  taskctl move 12 --after 9
  taskctl move 12 --index 0`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		flags := cmd.Flags()
		var req api.UpdateTaskInstanceRequest
		set := 0
		for _, side := range []store.Side{store.SideBefore, store.SideAfter} {
			if flags.Changed(string(side)) {
				anchor, _ := flags.GetInt64(string(side))
				req.Reorder = &api.Reorder{Move: string(side), RelativeTo: anchor}
				set++
			}
		}
		if flags.Changed("index") {
			index, _ := flags.GetInt("index")
			req.Position = &index
			set++
		}
		if set != 1 {
			return errors.New("exactly one of --before, --after or --index is required")
		}

		if _, err := newClient().UpdateInstance(id, req); err != nil {
			return err
		}
		cmd.Printf("Moved task instance %d\n", id)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [id]",
	Short: "Cancel a pending task instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		state := string(store.StateCancelled)
		inst, err := newClient().UpdateInstance(id, api.UpdateTaskInstanceRequest{State: &state})
		if err != nil {
			return err
		}
		cmd.Printf("%s Task instance %d cancelled\n", stateIcon(inst.State), inst.ID)
		return nil
	},
}

var progressCmd = &cobra.Command{
	Use:   "progress [id]",
	Short: "Report finished jobs for a pending task instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		completed, _ := cmd.Flags().GetInt("completed")

		inst, err := newClient().UpdateInstance(id, api.UpdateTaskInstanceRequest{CompletedJobs: &completed})
		if err != nil {
			return err
		}
		cmd.Printf("Task instance %d: %s, %d jobs left\n", inst.ID, colorizeState(inst.State), inst.NumJobsRemaining)
		return nil
	},
}

var rerunCmd = &cobra.Command{
	Use:   "rerun [id]",
	Short: "Submit a fresh copy of a finished or cancelled task instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		inst, err := newClient().Rerun(id)
		if err != nil {
			return err
		}
		cmd.Printf("%s✓%s Rerun of %d submitted as task instance %d\n", colorGreen, colorReset, id, inst.ID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(moveCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(progressCmd)
	rootCmd.AddCommand(rerunCmd)

	moveCmd.Flags().Int64(string(store.SideBefore), 0, "Place the instance directly before this pending instance")
	moveCmd.Flags().Int64(string(store.SideAfter), 0, "Place the instance directly after this pending instance")
	moveCmd.Flags().Int("index", 0, "Place the instance at this queue index")

	progressCmd.Flags().Int("completed", 1, "Number of jobs finished")
}
