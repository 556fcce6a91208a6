package cmd

import (
	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a task instance to the end of the queue",
	Long: `Submit a new task instance referencing one build and one task archetype.

When an archetype ID is omitted the most recent version of that kind is used.
The resolved versions are recorded on the instance, so a later rerun uses
exactly the same definitions.

Example:
  taskctl submit
  taskctl submit --build 3 --task 7`,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()

		var buildID, taskID *int64
		if flags.Changed("build") {
			id, _ := flags.GetInt64("build")
			buildID = &id
		}
		if flags.Changed("task") {
			id, _ := flags.GetInt64("task")
			taskID = &id
		}

		inst, err := newClient().Submit(buildID, taskID)
		if err != nil {
			return err
		}

		cmd.Printf("%s✓%s Submitted task instance %d\n", colorGreen, colorReset, inst.ID)
		cmd.Printf("  Build archetype: %d\n", inst.BuildArchetypeID)
		cmd.Printf("  Task archetype:  %d\n", inst.TaskArchetypeID)
		cmd.Printf("  Jobs:            %d\n", inst.NumJobsRemaining)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().Int64("build", 0, "Build archetype ID (default: latest)")
	submitCmd.Flags().Int64("task", 0, "Task archetype ID (default: latest)")
}
