package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"taskqueue/internal/store"

	"github.com/spf13/cobra"
)

var archetypeCmd = &cobra.Command{
	Use:   "archetype",
	Short: "Manage build and task archetypes",
	Long: `Archetypes are immutable, versioned JSON definitions. A build archetype
describes the environment a task runs in; a task archetype carries the
pipeline and the number of jobs (num_jobs) each instance runs.`,
}

var archetypeCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Save a new archetype version",
	Example: `  taskctl archetype create --kind task --content '{"num_jobs":2,"pipeline":"make"}'
  taskctl archetype create --kind build --file build.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := kindFlag(cmd)
		if err != nil {
			return err
		}

		content, _ := cmd.Flags().GetString("content")
		file, _ := cmd.Flags().GetString("file")
		switch {
		case content != "" && file != "":
			return errors.New("use either --content or --file, not both")
		case file != "":
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", file, err)
			}
			content = string(data)
		case content == "":
			return errors.New("archetype content is required (--content or --file)")
		}
		if !json.Valid([]byte(content)) {
			return errors.New("archetype content is not valid JSON")
		}

		id, err := newClient().CreateArchetype(kind, json.RawMessage(content))
		if err != nil {
			return err
		}
		cmd.Printf("%s✓%s Created %s archetype %d\n", colorGreen, colorReset, kind, id)
		return nil
	},
}

var archetypeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archetype versions, most recent last",
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := kindFlag(cmd)
		if err != nil {
			return err
		}

		archetypes, err := newClient().ListArchetypes(kind)
		if err != nil {
			return err
		}
		if len(archetypes) == 0 {
			cmd.Printf("No %s archetypes found.\n", kind)
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tCREATED\tCONTENT")
		for _, a := range archetypes {
			content := string(a.Content)
			if len(content) > 60 {
				content = content[:57] + "..."
			}
			fmt.Fprintf(w, "%d\t%s\t%s\n", a.ID, a.CreatedAt.Format(time.RFC3339), content)
		}
		w.Flush()
		return nil
	},
}

var archetypeDeleteCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Delete an archetype version no task instance references",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := kindFlag(cmd)
		if err != nil {
			return err
		}
		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		if err := newClient().DeleteArchetype(kind, id); err != nil {
			return err
		}
		cmd.Printf("Deleted %s archetype %d\n", kind, id)
		return nil
	},
}

func kindFlag(cmd *cobra.Command) (string, error) {
	kind, _ := cmd.Flags().GetString("kind")
	parsed, err := store.ParseKind(kind)
	if err != nil {
		return "", fmt.Errorf("--kind must be %q or %q", store.KindBuild, store.KindTask)
	}
	return string(parsed), nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q: must be a positive integer", s)
	}
	return id, nil
}

func init() {
	for _, c := range []*cobra.Command{archetypeCreateCmd, archetypeListCmd, archetypeDeleteCmd} {
		c.Flags().String("kind", "", "Archetype kind: build or task (required)")
		c.MarkFlagRequired("kind")
		archetypeCmd.AddCommand(c)
	}
	archetypeCreateCmd.Flags().String("content", "", "Archetype content as a JSON document")
	archetypeCreateCmd.Flags().String("file", "", "Read archetype content from a file")

	rootCmd.AddCommand(archetypeCmd)
}
