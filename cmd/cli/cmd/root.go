package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "taskctl",
	Short: "taskctl is a command line tool for the taskqueue controller",
	Long: `taskctl is the command-line interface for the taskqueue controller.

Build and task archetypes are append-only: creating one with the same
content again yields a new version. Task instances reference one version
of each and wait in an ordered queue until workers finish their jobs.

Common workflows:

  Save archetypes:
    taskctl archetype create --kind build --content '{"image":"golang:1.24"}'
    taskctl archetype create --kind task --content '{"num_jobs":3,"pipeline":"go test ./..."}'

  Submit against the latest versions and inspect the queue:
    taskctl submit
    taskctl queue

  Reorder, cancel and rerun:
    taskctl move 12 --before 9
    taskctl cancel 12
    taskctl rerun 12

  Follow queue changes live:
    taskctl watch

Configuration:
  Set the API endpoint via flag, environment variable or config file:
    TASKQUEUE_URL    Controller URL (default: http://localhost:6161)`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".taskctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".taskctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "TASKQUEUE_VARNAME"
	viper.SetEnvPrefix("TASKQUEUE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func newClient() *TaskClient {
	return NewTaskClient(viper.GetString("url"))
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.taskctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:6161", "taskqueue controller URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))
}
