package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/taskdock/taskdock/config"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "taskdock",
	Short: "TaskDock sandbox supervisor",
	Long:  `TaskDock runs isolated agent sandboxes on a container engine`,
	Args:  cobra.MinimumNArgs(1),
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(os.Stderr, "One or more arguments are not correct", args)
		os.Exit(1)
	},
}

func init() {
	rootCmd.AddCommand(
		versionCmd,
		startCmd,
		sandboxesCmd,
	)
	rootCmd.PersistentFlags().StringVarP(&envFile, "env", "e", "", "Environment file")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Boot loads the configuration, honoring the --env flag.
func Boot() error {
	if envFile != "" {
		cfg, err := config.LoadFrom(envFile)
		if err != nil {
			return err
		}
		config.Conf = cfg
		if config.Conf.Mode == "production" {
			config.Production()
		} else if config.Conf.Mode == "development" {
			config.Development()
		}
		return nil
	}
	return config.Init()
}
