package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/yaoapp/kun/log"

	"github.com/taskdock/taskdock/config"
	"github.com/taskdock/taskdock/event"
	"github.com/taskdock/taskdock/sandbox"
	"github.com/taskdock/taskdock/service"
	"github.com/taskdock/taskdock/store"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the sandbox supervisor",
	Long:  `Start the sandbox supervisor`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := Boot(); err != nil {
			fmt.Fprintln(os.Stderr, color.RedString("Fatal: %s", err))
			os.Exit(1)
		}

		mode := ""
		if config.Conf.Mode == "development" {
			mode = color.RedString("development")
		}
		fmt.Printf(color.GreenString("\nTaskDock v%s %s\n", VERSION, mode))
		fmt.Printf(color.WhiteString("---------------------------------\n"))
		fmt.Printf(color.GreenString("Root: %s\n", config.Conf.Root))
		fmt.Printf(color.GreenString("DB: %s\n", config.Conf.DB))
		fmt.Printf(color.WhiteString("---------------------------------\n"))

		ctx := context.Background()

		db, err := store.NewSQLite(config.Conf.DB)
		if err != nil {
			fmt.Fprintln(os.Stderr, color.RedString("Fatal: %s", err))
			os.Exit(1)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			fmt.Fprintln(os.Stderr, color.RedString("Fatal: %s", err))
			os.Exit(1)
		}

		engine, err := sandbox.NewDockerEngine(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, color.RedString("Fatal: %s", err))
			os.Exit(1)
		}

		provider := sandbox.NewProvider(engine, &sandbox.ProviderOptions{
			NamePrefix:   config.Conf.NamePrefix,
			DefaultImage: config.Conf.Image,
		})
		defer provider.Close()

		result, err := provider.Recover(ctx)
		if err != nil {
			log.Warn("recover: %v", err)
		} else if result.Recovered > 0 || result.Removed > 0 {
			fmt.Printf(color.CyanString("Recovered %d sandboxes, removed %d stale containers\n",
				result.Recovered, result.Removed))
		}

		svc := service.New(provider, db, db, event.NewMemory(0), &service.Options{
			ReapInterval: config.Conf.ReapInterval,
		})
		svc.StartReaper()
		defer svc.StopReaper()

		fmt.Printf(color.GreenString("\n✨LISTENING✨\n"))

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		fmt.Printf(color.GreenString("\n✨STOPPED✨\n"))
	},
}
