package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/taskdock/taskdock/sandbox"
)

var showMetrics bool

var sandboxesCmd = &cobra.Command{
	Use:   "sandboxes",
	Short: "List sandboxes known to the engine",
	Long:  `List sandboxes known to the engine`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := Boot(); err != nil {
			fmt.Fprintln(os.Stderr, color.RedString("Fatal: %s", err))
			os.Exit(1)
		}

		ctx := context.Background()
		engine, err := sandbox.NewDockerEngine(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, color.RedString("Fatal: %s", err))
			os.Exit(1)
		}

		provider := sandbox.NewProvider(engine, nil)
		defer provider.Close()

		if _, err := provider.Recover(ctx); err != nil {
			fmt.Fprintln(os.Stderr, color.RedString("Fatal: %s", err))
			os.Exit(1)
		}

		sandboxes := provider.List(ctx)
		if len(sandboxes) == 0 {
			fmt.Println(color.WhiteString("No sandboxes"))
			return
		}

		for _, sb := range sandboxes {
			fmt.Printf("%s %s %s %s\n",
				color.CyanString(sb.ID()),
				color.WhiteString(sb.ProjectID()),
				colorStatus(sb.Status()),
				color.WhiteString(sb.LastActivity().Format(time.RFC3339)))

			if showMetrics && sb.Status() == sandbox.StatusRunning {
				m, err := sb.Metrics(ctx)
				if err != nil {
					fmt.Println(color.RedString("  metrics: %s", err))
					continue
				}
				fmt.Printf(color.WhiteString("  cpu: %.1f%%  mem: %.1f/%.1f MB  net: rx %d tx %d\n",
					m.CPUPercent, m.MemoryUsageMB, m.MemoryLimitMB, m.NetworkRxBytes, m.NetworkTxBytes))
			}
		}
	},
}

func colorStatus(status sandbox.Status) string {
	switch status {
	case sandbox.StatusRunning:
		return color.GreenString(string(status))
	case sandbox.StatusError:
		return color.RedString(string(status))
	default:
		return color.YellowString(string(status))
	}
}

func init() {
	sandboxesCmd.PersistentFlags().BoolVarP(&showMetrics, "metrics", "m", false, "Show resource metrics")
}
