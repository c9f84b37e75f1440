package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// VERSION is the release version.
const VERSION = "0.3.0"

var printAllVersion bool
var versionTemplate = `Version:	  %s
Go version:	  %s
OS/Arch:	  %s/%s
`

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version",
	Long:  "Show version",
	Run: func(cmd *cobra.Command, args []string) {
		if printAllVersion {
			fmt.Printf(versionTemplate, VERSION, runtime.Version(), runtime.GOOS, runtime.GOARCH)
			return
		}
		fmt.Println(VERSION)
	},
}

func init() {
	versionCmd.PersistentFlags().BoolVarP(&printAllVersion, "all", "", false, "Print all version information")
}
