package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cbuild-dev/cbuild/internal/version"
)

var rootCmd = &cobra.Command{
	Use:          "cbuild",
	Short:        "Native toolchain orchestrator",
	Long:         `Compile C, C++ and assembly sources into a static archive using the platform toolchain.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = fmt.Sprintf("%s (%s) %s", version.Version, version.Commit, version.BuildTime)
	rootCmd.AddCommand(buildCmd)
}
