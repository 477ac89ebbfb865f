package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/massender/waworker/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		" __      __  ___      __       _\n" +
		" \\ \\    / /_ \\ \\    / /__ _ _| |_____ _ _\n" +
		"  \\ \\/\\/ / _` \\ \\/\\/ / _ \\ '_| / / -_) '_|\n" +
		"   \\_/\\_/\\__,_|\\_/\\_/\\___/_| |_\\_\\___|_|\n"
)

var rootCmd = &cobra.Command{
	Use:   "waworker",
	Short: "waworker - WhatsApp linked-device session worker",
	Long:  color.CyanString(logo) + "\nManages WhatsApp linked-device sessions behind a small HTTP API.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveCmd)
}
