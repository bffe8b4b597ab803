package main

import (
	"fmt"
	"os"

	"github.com/fentz26/parley/internal/config"
	"github.com/fentz26/parley/internal/controlplane"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Parley - voice conversation pipeline",
	Long: `Parley turns spoken input into spoken replies: each utterance becomes a task
that flows through generation, speech synthesis and playback, and can be
interrupted at any point.`,
	SilenceUsage: true,
	// No RunE - defaults to showing help when no subcommand is provided
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("parley", controlplane.Version)
	},
}

var (
	apiAddr string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://"+config.DefaultListen, "API server address")

	// Add subcommands
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(interruptCmd)
	rootCmd.AddCommand(promptCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(memoryCmd)
	rootCmd.AddCommand(segmentCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(tuiCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
