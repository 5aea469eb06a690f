package main

import (
	"github.com/spf13/cobra"
)

var (
	archivePath string
	view        string
)

// rootCmd is the base command.
var rootCmd = &cobra.Command{
	Use:   "kataru",
	Short: "kataru - narrative trace inspection",
	Long: `kataru correlates the lifecycle events of a story generation pipeline
into hierarchical traces.

This CLI replays recorded event streams and inspects archived traces.

Examples:
  # Replay a recorded lifecycle stream and print the span tree
  kataru replay events.jsonl

  # Render the same stream as a markdown report
  kataru replay events.jsonl --view markdown

  # List archived traces
  kataru list --archive traces.db

  # Show one archived trace
  kataru show 7f8d1c2e-... --archive traces.db --view timeline
`,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&archivePath, "archive", "", "Path to the trace archive (defaults to KATARU_ARCHIVE_PATH)")
	rootCmd.PersistentFlags().StringVar(&view, "view", "tree", "Output view (tree, timeline, markdown)")

	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(versionCmd)
}

// versionCmd prints version info.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println("kataru version " + version)
	},
}
