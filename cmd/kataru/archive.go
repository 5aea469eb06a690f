package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/kataru/internal/archive"
	"github.com/ashita-ai/kataru/internal/format"
)

var listLimit int

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived traces, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openArchive()
		if err != nil {
			return err
		}
		defer store.Close()

		summaries, err := store.List(cmd.Context(), listLimit)
		if err != nil {
			return err
		}
		if len(summaries) == 0 {
			cmd.Println("no archived traces")
			return nil
		}
		for _, s := range summaries {
			cmd.Printf("%s  %-20s  %-7s  %3d spans  %s\n",
				s.ID, s.StoryID, s.Status, s.SpanCount,
				s.FinalizedAt.Local().Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show <trace-id>",
	Short: "Render one archived trace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		traceID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid trace id %q: %w", args[0], err)
		}

		store, err := openArchive()
		if err != nil {
			return err
		}
		defer store.Close()

		t, err := store.Load(cmd.Context(), traceID)
		if err != nil {
			return err
		}

		switch view {
		case "timeline":
			cmd.Println(format.Timeline(t))
		case "markdown":
			cmd.Println(format.Markdown(t))
		default:
			cmd.Println(format.Tree(t))
		}
		if t.Metrics != nil {
			cmd.Println()
			for _, s := range format.Suggestions(t.Metrics) {
				cmd.Println(s)
			}
		}
		return nil
	},
}

func openArchive() (*archive.Store, error) {
	path := archivePath
	if path == "" {
		path = os.Getenv("KATARU_ARCHIVE_PATH")
	}
	if path == "" {
		return nil, fmt.Errorf("no archive path: pass --archive or set KATARU_ARCHIVE_PATH")
	}
	return archive.Open(path)
}

func init() {
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum number of traces to list")
}
