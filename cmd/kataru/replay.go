package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/kataru"
)

// replayEvent is one line of a recorded lifecycle stream. The "trace" field
// is a symbolic reference local to the file; replay maps it to a real trace
// id at start_story.
type replayEvent struct {
	Op          string         `json:"op"`
	StoryID     string         `json:"story_id,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	TraceRef    string         `json:"trace,omitempty"`
	RunID       string         `json:"run_id,omitempty"`
	ParentRunID string         `json:"parent_run_id,omitempty"`
	Name        string         `json:"name,omitempty"`
	Kind        string         `json:"kind,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ErrorKind   string         `json:"error_kind,omitempty"`
	Message     string         `json:"message,omitempty"`
	FinalOutput map[string]any `json:"final_output,omitempty"`
}

var replayCmd = &cobra.Command{
	Use:   "replay <events.jsonl>",
	Short: "Replay a recorded lifecycle stream and render the resulting trace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReplay(cmd, args[0])
	},
}

func runReplay(cmd *cobra.Command, path string) error {
	tracer, err := kataru.New(
		kataru.WithSink(discardSink{}),
		kataru.WithEnabled(true),
	)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Close(ctx)
	}()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	traceIDs := make(map[string]uuid.UUID)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var ev replayEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return fmt.Errorf("line %d: parse event: %w", line, err)
		}

		switch ev.Op {
		case "start_story":
			root, err := tracer.StartStory(ev.StoryID, ev.SessionID, uuid.Nil)
			if err != nil {
				return fmt.Errorf("line %d: start story: %w", line, err)
			}
			traceIDs[ev.TraceRef] = root.TraceID
		case "start_span":
			traceID, ok := traceIDs[ev.TraceRef]
			if !ok {
				return fmt.Errorf("line %d: unknown trace reference %q", line, ev.TraceRef)
			}
			tracer.StartSpan(kataru.SpanRequest{
				RunID:       ev.RunID,
				ParentRunID: ev.ParentRunID,
				TraceID:     traceID,
				Name:        ev.Name,
				KindKey:     ev.Kind,
				Input:       ev.Input,
				Metadata:    ev.Metadata,
			})
		case "end_span":
			tracer.EndSpan(ev.RunID, ev.Output)
		case "record_error":
			tracer.RecordError(ev.RunID, ev.ErrorKind, ev.Message)
		case "finalize":
			traceID, ok := traceIDs[ev.TraceRef]
			if !ok {
				return fmt.Errorf("line %d: unknown trace reference %q", line, ev.TraceRef)
			}
			completed, err := tracer.FinalizeStory(traceID, ev.FinalOutput)
			if err != nil {
				return fmt.Errorf("line %d: finalize: %w", line, err)
			}
			cmd.Println(renderTrace(completed))
			cmd.Println()
			for _, s := range completed.Suggestions() {
				cmd.Println(s)
			}
		default:
			return fmt.Errorf("line %d: unknown op %q", line, ev.Op)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}

func renderTrace(c *kataru.CompletedTrace) string {
	switch view {
	case "timeline":
		return c.FormatTimeline()
	case "markdown":
		return c.ExportMarkdown()
	default:
		return c.FormatTree()
	}
}

// discardSink drops every record; replay only needs the in-memory tree.
type discardSink struct{}

func (discardSink) Enqueue(kataru.Record)      {}
func (discardSink) Flush(context.Context) bool { return true }
func (discardSink) Drain(context.Context)      {}
