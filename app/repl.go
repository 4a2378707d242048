package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	cce "ollm/core/context"
	"ollm/core/provider"
	"ollm/core/usage"
)

// Run drives the line-oriented session loop: read a line from stdin, turn it
// into a model request through Context, stream the reply to stdout, and
// repeat until the user quits or stdin closes.
func (a *Application) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	fmt.Fprintf(os.Stdout, "ollm %s — session %s\n", a.Config.DefaultModel, a.SessionID)
	fmt.Fprint(os.Stdout, "> ")

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			fmt.Fprint(os.Stdout, "> ")
			continue
		}

		if strings.HasPrefix(trimmed, "/") {
			quit, err := a.handleCommand(ctx, trimmed)
			if err != nil {
				fmt.Fprintf(os.Stderr, "ollm: %v\n", err)
			}
			if quit {
				return nil
			}
			fmt.Fprint(os.Stdout, "> ")
			continue
		}

		if err := a.turn(ctx, trimmed, time.Now()); err != nil {
			fmt.Fprintf(os.Stderr, "ollm: %v\n", err)
		}
		fmt.Fprint(os.Stdout, "> ")
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading input: %w", err)
	}
	return nil
}

// handleCommand dispatches a slash command. The bool return signals the
// caller to stop the REPL loop.
func (a *Application) handleCommand(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	cmd := fields[0]

	switch cmd {
	case "/quit", "/exit":
		return true, nil

	case "/mode":
		if len(fields) < 2 {
			return false, fmt.Errorf("usage: /mode <assistant|developer|planning|debugger|user>")
		}
		a.Context.SetMode(cce.Mode(fields[1]))
		fmt.Fprintf(os.Stdout, "ollm: mode set to %s\n", fields[1])
		return false, nil

	case "/snapshot":
		id, err := a.Context.Snapshot(time.Now())
		if err != nil {
			return false, fmt.Errorf("snapshot: %w", err)
		}
		fmt.Fprintf(os.Stdout, "ollm: snapshot created: %s\n", id)
		return false, nil

	case "/restore":
		if len(fields) < 2 {
			return false, fmt.Errorf("usage: /restore <snapshot-id>")
		}
		if err := a.Context.Restore(fields[1], time.Now()); err != nil {
			return false, fmt.Errorf("restore: %w", err)
		}
		fmt.Fprintf(os.Stdout, "ollm: restored from snapshot %s\n", fields[1])
		return false, nil

	default:
		return false, fmt.Errorf("unknown command: %s", cmd)
	}
}

// turn appends the user's text, sends the resulting request to the Provider,
// streams the reply to stdout, and records the assistant's turn once the
// stream ends.
func (a *Application) turn(ctx context.Context, text string, now time.Time) error {
	_, result, err := a.Context.AppendUserMessage(ctx, text, now)
	if err != nil {
		return fmt.Errorf("appending message: %w", err)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "ollm: %s\n", w)
	}
	if result.Emergency == "rollover" {
		fmt.Fprintf(os.Stdout, "ollm: context rolled over, snapshot %s\n", result.SnapshotID)
	}

	stream, err := a.Provider.Send(ctx, result.Request)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer stream.Close()

	var reply strings.Builder
	var finalUsage *provider.Usage
	var toolID, toolName string
	var toolInput strings.Builder

	for {
		chunk, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("streaming reply: %w", err)
		}

		switch chunk.Event {
		case provider.EventTextDelta:
			fmt.Fprint(os.Stdout, chunk.Text)
			reply.WriteString(chunk.Text)
			a.Context.ReportInFlightTokens(len(chunk.Text)/4+1, now)
		case provider.EventToolStart:
			toolID, toolName = chunk.ToolCallID, chunk.ToolName
			toolInput.Reset()
			fmt.Fprintf(os.Stdout, "\n[tool: %s]\n", chunk.ToolName)
		case provider.EventToolDelta:
			toolInput.WriteString(chunk.InputDelta)
		case provider.EventToolEnd:
			if toolID != "" {
				toolResult := provider.ToolResult{ToolUseID: toolID}
				if err := a.Context.RecordToolCall(toolID, toolName, toolInput.String(), toolResult, now); err != nil {
					fmt.Fprintf(os.Stderr, "ollm: warning: recording tool call failed: %v\n", err)
				}
			}
			toolID, toolName = "", ""
		case provider.EventMessageStop:
			finalUsage = chunk.Usage
		}

		if chunk.Err != nil {
			return fmt.Errorf("stream error: %w", chunk.Err)
		}
	}
	fmt.Fprintln(os.Stdout)
	a.Context.ClearInFlightTokens()

	assistantMsg := provider.Message{Role: provider.RoleAssistant, Content: reply.String(), CreatedAt: now}
	if err := a.Context.RecordAssistantMessage(assistantMsg, now); err != nil {
		return fmt.Errorf("recording assistant message: %w", err)
	}

	if model, ok := a.Models[a.Config.DefaultModel]; ok && finalUsage != nil {
		a.Tracker.Record(model, *finalUsage, usage.SourcePrompt)
	}
	return nil
}
