package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"alloy/core"
	"alloy/events/room"
	"alloy/factories"
	"alloy/handlers/answer"
	"alloy/runner"
	"alloy/transports/memory"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newConsoleCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Chat with the assistant from the terminal without joining a room",
		Long: `Reads one message per line from stdin. Lines starting with /look are
sent as image tool calls. Replies are printed to stdout; speech output is
disabled.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsole(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

// parseConsoleLine maps one input line to a room event, or nil for blank
// lines.
func parseConsoleLine(line string) *room.Event {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if rest, ok := strings.CutPrefix(line, "/look"); ok {
		return room.NewFunctionCallsFinished([]room.CalledFunction{{
			Name:     "image",
			CallInfo: room.CallInfo{Arguments: map[string]any{"user_msg": strings.TrimSpace(rest)}},
		}})
	}
	return room.NewMessageReceived(line, "console")
}

func runConsole(parent context.Context, opts *options, in io.Reader, out io.Writer) error {
	settings, logger, err := loadSettings(opts)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessionID := uuid.NewString()
	logger, closeLog := sessionLogger(logger, settings, sessionID)
	defer closeLog()
	ctx = core.ContextWithSessionLogger(ctx, logger)

	llm, err := factories.BuildLLMService(settings.LLM, logger)
	if err != nil {
		return err
	}
	if err := llm.Init(ctx); err != nil {
		return fmt.Errorf("llm init: %w", err)
	}
	defer llm.Cleanup()

	name := settings.LiveKit.Room
	if name == "" {
		name = "console"
	}
	rm := memory.NewRoom(name)

	printer := answer.SinkFunc(func(_ context.Context, text string) error {
		_, err := fmt.Fprintf(out, "assistant: %s\n", text)
		return err
	})

	sess, err := factories.BuildSession(settings.Session, factories.SessionDeps{
		Room:       rm,
		Completion: llm,
		Sink:       printer,
		SessionID:  sessionID,
	}, logger)
	if err != nil {
		return err
	}

	go func() {
		defer func() {
			// answer what is already queued before leaving
			ticker := time.NewTicker(50 * time.Millisecond)
			defer ticker.Stop()
			for sess.Orchestrator.Pending() > 0 && !sess.Orchestrator.Terminated() && ctx.Err() == nil {
				<-ticker.C
			}
			rm.Disconnect()
		}()
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			ev := parseConsoleLine(scanner.Text())
			if ev == nil {
				continue
			}
			if err := sess.Orchestrator.Dispatch(ctx, ev); err != nil {
				if !errors.Is(err, runner.ErrTerminated) {
					logger.With(map[string]any{"error": err}).Warn("dispatch failed")
				}
				return
			}
		}
	}()

	err = sess.Run(ctx)
	core.GetLogger().Info("Shutting down...")
	return err
}
