package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"alloy/core"
	"alloy/events/room"
	"alloy/factories"
	"alloy/handlers/answer"
	"alloy/runner"
	"alloy/transports/livekit"
	"alloy/transports/websocket"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type options struct {
	settingsPath string
	room         string
	envFile      string
	debug        bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:          "alloy",
		Short:        "Voice assistant that joins a LiveKit room and can see the caller's camera",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoom(cmd.Context(), opts)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.settingsPath, "settings", getEnv("SETTINGS_PATH", "./settings.json"), "settings file (.json or .yaml)")
	flags.StringVar(&opts.room, "room", "", "room to join, overrides livekit.room")
	flags.StringVar(&opts.envFile, "env-file", "", "dotenv file to load before reading settings")
	flags.BoolVar(&opts.debug, "debug", false, "enable debug logging")

	cmd.AddCommand(newConsoleCmd(opts), newTokenCmd(opts))
	return cmd
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// loadSettings loads dotenv files, then settings, and installs the
// configured logger as the process default.
func loadSettings(opts *options) (factories.SettingsConfig, *core.Logger, error) {
	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil {
			return factories.SettingsConfig{}, nil, fmt.Errorf("load %s: %w", opts.envFile, err)
		}
	} else {
		for _, f := range []string{".env.local", ".env"} {
			if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
				core.GetLogger().With(map[string]any{"file": f, "error": err}).Warn("failed to load env file")
			}
		}
	}

	settings, err := factories.LoadSettings(opts.settingsPath, os.Getenv)
	if err != nil {
		return factories.SettingsConfig{}, nil, err
	}
	if opts.room != "" {
		settings.LiveKit.Room = opts.room
	}
	if opts.debug {
		settings.Logging.Debug = true
	}

	var logger *core.Logger
	if settings.Logging.Format == "json" {
		logger = core.NewJSONLogger(settings.Logging.Debug)
	} else {
		logger = core.NewConsoleLogger(settings.Logging.Debug)
	}
	core.SetLogger(logger)
	return settings, logger, nil
}

// sessionLogger tees logs to <dir>/<session>.jsonl when a session
// directory is configured. The returned func closes the file.
func sessionLogger(logger *core.Logger, settings factories.SettingsConfig, sessionID string) (*core.Logger, func()) {
	if settings.Logging.SessionDir == "" {
		return logger, func() {}
	}
	writer, err := core.NewSessionLogWriter(settings.Logging.SessionDir, core.SessionMetadata{
		SessionID: sessionID,
		RoomName:  settings.LiveKit.Room,
		Model:     settings.LLM.OpenAI.Model,
	})
	if err != nil {
		logger.With(map[string]any{"error": err}).Warn("session log disabled")
		return logger, func() {}
	}
	return core.NewSessionLogger(logger, writer), writer.Close
}

// serveHTTP exposes /metrics and /healthz until ctx is done.
func serveHTTP(ctx context.Context, addr string, metrics *runner.Metrics, logger *core.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Info("http server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.With(map[string]any{"error": err}).Error("http server failed")
		}
	}()
}

func runRoom(parent context.Context, opts *options) error {
	settings, logger, err := loadSettings(opts)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := settings.Validate(); err != nil {
		logger.With(map[string]any{"error": err}).Error("invalid settings")
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessionID := uuid.NewString()
	logger, closeLog := sessionLogger(logger, settings, sessionID)
	defer closeLog()
	ctx = core.ContextWithSessionLogger(ctx, logger)

	var metrics *runner.Metrics
	if settings.Metrics.Enabled {
		metrics = runner.NewMetrics(settings.Metrics.Namespace)
		serveHTTP(ctx, settings.Metrics.Addr, metrics, logger)
	}

	llm, err := factories.BuildLLMService(settings.LLM, logger)
	if err != nil {
		return err
	}
	if err := llm.Init(ctx); err != nil {
		return fmt.Errorf("llm init: %w", err)
	}
	defer llm.Cleanup()

	var sess *factories.Session
	transport := livekit.NewLiveKitTransport(settings.LiveKit,
		livekit.WithLogger(logger),
		livekit.WithEventHandler(func(ev *room.Event) {
			if err := sess.Orchestrator.Dispatch(ctx, ev); err != nil && !errors.Is(err, runner.ErrTerminated) {
				logger.With(map[string]any{"error": err}).Warn("dispatch failed")
			}
		}),
	)
	defer transport.Cleanup()

	sinks := answer.MultiSink{transport}
	tts, err := factories.BuildTTSService(settings.TTS, transport, logger)
	if err != nil {
		return err
	}
	if tts != nil {
		if err := tts.Init(ctx); err != nil {
			return fmt.Errorf("tts init: %w", err)
		}
		defer tts.Cleanup()
		sinks = append(sinks, tts)
	}

	speak := answer.SinkFunc(func(ctx context.Context, text string) error {
		_ = transport.SetAgentState("speaking")
		defer transport.SetAgentState("listening")
		return sinks.Speak(ctx, text)
	})

	deps := factories.SessionDeps{
		Room:       transport,
		Completion: llm,
		Sink:       speak,
		Metrics:    metrics,
		SessionID:  sessionID,
	}
	var bridge *websocket.Bridge
	if settings.Bridge.Enabled {
		bridge = websocket.NewBridge(ctx, nil, logger)
		deps.Observers = append(deps.Observers, bridge)
	}

	sess, err = factories.BuildSession(settings.Session, deps, logger)
	if err != nil {
		return err
	}

	if bridge != nil {
		bridge.SetDispatcher(sess.Orchestrator)
		go func() {
			if err := bridge.ListenAndServe(ctx, settings.Bridge.Addr); err != nil {
				logger.With(map[string]any{"error": err}).Error("bridge server failed")
			}
		}()
	}

	if err := transport.Connect(ctx); err != nil {
		return err
	}

	err = sess.Run(ctx)
	logger.Info("Shutting down...")
	return err
}

func newTokenCmd(opts *options) *cobra.Command {
	var (
		identity string
		validFor time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a join token for a participant",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, _, err := loadSettings(opts)
			if err != nil {
				return err
			}
			token, err := livekit.MintToken(settings.LiveKit.APIKey, settings.LiveKit.APISecret, settings.LiveKit.Room, identity, identity, false, validFor)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&identity, "identity", "user", "participant identity")
	cmd.Flags().DurationVar(&validFor, "valid-for", time.Hour, "token lifetime")
	return cmd
}
