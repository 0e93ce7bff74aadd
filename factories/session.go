package factories

import (
	"context"
	"fmt"
	"time"

	"alloy/core"
	"alloy/handlers/answer"
	"alloy/handlers/media"
	"alloy/handlers/vision"
	"alloy/runner"
)

// SessionConfig tunes one conversation. Durations are in milliseconds.
type SessionConfig struct {
	SystemPrompt     string  `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	Greeting         string  `json:"greeting,omitempty" yaml:"greeting,omitempty"`
	AcquireTimeoutMs int     `json:"acquire_timeout_ms,omitempty" yaml:"acquire_timeout_ms,omitempty"`
	PollIntervalMs   int     `json:"poll_interval_ms,omitempty" yaml:"poll_interval_ms,omitempty"`
	RetryIntervalMs  int     `json:"retry_interval_ms,omitempty" yaml:"retry_interval_ms,omitempty"`
	QueueSize        int     `json:"queue_size,omitempty" yaml:"queue_size,omitempty"`
	FramesPerSecond  float64 `json:"frames_per_second,omitempty" yaml:"frames_per_second,omitempty"`
	AnswerTimeoutMs  int     `json:"answer_timeout_ms,omitempty" yaml:"answer_timeout_ms,omitempty"`
	// MaxDurationSeconds ends the session after this long. Zero means no limit.
	MaxDurationSeconds int `json:"max_duration_seconds,omitempty" yaml:"max_duration_seconds,omitempty"`
	// OfferImageTool lets the model request the camera through the image tool.
	OfferImageTool bool `json:"offer_image_tool" yaml:"offer_image_tool"`
}

func DefaultSessionConfig() SessionConfig {
	d := runner.DefaultConfig()
	a := answer.DefaultConfig()
	return SessionConfig{
		SystemPrompt:     d.SystemPrompt,
		Greeting:         d.Greeting,
		AcquireTimeoutMs: int(d.AcquireTimeout / time.Millisecond),
		PollIntervalMs:   int(d.PollInterval / time.Millisecond),
		RetryIntervalMs:  int(d.RetryInterval / time.Millisecond),
		QueueSize:        d.QueueSize,
		AnswerTimeoutMs:  int(a.Timeout / time.Millisecond),
		OfferImageTool:   true,
	}
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// RunnerConfig converts to the orchestrator's config. Unset fields fall
// back to the orchestrator defaults.
func (c SessionConfig) RunnerConfig() runner.Config {
	return runner.Config{
		SystemPrompt:    c.SystemPrompt,
		Greeting:        c.Greeting,
		AcquireTimeout:  ms(c.AcquireTimeoutMs),
		PollInterval:    ms(c.PollIntervalMs),
		RetryInterval:   ms(c.RetryIntervalMs),
		QueueSize:       c.QueueSize,
		FramesPerSecond: c.FramesPerSecond,
	}
}

func (c SessionConfig) AnswerConfig(tools ...core.ToolDefinition) answer.Config {
	cfg := answer.DefaultConfig()
	if c.AnswerTimeoutMs > 0 {
		cfg.Timeout = ms(c.AnswerTimeoutMs)
	}
	cfg.Tools = tools
	return cfg
}

// SessionDeps are the per-session collaborators built outside the factory.
type SessionDeps struct {
	Room       core.Room
	Completion answer.CompletionService
	Sink       answer.OutputSink
	Metrics    *runner.Metrics
	Observers  []runner.Observer
	SessionID  string
}

// Session bundles an orchestrator with the pipeline and frame slot it
// shares.
type Session struct {
	Orchestrator *runner.Orchestrator
	Pipeline     *answer.Pipeline
	Frames       *media.FrameSlot

	maxDuration time.Duration
	logger      *core.Logger
}

// BuildSession wires the answer pipeline, vision hook and orchestrator for
// one room.
func BuildSession(config SessionConfig, deps SessionDeps, logger *core.Logger) (*Session, error) {
	if deps.Room == nil {
		return nil, fmt.Errorf("session: room is required")
	}
	if deps.Completion == nil {
		return nil, fmt.Errorf("session: completion service is required")
	}
	if logger == nil {
		logger = core.GetLogger()
	}

	hook := vision.NewAssistantFunction(logger)
	var tools []core.ToolDefinition
	if config.OfferImageTool {
		tools = append(tools, hook.Tool())
	}

	frames := media.NewFrameSlot(config.FramesPerSecond)
	pipeline := answer.NewPipeline(deps.Completion, deps.Sink, frames, config.AnswerConfig(tools...), logger)

	opts := []runner.Option{
		runner.WithFrameSlot(frames),
		runner.WithMetrics(deps.Metrics),
		runner.WithSessionID(deps.SessionID),
	}
	for _, o := range deps.Observers {
		opts = append(opts, runner.WithObserver(o))
	}
	orch := runner.NewOrchestrator(deps.Room, pipeline, hook, config.RunnerConfig(), logger, opts...)

	return &Session{
		Orchestrator: orch,
		Pipeline:     pipeline,
		Frames:       frames,
		maxDuration:  time.Duration(config.MaxDurationSeconds) * time.Second,
		logger:       logger,
	}, nil
}

// Run blocks until the session terminates, ctx is cancelled or the
// maximum duration elapses. Hitting the limit returns
// context.DeadlineExceeded.
func (s *Session) Run(ctx context.Context) error {
	base := core.SessionLoggerFromContext(ctx)
	if base == nil {
		base = s.logger
	}
	logger := base.With(map[string]any{"component": "session", "session_id": s.Orchestrator.SessionID()})

	select {
	case <-ctx.Done():
		logger.Info("context already cancelled, skipping session")
		return nil
	default:
	}

	runCtx := ctx
	if s.maxDuration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.maxDuration)
		defer cancel()
	}

	logger.Info("session started")
	if err := s.Orchestrator.Run(runCtx); err != nil {
		logger.With(map[string]any{"error": err}).Error("session failed")
		return err
	}

	if ctx.Err() == nil && runCtx.Err() == context.DeadlineExceeded {
		logger.Warn("maximum session duration reached")
		return context.DeadlineExceeded
	}
	logger.Info("session finished")
	return nil
}
