package answer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"alloy/core"

	"github.com/google/uuid"
)

var ErrEmptyCompletion = errors.New("answer: model returned no text and no tool calls")

// CompletionService produces the model's reply to the conversation so far.
type CompletionService interface {
	CreateCompletion(ctx context.Context, messages []core.ChatMessage, tools []core.ToolDefinition) (core.Completion, error)
}

// OutputSink receives the reply text, typically a speech synthesizer.
type OutputSink interface {
	Speak(ctx context.Context, text string) error
}

// FrameSource yields the most recent captured video frame, or nil.
type FrameSource interface {
	Latest() *core.VideoFrame
}

type Request struct {
	Text     string
	UseImage bool
}

type Outcome struct {
	TurnID    string
	Text      string
	ToolCalls []core.ToolCall
	UsedImage bool
	Duration  time.Duration
	Err       error
}

func (o Outcome) OK() bool {
	return o.Err == nil
}

type Config struct {
	// RecordAssistantReplies appends successfully spoken replies to the
	// chat context.
	RecordAssistantReplies bool
	// Tools are offered to the model on every turn.
	Tools []core.ToolDefinition
	// Timeout bounds the model call and the output sink together.
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		RecordAssistantReplies: true,
		Timeout:                30 * time.Second,
	}
}

type Pipeline struct {
	completion CompletionService
	sink       OutputSink
	frames     FrameSource
	config     Config
	logger     *core.Logger
}

func NewPipeline(completion CompletionService, sink OutputSink, frames FrameSource, config Config, logger *core.Logger) *Pipeline {
	if logger == nil {
		logger = core.GetLogger()
	}
	return &Pipeline{
		completion: completion,
		sink:       sink,
		frames:     frames,
		config:     config,
		logger:     logger,
	}
}

// Answer records req as a user turn in chat, asks the model for a reply
// and speaks it. The user turn is appended exactly once whatever happens
// afterwards. Model and sink failures are logged and reported through
// Outcome.Err; they never append an assistant turn.
//
// Callers must not run Answer concurrently on the same chat.
func (p *Pipeline) Answer(ctx context.Context, chat *core.ChatContext, req Request) Outcome {
	start := time.Now()
	out := Outcome{TurnID: uuid.NewString()}
	logger := p.logger.With(map[string]interface{}{"turn_id": out.TurnID})

	logger.Infof("Answering: %s", req.Text)

	parts := []core.ContentPart{core.TextPart(req.Text)}
	if req.UseImage && p.frames != nil {
		if frame := p.frames.Latest(); frame != nil {
			parts = append(parts, core.ImagePart(frame))
			out.UsedImage = true
		}
	}
	if err := chat.Append(core.ChatMessage{Role: core.ChatRoleUser, Parts: parts}); err != nil {
		return p.fail(logger, out, start, err)
	}

	callCtx := ctx
	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	completion, err := p.completion.CreateCompletion(callCtx, chat.Snapshot(), p.config.Tools)
	if err != nil {
		return p.fail(logger, out, start, fmt.Errorf("completion: %w", err))
	}
	if completion.Text == "" && len(completion.ToolCalls) == 0 {
		return p.fail(logger, out, start, ErrEmptyCompletion)
	}
	out.Text = completion.Text
	out.ToolCalls = completion.ToolCalls

	if completion.Text != "" {
		logger.Info(completion.Text)

		if spoken := NormalizeForSpeech(completion.Text); spoken != "" && p.sink != nil {
			if err := p.sink.Speak(callCtx, spoken); err != nil {
				return p.fail(logger, out, start, fmt.Errorf("output: %w", err))
			}
		}
		if p.config.RecordAssistantReplies {
			if err := chat.Append(core.NewTextMessage(core.ChatRoleAssistant, completion.Text)); err != nil {
				logger.With(map[string]interface{}{"error": err}).Warn("failed to record assistant reply")
			}
		}
	}

	out.Duration = time.Since(start)
	return out
}

func (p *Pipeline) fail(logger *core.Logger, out Outcome, start time.Time, err error) Outcome {
	logger.With(map[string]interface{}{"error": err}).Errorf("Error answering: %v", err)
	out.Err = err
	out.Duration = time.Since(start)
	return out
}
