package answer

import (
	"context"
	"errors"
	"testing"

	"alloy/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCompletion struct {
	reply core.Completion
	err   error
	calls [][]core.ChatMessage
	tools [][]core.ToolDefinition
}

func (f *fakeCompletion) CreateCompletion(_ context.Context, messages []core.ChatMessage, tools []core.ToolDefinition) (core.Completion, error) {
	f.calls = append(f.calls, messages)
	f.tools = append(f.tools, tools)
	return f.reply, f.err
}

type fakeSink struct {
	spoken []string
	err    error
}

func (s *fakeSink) Speak(_ context.Context, text string) error {
	s.spoken = append(s.spoken, text)
	return s.err
}

type fixedFrame struct{ frame *core.VideoFrame }

func (f fixedFrame) Latest() *core.VideoFrame { return f.frame }

func silentLogger() *core.Logger {
	return core.NewLogger(func(string, string, map[string]interface{}) {})
}

func TestAnswerSuccessRecordsUserAndAssistantTurns(t *testing.T) {
	llm := &fakeCompletion{reply: core.Completion{Text: "**Hello** there 👋"}}
	sink := &fakeSink{}
	p := NewPipeline(llm, sink, nil, DefaultConfig(), silentLogger())
	chat := core.NewChatContext("")

	out := p.Answer(context.Background(), chat, Request{Text: "hi"})

	require.True(t, out.OK())
	assert.NotEmpty(t, out.TurnID)
	assert.Equal(t, "**Hello** there 👋", out.Text)
	assert.Equal(t, []string{"Hello there"}, sink.spoken)

	require.Len(t, llm.calls, 1)
	assert.Len(t, llm.calls[0], 2, "model sees system and user turns")

	snap := chat.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, core.ChatRoleUser, snap[1].Role)
	assert.Equal(t, "hi", snap[1].Text())
	assert.Equal(t, core.ChatRoleAssistant, snap[2].Role)
}

func TestAnswerModelFailureKeepsUserTurnOnly(t *testing.T) {
	llm := &fakeCompletion{err: errors.New("429 quota exceeded")}
	sink := &fakeSink{}
	p := NewPipeline(llm, sink, nil, DefaultConfig(), silentLogger())
	chat := core.NewChatContext("")

	out := p.Answer(context.Background(), chat, Request{Text: "hi"})

	require.False(t, out.OK())
	assert.ErrorContains(t, out.Err, "quota")
	assert.Empty(t, sink.spoken)
	assert.Equal(t, 2, chat.Len())
	last, _ := chat.Last()
	assert.Equal(t, core.ChatRoleUser, last.Role)
}

func TestAnswerSinkFailureAddsNoAssistantTurn(t *testing.T) {
	llm := &fakeCompletion{reply: core.Completion{Text: "hello"}}
	sink := &fakeSink{err: errors.New("socket closed")}
	p := NewPipeline(llm, sink, nil, DefaultConfig(), silentLogger())
	chat := core.NewChatContext("")

	out := p.Answer(context.Background(), chat, Request{Text: "hi"})

	require.False(t, out.OK())
	assert.ErrorContains(t, out.Err, "output")
	assert.Equal(t, 2, chat.Len())
}

func TestAnswerEmptyCompletionFails(t *testing.T) {
	p := NewPipeline(&fakeCompletion{}, &fakeSink{}, nil, DefaultConfig(), silentLogger())
	chat := core.NewChatContext("")

	out := p.Answer(context.Background(), chat, Request{Text: "hi"})

	assert.ErrorIs(t, out.Err, ErrEmptyCompletion)
	assert.Equal(t, 2, chat.Len())
}

func TestAnswerAppendsExactlyOneUserTurnPerCall(t *testing.T) {
	llm := &fakeCompletion{}
	p := NewPipeline(llm, &fakeSink{}, nil, Config{}, silentLogger())
	chat := core.NewChatContext("")

	for i := 0; i < 4; i++ {
		if i%2 == 0 {
			llm.reply, llm.err = core.Completion{Text: "ok"}, nil
		} else {
			llm.reply, llm.err = core.Completion{}, errors.New("boom")
		}
		before := chat.Len()
		p.Answer(context.Background(), chat, Request{Text: "q"})

		users := 0
		for _, m := range chat.Snapshot()[before:] {
			if m.Role == core.ChatRoleUser {
				users++
			}
		}
		assert.Equal(t, 1, users)
	}
}

func TestAnswerUseImageWithoutFrameIsTextOnly(t *testing.T) {
	llm := &fakeCompletion{reply: core.Completion{Text: "I can't see anything"}}
	p := NewPipeline(llm, &fakeSink{}, fixedFrame{}, DefaultConfig(), silentLogger())
	chat := core.NewChatContext("")

	out := p.Answer(context.Background(), chat, Request{Text: "what do you see?", UseImage: true})

	require.True(t, out.OK())
	assert.False(t, out.UsedImage)
	user := chat.Snapshot()[1]
	assert.Len(t, user.Parts, 1)
	assert.False(t, user.HasImage())
}

func TestAnswerUseImageAttachesLatestFrame(t *testing.T) {
	frame := &core.VideoFrame{Data: []byte{0xff, 0xd8}, MediaType: core.FrameMediaTypeJPEG}
	llm := &fakeCompletion{reply: core.Completion{Text: "a cat"}}
	p := NewPipeline(llm, &fakeSink{}, fixedFrame{frame: frame}, DefaultConfig(), silentLogger())
	chat := core.NewChatContext("")

	out := p.Answer(context.Background(), chat, Request{Text: "what is this?", UseImage: true})

	require.True(t, out.OK())
	assert.True(t, out.UsedImage)
	user := llm.calls[0][1]
	require.Len(t, user.Parts, 2)
	assert.Equal(t, core.ContentPartText, user.Parts[0].Type)
	assert.Same(t, frame, user.Parts[1].Image)
}

func TestAnswerIgnoresFrameWhenNotRequested(t *testing.T) {
	frame := &core.VideoFrame{Data: []byte{1}}
	llm := &fakeCompletion{reply: core.Completion{Text: "hi"}}
	p := NewPipeline(llm, &fakeSink{}, fixedFrame{frame: frame}, DefaultConfig(), silentLogger())
	chat := core.NewChatContext("")

	p.Answer(context.Background(), chat, Request{Text: "hello"})

	assert.False(t, chat.Snapshot()[1].HasImage())
}

func TestAnswerToolCallOnlyCompletion(t *testing.T) {
	call := core.ToolCall{Name: "image", Arguments: map[string]any{"user_msg": "look"}}
	llm := &fakeCompletion{reply: core.Completion{ToolCalls: []core.ToolCall{call}}}
	sink := &fakeSink{}
	tools := []core.ToolDefinition{{Name: "image"}}
	p := NewPipeline(llm, sink, nil, Config{RecordAssistantReplies: true, Tools: tools}, silentLogger())
	chat := core.NewChatContext("")

	out := p.Answer(context.Background(), chat, Request{Text: "can you see me?"})

	require.True(t, out.OK())
	assert.Equal(t, []core.ToolCall{call}, out.ToolCalls)
	assert.Empty(t, sink.spoken)
	assert.Equal(t, 2, chat.Len())
	assert.Equal(t, tools, llm.tools[0])
}

func TestAnswerDoesNotRecordRepliesWhenDisabled(t *testing.T) {
	llm := &fakeCompletion{reply: core.Completion{Text: "hi"}}
	p := NewPipeline(llm, &fakeSink{}, nil, Config{}, silentLogger())
	chat := core.NewChatContext("")

	require.True(t, p.Answer(context.Background(), chat, Request{Text: "hello"}).OK())
	assert.Equal(t, 2, chat.Len())
}
