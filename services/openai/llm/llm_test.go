package llm

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"alloy/core"

	"github.com/bytedance/sonic"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	Tools []struct {
		Type     string `json:"type"`
		Function struct {
			Name       string         `json:"name"`
			Parameters map[string]any `json:"parameters"`
		} `json:"function"`
	} `json:"tools"`
}

func newTestServer(t *testing.T, response string, captured *[]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		*captured = body
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestService(t *testing.T, baseURL string) *OpenAILLMService {
	t.Helper()
	s := NewOpenAILLMService(Config{APIKey: "sk-test", BaseURL: baseURL + "/v1", Model: "gpt-4o-mini"}, core.NewLogger(func(string, string, map[string]interface{}) {}))
	require.NoError(t, s.Init(context.Background()))
	return s
}

func TestCreateCompletionReturnsText(t *testing.T) {
	var body []byte
	srv := newTestServer(t, `{"id":"1","model":"gpt-4o-mini","choices":[{"index":0,"message":{"role":"assistant","content":"Hello!"},"finish_reason":"stop"}]}`, &body)
	s := newTestService(t, srv.URL)

	chat := core.NewChatContext("")
	require.NoError(t, chat.Append(core.NewTextMessage(core.ChatRoleUser, "hi")))

	completion, err := s.CreateCompletion(context.Background(), chat.Snapshot(), nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello!", completion.Text)
	assert.Equal(t, "gpt-4o-mini", completion.Model)
	assert.Empty(t, completion.ToolCalls)

	var req capturedRequest
	require.NoError(t, sonic.Unmarshal(body, &req))
	assert.Equal(t, "gpt-4o-mini", req.Model)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, core.DefaultSystemPrompt, req.Messages[0].Content)
	assert.Equal(t, "user", req.Messages[1].Role)
	assert.Equal(t, "hi", req.Messages[1].Content)
	assert.Empty(t, req.Tools)
}

func TestCreateCompletionSendsImageAsDataURL(t *testing.T) {
	var body []byte
	srv := newTestServer(t, `{"choices":[{"message":{"role":"assistant","content":"A cat."}}]}`, &body)
	s := newTestService(t, srv.URL)

	jpeg := []byte{0xff, 0xd8, 0xff, 0xe0}
	msg := core.ChatMessage{Role: core.ChatRoleUser, Parts: []core.ContentPart{
		core.TextPart("what is this?"),
		core.ImagePart(&core.VideoFrame{Data: jpeg, MediaType: core.FrameMediaTypeJPEG}),
	}}

	_, err := s.CreateCompletion(context.Background(), []core.ChatMessage{msg}, nil)
	require.NoError(t, err)

	var req struct {
		Messages []struct {
			Content []struct {
				Type     string `json:"type"`
				Text     string `json:"text"`
				ImageURL struct {
					URL    string `json:"url"`
					Detail string `json:"detail"`
				} `json:"image_url"`
			} `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, sonic.Unmarshal(body, &req))
	require.Len(t, req.Messages, 1)
	parts := req.Messages[0].Content
	require.Len(t, parts, 2)
	assert.Equal(t, "text", parts[0].Type)
	assert.Equal(t, "what is this?", parts[0].Text)
	assert.Equal(t, "image_url", parts[1].Type)
	assert.Equal(t, "data:image/jpeg;base64,"+base64.StdEncoding.EncodeToString(jpeg), parts[1].ImageURL.URL)
	assert.Equal(t, "auto", parts[1].ImageURL.Detail)
}

func TestCreateCompletionOffersToolsAndParsesToolCalls(t *testing.T) {
	var body []byte
	srv := newTestServer(t, `{"choices":[{"message":{"role":"assistant","content":"","tool_calls":[{"id":"call_1","type":"function","function":{"name":"image","arguments":"{\"user_msg\":\"what am I holding?\"}"}}]},"finish_reason":"tool_calls"}]}`, &body)
	s := newTestService(t, srv.URL)

	tools := []core.ToolDefinition{{
		Name:        "image",
		Description: "look at the camera",
		Parameters: []core.ToolParameter{
			{Name: "user_msg", Description: "the question", Required: true, Type: core.ToolParameterString},
		},
	}}

	completion, err := s.CreateCompletion(context.Background(), []core.ChatMessage{core.NewTextMessage(core.ChatRoleUser, "look")}, tools)
	require.NoError(t, err)
	require.Len(t, completion.ToolCalls, 1)
	assert.Equal(t, core.ToolCall{ID: "call_1", Name: "image", Arguments: map[string]any{"user_msg": "what am I holding?"}}, completion.ToolCalls[0])

	var req capturedRequest
	require.NoError(t, sonic.Unmarshal(body, &req))
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "function", req.Tools[0].Type)
	assert.Equal(t, "image", req.Tools[0].Function.Name)
	params := req.Tools[0].Function.Parameters
	assert.Equal(t, "object", params["type"])
	assert.Equal(t, []any{"user_msg"}, params["required"])
}

func TestCreateCompletionPropagatesAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()
	s := newTestService(t, srv.URL)

	_, err := s.CreateCompletion(context.Background(), []core.ChatMessage{core.NewTextMessage(core.ChatRoleUser, "hi")}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad key")
}

func TestCreateCompletionRequiresInit(t *testing.T) {
	s := NewOpenAILLMService(Config{APIKey: "sk-test"}, nil)
	_, err := s.CreateCompletion(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestInitRequiresAPIKey(t *testing.T) {
	s := NewOpenAILLMService(Config{}, nil)
	assert.Error(t, s.Init(context.Background()))
}

func TestConvertToolCallKeepsMalformedArguments(t *testing.T) {
	s := NewOpenAILLMService(Config{}, nil)
	call := s.convertToolCall(openai.ToolCall{
		ID:       "call_1",
		Type:     openai.ToolTypeFunction,
		Function: openai.FunctionCall{Name: "image", Arguments: "not json"},
	})
	assert.Equal(t, map[string]any{"raw_arguments": "not json"}, call.Arguments)
}

func TestConvertFrameSkipsEncodedVideo(t *testing.T) {
	s := NewOpenAILLMService(Config{}, nil)
	_, ok := s.convertFrameToURL(&core.VideoFrame{Data: []byte{1}, MediaType: core.FrameMediaTypeVP8})
	assert.False(t, ok)
}
