package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"alloy/core"

	"github.com/bytedance/sonic"
	"github.com/sashabaranov/go-openai"
)

const DefaultModel = "gpt-4o"

var ErrNotInitialized = errors.New("openai: service not initialized")

// OpenAILLMService answers chat contexts with the OpenAI chat completions
// API or any server that speaks it.
type OpenAILLMService struct {
	config Config
	logger *core.Logger

	client        *openai.Client
	isInitialized bool
	mu            sync.RWMutex
}

// Config holds the configuration for OpenAI service
type Config struct {
	APIKey string `json:"api_key" yaml:"api_key"`
	// BaseURL points the client at an OpenAI-compatible server. Empty
	// means api.openai.com.
	BaseURL     string  `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Model       string  `json:"model,omitempty" yaml:"model,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Temperature float32 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	// ImageDetail is passed through as the image_url detail level.
	ImageDetail openai.ImageURLDetail `json:"image_detail,omitempty" yaml:"image_detail,omitempty"`
	// VerifyOnInit lists models during Init to fail fast on bad keys.
	VerifyOnInit bool `json:"verify_on_init,omitempty" yaml:"verify_on_init,omitempty"`
}

func NewOpenAILLMService(config Config, logger *core.Logger) *OpenAILLMService {
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.ImageDetail == "" {
		config.ImageDetail = openai.ImageURLDetailAuto
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &OpenAILLMService{
		config: config,
		logger: logger.With(map[string]interface{}{"service": "openai", "model": config.Model}),
	}
}

// Init initializes the OpenAI service
func (s *OpenAILLMService) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config.APIKey == "" {
		return fmt.Errorf("OpenAI API key is required")
	}

	s.client = s.newClient()

	if s.config.VerifyOnInit {
		if _, err := s.client.ListModels(ctx); err != nil {
			return fmt.Errorf("failed to connect to OpenAI: %w", err)
		}
	}

	s.isInitialized = true
	return nil
}

func (s *OpenAILLMService) newClient() *openai.Client {
	cfg := openai.DefaultConfig(s.config.APIKey)
	if s.config.BaseURL != "" {
		cfg.BaseURL = s.config.BaseURL
	}
	return openai.NewClientWithConfig(cfg)
}

// Cleanup performs cleanup operations
func (s *OpenAILLMService) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.client = nil
	s.isInitialized = false
	return nil
}

// Reset recreates the client with the same config
func (s *OpenAILLMService) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isInitialized {
		s.client = s.newClient()
	}
	return nil
}

// CreateCompletion sends the conversation and tools and returns the first
// choice.
func (s *OpenAILLMService) CreateCompletion(ctx context.Context, messages []core.ChatMessage, tools []core.ToolDefinition) (core.Completion, error) {
	s.mu.RLock()
	client := s.client
	initialized := s.isInitialized
	s.mu.RUnlock()
	if !initialized || client == nil {
		return core.Completion{}, ErrNotInitialized
	}

	req := openai.ChatCompletionRequest{
		Model:       s.config.Model,
		Messages:    s.convertMessages(messages),
		MaxTokens:   s.config.MaxTokens,
		Temperature: s.config.Temperature,
	}

	if len(tools) > 0 {
		openAITools, err := s.convertTools(tools)
		if err != nil {
			return core.Completion{}, fmt.Errorf("failed to convert tools: %w", err)
		}
		req.Tools = openAITools
	}

	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		return core.Completion{}, fmt.Errorf("failed to create completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return core.Completion{Model: resp.Model}, nil
	}

	choice := resp.Choices[0]
	completion := core.Completion{
		Text:  choice.Message.Content,
		Model: resp.Model,
	}
	for _, toolCall := range choice.Message.ToolCalls {
		completion.ToolCalls = append(completion.ToolCalls, s.convertToolCall(toolCall))
	}
	return completion, nil
}

// convertMessages converts chat messages to OpenAI messages. Messages with
// an image become multi-part content.
func (s *OpenAILLMService) convertMessages(messages []core.ChatMessage) []openai.ChatCompletionMessage {
	openAIMessages := make([]openai.ChatCompletionMessage, 0, len(messages))

	for _, msg := range messages {
		openAIMsg := openai.ChatCompletionMessage{
			Role:    s.convertRole(msg.Role),
			Content: msg.Text(),
		}

		if msg.HasImage() {
			content := make([]openai.ChatMessagePart, 0, len(msg.Parts))
			for _, part := range msg.Parts {
				switch part.Type {
				case core.ContentPartText:
					content = append(content, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: part.Text,
					})
				case core.ContentPartImage:
					url, ok := s.convertFrameToURL(part.Image)
					if !ok {
						continue
					}
					content = append(content, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    url,
							Detail: s.config.ImageDetail,
						},
					})
				}
			}
			openAIMsg.MultiContent = content
			openAIMsg.Content = "" // Clear content when using multi-content
		}

		openAIMessages = append(openAIMessages, openAIMsg)
	}

	return openAIMessages
}

// convertFrameToURL encodes still images as data URLs. Encoded video
// frames cannot be sent to the model.
func (s *OpenAILLMService) convertFrameToURL(frame *core.VideoFrame) (string, bool) {
	if frame == nil || len(frame.Data) == 0 {
		return "", false
	}
	mediaType := frame.MediaType
	switch mediaType {
	case core.FrameMediaTypeJPEG, core.FrameMediaTypePNG:
	case "":
		mediaType = core.FrameMediaTypeJPEG
	default:
		s.logger.Debug("skipping frame the model cannot read", "media_type", string(mediaType))
		return "", false
	}
	return fmt.Sprintf("data:%s;base64,%s", mediaType, base64.StdEncoding.EncodeToString(frame.Data)), true
}

// convertTools converts tool definitions to OpenAI function tools
func (s *OpenAILLMService) convertTools(tools []core.ToolDefinition) ([]openai.Tool, error) {
	openAITools := make([]openai.Tool, 0, len(tools))

	for _, tool := range tools {
		properties := make(map[string]interface{}, len(tool.Parameters))
		required := make([]string, 0)

		for _, param := range tool.Parameters {
			properties[param.Name] = map[string]interface{}{
				"type":        s.convertParameterType(param.Type),
				"description": param.Description,
			}
			if param.Required {
				required = append(required, param.Name)
			}
		}

		parameters := map[string]interface{}{
			"type":       "object",
			"properties": properties,
		}
		if len(required) > 0 {
			parameters["required"] = required
		}

		paramsJSON, err := sonic.Marshal(parameters)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal parameters of %s: %w", tool.Name, err)
		}

		openAITools = append(openAITools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  json.RawMessage(paramsJSON),
			},
		})
	}

	return openAITools, nil
}

func (s *OpenAILLMService) convertRole(role core.ChatRole) string {
	switch role {
	case core.ChatRoleSystem:
		return openai.ChatMessageRoleSystem
	case core.ChatRoleAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}

func (s *OpenAILLMService) convertParameterType(paramType core.ToolParameterType) string {
	switch paramType {
	case core.ToolParameterNumber:
		return "number"
	case core.ToolParameterBoolean:
		return "boolean"
	default:
		return "string"
	}
}

// convertToolCall converts an OpenAI tool call. Arguments that are not a
// JSON object are kept under raw_arguments.
func (s *OpenAILLMService) convertToolCall(toolCall openai.ToolCall) core.ToolCall {
	var arguments map[string]interface{}

	if toolCall.Function.Arguments != "" {
		if err := sonic.Unmarshal([]byte(toolCall.Function.Arguments), &arguments); err != nil {
			arguments = map[string]interface{}{
				"raw_arguments": toolCall.Function.Arguments,
			}
		}
	}

	return core.ToolCall{
		ID:        toolCall.ID,
		Name:      toolCall.Function.Name,
		Arguments: arguments,
	}
}
