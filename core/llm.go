package core

import (
	"errors"
	"strings"
	"sync"
)

type ChatRole string

const (
	ChatRoleSystem    ChatRole = "system"
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
)

type ContentPartType string

const (
	ContentPartText  ContentPartType = "text"
	ContentPartImage ContentPartType = "image"
)

// ContentPart is one piece of a message: either text or an image frame.
type ContentPart struct {
	Type  ContentPartType `json:"type"`
	Text  string          `json:"text,omitempty"`
	Image *VideoFrame     `json:"-"`
}

func TextPart(text string) ContentPart {
	return ContentPart{Type: ContentPartText, Text: text}
}

func ImagePart(frame *VideoFrame) ContentPart {
	return ContentPart{Type: ContentPartImage, Image: frame}
}

// ChatMessage is a single turn of conversation history.
type ChatMessage struct {
	Role  ChatRole      `json:"role"`
	Parts []ContentPart `json:"parts"`
}

func NewTextMessage(role ChatRole, text string) ChatMessage {
	return ChatMessage{Role: role, Parts: []ContentPart{TextPart(text)}}
}

// Text joins the text parts of the message.
func (m ChatMessage) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type != ContentPartText {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

// HasImage reports whether any part carries a frame.
func (m ChatMessage) HasImage() bool {
	for _, p := range m.Parts {
		if p.Type == ContentPartImage && p.Image != nil {
			return true
		}
	}
	return false
}

func (m ChatMessage) clone() ChatMessage {
	parts := make([]ContentPart, len(m.Parts))
	copy(parts, m.Parts)
	return ChatMessage{Role: m.Role, Parts: parts}
}

// DefaultSystemPrompt is the preamble the assistant starts every session with.
const DefaultSystemPrompt = "Your name is Alloy. You are a funny, witty bot. Your interface with users will be voice and vision. Respond with short and concise answers. Avoid using unpronouncable punctuation or emojis."

var ErrSystemMessage = errors.New("chat context: system message can only be the preamble")

// ChatContext is the append-only conversation log replayed to the model on
// every turn. Message 0 is always the system preamble.
//
// ChatContext is safe for concurrent use. Each call is atomic; a caller
// that needs several calls to act as one turn must be the only writer.
type ChatContext struct {
	mu       sync.RWMutex
	messages []ChatMessage
}

func NewChatContext(systemPrompt string) *ChatContext {
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	return &ChatContext{
		messages: []ChatMessage{NewTextMessage(ChatRoleSystem, systemPrompt)},
	}
}

// Append adds msg to the end of the log. System messages are rejected.
func (c *ChatContext) Append(msg ChatMessage) error {
	if msg.Role == ChatRoleSystem {
		return ErrSystemMessage
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg.clone())
	return nil
}

// Snapshot returns a copy of the log in order.
func (c *ChatContext) Snapshot() []ChatMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ChatMessage, len(c.messages))
	for i, m := range c.messages {
		out[i] = m.clone()
	}
	return out
}

func (c *ChatContext) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// Last returns the most recent message.
func (c *ChatContext) Last() (ChatMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.messages) == 0 {
		return ChatMessage{}, false
	}
	return c.messages[len(c.messages)-1].clone(), true
}

type ToolParameterType string

const (
	ToolParameterString  ToolParameterType = "string"
	ToolParameterNumber  ToolParameterType = "number"
	ToolParameterBoolean ToolParameterType = "boolean"
)

// ToolParameter describes one argument of a tool the model may call.
type ToolParameter struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Required    bool              `json:"required"`
	Type        ToolParameterType `json:"type"`
}

// ToolDefinition is a function offered to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters,omitempty"`
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Completion is the first choice of a model response.
type Completion struct {
	Text      string
	ToolCalls []ToolCall
	Model     string
}
