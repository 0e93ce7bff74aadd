package vision

import (
	"context"

	"alloy/core"
)

// ToolName is the function the model calls when it needs to look.
const ToolName = "image"

// AssistantFunction is the vision hook offered to the model. Calling it
// only signals intent; the frame itself is attached by the answer
// pipeline from the latest capture.
type AssistantFunction struct {
	logger *core.Logger
}

func NewAssistantFunction(logger *core.Logger) *AssistantFunction {
	if logger == nil {
		logger = core.GetLogger()
	}
	return &AssistantFunction{logger: logger}
}

func (a *AssistantFunction) Image(ctx context.Context, userMsg string) (*core.VideoFrame, error) {
	a.logger.Infof("Message triggering vision capabilities: %s", userMsg)
	return nil, nil
}

// Tool describes the image function to the model.
func (a *AssistantFunction) Tool() core.ToolDefinition {
	return core.ToolDefinition{
		Name:        ToolName,
		Description: "Called when asked to evaluate something that would require vision capabilities, for example an image, video, or the webcam feed.",
		Parameters: []core.ToolParameter{
			{
				Name:        "user_msg",
				Description: "The user message that triggered this function",
				Required:    true,
				Type:        core.ToolParameterString,
			},
		},
	}
}
