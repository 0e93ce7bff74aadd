package room

// Kind tags which payload of an Event is set.
type Kind int

const (
	KindMessageReceived Kind = iota + 1
	KindFunctionCallsFinished
)

func (k Kind) String() string {
	switch k {
	case KindMessageReceived:
		return "message_received"
	case KindFunctionCallsFinished:
		return "function_calls_finished"
	default:
		return "unknown"
	}
}

// Event is an inbound room event. Exactly one payload matches Kind.
type Event struct {
	Kind                  Kind
	MessageReceived       *MessageReceived
	FunctionCallsFinished *FunctionCallsFinished
}

func (e *Event) GetId() string {
	return "room." + e.Kind.String()
}

// MessageReceived carries a chat message typed by a participant.
type MessageReceived struct {
	Message string `json:"message"`
	Sender  string `json:"sender,omitempty"`
}

// FunctionCallsFinished reports the functions the model called in its last turn.
type FunctionCallsFinished struct {
	CalledFunctions []CalledFunction `json:"called_functions"`
}

type CalledFunction struct {
	Name     string   `json:"name,omitempty"`
	CallInfo CallInfo `json:"call_info"`
}

type CallInfo struct {
	Arguments map[string]any `json:"arguments,omitempty"`
}

func NewMessageReceived(message, sender string) *Event {
	return &Event{
		Kind:            KindMessageReceived,
		MessageReceived: &MessageReceived{Message: message, Sender: sender},
	}
}

func NewFunctionCallsFinished(calls []CalledFunction) *Event {
	return &Event{
		Kind:                  KindFunctionCallsFinished,
		FunctionCallsFinished: &FunctionCallsFinished{CalledFunctions: calls},
	}
}

// UserMsg returns the user_msg argument of the first called function.
// Missing, empty and non-string values all report false.
func (f *FunctionCallsFinished) UserMsg() (string, bool) {
	if f == nil || len(f.CalledFunctions) == 0 {
		return "", false
	}
	v, ok := f.CalledFunctions[0].CallInfo.Arguments["user_msg"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}
