package session

// AnswerRequestedEvent asks the session to produce one answer.
type AnswerRequestedEvent struct {
	Text     string `json:"text"`
	UseImage bool   `json:"use_image"`
}

func (e *AnswerRequestedEvent) GetId() string {
	return "session.answer_requested"
}

// AnswerCompletedEvent is broadcast after a reply was spoken.
type AnswerCompletedEvent struct {
	TurnID     string `json:"turn_id"`
	Request    string `json:"request"`
	Text       string `json:"text"`
	UsedImage  bool   `json:"used_image"`
	DurationMs int64  `json:"duration_ms"`
}

func (e *AnswerCompletedEvent) GetId() string {
	return "session.answer_completed"
}

// AnswerFailedEvent is broadcast when the model or the output sink failed.
type AnswerFailedEvent struct {
	TurnID  string `json:"turn_id"`
	Request string `json:"request"`
	Error   string `json:"error"`
}

func (e *AnswerFailedEvent) GetId() string {
	return "session.answer_failed"
}
