package engine

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Prompt shapes a prompt and an optional question into the message list sent
// to the model: with a question the prompt is the system message, without
// one the prompt is sent as the only user message.
func Prompt(prompt, question string) []Message {
	if question == "" {
		return []Message{{Role: RoleUser, Content: prompt}}
	}
	return []Message{
		{Role: RoleSystem, Content: prompt},
		{Role: RoleUser, Content: question},
	}
}

// PullProgress reports download progress for a model pull operation.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}
