package llm

// Message roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// FinishReasonError marks a chunk that reports a failure after the stream
// started. Its Text carries the error message.
const FinishReasonError = "error"

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user" or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}
