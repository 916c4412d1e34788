package conversation

import "context"

const (
	ChatRoleSystem    = "system"
	ChatRoleUser      = "user"
	ChatRoleAssistant = "assistant"
)

// ChatMessage is one turn of model input.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLMRequest carries one completion call. System holds the rendered
// stage directive and operator prompt; Messages end with the combined
// prospect burst.
type LLMRequest struct {
	Model       string
	System      string
	Messages    []ChatMessage
	MaxTokens   int32
	Temperature float32
}

// LLMResponse is the raw model text, parsed downstream into stage and
// reply segments.
type LLMResponse struct {
	Text string
}

// LLMClient is the provider-agnostic completion surface. Bedrock is the
// primary implementation, Gemini the fallback.
type LLMClient interface {
	Complete(ctx context.Context, req LLMRequest) (LLMResponse, error)
}
