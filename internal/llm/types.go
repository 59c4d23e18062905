package llm

import (
	"fmt"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

func System(text string) Message    { return Message{Role: RoleSystem, Text: text} }
func User(text string) Message      { return Message{Role: RoleUser, Text: text} }
func Assistant(text string) Message { return Message{Role: RoleAssistant, Text: text} }

type Request struct {
	Provider string    `json:"provider,omitempty"`
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`

	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	// ReasoningEffort is passed to providers that support it; "" and "default" mean unset.
	ReasoningEffort string `json:"reasoning_effort,omitempty"`

	ProviderOptions map[string]any `json:"provider_options,omitempty"`
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return &ConfigurationError{Message: "request model is required"}
	}
	if len(r.Messages) == 0 {
		return &ConfigurationError{Message: "request must contain at least one message"}
	}
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return &ConfigurationError{Message: fmt.Sprintf("message %d has unsupported role %q", i, m.Role)}
		}
	}
	return nil
}

// SplitSystem returns the concatenated system text and the remaining messages.
func (r Request) SplitSystem() (string, []Message) {
	var sys []string
	rest := make([]Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		if m.Role == RoleSystem {
			if strings.TrimSpace(m.Text) != "" {
				sys = append(sys, m.Text)
			}
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(sys, "\n\n"), rest
}

type Usage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	CacheReadTokens  int `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int `json:"cache_write_tokens,omitempty"`
}

type FinishReason struct {
	Reason string `json:"reason"`
	Raw    string `json:"raw,omitempty"`
}

type Response struct {
	ID       string       `json:"id,omitempty"`
	Provider string       `json:"provider"`
	Model    string       `json:"model"`
	Message  Message      `json:"message"`
	Finish   FinishReason `json:"finish"`
	Usage    Usage        `json:"usage"`
}

func (r Response) Text() string {
	return r.Message.Text
}
