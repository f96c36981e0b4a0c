// Package coordinator orchestrates a completion request end to end:
// fingerprint, candidate lookup, slot assignment, optional restore,
// backend forward, optional save, metadata update — spec.md §4.6.
package coordinator

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParsedRequest is the result of spec.md §4.6 step 1 ("Parse"): the model
// id and the concatenation of all message contents plus any system
// preamble, in the order the backend would see them.
type ParsedRequest struct {
	Model      string
	PromptText string
	RawBody    []byte
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Prompt   string        `json:"prompt"`
	Stream   bool          `json:"stream"`
}

// ParseRequest extracts model and prompt text from a chat/completions or
// completions request body. Both the OpenAI chat "messages" shape and the
// legacy completions "prompt" shape are accepted; if both are present, the
// message contents come first and the prompt is appended after them.
func ParseRequest(body []byte) (*ParsedRequest, error) {
	var wire wireRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("parse request body: %w", err)
	}
	if wire.Model == "" {
		return nil, fmt.Errorf("request body missing required field \"model\"")
	}

	var b strings.Builder
	for _, m := range wire.Messages {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Content)
	}
	if wire.Prompt != "" {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(wire.Prompt)
	}
	if b.Len() == 0 {
		return nil, fmt.Errorf("request body has no message or prompt content")
	}

	return &ParsedRequest{
		Model:      wire.Model,
		PromptText: b.String(),
		RawBody:    body,
	}, nil
}
