// Package messageapi provides a shallow view over the client-dialect
// chat/messages request body. The proxy never rewrites the body beyond
// the model field, so parsing stops at the features the router needs:
// model, max_tokens, stream, message count, system length, tool and
// vision presence, and an approximate character count for the
// context-window guard.
package messageapi

import (
	"encoding/json"
	"fmt"
)

// contentBlock is the subset of a message content block the classifier
// inspects.
type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// message is the subset of one chat message the classifier inspects.
// Content may be a bare string or a block list; both are handled.
type message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// rawRequest is the decoded shape of the fields we care about. Everything
// else stays in the raw body and passes through untouched.
type rawRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	Stream    bool            `json:"stream"`
	System    json.RawMessage `json:"system"`
	Messages  []message       `json:"messages"`
	Tools     []json.RawMessage `json:"tools"`
}

// Features is the routing-relevant summary of one request body.
type Features struct {
	Model        string
	MaxTokens    int
	Stream       bool
	MessageCount int
	SystemLength int
	HasTools     bool
	HasVision    bool
	ToolCount    int
	ImageCount   int
	ApproxChars  int
}

// Parse extracts Features from a raw client body. The body is not
// validated beyond what routing needs; upstream performs full validation.
func Parse(body []byte) (*Features, error) {
	var req rawRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("messageapi: invalid request body: %w", err)
	}
	if req.Model == "" {
		return nil, fmt.Errorf("messageapi: missing model field")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("messageapi: missing messages")
	}

	f := &Features{
		Model:        req.Model,
		MaxTokens:    req.MaxTokens,
		Stream:       req.Stream,
		MessageCount: len(req.Messages),
		HasTools:     len(req.Tools) > 0,
		ToolCount:    len(req.Tools),
	}

	f.SystemLength = textLength(req.System)
	f.ApproxChars = f.SystemLength
	for _, t := range req.Tools {
		f.ApproxChars += len(t)
	}

	for _, m := range req.Messages {
		chars, images := scanContent(m.Content)
		f.ApproxChars += chars
		f.ImageCount += images
	}
	f.HasVision = f.ImageCount > 0

	return f, nil
}

// textLength returns the character length of a system prompt that may be
// a bare string or a content-block array.
func textLength(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return len(s)
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		total := 0
		for _, b := range blocks {
			total += len(b.Text)
		}
		return total
	}
	return len(raw)
}

// scanContent counts text characters and image blocks in one message's
// content, which may be a bare string or a block list.
func scanContent(raw json.RawMessage) (chars, images int) {
	if len(raw) == 0 {
		return 0, 0
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return len(s), 0
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		for _, b := range blocks {
			if b.Type == "image" {
				images++
				continue
			}
			chars += len(b.Text)
		}
		return chars, images
	}
	return len(raw), 0
}

// Token-estimate constants for the context-window guard. Roughly four
// characters per token, a flat penalty per image block, and a flat
// penalty per tool definition on top of the serialized schema length.
const (
	charsPerToken   = 4
	imageTokenCost  = 260
	toolTokenCost   = 50
)

// EstimateTokens approximates the total token footprint of the request:
// prompt characters at ~4 chars/token, plus max_tokens, plus constant
// penalties for image blocks and tool definitions.
func (f *Features) EstimateTokens() int {
	tokens := (f.ApproxChars + charsPerToken - 1) / charsPerToken
	tokens += f.MaxTokens
	tokens += f.ImageCount * imageTokenCost
	tokens += f.ToolCount * toolTokenCost
	return tokens
}

// ReplaceModel returns a copy of body with only the top-level model field
// substituted. Every other byte of the client body passes through as-is,
// field order aside.
func ReplaceModel(body []byte, model string) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("messageapi: replace model: %w", err)
	}
	encoded, err := json.Marshal(model)
	if err != nil {
		return nil, err
	}
	fields["model"] = encoded
	return json.Marshal(fields)
}
