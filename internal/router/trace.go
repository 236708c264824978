package router

import (
	"encoding/json"

	"github.com/riftrelay/capacity-proxy/internal/config"
	"github.com/riftrelay/capacity-proxy/pkg/messageapi"
)

// TraceCandidate is one candidate model's evaluation inside a decision
// trace.
type TraceCandidate struct {
	Model          string  `json:"model"`
	AvailableSlots int     `json:"availableSlots"`
	EffectiveMax   int     `json:"effectiveMax"`
	CooldownMs     int64   `json:"cooldownMs,omitempty"`
	PenaltyHits    int     `json:"penaltyHits,omitempty"`
	Score          float64 `json:"score,omitempty"`
	DroppedContext bool    `json:"droppedContext,omitempty"`
	Attempted      bool    `json:"attempted,omitempty"`
}

// TraceInput summarizes the request the decision was made for.
type TraceInput struct {
	Model        string            `json:"model"`
	MaxTokens    int               `json:"maxTokens"`
	MessageCount int               `json:"messageCount"`
	SystemLength int               `json:"systemLength"`
	HasTools     bool              `json:"hasTools"`
	HasVision    bool              `json:"hasVision"`
	Messages     []json.RawMessage `json:"messages,omitempty"`
}

// TraceSelection records how candidates scored.
type TraceSelection struct {
	Tier       string           `json:"tier"`
	Strategy   string           `json:"strategy"`
	Candidates []TraceCandidate `json:"candidates"`
}

// Trace is the optional decision trace attached to a sampled decision and
// returned verbatim by the explain endpoint.
type Trace struct {
	Input          TraceInput     `json:"input"`
	ModelSelection TraceSelection `json:"modelSelection"`
	EstimatedTokens int           `json:"estimatedTokens"`
	Truncated      bool           `json:"_truncated,omitempty"`
	Warning        bool           `json:"_warning,omitempty"`
}

// newTraceInput builds the input section from parsed features.
func newTraceInput(f *messageapi.Features) TraceInput {
	return TraceInput{
		Model:        f.Model,
		MaxTokens:    f.MaxTokens,
		MessageCount: f.MessageCount,
		SystemLength: f.SystemLength,
		HasTools:     f.HasTools,
		HasVision:    f.HasVision,
	}
}

// capPayload enforces the configured payload ceiling. Over the limit,
// candidates are truncated to TraceMaxCandidates and messages to
// TraceMaxMessages and Truncated is set; if the re-encoded trace is still
// over, Warning is set too.
func (t *Trace) capPayload(maxBytes int) {
	if maxBytes <= 0 {
		return
	}
	if len(t.encode()) <= maxBytes {
		return
	}

	if len(t.ModelSelection.Candidates) > config.TraceMaxCandidates {
		t.ModelSelection.Candidates = t.ModelSelection.Candidates[:config.TraceMaxCandidates]
	}
	if len(t.Input.Messages) > config.TraceMaxMessages {
		t.Input.Messages = t.Input.Messages[:config.TraceMaxMessages]
	}
	t.Truncated = true

	if len(t.encode()) > maxBytes {
		t.Warning = true
	}
}

func (t *Trace) encode() []byte {
	data, err := json.Marshal(t)
	if err != nil {
		return nil
	}
	return data
}
