// Package models defines the wire types exchanged with clients and
// the moderation and primary providers.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ContentPart is one element of a multi-part message content array,
// e.g. {"type":"text","text":"..."} or {"type":"image_url","image_url":{...}}.
type ContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL json.RawMessage `json:"image_url,omitempty"`
}

// Content holds a message's content, which arrives either as a plain
// JSON string or as an ordered list of parts.
type Content struct {
	Text  string
	Parts []ContentPart
}

// UnmarshalJSON accepts either a JSON string or a JSON array of parts.
func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] == '"' {
		return json.Unmarshal(trimmed, &c.Text)
	}
	if trimmed[0] == '[' {
		return json.Unmarshal(trimmed, &c.Parts)
	}
	return fmt.Errorf("models: content must be a string or an array of parts, got %q", trimmed[:1])
}

// MarshalJSON round-trips whichever form was parsed.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// IsParts reports whether the content arrived as a multi-part array.
func (c Content) IsParts() bool { return c.Parts != nil }

// Message represents a single chat message in the conversation.
type Message struct {
	Role    string  `json:"role" binding:"required,oneof=system user assistant tool"`
	Content Content `json:"content" binding:"required"`
}

// Tool is a function-calling tool definition passed through verbatim.
type Tool struct {
	Type     string          `json:"type"`
	Function json.RawMessage `json:"function"`
}

// ChatCompletionRequest is the incoming OpenAI-compatible chat request.
type ChatCompletionRequest struct {
	Model          string          `json:"model" binding:"required"`
	Messages       []Message       `json:"messages" binding:"required,min=1,dive"`
	Stream         bool            `json:"stream,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat json.RawMessage `json:"response_format,omitempty"`
	Tools          []Tool          `json:"tools,omitempty"`
}

// ImageGenerationRequest is the incoming image generation request.
type ImageGenerationRequest struct {
	Prompt string `json:"prompt" binding:"required"`
	N      int    `json:"n,omitempty"`
	Size   string `json:"size,omitempty" binding:"omitempty,oneof=256x256 512x512 1024x1024"`
}

// AudioTranscriptionRequest is the incoming transcription request.
type AudioTranscriptionRequest struct {
	Audio    string `json:"audio" binding:"required"`
	Model    string `json:"model" binding:"required"`
	Language string `json:"language,omitempty"`
}

// Attempt records one retry attempt against the primary provider.
type Attempt struct {
	AttemptNumber int    `json:"attempt_number"`
	StartedAtUnix int64  `json:"started_at_unix"`
	EndedAtUnix   int64  `json:"ended_at_unix"`
	Status        string `json:"status"` // "success", "failed"
	ErrorCode     string `json:"error_code,omitempty"`
	LatencyMs     int64  `json:"latency_ms"`
}
