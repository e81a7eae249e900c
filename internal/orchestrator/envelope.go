package orchestrator

import "encoding/json"

// EnvelopeType tags a chat reply.
type EnvelopeType string

const (
	// EnvelopeText is a plain assistant reply.
	EnvelopeText EnvelopeType = "chat_text"

	// EnvelopeAudio is a reply accompanied by a finished audio artefact.
	EnvelopeAudio EnvelopeType = "chat_audio"

	// EnvelopeProgress is returned when a turn spawned a background
	// synthesis job; the client polls ProgressURL.
	EnvelopeProgress EnvelopeType = "chat_progress"

	// EnvelopeError is a surfaced failure with a typed code in Code.
	EnvelopeError EnvelopeType = "chat_error"
)

// Envelope is the single chat response shape. Which optional fields are set
// depends on Type.
type Envelope struct {
	Type    EnvelopeType `json:"type"`
	Message string       `json:"message"`

	// Code carries the fault kind on chat_error envelopes.
	Code string `json:"code,omitempty"`

	AudioURL    string `json:"audio_url,omitempty"`
	ProgressURL string `json:"progress_url,omitempty"`
	JobID       string `json:"job_id,omitempty"`

	// CurrentScore is the latest score document, when one exists.
	CurrentScore json.RawMessage `json:"current_score,omitempty"`
}
