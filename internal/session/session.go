// Package session holds per-conversation state: chat history, the uploaded
// score and its parsed snapshots, the latest audio artifact, and the pending
// credit estimate. A Store entry is only ever touched under its per-session
// mutex, borrowed through [Store.WithSession].
package session

import (
	"encoding/json"
	"time"
)

// Role tags one chat history record.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	return r == RoleUser || r == RoleAssistant || r == RoleTool
}

// ChatRecord is one entry of the append-only history.
type ChatRecord struct {
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`

	// ToolCalls is set on assistant records that requested tool calls.
	// Replaying the history must reproduce them: chat backends reject a
	// tool result whose requesting assistant message is missing.
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`

	// Tool-result metadata, set on tool-role records.
	ToolName   string `json:"tool_name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCallRecord is one tool invocation requested by the assistant.
type ToolCallRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ScoreSnapshot is the parser's opaque JSON document plus a version counter
// incremented on every successful mutation. The document is immutable
// between mutations; Meta decodes the few fields the orchestrator's
// workflow guards need.
type ScoreSnapshot struct {
	Doc     json.RawMessage
	Version int
}

// ScoreMeta is the guard-relevant slice of a score document.
type ScoreMeta struct {
	SelectedVerse         int     `json:"selected_verse_number"`
	PreprocessedForVerse  *int    `json:"preprocessed_for_verse_number"`
	RequiresPreprocessing bool    `json:"requires_preprocessing"`
	Title                 string  `json:"title"`
	EstimatedTotalSeconds float64 `json:"estimated_total_seconds"`
}

// Meta decodes the guard fields. An undecodable document yields the zero
// meta; guards treat that as "no preprocessing info".
func (s *ScoreSnapshot) Meta() ScoreMeta {
	var m ScoreMeta
	if s == nil || len(s.Doc) == 0 {
		return m
	}
	_ = json.Unmarshal(s.Doc, &m)
	return m
}

// FileSlot holds the single uploaded score of a session. Replaced
// atomically on upload.
type FileSlot struct {
	// OriginalPath is the uploaded file inside the session scratch dir.
	OriginalPath string
	// Ext is ".xml" or ".mxl".
	Ext string

	Score       *ScoreSnapshot
	Transformed *ScoreSnapshot
}

// CurrentScore returns the transformed snapshot when a preprocess has
// produced one, else the parsed original.
func (f *FileSlot) CurrentScore() *ScoreSnapshot {
	if f == nil {
		return nil
	}
	if f.Transformed != nil {
		return f.Transformed
	}
	return f.Score
}

// AudioArtifact references the latest synthesis output.
type AudioArtifact struct {
	JobID string
	Path  string
	// MIME is audio/wav or audio/mpeg.
	MIME            string
	DurationSeconds float64
	CreatedAt       time.Time
}

// Estimate is the pending credit estimate attached by POST /credits/estimate
// or by the orchestrator's estimate step. The reserve path requires a fresh
// one.
type Estimate struct {
	Target           string
	EstimatedSeconds float64
	EstimatedCredits int
	At               time.Time
}

// Session is one conversation's state. All fields are guarded by the
// store's per-session mutex; never retain a *Session outside WithSession.
type Session struct {
	ID         string
	UserID     string
	CreatedAt  time.Time
	LastActive time.Time

	History         []ChatRecord
	File            *FileSlot
	Audio           *AudioArtifact
	PendingEstimate *Estimate

	// ActiveJobID is the at-most-one in-flight synthesis job.
	ActiveJobID string
}

// Append adds one record to the history. History is append-only; there is
// deliberately no removal API.
func (s *Session) Append(rec ChatRecord) {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	s.History = append(s.History, rec)
}

// HistoryTail returns up to n most recent records.
func (s *Session) HistoryTail(n int) []ChatRecord {
	if n <= 0 || len(s.History) <= n {
		return s.History
	}
	return s.History[len(s.History)-n:]
}
