// Package orchestrator runs one chat turn at a time per session: it feeds
// the conversation to the planner model, validates and dispatches the tool
// calls the model emits, enforces the synthesis workflow guards, and spawns
// the background synthesis task once the user has confirmed a credit
// estimate. The loop is bounded; a model that never produces a final text
// gets cut off with an apology.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/cantoria/cantoria/internal/credit"
	"github.com/cantoria/cantoria/internal/fault"
	"github.com/cantoria/cantoria/internal/job"
	"github.com/cantoria/cantoria/internal/session"
	"github.com/cantoria/cantoria/internal/tool"
	"github.com/cantoria/cantoria/internal/voicebank"
	"github.com/cantoria/cantoria/internal/worker"
	"github.com/cantoria/cantoria/pkg/provider/llm"
)

const (
	// defaultMaxIterations bounds the planner loop within one turn.
	defaultMaxIterations = 8

	// defaultTurnTimeout is the wall-clock budget for a non-synthesis
	// turn. Synthesis itself runs in the background under the job
	// deadline instead.
	defaultTurnTimeout = 60 * time.Second

	// defaultTokenBudget bounds the history tail handed to the model.
	defaultTokenBudget = 6000

	// maxHistoryRecords caps the tail before token counting; keeps
	// CountTokens cheap on long sessions.
	maxHistoryRecords = 64

	// estimateFreshness is how long a confirmed-pending estimate stays
	// usable for a reserve.
	estimateFreshness = 10 * time.Minute
)

// synthesizeTool is the one long-running tool; it is never awaited inline.
const synthesizeTool = "synthesize"

const basePrompt = `You are Cantoria, an assistant that turns uploaded sheet music into synthesized singing.
You operate the synthesis pipeline through the tools provided. Typical flow:
parse the uploaded score, preprocess voice parts when the score requires it,
estimate credits, get the user's confirmation, then synthesize.
Synthesis costs credits (1 credit per 30 seconds of audio, rounded up).
Never start a synthesis before the user has confirmed the estimated cost.
Keep replies short and conversational.`

// cappedReply is returned when the iteration budget runs out.
const cappedReply = "Sorry, I couldn't finish that request in one go. Tell me to continue and I'll pick up where I left off."

// Recorder is the metrics surface the orchestrator uses. Satisfied by
// observe.Metrics; nil disables metric recording.
type Recorder interface {
	RecordLLM(ctx context.Context, duration time.Duration, status string)
	RecordJob(ctx context.Context, state string)
}

// Orchestrator coordinates the planner model, the tool router, and the
// session, job, and credit state for chat turns.
type Orchestrator struct {
	provider   llm.Provider
	router     *tool.Router
	sessions   *session.Store
	jobs       *job.Registry
	credits    *credit.Ledger
	voicebanks *voicebank.Cache
	logger     *slog.Logger
	recorder   Recorder

	maxIterations int
	turnTimeout   time.Duration
	tokenBudget   int
	temperature   float64
	maxTokens     int

	schemaMu sync.Mutex
	schemas  map[string]*jsonschema.Schema

	wg sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxIterations overrides the planner loop bound.
func WithMaxIterations(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxIterations = n
		}
	}
}

// WithTurnTimeout overrides the per-turn deadline.
func WithTurnTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.turnTimeout = d
		}
	}
}

// WithTokenBudget overrides the history token budget.
func WithTokenBudget(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.tokenBudget = n
		}
	}
}

// WithSampling sets the model temperature and completion cap.
func WithSampling(temperature float64, maxTokens int) Option {
	return func(o *Orchestrator) {
		o.temperature = temperature
		o.maxTokens = maxTokens
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithVoicebanks attaches the local voicebank cache; the requested voicebank
// is materialized from the object store before each synthesis dispatch.
func WithVoicebanks(c *voicebank.Cache) Option {
	return func(o *Orchestrator) { o.voicebanks = c }
}

// New creates an Orchestrator over the given collaborators.
func New(provider llm.Provider, router *tool.Router, sessions *session.Store, jobs *job.Registry, credits *credit.Ledger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		provider:      provider,
		router:        router,
		sessions:      sessions,
		jobs:          jobs,
		credits:       credits,
		logger:        slog.Default().With("component", "orchestrator"),
		maxIterations: defaultMaxIterations,
		turnTimeout:   defaultTurnTimeout,
		tokenBudget:   defaultTokenBudget,
		schemas:       make(map[string]*jsonschema.Schema),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Wait blocks until all background synthesis tasks have finished. Used on
// shutdown and in tests.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Chat runs one turn: append the user message, loop the planner against the
// tool router, and produce exactly one envelope. The session mutex is held
// for the whole turn; a spawned synthesis task re-acquires it on completion.
func (o *Orchestrator) Chat(ctx context.Context, sessionID, message string) (Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, o.turnTimeout)
	defer cancel()

	var env Envelope
	err := o.sessions.WithSession(ctx, sessionID, func(sess *session.Session) error {
		var err error
		env, err = o.turn(ctx, sess, message)
		return err
	})
	return env, err
}

// outcome is the result of executing one tool call.
type outcome struct {
	// result is the tool output (or synthetic error document) fed back to
	// the model.
	result string

	// envelope short-circuits the turn (synthesis spawned).
	envelope *Envelope

	// fatal surfaces the turn as chat_error; the model cannot repair it.
	fatal error
}

func (o *Orchestrator) turn(ctx context.Context, sess *session.Session, message string) (Envelope, error) {
	lastAssistant := lastAssistantAt(sess)
	sess.Append(session.ChatRecord{Role: session.RoleUser, Content: message})

	tools := toolDefinitions(o.router.Catalog())
	msgs := o.buildMessages(sess)

	for iter := 0; iter < o.maxIterations; iter++ {
		req := llm.CompletionRequest{
			SystemPrompt: o.systemPrompt(ctx, sess),
			Messages:     msgs,
			Tools:        tools,
			Temperature:  o.temperature,
			MaxTokens:    o.maxTokens,
		}

		start := time.Now()
		resp, err := o.provider.Complete(ctx, req)
		o.recordLLM(ctx, time.Since(start), err)
		if err != nil {
			return Envelope{}, fault.Wrap(fault.Internal, err, "planner unavailable")
		}

		if len(resp.ToolCalls) == 0 {
			sess.Append(session.ChatRecord{Role: session.RoleAssistant, Content: resp.Content})
			return o.finalEnvelope(sess, resp.Content, lastAssistant), nil
		}

		msgs = append(msgs, llm.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		// The requesting assistant message must be replayable on later
		// turns or the persisted tool results become orphans.
		sess.Append(session.ChatRecord{
			Role:      session.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: toolCallRecords(resp.ToolCalls),
		})

		for _, tc := range resp.ToolCalls {
			out := o.execute(ctx, sess, tc)
			if out.envelope != nil {
				return *out.envelope, nil
			}
			msgs = append(msgs, llm.Message{
				Role:       "tool",
				Content:    out.result,
				ToolCallID: tc.ID,
			})
			sess.Append(session.ChatRecord{
				Role:       session.RoleTool,
				Content:    out.result,
				ToolName:   tc.Name,
				ToolCallID: tc.ID,
			})
			if out.fatal != nil {
				return errorEnvelope(out.fatal), nil
			}
		}
	}

	o.logger.Warn("iteration cap reached", "session_id", sess.ID, "max", o.maxIterations)
	sess.Append(session.ChatRecord{Role: session.RoleAssistant, Content: cappedReply})
	return Envelope{Type: EnvelopeText, Message: cappedReply}, nil
}

// execute runs one tool call from the model. Repairable failures become
// synthetic tool results so the model can adjust; everything else is fatal
// for the turn.
func (o *Orchestrator) execute(ctx context.Context, sess *session.Session, tc llm.ToolCall) outcome {
	if !o.router.Exposed(tc.Name) {
		return syntheticError(fault.ToolNotAllowed, fmt.Sprintf("tool %q is not available", tc.Name))
	}

	args := json.RawMessage(tc.Arguments)
	if len(strings.TrimSpace(tc.Arguments)) == 0 {
		args = json.RawMessage("{}")
	}
	if err := o.validateArgs(tc.Name, args); err != nil {
		return syntheticError(fault.InvalidInput, err.Error())
	}

	if tc.Name == synthesizeTool {
		return o.startSynthesis(ctx, sess, tc.ID, args)
	}

	raw, err := o.router.Call(ctx, tc.Name, args)
	if err != nil {
		return o.classify(err)
	}

	o.applyResult(sess, tc.Name, raw)
	return outcome{result: string(raw)}
}

// classify decides whether a tool failure is fed back to the model or
// surfaced to the user.
func (o *Orchestrator) classify(err error) outcome {
	switch fault.KindOf(err) {
	case fault.ToolNotAllowed, fault.InvalidInput, fault.ActionRequired, fault.InsufficientCredits:
		return syntheticError(fault.KindOf(err), fault.MessageOf(err))
	default:
		return outcome{result: syntheticBody(fault.KindOf(err), fault.MessageOf(err)), fatal: err}
	}
}

// applyResult folds side-effectful tool outputs back into the session.
func (o *Orchestrator) applyResult(sess *session.Session, name string, raw json.RawMessage) {
	switch name {
	case "parse_score":
		doc := scoreDocument(raw)
		if doc == nil {
			return
		}
		version := 1
		if sess.File != nil && sess.File.Score != nil {
			version = sess.File.Score.Version + 1
		}
		if sess.File == nil {
			sess.File = &session.FileSlot{}
		}
		sess.File.Score = &session.ScoreSnapshot{Doc: doc, Version: version}
		// A reparse invalidates any earlier preprocessing output.
		sess.File.Transformed = nil

	case "preprocess_voice_parts":
		doc := scoreDocument(raw)
		if doc == nil || sess.File == nil {
			return
		}
		version := 1
		if sess.File.Transformed != nil {
			version = sess.File.Transformed.Version + 1
		}
		sess.File.Transformed = &session.ScoreSnapshot{Doc: doc, Version: version}

	case "estimate_credits":
		var est struct {
			Target           string  `json:"target"`
			EstimatedSeconds float64 `json:"estimated_seconds"`
			EstimatedCredits int     `json:"estimated_credits"`
		}
		if err := json.Unmarshal(raw, &est); err != nil || est.EstimatedCredits <= 0 {
			return
		}
		sess.PendingEstimate = &session.Estimate{
			Target:           est.Target,
			EstimatedSeconds: est.EstimatedSeconds,
			EstimatedCredits: est.EstimatedCredits,
			At:               time.Now(),
		}
	}
}

// scoreDocument extracts the score payload from a parser/preprocessor
// result. Workers wrap it in {"score": ...}; a bare document is accepted too.
func scoreDocument(raw json.RawMessage) json.RawMessage {
	var wrapper struct {
		Score json.RawMessage `json:"score"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && len(wrapper.Score) > 0 {
		return wrapper.Score
	}
	if json.Valid(raw) {
		return raw
	}
	return nil
}

// validateArgs checks args against the schema the worker reported for name.
// Tools without a reported schema pass unchecked.
func (o *Orchestrator) validateArgs(name string, args json.RawMessage) error {
	sch, err := o.schemaFor(name)
	if err != nil {
		return err
	}
	if sch == nil {
		return nil
	}
	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return fmt.Errorf("arguments for %s are not valid JSON: %w", name, err)
	}
	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("arguments for %s failed validation: %w", name, err)
	}
	return nil
}

// schemaFor compiles and caches the input schema for a tool. Cache entries
// never go stale: the worker pool fails closed if a restarted worker changes
// its tool surface.
func (o *Orchestrator) schemaFor(name string) (*jsonschema.Schema, error) {
	o.schemaMu.Lock()
	defer o.schemaMu.Unlock()

	if sch, ok := o.schemas[name]; ok {
		return sch, nil
	}
	raw, ok := o.router.Schema(name)
	if !ok || len(raw) == 0 {
		o.schemas[name] = nil
		return nil, nil
	}
	sch, err := jsonschema.CompileString(name+".schema.json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("tool %s reported an uncompilable schema: %w", name, err)
	}
	o.schemas[name] = sch
	return sch, nil
}

// buildMessages converts the history tail into planner messages, trimming
// the oldest entries until the token budget holds. Tool-call pairing is kept
// intact: an assistant record only replays the calls whose results are in
// the tail, and tool results left without their requesting assistant message
// by truncation are dropped.
func (o *Orchestrator) buildMessages(sess *session.Session) []llm.Message {
	records := sess.HistoryTail(maxHistoryRecords)

	answered := make(map[string]bool)
	for _, rec := range records {
		if rec.Role == session.RoleTool && rec.ToolCallID != "" {
			answered[rec.ToolCallID] = true
		}
	}

	carried := make(map[string]bool)
	msgs := make([]llm.Message, 0, len(records))
	for _, rec := range records {
		if rec.Role == session.RoleTool && rec.ToolCallID != "" && !carried[rec.ToolCallID] {
			continue
		}
		msg := llm.Message{
			Role:       string(rec.Role),
			Content:    rec.Content,
			ToolCallID: rec.ToolCallID,
		}
		for _, tc := range rec.ToolCalls {
			if !answered[tc.ID] {
				continue
			}
			carried[tc.ID] = true
			msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
		}
		msgs = append(msgs, msg)
	}

	for len(msgs) > 1 {
		n, err := o.provider.CountTokens(msgs)
		if err != nil || n <= o.tokenBudget {
			break
		}
		msgs = msgs[1:]
	}
	// Budget trimming can cut between an assistant tool-call message and
	// its results.
	for len(msgs) > 0 && msgs[0].Role == string(session.RoleTool) {
		msgs = msgs[1:]
	}
	return msgs
}

// toolCallRecords converts planner tool calls into history records.
func toolCallRecords(calls []llm.ToolCall) []session.ToolCallRecord {
	out := make([]session.ToolCallRecord, 0, len(calls))
	for _, tc := range calls {
		out = append(out, session.ToolCallRecord{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
	}
	return out
}

// systemPrompt is the base prompt plus the session facts the model needs to
// plan: score summary, preprocessing state, credit snapshot, pending
// estimate.
func (o *Orchestrator) systemPrompt(ctx context.Context, sess *session.Session) string {
	var sb strings.Builder
	sb.WriteString(basePrompt)

	if score := sess.File.CurrentScore(); score != nil {
		meta := score.Meta()
		fmt.Fprintf(&sb, "\n\nCurrent score: %q, selected verse %d, about %.0f seconds of audio.",
			meta.Title, meta.SelectedVerse, meta.EstimatedTotalSeconds)
		if meta.RequiresPreprocessing {
			if sess.File.Transformed != nil {
				sb.WriteString(" The score required preprocessing and a derived part is ready.")
			} else {
				sb.WriteString(" The score requires preprocessing before it can be synthesized.")
			}
		}
	} else {
		sb.WriteString("\n\nNo score has been uploaded yet.")
	}

	if acct, err := o.credits.AccountFor(ctx, sess.UserID); err == nil {
		fmt.Fprintf(&sb, "\nCredits: %d available (balance %d, reserved %d).",
			acct.Available(), acct.Balance, acct.Reserved)
		if acct.Overdrafted {
			sb.WriteString(" The account is overdrafted; synthesis is locked until credits are added.")
		}
	}

	if est := sess.PendingEstimate; est != nil {
		fmt.Fprintf(&sb, "\nPending estimate: %d credits for about %.0f seconds; awaiting the user's confirmation.",
			est.EstimatedCredits, est.EstimatedSeconds)
	}

	if sess.ActiveJobID != "" {
		fmt.Fprintf(&sb, "\nA synthesis job (%s) is currently running.", sess.ActiveJobID)
	}

	return sb.String()
}

// finalEnvelope wraps a final text reply. If a synthesis finished since the
// previous assistant reply, the envelope carries the audio reference.
func (o *Orchestrator) finalEnvelope(sess *session.Session, text string, lastAssistant time.Time) Envelope {
	env := Envelope{Type: EnvelopeText, Message: text}
	if score := sess.File.CurrentScore(); score != nil {
		env.CurrentScore = score.Doc
	}
	if sess.Audio != nil && sess.Audio.CreatedAt.After(lastAssistant) {
		env.Type = EnvelopeAudio
		env.AudioURL = audioURL(sess.ID, sess.Audio.JobID)
		env.JobID = sess.Audio.JobID
	}
	return env
}

func errorEnvelope(err error) Envelope {
	return Envelope{
		Type:    EnvelopeError,
		Message: fault.MessageOf(err),
		Code:    string(fault.KindOf(err)),
	}
}

// syntheticError packages a repairable failure as a tool result document.
func syntheticError(kind fault.Kind, message string) outcome {
	return outcome{result: syntheticBody(kind, message)}
}

func syntheticBody(kind fault.Kind, message string) string {
	body, _ := json.Marshal(map[string]any{
		"error": map[string]string{
			"kind":    string(kind),
			"message": message,
		},
	})
	return string(body)
}

func lastAssistantAt(sess *session.Session) time.Time {
	for i := len(sess.History) - 1; i >= 0; i-- {
		if sess.History[i].Role == session.RoleAssistant {
			return sess.History[i].At
		}
	}
	return time.Time{}
}

// toolDefinitions converts the router catalogue into planner tool
// definitions.
func toolDefinitions(catalog []worker.ToolInfo) []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(catalog))
	for _, info := range catalog {
		var params map[string]any
		if len(info.InputSchema) > 0 {
			_ = json.Unmarshal(info.InputSchema, &params)
		}
		defs = append(defs, llm.ToolDefinition{
			Name:        info.Name,
			Description: info.Description,
			Parameters:  params,
		})
	}
	return defs
}

func (o *Orchestrator) recordLLM(ctx context.Context, d time.Duration, err error) {
	if o.recorder == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	o.recorder.RecordLLM(ctx, d, status)
}

func progressURL(sessionID, jobID string) string {
	return fmt.Sprintf("/sessions/%s/progress?job=%s", sessionID, jobID)
}

func audioURL(sessionID, jobID string) string {
	return fmt.Sprintf("/sessions/%s/audio?job=%s", sessionID, jobID)
}
