package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cantoria/cantoria/internal/fault"
	"github.com/cantoria/cantoria/internal/session"
)

// guardPreprocessRequired and guardVerseChanged are the stable codes the
// workflow guards surface; the planner is prompted to resolve them by
// preprocessing or reparsing.
const (
	guardPreprocessRequired = "preprocessing_required_for_complex_score"
	guardVerseChanged       = "verse_change_requires_repreprocess"
)

// synthResult is the worker's final synthesize payload.
type synthResult struct {
	AudioPath     string  `json:"audio_path"`
	MIME          string  `json:"mime"`
	ActualSeconds float64 `json:"actual_seconds"`
}

// startSynthesis enforces the workflow guards and the estimate-confirm gate,
// reserves credits, creates the job, and spawns the background task. It
// never awaits the synthesis inline. callID is the planner's tool-call id;
// the turn ends on success, so the result record is written here.
func (o *Orchestrator) startSynthesis(ctx context.Context, sess *session.Session, callID string, args json.RawMessage) outcome {
	if sess.ActiveJobID != "" {
		if snap, ok := o.jobs.Get(sess.ActiveJobID); ok && !snap.State.Terminal() {
			return syntheticError(fault.ActionRequired,
				fmt.Sprintf("a synthesis job (%s) is already running for this session; wait for it to finish", sess.ActiveJobID))
		}
		sess.ActiveJobID = ""
	}

	score := sess.File.CurrentScore()
	if score == nil {
		return syntheticError(fault.ActionRequired, "no parsed score is available; ask the user to upload one and parse it first")
	}
	meta := score.Meta()

	// Guard: complex scores must have a derived part before synthesis.
	if meta.RequiresPreprocessing && sess.File.Transformed == nil {
		return syntheticError(fault.ActionRequired,
			guardPreprocessRequired+": run preprocess_voice_parts before synthesizing this score")
	}

	// Guard: a verse change after preprocessing invalidates the derived
	// part. Without a preprocess, a reparse for the new verse suffices and
	// is performed here.
	if verse, ok := requestedVerse(args); ok && verse != meta.SelectedVerse {
		if sess.File.Transformed != nil || meta.PreprocessedForVerse != nil {
			return syntheticError(fault.ActionRequired,
				fmt.Sprintf("%s: the score was preprocessed for verse %d; reparse and preprocess for verse %d first",
					guardVerseChanged, meta.SelectedVerse, verse))
		}
		if out := o.reparse(ctx, sess, verse); out != nil {
			return *out
		}
		meta = sess.File.CurrentScore().Meta()
	}

	// Estimate-confirm gate: without a fresh estimate, produce one and hand
	// the turn back so the model can ask the user.
	est := sess.PendingEstimate
	if est == nil || time.Since(est.At) > estimateFreshness {
		res, err := o.credits.Estimate(ctx, sess.UserID, meta.EstimatedTotalSeconds)
		if err != nil {
			return outcome{result: syntheticBody(fault.KindOf(err), fault.MessageOf(err)), fatal: err}
		}
		sess.PendingEstimate = &session.Estimate{
			EstimatedSeconds: res.EstimatedSeconds,
			EstimatedCredits: res.EstimatedCredits,
			At:               time.Now(),
		}
		return syntheticError(fault.ActionRequired, fmt.Sprintf(
			"estimate_confirmation_required: synthesis will produce about %.0f seconds of audio and cost %d credits (%d available, %d afterwards). Confirm with the user, then call synthesize again.",
			res.EstimatedSeconds, res.EstimatedCredits, res.Available, res.Projected))
	}

	snap := o.jobs.Create(sess.ID, sess.UserID, "")
	if _, err := o.credits.Reserve(ctx, sess.UserID, snap.ID, est.EstimatedCredits); err != nil {
		o.jobs.Cancel(snap.ID, "reservation_failed")
		o.jobs.Remove(snap.ID)
		return o.classify(err)
	}

	sess.ActiveJobID = snap.ID
	sess.PendingEstimate = nil
	sess.Append(session.ChatRecord{
		Role:       session.RoleTool,
		Content:    fmt.Sprintf(`{"status":"started","job_id":%q}`, snap.ID),
		ToolName:   synthesizeTool,
		ToolCallID: callID,
	})
	sess.Append(session.ChatRecord{
		Role:    session.RoleAssistant,
		Content: fmt.Sprintf("Synthesis started (job %s).", snap.ID),
	})

	o.wg.Add(1)
	go o.runSynthesis(snap.ID, sess.ID, sess.UserID, withJobID(args, snap.ID), snap.Deadline)

	env := Envelope{
		Type:        EnvelopeProgress,
		Message:     "Synthesis started. I'll have your audio shortly.",
		JobID:       snap.ID,
		ProgressURL: progressURL(sess.ID, snap.ID),
		CurrentScore: func() json.RawMessage {
			if s := sess.File.CurrentScore(); s != nil {
				return s.Doc
			}
			return nil
		}(),
	}
	return outcome{envelope: &env}
}

// reparse refreshes the score snapshot for a different verse. Returns a
// non-nil outcome on failure.
func (o *Orchestrator) reparse(ctx context.Context, sess *session.Session, verse int) *outcome {
	if sess.File == nil || sess.File.OriginalPath == "" {
		out := syntheticError(fault.ActionRequired, "the original score file is no longer available; ask the user to upload it again")
		return &out
	}
	params, _ := json.Marshal(map[string]any{
		"path":                  sess.File.OriginalPath,
		"selected_verse_number": verse,
	})
	raw, err := o.router.Call(ctx, "parse_score", params)
	if err != nil {
		out := o.classify(err)
		return &out
	}
	o.applyResult(sess, "parse_score", raw)
	return nil
}

// runSynthesis is the background task for one job: it awaits the worker
// call, then settles or releases the reservation and finalises the job
// state. Progress arrives separately via job/progress notifications.
func (o *Orchestrator) runSynthesis(jobID, sessionID, userID string, args json.RawMessage, deadline time.Time) {
	defer o.wg.Done()

	logger := o.logger.With("job_id", jobID, "session_id", sessionID)

	ctx, cancel := context.WithDeadline(context.Background(), deadline.Add(5*time.Second))
	defer cancel()
	go func() {
		select {
		case <-o.jobs.CancelSignal(jobID):
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := o.jobs.Start(jobID); err != nil {
		// Cancelled before it ever ran.
		o.releaseReservation(userID, jobID, logger)
		o.clearActiveJob(sessionID, jobID)
		return
	}

	// Materialize the requested voicebank before the worker needs it.
	// Concurrent first-use of the same voicebank shares one download.
	vbPath, err := o.ensureVoicebank(ctx, args)
	if err != nil {
		if err := o.jobs.Fail(jobID, err); err != nil {
			logger.Warn("job already terminal on failure", "err", err)
		}
		o.releaseReservation(userID, jobID, logger)
		o.clearActiveJob(sessionID, jobID)
		o.recordJobOutcome(jobID)
		logger.Warn("voicebank unavailable", "err", err)
		return
	}
	if vbPath != "" {
		args = withArg(args, "voicebank_path", vbPath)
	}

	raw, err := o.router.Call(ctx, synthesizeTool, args)
	if err != nil {
		if o.jobs.Cancelled(jobID) || fault.KindOf(err) == fault.Cancelled {
			o.jobs.Cancel(jobID, "cancelled")
		} else if err := o.jobs.Fail(jobID, err); err != nil {
			logger.Warn("job already terminal on failure", "err", err)
		}
		o.releaseReservation(userID, jobID, logger)
		o.clearActiveJob(sessionID, jobID)
		o.recordJobOutcome(jobID)
		logger.Warn("synthesis failed", "err", err)
		return
	}

	var res synthResult
	if err := json.Unmarshal(raw, &res); err != nil || res.AudioPath == "" {
		err := fault.New(fault.Internal, "worker returned an unusable synthesis result")
		_ = o.jobs.Fail(jobID, err)
		o.releaseReservation(userID, jobID, logger)
		o.clearActiveJob(sessionID, jobID)
		o.recordJobOutcome(jobID)
		return
	}
	if res.MIME == "" {
		res.MIME = "audio/wav"
	}

	if err := o.jobs.Complete(jobID, res.AudioPath, res.MIME); err != nil {
		// Raced a cancel; the audio is orphaned but the hold must go back.
		o.releaseReservation(userID, jobID, logger)
		o.clearActiveJob(sessionID, jobID)
		o.recordJobOutcome(jobID)
		return
	}

	if _, err := o.credits.Settle(context.Background(), userID, jobID, res.ActualSeconds); err != nil {
		logger.Error("settle failed after completed synthesis", "err", err)
	}
	o.recordJobOutcome(jobID)

	artifact := &session.AudioArtifact{
		JobID:           jobID,
		Path:            res.AudioPath,
		MIME:            res.MIME,
		DurationSeconds: res.ActualSeconds,
		CreatedAt:       time.Now(),
	}
	if err := o.sessions.WithSession(context.Background(), sessionID, func(sess *session.Session) error {
		sess.Audio = artifact
		if sess.ActiveJobID == jobID {
			sess.ActiveJobID = ""
		}
		return nil
	}); err != nil {
		logger.Warn("session gone before synthesis finished", "err", err)
	}

	logger.Info("synthesis complete", "audio_path", res.AudioPath, "actual_seconds", res.ActualSeconds)
}

func (o *Orchestrator) releaseReservation(userID, jobID string, logger *slog.Logger) {
	if err := o.credits.Release(context.Background(), userID, jobID); err != nil {
		logger.Error("release failed", "err", err)
	}
}

// clearActiveJob detaches a finished job from its session.
func (o *Orchestrator) clearActiveJob(sessionID, jobID string) {
	_ = o.sessions.WithSession(context.Background(), sessionID, func(sess *session.Session) error {
		if sess.ActiveJobID == jobID {
			sess.ActiveJobID = ""
		}
		return nil
	})
}

func (o *Orchestrator) recordJobOutcome(jobID string) {
	if o.recorder == nil {
		return
	}
	if snap, ok := o.jobs.Get(jobID); ok {
		o.recorder.RecordJob(context.Background(), string(snap.State))
	}
}

// requestedVerse extracts the verse argument of a synthesize call.
func requestedVerse(args json.RawMessage) (int, bool) {
	var v struct {
		Verse *int `json:"verse_number"`
	}
	if err := json.Unmarshal(args, &v); err != nil || v.Verse == nil {
		return 0, false
	}
	return *v.Verse, true
}

// ensureVoicebank materializes the voicebank named in the synthesize
// arguments. Returns its local path, or "" when no cache is attached or the
// arguments name none.
func (o *Orchestrator) ensureVoicebank(ctx context.Context, args json.RawMessage) (string, error) {
	if o.voicebanks == nil {
		return "", nil
	}
	var a struct {
		Voicebank string `json:"voicebank"`
	}
	if err := json.Unmarshal(args, &a); err != nil || a.Voicebank == "" {
		return "", nil
	}
	return o.voicebanks.Ensure(ctx, a.Voicebank)
}

// withJobID stamps the job id into the tool arguments so the worker can tag
// its job/progress notifications.
func withJobID(args json.RawMessage, jobID string) json.RawMessage {
	return withArg(args, "job_id", jobID)
}

// withArg returns args with one extra top-level field set.
func withArg(args json.RawMessage, key string, value any) json.RawMessage {
	var m map[string]any
	if err := json.Unmarshal(args, &m); err != nil || m == nil {
		m = make(map[string]any)
	}
	m[key] = value
	out, err := json.Marshal(m)
	if err != nil {
		return args
	}
	return out
}
