package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/cantoria/cantoria/internal/fault"
	"github.com/cantoria/cantoria/internal/job"
	"github.com/cantoria/cantoria/internal/session"
)

// allowedUploadExts is the accepted score file extension set.
var allowedUploadExts = map[string]bool{".xml": true, ".mxl": true}

// handleCreateSession creates a session for the authenticated user.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Create(userID(r))
	if err != nil {
		s.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": sess.ID})
}

// borrow runs fn under the session mutex after checking the session belongs
// to the requesting user. Foreign sessions look like missing ones.
func (s *Server) borrow(r *http.Request, fn func(sess *session.Session) error) error {
	id := mux.Vars(r)["id"]
	uid := userID(r)
	return s.sessions.WithSession(r.Context(), id, func(sess *session.Session) error {
		if sess.UserID != uid {
			return session.ErrNotFound
		}
		return fn(sess)
	})
}

// handleUpload accepts one multipart score file, stores it in the session
// scratch directory, parses it, and records the snapshot.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, string(fault.InvalidInput),
				fmt.Sprintf("upload exceeds the %d MiB limit", maxUploadBytes>>20))
			return
		}
		writeError(w, http.StatusBadRequest, string(fault.InvalidInput), "malformed multipart body")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, string(fault.InvalidInput), `multipart field "file" is required`)
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !allowedUploadExts[ext] {
		writeError(w, http.StatusBadRequest, string(fault.InvalidInput),
			fmt.Sprintf("unsupported file type %q; upload .xml or .mxl", ext))
		return
	}

	var summary session.ScoreMeta
	err = s.borrow(r, func(sess *session.Session) error {
		dir := s.sessions.ScratchDir(sess.UserID, sess.ID)
		dst := filepath.Join(dir, "input"+ext)
		out, err := os.Create(dst)
		if err != nil {
			return fault.Wrap(fault.Internal, err, "cannot store upload")
		}
		if _, err := io.Copy(out, file); err != nil {
			out.Close()
			return fault.Wrap(fault.Internal, err, "cannot store upload")
		}
		if err := out.Close(); err != nil {
			return fault.Wrap(fault.Internal, err, "cannot store upload")
		}

		params, _ := json.Marshal(map[string]string{"path": dst})
		raw, err := s.tools.Call(r.Context(), "parse_score", params)
		if err != nil {
			return err
		}

		doc := raw
		var wrapper struct {
			Score json.RawMessage `json:"score"`
		}
		if err := json.Unmarshal(raw, &wrapper); err == nil && len(wrapper.Score) > 0 {
			doc = wrapper.Score
		}

		version := 1
		if sess.File != nil && sess.File.Score != nil {
			version = sess.File.Score.Version + 1
		}
		sess.File = &session.FileSlot{
			OriginalPath: dst,
			Ext:          ext,
			Score:        &session.ScoreSnapshot{Doc: doc, Version: version},
		}
		summary = sess.File.Score.Meta()
		return nil
	})
	if err != nil {
		s.writeFault(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":    mux.Vars(r)["id"],
		"parsed":        true,
		"score_summary": summary,
	})
}

// handleChat runs one orchestrator turn and returns its envelope.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Message) == "" {
		writeError(w, http.StatusBadRequest, string(fault.InvalidInput), "body must be {\"message\": ...}")
		return
	}

	// Ownership check up front; Chat acquires the mutex itself.
	if err := s.borrow(r, func(*session.Session) error { return nil }); err != nil {
		s.writeFault(w, err)
		return
	}

	env, err := s.chat.Chat(r.Context(), mux.Vars(r)["id"], body.Message)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

// handleScore serves the current score: the preprocessed document once a
// preprocess has produced one, else the uploaded MusicXML file.
func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	var path, ext string
	var transformed json.RawMessage
	err := s.borrow(r, func(sess *session.Session) error {
		if sess.File == nil || sess.File.OriginalPath == "" {
			return fault.New(fault.InvalidInput, "no score uploaded for this session")
		}
		path, ext = sess.File.OriginalPath, sess.File.Ext
		if sess.File.Transformed != nil {
			transformed = sess.File.Transformed.Doc
		}
		return nil
	})
	if err != nil {
		s.writeFault(w, err)
		return
	}

	if len(transformed) > 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(transformed)
		return
	}

	if ext == ".mxl" {
		w.Header().Set("Content-Type", "application/vnd.recordare.musicxml")
	} else {
		w.Header().Set("Content-Type", "application/vnd.recordare.musicxml+xml")
	}
	http.ServeFile(w, r, path)
}

// progressResponse is the poll shape for a synthesis job.
type progressResponse struct {
	Status   string  `json:"status"`
	Step     string  `json:"step"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message,omitempty"`
	AudioURL string  `json:"audio_url,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// jobForRequest resolves the job query parameter, enforcing that the job
// belongs to the named session (and the session to the user).
func (s *Server) jobForRequest(r *http.Request) (job.Snapshot, error) {
	jobID := r.URL.Query().Get("job")
	if jobID == "" {
		return job.Snapshot{}, fault.New(fault.InvalidInput, "query parameter job is required")
	}
	if err := s.borrow(r, func(*session.Session) error { return nil }); err != nil {
		return job.Snapshot{}, err
	}
	snap, ok := s.jobs.Get(jobID)
	if !ok || snap.SessionID != mux.Vars(r)["id"] {
		return job.Snapshot{}, fault.Newf(fault.InvalidInput, "unknown job %q", jobID)
	}
	return snap, nil
}

// handleProgress snapshots a job. A pure read: no state advances.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	snap, err := s.jobForRequest(r)
	if err != nil {
		s.writeFault(w, err)
		return
	}

	resp := progressResponse{
		Status:   string(snap.State),
		Step:     snap.Step,
		Progress: snap.Progress,
		Message:  snap.Message,
	}
	switch snap.State {
	case job.StateDone:
		resp.AudioURL = fmt.Sprintf("/sessions/%s/audio?job=%s", snap.SessionID, snap.ID)
	case job.StateError:
		resp.Error = snap.ErrMessage
	case job.StateCancelled:
		resp.Error = snap.CancelReason
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAudio streams the final artefact. Range requests are honoured via
// http.ServeContent; the job id doubles as a strong ETag since artefacts
// are immutable.
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	snap, err := s.jobForRequest(r)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	if snap.State != job.StateDone || snap.OutputPath == "" {
		writeError(w, http.StatusConflict, string(fault.ActionRequired),
			fmt.Sprintf("job is %s; audio is only available once done", snap.State))
		return
	}

	f, err := os.Open(snap.OutputPath)
	if err != nil {
		s.writeFault(w, fault.Wrap(fault.Internal, err, "audio artefact unavailable"))
		return
	}
	defer f.Close()

	mime := snap.OutputMIME
	if mime == "" {
		mime = "audio/wav"
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("ETag", `"`+snap.ID+`"`)
	http.ServeContent(w, r, "", modTime(f), f)
}

func modTime(f *os.File) (t time.Time) {
	if info, err := f.Stat(); err == nil {
		t = info.ModTime()
	}
	return t
}

// handleEstimate is the pure estimate endpoint; the result is persisted on
// the session so a follow-up synthesize can reserve against it.
func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"session_id"`
		Target    string `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.SessionID == "" {
		writeError(w, http.StatusBadRequest, string(fault.InvalidInput), "body must include session_id")
		return
	}

	uid := userID(r)
	var resp map[string]any
	err := s.sessions.WithSession(r.Context(), body.SessionID, func(sess *session.Session) error {
		if sess.UserID != uid {
			return session.ErrNotFound
		}
		score := sess.File.CurrentScore()
		if score == nil {
			return fault.New(fault.InvalidInput, "no parsed score to estimate")
		}
		meta := score.Meta()
		res, err := s.credits.Estimate(r.Context(), uid, meta.EstimatedTotalSeconds)
		if err != nil {
			return err
		}
		sess.PendingEstimate = &session.Estimate{
			Target:           body.Target,
			EstimatedSeconds: res.EstimatedSeconds,
			EstimatedCredits: res.EstimatedCredits,
			At:               time.Now(),
		}
		resp = map[string]any{
			"estimated_seconds": res.EstimatedSeconds,
			"estimated_credits": res.EstimatedCredits,
			"balance":           res.Balance,
			"available":         res.Available,
			"projected":         res.Projected,
		}
		return nil
	})
	if err != nil {
		s.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCredits returns the account snapshot.
func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	acct, err := s.credits.AccountFor(r.Context(), userID(r))
	if err != nil {
		s.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"balance":     acct.Balance,
		"reserved":    acct.Reserved,
		"available":   acct.Available(),
		"expires_at":  acct.ExpiresAt,
		"overdrafted": acct.Overdrafted,
	})
}
