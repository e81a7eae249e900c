package job

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/cantoria/cantoria/internal/fault"
)

func progressJSON(t *testing.T, jobID, step string, progress float64, message string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"job_id": jobID, "step": step, "progress": progress, "message": message,
	})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestLifecycleHappyPath(t *testing.T) {
	r := NewRegistry()
	snap := r.Create("s1", "u1", "res-1")

	if snap.State != StateQueued || snap.ReservationID != "res-1" {
		t.Fatalf("created = %+v", snap)
	}
	if !snap.Deadline.After(snap.CreatedAt) {
		t.Error("deadline not armed")
	}

	if err := r.Start(snap.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Complete(snap.ID, "jobs/j1/output.wav", "audio/wav"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got, ok := r.Get(snap.ID)
	if !ok {
		t.Fatal("job vanished")
	}
	if got.State != StateDone || got.Progress != 1 || got.OutputPath != "jobs/j1/output.wav" {
		t.Errorf("done snapshot = %+v", got)
	}
}

func TestFailRecordsFault(t *testing.T) {
	r := NewRegistry()
	snap := r.Create("s1", "u1", "")
	if err := r.Start(snap.ID); err != nil {
		t.Fatal(err)
	}

	if err := r.Fail(snap.ID, fault.New(fault.WorkerLost, "gpu worker lost")); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	got, _ := r.Get(snap.ID)
	if got.State != StateError || got.ErrKind != fault.WorkerLost || got.ErrMessage != "gpu worker lost" {
		t.Errorf("error snapshot = %+v", got)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	r := NewRegistry()
	snap := r.Create("s1", "u1", "")
	if err := r.Start(snap.ID); err != nil {
		t.Fatal(err)
	}

	r.Cancel(snap.ID, "user request")
	r.Cancel(snap.ID, "again")        // terminal: no-op
	r.Cancel("ghost", "nonexistent")  // unknown: no-op

	got, _ := r.Get(snap.ID)
	if got.State != StateCancelled || got.CancelReason != "user request" {
		t.Errorf("cancelled snapshot = %+v", got)
	}
	select {
	case <-r.CancelSignal(snap.ID):
	default:
		t.Error("cancel signal not closed")
	}
	if !r.Cancelled(snap.ID) {
		t.Error("Cancelled = false")
	}
}

func TestInvalidTransitions(t *testing.T) {
	r := NewRegistry()
	snap := r.Create("s1", "u1", "")

	// Complete without Start.
	if err := r.Complete(snap.ID, "out.wav", "audio/wav"); fault.KindOf(err) != fault.Internal {
		t.Errorf("queued->done: kind = %q, want internal", fault.KindOf(err))
	}

	if err := r.Start(snap.ID); err != nil {
		t.Fatal(err)
	}
	if err := r.Complete(snap.ID, "out.wav", "audio/wav"); err != nil {
		t.Fatal(err)
	}

	// Terminal job admits nothing further.
	if err := r.Start(snap.ID); err == nil {
		t.Error("done->running allowed")
	}
	if err := r.Fail(snap.ID, errors.New("late failure")); err == nil {
		t.Error("done->error allowed")
	}
	got, _ := r.Get(snap.ID)
	if got.State != StateDone {
		t.Errorf("state mutated to %s", got.State)
	}
}

func TestDeadlineCancelsRunningJob(t *testing.T) {
	r := NewRegistry(WithDeadline(30 * time.Millisecond))
	snap := r.Create("s1", "u1", "")
	if err := r.Start(snap.ID); err != nil {
		t.Fatal(err)
	}

	select {
	case <-r.CancelSignal(snap.ID):
	case <-time.After(2 * time.Second):
		t.Fatal("deadline never fired")
	}
	got, _ := r.Get(snap.ID)
	if got.State != StateCancelled || got.CancelReason != "deadline" {
		t.Errorf("snapshot = %+v", got)
	}
}

func TestCompletionDisarmsDeadline(t *testing.T) {
	r := NewRegistry(WithDeadline(40 * time.Millisecond))
	snap := r.Create("s1", "u1", "")
	if err := r.Start(snap.ID); err != nil {
		t.Fatal(err)
	}
	if err := r.Complete(snap.ID, "out.wav", "audio/wav"); err != nil {
		t.Fatal(err)
	}

	time.Sleep(80 * time.Millisecond)
	got, _ := r.Get(snap.ID)
	if got.State != StateDone {
		t.Errorf("deadline fired after completion: %+v", got)
	}
}

func TestApplyProgress(t *testing.T) {
	r := NewRegistry()
	snap := r.Create("s1", "u1", "")
	if err := r.Start(snap.ID); err != nil {
		t.Fatal(err)
	}

	r.ApplyProgress(progressJSON(t, snap.ID, "phonemize", 0.2, "phonemizing"))
	got, _ := r.Get(snap.ID)
	if got.Step != "phonemize" || got.Progress != 0.2 || got.Message != "phonemizing" {
		t.Errorf("after first event: %+v", got)
	}

	// Late update with lower progress: step/message apply, progress clamps.
	r.ApplyProgress(progressJSON(t, snap.ID, "pitch", 0.1, ""))
	got, _ = r.Get(snap.ID)
	if got.Progress != 0.2 {
		t.Errorf("progress went backwards: %v", got.Progress)
	}
	if got.Step != "pitch" {
		t.Errorf("step = %q", got.Step)
	}

	// Out-of-range values clamp into [0,1].
	r.ApplyProgress(progressJSON(t, snap.ID, "vocode", 7, ""))
	got, _ = r.Get(snap.ID)
	if got.Progress != 1 {
		t.Errorf("progress = %v, want 1", got.Progress)
	}

	// Unknown job: dropped without panic.
	r.ApplyProgress(progressJSON(t, "ghost", "x", 0.5, ""))

	// Terminal job: dropped.
	if err := r.Complete(snap.ID, "out.wav", "audio/wav"); err != nil {
		t.Fatal(err)
	}
	r.ApplyProgress(progressJSON(t, snap.ID, "late", 0.4, "ignored"))
	got, _ = r.Get(snap.ID)
	if got.Step != "done" || got.Progress != 1 {
		t.Errorf("terminal job mutated: %+v", got)
	}

	// Malformed payload: dropped.
	r.ApplyProgress(json.RawMessage(`{not json`))
}

func TestRemoveKeepsLiveJobs(t *testing.T) {
	r := NewRegistry()
	snap := r.Create("s1", "u1", "")

	r.Remove(snap.ID) // queued: kept
	if _, ok := r.Get(snap.ID); !ok {
		t.Fatal("live job removed")
	}

	r.Cancel(snap.ID, "user request")
	r.Remove(snap.ID)
	if _, ok := r.Get(snap.ID); ok {
		t.Error("terminal job not removed")
	}
}
