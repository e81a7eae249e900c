package session

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"
)

func TestCreateAndBorrow(t *testing.T) {
	s := NewStore(t.TempDir())
	defer s.Close()

	sess, err := s.Create("u1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.ID == "" || sess.UserID != "u1" {
		t.Fatalf("session = %+v", sess)
	}
	if _, err := os.Stat(s.ScratchDir("u1", sess.ID)); err != nil {
		t.Errorf("scratch dir missing: %v", err)
	}

	err = s.WithSession(context.Background(), sess.ID, func(sess *Session) error {
		sess.Append(ChatRecord{Role: RoleUser, Content: "hello"})
		return nil
	})
	if err != nil {
		t.Fatalf("WithSession: %v", err)
	}

	err = s.WithSession(context.Background(), sess.ID, func(sess *Session) error {
		if len(sess.History) != 1 || sess.History[0].Content != "hello" {
			t.Errorf("history = %+v", sess.History)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestWithSessionUnknown(t *testing.T) {
	s := NewStore(t.TempDir())
	defer s.Close()

	err := s.WithSession(context.Background(), "nope", func(*Session) error { return nil })
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func TestWithSessionSerializesMutations(t *testing.T) {
	s := NewStore(t.TempDir())
	defer s.Close()
	sess, err := s.Create("u1")
	if err != nil {
		t.Fatal(err)
	}

	const turns = 50
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.WithSession(context.Background(), sess.ID, func(sess *Session) error {
				n := len(sess.History)
				sess.Append(ChatRecord{Role: RoleUser, Content: "turn"})
				if len(sess.History) != n+1 {
					t.Error("interleaved mutation")
				}
				return nil
			})
		}()
	}
	wg.Wait()

	_ = s.WithSession(context.Background(), sess.ID, func(sess *Session) error {
		if len(sess.History) != turns {
			t.Errorf("history len = %d, want %d", len(sess.History), turns)
		}
		return nil
	})
}

func TestWithSessionRespectsContext(t *testing.T) {
	s := NewStore(t.TempDir())
	defer s.Close()
	sess, err := s.Create("u1")
	if err != nil {
		t.Fatal(err)
	}

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.WithSession(context.Background(), sess.ID, func(*Session) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = s.WithSession(ctx, sess.ID, func(*Session) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("want DeadlineExceeded, got %v", err)
	}
}

func TestDeleteCancelsActiveJob(t *testing.T) {
	var cancelled []string
	jc := cancelFunc(func(jobID, reason string) {
		cancelled = append(cancelled, jobID+"/"+reason)
	})

	s := NewStore(t.TempDir(), WithJobCanceller(jc))
	defer s.Close()
	sess, err := s.Create("u1")
	if err != nil {
		t.Fatal(err)
	}
	dir := s.ScratchDir("u1", sess.ID)

	_ = s.WithSession(context.Background(), sess.ID, func(sess *Session) error {
		sess.ActiveJobID = "job-1"
		return nil
	})

	s.Delete(sess.ID)
	if len(cancelled) != 1 || cancelled[0] != "job-1/session deleted" {
		t.Errorf("cancelled = %v", cancelled)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("scratch dir not removed")
	}
	if err := s.WithSession(context.Background(), sess.ID, func(*Session) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted session still reachable: %v", err)
	}

	s.Delete(sess.ID) // idempotent
}

type cancelFunc func(jobID, reason string)

func (f cancelFunc) Cancel(jobID, reason string) { f(jobID, reason) }

func TestEvictExpired(t *testing.T) {
	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	s := NewStore(t.TempDir(), WithTTL(time.Hour), WithClock(clock))
	defer s.Close()

	old, err := s.Create("u1")
	if err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	now = now.Add(30 * time.Minute)
	mu.Unlock()
	fresh, err := s.Create("u1")
	if err != nil {
		t.Fatal(err)
	}

	// 61 minutes after the first create: only the old session expired.
	mu.Lock()
	now = now.Add(31 * time.Minute)
	mu.Unlock()
	s.evictExpired()

	if err := s.WithSession(context.Background(), old.ID, func(*Session) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("old session survived eviction: %v", err)
	}
	if err := s.WithSession(context.Background(), fresh.ID, func(*Session) error { return nil }); err != nil {
		t.Errorf("fresh session evicted: %v", err)
	}
}

func TestTouchExtendsExpiry(t *testing.T) {
	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	s := NewStore(t.TempDir(), WithTTL(time.Hour), WithClock(clock))
	defer s.Close()
	sess, err := s.Create("u1")
	if err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	now = now.Add(50 * time.Minute)
	mu.Unlock()
	if err := s.Touch(sess.ID); err != nil {
		t.Fatal(err)
	}

	// 70 minutes after create but only 20 after touch: still alive.
	mu.Lock()
	now = now.Add(20 * time.Minute)
	mu.Unlock()
	s.evictExpired()
	if s.Len() != 1 {
		t.Error("touched session evicted")
	}
}

func TestScoreSnapshotMeta(t *testing.T) {
	verse := 2
	snap := &ScoreSnapshot{Doc: json.RawMessage(`{
		"selected_verse_number": 3,
		"preprocessed_for_verse_number": 2,
		"requires_preprocessing": true,
		"title": "Ave Maria"
	}`), Version: 4}

	m := snap.Meta()
	if m.SelectedVerse != 3 || !m.RequiresPreprocessing || m.Title != "Ave Maria" {
		t.Errorf("meta = %+v", m)
	}
	if m.PreprocessedForVerse == nil || *m.PreprocessedForVerse != verse {
		t.Errorf("preprocessed_for = %v", m.PreprocessedForVerse)
	}

	var nilSnap *ScoreSnapshot
	if got := nilSnap.Meta(); got.SelectedVerse != 0 || got.PreprocessedForVerse != nil {
		t.Errorf("nil snapshot meta = %+v", got)
	}
}

func TestFileSlotCurrentScore(t *testing.T) {
	parsed := &ScoreSnapshot{Doc: json.RawMessage(`{"v":1}`), Version: 1}
	transformed := &ScoreSnapshot{Doc: json.RawMessage(`{"v":2}`), Version: 2}

	slot := &FileSlot{Score: parsed}
	if slot.CurrentScore() != parsed {
		t.Error("want parsed snapshot")
	}
	slot.Transformed = transformed
	if slot.CurrentScore() != transformed {
		t.Error("want transformed snapshot")
	}
	var nilSlot *FileSlot
	if nilSlot.CurrentScore() != nil {
		t.Error("nil slot should yield nil score")
	}
}
