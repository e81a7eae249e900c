package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

func TestMemoryDocStoreCAS(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryDocStore()

	// Create via CAS with expected revision 0.
	if err := m.CAS(ctx, "credits/user/u1", json.RawMessage(`{"balance":10}`), 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	// Double-create conflicts.
	if err := m.CAS(ctx, "credits/user/u1", json.RawMessage(`{}`), 0); !errors.Is(err, ErrConflict) {
		t.Errorf("double create: %v, want ErrConflict", err)
	}

	doc, err := m.Get(ctx, "credits/user/u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if doc.Revision != 1 || string(doc.Value) != `{"balance":10}` {
		t.Errorf("doc = %+v", doc)
	}

	// CAS with the current revision succeeds and bumps it.
	if err := m.CAS(ctx, "credits/user/u1", json.RawMessage(`{"balance":8}`), doc.Revision); err != nil {
		t.Fatalf("cas: %v", err)
	}
	// A stale revision conflicts.
	if err := m.CAS(ctx, "credits/user/u1", json.RawMessage(`{}`), doc.Revision); !errors.Is(err, ErrConflict) {
		t.Errorf("stale cas: %v, want ErrConflict", err)
	}

	if err := m.CAS(ctx, "ghost", json.RawMessage(`{}`), 3); !errors.Is(err, ErrNotFound) {
		t.Errorf("cas on missing key: %v, want ErrNotFound", err)
	}
}

func TestMemoryDocStorePutAndList(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryDocStore()

	for _, key := range []string{"credits/ledger/u1/a", "credits/ledger/u1/b", "credits/user/u1"} {
		if err := m.Put(ctx, key, json.RawMessage(`{}`)); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := m.List(ctx, "credits/ledger/u1/")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Errorf("keys = %v", keys)
	}

	if _, err := m.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing key: %v", err)
	}
}

func TestFSObjectStore(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFSObjectStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	body := []byte("RIFF....WAVE")
	if err := fs.Put(ctx, "jobs/j1/output.wav", bytes.NewReader(body)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	ok, err := fs.Exists(ctx, "jobs/j1/output.wav")
	if err != nil || !ok {
		t.Errorf("Exists = %v, %v", ok, err)
	}

	rc, err := fs.Get(ctx, "jobs/j1/output.wav")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if !bytes.Equal(got, body) {
		t.Errorf("body = %q", got)
	}

	if _, err := fs.Get(ctx, "jobs/ghost/output.wav"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing object: %v", err)
	}
	ok, err = fs.Exists(ctx, "jobs/ghost/output.wav")
	if err != nil || ok {
		t.Errorf("Exists on missing = %v, %v", ok, err)
	}
}

func TestS3ClientOptions(t *testing.T) {
	var opts s3.Options
	s3ClientOptions("http://localhost:9000", true)(&opts)
	if opts.BaseEndpoint == nil || *opts.BaseEndpoint != "http://localhost:9000" {
		t.Errorf("base endpoint = %v", opts.BaseEndpoint)
	}
	if !opts.UsePathStyle {
		t.Error("path style not applied")
	}

	opts = s3.Options{}
	s3ClientOptions("", false)(&opts)
	if opts.BaseEndpoint != nil {
		t.Errorf("endpoint overridden without configuration: %v", *opts.BaseEndpoint)
	}
	if opts.UsePathStyle {
		t.Error("path style forced without configuration")
	}
}
