package rpc

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	if err := WriteFrame(&buf, body); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := ReadFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("body = %s, want %s", got, body)
	}
}

func TestReadFrameMultipleMessages(t *testing.T) {
	var buf bytes.Buffer
	first := []byte(`{"id":1}`)
	second := []byte(`{"id":2}`)
	if err := WriteFrame(&buf, first); err != nil {
		t.Fatal(err)
	}
	if err := WriteFrame(&buf, second); err != nil {
		t.Fatal(err)
	}

	r := bufio.NewReader(&buf)
	for i, want := range [][]byte{first, second} {
		got, err := ReadFrame(r)
		if err != nil {
			t.Fatalf("ReadFrame #%d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("message #%d = %s, want %s", i, got, want)
		}
	}
}

func TestReadFrameExtraHeaders(t *testing.T) {
	raw := "Content-Type: application/vscode-jsonrpc; charset=utf-8\r\nContent-Length: 2\r\n\r\n{}"
	got, err := ReadFrame(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if string(got) != "{}" {
		t.Errorf("body = %q", got)
	}
}

func TestReadFrameErrors(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"missing content-length", "Content-Type: foo\r\n\r\n{}"},
		{"malformed header", "not a header\r\n\r\n{}"},
		{"bad length value", "Content-Length: banana\r\n\r\n{}"},
		{"short body", "Content-Length: 10\r\n\r\n{}"},
		{"empty stream", ""},
		{"oversized", "Content-Length: 999999999999\r\n\r\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ReadFrame(bufio.NewReader(strings.NewReader(tc.raw))); err == nil {
				t.Error("expected error")
			}
		})
	}
}
