package engine

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"inferd/internal/status"
	"inferd/pkg/types"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(Options{Backend: "stub", Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestCreateAndCloseSession(t *testing.T) {
	e := newTestEngine(t)
	sess, err := e.CreateSession(types.CreateSessionRequest{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.ID == "" {
		t.Fatalf("empty handle")
	}
	if got := e.Status().Sessions; got != 1 {
		t.Fatalf("sessions = %d", got)
	}
	if err := e.CloseSession(sess.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := e.CloseSession(sess.ID); !status.IsNotFound(err) {
		t.Fatalf("double close should be not_found, got %v", err)
	}
}

func TestGenerateStreamsNDJSON(t *testing.T) {
	e := newTestEngine(t)
	sess, err := e.CreateSession(types.CreateSessionRequest{MaxOutputTokens: 4})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var buf bytes.Buffer
	err = e.Generate(context.Background(), sess.ID,
		types.GenerateRequest{Prompt: "hello"}, &buf, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) < 2 {
		t.Fatalf("expected several chunks, got %q", buf.String())
	}
	var last types.GenerateChunk
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &last); err != nil {
		t.Fatalf("last chunk: %v", err)
	}
	if !last.Done {
		t.Fatalf("final chunk not done: %+v", last)
	}
	var first types.GenerateChunk
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("first chunk: %v", err)
	}
	if first.State != "running" {
		t.Fatalf("first chunk state = %q", first.State)
	}
}

func TestGenerateUnknownSession(t *testing.T) {
	e := newTestEngine(t)
	err := e.Generate(context.Background(), "nope",
		types.GenerateRequest{Prompt: "x"}, &bytes.Buffer{}, nil)
	if !status.IsNotFound(err) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestGenerateClientDisconnectCancels(t *testing.T) {
	e := newTestEngine(t)
	sess, err := e.CreateSession(types.CreateSessionRequest{MaxOutputTokens: 100000})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var buf bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- e.Generate(ctx, sess.ID, types.GenerateRequest{Prompt: "hello"}, &buf, nil)
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("generate never returned after disconnect")
	}
}

func TestScore(t *testing.T) {
	e := newTestEngine(t)
	sess, err := e.CreateSession(types.CreateSessionRequest{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	out, err := e.Score(sess.ID, types.ScoreRequest{Target: "hi", StoreTokenLengths: true})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if len(out.Scores) != 1 || out.Scores[0] >= 0 {
		t.Fatalf("scores = %v", out.Scores)
	}
	if len(out.TokenLengths) != 2 {
		t.Fatalf("token lengths = %v", out.TokenLengths)
	}
}

func TestCloneSession(t *testing.T) {
	e := newTestEngine(t)
	sess, err := e.CreateSession(types.CreateSessionRequest{MaxOutputTokens: 2})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var buf bytes.Buffer
	if err := e.Generate(context.Background(), sess.ID,
		types.GenerateRequest{Prompt: "hello"}, &buf, nil); err != nil {
		t.Fatalf("generate: %v", err)
	}
	clone, err := e.CloneSession(sess.ID)
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	if clone.ID == sess.ID || clone.SessionID == sess.SessionID {
		t.Fatalf("clone ids must differ: %+v vs %+v", clone, sess)
	}
	if got := e.Status().Sessions; got != 2 {
		t.Fatalf("sessions = %d", got)
	}
}

func TestUnknownBackendRejected(t *testing.T) {
	if _, err := New(Options{Backend: "tpu"}); !status.IsInvalidArgument(err) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}
