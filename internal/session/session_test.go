package session

import (
	"strings"
	"sync"
	"testing"
	"time"

	"inferd/internal/executor"
	"inferd/internal/resource"
	"inferd/internal/sched"
	"inferd/internal/status"
	"inferd/internal/tokenizer"
	"inferd/pkg/types"
)

const testTimeout = 5 * time.Second

// gatedExecutor blocks Prefill until released, so tests can cancel work
// deterministically while it is in flight. The cancel flag doubles as the
// release signal.
type gatedExecutor struct {
	*executor.Stub
	mu    sync.Mutex
	gate  chan struct{}
	gated bool
}

func newGatedExecutor() *gatedExecutor {
	return &gatedExecutor{Stub: executor.NewStub(executor.WithVocabSize(1000)), gate: make(chan struct{})}
}

func (g *gatedExecutor) SetGated(v bool) {
	g.mu.Lock()
	g.gated = v
	g.mu.Unlock()
}

func (g *gatedExecutor) Open() { close(g.gate) }

func (g *gatedExecutor) Prefill(inputs executor.Inputs, params executor.PrefillParams) error {
	g.mu.Lock()
	gated := g.gated
	g.mu.Unlock()
	if gated {
		for {
			select {
			case <-g.gate:
				return g.Stub.Prefill(inputs, params)
			case <-time.After(5 * time.Millisecond):
				if params.Cancel != nil && params.Cancel.Load() {
					return status.Cancelledf("prefill cancelled while gated")
				}
			}
		}
	}
	return g.Stub.Prefill(inputs, params)
}

func newStack(t *testing.T, exec executor.Executor) *sched.Manager {
	t.Helper()
	res, err := resource.NewManager(exec)
	if err != nil {
		t.Fatalf("resource manager: %v", err)
	}
	m, err := sched.NewManager(res, tokenizer.NewByteLevel())
	if err != nil {
		t.Fatalf("sched manager: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func rawConfig() types.SessionConfig {
	return types.SessionConfig{
		MaxOutputTokens:     8,
		NumOutputCandidates: 1,
		ApplyPromptTemplate: false,
	}
}

func TestPrefillThenDecodeProducesTokens(t *testing.T) {
	stub := executor.NewStub(executor.WithVocabSize(1000))
	mgr := newStack(t, stub)
	s, err := New(mgr, rawConfig())
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.RunPrefill([]types.InputData{{TokenIDs: []int32{1, 2, 3}}}); err != nil {
		t.Fatalf("prefill: %v", err)
	}
	four := 4
	resp, err := s.RunDecode(types.DecodeConfig{MaxOutputTokens: &four})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.State != types.TaskStateDone {
		t.Fatalf("state = %v", resp.State)
	}
	toks, _ := stub.ProcessedTokens()
	want := []int32{1, 2, 3, 4, 5, 6, 7}
	if len(toks) != len(want) {
		t.Fatalf("tokens = %v", toks)
	}
	for i := range want {
		if toks[i] != want[i] {
			t.Fatalf("tokens = %v", toks)
		}
	}
}

func TestDecodeRequiresPrefill(t *testing.T) {
	mgr := newStack(t, executor.NewStub())
	s, err := New(mgr, rawConfig())
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, err := s.RunDecodeAsync(nil, types.DecodeConfig{}); !status.IsFailedPrecondition(err) {
		t.Fatalf("expected failed precondition, got %v", err)
	}
}

func TestDecodeBudgetRules(t *testing.T) {
	mgr := newStack(t, executor.NewStub())
	s, err := New(mgr, rawConfig())
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	zero := 0
	if _, err := s.decodeBudget(types.DecodeConfig{MaxOutputTokens: &zero}); !status.IsInvalidArgument(err) {
		t.Fatalf("zero budget must be rejected, got %v", err)
	}
	huge := 10_000
	n, err := s.decodeBudget(types.DecodeConfig{MaxOutputTokens: &huge})
	if err != nil || n != s.cfg.MaxOutputTokens {
		t.Fatalf("budget = %d, %v", n, err)
	}
	if n, _ := s.decodeBudget(types.DecodeConfig{}); n != s.cfg.MaxOutputTokens {
		t.Fatalf("unset budget = %d", n)
	}
}

func TestTemplatedTurnMarkersReachExecutor(t *testing.T) {
	stub := executor.NewStub(executor.WithVocabSize(1000))
	mgr := newStack(t, stub)
	cfg := rawConfig()
	cfg.ApplyPromptTemplate = true
	s, err := New(mgr, cfg)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.RunPrefill([]types.InputData{{Text: "hi"}}); err != nil {
		t.Fatalf("prefill: %v", err)
	}
	toks, _ := stub.ProcessedTokens()
	text, _ := tokenizer.NewByteLevel().IDsToText(toks)
	if !strings.Contains(text, "<start_of_turn>user") || !strings.Contains(text, "hi") {
		t.Fatalf("templated prefix missing: %q", text)
	}

	one := 1
	if _, err := s.RunDecode(types.DecodeConfig{MaxOutputTokens: &one}); err != nil {
		t.Fatalf("decode: %v", err)
	}
	toks, _ = stub.ProcessedTokens()
	text, _ = tokenizer.NewByteLevel().IDsToText(toks)
	if !strings.Contains(text, "<start_of_turn>model") {
		t.Fatalf("tail template flush missing: %q", text)
	}
}

func TestCancelCascadeClearsDependencyChain(t *testing.T) {
	g := newGatedExecutor()
	mgr := newStack(t, g)
	s, err := New(mgr, rawConfig())
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	g.SetGated(true)
	prefillDone := make(chan types.TaskState, 1)
	ctrl, err := s.RunPrefillAsync([]types.InputData{{TokenIDs: []int32{1, 2, 3}}},
		func(resp types.Responses, err error) {
			if types.IsTaskEndState(resp.State) {
				prefillDone <- resp.State
			}
		})
	if err != nil {
		t.Fatalf("prefill async: %v", err)
	}
	decodeDone := make(chan types.TaskState, 1)
	if _, err := s.RunDecodeAsync(func(resp types.Responses, err error) {
		if types.IsTaskEndState(resp.State) {
			decodeDone <- resp.State
		}
	}, types.DecodeConfig{}); err != nil {
		t.Fatalf("decode async: %v", err)
	}

	if err := ctrl.Cancel(); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	select {
	case st := <-prefillDone:
		if st != types.TaskStateCancelled {
			t.Fatalf("prefill state = %v", st)
		}
	case <-time.After(testTimeout):
		t.Fatalf("prefill never terminated")
	}
	select {
	case st := <-decodeDone:
		if st != types.TaskStateCancelled && st != types.TaskStateDependentTaskCancelled {
			t.Fatalf("decode state = %v", st)
		}
	case <-time.After(testTimeout):
		t.Fatalf("decode never terminated")
	}
	if err := mgr.WaitUntilAllDone(testTimeout); err != nil {
		t.Fatalf("drain: %v", err)
	}

	// The chain is broken: new work must not inherit the cancellation.
	s.mu.Lock()
	remaining := len(s.lastTaskIDs)
	s.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("last task ids not cleared: %d", remaining)
	}
	g.SetGated(false)
	if err := s.RunPrefill([]types.InputData{{TokenIDs: []int32{7}}}); err != nil {
		t.Fatalf("post-cancel prefill: %v", err)
	}
}

func TestCallbackReentrancyNoDeadlock(t *testing.T) {
	stub := executor.NewStub(executor.WithVocabSize(1000))
	mgr := newStack(t, stub)
	s, err := New(mgr, rawConfig())
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	done := make(chan struct{})
	_, err = s.RunPrefillAsync([]types.InputData{{TokenIDs: []int32{1}}},
		func(resp types.Responses, err error) {
			// Synchronously cancel the whole session from inside the
			// callback.
			if cerr := mgr.CancelSession(s.ID()); cerr != nil {
				t.Errorf("cancel from callback: %v", cerr)
			}
			close(done)
		})
	if err != nil {
		t.Fatalf("prefill async: %v", err)
	}
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatalf("callback deadlocked")
	}
}

func TestCloneWaitsForCloneTask(t *testing.T) {
	stub := executor.NewStub(executor.WithVocabSize(1000))
	mgr := newStack(t, stub)
	s, err := New(mgr, rawConfig())
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.RunPrefill([]types.InputData{{TokenIDs: []int32{1, 2, 3}}}); err != nil {
		t.Fatalf("prefill: %v", err)
	}
	clone, err := s.Clone()
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	if clone.ID() == s.ID() {
		t.Fatalf("clone must get a fresh session id")
	}
	// The clone starts life depending on the clone task; its first prefill
	// appends at the shared position.
	if err := clone.RunPrefill([]types.InputData{{TokenIDs: []int32{9}}}); err != nil {
		t.Fatalf("clone prefill: %v", err)
	}
	toks, _ := stub.ProcessedTokens()
	want := []int32{1, 2, 3, 9}
	if len(toks) != len(want) {
		t.Fatalf("tokens = %v", toks)
	}
	for i := range want {
		if toks[i] != want[i] {
			t.Fatalf("tokens = %v", toks)
		}
	}
}

func TestTextScoringValidatesBatch(t *testing.T) {
	mgr := newStack(t, executor.NewStub())
	s, err := New(mgr, rawConfig())
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, err := s.RunTextScoring([]string{"a", "b"}, false); !status.IsInvalidArgument(err) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	resp, err := s.RunTextScoring([]string{"hi"}, true)
	if err != nil {
		t.Fatalf("scoring: %v", err)
	}
	if len(resp.Scores) != 1 || resp.Scores[0] >= 0 {
		t.Fatalf("scores = %v", resp.Scores)
	}
}

func TestGenerateContentStreamSurfacesCancelledPrefill(t *testing.T) {
	g := newGatedExecutor()
	mgr := newStack(t, g)
	s, err := New(mgr, rawConfig())
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	g.SetGated(true)

	result := make(chan error, 1)
	if err := s.GenerateContentStream([]types.InputData{{TokenIDs: []int32{1}}},
		func(resp types.Responses, err error) {
			if err != nil {
				result <- err
			} else if types.IsTaskEndState(resp.State) {
				result <- nil
			}
		}, types.DecodeConfig{}); err != nil {
		t.Fatalf("stream: %v", err)
	}
	if err := mgr.CancelSession(s.ID()); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	select {
	case err := <-result:
		if !status.IsCancelled(err) {
			t.Fatalf("expected structured cancelled error, got %v", err)
		}
	case <-time.After(testTimeout):
		t.Fatalf("stream callback never fired")
	}
}

func TestBenchmarkCountersRecorded(t *testing.T) {
	stub := executor.NewStub(executor.WithVocabSize(1000))
	mgr := newStack(t, stub)
	cfg := rawConfig()
	cfg.Benchmark = &types.BenchmarkParams{NumPrefillTokens: 8, NumDecodeTokens: 2}
	s, err := New(mgr, cfg)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.RunPrefill([]types.InputData{{Text: "ignored for benchmarks"}}); err != nil {
		t.Fatalf("prefill: %v", err)
	}
	two := 2
	if _, err := s.RunDecode(types.DecodeConfig{MaxOutputTokens: &two}); err != nil {
		t.Fatalf("decode: %v", err)
	}
	bench, err := mgr.BenchmarkInfo(s.ID())
	if err != nil || bench == nil {
		t.Fatalf("benchmark info: %v", err)
	}
	if len(bench.PrefillTurns) == 0 || bench.PrefillTurns[0].Tokens != 8 {
		t.Fatalf("prefill turns = %+v", bench.PrefillTurns)
	}
	if len(bench.DecodeTurns) == 0 || bench.DecodeTurns[0].Tokens != 2 {
		t.Fatalf("decode turns = %+v", bench.DecodeTurns)
	}
	if bench.TimeToFirstToken < 0 {
		t.Fatalf("ttft = %v", bench.TimeToFirstToken)
	}
}
