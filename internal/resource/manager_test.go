package resource

import (
	"testing"

	"inferd/internal/executor"
	"inferd/internal/status"
	"inferd/pkg/types"
)

func testConfig() types.SessionConfig {
	return types.SessionConfig{MaxOutputTokens: 16, NumOutputCandidates: 1}
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *executor.Stub) {
	t.Helper()
	stub := executor.NewStub(executor.WithVocabSize(1000))
	m, err := NewManager(stub, opts...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, stub
}

// prefill pushes tokens through a scoped handle bound to h.
func prefill(t *testing.T, m *Manager, h *ContextHandler, ids []int32) {
	t.Helper()
	handle, err := m.AcquireExecutorWith(h)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer handle.Release()
	if err := handle.Prefill(executor.Inputs{TokenIDs: ids}, executor.NewPrefillParams()); err != nil {
		t.Fatalf("prefill: %v", err)
	}
}

func decode(t *testing.T, m *Manager, h *ContextHandler, steps int) []int32 {
	t.Helper()
	handle, err := m.AcquireExecutorWith(h)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer handle.Release()
	var out []int32
	for i := 0; i < steps; i++ {
		ids, err := handle.Decode(executor.DecodeParams{})
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		out = append(out, ids[0])
	}
	return out
}

func tokensEqual(a, b []int32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestCreateContextHandlerIsSuspended(t *testing.T) {
	m, _ := newTestManager(t)
	h, err := m.CreateContextHandler(testConfig())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !h.HasRuntimeConfig() || !h.HasRuntimeState() || !h.shared.HasContext() {
		t.Fatalf("fresh handler must own all artifacts")
	}
}

func TestActiveHandlerOwnershipInvariant(t *testing.T) {
	m, _ := newTestManager(t)
	a, _ := m.CreateContextHandler(testConfig())
	b, _ := m.CreateContextHandler(testConfig())

	prefill(t, m, a, []int32{1, 2, 3})
	// a is active: all artifacts moved into the executor.
	if a.HasRuntimeConfig() || a.HasRuntimeState() || a.shared.HasContext() {
		t.Fatalf("active handler must own nothing")
	}
	// b is still suspended.
	if !b.HasRuntimeConfig() || !b.HasRuntimeState() || !b.shared.HasContext() {
		t.Fatalf("suspended handler must own everything")
	}

	prefill(t, m, b, []int32{7})
	// Roles flipped.
	if !a.HasRuntimeConfig() || !a.HasRuntimeState() || !a.shared.HasContext() {
		t.Fatalf("suspended handler must own everything after swap out")
	}
	if b.HasRuntimeConfig() || b.HasRuntimeState() || b.shared.HasContext() {
		t.Fatalf("active handler must own nothing")
	}
}

func TestContextSwapPreservesTokens(t *testing.T) {
	m, stub := newTestManager(t)
	a, _ := m.CreateContextHandler(testConfig())
	b, _ := m.CreateContextHandler(testConfig())

	big := make([]int32, 100)
	for i := range big {
		big[i] = int32(i + 1)
	}
	prefill(t, m, a, big)
	// Activating the fresh b saves a's context exactly once.
	decode(t, m, b, 1)
	if got := stub.CloneContextCalls(); got != 1 {
		t.Fatalf("clone calls after first swap = %d", got)
	}

	// Switch back to a: one more save (of b), and a's full context must
	// be resident again.
	handle, err := m.AcquireExecutorWith(a)
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	toks, _ := handle.ProcessedTokens()
	step, _ := handle.CurrentStep()
	handle.Release()
	if got := stub.CloneContextCalls(); got != 2 {
		t.Fatalf("clone calls after second swap = %d", got)
	}
	if !tokensEqual(toks, big) {
		t.Fatalf("context lost across swap: %d tokens", len(toks))
	}
	if step != len(big) {
		t.Fatalf("step = %d, want %d", step, len(big))
	}
}

func TestFreshContextUsesCreateNewContext(t *testing.T) {
	m, stub := newTestManager(t)
	a, _ := m.CreateContextHandler(testConfig())
	b, _ := m.CreateContextHandler(testConfig())

	prefill(t, m, a, []int32{1, 2})
	// Activating the fresh b must create an empty context, not restore a
	// stale one.
	out := decode(t, m, b, 1)
	if len(out) != 1 {
		t.Fatalf("decode out = %v", out)
	}
	toks, _ := stub.ProcessedTokens()
	if len(toks) != 1 {
		t.Fatalf("fresh context should start empty, tokens = %v", toks)
	}
}

func TestPrefixMatchShortensPrefill(t *testing.T) {
	m, stub := newTestManager(t)
	h, _ := m.CreateContextHandler(testConfig())

	prefill(t, m, h, []int32{10, 20, 30})

	handle, err := m.AcquireExecutorWith(h)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// Reposition to the start, as after a restore that replays a prefix.
	if err := handle.UpdateRuntimeState(executor.RuntimeState{CurrentStep: 0}); err != nil {
		t.Fatalf("update state: %v", err)
	}
	stub.ResetTraces()
	if err := handle.Prefill(executor.Inputs{TokenIDs: []int32{10, 20, 30, 40}}, executor.NewPrefillParams()); err != nil {
		t.Fatalf("prefill: %v", err)
	}
	step, _ := handle.CurrentStep()
	toks, _ := handle.ProcessedTokens()
	handle.Release()

	traces := stub.PrefillTraces()
	if len(traces) != 1 {
		t.Fatalf("expected exactly one executor prefill, got %d", len(traces))
	}
	if !tokensEqual(traces[0].TokenIDs, []int32{40}) || traces[0].CurrentStep != 3 {
		t.Fatalf("executor prefill = %+v", traces[0])
	}
	if step != 4 {
		t.Fatalf("final step = %d", step)
	}
	if !tokensEqual(toks, []int32{10, 20, 30, 40}) {
		t.Fatalf("tokens = %v", toks)
	}
}

func TestPrefixMatchFullOverlapSkipsExecutor(t *testing.T) {
	m, stub := newTestManager(t)
	h, _ := m.CreateContextHandler(testConfig())
	prefill(t, m, h, []int32{10, 20, 30})

	handle, _ := m.AcquireExecutorWith(h)
	handle.UpdateRuntimeState(executor.RuntimeState{CurrentStep: 0})
	stub.ResetTraces()
	if err := handle.Prefill(executor.Inputs{TokenIDs: []int32{10, 20}}, executor.NewPrefillParams()); err != nil {
		t.Fatalf("prefill: %v", err)
	}
	step, _ := handle.CurrentStep()
	handle.Release()
	if len(stub.PrefillTraces()) != 0 {
		t.Fatalf("fully matched prefill must not reach the executor")
	}
	if step != 2 {
		t.Fatalf("step = %d", step)
	}
}

func TestCloneSharesContextUntilDivergence(t *testing.T) {
	m, _ := newTestManager(t)
	parent, _ := m.CreateContextHandler(testConfig())

	prefill(t, m, parent, []int32{1, 2, 3})
	decode(t, m, parent, 2) // tokens now [1,2,3,4,5]

	clone, err := m.CloneContextHandler(parent)
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	if clone.Shared() != parent.Shared() {
		t.Fatalf("clone must share the processed context")
	}
	if !clone.HasRuntimeConfig() || !clone.HasRuntimeState() {
		t.Fatalf("clone must own deep-copied runtime state")
	}

	// Parent moves on by one token.
	decode(t, m, parent, 1) // [1,2,3,4,5,6]

	// Clone diverges: prefill a different token at its own position.
	handle, err := m.AcquireExecutorWith(clone)
	if err != nil {
		t.Fatalf("acquire clone: %v", err)
	}
	if err := handle.Prefill(executor.Inputs{TokenIDs: []int32{9}}, executor.NewPrefillParams()); err != nil {
		t.Fatalf("diverging prefill: %v", err)
	}
	cloneToks, _ := handle.ProcessedTokens()
	handle.Release()

	if clone.Shared() == parent.Shared() {
		t.Fatalf("divergence must split the shared context")
	}
	if !tokensEqual(cloneToks, []int32{1, 2, 3, 4, 5, 9}) {
		t.Fatalf("clone tokens = %v", cloneToks)
	}
	if got := parent.Shared().inner.Tokens; !tokensEqual(got, []int32{1, 2, 3, 4, 5, 6}) {
		t.Fatalf("parent snapshot = %v", got)
	}

	// Parent is untouched by the clone's divergence.
	handle, err = m.AcquireExecutorWith(parent)
	if err != nil {
		t.Fatalf("acquire parent: %v", err)
	}
	parentToks, _ := handle.ProcessedTokens()
	step, _ := handle.CurrentStep()
	handle.Release()
	if !tokensEqual(parentToks, []int32{1, 2, 3, 4, 5, 6}) {
		t.Fatalf("parent tokens = %v", parentToks)
	}
	if step != 6 {
		t.Fatalf("parent step = %d", step)
	}
}

func TestDecodeTimeCopyOnWrite(t *testing.T) {
	m, _ := newTestManager(t)
	parent, _ := m.CreateContextHandler(testConfig())
	prefill(t, m, parent, []int32{1, 2, 3})
	decode(t, m, parent, 2) // [1,2,3,4,5], step 5

	clone, err := m.CloneContextHandler(parent)
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	decode(t, m, parent, 1) // parent ahead: [1,2,3,4,5,6]

	// Clone decodes from its own position; the snapshot must protect the
	// parent's tokens.
	out := decode(t, m, clone, 1)
	if out[0] != 6 {
		// Same prefix, same deterministic next token.
		t.Fatalf("clone decode = %v", out)
	}
	if clone.Shared() == parent.Shared() {
		t.Fatalf("decode-time divergence must split the shared context")
	}
	if got := parent.Shared().inner.Tokens; !tokensEqual(got, []int32{1, 2, 3, 4, 5, 6}) {
		t.Fatalf("parent snapshot = %v", got)
	}
}

func TestRestoreClampsOutOfRangeStep(t *testing.T) {
	m, _ := newTestManager(t)
	a, _ := m.CreateContextHandler(testConfig())
	b, _ := m.CreateContextHandler(testConfig())
	prefill(t, m, a, []int32{1, 2, 3})
	prefill(t, m, b, []int32{5}) // suspends a

	// Corrupt a's saved step beyond its token count.
	a.state.CurrentStep = 99
	handle, err := m.AcquireExecutorWith(a)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	step, _ := handle.CurrentStep()
	handle.Release()
	if step != 3 {
		t.Fatalf("step = %d, want clamped 3", step)
	}
}

func TestAcquireWithClosedHandlerFails(t *testing.T) {
	m, _ := newTestManager(t)
	h, _ := m.CreateContextHandler(testConfig())
	if err := m.CloseHandler(h); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := m.AcquireExecutorWith(h); !status.IsFailedPrecondition(err) {
		t.Fatalf("expected failed precondition, got %v", err)
	}
}

func TestCloseActiveHandlerSavesForSiblings(t *testing.T) {
	m, stub := newTestManager(t)
	parent, _ := m.CreateContextHandler(testConfig())
	prefill(t, m, parent, []int32{1, 2, 3})
	clone, err := m.CloneContextHandler(parent)
	if err != nil {
		t.Fatalf("clone: %v", err)
	}

	if err := m.CloseHandler(parent); err != nil {
		t.Fatalf("close active: %v", err)
	}
	if m.ActiveHandler() != nil {
		t.Fatalf("executor should have no active handler")
	}
	if toks, _ := stub.ProcessedTokens(); len(toks) != 0 {
		t.Fatalf("executor should be reset, tokens = %v", toks)
	}
	// The clone can still restore the shared content.
	handle, err := m.AcquireExecutorWith(clone)
	if err != nil {
		t.Fatalf("acquire clone: %v", err)
	}
	toks, _ := handle.ProcessedTokens()
	handle.Release()
	if !tokensEqual(toks, []int32{1, 2, 3}) {
		t.Fatalf("clone tokens = %v", toks)
	}
}

func TestCloneWithUnimplementedAudioDegrades(t *testing.T) {
	audio := &executor.StubAudioExecutor{CloneUnimplemented: true}
	m, _ := newTestManager(t, WithAudioExecutor(audio))
	cfg := testConfig()
	cfg.EnableAudio = true
	parent, err := m.CreateContextHandler(cfg)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !parent.HasAudioContext() {
		t.Fatalf("audio context expected")
	}
	prefill(t, m, parent, []int32{1})

	clone, err := m.CloneContextHandler(parent)
	if err != nil {
		t.Fatalf("clone must degrade, not fail: %v", err)
	}
	if !clone.HasAudioContext() {
		t.Fatalf("degraded clone still carries an audio snapshot")
	}
}

func TestLoadLoRAAssignsDenseIDs(t *testing.T) {
	m, _ := newTestManager(t)
	id1, err := m.LoadLoRA("/tmp/a.lora")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	id2, err := m.LoadLoRA("/tmp/b.lora")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	again, err := m.LoadLoRA("/tmp/a.lora")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if id1 == id2 || again != id1 {
		t.Fatalf("ids: %d %d %d", id1, id2, again)
	}
}
