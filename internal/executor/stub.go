package executor

import (
	"inferd/internal/status"
)

// Stub is a deterministic in-process executor: each decode step samples
// previous-token-id + 1. It is the default backend when no native backend
// is compiled in, and the fixture every scheduler and resource test runs
// against.
type Stub struct {
	vocab   int
	threads int

	processed *ProcessedContext
	cfg       RuntimeConfig
	state     RuntimeState

	loras map[uint32]string

	// Trace of prefill calls as seen by the executor, after any
	// prefix-match shortening done by the resource layer.
	trace      []PrefillTrace
	cloneCalls int
}

// PrefillTrace records one executor-level prefill call.
type PrefillTrace struct {
	TokenIDs    []int32
	CurrentStep int
}

// StubOption tweaks a Stub at construction.
type StubOption func(*Stub)

// WithVocabSize overrides the default vocabulary size.
func WithVocabSize(n int) StubOption { return func(s *Stub) { s.vocab = n } }

// WithThreads overrides the advertised thread count. Values above one
// exist so tests can exercise the single-thread construction check.
func WithThreads(n int) StubOption { return func(s *Stub) { s.threads = n } }

// NewStub builds a stub executor with an empty resident context.
func NewStub(opts ...StubOption) *Stub {
	s := &Stub{
		vocab:   32000,
		threads: 1,
		cfg:     RuntimeConfig{OutputHeads: 1, TokensPerDecode: 1},
		loras:   make(map[uint32]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Stub) BackendName() string { return "stub" }

func (s *Stub) tokens() []int32 {
	if s.processed == nil {
		return nil
	}
	return s.processed.Tokens
}

func (s *Stub) ensureProcessed() *ProcessedContext {
	if s.processed == nil {
		s.processed = &ProcessedContext{}
	}
	return s.processed
}

func (s *Stub) Prefill(inputs Inputs, params PrefillParams) error {
	if params.Cancel != nil && params.Cancel.Load() {
		return status.Cancelledf("prefill cancelled before start")
	}
	step := s.state.CurrentStep
	if params.CurrentStep >= 0 {
		step = params.CurrentStep
	}
	toks := s.tokens()
	if step > len(toks) {
		return status.InvalidArgumentf("prefill step %d beyond processed tokens %d", step, len(toks))
	}
	p := s.ensureProcessed()
	p.Tokens = append(p.Tokens[:step], inputs.TokenIDs...)
	p.CacheState = cacheFor(p.Tokens)
	s.state.CurrentStep = step + len(inputs.TokenIDs)
	s.trace = append(s.trace, PrefillTrace{
		TokenIDs:    append([]int32(nil), inputs.TokenIDs...),
		CurrentStep: step,
	})
	return nil
}

func (s *Stub) Decode(params DecodeParams) ([]int32, error) {
	if params.Cancel != nil && params.Cancel.Load() {
		return nil, status.Cancelledf("decode cancelled before start")
	}
	step := s.state.CurrentStep
	toks := s.tokens()
	if step > len(toks) {
		return nil, status.Internalf("decode step %d beyond processed tokens %d", step, len(toks))
	}
	var next int32 = 1
	if step > 0 {
		next = toks[step-1] + 1
	}
	if s.vocab > 0 {
		next %= int32(s.vocab)
	}
	p := s.ensureProcessed()
	p.Tokens = append(p.Tokens[:step], next)
	p.CacheState = cacheFor(p.Tokens)
	s.state.CurrentStep = step + 1
	s.state.RanDecode = true

	heads := s.cfg.OutputHeads
	if heads < 1 {
		heads = 1
	}
	out := make([]int32, heads)
	for i := range out {
		out[i] = next
	}
	return out, nil
}

func (s *Stub) DecodeLogits(inputs Inputs) ([]float32, error) {
	step := s.state.CurrentStep
	toks := s.tokens()
	var next int32 = 1
	if step > 0 && step <= len(toks) {
		next = toks[step-1] + 1
	}
	logits := make([]float32, s.vocab)
	if int(next) < len(logits) {
		logits[next] = 8
	}
	return logits, nil
}

func (s *Stub) CloneContext() (*Context, error) {
	s.cloneCalls++
	cfg := s.cfg
	st := s.state
	return &Context{
		Processed: s.processed.Clone(),
		Config:    &cfg,
		State:     &st,
	}, nil
}

func (s *Stub) RestoreContext(ctx *Context) error {
	if ctx == nil {
		return status.InvalidArgumentf("nil context")
	}
	s.processed = ctx.Processed
	if ctx.Config != nil {
		s.cfg = *ctx.Config
	}
	if ctx.State != nil {
		s.state = *ctx.State
	} else {
		s.state = RuntimeState{}
	}
	return nil
}

func (s *Stub) CreateNewContext(loraID *uint32, cfg RuntimeConfig) (*Context, error) {
	state := RuntimeState{}
	return &Context{
		Processed: &ProcessedContext{LoraID: loraID},
		Config:    &cfg,
		State:     &state,
	}, nil
}

func (s *Stub) RuntimeConfig() (RuntimeConfig, error) { return s.cfg, nil }

func (s *Stub) UpdateRuntimeConfig(cfg RuntimeConfig) error {
	s.cfg = cfg
	return nil
}

func (s *Stub) RuntimeState() (RuntimeState, error) { return s.state, nil }

func (s *Stub) UpdateRuntimeState(st RuntimeState) error {
	if st.CurrentStep < 0 || st.CurrentStep > len(s.tokens()) {
		return status.InvalidArgumentf("runtime state step %d out of range [0,%d]", st.CurrentStep, len(s.tokens()))
	}
	s.state = st
	return nil
}

func (s *Stub) CurrentStep() (int, error) { return s.state.CurrentStep, nil }

func (s *Stub) SetCurrentStep(step int) error {
	if step < 0 || step > len(s.tokens()) {
		return status.InvalidArgumentf("step %d out of range [0,%d]", step, len(s.tokens()))
	}
	s.state.CurrentStep = step
	return nil
}

func (s *Stub) ProcessedTokens() ([]int32, error) { return s.tokens(), nil }

func (s *Stub) LoadLoRA(id uint32, path string) error {
	if _, ok := s.loras[id]; ok {
		return status.AlreadyExistsf("lora %d already loaded", id)
	}
	s.loras[id] = path
	return nil
}

func (s *Stub) UnloadLoRA(id uint32) error {
	if _, ok := s.loras[id]; !ok {
		return status.NotFoundf("lora %d not loaded", id)
	}
	delete(s.loras, id)
	return nil
}

func (s *Stub) Cancel() error { return nil }

func (s *Stub) Reset() error {
	s.processed = nil
	s.state = RuntimeState{}
	return nil
}

func (s *Stub) VocabSize() (int, error) { return s.vocab, nil }

func (s *Stub) NumThreads() int { return s.threads }

// PrefillTraces returns the executor-level prefill call history. Tests use
// it to assert prefix matching shortened the inputs.
func (s *Stub) PrefillTraces() []PrefillTrace { return s.trace }

// ResetTraces clears the prefill history.
func (s *Stub) ResetTraces() { s.trace = nil }

// CloneContextCalls counts CloneContext invocations; context switches and
// copy-on-write snapshots show up here.
func (s *Stub) CloneContextCalls() int { return s.cloneCalls }

// cacheFor derives the stub's opaque per-layer state from the token list,
// one byte per token, so context equality is observable in tests.
func cacheFor(tokens []int32) []byte {
	out := make([]byte, len(tokens))
	for i, t := range tokens {
		out[i] = byte(t)
	}
	return out
}
