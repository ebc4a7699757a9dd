//go:build llama

package executor

import (
	"strings"

	llama "github.com/go-skynet/go-llama.cpp"

	"inferd/internal/status"
)

// llamaBuilt indicates this binary was compiled with real llama support.
var llamaBuilt = true

// LlamaBuilt reports whether the llama backend is compiled into this
// binary.
func LlamaBuilt() bool { return llamaBuilt }

// Llama runs inference through the in-process go-llama.cpp binding. The
// binding is text-level, so the executor keeps the processed token list
// itself and detokenizes the resident prefix before each decode step.
type Llama struct {
	model       *llama.LLama
	mathThreads int

	detok func([]int32) (string, error)
	tok   func(string) ([]int32, error)

	processed *ProcessedContext
	cfg       RuntimeConfig
	state     RuntimeState
	loras     map[uint32]string
	vocab     int
}

// NewLlama loads the model at path. detok/tok bridge between the runtime's
// token ids and the text-level binding.
func NewLlama(path string, ctxSize, mathThreads int, detok func([]int32) (string, error), tok func(string) ([]int32, error)) (Executor, error) {
	if strings.TrimSpace(path) == "" {
		return nil, status.InvalidArgumentf("model path is empty")
	}
	m, err := llama.New(path, llama.SetContext(ctxSize))
	if err != nil {
		return nil, status.Wrap(status.CodeInternal, err, "loading llama model")
	}
	return &Llama{
		model:       m,
		mathThreads: mathThreads,
		detok:       detok,
		tok:         tok,
		cfg:         RuntimeConfig{OutputHeads: 1, TokensPerDecode: 1},
		loras:       make(map[uint32]string),
		vocab:       32000,
	}, nil
}

func (l *Llama) BackendName() string { return "llama" }

func (l *Llama) tokens() []int32 {
	if l.processed == nil {
		return nil
	}
	return l.processed.Tokens
}

func (l *Llama) Prefill(inputs Inputs, params PrefillParams) error {
	if params.Cancel != nil && params.Cancel.Load() {
		return status.Cancelledf("prefill cancelled before start")
	}
	step := l.state.CurrentStep
	if params.CurrentStep >= 0 {
		step = params.CurrentStep
	}
	toks := l.tokens()
	if step > len(toks) {
		return status.InvalidArgumentf("prefill step %d beyond processed tokens %d", step, len(toks))
	}
	if l.processed == nil {
		l.processed = &ProcessedContext{}
	}
	l.processed.Tokens = append(l.processed.Tokens[:step], inputs.TokenIDs...)
	l.state.CurrentStep = step + len(inputs.TokenIDs)
	return nil
}

func (l *Llama) Decode(params DecodeParams) ([]int32, error) {
	if params.Cancel != nil && params.Cancel.Load() {
		return nil, status.Cancelledf("decode cancelled before start")
	}
	step := l.state.CurrentStep
	toks := l.tokens()
	if step > len(toks) {
		return nil, status.Internalf("decode step %d beyond processed tokens %d", step, len(toks))
	}
	prompt, err := l.detok(toks[:step])
	if err != nil {
		return nil, status.Wrap(status.CodeInternal, err, "detokenizing resident prefix")
	}

	var tokenText string
	l.model.SetTokenCallback(func(t string) bool {
		tokenText = t
		return false // one step per Decode call
	})
	if _, err := l.model.Predict(prompt, l.predictOptions()...); err != nil && tokenText == "" {
		if params.Cancel != nil && params.Cancel.Load() {
			return nil, status.Cancelledf("decode cancelled")
		}
		return nil, status.Wrap(status.CodeInternal, err, "llama predict")
	}
	ids, err := l.tok(tokenText)
	if err != nil || len(ids) == 0 {
		return nil, status.Internalf("decoded token %q did not round-trip through the tokenizer", tokenText)
	}
	next := ids[0]
	l.processed.Tokens = append(l.processed.Tokens[:step], next)
	l.state.CurrentStep = step + 1
	l.state.RanDecode = true
	return []int32{next}, nil
}

func (l *Llama) DecodeLogits(inputs Inputs) ([]float32, error) {
	return nil, status.Unimplementedf("llama backend does not expose logits")
}

func (l *Llama) predictOptions() []llama.PredictOption {
	s := l.cfg.Sampler
	po := []llama.PredictOption{
		llama.SetTokens(1),
		llama.SetThreads(maxInt(1, l.mathThreads)),
	}
	if s.Temperature > 0 {
		po = append(po, llama.SetTemperature(s.Temperature))
	}
	if s.Type == SamplerTopK && s.K > 0 {
		po = append(po, llama.SetTopK(s.K))
	}
	if s.Type == SamplerTopP && s.P > 0 {
		po = append(po, llama.SetTopP(s.P))
	}
	if s.Seed != 0 {
		po = append(po, llama.SetSeed(int(s.Seed)))
	}
	return po
}

func (l *Llama) CloneContext() (*Context, error) {
	cfg := l.cfg
	st := l.state
	return &Context{Processed: l.processed.Clone(), Config: &cfg, State: &st}, nil
}

func (l *Llama) RestoreContext(ctx *Context) error {
	if ctx == nil {
		return status.InvalidArgumentf("nil context")
	}
	l.processed = ctx.Processed
	if ctx.Config != nil {
		l.cfg = *ctx.Config
	}
	if ctx.State != nil {
		l.state = *ctx.State
	} else {
		l.state = RuntimeState{}
	}
	return nil
}

func (l *Llama) CreateNewContext(loraID *uint32, cfg RuntimeConfig) (*Context, error) {
	state := RuntimeState{}
	return &Context{Processed: &ProcessedContext{LoraID: loraID}, Config: &cfg, State: &state}, nil
}

func (l *Llama) RuntimeConfig() (RuntimeConfig, error) { return l.cfg, nil }
func (l *Llama) UpdateRuntimeConfig(cfg RuntimeConfig) error {
	l.cfg = cfg
	return nil
}
func (l *Llama) RuntimeState() (RuntimeState, error) { return l.state, nil }
func (l *Llama) UpdateRuntimeState(st RuntimeState) error {
	if st.CurrentStep < 0 || st.CurrentStep > len(l.tokens()) {
		return status.InvalidArgumentf("runtime state step %d out of range [0,%d]", st.CurrentStep, len(l.tokens()))
	}
	l.state = st
	return nil
}

func (l *Llama) CurrentStep() (int, error) { return l.state.CurrentStep, nil }
func (l *Llama) SetCurrentStep(step int) error {
	if step < 0 || step > len(l.tokens()) {
		return status.InvalidArgumentf("step %d out of range [0,%d]", step, len(l.tokens()))
	}
	l.state.CurrentStep = step
	return nil
}

func (l *Llama) ProcessedTokens() ([]int32, error) { return l.tokens(), nil }

func (l *Llama) LoadLoRA(id uint32, path string) error {
	if _, ok := l.loras[id]; ok {
		return status.AlreadyExistsf("lora %d already loaded", id)
	}
	// go-llama.cpp has no runtime adapter loading; record the id so the
	// resource manager's bookkeeping stays consistent.
	l.loras[id] = path
	return nil
}

func (l *Llama) UnloadLoRA(id uint32) error {
	if _, ok := l.loras[id]; !ok {
		return status.NotFoundf("lora %d not loaded", id)
	}
	delete(l.loras, id)
	return nil
}

func (l *Llama) Cancel() error { return nil }

func (l *Llama) Reset() error {
	l.processed = nil
	l.state = RuntimeState{}
	return nil
}

func (l *Llama) VocabSize() (int, error) { return l.vocab, nil }
func (l *Llama) NumThreads() int         { return 1 }

// Close frees the underlying model.
func (l *Llama) Close() error {
	if l.model != nil {
		l.model.Free()
		l.model = nil
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
