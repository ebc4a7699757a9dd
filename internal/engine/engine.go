// Package engine wires the executor, tokenizer and managers together and
// keeps the registry of live sessions the HTTP layer addresses by handle.
package engine

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"inferd/internal/executor"
	"inferd/internal/resource"
	"inferd/internal/sched"
	"inferd/internal/session"
	"inferd/internal/status"
	"inferd/internal/tokenizer"
	"inferd/pkg/types"
)

// Options configures engine construction.
type Options struct {
	// Backend selects the executor: "stub" or "llama".
	Backend string
	// ModelPath is required for the llama backend.
	ModelPath string
	CtxSize   int
	// MathThreads is intra-op parallelism handed to the native backend.
	// It is distinct from executor concurrency, which is always 1.
	MathThreads int

	// Models discovered on disk, reported via /status.
	Models []types.Model

	Logger zerolog.Logger
}

// Engine owns the runtime stack for one loaded model.
type Engine struct {
	log zerolog.Logger
	tok tokenizer.Tokenizer
	res *resource.Manager
	mgr *sched.Manager

	backend string
	models  []types.Model
	bench   *types.BenchmarkInfo

	sessMu   sync.Mutex
	sessions map[string]*session.Session
}

// New builds the full stack. The stub backend needs no model file.
func New(opts Options) (*Engine, error) {
	bench := types.NewBenchmarkInfo(types.BenchmarkParams{})

	bench.TimeInitPhaseStart(types.InitPhaseTokenizer)
	tok := tokenizer.NewByteLevel()
	bench.TimeInitPhaseEnd(types.InitPhaseTokenizer)

	bench.TimeInitPhaseStart(types.InitPhaseExecutor)
	var exec executor.Executor
	var err error
	switch opts.Backend {
	case "", "stub":
		exec = executor.NewStub()
	case "llama":
		exec, err = executor.NewLlama(opts.ModelPath, opts.CtxSize, opts.MathThreads,
			tok.IDsToText, tok.TextToIDs)
		if err != nil {
			return nil, err
		}
	default:
		return nil, status.InvalidArgumentf("unknown backend %q", opts.Backend)
	}
	bench.TimeInitPhaseEnd(types.InitPhaseExecutor)

	res, err := resource.NewManager(exec,
		resource.WithLogger(opts.Logger),
		resource.WithAudioExecutor(&executor.StubAudioExecutor{}),
		resource.WithVisionEncoder(&executor.StubVisionEncoder{}),
	)
	if err != nil {
		return nil, err
	}
	mgr, err := sched.NewManager(res, tok, sched.WithLogger(opts.Logger))
	if err != nil {
		return nil, err
	}
	return &Engine{
		log:      opts.Logger,
		tok:      tok,
		res:      res,
		mgr:      mgr,
		backend:  exec.BackendName(),
		models:   opts.Models,
		bench:    bench,
		sessions: make(map[string]*session.Session),
	}, nil
}

// Manager exposes the execution manager, mainly for tests.
func (e *Engine) Manager() *sched.Manager { return e.mgr }

// InitBenchmark returns the engine construction phase timings.
func (e *Engine) InitBenchmark() *types.BenchmarkInfo { return e.bench }

// Tokenizer returns the engine's tokenizer.
func (e *Engine) Tokenizer() tokenizer.Tokenizer { return e.tok }

// WaitUntilDone blocks until all scheduled work drained.
func (e *Engine) WaitUntilDone(timeout time.Duration) error {
	return e.mgr.WaitUntilAllDone(timeout)
}

// Close drains and stops the workers.
func (e *Engine) Close() error {
	err := e.mgr.WaitUntilAllDone(session.DefaultWaitTimeout)
	e.mgr.Close()
	return err
}

// Ready reports whether the engine accepts work.
func (e *Engine) Ready() bool { return true }

// Status summarizes the daemon for /status.
func (e *Engine) Status() types.StatusResponse {
	e.sessMu.Lock()
	n := len(e.sessions)
	e.sessMu.Unlock()
	return types.StatusResponse{
		Ready:    e.Ready(),
		Backend:  e.backend,
		Sessions: n,
		Models:   e.models,
	}
}

// CreateSession registers a session and returns its external handle.
func (e *Engine) CreateSession(req types.CreateSessionRequest) (types.SessionResponse, error) {
	cfg := types.DefaultSessionConfig()
	if req.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = req.MaxOutputTokens
	}
	if req.NumOutputCandidates > 0 {
		cfg.NumOutputCandidates = req.NumOutputCandidates
	}
	if req.ApplyPromptTemplate != nil {
		cfg.ApplyPromptTemplate = *req.ApplyPromptTemplate
	}
	cfg.ScopedLoraPath = req.ScopedLoraPath
	cfg.Benchmark = req.Benchmark
	cfg.EnableAudio = req.EnableAudio
	cfg.EnableVision = req.EnableVision

	s, err := session.New(e.mgr, cfg, session.WithLogger(e.log))
	if err != nil {
		return types.SessionResponse{}, err
	}
	handle := uuid.NewString()
	e.sessMu.Lock()
	e.sessions[handle] = s
	e.sessMu.Unlock()
	return types.SessionResponse{ID: handle, SessionID: s.ID()}, nil
}

func (e *Engine) lookup(handle string) (*session.Session, error) {
	e.sessMu.Lock()
	defer e.sessMu.Unlock()
	s, ok := e.sessions[handle]
	if !ok {
		return nil, status.NotFoundf("unknown session %q", handle)
	}
	return s, nil
}

// CloseSession tears a session down.
func (e *Engine) CloseSession(handle string) error {
	e.sessMu.Lock()
	s, ok := e.sessions[handle]
	delete(e.sessions, handle)
	e.sessMu.Unlock()
	if !ok {
		return status.NotFoundf("unknown session %q", handle)
	}
	return s.Close()
}

// CloneSession clones the addressed session and registers the clone under
// a new handle.
func (e *Engine) CloneSession(handle string) (types.SessionResponse, error) {
	s, err := e.lookup(handle)
	if err != nil {
		return types.SessionResponse{}, err
	}
	clone, err := s.Clone()
	if err != nil {
		return types.SessionResponse{}, err
	}
	newHandle := uuid.NewString()
	e.sessMu.Lock()
	e.sessions[newHandle] = clone
	e.sessMu.Unlock()
	return types.SessionResponse{ID: newHandle, SessionID: clone.ID()}, nil
}

// Score runs text scoring on the addressed session.
func (e *Engine) Score(handle string, req types.ScoreRequest) (types.ScoreResponse, error) {
	s, err := e.lookup(handle)
	if err != nil {
		return types.ScoreResponse{}, err
	}
	resp, err := s.RunTextScoring([]string{req.Target}, req.StoreTokenLengths)
	if err != nil {
		return types.ScoreResponse{}, err
	}
	return types.ScoreResponse{Scores: resp.Scores, TokenLengths: resp.TokenLengths}, nil
}

// Generate streams one prefill-then-decode turn as NDJSON chunks to w.
// Cancelling ctx cancels the session's pending work.
func (e *Engine) Generate(ctx context.Context, handle string, req types.GenerateRequest, w io.Writer, flush func()) error {
	s, err := e.lookup(handle)
	if err != nil {
		return err
	}
	if req.Prompt == "" {
		return status.InvalidArgumentf("prompt is required")
	}
	cfg := types.DecodeConfig{MaxOutputTokens: req.MaxOutputTokens}

	type event struct {
		resp types.Responses
		err  error
	}
	events := make(chan event, 64)
	if err := s.GenerateContentStream(
		[]types.InputData{{Text: req.Prompt}},
		func(resp types.Responses, err error) { events <- event{resp: resp, err: err} },
		cfg,
	); err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	cancelled := false
	for {
		select {
		case <-ctx.Done():
			if !cancelled {
				cancelled = true
				if cerr := e.mgr.CancelSession(s.ID()); cerr != nil {
					e.log.Warn().Err(cerr).Msg("cancelling session after client disconnect")
				}
			}
			// Keep draining so the callback worker never blocks on a
			// full channel.
			ev := <-events
			if ev.err != nil || types.IsTaskEndState(ev.resp.State) {
				return nil
			}
		case ev := <-events:
			if ev.err != nil {
				chunk := types.GenerateChunk{State: "failed", Error: ev.err.Error(), Done: true}
				if status.IsCancelled(ev.err) {
					chunk.State = types.TaskStateCancelled.String()
				}
				_ = enc.Encode(chunk)
				if flush != nil {
					flush()
				}
				return nil
			}
			chunk := types.GenerateChunk{
				Texts: ev.resp.Texts,
				State: ev.resp.State.String(),
				Done:  types.IsTaskEndState(ev.resp.State),
			}
			if err := enc.Encode(chunk); err != nil {
				return err
			}
			if flush != nil {
				flush()
			}
			if chunk.Done {
				return nil
			}
		}
	}
}

// LoadLoRA loads an adapter on the session-less executor path.
func (e *Engine) LoadLoRA(path string) (uint32, error) {
	return e.res.LoadLoRA(path)
}
