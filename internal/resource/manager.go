package resource

import (
	"sync"

	"github.com/rs/zerolog"

	"inferd/internal/executor"
	"inferd/internal/status"
	"inferd/pkg/types"
)

// Manager owns the executor and the identity of the currently active
// context handler. All executor access goes through scoped handles
// acquired here; the handle holds the executor mutex for its lifetime.
type Manager struct {
	log zerolog.Logger

	mu      sync.Mutex
	exec    executor.Executor
	current *ContextHandler

	// lora path -> dense id, guarded by mu (lora loads go through the
	// executor anyway).
	loraIDs map[string]uint32

	audioMu   sync.Mutex
	audioExec executor.AudioExecutor

	vision executor.VisionEncoder
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger installs a structured logger.
func WithLogger(log zerolog.Logger) Option { return func(m *Manager) { m.log = log } }

// WithAudioExecutor attaches an optional audio executor.
func WithAudioExecutor(a executor.AudioExecutor) Option {
	return func(m *Manager) { m.audioExec = a }
}

// WithVisionEncoder attaches an optional vision encoder.
func WithVisionEncoder(v executor.VisionEncoder) Option {
	return func(m *Manager) { m.vision = v }
}

// NewManager wraps exec. The executor must never be swapped out from under
// the manager.
func NewManager(exec executor.Executor, opts ...Option) (*Manager, error) {
	if exec == nil {
		return nil, status.InvalidArgumentf("executor must not be nil")
	}
	m := &Manager{
		log:     zerolog.Nop(),
		exec:    exec,
		loraIDs: make(map[string]uint32),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// VisionEncoder returns the attached vision encoder, nil if none.
func (m *Manager) VisionEncoder() executor.VisionEncoder { return m.vision }

// HasAudioExecutor reports whether an audio executor is attached.
func (m *Manager) HasAudioExecutor() bool { return m.audioExec != nil }

// AcquireAudioExecutor locks and returns the audio executor together with
// its release func.
func (m *Manager) AcquireAudioExecutor() (executor.AudioExecutor, func(), error) {
	if m.audioExec == nil {
		return nil, nil, status.FailedPreconditionf("no audio executor attached")
	}
	m.audioMu.Lock()
	return m.audioExec, func() { m.audioMu.Unlock() }, nil
}

// AcquireExecutor returns an exclusive handle with no session context,
// used for session-less operations such as LoRA loading.
func (m *Manager) AcquireExecutor() (*Handle, error) {
	m.mu.Lock()
	return &Handle{m: m}, nil
}

// AcquireExecutorWith returns an exclusive handle bound to h, switching
// the executor's resident context to h's if another handler is active.
func (m *Manager) AcquireExecutorWith(h *ContextHandler) (*Handle, error) {
	if h == nil {
		return nil, status.InvalidArgumentf("context handler must not be nil")
	}
	if h.closed {
		return nil, status.FailedPreconditionf("context handler is closed")
	}
	m.mu.Lock()
	if err := m.switchLocked(h); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	return &Handle{m: m, handler: h}, nil
}

// switchLocked implements the context-switch algorithm. Caller holds mu.
func (m *Manager) switchLocked(next *ContextHandler) error {
	if next == m.current {
		return nil
	}
	m.log.Info().
		Bool("has_current", m.current != nil).
		Bool("same_shared_context", m.current != nil && next.shared == m.current.shared).
		Bool("target_has_config", next.HasRuntimeConfig()).
		Bool("target_has_state", next.HasRuntimeState()).
		Bool("target_has_context", next.shared.HasContext()).
		Msg("context switch begin")

	if m.current != nil && next.shared == m.current.shared {
		if err := m.switchSameSharedLocked(next); err != nil {
			return err
		}
	} else {
		if err := m.switchRestoreLocked(next); err != nil {
			return err
		}
	}
	if err := m.switchAudioLocked(next); err != nil {
		return err
	}

	m.current = next
	contextSwapsTotal.Inc()
	m.log.Info().
		Bool("current_has_config", next.HasRuntimeConfig()).
		Bool("current_has_state", next.HasRuntimeState()).
		Bool("current_has_context", next.shared.HasContext()).
		Msg("context switch end")
	return nil
}

// switchSameSharedLocked handles two handlers aliasing one processed
// context: only the runtime config and state move; the heavy context stays
// resident.
func (m *Manager) switchSameSharedLocked(next *ContextHandler) error {
	curCfg, err := m.exec.RuntimeConfig()
	if err != nil {
		return err
	}
	curState, err := m.exec.RuntimeState()
	if err != nil {
		return err
	}
	m.current.setConfig(&curCfg)
	m.current.setState(&curState)

	cfg, err := next.takeConfig()
	if err != nil {
		return err
	}
	st, err := next.takeState()
	if err != nil {
		return err
	}
	toks, err := m.exec.ProcessedTokens()
	if err != nil {
		return err
	}
	m.clampStep(st, len(toks), "same_shared_context")
	if err := m.exec.UpdateRuntimeConfig(*cfg); err != nil {
		return err
	}
	return m.exec.UpdateRuntimeState(*st)
}

// switchRestoreLocked saves the outgoing context (if any) into its
// handler and restores the incoming handler's context into the executor.
func (m *Manager) switchRestoreLocked(next *ContextHandler) error {
	if m.current != nil {
		ctx, err := m.exec.CloneContext()
		if err != nil {
			return err
		}
		m.current.setConfig(ctx.Config)
		m.current.setState(ctx.State)
		m.current.shared.setContext(ctx.Processed)
	}

	cfg, err := next.takeConfig()
	if err != nil {
		return err
	}
	st, err := next.takeState()
	if err != nil {
		return err
	}
	processed := next.shared.takeContext()
	count := processed.TokenCount()
	m.clampStep(st, count, "restored_context")

	fresh := count == 0 && st.CurrentStep == 0 && !st.RanDecode
	m.log.Info().
		Int("token_count", count).
		Int("current_step", st.CurrentStep).
		Bool("ran_decode", st.RanDecode).
		Bool("fresh", fresh).
		Msg("restore context decision")
	if fresh {
		var loraID *uint32
		if processed != nil {
			loraID = processed.LoraID
		}
		ctx, err := m.exec.CreateNewContext(loraID, *cfg)
		if err != nil {
			return err
		}
		if err := m.exec.RestoreContext(ctx); err != nil {
			return err
		}
		return m.exec.UpdateRuntimeState(*st)
	}
	return m.exec.RestoreContext(&executor.Context{
		Processed: processed,
		Config:    cfg,
		State:     st,
	})
}

// switchAudioLocked snapshots the outgoing audio state and restores the
// incoming one.
func (m *Manager) switchAudioLocked(next *ContextHandler) error {
	if m.audioExec == nil {
		return nil
	}
	if m.current != nil && m.current.HasAudioContext() {
		audio, release, err := m.AcquireAudioExecutor()
		if err != nil {
			return err
		}
		snap, err := audio.CloneContext()
		release()
		if err != nil {
			if !status.IsUnimplemented(err) {
				return err
			}
			// Keep the stale snapshot the handler already holds.
			m.log.Warn().Err(err).Msg("audio context snapshot unavailable; keeping previous snapshot")
		} else {
			m.current.audio = snap
		}
	}
	if next.HasAudioContext() {
		audio, release, err := m.AcquireAudioExecutor()
		if err != nil {
			return err
		}
		err = audio.RestoreContext(next.audio.Clone())
		release()
		if err != nil {
			return err
		}
	}
	return nil
}

// clampStep forces st.CurrentStep into [0, tokenCount], logging when it
// had to.
func (m *Manager) clampStep(st *executor.RuntimeState, tokenCount int, where string) {
	if st.CurrentStep > tokenCount {
		m.log.Warn().
			Int("current_step", st.CurrentStep).
			Int("token_count", tokenCount).
			Str("where", where).
			Msg("current step clamped")
		st.CurrentStep = tokenCount
		stepClampsTotal.Inc()
	}
	if st.CurrentStep < 0 {
		m.log.Warn().
			Int("current_step", st.CurrentStep).
			Str("where", where).
			Msg("negative current step clamped")
		st.CurrentStep = 0
		stepClampsTotal.Inc()
	}
}

// CreateContextHandler builds a fresh, suspended handler for a session:
// an empty processed context plus the runtime config derived from the
// session config. Session-scoped LoRA files are loaded here.
func (m *Manager) CreateContextHandler(cfg types.SessionConfig) (*ContextHandler, error) {
	if cfg.NumOutputCandidates < 1 {
		return nil, status.InvalidArgumentf("num output candidates must be >= 1, got %d", cfg.NumOutputCandidates)
	}
	loraID, fresh, err := m.assignLoraID(cfg.ScopedLoraPath)
	if err != nil {
		return nil, err
	}
	runtimeCfg := executor.RuntimeConfig{
		OutputHeads:     cfg.NumOutputCandidates,
		TokensPerDecode: 1,
	}

	m.mu.Lock()
	if loraID != nil && fresh {
		if err := m.exec.LoadLoRA(*loraID, cfg.ScopedLoraPath); err != nil {
			m.mu.Unlock()
			return nil, err
		}
	}
	ctx, err := m.exec.CreateNewContext(loraID, runtimeCfg)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var audioCtx *executor.AudioContext
	if cfg.EnableAudio && m.audioExec != nil {
		audio, release, err := m.AcquireAudioExecutor()
		if err != nil {
			return nil, err
		}
		if audio.IsStreaming() {
			audioCtx, err = audio.CreateNewContext()
		}
		release()
		if err != nil {
			return nil, err
		}
	}
	return newHandler(ctx, audioCtx), nil
}

// CloneContextHandler produces a suspended handler whose processed context
// is shared with src and whose runtime config/state are deep copies. This
// is the cheap half of session cloning; divergence later triggers
// copy-on-write inside the scoped handle.
func (m *Manager) CloneContextHandler(src *ContextHandler) (*ContextHandler, error) {
	if src == nil {
		return nil, status.InvalidArgumentf("source context handler must not be nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var cfg executor.RuntimeConfig
	var st executor.RuntimeState
	if src.HasRuntimeConfig() && src.HasRuntimeState() {
		cfg = *src.config
		st = *src.state
	} else {
		// src is loaded into the executor; read its live state. Safe
		// because the single execution worker serializes clone against
		// every other executor operation.
		if m.current != src {
			return nil, status.Internalf(
				"clone source owns no runtime state and is not the active handler")
		}
		var err error
		if cfg, err = m.exec.RuntimeConfig(); err != nil {
			return nil, err
		}
		if st, err = m.exec.RuntimeState(); err != nil {
			return nil, err
		}
	}

	var audioCtx *executor.AudioContext
	if src.HasAudioContext() {
		if m.current == src && m.audioExec != nil {
			m.audioMu.Lock()
			snap, err := m.audioExec.CloneContext()
			m.audioMu.Unlock()
			switch {
			case err == nil:
				audioCtx = snap
			case status.IsUnimplemented(err):
				// Degraded clone: the live streaming state cannot be
				// snapshotted; carry the last saved one instead.
				m.log.Warn().Err(err).Msg("audio context cloning unimplemented; clone proceeds with stale audio state")
				audioCtx = src.audio.Clone()
			default:
				return nil, err
			}
		} else {
			audioCtx = src.audio.Clone()
		}
	}

	clone := &ContextHandler{
		shared: src.shared,
		config: &cfg,
		state:  &st,
		audio:  audioCtx,
	}
	clone.shared.handlers[clone] = struct{}{}
	return clone, nil
}

// CloseHandler destroys a handler. A suspended handler just detaches from
// its shared cell; an active one is swapped out first so the executor is
// left in a defined state, with its content saved for any siblings.
func (m *Manager) CloseHandler(h *ContextHandler) error {
	if h == nil || h.closed {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == h {
		if len(h.shared.handlers) > 1 {
			ctx, err := m.exec.CloneContext()
			if err != nil {
				return err
			}
			h.shared.setContext(ctx.Processed)
		}
		if err := m.exec.Reset(); err != nil {
			return err
		}
		m.current = nil
	}
	delete(h.shared.handlers, h)
	h.closed = true
	return nil
}

// assignLoraID maps a lora path to a dense id, reporting whether the id is
// newly assigned (and therefore needs loading).
func (m *Manager) assignLoraID(path string) (*uint32, bool, error) {
	if path == "" {
		return nil, false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.loraIDs[path]; ok {
		return &id, false, nil
	}
	id := uint32(len(m.loraIDs))
	m.loraIDs[path] = id
	return &id, true, nil
}

// LoadLoRA loads an adapter on the session-less path and returns its id.
func (m *Manager) LoadLoRA(path string) (uint32, error) {
	id, fresh, err := m.assignLoraID(path)
	if err != nil {
		return 0, err
	}
	if id == nil {
		return 0, status.InvalidArgumentf("lora path is empty")
	}
	if !fresh {
		return *id, nil
	}
	handle, err := m.AcquireExecutor()
	if err != nil {
		return 0, err
	}
	defer handle.Release()
	if err := handle.LoadLoRA(*id, path); err != nil {
		return 0, err
	}
	return *id, nil
}

// ActiveHandler returns the currently active handler, for tests and
// status reporting.
func (m *Manager) ActiveHandler() *ContextHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// BackendName reports the executor backend.
func (m *Manager) BackendName() string { return m.exec.BackendName() }

// ExecutorThreads reports the executor's advertised internal parallelism.
func (m *Manager) ExecutorThreads() int { return m.exec.NumThreads() }
