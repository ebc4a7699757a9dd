// Package session exposes the per-session API: prefill, decode, text
// scoring and cloning, with automatic in-session ordering through the
// last-task-ids dependency chain.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/executor"
	"inferd/internal/prompt"
	"inferd/internal/sched"
	"inferd/internal/status"
	"inferd/pkg/types"
)

// State tracks where the session is in its turn cycle.
type State int

const (
	StateFresh State = iota
	StatePrefilled
	StateDecoded
)

// DefaultWaitTimeout bounds the synchronous wrappers.
const DefaultWaitTimeout = 2 * time.Minute

// TaskController lets a caller cancel or await one submitted task.
type TaskController struct {
	taskID types.TaskID
	cancel *atomic.Bool
	mgr    *sched.Manager
}

// TaskID returns the controlled task's id.
func (c *TaskController) TaskID() types.TaskID { return c.taskID }

// Cancel requests cancellation of the task.
func (c *TaskController) Cancel() error {
	c.cancel.Store(true)
	return c.mgr.Cancel(c.taskID)
}

// WaitUntilDone blocks until the task's terminal callback was delivered.
func (c *TaskController) WaitUntilDone(timeout time.Duration) error {
	return c.mgr.WaitForTask(c.taskID, timeout)
}

// Session is the caller-facing handle for one conversation.
type Session struct {
	id  types.SessionID
	mgr *sched.Manager
	tpl prompt.Template
	cfg types.SessionConfig
	log zerolog.Logger

	waitTimeout time.Duration

	mu          sync.Mutex
	state       State
	lastTaskIDs map[types.TaskID]struct{}
}

// Option configures a Session.
type Option func(*Session)

// WithLogger installs a structured logger.
func WithLogger(log zerolog.Logger) Option { return func(s *Session) { s.log = log } }

// WithTemplate overrides the prompt template.
func WithTemplate(tpl prompt.Template) Option { return func(s *Session) { s.tpl = tpl } }

// WithWaitTimeout overrides the synchronous wrappers' timeout.
func WithWaitTimeout(d time.Duration) Option { return func(s *Session) { s.waitTimeout = d } }

// New registers a session with the execution manager and returns its
// handle.
func New(mgr *sched.Manager, cfg types.SessionConfig, opts ...Option) (*Session, error) {
	if cfg.NumOutputCandidates == 0 {
		cfg.NumOutputCandidates = 1
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = types.DefaultSessionConfig().MaxOutputTokens
	}
	id, err := mgr.RegisterSession(cfg)
	if err != nil {
		return nil, err
	}
	s := &Session{
		id:          id,
		mgr:         mgr,
		tpl:         prompt.Default(),
		cfg:         cfg,
		log:         zerolog.Nop(),
		waitTimeout: DefaultWaitTimeout,
		state:       StateFresh,
		lastTaskIDs: make(map[types.TaskID]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ID returns the scheduler session id.
func (s *Session) ID() types.SessionID { return s.id }

// Config returns the session's immutable configuration.
func (s *Session) Config() types.SessionConfig { return s.cfg }

// Close cancels pending work and releases the session's executor context.
func (s *Session) Close() error { return s.mgr.CloseSession(s.id) }

func (s *Session) depsLocked() []types.TaskID {
	deps := make([]types.TaskID, 0, len(s.lastTaskIDs))
	for id := range s.lastTaskIDs {
		deps = append(deps, id)
	}
	return deps
}

// clearLastTaskIDs breaks the dependency chain after a terminal non-Done
// state, so the next submission starts fresh instead of inheriting the
// failure forever.
func (s *Session) clearLastTaskIDs(reason string) {
	s.mu.Lock()
	n := len(s.lastTaskIDs)
	s.lastTaskIDs = make(map[types.TaskID]struct{})
	s.mu.Unlock()
	s.log.Warn().
		Int64("session_id", int64(s.id)).
		Str("reason", reason).
		Int("prev_count", n).
		Msg("session dependency chain cleared")
}

// wrapCallback forwards every delivery to cb and clears the dependency
// chain on terminal non-Done outcomes. The session mutex is never held
// while cb runs.
func (s *Session) wrapCallback(cb sched.Callback, reason string) sched.Callback {
	return func(resp types.Responses, err error) {
		if err != nil {
			s.clearLastTaskIDs(reason + "_error")
		} else if resp.State != types.TaskStateDone && types.IsTaskEndState(resp.State) {
			s.clearLastTaskIDs(reason + "_" + resp.State.String())
		}
		if cb != nil {
			cb(resp, err)
		}
	}
}

// RunPrefillAsync preprocesses contents (templating, tokenization,
// modality encoding), schedules a prefill depending on the session's
// previous tasks, and advances the session state.
func (s *Session) RunPrefillAsync(contents []types.InputData, cb sched.Callback) (*TaskController, error) {
	if len(contents) == 0 {
		return nil, status.InvalidArgumentf("prefill contents must not be empty")
	}
	s.mu.Lock()
	firstTurn := s.state == StateFresh
	ctype := prompt.ContentNA
	if s.cfg.ApplyPromptTemplate {
		if firstTurn || s.state == StateDecoded {
			ctype = prompt.ContentFirst
		} else {
			ctype = prompt.ContentMiddle
		}
	}
	deps := s.depsLocked()
	s.mu.Unlock()

	inputs, err := s.preprocess(s.tpl.Apply(contents, ctype, firstTurn))
	if err != nil {
		return nil, err
	}
	cancel := &atomic.Bool{}
	taskID := s.mgr.NewTaskID()
	s.log.Info().
		Int64("session_id", int64(s.id)).
		Int64("task_id", int64(taskID)).
		Int("dep_count", len(deps)).
		Msg("prefill task created")
	if err := s.mgr.AddPrefillTask(s.id, taskID, inputs, deps, cancel,
		s.wrapCallback(cb, "prefill")); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.state = StatePrefilled
	s.lastTaskIDs = map[types.TaskID]struct{}{taskID: {}}
	s.mu.Unlock()
	return &TaskController{taskID: taskID, cancel: cancel, mgr: s.mgr}, nil
}

// RunPrefill is the synchronous twin of RunPrefillAsync.
func (s *Session) RunPrefill(contents []types.InputData) error {
	var (
		mu      sync.Mutex
		outcome error
	)
	ctrl, err := s.RunPrefillAsync(contents, func(resp types.Responses, err error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err != nil:
			outcome = err
		case resp.State == types.TaskStateCancelled || resp.State == types.TaskStateDependentTaskCancelled:
			outcome = status.CancelledWith(status.CancelDetails{
				ReasonCode: "PREFILL_TASK_CANCELLED_STATE",
				Origin:     "scheduler",
				SessionID:  s.id,
				IsPrefill:  true,
			})
		case resp.State == types.TaskStateFailed || resp.State == types.TaskStateDependentTaskFailed:
			outcome = status.Internalf("prefill ended in state %s", resp.State)
		}
	})
	if err != nil {
		return err
	}
	if err := ctrl.WaitUntilDone(s.waitTimeout); err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	return outcome
}

// decodeBudget resolves the effective max output tokens for a decode run.
func (s *Session) decodeBudget(cfg types.DecodeConfig) (int, error) {
	if cfg.MaxOutputTokens == nil {
		return s.cfg.MaxOutputTokens, nil
	}
	n := *cfg.MaxOutputTokens
	if n <= 0 {
		return 0, status.InvalidArgumentf("max output tokens must be positive, got %d", n)
	}
	if n > s.cfg.MaxOutputTokens {
		s.log.Warn().
			Int("requested", n).
			Int("session_max", s.cfg.MaxOutputTokens).
			Msg("decode budget clamped to session maximum")
		n = s.cfg.MaxOutputTokens
	}
	return n, nil
}

// RunDecodeAsync schedules a decode run. When templating is enabled, a
// final templated prefill marking the end of the user turn is inserted
// first, depending on the same chain.
func (s *Session) RunDecodeAsync(cb sched.Callback, cfg types.DecodeConfig) (*TaskController, error) {
	budget, err := s.decodeBudget(cfg)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.state != StatePrefilled {
		s.mu.Unlock()
		return nil, status.FailedPreconditionf("session %d is not prefilled", s.id)
	}
	deps := s.depsLocked()
	s.mu.Unlock()

	cancel := &atomic.Bool{}
	if s.cfg.ApplyPromptTemplate {
		flush := s.tpl.Apply([]types.InputData{{Text: ""}}, prompt.ContentLast, false)
		if len(flush) > 0 {
			inputs, err := s.preprocess(flush)
			if err != nil {
				return nil, err
			}
			flushID := s.mgr.NewTaskID()
			s.log.Info().
				Int64("session_id", int64(s.id)).
				Int64("task_id", int64(flushID)).
				Msg("tail template flush prefill created")
			if err := s.mgr.AddPrefillTask(s.id, flushID, inputs, deps, cancel, nil); err != nil {
				return nil, err
			}
			deps = []types.TaskID{flushID}
			s.mu.Lock()
			s.lastTaskIDs = map[types.TaskID]struct{}{flushID: {}}
			s.mu.Unlock()
		}
	}

	taskID := s.mgr.NewTaskID()
	s.log.Info().
		Int64("session_id", int64(s.id)).
		Int64("task_id", int64(taskID)).
		Int("dep_count", len(deps)).
		Msg("decode task created")
	if err := s.mgr.AddDecodeTask(s.id, taskID, deps, cfg, budget, cancel,
		s.wrapCallback(cb, "decode")); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.state = StateDecoded
	s.lastTaskIDs = map[types.TaskID]struct{}{taskID: {}}
	s.mu.Unlock()
	return &TaskController{taskID: taskID, cancel: cancel, mgr: s.mgr}, nil
}

// RunDecode is the synchronous twin of RunDecodeAsync: it accumulates the
// streamed tokens into one Responses value and normalizes the scores by
// the number of decoded tokens.
func (s *Session) RunDecode(cfg types.DecodeConfig) (types.Responses, error) {
	heads := s.cfg.NumOutputCandidates
	var (
		mu        sync.Mutex
		collected = types.Responses{
			State:  types.TaskStateCreated,
			Texts:  make([]string, heads),
			Scores: make([]float32, heads),
		}
		tokens  int
		outcome error
	)
	ctrl, err := s.RunDecodeAsync(func(resp types.Responses, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			outcome = err
			return
		}
		collected.State = resp.State
		if resp.State == types.TaskStateCancelled || resp.State == types.TaskStateDependentTaskCancelled {
			outcome = status.CancelledWith(status.CancelDetails{
				ReasonCode: "DECODE_TASK_CANCELLED_STATE",
				Origin:     "scheduler",
				SessionID:  s.id,
				IsDecode:   true,
			})
			return
		}
		if len(resp.Texts) == len(collected.Texts) {
			tokens++
			for i := range resp.Texts {
				collected.Texts[i] += resp.Texts[i]
			}
		}
		if len(resp.Scores) == len(collected.Scores) {
			for i := range resp.Scores {
				collected.Scores[i] += resp.Scores[i]
			}
		}
		if types.IsTaskEndState(resp.State) && tokens > 0 {
			for i := range collected.Scores {
				collected.Scores[i] /= float32(tokens)
			}
		}
	}, cfg)
	if err != nil {
		return types.Responses{}, err
	}
	if err := ctrl.WaitUntilDone(s.waitTimeout); err != nil {
		return types.Responses{}, err
	}
	mu.Lock()
	defer mu.Unlock()
	if outcome != nil {
		return types.Responses{}, outcome
	}
	return collected, nil
}

// RunTextScoringAsync scores targets against the current context.
// Only single-element batches are supported.
func (s *Session) RunTextScoringAsync(targets []string, storeTokenLengths bool, cb sched.Callback) (*TaskController, error) {
	if len(targets) != 1 {
		return nil, status.InvalidArgumentf("target text batch must have exactly 1 element, got %d", len(targets))
	}
	ids, err := s.mgr.Tokenizer().TextToIDs(targets[0])
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	deps := s.depsLocked()
	s.mu.Unlock()
	cancel := &atomic.Bool{}
	taskID := s.mgr.NewTaskID()
	if err := s.mgr.AddTextScoringTask(s.id, taskID, deps, ids, storeTokenLengths,
		cancel, s.wrapCallback(cb, "text_score")); err != nil {
		return nil, err
	}
	return &TaskController{taskID: taskID, cancel: cancel, mgr: s.mgr}, nil
}

// RunTextScoring is the synchronous twin of RunTextScoringAsync.
func (s *Session) RunTextScoring(targets []string, storeTokenLengths bool) (types.Responses, error) {
	var (
		mu        sync.Mutex
		collected types.Responses
		outcome   error
	)
	ctrl, err := s.RunTextScoringAsync(targets, storeTokenLengths, func(resp types.Responses, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			outcome = err
			return
		}
		collected = resp
	})
	if err != nil {
		return types.Responses{}, err
	}
	if err := ctrl.WaitUntilDone(s.waitTimeout); err != nil {
		return types.Responses{}, err
	}
	mu.Lock()
	defer mu.Unlock()
	if outcome != nil {
		return types.Responses{}, outcome
	}
	return collected, nil
}

// CloneAsync registers a new session sharing this one's configuration and
// schedules a clone of the executor context. Until either side diverges,
// both share the same processed context. Operations submitted on the
// returned session automatically wait for the clone to complete.
func (s *Session) CloneAsync(cb sched.Callback) (*Session, error) {
	s.mu.Lock()
	deps := s.depsLocked()
	state := s.state
	s.mu.Unlock()

	newID, err := s.mgr.RegisterSession(s.cfg)
	if err != nil {
		return nil, err
	}
	taskID := s.mgr.NewTaskID()
	if err := s.mgr.AddCloneSessionTask(s.id, taskID, deps, newID, &atomic.Bool{},
		s.wrapCallback(cb, "clone")); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.lastTaskIDs = map[types.TaskID]struct{}{taskID: {}}
	s.mu.Unlock()

	clone := &Session{
		id:          newID,
		mgr:         s.mgr,
		tpl:         s.tpl,
		cfg:         s.cfg,
		log:         s.log,
		waitTimeout: s.waitTimeout,
		state:       state,
		lastTaskIDs: map[types.TaskID]struct{}{taskID: {}},
	}
	return clone, nil
}

// Clone is the synchronous twin of CloneAsync.
func (s *Session) Clone() (*Session, error) {
	var (
		mu      sync.Mutex
		outcome error
	)
	done := make(chan struct{})
	clone, err := s.CloneAsync(func(resp types.Responses, err error) {
		mu.Lock()
		if err != nil {
			outcome = err
		} else if resp.State != types.TaskStateDone {
			outcome = status.Internalf("clone ended in state %s", resp.State)
		}
		mu.Unlock()
		close(done)
	})
	if err != nil {
		return nil, err
	}
	select {
	case <-done:
	case <-time.After(s.waitTimeout):
		return nil, status.DeadlineExceededf("timed out waiting for clone completion")
	}
	mu.Lock()
	defer mu.Unlock()
	if outcome != nil {
		return nil, outcome
	}
	return clone, nil
}

// GenerateContent composes prefill-then-decode synchronously.
func (s *Session) GenerateContent(contents []types.InputData) (types.Responses, error) {
	if err := s.RunPrefill(contents); err != nil {
		return types.Responses{}, err
	}
	return s.RunDecode(types.DecodeConfig{})
}

// GenerateContentStream composes prefill-then-decode, streaming decode
// deliveries to cb. A prefill error is passed to cb unchanged; any other
// non-Done terminal state of the prefill surfaces as a structured
// cancelled error, never as an empty response.
func (s *Session) GenerateContentStream(contents []types.InputData, cb sched.Callback, cfg types.DecodeConfig) error {
	_, err := s.RunPrefillAsync(contents, func(resp types.Responses, err error) {
		switch {
		case err != nil:
			s.clearLastTaskIDs("stream_prefill_error")
			cb(types.Responses{}, err)
		case resp.State == types.TaskStateDone:
			if _, derr := s.RunDecodeAsync(cb, cfg); derr != nil {
				s.log.Error().Err(derr).Msg("failed to start decode after prefill")
				cb(types.Responses{}, derr)
			}
		case types.IsTaskEndState(resp.State):
			s.log.Warn().
				Int64("session_id", int64(s.id)).
				Str("prefill_state", resp.State.String()).
				Msg("stream prefill ended without completing")
			s.clearLastTaskIDs("stream_prefill_" + resp.State.String())
			cb(types.Responses{}, status.CancelledWith(status.CancelDetails{
				ReasonCode: "PREFILL_TASK_CANCELLED_STATE",
				Origin:     "scheduler",
				SessionID:  s.id,
				IsPrefill:  true,
			}))
		}
	})
	return err
}

// preprocess turns caller-facing inputs into executor inputs: text is
// tokenized, images and audio run through their encoders, and benchmark
// sessions replace the prompt with synthetic tokens.
func (s *Session) preprocess(contents []types.InputData) ([]executor.Inputs, error) {
	if bench, _ := s.mgr.BenchmarkInfo(s.id); bench != nil && bench.Params.NumPrefillTokens > 0 {
		ids := make([]int32, bench.Params.NumPrefillTokens)
		for i := range ids {
			ids[i] = int32(i%250) + 1
		}
		return []executor.Inputs{{TokenIDs: ids}}, nil
	}
	tok := s.mgr.Tokenizer()
	res := s.mgr.Resources()
	out := make([]executor.Inputs, 0, len(contents))
	for _, c := range contents {
		switch {
		case c.TokenIDs != nil:
			out = append(out, executor.Inputs{TokenIDs: c.TokenIDs})
		case c.Image != nil:
			if !s.cfg.EnableVision {
				return nil, status.FailedPreconditionf("vision modality is not enabled for session %d", s.id)
			}
			enc := res.VisionEncoder()
			if enc == nil {
				return nil, status.FailedPreconditionf("no vision encoder attached")
			}
			emb, err := enc.Encode(c.Image)
			if err != nil {
				return nil, err
			}
			out = append(out, executor.Inputs{VisionEmbedding: emb})
		case c.Audio != nil:
			if !s.cfg.EnableAudio {
				return nil, status.FailedPreconditionf("audio modality is not enabled for session %d", s.id)
			}
			audio, release, err := res.AcquireAudioExecutor()
			if err != nil {
				return nil, err
			}
			emb, err := audio.Encode(c.Audio)
			release()
			if err != nil {
				return nil, err
			}
			out = append(out, executor.Inputs{AudioEmbedding: emb})
		default:
			ids, err := tok.TextToIDs(c.Text)
			if err != nil {
				return nil, err
			}
			if len(ids) == 0 {
				continue
			}
			out = append(out, executor.Inputs{TokenIDs: ids})
		}
	}
	if len(out) == 0 {
		return nil, status.InvalidArgumentf("prefill inputs are empty after preprocessing")
	}
	return out, nil
}
