// Package resource owns the executor. It issues scoped handles that wrap
// executor access with exclusion, context swapping, prefix matching and
// copy-on-write, and it builds/clones the per-session context handlers.
package resource

import (
	"inferd/internal/executor"
	"inferd/internal/status"
)

// SharedContext is a reference-shared cell around an optional
// ProcessedContext. Several ContextHandlers may point at the same cell; an
// empty cell means the content currently resides inside the executor, and
// only the handler that is active may observe it that way.
//
// All fields are guarded transitively by the resource manager's executor
// mutex: the cell is only touched while a scoped handle is held.
type SharedContext struct {
	inner    *executor.ProcessedContext
	handlers map[*ContextHandler]struct{}
}

func newSharedContext(inner *executor.ProcessedContext) *SharedContext {
	return &SharedContext{
		inner:    inner,
		handlers: make(map[*ContextHandler]struct{}),
	}
}

// HasContext reports whether the cell currently holds content.
func (s *SharedContext) HasContext() bool { return s.inner != nil }

// setContext stores content into the cell.
func (s *SharedContext) setContext(p *executor.ProcessedContext) { s.inner = p }

// takeContext moves the content out of the cell.
func (s *SharedContext) takeContext() *executor.ProcessedContext {
	p := s.inner
	s.inner = nil
	return p
}

// tokenCount is the cell's token count, zero when empty.
func (s *SharedContext) tokenCount() int { return s.inner.TokenCount() }

// longestStep returns the furthest logical step among all handlers sharing
// this cell. Suspended handlers contribute their saved runtime state; the
// active handler (if it shares this cell) contributes the executor's
// current step.
func (s *SharedContext) longestStep(exec executor.Executor, active *ContextHandler) (int, error) {
	longest := 0
	for h := range s.handlers {
		var step int
		switch {
		case h == active:
			cur, err := exec.CurrentStep()
			if err != nil {
				return 0, err
			}
			step = cur
		case h.state != nil:
			step = h.state.CurrentStep
		default:
			return 0, status.Internalf("handler sharing a context owns no runtime state and is not active")
		}
		if step > longest {
			longest = step
		}
	}
	return longest, nil
}

// ContextHandler is the per-session bundle of executor-side state. Exactly
// one handler at a time is active (its state lives inside the executor,
// all three owned fields absent); every other handler is suspended (all
// three present). See ownershipError for the enforcement.
type ContextHandler struct {
	shared *SharedContext
	config *executor.RuntimeConfig
	state  *executor.RuntimeState
	audio  *executor.AudioContext
	closed bool
}

// newHandler builds a suspended handler owning the given context parts and
// registers it with a fresh shared cell.
func newHandler(ctx *executor.Context, audio *executor.AudioContext) *ContextHandler {
	h := &ContextHandler{
		shared: newSharedContext(ctx.Processed),
		config: ctx.Config,
		state:  ctx.State,
		audio:  audio,
	}
	h.shared.handlers[h] = struct{}{}
	return h
}

// Shared returns the handler's shared cell.
func (h *ContextHandler) Shared() *SharedContext { return h.shared }

// HasRuntimeConfig reports whether the handler owns its runtime config.
func (h *ContextHandler) HasRuntimeConfig() bool { return h.config != nil }

// HasRuntimeState reports whether the handler owns its runtime state.
func (h *ContextHandler) HasRuntimeState() bool { return h.state != nil }

// HasAudioContext reports whether the handler carries audio state.
func (h *ContextHandler) HasAudioContext() bool { return h.audio != nil }

func (h *ContextHandler) takeConfig() (*executor.RuntimeConfig, error) {
	if h.config == nil {
		return nil, status.Internalf("context handler has no runtime config while being activated")
	}
	cfg := h.config
	h.config = nil
	return cfg, nil
}

func (h *ContextHandler) takeState() (*executor.RuntimeState, error) {
	if h.state == nil {
		return nil, status.Internalf("context handler has no runtime state while being activated")
	}
	st := h.state
	h.state = nil
	return st, nil
}

func (h *ContextHandler) setConfig(cfg *executor.RuntimeConfig) { h.config = cfg }
func (h *ContextHandler) setState(st *executor.RuntimeState)    { h.state = st }

// ownershipError checks the active-handler invariant: a handler loaded in
// the executor must own none of config, state or shared content. A
// violation is an internal error the caller must refuse to normalize.
func (h *ContextHandler) ownershipError() error {
	if h.config != nil || h.state != nil || h.shared.HasContext() {
		return status.Internalf(
			"ownership invariant violated: active handler owns artifacts (config=%t state=%t context=%t)",
			h.config != nil, h.state != nil, h.shared.HasContext())
	}
	return nil
}

// detach moves the handler onto a fresh shared cell holding inner. Used by
// copy-on-write divergence.
func (h *ContextHandler) detach(inner *executor.ProcessedContext) {
	delete(h.shared.handlers, h)
	h.shared = newSharedContext(inner)
	h.shared.handlers[h] = struct{}{}
}
