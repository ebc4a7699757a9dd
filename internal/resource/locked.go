package resource

import (
	"inferd/internal/executor"
	"inferd/internal/status"
)

// Handle is a scoped executor handle. It holds the executor mutex from
// acquisition until Release, so every method is single-threaded by
// construction. Handles bound to a context handler additionally apply the
// prefix-match optimization on Prefill and the copy-on-write check before
// any cache-mutating call.
type Handle struct {
	m        *Manager
	handler  *ContextHandler
	released bool
}

// Release returns the executor to the manager. Idempotent.
func (h *Handle) Release() {
	if h.released {
		return
	}
	h.released = true
	h.m.mu.Unlock()
}

// Prefill absorbs inputs, reusing any leading tokens that match the
// resident processed prefix and only prefilling the tail.
func (h *Handle) Prefill(inputs executor.Inputs, params executor.PrefillParams) error {
	// Session-less handles forward verbatim.
	if h.handler == nil {
		return h.m.exec.Prefill(inputs, params)
	}
	if len(inputs.TokenIDs) == 0 {
		return nil
	}

	step, err := h.m.exec.CurrentStep()
	if err != nil {
		return err
	}
	if params.CurrentStep >= 0 {
		step = params.CurrentStep
	}
	toks, err := h.m.exec.ProcessedTokens()
	if err != nil {
		return err
	}
	count := len(toks)
	if step > count {
		h.m.log.Warn().Int("current_step", step).Int("token_count", count).
			Msg("prefill step clamped")
		step = count
		stepClampsTotal.Inc()
	}
	// Positioned right after the last processed token: nothing to match.
	if step == count {
		params.CurrentStep = step
		return h.m.exec.Prefill(inputs, params)
	}

	// Drop input tokens that replay the resident prefix starting at step.
	ids := inputs.TokenIDs
	matched := 0
	for matched < len(ids) && step+matched < count && toks[step+matched] == ids[matched] {
		matched++
	}
	if matched > 0 {
		step += matched
		ids = ids[matched:]
		prefixMatchedTokensTotal.Add(float64(matched))
	}

	// Everything already processed: just reposition.
	if len(ids) == 0 {
		return h.m.exec.SetCurrentStep(step)
	}

	inputs.TokenIDs = ids
	params.CurrentStep = step
	if step == count {
		return h.m.exec.Prefill(inputs, params)
	}

	// The tail diverges below the resident token count; snapshot for any
	// sibling further along before the prefill truncates.
	if err := h.maybeDiverge(step); err != nil {
		return err
	}
	if err := h.m.exec.SetCurrentStep(step); err != nil {
		return err
	}
	return h.m.exec.Prefill(inputs, params)
}

// Decode runs one generation step, diverging from any shared context
// first so the appended token only mutates this handler's copy.
func (h *Handle) Decode(params executor.DecodeParams) ([]int32, error) {
	if h.handler != nil {
		if err := h.maybeTruncate(); err != nil {
			return nil, err
		}
	}
	return h.m.exec.Decode(params)
}

// DecodeLogits runs the model without sampling, applying the same
// copy-on-write check as Decode because the executor may truncate to the
// current step.
func (h *Handle) DecodeLogits(inputs executor.Inputs) ([]float32, error) {
	if h.handler != nil {
		if err := h.maybeTruncate(); err != nil {
			return nil, err
		}
	}
	return h.m.exec.DecodeLogits(inputs)
}

// maybeTruncate applies the decode-time copy-on-write check: if the
// current step is inside the processed tokens and a sibling is further
// along, snapshot for the sibling, then reposition (truncation happens on
// the next append).
func (h *Handle) maybeTruncate() error {
	step, err := h.m.exec.CurrentStep()
	if err != nil {
		return err
	}
	toks, err := h.m.exec.ProcessedTokens()
	if err != nil {
		return err
	}
	if len(toks) == step {
		return nil
	}
	if err := h.maybeDiverge(step); err != nil {
		return err
	}
	return h.m.exec.SetCurrentStep(step)
}

// maybeDiverge performs the copy-on-write snapshot when this handler is
// not the furthest-along holder of its shared context: the executor's
// resident context is copied back into the shared cell for the siblings,
// and this handler detaches onto a fresh cell whose content stays
// resident in the executor.
func (h *Handle) maybeDiverge(step int) error {
	longest, err := h.handler.shared.longestStep(h.m.exec, h.handler)
	if err != nil {
		return err
	}
	if longest == step {
		return nil
	}
	if err := h.handler.ownershipError(); err != nil {
		h.m.log.Error().Err(err).Msg("refusing copy-on-write with inconsistent handler ownership")
		return err
	}
	ctx, err := h.m.exec.CloneContext()
	if err != nil {
		return err
	}
	h.handler.shared.setContext(ctx.Processed)
	h.handler.detach(nil)
	cowDivergencesTotal.Inc()
	h.m.log.Info().Int("step", step).Int("longest_step", longest).
		Msg("shared context diverged; snapshot saved for siblings")
	return nil
}

// The remaining methods forward to the executor under the held mutex.

func (h *Handle) CurrentStep() (int, error)         { return h.m.exec.CurrentStep() }
func (h *Handle) SetCurrentStep(step int) error     { return h.m.exec.SetCurrentStep(step) }
func (h *Handle) ProcessedTokens() ([]int32, error) { return h.m.exec.ProcessedTokens() }

func (h *Handle) RuntimeConfig() (executor.RuntimeConfig, error) { return h.m.exec.RuntimeConfig() }
func (h *Handle) UpdateRuntimeConfig(cfg executor.RuntimeConfig) error {
	return h.m.exec.UpdateRuntimeConfig(cfg)
}
func (h *Handle) RuntimeState() (executor.RuntimeState, error) { return h.m.exec.RuntimeState() }
func (h *Handle) UpdateRuntimeState(st executor.RuntimeState) error {
	return h.m.exec.UpdateRuntimeState(st)
}

func (h *Handle) LoadLoRA(id uint32, path string) error { return h.m.exec.LoadLoRA(id, path) }
func (h *Handle) UnloadLoRA(id uint32) error            { return h.m.exec.UnloadLoRA(id) }
func (h *Handle) VocabSize() (int, error)               { return h.m.exec.VocabSize() }

// Reset drops the resident context. Only valid on session-less handles;
// handler-bound callers must go through Manager.CloseHandler.
func (h *Handle) Reset() error {
	if h.handler != nil {
		return status.FailedPreconditionf("reset through a session-bound handle")
	}
	return h.m.exec.Reset()
}
