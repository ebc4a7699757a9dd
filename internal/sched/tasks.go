package sched

import (
	"math"
	"sync/atomic"
	"time"

	"inferd/internal/executor"
	"inferd/internal/status"
	"inferd/internal/tokenizer"
	"inferd/pkg/types"
)

// AddPrefillTask schedules a prefill of the given preprocessed inputs.
func (m *Manager) AddPrefillTask(session types.SessionID, id types.TaskID,
	inputs []executor.Inputs, deps []types.TaskID, cancel *atomic.Bool, cb Callback) error {
	if len(inputs) == 0 {
		return status.InvalidArgumentf("prefill needs at least one input")
	}
	if cancel == nil {
		return status.InvalidArgumentf("cancel flag must not be nil")
	}
	rec := &taskRecord{
		id:       id,
		session:  session,
		kind:     types.TaskPrefill,
		deps:     deps,
		cancel:   cancel,
		callback: cb,
	}
	rec.run = func(rec *taskRecord) error { return m.runPrefill(rec, inputs) }
	return m.addTask(rec)
}

func (m *Manager) runPrefill(rec *taskRecord, inputs []executor.Inputs) error {
	srec, err := m.sessionRecord(rec.session)
	if err != nil {
		return err
	}
	handler, err := m.handlerFor(srec)
	if err != nil {
		return err
	}
	handle, err := m.res.AcquireExecutorWith(handler)
	if err != nil {
		return err
	}
	defer handle.Release()

	start := time.Now()
	tokens := 0
	for _, in := range inputs {
		if rec.cancel.Load() {
			return status.CancelledWith(status.CancelDetails{
				ReasonCode: "PREFILL_CANCEL_FLAG",
				Origin:     "scheduler",
				SessionID:  rec.session,
				IsPrefill:  true,
			})
		}
		params := executor.NewPrefillParams()
		params.Cancel = rec.cancel
		if err := handle.Prefill(in, params); err != nil {
			return err
		}
		tokens += len(in.TokenIDs)
	}
	if srec.benchmark != nil {
		srec.benchmark.RecordPrefillTurn(tokens, time.Since(start))
	}
	return nil
}

// AddDecodeTask schedules a decode run of up to maxOutputTokens steps.
// Each produced token is delivered through an intermediate callback with
// TaskStateRunning.
func (m *Manager) AddDecodeTask(session types.SessionID, id types.TaskID,
	deps []types.TaskID, cfg types.DecodeConfig, maxOutputTokens int,
	cancel *atomic.Bool, cb Callback) error {
	if maxOutputTokens <= 0 {
		return status.InvalidArgumentf("max output tokens must be positive, got %d", maxOutputTokens)
	}
	if cancel == nil {
		return status.InvalidArgumentf("cancel flag must not be nil")
	}
	rec := &taskRecord{
		id:       id,
		session:  session,
		kind:     types.TaskDecode,
		deps:     deps,
		cancel:   cancel,
		callback: cb,
	}
	rec.run = func(rec *taskRecord) error { return m.runDecode(rec, cfg, maxOutputTokens) }
	return m.addTask(rec)
}

func (m *Manager) runDecode(rec *taskRecord, cfg types.DecodeConfig, maxOutputTokens int) error {
	srec, err := m.sessionRecord(rec.session)
	if err != nil {
		return err
	}
	handler, err := m.handlerFor(srec)
	if err != nil {
		return err
	}
	handle, err := m.res.AcquireExecutorWith(handler)
	if err != nil {
		return err
	}
	defer handle.Release()

	heads := srec.config.NumOutputCandidates
	decoders := make([]*tokenizer.StreamDecoder, heads)
	for i := range decoders {
		decoders[i] = tokenizer.NewStreamDecoder(m.tok)
	}
	// The session-wide callback captured at add time; read once here so
	// intermediate deliveries never race the terminal move-out.
	m.taskMu.Lock()
	cb := rec.callback
	m.taskMu.Unlock()

	if srec.benchmark != nil {
		srec.benchmark.MarkDecodeStart()
	}
	start := time.Now()
	produced := 0
	for produced < maxOutputTokens {
		if rec.cancel.Load() {
			return status.CancelledWith(status.CancelDetails{
				ReasonCode: "DECODE_CANCEL_FLAG",
				Origin:     "scheduler",
				SessionID:  rec.session,
				IsDecode:   true,
			})
		}
		ids, err := handle.Decode(executor.DecodeParams{Cancel: rec.cancel})
		if err != nil {
			return err
		}
		produced++
		decodeTokensTotal.Inc()
		if srec.benchmark != nil {
			srec.benchmark.MarkFirstToken()
		}

		texts := make([]string, heads)
		for h := 0; h < heads; h++ {
			idx := h
			if idx >= len(ids) {
				idx = len(ids) - 1
			}
			text, derr := decoders[h].Push([]int32{ids[idx]})
			if derr != nil {
				return derr
			}
			texts[h] = text
		}
		m.emitRunning(cb, types.Responses{
			Texts:  texts,
			Scores: make([]float32, heads),
		})

		if isStopToken(ids[0], cfg.StopTokenIDs) {
			break
		}
	}
	// Flush any buffered partial code points.
	flushed := make([]string, heads)
	hasFlush := false
	for h := 0; h < heads; h++ {
		flushed[h] = decoders[h].Flush()
		hasFlush = hasFlush || flushed[h] != ""
	}
	if hasFlush {
		m.emitRunning(cb, types.Responses{Texts: flushed, Scores: make([]float32, heads)})
	}
	if srec.benchmark != nil {
		srec.benchmark.RecordDecodeTurn(produced, time.Since(start))
	}
	return nil
}

func isStopToken(id int32, stops []int32) bool {
	if id == tokenizer.EOSID {
		return true
	}
	for _, s := range stops {
		if id == s {
			return true
		}
	}
	return false
}

// AddTextScoringTask schedules a scoring pass over targetIDs: a
// constrained prefill that computes the log-probability of each target
// token rather than sampling ids. The per-token values are summed into a
// single score.
func (m *Manager) AddTextScoringTask(session types.SessionID, id types.TaskID,
	deps []types.TaskID, targetIDs []int32, storeTokenLengths bool,
	cancel *atomic.Bool, cb Callback) error {
	if len(targetIDs) == 0 {
		return status.InvalidArgumentf("scoring target must not be empty")
	}
	if cancel == nil {
		return status.InvalidArgumentf("cancel flag must not be nil")
	}
	rec := &taskRecord{
		id:       id,
		session:  session,
		kind:     types.TaskTextScore,
		deps:     deps,
		cancel:   cancel,
		callback: cb,
	}
	rec.run = func(rec *taskRecord) error { return m.runTextScore(rec, targetIDs, storeTokenLengths) }
	return m.addTask(rec)
}

func (m *Manager) runTextScore(rec *taskRecord, targetIDs []int32, storeTokenLengths bool) error {
	srec, err := m.sessionRecord(rec.session)
	if err != nil {
		return err
	}
	handler, err := m.handlerFor(srec)
	if err != nil {
		return err
	}
	handle, err := m.res.AcquireExecutorWith(handler)
	if err != nil {
		return err
	}
	defer handle.Release()

	var total float32
	var lengths []int
	for _, id := range targetIDs {
		if rec.cancel.Load() {
			return status.CancelledWith(status.CancelDetails{
				ReasonCode: "SCORE_CANCEL_FLAG",
				Origin:     "scheduler",
				SessionID:  rec.session,
				IsPrefill:  true,
			})
		}
		logits, err := handle.DecodeLogits(executor.Inputs{})
		if err != nil {
			return err
		}
		lp, err := logProbAt(logits, id)
		if err != nil {
			return err
		}
		total += lp
		if storeTokenLengths {
			text, terr := m.tok.IDsToText([]int32{id})
			if terr != nil {
				return terr
			}
			lengths = append(lengths, len(text))
		}
		params := executor.NewPrefillParams()
		params.Cancel = rec.cancel
		if err := handle.Prefill(executor.Inputs{TokenIDs: []int32{id}}, params); err != nil {
			return err
		}
	}
	rec.result.Scores = []float32{total}
	rec.result.TokenLengths = lengths
	return nil
}

// logProbAt computes log softmax of logits at index id.
func logProbAt(logits []float32, id int32) (float32, error) {
	if int(id) < 0 || int(id) >= len(logits) {
		return 0, status.NotFoundf("token id %d outside vocabulary of %d", id, len(logits))
	}
	maxLogit := float32(math.Inf(-1))
	for _, l := range logits {
		if l > maxLogit {
			maxLogit = l
		}
	}
	var sum float64
	for _, l := range logits {
		sum += math.Exp(float64(l - maxLogit))
	}
	return logits[id] - maxLogit - float32(math.Log(sum)), nil
}

// AddCloneSessionTask schedules the cloning of src's context handler into
// the already registered dst session.
func (m *Manager) AddCloneSessionTask(src types.SessionID, id types.TaskID,
	deps []types.TaskID, dst types.SessionID, cancel *atomic.Bool, cb Callback) error {
	if cancel == nil {
		return status.InvalidArgumentf("cancel flag must not be nil")
	}
	if _, err := m.sessionRecord(dst); err != nil {
		return err
	}
	rec := &taskRecord{
		id:       id,
		session:  src,
		kind:     types.TaskCloneSession,
		deps:     deps,
		cancel:   cancel,
		callback: cb,
	}
	rec.run = func(rec *taskRecord) error { return m.runCloneSession(rec, dst) }
	return m.addTask(rec)
}

func (m *Manager) runCloneSession(rec *taskRecord, dst types.SessionID) error {
	srcRec, err := m.sessionRecord(rec.session)
	if err != nil {
		return err
	}
	dstRec, err := m.sessionRecord(dst)
	if err != nil {
		return err
	}
	srcHandler, err := m.handlerFor(srcRec)
	if err != nil {
		return err
	}
	cloned, err := m.res.CloneContextHandler(srcHandler)
	if err != nil {
		return err
	}
	m.sessMu.Lock()
	dstRec.handler = cloned
	m.sessMu.Unlock()
	return nil
}
