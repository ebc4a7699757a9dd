// Package sched serializes all executor work onto one execution worker,
// tracks per-task dependencies and delivers user callbacks from a second,
// dedicated callback worker.
package sched

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/resource"
	"inferd/internal/status"
	"inferd/internal/tokenizer"
	"inferd/pkg/types"
)

// Worker pool sizes. Correctness of context switching relies on exactly
// one execution worker: prefix matching and copy-on-write read executor
// state without their own lock. The constructor refuses anything else.
const (
	executionWorkers = 1
	callbackWorkers  = 1
)

// Callback receives a task's responses. Errors carry the taxonomy codes
// from internal/status. The terminal invocation happens exactly once per
// task; decode tasks additionally deliver intermediate invocations with
// TaskStateRunning.
type Callback func(types.Responses, error)

type taskRecord struct {
	id      types.TaskID
	session types.SessionID
	kind    types.TaskKind
	deps    []types.TaskID
	cancel  *atomic.Bool
	// callback is a linear resource: moved out exactly once, by whichever
	// of the success or error paths terminates the task.
	callback Callback
	state    types.TaskState
	run      func(rec *taskRecord) error
	// done is closed after the terminal callback has been delivered.
	done chan struct{}
	// result accumulates payload (scores, token lengths) surfaced with
	// the terminal callback.
	result types.Responses
}

type sessionRecord struct {
	id        types.SessionID
	config    types.SessionConfig
	benchmark *types.BenchmarkInfo
	handler   *resource.ContextHandler
}

// Manager is the execution manager.
//
// Locking: sessMu guards the session table, taskMu the task table and the
// outstanding counter. When both are needed they are acquired in that
// order, sessions before tasks. User callbacks are never invoked under
// either mutex.
type Manager struct {
	log zerolog.Logger
	res *resource.Manager
	tok tokenizer.Tokenizer

	sessMu      sync.Mutex
	sessions    map[types.SessionID]*sessionRecord
	nextSession types.SessionID

	taskMu      sync.Mutex
	tasks       map[types.TaskID]*taskRecord
	finished    map[types.TaskID]types.TaskState
	nextTask    types.TaskID
	outstanding int
	waiters     []chan struct{}

	execCh chan types.TaskID
	cbCh   chan func()
	wg     sync.WaitGroup
	closed atomic.Bool

	events EventPublisher
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger installs a structured logger.
func WithLogger(log zerolog.Logger) Option { return func(m *Manager) { m.log = log } }

// NewManager builds the execution manager around res. It fails when the
// executor advertises internal parallelism: the whole context-management
// design assumes serialized executor access.
func NewManager(res *resource.Manager, tok tokenizer.Tokenizer, opts ...Option) (*Manager, error) {
	if res == nil {
		return nil, status.InvalidArgumentf("resource manager must not be nil")
	}
	if tok == nil {
		return nil, status.InvalidArgumentf("tokenizer must not be nil")
	}
	if n := res.ExecutorThreads(); n != 1 {
		return nil, status.FailedPreconditionf(
			"executor advertises %d threads; the execution manager requires exactly 1", n)
	}
	if executionWorkers != 1 || callbackWorkers != 1 {
		return nil, status.Internalf("worker pool sizes must be exactly 1")
	}
	m := &Manager{
		log:      zerolog.Nop(),
		res:      res,
		tok:      tok,
		sessions: make(map[types.SessionID]*sessionRecord),
		tasks:    make(map[types.TaskID]*taskRecord),
		finished: make(map[types.TaskID]types.TaskState),
		execCh:   make(chan types.TaskID, 1024),
		cbCh:     make(chan func(), 1024),
		events:   noopPublisher{},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.wg.Add(2)
	go m.executionWorker()
	go m.callbackWorker()
	return m, nil
}

// Close drains both workers. Pending tasks run to completion first; call
// WaitUntilAllDone before Close for a bounded wait.
func (m *Manager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	close(m.execCh)
	// The execution worker closes cbCh once it has drained, so callbacks
	// scheduled by in-flight tasks are still delivered.
	m.wg.Wait()
}

func (m *Manager) executionWorker() {
	defer m.wg.Done()
	for id := range m.execCh {
		m.runTask(id)
	}
	close(m.cbCh)
}

func (m *Manager) callbackWorker() {
	defer m.wg.Done()
	for fn := range m.cbCh {
		fn()
	}
}

// Tokenizer returns the tokenizer tasks detokenize with.
func (m *Manager) Tokenizer() tokenizer.Tokenizer { return m.tok }

// Resources returns the resource manager, for session-less operations.
func (m *Manager) Resources() *resource.Manager { return m.res }

// RegisterSession allocates a SessionID for config. benchmark may be nil.
func (m *Manager) RegisterSession(config types.SessionConfig) (types.SessionID, error) {
	if config.NumOutputCandidates < 1 {
		return 0, status.InvalidArgumentf(
			"num output candidates must be >= 1, got %d", config.NumOutputCandidates)
	}
	if m.closed.Load() {
		return 0, status.FailedPreconditionf("execution manager is closed")
	}
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	id := m.nextSession
	m.nextSession++
	rec := &sessionRecord{id: id, config: config}
	if config.Benchmark != nil {
		rec.benchmark = types.NewBenchmarkInfo(*config.Benchmark)
	}
	m.sessions[id] = rec
	return id, nil
}

// NewTaskID issues the next task id.
func (m *Manager) NewTaskID() types.TaskID {
	m.taskMu.Lock()
	defer m.taskMu.Unlock()
	id := m.nextTask
	m.nextTask++
	return id
}

// SessionConfig returns the immutable config of a session.
func (m *Manager) SessionConfig(id types.SessionID) (types.SessionConfig, error) {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return types.SessionConfig{}, status.NotFoundf("unknown session %d", id)
	}
	return rec.config, nil
}

// BenchmarkInfo returns the session's mutable benchmark counters, nil when
// benchmarking is disabled.
func (m *Manager) BenchmarkInfo(id types.SessionID) (*types.BenchmarkInfo, error) {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return nil, status.NotFoundf("unknown session %d", id)
	}
	return rec.benchmark, nil
}

func (m *Manager) sessionRecord(id types.SessionID) (*sessionRecord, error) {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return nil, status.NotFoundf("unknown session %d", id)
	}
	return rec, nil
}

// handlerFor lazily creates the session's context handler. Only the
// execution worker calls it, so creation is race-free.
func (m *Manager) handlerFor(rec *sessionRecord) (*resource.ContextHandler, error) {
	m.sessMu.Lock()
	h := rec.handler
	m.sessMu.Unlock()
	if h != nil {
		return h, nil
	}
	h, err := m.res.CreateContextHandler(rec.config)
	if err != nil {
		return nil, err
	}
	m.sessMu.Lock()
	rec.handler = h
	m.sessMu.Unlock()
	return h, nil
}

// CloseSession cancels the session's pending tasks and releases its
// context handler.
func (m *Manager) CloseSession(id types.SessionID) error {
	if err := m.CancelSession(id); err != nil {
		return err
	}
	m.sessMu.Lock()
	rec, ok := m.sessions[id]
	var handler *resource.ContextHandler
	if ok {
		handler = rec.handler
		delete(m.sessions, id)
	}
	m.sessMu.Unlock()
	if !ok {
		return status.NotFoundf("unknown session %d", id)
	}
	if handler != nil {
		return m.res.CloseHandler(handler)
	}
	return nil
}

// addTask inserts a record and either schedules it or, when a dependency
// already ended badly, synthesizes the dependent terminal state and
// schedules only the callback.
func (m *Manager) addTask(rec *taskRecord) error {
	if m.closed.Load() {
		return status.FailedPreconditionf("execution manager is closed")
	}
	if _, err := m.sessionRecord(rec.session); err != nil {
		return err
	}
	m.taskMu.Lock()
	if _, dup := m.tasks[rec.id]; dup {
		m.taskMu.Unlock()
		return status.AlreadyExistsf("task %d already registered", rec.id)
	}
	if _, dup := m.finished[rec.id]; dup {
		m.taskMu.Unlock()
		return status.AlreadyExistsf("task %d already finished", rec.id)
	}
	if synthesized := m.dependentStateLocked(rec.deps); synthesized != types.TaskStateCreated {
		rec.state = synthesized
		m.tasks[rec.id] = rec
		m.outstanding++
		queueDepth.Set(float64(m.outstanding))
		cb, resp := m.takeTerminalLocked(rec)
		m.taskMu.Unlock()
		m.scheduleTerminal(rec.id, cb, resp, nil)
		return nil
	}
	rec.state = types.TaskStateQueued
	m.tasks[rec.id] = rec
	m.outstanding++
	queueDepth.Set(float64(m.outstanding))
	m.taskMu.Unlock()
	m.events.Publish(Event{
		Name:      "task_queued",
		SessionID: rec.session,
		TaskID:    rec.id,
		Fields:    map[string]any{"kind": rec.kind.String()},
	})
	m.execCh <- rec.id
	return nil
}

// dependentStateLocked folds dependency states into the state a dependent
// task must synthesize, TaskStateCreated when all dependencies are clean.
func (m *Manager) dependentStateLocked(deps []types.TaskID) types.TaskState {
	out := types.TaskStateCreated
	for _, d := range deps {
		st, ok := m.stateOfLocked(d)
		if !ok {
			continue
		}
		switch st {
		case types.TaskStateFailed, types.TaskStateDependentTaskFailed:
			return types.TaskStateDependentTaskFailed
		case types.TaskStateCancelled, types.TaskStateDependentTaskCancelled:
			out = types.TaskStateDependentTaskCancelled
		}
	}
	return out
}

func (m *Manager) stateOfLocked(id types.TaskID) (types.TaskState, bool) {
	if rec, ok := m.tasks[id]; ok {
		return rec.state, true
	}
	if st, ok := m.finished[id]; ok {
		return st, true
	}
	return types.TaskStateCreated, false
}

// takeTerminalLocked moves the callback out of the record and snapshots
// the terminal responses. Caller holds taskMu and must invoke the
// returned callback only after releasing it.
func (m *Manager) takeTerminalLocked(rec *taskRecord) (Callback, types.Responses) {
	cb := rec.callback
	rec.callback = nil
	resp := rec.result
	resp.State = rec.state
	m.finished[rec.id] = rec.state
	tasksTotal.WithLabelValues(rec.kind.String(), rec.state.String()).Inc()
	return cb, resp
}

// scheduleTerminal enqueues the one terminal callback invocation for a
// task and the bookkeeping that follows it. Never called under a mutex.
func (m *Manager) scheduleTerminal(id types.TaskID, cb Callback, resp types.Responses, err error) {
	m.events.Publish(Event{Name: "task_" + resp.State.String(), TaskID: id})
	m.cbCh <- func() {
		if cb != nil {
			cb(resp, err)
		}
		m.finalize(id)
	}
}

// emitRunning delivers an intermediate (non-terminal) callback.
func (m *Manager) emitRunning(cb Callback, resp types.Responses) {
	if cb == nil {
		return
	}
	resp.State = types.TaskStateRunning
	m.cbCh <- func() { cb(resp, nil) }
}

// finalize destroys the task record after its terminal callback ran and
// wakes WaitUntilAllDone waiters when everything drained.
func (m *Manager) finalize(id types.TaskID) {
	m.taskMu.Lock()
	if rec, ok := m.tasks[id]; ok && rec.done != nil {
		close(rec.done)
	}
	delete(m.tasks, id)
	m.outstanding--
	queueDepth.Set(float64(m.outstanding))
	var toClose []chan struct{}
	if m.outstanding == 0 {
		toClose = m.waiters
		m.waiters = nil
	}
	m.taskMu.Unlock()
	for _, ch := range toClose {
		close(ch)
	}
}

// runTask executes one task on the execution worker.
func (m *Manager) runTask(id types.TaskID) {
	m.taskMu.Lock()
	rec, ok := m.tasks[id]
	if !ok || types.IsTaskEndState(rec.state) {
		// Cancelled while queued; its callback is already scheduled.
		m.taskMu.Unlock()
		return
	}
	if synthesized := m.dependentStateLocked(rec.deps); synthesized != types.TaskStateCreated {
		rec.state = synthesized
		cb, resp := m.takeTerminalLocked(rec)
		m.taskMu.Unlock()
		m.scheduleTerminal(id, cb, resp, nil)
		return
	}
	// FIFO dispatch guarantees dependencies reached a terminal state
	// before their dependents are popped; anything else is a scheduler
	// bug, not a user error.
	for _, d := range rec.deps {
		if st, ok := m.stateOfLocked(d); ok && !types.IsTaskEndState(st) {
			rec.state = types.TaskStateFailed
			cb, resp := m.takeTerminalLocked(rec)
			m.taskMu.Unlock()
			m.scheduleTerminal(id, cb, resp,
				status.Internalf("task %d dispatched before dependency %d finished", id, d))
			return
		}
	}
	if rec.cancel.Load() {
		rec.state = types.TaskStateCancelled
		cb, resp := m.takeTerminalLocked(rec)
		m.taskMu.Unlock()
		m.scheduleTerminal(id, cb, resp, nil)
		return
	}
	rec.state = types.TaskStateRunning
	run := rec.run
	m.taskMu.Unlock()

	var err error
	if run != nil {
		err = run(rec)
	}

	final := types.TaskStateDone
	switch {
	case err == nil:
	case status.IsCancelled(err):
		final = types.TaskStateCancelled
		err = nil
	default:
		final = types.TaskStateFailed
	}

	m.taskMu.Lock()
	rec.state = final
	cb, resp := m.takeTerminalLocked(rec)
	m.taskMu.Unlock()
	if final != types.TaskStateDone {
		m.log.Warn().
			Int64("session_id", int64(rec.session)).
			Int64("task_id", int64(rec.id)).
			Str("kind", rec.kind.String()).
			Str("state", final.String()).
			Err(err).
			Msg("task ended in non-done terminal state")
	}
	m.scheduleTerminal(id, cb, resp, err)
}

// Cancel sets the task's cancel flag; still-queued tasks transition
// immediately.
func (m *Manager) Cancel(id types.TaskID) error {
	m.taskMu.Lock()
	rec, ok := m.tasks[id]
	if !ok {
		m.taskMu.Unlock()
		if _, done := m.stateFinished(id); done {
			return nil // terminal states ignore cancel
		}
		return status.NotFoundf("unknown task %d", id)
	}
	rec.cancel.Store(true)
	if rec.state == types.TaskStateCreated || rec.state == types.TaskStateQueued {
		rec.state = types.TaskStateCancelled
		cb, resp := m.takeTerminalLocked(rec)
		m.taskMu.Unlock()
		m.scheduleTerminal(id, cb, resp, nil)
		return nil
	}
	m.taskMu.Unlock()
	return nil
}

func (m *Manager) stateFinished(id types.TaskID) (types.TaskState, bool) {
	m.taskMu.Lock()
	defer m.taskMu.Unlock()
	st, ok := m.finished[id]
	return st, ok
}

// CancelSession cancels every live task of the session.
func (m *Manager) CancelSession(id types.SessionID) error {
	if _, err := m.sessionRecord(id); err != nil {
		return err
	}
	type dispatch struct {
		id   types.TaskID
		cb   Callback
		resp types.Responses
	}
	var pending []dispatch
	m.taskMu.Lock()
	for _, rec := range m.tasks {
		if rec.session != id || types.IsTaskEndState(rec.state) {
			continue
		}
		rec.cancel.Store(true)
		if rec.state == types.TaskStateCreated || rec.state == types.TaskStateQueued {
			rec.state = types.TaskStateCancelled
			cb, resp := m.takeTerminalLocked(rec)
			pending = append(pending, dispatch{id: rec.id, cb: cb, resp: resp})
		}
	}
	m.taskMu.Unlock()
	for _, d := range pending {
		m.scheduleTerminal(d.id, d.cb, d.resp, nil)
	}
	return nil
}

// TaskState reports a task's current state.
func (m *Manager) TaskState(id types.TaskID) (types.TaskState, error) {
	m.taskMu.Lock()
	defer m.taskMu.Unlock()
	if st, ok := m.stateOfLocked(id); ok {
		return st, nil
	}
	return 0, status.NotFoundf("unknown task %d", id)
}

// WaitForTask blocks until the task's terminal callback has been
// delivered, or the timeout elapses. Timing out cancels nothing.
func (m *Manager) WaitForTask(id types.TaskID, timeout time.Duration) error {
	m.taskMu.Lock()
	rec, ok := m.tasks[id]
	if !ok {
		_, finished := m.finished[id]
		m.taskMu.Unlock()
		if finished {
			return nil
		}
		return status.NotFoundf("unknown task %d", id)
	}
	if rec.done == nil {
		rec.done = make(chan struct{})
	}
	ch := rec.done
	m.taskMu.Unlock()
	select {
	case <-ch:
		return nil
	case <-time.After(timeout):
		return status.DeadlineExceededf("task %d still pending after %v", id, timeout)
	}
}

// WaitUntilAllDone blocks until every accepted task has delivered its
// terminal callback, or the timeout elapses. Timing out cancels nothing.
func (m *Manager) WaitUntilAllDone(timeout time.Duration) error {
	m.taskMu.Lock()
	if m.outstanding == 0 {
		m.taskMu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	m.waiters = append(m.waiters, ch)
	m.taskMu.Unlock()
	select {
	case <-ch:
		return nil
	case <-time.After(timeout):
		return status.DeadlineExceededf("tasks still pending after %v", timeout)
	}
}

// SessionCount reports the number of registered sessions.
func (m *Manager) SessionCount() int {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	return len(m.sessions)
}
