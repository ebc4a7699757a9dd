package types

import "time"

// InitPhase labels a timed section of engine construction.
type InitPhase string

const (
	InitPhaseExecutor  InitPhase = "executor"
	InitPhaseTokenizer InitPhase = "tokenizer"
)

// BenchmarkParams enables benchmark collection for a session. When
// NumPrefillTokens is positive, prefill inputs are replaced by that many
// synthetic tokens so throughput numbers are comparable across prompts.
type BenchmarkParams struct {
	NumPrefillTokens int `json:"num_prefill_tokens,omitempty"`
	NumDecodeTokens  int `json:"num_decode_tokens,omitempty"`
}

// TurnStats records one prefill or decode turn.
type TurnStats struct {
	Tokens   int           `json:"tokens"`
	Duration time.Duration `json:"duration"`
}

// TokensPerSecond returns the turn throughput, zero for an empty duration.
func (t TurnStats) TokensPerSecond() float64 {
	if t.Duration <= 0 {
		return 0
	}
	return float64(t.Tokens) / t.Duration.Seconds()
}

// BenchmarkInfo accumulates per-session benchmark counters. It is owned by
// the execution manager's session record and mutated only on the execution
// worker, so reads from other goroutines must go through the manager.
type BenchmarkInfo struct {
	Params BenchmarkParams `json:"params"`

	initStart map[InitPhase]time.Time
	InitPhase map[InitPhase]time.Duration `json:"init_phase,omitempty"`

	// Time from the start of the first decode turn to its first token.
	TimeToFirstToken time.Duration `json:"time_to_first_token,omitempty"`

	PrefillTurns []TurnStats `json:"prefill_turns,omitempty"`
	DecodeTurns  []TurnStats `json:"decode_turns,omitempty"`

	firstTokenAt  time.Time
	decodeStartAt time.Time
}

// NewBenchmarkInfo returns an empty BenchmarkInfo for the given params.
func NewBenchmarkInfo(params BenchmarkParams) *BenchmarkInfo {
	return &BenchmarkInfo{
		Params:    params,
		initStart: make(map[InitPhase]time.Time),
		InitPhase: make(map[InitPhase]time.Duration),
	}
}

// TimeInitPhaseStart marks the beginning of an init phase.
func (b *BenchmarkInfo) TimeInitPhaseStart(p InitPhase) {
	if b.initStart == nil {
		b.initStart = make(map[InitPhase]time.Time)
	}
	b.initStart[p] = time.Now()
}

// TimeInitPhaseEnd closes an init phase opened by TimeInitPhaseStart.
func (b *BenchmarkInfo) TimeInitPhaseEnd(p InitPhase) {
	start, ok := b.initStart[p]
	if !ok {
		return
	}
	if b.InitPhase == nil {
		b.InitPhase = make(map[InitPhase]time.Duration)
	}
	b.InitPhase[p] = time.Since(start)
	delete(b.initStart, p)
}

// MarkDecodeStart records the start of a decode turn for TTFT accounting.
func (b *BenchmarkInfo) MarkDecodeStart() {
	if b.decodeStartAt.IsZero() {
		b.decodeStartAt = time.Now()
	}
}

// MarkFirstToken records the arrival of the first decoded token.
func (b *BenchmarkInfo) MarkFirstToken() {
	if !b.firstTokenAt.IsZero() || b.decodeStartAt.IsZero() {
		return
	}
	b.firstTokenAt = time.Now()
	b.TimeToFirstToken = b.firstTokenAt.Sub(b.decodeStartAt)
}

// RecordPrefillTurn appends a prefill turn.
func (b *BenchmarkInfo) RecordPrefillTurn(tokens int, d time.Duration) {
	b.PrefillTurns = append(b.PrefillTurns, TurnStats{Tokens: tokens, Duration: d})
}

// RecordDecodeTurn appends a decode turn.
func (b *BenchmarkInfo) RecordDecodeTurn(tokens int, d time.Duration) {
	b.DecodeTurns = append(b.DecodeTurns, TurnStats{Tokens: tokens, Duration: d})
}
