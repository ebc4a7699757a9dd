package executor

// SamplerType selects the executor-internal sampling strategy.
type SamplerType int

const (
	SamplerGreedy SamplerType = iota
	SamplerTopK
	SamplerTopP
)

// SamplerParams configures executor-internal sampling.
type SamplerParams struct {
	Type        SamplerType
	K           int
	P           float32
	Temperature float32
	Seed        int64
}

// RuntimeConfig is the per-context executor configuration. It travels with
// the context during switches.
type RuntimeConfig struct {
	Sampler         SamplerParams
	OutputHeads     int
	TokensPerDecode int
}

// RuntimeState is the per-context position state. CurrentStep is the
// logical position in the processed-token sequence; it may be less than
// the number of processed tokens when a prefix is being replayed, and must
// never exceed it.
type RuntimeState struct {
	CurrentStep int
	RanDecode   bool
}

// ProcessedContext is the executor-specific representation of tokens
// already absorbed into the KV cache: the token list plus the opaque
// per-layer cache state. It is value-like at this layer; Clone is deep
// for the token and cache slices but cheap relative to the cache itself.
type ProcessedContext struct {
	Tokens []int32
	LoraID *uint32
	// Opaque per-layer cache state. The stub backend stores one value per
	// token; real backends hold buffer handles.
	CacheState []byte
}

// TokenCount returns the number of processed tokens, tolerating a nil
// receiver (an empty context).
func (p *ProcessedContext) TokenCount() int {
	if p == nil {
		return 0
	}
	return len(p.Tokens)
}

// Clone deep-copies the context. Nil clones to nil.
func (p *ProcessedContext) Clone() *ProcessedContext {
	if p == nil {
		return nil
	}
	out := &ProcessedContext{
		Tokens:     append([]int32(nil), p.Tokens...),
		CacheState: append([]byte(nil), p.CacheState...),
	}
	if p.LoraID != nil {
		id := *p.LoraID
		out.LoraID = &id
	}
	return out
}

// Context bundles everything needed to restore an executor to a given
// session position: the processed context plus its runtime config and
// state.
type Context struct {
	Processed *ProcessedContext
	Config    *RuntimeConfig
	State     *RuntimeState
}
