package types

// Model represents a discoverable model file on disk.
type Model struct {
	// Stable identifier for the model.
	// example: TinyLlama.Q4_K_M.gguf
	ID string `json:"id" example:"TinyLlama.Q4_K_M.gguf"`
	// Human-friendly name.
	// example: TinyLlama.Q4_K_M.gguf
	Name string `json:"name" example:"TinyLlama.Q4_K_M.gguf"`
	// Absolute path to the model file on disk.
	// example: /home/user/models/TinyLlama.Q4_K_M.gguf
	Path string `json:"path" example:"/home/user/models/TinyLlama.Q4_K_M.gguf"`
	// Quantization level or variant string.
	// example: Q4_K_M
	Quant string `json:"quant" example:"Q4_K_M"`
	// Approximate file size in MB.
	// example: 669
	SizeMB int `json:"size_mb,omitempty" example:"669"`
}

// CreateSessionRequest configures a new session.
type CreateSessionRequest struct {
	// Maximum number of new tokens per decode run.
	// example: 256
	MaxOutputTokens int `json:"max_output_tokens,omitempty" example:"256"`
	// Number of output candidates per decode step.
	// example: 1
	NumOutputCandidates int `json:"num_output_candidates,omitempty" example:"1"`
	// Apply the prompt template around user turns.
	// example: true
	ApplyPromptTemplate *bool `json:"apply_prompt_template,omitempty" example:"true"`
	// Optional session-scoped LoRA adapter path.
	ScopedLoraPath string `json:"scoped_lora_path,omitempty"`
	// Enable benchmark counters for this session.
	Benchmark *BenchmarkParams `json:"benchmark,omitempty"`
	// Enable the audio modality for this session.
	EnableAudio bool `json:"enable_audio,omitempty"`
	// Enable the vision modality for this session.
	EnableVision bool `json:"enable_vision,omitempty"`
}

// SessionResponse describes a live session.
type SessionResponse struct {
	// Externally visible session handle.
	// example: 0b2f9a1e-6f4e-4f0a-9c1a-1f9f44f3b2aa
	ID string `json:"id"`
	// Internal scheduler session id.
	SessionID SessionID `json:"session_id"`
}

// GenerateRequest asks a session to prefill the given prompt and stream a
// decode.
type GenerateRequest struct {
	// Prompt text for this turn.
	// example: Write a haiku about the ocean.
	Prompt string `json:"prompt" example:"Write a haiku about the ocean."`
	// Maximum number of new tokens for this run; omitted uses the session
	// configuration.
	MaxOutputTokens *int `json:"max_output_tokens,omitempty" example:"128"`
}

// GenerateChunk is one NDJSON line of a streamed generation.
type GenerateChunk struct {
	// Token text for each candidate; absent on the final chunk.
	Texts []string `json:"texts,omitempty"`
	// Task state for this chunk.
	// example: running
	State string `json:"state"`
	// Set on the final chunk.
	Done bool `json:"done,omitempty"`
	// Error message if the run ended abnormally.
	Error string `json:"error,omitempty"`
}

// ScoreRequest asks a session to score a target continuation.
type ScoreRequest struct {
	// Target text to score against the current context.
	Target string `json:"target"`
	// Record per-token byte lengths in the response.
	StoreTokenLengths bool `json:"store_token_lengths,omitempty"`
}

// ScoreResponse carries text-scoring results.
type ScoreResponse struct {
	Scores       []float32 `json:"scores"`
	TokenLengths []int     `json:"token_lengths,omitempty"`
}

// LoadLoRARequest loads an adapter on the session-less executor path.
type LoadLoRARequest struct {
	// Path to the adapter file on disk.
	Path string `json:"path"`
}

// LoadLoRAResponse returns the dense id assigned to the adapter.
type LoadLoRAResponse struct {
	ID uint32 `json:"id"`
}

// StatusResponse summarizes daemon state for GET /status.
type StatusResponse struct {
	// Daemon readiness.
	Ready bool `json:"ready"`
	// Executor backend name.
	// example: stub
	Backend string `json:"backend"`
	// Number of live sessions.
	Sessions int `json:"sessions"`
	// Discovered models.
	Models []Model `json:"models,omitempty"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}
