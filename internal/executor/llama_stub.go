//go:build !llama

package executor

import "inferd/internal/status"

// llamaBuilt indicates this binary was compiled with real llama support.
var llamaBuilt = false

// NewLlama is unavailable without the 'llama' build tag.
func NewLlama(path string, ctxSize, mathThreads int, detok func([]int32) (string, error), tok func(string) ([]int32, error)) (Executor, error) {
	return nil, status.FailedPreconditionf("llama backend not compiled in; rebuild with -tags=llama")
}

// LlamaBuilt reports whether the llama backend is compiled into this
// binary.
func LlamaBuilt() bool { return llamaBuilt }
