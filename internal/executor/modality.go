package executor

import (
	"inferd/internal/status"
)

// VisionEncoder turns raw image bytes into embedding vectors consumable by
// Prefill. Thread-safety is not required; callers serialize access.
type VisionEncoder interface {
	Encode(image []byte) ([]float32, error)
	ExpectedInputDimension() []int
}

// AudioContext is the streaming state of an audio encoder for one session.
// It is snapshotted and restored during context switches the same way the
// LLM context is.
type AudioContext struct {
	// Accumulated spectrogram frames not yet flushed into embeddings.
	PendingFrames []float32
	// Number of frames already encoded for this session.
	EncodedFrames int
}

// Clone deep-copies the audio context. Nil clones to nil.
func (a *AudioContext) Clone() *AudioContext {
	if a == nil {
		return nil
	}
	return &AudioContext{
		PendingFrames: append([]float32(nil), a.PendingFrames...),
		EncodedFrames: a.EncodedFrames,
	}
}

// AudioExecutor encodes audio input and carries per-session streaming
// state. Like Executor it is externally serialized.
type AudioExecutor interface {
	Encode(spectrogram []float32) ([]float32, error)
	IsStreaming() bool
	CreateNewContext() (*AudioContext, error)
	CloneContext() (*AudioContext, error)
	RestoreContext(*AudioContext) error
	Reset() error
}

// StubVisionEncoder emits a fixed-size embedding derived from the image
// bytes. Used by tests and by the stub backend.
type StubVisionEncoder struct {
	Dim int
}

func (e *StubVisionEncoder) Encode(image []byte) ([]float32, error) {
	if len(image) == 0 {
		return nil, status.InvalidArgumentf("empty image")
	}
	dim := e.Dim
	if dim <= 0 {
		dim = 4
	}
	out := make([]float32, dim)
	for i, b := range image {
		out[i%dim] += float32(b)
	}
	return out, nil
}

func (e *StubVisionEncoder) ExpectedInputDimension() []int {
	dim := e.Dim
	if dim <= 0 {
		dim = 4
	}
	return []int{1, dim}
}

// StubAudioExecutor buffers frames and emits one embedding value per
// frame. Streaming so that per-session audio contexts get exercised.
type StubAudioExecutor struct {
	ctx *AudioContext
	// CloneUnimplemented makes CloneContext report Unimplemented, modeling
	// encoders that cannot snapshot streaming state. The resource manager
	// must degrade with a warning, not fail the clone.
	CloneUnimplemented bool
}

func (a *StubAudioExecutor) Encode(spectrogram []float32) ([]float32, error) {
	if a.ctx == nil {
		a.ctx = &AudioContext{}
	}
	a.ctx.PendingFrames = append(a.ctx.PendingFrames, spectrogram...)
	out := make([]float32, len(spectrogram))
	copy(out, spectrogram)
	a.ctx.EncodedFrames += len(spectrogram)
	a.ctx.PendingFrames = a.ctx.PendingFrames[:0]
	return out, nil
}

func (a *StubAudioExecutor) IsStreaming() bool { return true }

func (a *StubAudioExecutor) CreateNewContext() (*AudioContext, error) {
	return &AudioContext{}, nil
}

func (a *StubAudioExecutor) CloneContext() (*AudioContext, error) {
	if a.CloneUnimplemented {
		return nil, status.Unimplementedf("audio context cloning not supported by this encoder")
	}
	return a.ctx.Clone(), nil
}

func (a *StubAudioExecutor) RestoreContext(ctx *AudioContext) error {
	a.ctx = ctx
	return nil
}

func (a *StubAudioExecutor) Reset() error {
	a.ctx = nil
	return nil
}
