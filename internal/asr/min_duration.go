package asr

// MinDurationEngine wraps an Engine so that PCM shorter than a configured
// minimum duration returns the empty string without ever invoking the
// underlying engine (spec §4.C, §8 boundary #10).
type MinDurationEngine struct {
	inner      Engine
	minSamples int
}

// WrapMinDuration decorates inner with the minimum-duration short-circuit.
// sampleRate and minDurationMs combine to the sample-count floor below
// which Transcribe is a no-op.
func WrapMinDuration(inner Engine, sampleRate int, minDurationMs int) *MinDurationEngine {
	return &MinDurationEngine{
		inner:      inner,
		minSamples: sampleRate * minDurationMs / 1000,
	}
}

// Transcribe implements Engine.
func (e *MinDurationEngine) Transcribe(pcm []float32) (string, error) {
	if len(pcm) < e.minSamples {
		return "", nil
	}
	return e.inner.Transcribe(pcm)
}

// Close implements Engine.
func (e *MinDurationEngine) Close() error { return e.inner.Close() }
