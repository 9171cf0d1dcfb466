//go:build silero

package vad

// NativeAvailable reports that the Silero VAD engine is compiled in.
func NativeAvailable() bool { return true }

// NewNativeEngine creates a SileroEngine backed by ONNX Runtime.
func NewNativeEngine() (Engine, error) {
	return newSileroEngine()
}
