//go:build silero

package vad

import (
	_ "embed"
)

// sileroModelData contains the Silero VAD v5 ONNX model embedded at build
// time. The model file must be placed at internal/vad/silero_vad.onnx
// before compiling with -tags silero; the repository does not ship it. Its
// absence fails the build with a clear "no matching files" error rather
// than a silent empty model.
//
//go:embed silero_vad.onnx
var sileroModelData []byte
