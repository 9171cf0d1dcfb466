//go:build whisper

package asr

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// WhisperEngine runs inference through the whisper.cpp CGO bindings. The
// model is loaded once and shared across calls; each Transcribe opens a
// fresh context since whisper.cpp contexts are not safe for concurrent use.
type WhisperEngine struct {
	mu       sync.Mutex
	model    whisperlib.Model
	language string
	beamSize int
}

// NewWhisperEngine loads the model at modelPath.
func NewWhisperEngine(modelPath, language string, beamSize int) (*WhisperEngine, error) {
	if modelPath == "" {
		return nil, errors.New("asr: model path must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("asr: load model %q: %w", modelPath, err)
	}
	return &WhisperEngine{model: model, language: language, beamSize: beamSize}, nil
}

// Transcribe runs a single whisper.cpp inference over pcm.
func (e *WhisperEngine) Transcribe(pcm []float32) (string, error) {
	e.mu.Lock()
	model := e.model
	e.mu.Unlock()

	wctx, err := model.NewContext()
	if err != nil {
		return "", fmt.Errorf("asr: create context: %w", err)
	}

	if err := wctx.SetLanguage(e.language); err != nil {
		return "", fmt.Errorf("asr: set language %q: %w", e.language, err)
	}
	if e.beamSize > 0 {
		wctx.SetBeamSize(e.beamSize)
	}

	if err := wctx.Process(pcm, nil, nil, nil); err != nil {
		return "", fmt.Errorf("asr: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("asr: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}

	return strings.Join(parts, " "), nil
}

// Close releases the underlying model.
func (e *WhisperEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		return nil
	}
	err := e.model.Close()
	e.model = nil
	return err
}

// NativeAvailable reports that the whisper.cpp engine is compiled in.
func NativeAvailable() bool { return true }

// NewEngine constructs the compiled-in engine.
func NewEngine(modelPath, language string, beamSize int) (Engine, error) {
	return NewWhisperEngine(modelPath, language, beamSize)
}
