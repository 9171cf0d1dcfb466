// Package command implements the daemon's command bus: an exhaustive
// dispatch from a closed set of command variants to their handlers (spec
// §4.H, §9 "re-express as a closed set of command variants dispatched by
// an exhaustive match"). Handlers are the sole origin of clipboard writes
// and desktop notifications; the services they call (capture, llm) never
// touch those side effects themselves.
package command

import (
	"context"
	"log/slog"

	"github.com/zarvent/v2m-daemon/internal/apperr"
	"github.com/zarvent/v2m-daemon/internal/capture"
	"github.com/zarvent/v2m-daemon/internal/llm"
	"github.com/zarvent/v2m-daemon/internal/platform"
)

// Kind identifies one of the four command variants the bus accepts.
// Unknown RPC method strings never reach here — that mapping, and the
// MethodNotFound boundary, live in internal/daemon.
type Kind int

const (
	StartRecording Kind = iota
	StopRecording
	SmartCapture
	ProcessText
)

// Command carries a Kind plus whatever parameters that variant needs.
// Text is only meaningful for ProcessText.
type Command struct {
	Kind Kind
	Text string
}

// Result is what a handler produces. Original and HasOriginal are only
// populated when text passed through (attempted) LLM refinement, so the
// daemon's transcribe composite can decide whether to surface "original"
// in its response (spec §4.I).
type Result struct {
	Text        string
	Original    string
	HasOriginal bool
}

// captureService is the slice of *capture.Service the bus depends on.
// Declaring it here, rather than depending on the concrete type, lets
// tests drive handlers without a real microphone or ASR engine.
type captureService interface {
	StartExplicit(ctx context.Context) error
	StopExplicit(ctx context.Context) (string, error)
	SmartCapture(ctx context.Context) (string, error)
}

// refiner is the slice of *llm.Refiner the bus depends on.
type refiner interface {
	Refine(ctx context.Context, text string) (string, error)
}

// clipboardWriter is the slice of *platform.Clipboard the bus depends on.
type clipboardWriter interface {
	Copy(text string) error
}

// notifier is the slice of *platform.Notifier the bus depends on.
type notifier interface {
	Notify(title, body string)
}

// Bus holds shared, non-owning handles on the four services its handlers
// orchestrate: capture, refiner, clipboard and notifier.
type Bus struct {
	capture   captureService
	refiner   refiner
	clipboard clipboardWriter
	notifier  notifier
}

// New constructs a Bus over already-wired collaborators.
func New(cap *capture.Service, llmRefiner *llm.Refiner, clipboard *platform.Clipboard, notif *platform.Notifier) *Bus {
	return &Bus{capture: cap, refiner: llmRefiner, clipboard: clipboard, notifier: notif}
}

// Dispatch routes cmd to its handler. The switch is exhaustive over the
// closed Kind set; an unrecognized Kind can only originate from a bug in
// this package, not from untrusted input.
func (b *Bus) Dispatch(ctx context.Context, cmd Command) (Result, error) {
	switch cmd.Kind {
	case StartRecording:
		return b.startRecording(ctx)
	case StopRecording:
		return b.stopRecording(ctx)
	case SmartCapture:
		return b.smartCapture(ctx)
	case ProcessText:
		return b.processText(ctx, cmd.Text)
	default:
		return Result{}, apperr.Newf(apperr.Unknown, "command: unrecognized kind %d", cmd.Kind)
	}
}

// Transcribe implements the transcribe RPC's composite contract (spec
// §4.I): try StopRecording; if no session was active, fall back to
// SmartCapture; then, if requested and the text is non-empty, refine it
// through ProcessText.
func (b *Bus) Transcribe(ctx context.Context, useLLM bool) (Result, error) {
	text, err := b.capture.StopExplicit(ctx)
	if apperr.Is(err, apperr.RecordingError) {
		text, err = b.capture.SmartCapture(ctx)
	}
	if err != nil {
		return Result{}, err
	}
	b.finishCapture(text)

	if !useLLM || text == "" {
		return Result{Text: text}, nil
	}
	return b.processText(ctx, text)
}

func (b *Bus) startRecording(ctx context.Context) (Result, error) {
	if err := b.capture.StartExplicit(ctx); err != nil {
		return Result{}, err
	}
	b.notifier.Notify("V2M", "recording started")
	return Result{Text: "started"}, nil
}

func (b *Bus) stopRecording(ctx context.Context) (Result, error) {
	text, err := b.capture.StopExplicit(ctx)
	if err != nil {
		return Result{}, err
	}
	b.finishCapture(text)
	return Result{Text: text}, nil
}

func (b *Bus) smartCapture(ctx context.Context) (Result, error) {
	text, err := b.capture.SmartCapture(ctx)
	if err != nil {
		return Result{}, err
	}
	b.finishCapture(text)
	return Result{Text: text}, nil
}

// finishCapture applies StopRecording/SmartCapture's shared
// post-processing (spec §4.H): empty text never touches the clipboard,
// non-empty text is copied and confirmed.
func (b *Bus) finishCapture(text string) {
	if text == "" {
		b.notifier.Notify("V2M", "no speech detected")
		return
	}
	b.copyToClipboard(text)
	b.notifier.Notify("V2M", "done")
}

// processText implements ProcessText's LLM-fallback contract: refinement
// failure is contained here, never surfaced as an error to the caller
// (spec §4.H "this fallback is a contract — callers never see an error
// for refinement").
func (b *Bus) processText(ctx context.Context, text string) (Result, error) {
	refined, err := b.refiner.Refine(ctx, text)
	if err != nil {
		if !apperr.Is(err, apperr.LlmError) {
			return Result{}, err
		}
		b.copyToClipboard(text)
		b.notifier.Notify("V2M", "LLM failed, using original")
		return Result{Text: text, Original: text, HasOriginal: true}, nil
	}

	b.copyToClipboard(refined)
	b.notifier.Notify("V2M", "refined")
	return Result{Text: refined, Original: text, HasOriginal: true}, nil
}

func (b *Bus) copyToClipboard(text string) {
	if err := b.clipboard.Copy(text); err != nil {
		slog.Warn("command: clipboard copy failed", "error", err)
	}
}
