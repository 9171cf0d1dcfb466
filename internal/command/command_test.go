package command

import (
	"context"
	"errors"
	"testing"

	"github.com/zarvent/v2m-daemon/internal/apperr"
)

type fakeCapture struct {
	startErr      error
	stopText      string
	stopErr       error
	smartText     string
	smartErr      error
	stopCalls     int
	smartCalls    int
	stopThenSmart bool // every StopExplicit call fails with RecordingError, as if no session
}

func (f *fakeCapture) StartExplicit(ctx context.Context) error { return f.startErr }

func (f *fakeCapture) StopExplicit(ctx context.Context) (string, error) {
	f.stopCalls++
	if f.stopThenSmart {
		return "", apperr.New(apperr.RecordingError, "no active recording")
	}
	return f.stopText, f.stopErr
}

func (f *fakeCapture) SmartCapture(ctx context.Context) (string, error) {
	f.smartCalls++
	return f.smartText, f.smartErr
}

type fakeRefiner struct {
	text string
	err  error
	got  string
}

func (f *fakeRefiner) Refine(ctx context.Context, text string) (string, error) {
	f.got = text
	return f.text, f.err
}

type fakeClipboard struct {
	copied []string
}

func (f *fakeClipboard) Copy(text string) error {
	f.copied = append(f.copied, text)
	return nil
}

type fakeNotifier struct {
	notifications []string
}

func (f *fakeNotifier) Notify(title, body string) {
	f.notifications = append(f.notifications, body)
}

func newTestBus(cap *fakeCapture, ref *fakeRefiner, clip *fakeClipboard, notif *fakeNotifier) *Bus {
	return &Bus{capture: cap, refiner: ref, clipboard: clip, notifier: notif}
}

func TestStartRecordingNotifiesOnSuccess(t *testing.T) {
	cap := &fakeCapture{}
	notif := &fakeNotifier{}
	bus := newTestBus(cap, &fakeRefiner{}, &fakeClipboard{}, notif)

	res, err := bus.Dispatch(context.Background(), Command{Kind: StartRecording})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if res.Text != "started" {
		t.Errorf("Text = %q, want %q", res.Text, "started")
	}
	if len(notif.notifications) != 1 {
		t.Errorf("notifications = %v, want 1 entry", notif.notifications)
	}
}

func TestStartRecordingPropagatesAlreadyRecording(t *testing.T) {
	cap := &fakeCapture{startErr: apperr.New(apperr.RecordingError, "already recording")}
	bus := newTestBus(cap, &fakeRefiner{}, &fakeClipboard{}, &fakeNotifier{})

	_, err := bus.Dispatch(context.Background(), Command{Kind: StartRecording})
	if !apperr.Is(err, apperr.RecordingError) {
		t.Fatalf("error = %v, want RecordingError", err)
	}
}

func TestStopRecordingCopiesAndNotifiesOnce(t *testing.T) {
	cap := &fakeCapture{stopText: "hello world"}
	clip := &fakeClipboard{}
	notif := &fakeNotifier{}
	bus := newTestBus(cap, &fakeRefiner{}, clip, notif)

	res, err := bus.Dispatch(context.Background(), Command{Kind: StopRecording})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if res.Text != "hello world" {
		t.Errorf("Text = %q", res.Text)
	}
	if len(clip.copied) != 1 || clip.copied[0] != "hello world" {
		t.Errorf("copied = %v, want [hello world]", clip.copied)
	}
	if len(notif.notifications) != 1 {
		t.Errorf("notifications = %v, want 1", notif.notifications)
	}
}

func TestStopRecordingEmptyTextSkipsClipboard(t *testing.T) {
	cap := &fakeCapture{stopText: ""}
	clip := &fakeClipboard{}
	notif := &fakeNotifier{}
	bus := newTestBus(cap, &fakeRefiner{}, clip, notif)

	res, err := bus.Dispatch(context.Background(), Command{Kind: StopRecording})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if res.Text != "" {
		t.Errorf("Text = %q, want empty", res.Text)
	}
	if len(clip.copied) != 0 {
		t.Errorf("clipboard was written on empty transcription: %v", clip.copied)
	}
	if len(notif.notifications) != 1 || notif.notifications[0] != "no speech detected" {
		t.Errorf("notifications = %v", notif.notifications)
	}
}

func TestStopRecordingNoActiveRecordingPropagates(t *testing.T) {
	cap := &fakeCapture{stopErr: apperr.New(apperr.RecordingError, "no active recording")}
	bus := newTestBus(cap, &fakeRefiner{}, &fakeClipboard{}, &fakeNotifier{})

	_, err := bus.Dispatch(context.Background(), Command{Kind: StopRecording})
	if !apperr.Is(err, apperr.RecordingError) {
		t.Fatalf("error = %v, want RecordingError", err)
	}
}

func TestProcessTextSuccessCopiesRefinedText(t *testing.T) {
	ref := &fakeRefiner{text: "refined text"}
	clip := &fakeClipboard{}
	notif := &fakeNotifier{}
	bus := newTestBus(&fakeCapture{}, ref, clip, notif)

	res, err := bus.Dispatch(context.Background(), Command{Kind: ProcessText, Text: "original"})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if res.Text != "refined text" {
		t.Errorf("Text = %q", res.Text)
	}
	if !res.HasOriginal || res.Original != "original" {
		t.Errorf("Original = %q, HasOriginal = %v", res.Original, res.HasOriginal)
	}
	if len(clip.copied) != 1 || clip.copied[0] != "refined text" {
		t.Errorf("copied = %v, want [refined text]", clip.copied)
	}
}

func TestProcessTextLLMFailureFallsBackToOriginal(t *testing.T) {
	ref := &fakeRefiner{err: apperr.New(apperr.LlmError, "connection refused")}
	clip := &fakeClipboard{}
	notif := &fakeNotifier{}
	bus := newTestBus(&fakeCapture{}, ref, clip, notif)

	res, err := bus.Dispatch(context.Background(), Command{Kind: ProcessText, Text: "original text"})
	if err != nil {
		t.Fatalf("Dispatch() error = %v, want nil (fallback is a contract)", err)
	}
	if res.Text != "original text" {
		t.Errorf("Text = %q, want fallback to original", res.Text)
	}
	if len(clip.copied) != 1 || clip.copied[0] != "original text" {
		t.Errorf("copied = %v, want [original text]", clip.copied)
	}
	found := false
	for _, n := range notif.notifications {
		if n == "LLM failed, using original" {
			found = true
		}
	}
	if !found {
		t.Errorf("notifications = %v, missing fallback warning", notif.notifications)
	}
}

func TestProcessTextNonLLMErrorPropagates(t *testing.T) {
	ref := &fakeRefiner{err: errors.New("unexpected")}
	bus := newTestBus(&fakeCapture{}, ref, &fakeClipboard{}, &fakeNotifier{})

	_, err := bus.Dispatch(context.Background(), Command{Kind: ProcessText, Text: "x"})
	if err == nil {
		t.Fatal("expected error to propagate")
	}
}

func TestTranscribeFallsBackToSmartCaptureWhenIdle(t *testing.T) {
	cap := &fakeCapture{stopThenSmart: true, smartText: "smart text"}
	bus := newTestBus(cap, &fakeRefiner{}, &fakeClipboard{}, &fakeNotifier{})

	res, err := bus.Transcribe(context.Background(), false)
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if res.Text != "smart text" {
		t.Errorf("Text = %q, want %q", res.Text, "smart text")
	}
	if cap.smartCalls != 1 {
		t.Errorf("SmartCapture called %d times, want 1", cap.smartCalls)
	}
}

func TestTranscribeWithUseLLMRefines(t *testing.T) {
	cap := &fakeCapture{stopText: "hello world"}
	ref := &fakeRefiner{text: "Hello, world."}
	clip := &fakeClipboard{}
	bus := newTestBus(cap, ref, clip, &fakeNotifier{})

	res, err := bus.Transcribe(context.Background(), true)
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if res.Text != "Hello, world." {
		t.Errorf("Text = %q", res.Text)
	}
	if !res.HasOriginal || res.Original != "hello world" {
		t.Errorf("Original = %q, HasOriginal = %v", res.Original, res.HasOriginal)
	}
	// Both the ASR text and the refined text get copied in sequence; the
	// refined copy must be last so the clipboard ends up holding it.
	if got := clip.copied[len(clip.copied)-1]; got != "Hello, world." {
		t.Errorf("final clipboard content = %q, want refined text", got)
	}
}

func TestTranscribeWithoutUseLLMSkipsRefinement(t *testing.T) {
	cap := &fakeCapture{stopText: "hello world"}
	ref := &fakeRefiner{text: "should not be used"}
	bus := newTestBus(cap, ref, &fakeClipboard{}, &fakeNotifier{})

	res, err := bus.Transcribe(context.Background(), false)
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if res.Text != "hello world" {
		t.Errorf("Text = %q, want unrefined ASR text", res.Text)
	}
	if res.HasOriginal {
		t.Errorf("HasOriginal = true, want false (refinement did not run)")
	}
	if ref.got != "" {
		t.Errorf("refiner was called despite useLLM=false")
	}
}

func TestTranscribeEmptyTextSkipsRefinementEvenWithUseLLM(t *testing.T) {
	cap := &fakeCapture{stopText: ""}
	ref := &fakeRefiner{text: "unused"}
	bus := newTestBus(cap, ref, &fakeClipboard{}, &fakeNotifier{})

	res, err := bus.Transcribe(context.Background(), true)
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if res.Text != "" {
		t.Errorf("Text = %q, want empty", res.Text)
	}
	if ref.got != "" {
		t.Errorf("refiner was called despite empty ASR text")
	}
}
