// Package capture implements the daemon's capture session state machine:
// Idle -> Recording -> Segmenting -> Transcribing -> Idle, shared by the
// explicit (start_capture/stop_capture) and smart (VAD-driven) capture
// modes (spec §4.G). At most one session exists per daemon; its PCM
// buffer is exclusively written by the drain loop and only ever read
// after the recorder has stopped, eliminating torn reads without locking
// the buffer itself.
package capture

import (
	"context"
	"sync"
	"time"

	"github.com/zarvent/v2m-daemon/internal/apperr"
	"github.com/zarvent/v2m-daemon/internal/asr"
	"github.com/zarvent/v2m-daemon/internal/recorder"
	"github.com/zarvent/v2m-daemon/internal/vad"
)

// State is one node of the capture state machine.
type State int

const (
	Idle State = iota
	Recording
	Segmenting
	Transcribing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Segmenting:
		return "segmenting"
	case Transcribing:
		return "transcribing"
	default:
		return "unknown"
	}
}

// Mode selects which event drives the Recording -> Segmenting transition.
type Mode int

const (
	// ModeExplicit transitions only on an explicit Stop call.
	ModeExplicit Mode = iota
	// ModeSmart transitions on a VAD speech_end or the hard cap timeout.
	ModeSmart
)

// DefaultSmartCaptureHardCap bounds smart capture recording time regardless
// of VAD activity (spec §4.G, §5).
const DefaultSmartCaptureHardCap = 60 * time.Second

// defaultChunkSinkCapacity is the capacity, in chunks, of the session's
// chunk channel, which is the sink handed to the recorder. Each chunk is
// one device callback's worth of samples, so the audio duration it holds
// depends on the device's period size.
const defaultChunkSinkCapacity = 64

// session is the daemon's single active capture session. All fields except
// those explicitly synchronized through Service.mu are owned exclusively
// by the drain-loop goroutine until it exits.
type session struct {
	mode   Mode
	buffer []float32

	chunkCh chan recorder.Chunk
	ctx     context.Context
	cancel  context.CancelFunc

	start time.Time

	doneCh     chan struct{}
	segEndCh   chan struct{}
	segEndOnce sync.Once
}

func (s *session) closeSegEnd() {
	s.segEndOnce.Do(func() { close(s.segEndCh) })
}

// audioSource is the narrow slice of *recorder.Recorder the state machine
// depends on; declaring it here (rather than depending on the concrete
// type) lets tests drive the state machine with a fake device.
type audioSource interface {
	Start(ctx context.Context, sink chan<- recorder.Chunk) error
	Stop()
}

// Service owns the capture state machine and the single active session.
// VAD classification and the ASR engine are shared, stateless-beyond-their-
// own-resources collaborators (spec §3 "Ownership").
type Service struct {
	mu    sync.Mutex
	state State
	sess  *session

	rec          audioSource
	asrEngine    asr.Engine
	classifier   *vad.Classifier
	vadPreFilter bool
	hardCap      time.Duration
}

// New constructs a capture Service. hardCap of zero falls back to
// DefaultSmartCaptureHardCap.
func New(rec *recorder.Recorder, asrEngine asr.Engine, classifier *vad.Classifier, vadPreFilter bool, hardCap time.Duration) *Service {
	if hardCap <= 0 {
		hardCap = DefaultSmartCaptureHardCap
	}
	return &Service{
		rec:          rec,
		asrEngine:    asrEngine,
		classifier:   classifier,
		vadPreFilter: vadPreFilter,
		hardCap:      hardCap,
	}
}

// State returns the current state machine node.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Recording reports whether a capture session is active (spec §4.I
// get_status "recording" must reflect real state, never a hard-coded
// value).
func (s *Service) Recording() bool {
	return s.State() != Idle
}

// StartExplicit transitions Idle -> Recording in explicit mode. The
// caller (StopRecording handler) later calls StopExplicit to finalize.
func (s *Service) StartExplicit(ctx context.Context) error {
	_, err := s.start(ModeExplicit)
	return err
}

// StopExplicit transitions Recording -> Segmenting -> Transcribing -> Idle
// for an explicit-mode session and returns the transcribed text. Calling
// it while Idle surfaces RecordingError("no active recording") (spec §8
// boundary #7).
func (s *Service) StopExplicit(ctx context.Context) (string, error) {
	s.mu.Lock()
	sess := s.sess
	if sess == nil || s.state != Recording {
		s.mu.Unlock()
		return "", apperr.New(apperr.RecordingError, "no active recording")
	}
	if sess.mode != ModeExplicit {
		s.mu.Unlock()
		return "", apperr.New(apperr.RecordingError, "active recording is in smart-capture mode")
	}
	s.state = Segmenting
	s.mu.Unlock()

	sess.cancel()
	<-sess.doneCh
	s.rec.Stop()

	return s.finishSegment(sess)
}

// SmartCapture transitions Idle -> Recording (smart mode), blocks until
// the VAD closes the segment or the hard cap elapses, then transitions
// through Segmenting -> Transcribing -> Idle and returns the text.
func (s *Service) SmartCapture(ctx context.Context) (string, error) {
	sess, err := s.start(ModeSmart)
	if err != nil {
		return "", err
	}

	select {
	case <-ctx.Done():
		s.abort(sess)
		return "", ctx.Err()
	case <-sess.segEndCh:
	}

	sess.cancel()
	<-sess.doneCh
	s.rec.Stop()

	s.mu.Lock()
	s.state = Segmenting
	s.mu.Unlock()

	return s.finishSegment(sess)
}

// Cancel transitions Recording -> Idle, discarding the buffer without
// transcribing. Calling it while Idle surfaces RecordingError.
func (s *Service) Cancel(ctx context.Context) error {
	s.mu.Lock()
	sess := s.sess
	if sess == nil || s.state == Idle {
		s.mu.Unlock()
		return apperr.New(apperr.RecordingError, "no active recording")
	}
	s.mu.Unlock()

	s.abort(sess)
	return nil
}

// abort stops the session's recorder/drain-loop and discards its buffer,
// returning the state machine to Idle without transcribing.
func (s *Service) abort(sess *session) {
	sess.cancel()
	<-sess.doneCh
	s.rec.Stop()

	s.mu.Lock()
	s.state = Idle
	s.sess = nil
	s.mu.Unlock()
}

// start creates a new session and transitions Idle -> Recording. It
// surfaces RecordingError("already recording") if a session already
// exists, and MicrophoneNotFound if the recorder fails to acquire a
// device (leaving the state machine in Idle in that case).
func (s *Service) start(mode Mode) (*session, error) {
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return nil, apperr.New(apperr.RecordingError, "already recording")
	}

	s.classifier.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		mode:     mode,
		chunkCh:  make(chan recorder.Chunk, defaultChunkSinkCapacity),
		ctx:      ctx,
		cancel:   cancel,
		start:    time.Now(),
		doneCh:   make(chan struct{}),
		segEndCh: make(chan struct{}),
	}
	s.sess = sess
	s.state = Recording
	s.mu.Unlock()

	if err := s.rec.Start(ctx, sess.chunkCh); err != nil {
		cancel()
		s.mu.Lock()
		s.state = Idle
		s.sess = nil
		s.mu.Unlock()
		return nil, err
	}

	go s.drainLoop(sess)
	return sess, nil
}

// drainLoop is the sole writer of sess.buffer. It appends every arriving
// chunk and feeds the streaming VAD iterator; in smart mode it ends the
// session itself on speech_end or the hard-cap timeout.
func (s *Service) drainLoop(sess *session) {
	defer close(sess.doneCh)

	var hardCapC <-chan time.Time
	if sess.mode == ModeSmart {
		timer := time.NewTimer(s.hardCap)
		defer timer.Stop()
		hardCapC = timer.C
	}

	for {
		select {
		case <-sess.ctx.Done():
			return
		case <-hardCapC:
			sess.closeSegEnd()
			return
		case chunk, ok := <-sess.chunkCh:
			if !ok {
				return
			}
			sess.buffer = append(sess.buffer, chunk.Data...)
			ev := s.classifier.ClassifyChunk(chunk.Data)
			if sess.mode == ModeSmart && ev.SpeechEnd {
				sess.closeSegEnd()
				return
			}
		}
	}
}

// finishSegment runs Segmenting -> Transcribing -> Idle: optionally trims
// the buffer to VAD-detected speech via the batch classifier, then calls
// the ASR engine. The state machine returns to Idle and the session is
// cleared whether transcription succeeds or fails.
func (s *Service) finishSegment(sess *session) (string, error) {
	s.mu.Lock()
	s.state = Transcribing
	s.mu.Unlock()

	pcm := sess.buffer
	if s.vadPreFilter {
		segments := s.classifier.ClassifyBuffer(pcm)
		pcm = concatSegments(pcm, segments)
	}

	text, err := s.asrEngine.Transcribe(pcm)

	s.mu.Lock()
	s.state = Idle
	s.sess = nil
	s.mu.Unlock()

	if err != nil {
		return "", apperr.Wrap(err, apperr.AsrError, "transcribe captured audio")
	}
	return text, nil
}

func concatSegments(pcm []float32, segments []vad.Segment) []float32 {
	if len(segments) == 0 {
		return nil
	}
	var out []float32
	for _, seg := range segments {
		out = append(out, pcm[seg.StartSample:seg.EndSample]...)
	}
	return out
}
