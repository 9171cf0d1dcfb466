package vad

import (
	"log/slog"
	"time"
)

// Params are the tunable thresholds from configuration (spec §3 "vad"
// group).
type Params struct {
	Threshold            float64
	MinSpeechDurationMs  int
	MinSilenceDurationMs int
	StreamingTimeoutMs   int // disabled-mode synthetic speech_end deadline
}

// ChunkEvent reports what classifying one incoming chunk produced.
type ChunkEvent struct {
	SpeechStart bool
	SpeechEnd   bool
}

// Classifier is the streaming/batch voice-activity classifier the capture
// service drives. It owns one Engine and is not safe for concurrent use —
// at most one capture session classifies at a time (spec §3 "at most one
// capture session exists per daemon").
type Classifier struct {
	params Params
	engine Engine // nil when disabled

	// accumulation buffer for partial windows between ClassifyChunk calls.
	pending []float32

	// segmentation run-length state, in chunks/frames of Engine.WindowSize().
	speaking      bool
	speechFrames  int
	silenceFrames int
	frameDuration time.Duration

	// disabled-mode pass-through state.
	disabledSince time.Time
	disabledFired bool
}

// New constructs a Classifier. It attempts to load the native engine; on
// failure it logs and falls back to the disabled pass-through state rather
// than failing daemon startup (spec §4.D).
func New(params Params) *Classifier {
	engine, err := NewNativeEngine()
	if err != nil {
		slog.Warn("vad engine unavailable, running in pass-through mode", "error", err)
		return &Classifier{params: params}
	}
	return newWithEngine(params, engine)
}

func newWithEngine(params Params, engine Engine) *Classifier {
	windowSamples := engine.WindowSize()
	frameDuration := time.Duration(windowSamples) * time.Second / ExpectedSampleRate
	return &Classifier{
		params:        params,
		engine:        engine,
		frameDuration: frameDuration,
	}
}

// Disabled reports whether the classifier is running pass-through (no
// native engine loaded).
func (c *Classifier) Disabled() bool { return c.engine == nil }

// Reset clears per-session iterator state: recurrent engine state, the
// partial-window buffer, and run-length counters. Call once per new
// capture session.
func (c *Classifier) Reset() {
	c.pending = c.pending[:0]
	c.speaking = false
	c.speechFrames = 0
	c.silenceFrames = 0
	c.disabledSince = time.Time{}
	c.disabledFired = false
	if c.engine != nil {
		if err := c.engine.Reset(); err != nil {
			slog.Warn("vad engine reset failed", "error", err)
		}
	}
}

// ClassifyChunk feeds one arbitrary-length PCM chunk through the streaming
// classifier and reports any speech-start/speech-end transitions it
// produced. In disabled mode it tracks wall-clock time since the first
// chunk and synthesizes a single speech_end once StreamingTimeoutMs
// elapses (spec §4.D disabled-state contract).
func (c *Classifier) ClassifyChunk(chunk []float32) ChunkEvent {
	if c.engine == nil {
		return c.classifyChunkDisabled()
	}

	c.pending = append(c.pending, chunk...)

	var ev ChunkEvent
	windowSize := c.engine.WindowSize()
	for len(c.pending) >= windowSize {
		window := c.pending[:windowSize]
		c.pending = c.pending[windowSize:]

		prob, err := c.engine.Predict(window)
		if err != nil {
			slog.Warn("vad predict failed", "error", err)
			continue
		}

		frameEv := c.advance(prob >= float32(c.params.Threshold))
		if frameEv.SpeechStart {
			ev.SpeechStart = true
		}
		if frameEv.SpeechEnd {
			ev.SpeechEnd = true
		}
	}
	return ev
}

// advance runs one frame through the speech/silence run-length state
// machine: a run of is-speech frames covering at least MinSpeechDurationMs
// opens a speech_start; once open, a run of !is-speech frames covering at
// least MinSilenceDurationMs closes it with a speech_end.
func (c *Classifier) advance(isSpeech bool) ChunkEvent {
	var ev ChunkEvent
	minSpeechFrames := c.durationFrames(c.params.MinSpeechDurationMs)
	minSilenceFrames := c.durationFrames(c.params.MinSilenceDurationMs)

	if isSpeech {
		c.speechFrames++
		c.silenceFrames = 0
		if !c.speaking && c.speechFrames >= minSpeechFrames {
			c.speaking = true
			ev.SpeechStart = true
		}
		return ev
	}

	c.speechFrames = 0
	if c.speaking {
		c.silenceFrames++
		if c.silenceFrames >= minSilenceFrames {
			c.speaking = false
			c.silenceFrames = 0
			ev.SpeechEnd = true
		}
	}
	return ev
}

func (c *Classifier) durationFrames(ms int) int {
	if c.frameDuration <= 0 {
		return 1
	}
	frames := time.Duration(ms) * time.Millisecond / c.frameDuration
	if frames < 1 {
		return 1
	}
	return int(frames)
}

func (c *Classifier) classifyChunkDisabled() ChunkEvent {
	now := time.Now()
	if c.disabledSince.IsZero() {
		c.disabledSince = now
	}
	if c.disabledFired {
		return ChunkEvent{}
	}
	timeout := time.Duration(c.params.StreamingTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		return ChunkEvent{}
	}
	if now.Sub(c.disabledSince) >= timeout {
		c.disabledFired = true
		return ChunkEvent{SpeechEnd: true}
	}
	return ChunkEvent{}
}

// ClassifyBuffer runs the batch form over a complete PCM buffer, returning
// every speech segment as sample offsets; a segment still open when the
// buffer ends is returned ending at len(pcm). In disabled mode it
// returns the whole buffer as a single segment, per spec §4.D.
func (c *Classifier) ClassifyBuffer(pcm []float32) []Segment {
	if c.engine == nil {
		if len(pcm) == 0 {
			return nil
		}
		return []Segment{{StartSample: 0, EndSample: len(pcm)}}
	}

	if err := c.engine.Reset(); err != nil {
		slog.Warn("vad engine reset failed", "error", err)
	}
	windowSize := c.engine.WindowSize()

	var (
		segments      []Segment
		speaking      bool
		speechStart   int
		speechFrames  int
		silenceFrames int
	)
	minSpeechFrames := c.durationFrames(c.params.MinSpeechDurationMs)
	minSilenceFrames := c.durationFrames(c.params.MinSilenceDurationMs)

	offset := 0
	for offset+windowSize <= len(pcm) {
		window := pcm[offset : offset+windowSize]
		prob, err := c.engine.Predict(window)
		if err != nil {
			slog.Warn("vad predict failed", "error", err)
			offset += windowSize
			continue
		}
		isSpeech := prob >= float32(c.params.Threshold)

		if isSpeech {
			speechFrames++
			silenceFrames = 0
			if !speaking && speechFrames >= minSpeechFrames {
				speaking = true
				speechStart = offset + windowSize - minSpeechFrames*windowSize
				if speechStart < 0 {
					speechStart = 0
				}
			}
		} else {
			speechFrames = 0
			if speaking {
				silenceFrames++
				if silenceFrames >= minSilenceFrames {
					speaking = false
					silenceFrames = 0
					segments = append(segments, Segment{StartSample: speechStart, EndSample: offset + windowSize})
				}
			}
		}
		offset += windowSize
	}

	if speaking {
		segments = append(segments, Segment{StartSample: speechStart, EndSample: len(pcm)})
	}

	return segments
}
