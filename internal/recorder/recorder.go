// Package recorder bridges the microphone's blocking, real-time device
// callback into the daemon's async world: a single default-input-device
// capture pushing fixed-size mono float32 chunks into a bounded channel,
// with a drop-oldest backpressure policy so the audio thread never blocks.
package recorder

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/zarvent/v2m-daemon/internal/apperr"
)

// Chunk is one fixed-size block of mono 16 kHz float32 samples in [-1, 1].
type Chunk struct {
	Data []float32
}

// Recorder captures the default input device and streams chunks to a
// bounded sink. At most one capture is active per daemon, so Recorder
// carries no per-device bookkeeping — it owns exactly one malgo.Device.
type Recorder struct {
	ctx        *malgo.AllocatedContext
	sampleRate uint32

	mu       sync.Mutex
	device   *malgo.Device
	stopOnce sync.Once

	dropped uint64
}

// New initializes the malgo audio backend. Construction happens once at
// service startup and the context is reused across every Start/Stop cycle.
func New(sampleRate int) (*Recorder, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.MicrophoneNotFound, "initialize audio backend")
	}
	return &Recorder{ctx: ctx, sampleRate: uint32(sampleRate)}, nil
}

// Dropped returns the number of chunks dropped so far due to a full sink.
func (r *Recorder) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Start acquires the default input device and begins pushing fixed-size
// chunks to sink. It returns MicrophoneNotFound if no capture device is
// available or the device fails to start. Calling Start while a device is
// already running returns nil and keeps the earlier sink; the capture
// service only calls it from the Idle state.
func (r *Recorder) Start(ctx context.Context, sink chan<- Chunk) error {
	r.mu.Lock()
	if r.device != nil {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = r.sampleRate

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, pSamples []byte, _ uint32) {
			samples := bytesToFloat32(pSamples)
			if len(samples) == 0 {
				return
			}
			r.send(sink, Chunk{Data: samples})
		},
	}

	device, err := malgo.InitDevice(r.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return apperr.Wrap(err, apperr.MicrophoneNotFound, "initialize capture device")
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return apperr.Wrap(err, apperr.MicrophoneNotFound, "start capture device")
	}

	r.mu.Lock()
	r.device = device
	r.stopOnce = sync.Once{}
	r.mu.Unlock()

	// Release the device on cancellation, mirroring the async core's
	// cooperative-cancellation contract (spec §5).
	go func() {
		<-ctx.Done()
		r.Stop()
	}()

	return nil
}

// send delivers chunk to sink without ever blocking the audio callback. On
// a full sink the oldest buffered chunk is dropped to make room (spec §4.E
// "the oldest chunk is dropped and a counter is incremented").
func (r *Recorder) send(sink chan<- Chunk, chunk Chunk) {
	select {
	case sink <- chunk:
		return
	default:
	}

	// Sink is full: drain one old chunk, non-blockingly, then retry once.
	select {
	case <-sink:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
	default:
	}

	select {
	case sink <- chunk:
	default:
		// Lost the race with another producer; drop this chunk too.
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		slog.Debug("recorder: dropped chunk, sink still full after eviction")
	}
}

// Stop releases the device and flushes. Idempotent: calling it while
// already stopped, or before ever starting, is a no-op.
func (r *Recorder) Stop() {
	r.mu.Lock()
	device := r.device
	r.device = nil
	r.mu.Unlock()

	if device == nil {
		return
	}
	r.stopOnce.Do(func() {
		if device.IsStarted() {
			if err := device.Stop(); err != nil {
				slog.Warn("recorder: stop device failed", "error", err)
			}
		}
		device.Uninit()
	})
}

// Close releases the malgo backend context entirely. Call once at daemon
// shutdown, after the final Stop.
func (r *Recorder) Close() error {
	r.Stop()
	if r.ctx != nil {
		return r.ctx.Uninit()
	}
	return nil
}

const float32ByteSize = 4

func bytesToFloat32(b []byte) []float32 {
	if len(b)%float32ByteSize != 0 {
		return nil
	}
	samples := make([]float32, len(b)/float32ByteSize)
	for i := range samples {
		bits := binary.LittleEndian.Uint32(b[i*float32ByteSize:])
		samples[i] = math.Float32frombits(bits)
	}
	return samples
}
