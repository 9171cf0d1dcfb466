// Command v2mdaemon runs the voice-to-text background daemon: it wires
// together the capture pipeline and serves it over a Unix socket until a
// shutdown RPC or termination signal arrives.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/zarvent/v2m-daemon/internal/asr"
	"github.com/zarvent/v2m-daemon/internal/capture"
	"github.com/zarvent/v2m-daemon/internal/command"
	"github.com/zarvent/v2m-daemon/internal/config"
	"github.com/zarvent/v2m-daemon/internal/daemon"
	"github.com/zarvent/v2m-daemon/internal/llm"
	"github.com/zarvent/v2m-daemon/internal/platform"
	"github.com/zarvent/v2m-daemon/internal/recorder"
	"github.com/zarvent/v2m-daemon/internal/vad"
)

const defaultSystemPrompt = `You are a transcript cleanup assistant. Fix punctuation, capitalization,
and obvious transcription errors without changing the speaker's meaning.
Return only the cleaned text.`

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := config.Load()

	asrEngine, err := asr.NewEngine(cfg.ASR.ModelID, cfg.ASR.Language, cfg.ASR.BeamWidth)
	if err != nil {
		slog.Error("failed to load ASR engine", "error", err)
		os.Exit(1)
	}
	defer func() { _ = asrEngine.Close() }()
	wrappedASR := asr.WrapMinDuration(asrEngine, cfg.Audio.SampleRate, cfg.ASR.MinDurationMs)

	classifier := vad.New(vad.Params{
		Threshold:            cfg.VAD.Threshold,
		MinSpeechDurationMs:  cfg.VAD.MinSpeechDurationMs,
		MinSilenceDurationMs: cfg.VAD.MinSilenceDurationMs,
		StreamingTimeoutMs:   cfg.VAD.StreamingTimeoutMs,
	})

	rec, err := recorder.New(cfg.Audio.SampleRate)
	if err != nil {
		slog.Error("failed to open microphone", "error", err)
		os.Exit(1)
	}
	defer func() { _ = rec.Close() }()

	captureSvc := capture.New(rec, wrappedASR, classifier, cfg.ASR.VADPreFilter, capture.DefaultSmartCaptureHardCap)

	refiner := llm.New(llm.Config{
		Endpoint:      cfg.LLM.Endpoint,
		ModelID:       cfg.LLM.ModelID,
		Temperature:   cfg.LLM.Temperature,
		MaxInputChars: cfg.LLM.MaxInputChars,
		Timeout:       cfg.LLM.RequestTimeout,
		RetryAttempts: cfg.LLM.RetryAttempts,
		RetryMinWait:  cfg.LLM.RetryMinWait,
		RetryMaxWait:  cfg.LLM.RetryMaxWait,
		APIKey:        cfg.LLM.APIKey,
	}, loadSystemPrompt(cfg.LLM.SystemPromptPath))

	clipboard := platform.NewClipboard()
	notifier := platform.NewNotifier()

	bus := command.New(captureSvc, refiner, clipboard, notifier)
	srv := daemon.New(cfg.Paths.SocketPath, bus, captureSvc.Recording)

	if err := writePidFile(cfg.Paths.PidFilePath); err != nil {
		slog.Warn("failed to write pid file", "path", cfg.Paths.PidFilePath, "error", err)
	}
	defer removePidFile(cfg.Paths.PidFilePath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("v2m daemon starting", "socket", cfg.Paths.SocketPath)
	if err := srv.Run(ctx); err != nil {
		slog.Error("daemon exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("v2m daemon stopped")
}

// loadSystemPrompt reads the configured prompt file, falling back to a
// built-in prompt when the file is absent (spec §4.F "loaded once at
// startup" — absence is not fatal, since the file is deployment-specific).
func loadSystemPrompt(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("system prompt file not found, using built-in default", "path", path)
		return defaultSystemPrompt
	}
	return string(data)
}

func writePidFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func removePidFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove pid file", "path", path, "error", err)
	}
}
