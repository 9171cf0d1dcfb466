// Package config loads and freezes daemon configuration.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Paths groups filesystem locations the daemon touches.
type Paths struct {
	SocketPath    string
	TempAudioPath string
	PidFilePath   string
}

// Audio groups microphone capture parameters.
type Audio struct {
	SampleRate int // Hz, mono float32
	ChunkSize  int // samples per chunk; loaded but not passed to the recorder, whose chunks are one device callback each
}

// VAD groups voice-activity-detection thresholds.
type VAD struct {
	Threshold             float64
	MinSpeechDurationMs   int
	MinSilenceDurationMs  int
	StreamingTimeoutMs    int // hard timeout for the disabled/pass-through fallback
}

// ASR groups speech-recognition engine parameters.
type ASR struct {
	ModelID          string
	Language         string
	BeamWidth        int
	ComputePrecision string
	VADPreFilter     bool
	MinDurationMs    int // shorter PCM returns empty text without invoking the engine
}

// LLM groups refinement-service parameters.
type LLM struct {
	Endpoint         string
	ModelID          string
	Temperature      float64
	MaxInputChars    int
	RequestTimeout   time.Duration
	RetryAttempts    int
	RetryMinWait     time.Duration
	RetryMaxWait     time.Duration
	APIKey           string
	SystemPromptPath string // best-effort; a missing file falls back to a built-in prompt
}

// Config is the daemon's full, frozen configuration. Nothing mutates it
// after Load returns; construction-graph wiring passes it by value.
type Config struct {
	Paths Paths
	Audio Audio
	VAD   VAD
	ASR   ASR
	LLM   LLM
}

// overrideFile is the shape a static config file may supply; any field left
// absent keeps the environment-derived value.
type overrideFile struct {
	Paths *struct {
		SocketPath    *string `json:"socket_path"`
		TempAudioPath *string `json:"temp_audio_path"`
		PidFilePath   *string `json:"pid_file_path"`
	} `json:"paths"`
	Audio *struct {
		SampleRate *int `json:"sample_rate"`
		ChunkSize  *int `json:"chunk_size"`
	} `json:"audio"`
	VAD *struct {
		Threshold            *float64 `json:"threshold"`
		MinSpeechDurationMs  *int     `json:"min_speech_duration_ms"`
		MinSilenceDurationMs *int     `json:"min_silence_duration_ms"`
		StreamingTimeoutMs   *int     `json:"streaming_timeout_ms"`
	} `json:"vad"`
	ASR *struct {
		ModelID          *string `json:"model_id"`
		Language         *string `json:"language"`
		BeamWidth        *int    `json:"beam_width"`
		ComputePrecision *string `json:"compute_precision"`
		VADPreFilter     *bool   `json:"vad_pre_filter"`
		MinDurationMs    *int    `json:"min_duration_ms"`
	} `json:"asr"`
	LLM *struct {
		Endpoint       *string `json:"endpoint"`
		ModelID        *string `json:"model_id"`
		Temperature    *float64 `json:"temperature"`
		MaxInputChars  *int    `json:"max_input_chars"`
		RequestTimeout *int    `json:"request_timeout_seconds"`
		RetryAttempts  *int    `json:"retry_attempts"`
		RetryMinWait   *int    `json:"retry_min_wait_ms"`
		RetryMaxWait   *int    `json:"retry_max_wait_ms"`
	} `json:"llm"`
}

// Load builds the daemon's configuration from defaults, a standard dotfile
// (".env" in the working directory, if present — never fatal when absent),
// environment variables, and finally an optional static JSON config file
// named by V2M_CONFIG_FILE. Later sources win. The API key is never read
// from the static file, only from the environment, so it never ends up on
// disk in a shared config.
func Load() *Config {
	_ = godotenv.Load() // best effort; absence of .env is normal in production

	cfg := &Config{
		Paths: Paths{
			SocketPath:    getEnv("V2M_SOCKET_PATH", "/tmp/v2m.sock"),
			TempAudioPath: getEnv("V2M_TEMP_AUDIO_PATH", "/tmp/v2m-audio"),
			PidFilePath:   getEnv("V2M_PID_FILE_PATH", "/tmp/v2m.pid"),
		},
		Audio: Audio{
			SampleRate: getEnvInt("V2M_SAMPLE_RATE", 16000),
			ChunkSize:  getEnvInt("V2M_CHUNK_SIZE", 512),
		},
		VAD: VAD{
			Threshold:            getEnvFloat("V2M_VAD_THRESHOLD", 0.5),
			MinSpeechDurationMs:  getEnvInt("V2M_VAD_MIN_SPEECH_MS", 250),
			MinSilenceDurationMs: getEnvInt("V2M_VAD_MIN_SILENCE_MS", 500),
			StreamingTimeoutMs:   getEnvInt("V2M_VAD_STREAMING_TIMEOUT_MS", 60000),
		},
		ASR: ASR{
			ModelID:          getEnv("V2M_ASR_MODEL_ID", "ggml-base.en.bin"),
			Language:         getEnv("V2M_ASR_LANGUAGE", "en"),
			BeamWidth:        getEnvInt("V2M_ASR_BEAM_WIDTH", 5),
			ComputePrecision: getEnv("V2M_ASR_COMPUTE_PRECISION", "float16"),
			VADPreFilter:     getEnvBool("V2M_ASR_VAD_PREFILTER", true),
			MinDurationMs:    getEnvInt("V2M_ASR_MIN_DURATION_MS", 200),
		},
		LLM: LLM{
			Endpoint:       getEnv("V2M_LLM_ENDPOINT", "https://api.perplexity.ai/chat/completions"),
			ModelID:        getEnv("V2M_LLM_MODEL_ID", "sonar"),
			Temperature:    getEnvFloat("V2M_LLM_TEMPERATURE", 0.2),
			MaxInputChars:  getEnvInt("V2M_LLM_MAX_INPUT_CHARS", 4000),
			RequestTimeout: time.Duration(getEnvInt("V2M_LLM_TIMEOUT_SECONDS", 30)) * time.Second,
			RetryAttempts:  getEnvInt("V2M_LLM_RETRY_ATTEMPTS", 3),
			RetryMinWait:   time.Duration(getEnvInt("V2M_LLM_RETRY_MIN_WAIT_MS", 500)) * time.Millisecond,
			RetryMaxWait:   time.Duration(getEnvInt("V2M_LLM_RETRY_MAX_WAIT_MS", 8000)) * time.Millisecond,
			APIKey:         getEnv("V2M_LLM_API_KEY", ""),
			SystemPromptPath: getEnv("V2M_LLM_SYSTEM_PROMPT_PATH", "prompts/refine_system.txt"),
		},
	}

	if path := os.Getenv("V2M_CONFIG_FILE"); path != "" {
		applyOverrideFile(cfg, path)
	}

	return cfg
}

func applyOverrideFile(cfg *Config, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // missing/unreadable override file is not fatal
	}
	var o overrideFile
	if json.Unmarshal(data, &o) != nil {
		return
	}

	if o.Paths != nil {
		if o.Paths.SocketPath != nil {
			cfg.Paths.SocketPath = *o.Paths.SocketPath
		}
		if o.Paths.TempAudioPath != nil {
			cfg.Paths.TempAudioPath = *o.Paths.TempAudioPath
		}
		if o.Paths.PidFilePath != nil {
			cfg.Paths.PidFilePath = *o.Paths.PidFilePath
		}
	}
	if o.Audio != nil {
		if o.Audio.SampleRate != nil {
			cfg.Audio.SampleRate = *o.Audio.SampleRate
		}
		if o.Audio.ChunkSize != nil {
			cfg.Audio.ChunkSize = *o.Audio.ChunkSize
		}
	}
	if o.VAD != nil {
		if o.VAD.Threshold != nil {
			cfg.VAD.Threshold = *o.VAD.Threshold
		}
		if o.VAD.MinSpeechDurationMs != nil {
			cfg.VAD.MinSpeechDurationMs = *o.VAD.MinSpeechDurationMs
		}
		if o.VAD.MinSilenceDurationMs != nil {
			cfg.VAD.MinSilenceDurationMs = *o.VAD.MinSilenceDurationMs
		}
		if o.VAD.StreamingTimeoutMs != nil {
			cfg.VAD.StreamingTimeoutMs = *o.VAD.StreamingTimeoutMs
		}
	}
	if o.ASR != nil {
		if o.ASR.ModelID != nil {
			cfg.ASR.ModelID = *o.ASR.ModelID
		}
		if o.ASR.Language != nil {
			cfg.ASR.Language = *o.ASR.Language
		}
		if o.ASR.BeamWidth != nil {
			cfg.ASR.BeamWidth = *o.ASR.BeamWidth
		}
		if o.ASR.ComputePrecision != nil {
			cfg.ASR.ComputePrecision = *o.ASR.ComputePrecision
		}
		if o.ASR.VADPreFilter != nil {
			cfg.ASR.VADPreFilter = *o.ASR.VADPreFilter
		}
		if o.ASR.MinDurationMs != nil {
			cfg.ASR.MinDurationMs = *o.ASR.MinDurationMs
		}
	}
	if o.LLM != nil {
		if o.LLM.Endpoint != nil {
			cfg.LLM.Endpoint = *o.LLM.Endpoint
		}
		if o.LLM.ModelID != nil {
			cfg.LLM.ModelID = *o.LLM.ModelID
		}
		if o.LLM.Temperature != nil {
			cfg.LLM.Temperature = *o.LLM.Temperature
		}
		if o.LLM.MaxInputChars != nil {
			cfg.LLM.MaxInputChars = *o.LLM.MaxInputChars
		}
		if o.LLM.RequestTimeout != nil {
			cfg.LLM.RequestTimeout = time.Duration(*o.LLM.RequestTimeout) * time.Second
		}
		if o.LLM.RetryAttempts != nil {
			cfg.LLM.RetryAttempts = *o.LLM.RetryAttempts
		}
		if o.LLM.RetryMinWait != nil {
			cfg.LLM.RetryMinWait = time.Duration(*o.LLM.RetryMinWait) * time.Millisecond
		}
		if o.LLM.RetryMaxWait != nil {
			cfg.LLM.RetryMaxWait = time.Duration(*o.LLM.RetryMaxWait) * time.Millisecond
		}
		// API key is intentionally never read from the static file.
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}
