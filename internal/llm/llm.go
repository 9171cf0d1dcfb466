// Package llm refines transcribed text through an HTTPS chat-completions
// endpoint, with word-boundary truncation and retried backoff on transient
// failures (spec §4.F).
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zarvent/v2m-daemon/internal/apperr"
	"github.com/zarvent/v2m-daemon/internal/resilience"
)

// Config groups the refinement service's parameters (spec §3 "llm" group).
type Config struct {
	Endpoint      string
	ModelID       string
	Temperature   float64
	MaxInputChars int
	Timeout       time.Duration
	RetryAttempts int
	RetryMinWait  time.Duration
	RetryMaxWait  time.Duration
	APIKey        string
}

// Refiner issues the refinement call. A single instance is constructed
// once at startup and shared across every request. A circuit breaker
// guards the endpoint across the daemon's lifetime: ProcessText dictates
// repeatedly whenever refinement is enabled, the same repeated-call shape
// the teacher's grpcclient.Client guards with its own cb field.
type Refiner struct {
	cfg          Config
	systemPrompt string
	client       *http.Client
	breaker      *resilience.Breaker
}

// New constructs a Refiner. systemPrompt is loaded once at startup, per
// spec §4.F ("a system prompt loaded once at startup").
func New(cfg Config, systemPrompt string) *Refiner {
	return &Refiner{
		cfg:          cfg,
		systemPrompt: systemPrompt,
		client:       &http.Client{Timeout: cfg.Timeout},
		breaker:      resilience.New(resilience.DefaultConfig()),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// statusError lets resilience.IsRetryableHTTP inspect an HTTP response's
// status code without the HTTP package leaking into the retry policy.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("llm: server returned HTTP %d: %s", e.code, e.body)
}

func (e *statusError) StatusCode() int { return e.code }

// maxRefinementTokens bounds the completion length requested from the
// refinement service; refinement rewrites, it does not expand, prompts.
const maxRefinementTokens = 2048

// Refine sends text to the configured endpoint and returns the refined
// text. Input longer than MaxInputChars is truncated at a word boundary
// before being sent. Network errors and 5xx/timeout responses are retried
// with exponential backoff; 4xx responses are not retried. A circuit
// breaker wraps the whole retried call, so a run of failing requests
// across separate ProcessText invocations trips the breaker and later
// calls fail fast with ErrOpen instead of each paying the full retry
// budget against a known-down endpoint. On final failure Refine returns
// an *apperr.Error of kind LlmError — callers decide the fallback (spec
// §4.H ProcessText contains LlmError).
func (r *Refiner) Refine(ctx context.Context, text string) (string, error) {
	truncated := truncateAtWordBoundary(text, r.cfg.MaxInputChars)

	retryCfg := resilience.RetryConfig{
		MaxRetries:  r.cfg.RetryAttempts,
		BaseDelay:   r.cfg.RetryMinWait,
		MaxDelay:    r.cfg.RetryMaxWait,
		IsRetryable: resilience.IsRetryableHTTP,
	}

	result, err := resilience.ExecuteWithResult(r.breaker, func() (string, error) {
		var out string
		err := resilience.Retry(ctx, retryCfg, func() error {
			refined, err := r.call(ctx, truncated)
			if err != nil {
				return err
			}
			out = refined
			return nil
		})
		return out, err
	})
	if err != nil {
		return "", apperr.Wrap(err, apperr.LlmError, "refine text")
	}
	return result, nil
}

func (r *Refiner) call(ctx context.Context, text string) (string, error) {
	payload := chatRequest{
		Model: r.cfg.ModelID,
		Messages: []chatMessage{
			{Role: "system", Content: r.systemPrompt},
			{Role: "user", Content: text},
		},
		Temperature: r.cfg.Temperature,
		MaxTokens:   maxRefinementTokens,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("llm: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("llm: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("llm: read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", &statusError{code: resp.StatusCode, body: string(data)}
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("llm: parse response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("llm: response carried no choices")
	}

	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

// truncateAtWordBoundary trims text to at most maxChars, backing up to the
// last whitespace so a word is never split (spec §8 boundary #9).
func truncateAtWordBoundary(text string, maxChars int) string {
	if maxChars <= 0 || len(text) <= maxChars {
		return text
	}
	cut := text[:maxChars]
	if idx := strings.LastIndexAny(cut, " \t\n"); idx > 0 {
		cut = cut[:idx]
	}
	return cut
}
