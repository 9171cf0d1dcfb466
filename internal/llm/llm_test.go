package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zarvent/v2m-daemon/internal/apperr"
)

func baseConfig(endpoint string) Config {
	return Config{
		Endpoint:      endpoint,
		ModelID:       "sonar",
		Temperature:   0.2,
		MaxInputChars: 4000,
		Timeout:       2 * time.Second,
		RetryAttempts: 2,
		RetryMinWait:  time.Millisecond,
		RetryMaxWait:  5 * time.Millisecond,
		APIKey:        "test-key",
	}
}

func TestRefineSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization header = %q", got)
		}
		resp := chatResponse{Choices: []struct {
			Message chatMessage `json:"message"`
		}{{Message: chatMessage{Role: "assistant", Content: "refined text"}}}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	r := New(baseConfig(srv.URL), "system prompt")
	text, err := r.Refine(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Refine() error = %v", err)
	}
	if text != "refined text" {
		t.Errorf("Refine() = %q, want %q", text, "refined text")
	}
}

func TestRefine4xxNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	r := New(baseConfig(srv.URL), "system prompt")
	_, err := r.Refine(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	if !apperr.Is(err, apperr.LlmError) {
		t.Errorf("error kind = %v, want LlmError", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("calls = %d, want 1 (4xx must not retry)", calls)
	}
}

func TestRefine5xxRetriedThenFails(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := baseConfig(srv.URL)
	cfg.RetryAttempts = 2
	r := New(cfg, "system prompt")

	_, err := r.Refine(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	if !apperr.Is(err, apperr.LlmError) {
		t.Errorf("error kind = %v, want LlmError", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 { // initial + 2 retries
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestRefineTruncatesAtWordBoundary(t *testing.T) {
	var gotContent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotContent = req.Messages[1].Content
		_ = json.NewEncoder(w).Encode(chatResponse{Choices: []struct {
			Message chatMessage `json:"message"`
		}{{Message: chatMessage{Content: "ok"}}}})
	}))
	defer srv.Close()

	cfg := baseConfig(srv.URL)
	cfg.MaxInputChars = 10
	r := New(cfg, "system prompt")

	longText := "one two three four five six"
	_, err := r.Refine(context.Background(), longText)
	if err != nil {
		t.Fatalf("Refine() error = %v", err)
	}
	if len(gotContent) > cfg.MaxInputChars {
		t.Errorf("sent content %q exceeds MaxInputChars=%d", gotContent, cfg.MaxInputChars)
	}
	if strings.HasSuffix(gotContent, "th") { // a plain 10-char cut would end mid-word: "one two th"
		t.Errorf("truncation split a word: %q", gotContent)
	}
}

func TestTruncateAtWordBoundary(t *testing.T) {
	tests := []struct {
		text     string
		maxChars int
		want     string
	}{
		{"hello world", 100, "hello world"},
		{"hello world", 8, "hello"},
		{"", 5, ""},
		{"hello", 0, "hello"},
	}
	for _, tt := range tests {
		if got := truncateAtWordBoundary(tt.text, tt.maxChars); got != tt.want {
			t.Errorf("truncateAtWordBoundary(%q, %d) = %q, want %q", tt.text, tt.maxChars, got, tt.want)
		}
	}
}
