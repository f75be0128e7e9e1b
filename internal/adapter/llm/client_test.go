package llm_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/concilium/concilium/internal/adapter/llm"
	"github.com/concilium/concilium/internal/config"
	"github.com/concilium/concilium/internal/resilience"
)

func testConfig(url string) config.LLM {
	return config.LLM{
		URL:         url,
		APIKey:      "test-key",
		Model:       "openai/gpt-4o-mini",
		MaxTokens:   256,
		Temperature: 0.3,
		Timeout:     5 * time.Second,
	}
}

func TestComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Fatalf("unexpected auth: %q", auth)
		}

		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req["model"] != "openai/gpt-4o-mini" {
			t.Fatalf("unexpected model: %v", req["model"])
		}
		if req["stream"] == true {
			t.Fatal("blocking call must not set stream")
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"建议进一步检查"}}]}`))
	}))
	defer srv.Close()

	client := llm.NewClient(testConfig(srv.URL))
	text, err := client.Complete(context.Background(), []llm.Message{
		{Role: "system", Content: "你是肺科专家"},
		{Role: "user", Content: "分析病例"},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if text != "建议进一步检查" {
		t.Fatalf("unexpected text: %q", text)
	}
}

func TestComplete_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	client := llm.NewClient(testConfig(srv.URL))
	if _, err := client.Complete(context.Background(), []llm.Message{{Role: "user", Content: "hi"}}); err == nil {
		t.Fatal("expected API error")
	}
}

func TestCompleteStream(t *testing.T) {
	frames := []string{
		`data: {"choices":[{"delta":{"content":"第一"}}]}`,
		``,
		`data: {"choices":[{"delta":{"content":"第二"}}]}`,
		`data: {"choices":[{"delta":{}}]}`,
		`data: [DONE]`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["stream"] != true {
			t.Fatal("streaming call must set stream")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(strings.Join(frames, "\n") + "\n"))
	}))
	defer srv.Close()

	var chunks []string
	client := llm.NewClient(testConfig(srv.URL))
	full, err := client.CompleteStream(context.Background(), []llm.Message{{Role: "user", Content: "分析"}}, func(chunk string) {
		chunks = append(chunks, chunk)
	})
	if err != nil {
		t.Fatalf("CompleteStream failed: %v", err)
	}
	if full != "第一第二" {
		t.Fatalf("unexpected full text: %q", full)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %v", len(chunks), chunks)
	}
}

func TestBreakerOpensOnRepeatedFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := llm.NewClient(testConfig(srv.URL))
	client.SetBreaker(resilience.NewBreaker(2, time.Minute))

	ctx := context.Background()
	msgs := []llm.Message{{Role: "user", Content: "hi"}}
	for range 2 {
		_, _ = client.Complete(ctx, msgs)
	}
	_, err := client.Complete(ctx, msgs)
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("expected open breaker, got %v", err)
	}
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health/liveliness" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`"I'm alive!"`))
	}))
	defer srv.Close()

	client := llm.NewClient(testConfig(srv.URL))
	if err := client.Health(context.Background()); err != nil {
		t.Fatalf("expected healthy, got %v", err)
	}
}
