package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestGenerate(t *testing.T) {
	var gotReq ChatRequest
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q, want /chat/completions", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotReq)
		w.Write([]byte(`{"choices": [{"message": {"role": "assistant", "content": "Cats are mammals."}}]}`))
	}))
	defer srv.Close()

	client := NewClientWithBaseURL("gsk_test", srv.URL, "llama3-8b-8192", 512, 0.3)
	answer, err := client.Generate(context.Background(), []Message{
		{Role: "system", Content: "Answer from the documents."},
		{Role: "user", Content: "What is a cat?"},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if answer != "Cats are mammals." {
		t.Errorf("answer = %q", answer)
	}
	if gotAuth != "Bearer gsk_test" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotReq.Model != "llama3-8b-8192" {
		t.Errorf("model = %q", gotReq.Model)
	}
	if gotReq.MaxTokens != 512 || gotReq.Temperature != 0.3 {
		t.Errorf("max_tokens = %d, temperature = %v", gotReq.MaxTokens, gotReq.Temperature)
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != "system" {
		t.Errorf("messages = %+v", gotReq.Messages)
	}
}

func TestGenerateRetriesRateLimit(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"choices": [{"message": {"content": "ok"}}]}`))
	}))
	defer srv.Close()

	client := NewClientWithBaseURL("key", srv.URL, "m", 0, 0)
	answer, err := client.Generate(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if answer != "ok" {
		t.Errorf("answer = %q", answer)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestGenerateRateLimitExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewClientWithBaseURL("key", srv.URL, "m", 0, 0)
	_, err := client.Generate(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("error = %v, want ErrUnavailable", err)
	}
}

func TestGenerateAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewClientWithBaseURL("bad-key", srv.URL, "m", 0, 0)
	_, err := client.Generate(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("error = %v, want ErrUnavailable", err)
	}
}

func TestGenerateUnreachable(t *testing.T) {
	client := NewClientWithBaseURL("key", "http://127.0.0.1:1", "m", 0, 0)
	_, err := client.Generate(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("error = %v, want ErrUnavailable", err)
	}
}

func TestGenerateRefusalPassedThrough(t *testing.T) {
	const refusal = "I can't help with that request."
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": refusal}}},
		})
	}))
	defer srv.Close()

	client := NewClientWithBaseURL("key", srv.URL, "m", 0, 0)
	answer, err := client.Generate(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if answer != refusal {
		t.Errorf("answer = %q, want refusal text verbatim", answer)
	}
}
