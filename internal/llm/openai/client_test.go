package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"Oracle-Delphi/internal/llm"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}

	client, err := NewClient(Config{APIKey: "k"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.baseURL != PresetGroq.BaseURL || client.Model() != PresetGroq.Model {
		t.Fatalf("groq preset not applied: %s %s", client.baseURL, client.Model())
	}
	if client.temperature != 0.7 {
		t.Fatalf("unexpected default temperature: %v", client.temperature)
	}
}

func TestPresetFor(t *testing.T) {
	if p, ok := PresetFor("OpenAI"); !ok || p != PresetOpenAI {
		t.Fatalf("openai preset not resolved: %+v", p)
	}
	if p, ok := PresetFor(""); !ok || p != PresetGroq {
		t.Fatalf("empty provider should map to groq")
	}
	if _, ok := PresetFor("llamafile"); ok {
		t.Fatalf("unknown provider should not resolve")
	}
}

func TestGenerateSuccess(t *testing.T) {
	var captured struct {
		Authorization string
		Path          string
		Body          chatRequest
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Authorization = r.Header.Get("Authorization")
		captured.Path = r.URL.Path
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "llama-3.1-70b-versatile",
			"choices": []map[string]any{
				{"message": map[string]any{"content": "  The river does not ask the stone.  "}},
			},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL + "/", Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	resp, err := client.Generate(context.Background(), llm.Request{Messages: []llm.Message{
		llm.System("You are the Oracle of Delphi."),
		llm.User("Will it rain?"),
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Content != "The river does not ask the stone." {
		t.Fatalf("unexpected content: %q", resp.Content)
	}
	if captured.Authorization != "Bearer test" {
		t.Fatalf("authorization header missing: %q", captured.Authorization)
	}
	if captured.Path != "/chat/completions" {
		t.Fatalf("unexpected path: %s", captured.Path)
	}
	if len(captured.Body.Messages) != 2 || captured.Body.Messages[0].Role != "system" || captured.Body.Messages[1].Content != "Will it rain?" {
		t.Fatalf("unexpected messages: %+v", captured.Body.Messages)
	}
	if captured.Body.Temperature != 0.7 {
		t.Fatalf("unexpected temperature: %v", captured.Body.Temperature)
	}
}

func TestGenerateTemperatureOverride(t *testing.T) {
	var temperature float64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body chatRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		temperature = body.Temperature
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	client, _ := NewClient(Config{APIKey: "test", BaseURL: srv.URL})
	client.httpClient = srv.Client()

	zero := 0.0
	if _, err := client.Generate(context.Background(), llm.Request{Messages: []llm.Message{llm.User("x")}, Temperature: &zero}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if temperature != 0 {
		t.Fatalf("temperature override ignored: %v", temperature)
	}
}

func TestNewClientKeepsZeroTemperature(t *testing.T) {
	zero := 0.0
	client, err := NewClient(Config{APIKey: "k", Temperature: &zero})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.temperature != 0 {
		t.Fatalf("explicit zero temperature replaced: %v", client.temperature)
	}

	fallback, _ := NewClient(Config{APIKey: "k"})
	if fallback.temperature != defaultTemperature {
		t.Fatalf("unexpected default temperature: %v", fallback.temperature)
	}
}

func TestGenerateErrors(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"http status": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
		},
		"no choices": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"choices":[]}`))
		},
		"empty content": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"   "}}]}`))
		},
		"bad json": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{`))
		},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(handler)
			defer srv.Close()

			client, _ := NewClient(Config{APIKey: "test", BaseURL: srv.URL})
			client.httpClient = srv.Client()

			_, err := client.Generate(context.Background(), llm.Request{Messages: []llm.Message{llm.User("x")}})
			if err == nil {
				t.Fatalf("expected error")
			}
			if name == "http status" && !strings.Contains(err.Error(), "429") {
				t.Fatalf("status code missing from error: %v", err)
			}
		})
	}
}

func TestGenerateRequiresMessages(t *testing.T) {
	client, _ := NewClient(Config{APIKey: "test"})
	if _, err := client.Generate(context.Background(), llm.Request{}); err == nil {
		t.Fatalf("expected error for empty conversation")
	}
}
