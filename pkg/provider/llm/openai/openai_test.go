package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/provider"
	"github.com/MrWong99/parley/pkg/provider/llm"
)

func TestConvertMessage_Roles(t *testing.T) {
	t.Parallel()

	tests := []struct {
		role  string
		check func(t *testing.T, m llm.Message)
	}{
		{role: llm.RoleSystem, check: func(t *testing.T, m llm.Message) {
			p, err := convertMessage(m)
			if err != nil || p.OfSystem == nil {
				t.Fatalf("system: OfSystem not set (err=%v)", err)
			}
		}},
		{role: llm.RoleUser, check: func(t *testing.T, m llm.Message) {
			p, err := convertMessage(m)
			if err != nil || p.OfUser == nil {
				t.Fatalf("user: OfUser not set (err=%v)", err)
			}
		}},
		{role: llm.RoleAssistant, check: func(t *testing.T, m llm.Message) {
			p, err := convertMessage(m)
			if err != nil || p.OfAssistant == nil {
				t.Fatalf("assistant: OfAssistant not set (err=%v)", err)
			}
		}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.role, func(t *testing.T) {
			t.Parallel()
			tc.check(t, llm.Message{Role: tc.role, Content: "hi"})
		})
	}
}

func TestConvertMessage_UnknownRole(t *testing.T) {
	t.Parallel()
	if _, err := convertMessage(llm.Message{Role: "narrator"}); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New("", "gpt-4o-mini"); err == nil {
		t.Error("expected error without api key or base url")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("expected error without model")
	}
	if _, err := New("", "qwen", WithBaseURL("http://localhost:8000/v1/")); err != nil {
		t.Errorf("self-hosted without key: unexpected error: %v", err)
	}
}

// sseServer replies to chat completion requests with one SSE event per delta,
// followed by the [DONE] sentinel.
func sseServer(t *testing.T, deltas []string, gotBody *map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		if gotBody != nil {
			raw, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(raw, gotBody)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for i, d := range deltas {
			finish := "null"
			if i == len(deltas)-1 {
				finish = `"stop"`
			}
			content, _ := json.Marshal(d)
			fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%s},\"finish_reason\":%s}]}\n\n", content, finish)
			if flusher != nil {
				flusher.Flush()
			}
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func TestStreamCompletion_AccumulatesDeltas(t *testing.T) {
	t.Parallel()

	var body map[string]any
	srv := sseServer(t, []string{"Hel", "lo ", "there."}, &body)
	defer srv.Close()

	p, err := New("sk-test", "voice-model", WithBaseURL(srv.URL+"/v1/"), WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := p.StreamCompletion(ctx, llm.CompletionRequest{
		SystemPrompt: "be brief",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		Temperature:  0.7,
		MaxTokens:    150,
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}

	var sb strings.Builder
	var finish string
	for c := range ch {
		if c.FinishReason == llm.FinishError {
			t.Fatalf("unexpected error chunk: %v", c.Err)
		}
		sb.WriteString(c.Text)
		if c.FinishReason != "" {
			finish = c.FinishReason
		}
	}
	if got := sb.String(); got != "Hello there." {
		t.Errorf("text: want %q, got %q", "Hello there.", got)
	}
	if finish != "stop" {
		t.Errorf("finish reason: want stop, got %q", finish)
	}
	if body["model"] != "voice-model" {
		t.Errorf("model: want voice-model, got %v", body["model"])
	}
	if body["stream"] != true {
		t.Errorf("stream flag: want true, got %v", body["stream"])
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages: want 2 (system + user), got %d", len(msgs))
	}
}

func TestStreamCompletion_ServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
	}))
	defer srv.Close()

	p, err := New("sk-test", "m", WithBaseURL(srv.URL+"/v1/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error from 503 response")
	}
	if !provider.IsTransient(err) {
		t.Errorf("503 should be transient, got %v", err)
	}
}

func TestStreamCompletion_ClientErrorIsPermanent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	p, err := New("sk-test", "m", WithBaseURL(srv.URL+"/v1/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error from 401 response")
	}
	if provider.IsTransient(err) {
		t.Errorf("401 should not be transient, got %v", err)
	}
}
