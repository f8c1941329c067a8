package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/provider/llm"
)

const (
	DefaultMaxHistoryPairs = 10
	DefaultSystemPrompt    = "You are a helpful voice assistant. Keep answers short and conversational, " +
		"use plain sentences without lists or markup, and never read out symbols."
)

// LLMConfig configures an [LLM].
type LLMConfig struct {
	// SessionID labels log lines.
	SessionID string

	// SystemPrompt is sent as the first message of every request.
	SystemPrompt string

	// MaxHistoryPairs bounds the retained (user, assistant) exchanges.
	// Default 10.
	MaxHistoryPairs int

	Temperature float64
	MaxTokens   int

	// Retry wraps every streamed request. AttemptTimeout bounds one complete
	// stream. A request that fails mid-stream is repeated from the start.
	Retry resilience.RetryPolicy
}

// LLM streams responses from a conversational model and keeps the session's
// conversation history.
//
// Generate is not meant to run concurrently for one session; the owner
// enforces at most one generation at a time. History access is nevertheless
// guarded so that it can be read or cleared from other goroutines.
type LLM struct {
	provider llm.Provider
	rec      Recorder
	cfg      LLMConfig

	mu      sync.Mutex
	history []llm.Message
}

// NewLLM creates an LLM. rec may be nil.
func NewLLM(provider llm.Provider, rec Recorder, cfg LLMConfig) *LLM {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.MaxHistoryPairs <= 0 {
		cfg.MaxHistoryPairs = DefaultMaxHistoryPairs
	}
	if cfg.Retry.Name == "" {
		cfg.Retry.Name = "llm"
	}
	return &LLM{provider: provider, rec: recorderOrNop(rec), cfg: cfg}
}

// Generate streams a response to userText into sink and returns the final
// text. Blank input is a no-op.
//
// Each increment is reported via [ResponseSink.OnToken] with the text
// accumulated so far; a retried request starts accumulating from scratch.
// On success [ResponseSink.OnComplete] is called once and, if the sink accepts
// the response, the exchange is appended to the history, which is then trimmed
// to the configured number of pairs.
//
// When every attempt fails after some text was streamed, the longest partial
// text is delivered through OnComplete and returned without an error; it is not
// added to the history. When nothing was streamed, the error is returned.
//
// If ctx is cancelled Generate returns ctx.Err() without calling OnComplete and
// without touching the history.
func (l *LLM) Generate(ctx context.Context, userText string, sink ResponseSink) (string, error) {
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return "", nil
	}

	req := llm.CompletionRequest{
		Messages:    l.messages(userText),
		Temperature: l.cfg.Temperature,
		MaxTokens:   l.cfg.MaxTokens,
	}

	var partial string
	start := time.Now()
	full, err := resilience.Retry(ctx, l.cfg.Retry, func(ctx context.Context) (string, error) {
		acc, err := l.stream(ctx, req, sink)
		if len(acc) > len(partial) {
			partial = acc
		}
		return acc, err
	})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	l.rec.RecordStage(StageLLM, time.Since(start), err)

	if err != nil {
		if partial == "" {
			return "", fmt.Errorf("stream: generate: %w", err)
		}
		slog.Warn("llm: stream failed, delivering partial response",
			"session_id", l.cfg.SessionID,
			"partial_chars", len(partial),
			"err", err,
		)
		if cerr := sink.OnComplete(ctx, partial); cerr != nil {
			return "", cerr
		}
		return partial, nil
	}

	if cerr := sink.OnComplete(ctx, full); cerr != nil {
		return "", cerr
	}
	if strings.TrimSpace(full) != "" {
		l.commit(userText, full)
	}
	return full, nil
}

// stream runs one request and returns the text accumulated before it ended.
func (l *LLM) stream(ctx context.Context, req llm.CompletionRequest, sink ResponseSink) (string, error) {
	ch, err := l.provider.StreamCompletion(ctx, req)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for {
		select {
		case <-ctx.Done():
			return b.String(), ctx.Err()
		case c, ok := <-ch:
			if !ok {
				// A closed channel after cancellation is not a complete answer.
				return b.String(), ctx.Err()
			}
			if c.Err != nil {
				return b.String(), c.Err
			}
			if c.Text == "" {
				continue
			}
			b.WriteString(c.Text)
			sink.OnToken(ctx, b.String())
		}
	}
}

// messages builds system prompt + history + the new user turn.
func (l *LLM) messages(userText string) []llm.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	msgs := make([]llm.Message, 0, len(l.history)+2)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: l.cfg.SystemPrompt})
	msgs = append(msgs, l.history...)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: userText})
	return msgs
}

func (l *LLM) commit(userText, reply string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.history = append(l.history,
		llm.Message{Role: llm.RoleUser, Content: userText},
		llm.Message{Role: llm.RoleAssistant, Content: reply},
	)
	if limit := 2 * l.cfg.MaxHistoryPairs; len(l.history) > limit {
		l.history = append([]llm.Message(nil), l.history[len(l.history)-limit:]...)
	}
}

// History returns a copy of the retained conversation.
func (l *LLM) History() []llm.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]llm.Message, len(l.history))
	copy(out, l.history)
	return out
}

// ClearHistory forgets the conversation.
func (l *LLM) ClearHistory() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.history = nil
}
