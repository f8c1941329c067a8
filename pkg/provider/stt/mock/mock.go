// Package mock provides a test double for the stt.Provider interface.
//
// Example:
//
//	p := &mock.Provider{Text: "hello"}
//	text, _ := p.Transcribe(ctx, stt.Request{Audio: wav})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Req is the request passed to Transcribe.
	Req stt.Request
	// At is when the call was made.
	At time.Time
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Text is returned by every successful call.
	Text string

	// Script, if non-empty, supplies per-call results in order. Once it is
	// exhausted Text and Err apply.
	Script []Result

	// Err, if non-nil, is returned by every call not covered by Script.
	Err error

	// Delay, if positive, is slept (respecting ctx) before returning.
	Delay time.Duration

	// TranscribeCalls records every call to Transcribe.
	TranscribeCalls []TranscribeCall
}

// Result is one scripted response.
type Result struct {
	Text string
	Err  error
}

// Transcribe records the call and returns the scripted or configured result.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (string, error) {
	p.mu.Lock()
	n := len(p.TranscribeCalls)
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Req: req, At: time.Now()})
	text, err := p.Text, p.Err
	if n < len(p.Script) {
		text, err = p.Script[n].Text, p.Script[n].Err
	}
	delay := p.Delay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return "", err
	}
	return text, nil
}

// Calls returns a snapshot of the recorded calls. Thread-safe.
func (p *Provider) Calls() []TranscribeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TranscribeCall, len(p.TranscribeCalls))
	copy(out, p.TranscribeCalls)
	return out
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
