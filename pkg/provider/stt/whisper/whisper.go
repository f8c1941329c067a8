// Package whisper provides an STT provider for Whisper-family transcription
// servers.
//
// Two wire protocols are supported:
//
//   - [APIModeOpenAI] (default) talks to any OpenAI-compatible
//     POST {base}/audio/transcriptions endpoint (OpenAI, vLLM, faster-whisper
//     servers, speaches) through the official openai-go client.
//   - [APIModeInference] posts a multipart form to a whisper.cpp
//     whisper-server at POST {base}/inference.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8000/v1",
//	    whisper.WithModel("openai/whisper-large-v3-turbo"),
//	    whisper.WithLanguage("en"),
//	)
//	text, err := p.Transcribe(ctx, stt.Request{Audio: wav})
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/parley/pkg/provider"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

// DefaultModel is the transcription model requested when none is configured.
const DefaultModel = "openai/whisper-large-v3-turbo"

// APIMode selects the wire protocol spoken by the server.
type APIMode string

const (
	// APIModeOpenAI uses the OpenAI-compatible /audio/transcriptions endpoint.
	APIModeOpenAI APIMode = "openai"

	// APIModeInference uses the whisper.cpp server /inference endpoint.
	APIModeInference APIMode = "inference"
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier sent with every request.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the ISO-639-1 language hint (e.g., "en", "de"). Empty lets
// the server auto-detect.
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithAPIKey sets the bearer token for OpenAI-compatible servers.
func WithAPIKey(key string) Option {
	return func(p *Provider) {
		p.apiKey = key
	}
}

// WithAPIMode selects the wire protocol. Defaults to [APIModeOpenAI].
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) {
		p.mode = mode
	}
}

// WithTimeout sets the HTTP client timeout. Defaults to 30 s; callers usually
// also bound each call through its context.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// Provider implements stt.Provider against a Whisper transcription server.
type Provider struct {
	serverURL  string
	model      string
	language   string
	apiKey     string
	mode       APIMode
	httpClient *http.Client
	client     oai.Client
}

// New creates a Provider for the server at serverURL. For [APIModeOpenAI]
// serverURL is the API base ("https://api.openai.com/v1"); for
// [APIModeInference] it is the whisper-server root ("http://localhost:8080").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		model:      DefaultModel,
		mode:       APIModeOpenAI,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}

	switch p.mode {
	case APIModeOpenAI:
		reqOpts := []option.RequestOption{
			option.WithBaseURL(p.serverURL + "/"),
			option.WithHTTPClient(p.httpClient),
			option.WithMaxRetries(0),
		}
		if p.apiKey != "" {
			reqOpts = append(reqOpts, option.WithAPIKey(p.apiKey))
		}
		p.client = oai.NewClient(reqOpts...)
	case APIModeInference:
	default:
		return nil, fmt.Errorf("whisper: unknown api mode %q", p.mode)
	}
	return p, nil
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (string, error) {
	if len(req.Audio) == 0 {
		return "", nil
	}
	model := req.Model
	if model == "" {
		model = p.model
	}
	lang := req.Language
	if lang == "" {
		lang = p.language
	}

	var (
		text string
		err  error
	)
	if p.mode == APIModeInference {
		text, err = p.inference(ctx, req.Audio, model, lang)
	} else {
		text, err = p.transcription(ctx, req.Audio, model, lang)
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// transcription calls the OpenAI-compatible endpoint.
func (p *Provider) transcription(ctx context.Context, wav []byte, model, lang string) (string, error) {
	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(wav), "audio.wav", "audio/wav"),
		Model: oai.AudioModel(model),
	}
	if lang != "" {
		params.Language = oai.String(lang)
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		var apiErr *oai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 && apiErr.StatusCode != http.StatusTooManyRequests {
			return "", fmt.Errorf("whisper: transcription: %w", err)
		}
		return "", fmt.Errorf("whisper: transcription: %w", provider.MarkTransient(err))
	}
	return resp.Text, nil
}

// inference posts the window to a whisper.cpp server.
func (p *Provider) inference(ctx context.Context, wav []byte, model, lang string) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}
	if lang != "" {
		if err := mw.WriteField("language", lang); err != nil {
			return "", fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if model != "" {
		if err := mw.WriteField("model", model); err != nil {
			return "", fmt.Errorf("whisper: write model field: %w", err)
		}
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return "", fmt.Errorf("whisper: write response_format field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
		if resp.StatusCode >= 500 {
			err = provider.MarkTransient(err)
		}
		return "", err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisper: read response body: %w", err)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return result.Text, nil
}
