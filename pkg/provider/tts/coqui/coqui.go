// Package coqui provides a TTS provider for Coqui TTS and XTTS HTTP servers.
// It implements the tts.Provider interface.
//
// Three API modes are supported:
//
//   - APIModeStandard (default): the standard Coqui TTS server
//     (ghcr.io/coqui-ai/tts-cpu). Synthesis is performed via GET /api/tts with
//     URL query parameters.
//
//   - APIModeXTTS: the Coqui XTTS v2 API server. Synthesis is performed via
//     POST /tts_to_audio/ with a JSON body naming the reference speaker.
//
//   - APIModeSynthesize: an XTTS wrapper exposing POST /synthesize that takes
//     {"text", "voice", "language", "format"} and answers with WAV.
//
// Every mode returns the WAV clip exactly as served; decoding happens in the
// caller.
//
// Typical usage:
//
//	p, err := coqui.New("http://localhost:8002",
//	    coqui.WithLanguage("en"),
//	    coqui.WithAPIMode(coqui.APIModeSynthesize),
//	)
//	wav, err := p.Synthesize(ctx, "Hello there.", voice)
package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/parley/pkg/provider"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// ---- constants ----

const (
	defaultLanguage    = "en"
	defaultTimeout     = 30 * time.Second
	xttsEndpoint       = "/tts_to_audio/"
	apiTTSEndpoint     = "/api/tts"
	synthesizeEndpoint = "/synthesize"

	maxErrorBody = 512
)

// ---- APIMode ----

// APIMode selects which Coqui server API the provider will target.
type APIMode string

const (
	// APIModeStandard targets the standard Coqui TTS server (/api/tts).
	APIModeStandard APIMode = "standard"

	// APIModeXTTS targets the Coqui XTTS v2 API server (/tts_to_audio/).
	// A voice ID (speaker_wav) is required.
	APIModeXTTS APIMode = "xtts"

	// APIModeSynthesize targets an XTTS server exposing /synthesize.
	APIModeSynthesize APIMode = "synthesize"
)

// ---- options ----

// Option is a functional option for configuring a Coqui Provider.
type Option func(*Provider)

// WithLanguage sets the language code sent to the TTS server (e.g., "en",
// "de"). The voice's own Language wins when set. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithAPIMode sets the server API mode.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) {
		p.apiMode = mode
	}
}

// ---- Provider ----

// Provider implements tts.Provider backed by a Coqui TTS server. It is safe for
// concurrent use.
type Provider struct {
	serverURL  string
	language   string
	httpClient *http.Client
	apiMode    APIMode
}

// New creates a new Coqui Provider that targets the TTS server at serverURL
// (e.g., "http://localhost:5002"). The default API mode is APIModeStandard.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL: strings.TrimRight(serverURL, "/"),
		language:  defaultLanguage,
		apiMode:   APIModeStandard,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(p)
	}
	switch p.apiMode {
	case APIModeStandard, APIModeXTTS, APIModeSynthesize:
	default:
		return nil, fmt.Errorf("coqui: unknown API mode %q", p.apiMode)
	}
	return p, nil
}

// ---- internal request types ----

// xttsRequest is the JSON body sent to POST /tts_to_audio/.
type xttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// synthesizeRequest is the JSON body sent to POST /synthesize.
type synthesizeRequest struct {
	Text     string `json:"text"`
	Voice    string `json:"voice"`
	Language string `json:"language"`
	Format   string `json:"format"`
}

// ---- Synthesize ----

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, error) {
	lang := voice.Language
	if lang == "" {
		lang = p.language
	}
	switch p.apiMode {
	case APIModeXTTS:
		if voice.ID == "" {
			return nil, errors.New("coqui: voice.ID must not be empty (required for XTTS mode)")
		}
		return p.postJSON(ctx, xttsEndpoint, xttsRequest{Text: text, SpeakerWav: voice.ID, Language: lang})
	case APIModeSynthesize:
		return p.postJSON(ctx, synthesizeEndpoint, synthesizeRequest{Text: text, Voice: voice.ID, Language: lang, Format: "wav"})
	default:
		return p.synthesizeStandard(ctx, text, voice.ID, lang)
	}
}

// synthesizeStandard performs a single GET /api/tts call. Single-speaker models
// accept an empty speaker.
func (p *Provider) synthesizeStandard(ctx context.Context, text, speaker, lang string) ([]byte, error) {
	q := url.Values{}
	q.Set("text", text)
	if speaker != "" {
		q.Set("speaker_id", speaker)
	}
	if lang != "" {
		q.Set("language_id", lang)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+apiTTSEndpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")
	return p.do(req, "GET "+apiTTSEndpoint)
}

func (p *Provider) postJSON(ctx context.Context, endpoint string, body any) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("coqui: marshal tts request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/wav")
	return p.do(req, "POST "+endpoint)
}

func (p *Provider) do(req *http.Request, label string) ([]byte, error) {
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s: %w", label, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		err := fmt.Errorf("coqui: %s returned status %d: %s", label, resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			err = provider.MarkTransient(err)
		}
		return nil, err
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read WAV response: %w", err)
	}
	return wav, nil
}
