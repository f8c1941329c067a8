package parler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/parley/pkg/provider"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/provider/tts/parler"
)

func TestNew_EmptyURL(t *testing.T) {
	t.Parallel()
	if _, err := parler.New(""); err == nil {
		t.Fatal("expected error for empty URL, got nil")
	}
}

func TestSynthesize(t *testing.T) {
	t.Parallel()

	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tts" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write([]byte("RIFFdata"))
	}))
	defer srv.Close()

	p, err := parler.New(srv.URL + "/")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	voice := tts.Voice("male", "en")
	out, err := p.Synthesize(context.Background(), "Hello there.", voice)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(out) != "RIFFdata" {
		t.Errorf("audio: want %q, got %q", "RIFFdata", out)
	}
	if got["text"] != "Hello there." {
		t.Errorf("text: want %q, got %q", "Hello there.", got["text"])
	}
	if got["description"] != voice.Description {
		t.Errorf("description: want %q, got %q", voice.Description, got["description"])
	}
}

func TestSynthesize_DescriptionFromID(t *testing.T) {
	t.Parallel()

	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte("RIFF"))
	}))
	defer srv.Close()

	p, _ := parler.New(srv.URL)
	if _, err := p.Synthesize(context.Background(), "Hi.", tts.VoiceProfile{ID: "female_casual"}); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	want := tts.Voice("female_casual", "").Description
	if got["description"] != want {
		t.Errorf("description: want %q, got %q", want, got["description"])
	}
}

func TestSynthesize_ServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, _ := parler.New(srv.URL)
	_, err := p.Synthesize(context.Background(), "Hi.", tts.Voice("", ""))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !provider.IsTransient(err) {
		t.Errorf("want transient error, got %v", err)
	}
}
