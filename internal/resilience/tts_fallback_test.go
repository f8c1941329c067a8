package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/parley/pkg/provider/tts"
	ttsmock "github.com/MrWong99/parley/pkg/provider/tts/mock"
)

func TestTTSFallback_Synthesize_PrimarySuccess(t *testing.T) {
	primary := &ttsmock.Provider{Audio: []byte("primary")}
	secondary := &ttsmock.Provider{Audio: []byte("secondary")}

	fb := NewTTSFallback(primary, "parler", FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3}})
	fb.AddFallback("xtts", secondary)

	got, err := fb.Synthesize(context.Background(), "Hello.", tts.Voice("", "en"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != "primary" {
		t.Errorf("audio = %q, want primary", got)
	}
	if n := len(secondary.Calls()); n != 0 {
		t.Errorf("secondary calls = %d, want 0", n)
	}
}

func TestTTSFallback_Synthesize_Failover(t *testing.T) {
	primary := &ttsmock.Provider{Err: MarkTransient(errTest)}
	secondary := &ttsmock.Provider{Audio: []byte("secondary")}

	fb := NewTTSFallback(primary, "parler", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
		Retry:          RetryPolicy{MaxRetries: 1},
	})
	fb.AddFallback("xtts", secondary)

	got, err := fb.Synthesize(context.Background(), "Hello.", tts.Voice("male", "en"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != "secondary" {
		t.Errorf("audio = %q, want secondary", got)
	}
	if n := len(primary.Calls()); n != 2 {
		t.Errorf("primary calls = %d, want 2", n)
	}
	calls := secondary.Calls()
	if len(calls) != 1 || calls[0].Voice.ID != "male" {
		t.Errorf("secondary calls = %+v, want one call with voice male", calls)
	}
	if _, ok := fb.Breakers()["xtts"]; !ok {
		t.Error("Breakers() is missing the fallback entry")
	}
}

func TestTTSFallback_Synthesize_AllFail(t *testing.T) {
	fb := NewTTSFallback(&ttsmock.Provider{Err: errTest}, "parler", FallbackConfig{})
	fb.AddFallback("xtts", &ttsmock.Provider{Err: errTest})

	_, err := fb.Synthesize(context.Background(), "Hello.", tts.VoiceProfile{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
