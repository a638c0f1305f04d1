package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	voicemock "github.com/MrWong99/talkinghead/pkg/provider/voice/mock"
	"github.com/MrWong99/talkinghead/pkg/types"
)

func TestVoiceFallback_PrimarySuccess(t *testing.T) {
	primary := &voicemock.Engine{ClipDuration: 200 * time.Millisecond}
	secondary := &voicemock.Engine{}
	fb := NewVoiceFallback(primary, "openai", FallbackConfig{})
	fb.AddFallback("coqui", secondary)

	seg, err := fb.GenerateSpeech(context.Background(), "Hello.", types.VoiceProfile{ID: "alloy"})
	if err != nil {
		t.Fatalf("GenerateSpeech: %v", err)
	}
	if seg.Duration() != 200*time.Millisecond {
		t.Fatalf("duration = %v", seg.Duration())
	}
	if primary.CallCount() != 1 || secondary.CallCount() != 0 {
		t.Fatalf("calls: primary=%d secondary=%d", primary.CallCount(), secondary.CallCount())
	}
}

func TestVoiceFallback_Failover(t *testing.T) {
	primary := &voicemock.Engine{Err: errTest}
	secondary := &voicemock.Engine{}
	fb := NewVoiceFallback(primary, "openai", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	fb.AddFallback("coqui", secondary)

	for _, line := range []string{"one", "two"} {
		if _, err := fb.GenerateSpeech(context.Background(), line, types.VoiceProfile{}); err != nil {
			t.Fatalf("GenerateSpeech(%q): %v", line, err)
		}
	}
	if primary.CallCount() != 1 {
		t.Fatalf("primary calls = %d, want 1 (breaker should open)", primary.CallCount())
	}
	if got := secondary.Texts(); len(got) != 2 || got[1] != "two" {
		t.Fatalf("secondary texts = %v", got)
	}
	if fb.States()["openai"] != StateOpen || !fb.Available() {
		t.Fatalf("states = %v", fb.States())
	}
}

func TestVoiceFallback_AllFail(t *testing.T) {
	fb := NewVoiceFallback(&voicemock.Engine{Err: errTest}, "openai", FallbackConfig{})
	_, err := fb.GenerateSpeech(context.Background(), "x", types.VoiceProfile{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
