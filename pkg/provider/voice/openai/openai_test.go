package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/talkinghead/pkg/types"
)

// speechServer returns an httptest server that answers POST .../audio/speech
// with pcm and records the decoded request bodies.
func speechServer(t *testing.T, status int, pcm []byte) (*httptest.Server, *[]map[string]any) {
	t.Helper()
	var mu sync.Mutex
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/audio/speech") {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		if status != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(pcm)
	}))
	t.Cleanup(srv.Close)
	return srv, &bodies
}

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New("", ""); err == nil {
		t.Fatal("expected error for empty api key")
	}
}

func TestNew_DefaultModel(t *testing.T) {
	e, err := New("sk-test", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if e.ModelID() != DefaultModel {
		t.Errorf("ModelID() = %q, want %q", e.ModelID(), DefaultModel)
	}
}

func TestGenerateSpeech_ReturnsPCM(t *testing.T) {
	pcm := make([]byte, 4800) // 100 ms at 24 kHz mono
	srv, bodies := speechServer(t, http.StatusOK, pcm)

	e, err := New("sk-test", "tts-1", WithBaseURL(srv.URL+"/v1/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	seg, err := e.GenerateSpeech(context.Background(), "Hello there.", types.VoiceProfile{
		ID:    "nova",
		Style: "cheerful",
	})
	if err != nil {
		t.Fatalf("GenerateSpeech: %v", err)
	}
	if seg.SampleRate != SampleRate || seg.Channels != 1 || len(seg.PCM) != len(pcm) {
		t.Fatalf("segment = %d Hz, %d ch, %d bytes", seg.SampleRate, seg.Channels, len(seg.PCM))
	}

	if len(*bodies) != 1 {
		t.Fatalf("server saw %d requests, want 1", len(*bodies))
	}
	body := (*bodies)[0]
	checks := map[string]string{
		"input":           "Hello there.",
		"model":           "tts-1",
		"voice":           "nova",
		"response_format": "pcm",
		"instructions":    "cheerful",
	}
	for k, want := range checks {
		if got, _ := body[k].(string); got != want {
			t.Errorf("request %s = %q, want %q", k, got, want)
		}
	}
}

func TestGenerateSpeech_DefaultVoice(t *testing.T) {
	srv, bodies := speechServer(t, http.StatusOK, make([]byte, 10))
	e, _ := New("sk-test", "", WithBaseURL(srv.URL+"/v1/"))
	if _, err := e.GenerateSpeech(context.Background(), "hi", types.VoiceProfile{}); err != nil {
		t.Fatalf("GenerateSpeech: %v", err)
	}
	if got := (*bodies)[0]["voice"]; got != DefaultVoice {
		t.Errorf("voice = %v, want %s", got, DefaultVoice)
	}
}

func TestGenerateSpeech_ServerError(t *testing.T) {
	srv, _ := speechServer(t, http.StatusInternalServerError, nil)
	e, _ := New("sk-test", "", WithBaseURL(srv.URL+"/v1/"))
	if _, err := e.GenerateSpeech(context.Background(), "hi", types.VoiceProfile{}); err == nil {
		t.Fatal("expected error from failing server")
	}
}

func TestGenerateSpeech_EmptyText(t *testing.T) {
	e, _ := New("sk-test", "")
	if _, err := e.GenerateSpeech(context.Background(), "", types.VoiceProfile{}); err == nil {
		t.Fatal("expected error for empty text")
	}
}

func TestClampSpeed(t *testing.T) {
	tests := []struct{ in, want float64 }{
		{0.1, 0.25},
		{1.5, 1.5},
		{9, 4},
	}
	for _, tc := range tests {
		if got := clampSpeed(tc.in); got != tc.want {
			t.Errorf("clampSpeed(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
