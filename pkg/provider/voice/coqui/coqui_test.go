package coqui

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/talkinghead/pkg/audio"
	"github.com/MrWong99/talkinghead/pkg/types"
)

func testWAV(rate int, samples int) []byte {
	return audio.EncodeWAV(&types.AudioSegment{PCM: make([]byte, samples*2), SampleRate: rate, Channels: 1})
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty server URL")
	}
	if _, err := New("http://x", WithAPIMode("bogus")); err == nil {
		t.Fatal("expected error for unknown api mode")
	}
}

func TestGenerateSpeech_Standard(t *testing.T) {
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != apiTTSEndpoint {
			http.NotFound(w, r)
			return
		}
		gotQuery = map[string]string{
			"text":        r.URL.Query().Get("text"),
			"speaker_id":  r.URL.Query().Get("speaker_id"),
			"language_id": r.URL.Query().Get("language_id"),
		}
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(testWAV(22050, 2205))
	}))
	defer srv.Close()

	e, err := New(srv.URL+"/", WithLanguage("de"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	seg, err := e.GenerateSpeech(context.Background(), "Guten Abend.", types.VoiceProfile{ID: "p225"})
	if err != nil {
		t.Fatalf("GenerateSpeech: %v", err)
	}
	if seg.SampleRate != 22050 || len(seg.PCM) != 2205*2 {
		t.Fatalf("segment = %d Hz, %d bytes", seg.SampleRate, len(seg.PCM))
	}
	want := map[string]string{"text": "Guten Abend.", "speaker_id": "p225", "language_id": "de"}
	for k, v := range want {
		if gotQuery[k] != v {
			t.Errorf("query %s = %q, want %q", k, gotQuery[k], v)
		}
	}
}

func TestGenerateSpeech_XTTS(t *testing.T) {
	var got xttsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != xttsEndpoint {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write(testWAV(24000, 240))
	}))
	defer srv.Close()

	e, _ := New(srv.URL, WithAPIMode(APIModeXTTS), WithOutputSampleRate(48000))
	seg, err := e.GenerateSpeech(context.Background(), "Hello.", types.VoiceProfile{ID: "narrator"})
	if err != nil {
		t.Fatalf("GenerateSpeech: %v", err)
	}
	if seg.SampleRate != 48000 || len(seg.PCM) != 480*2 {
		t.Fatalf("resampled segment = %d Hz, %d bytes", seg.SampleRate, len(seg.PCM))
	}
	if got.Text != "Hello." || got.SpeakerWav != "narrator" || got.Language != "en" {
		t.Fatalf("request body = %+v", got)
	}
}

func TestGenerateSpeech_XTTSRequiresVoice(t *testing.T) {
	e, _ := New("http://127.0.0.1:1", WithAPIMode(APIModeXTTS))
	if _, err := e.GenerateSpeech(context.Background(), "hi", types.VoiceProfile{}); err == nil {
		t.Fatal("expected error without voice ID")
	}
}

func TestGenerateSpeech_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e, _ := New(srv.URL)
	if _, err := e.GenerateSpeech(context.Background(), "hi", types.VoiceProfile{}); err == nil {
		t.Fatal("expected error for 503")
	}
}

func TestGenerateSpeech_NotWAV(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("definitely not audio"))
	}))
	defer srv.Close()

	e, _ := New(srv.URL)
	if _, err := e.GenerateSpeech(context.Background(), "hi", types.VoiceProfile{}); err == nil {
		t.Fatal("expected error for non-WAV body")
	}
}
