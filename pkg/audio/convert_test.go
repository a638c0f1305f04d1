package audio_test

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/talkinghead/pkg/audio"
	"github.com/MrWong99/talkinghead/pkg/types"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func equalSamples(t *testing.T, got, want []int16) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestMonoToStereo(t *testing.T) {
	got := bytesToSamples(audio.MonoToStereo(samplesToBytes([]int16{100, 200, 300})))
	equalSamples(t, got, []int16{100, 100, 200, 200, 300, 300})
}

func TestStereoToMono(t *testing.T) {
	got := bytesToSamples(audio.StereoToMono(samplesToBytes([]int16{100, 200, -100, -200, 32767, 32767})))
	equalSamples(t, got, []int16{150, -150, 32767})
}

func TestResample16(t *testing.T) {
	tests := []struct {
		name      string
		in        []int16
		channels  int
		src, dst  int
		wantCount int
	}{
		{"same rate", []int16{100, 200, 300}, 1, 48000, 48000, 3},
		{"mono upsample", []int16{1000, 2000}, 1, 16000, 48000, 6},
		{"mono downsample", []int16{100, 200, 300, 400, 500, 600}, 1, 48000, 16000, 2},
		{"stereo upsample", []int16{100, 200, 300, 400}, 2, 16000, 48000, 12},
		{"zero rate", []int16{1, 2}, 1, 0, 48000, 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := bytesToSamples(audio.Resample16(samplesToBytes(tc.in), tc.channels, tc.src, tc.dst))
			if len(got) != tc.wantCount {
				t.Fatalf("got %d samples, want %d", len(got), tc.wantCount)
			}
			if got[0] != tc.in[0] {
				t.Errorf("first sample = %d, want %d", got[0], tc.in[0])
			}
		})
	}
}

func TestConvert_NoOpReturnsSameSegment(t *testing.T) {
	seg := &types.AudioSegment{PCM: samplesToBytes([]int16{1, 2}), SampleRate: 24000, Channels: 1}
	if got := audio.Convert(seg, audio.Format{SampleRate: 24000, Channels: 1}); got != seg {
		t.Fatal("matching format should return the input segment")
	}
}

func TestConvert_FullConversionKeepsDuration(t *testing.T) {
	pcm := make([]byte, 24000*2) // 1 s of 24 kHz mono
	seg := &types.AudioSegment{PCM: pcm, SampleRate: 24000, Channels: 1}

	out := audio.Convert(seg, audio.Format{SampleRate: 48000, Channels: 2})
	if out.SampleRate != 48000 || out.Channels != 2 {
		t.Fatalf("format = %s", audio.FormatOf(out))
	}
	if d := out.Duration(); d != time.Second {
		t.Fatalf("Duration() = %s, want 1s", d)
	}
}

func TestWAVRoundTrip(t *testing.T) {
	seg := &types.AudioSegment{PCM: samplesToBytes([]int16{1, -1, 500}), SampleRate: 16000, Channels: 1}
	got, err := audio.DecodeWAV(audio.EncodeWAV(seg))
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if got.SampleRate != 16000 || got.Channels != 1 {
		t.Fatalf("format = %s", audio.FormatOf(got))
	}
	equalSamples(t, bytesToSamples(got.PCM), []int16{1, -1, 500})
}

func TestParseWAV_Invalid(t *testing.T) {
	if _, err := audio.ParseWAV([]byte("not a wav file at all")); !errors.Is(err, audio.ErrNotWAV) {
		t.Fatalf("err = %v, want ErrNotWAV", err)
	}
	header := audio.EncodeWAV(&types.AudioSegment{SampleRate: 8000, Channels: 1})
	if _, err := audio.ParseWAV(header[:36]); err == nil {
		t.Fatal("expected missing data chunk error")
	}
}
