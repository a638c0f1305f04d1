// Package audio holds PCM helpers shared by voice engines and audio outputs:
// format conversion between sample rates and channel layouts, and RIFF/WAVE
// parsing and encoding.
//
// All PCM is signed 16-bit little-endian, interleaved for multi-channel audio.
package audio

import (
	"fmt"
	"log/slog"

	"github.com/MrWong99/talkinghead/pkg/types"
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// FormatOf returns the format of seg.
func FormatOf(seg *types.AudioSegment) Format {
	return Format{SampleRate: seg.SampleRate, Channels: seg.Channels}
}

// Convert returns seg converted to target. The segment is returned unchanged
// when it already matches. Resampling happens before channel conversion so
// stereo is never resampled when the target is mono.
func Convert(seg *types.AudioSegment, target Format) *types.AudioSegment {
	if seg == nil || FormatOf(seg) == target {
		return seg
	}
	if len(seg.PCM)%2 != 0 {
		slog.Warn("audio: odd byte count in PCM data, truncating",
			"bytes", len(seg.PCM),
			"format", FormatOf(seg).String(),
		)
	}

	pcm := seg.PCM[:len(seg.PCM)&^1]
	channels := seg.Channels
	if seg.SampleRate != target.SampleRate {
		pcm = Resample16(pcm, channels, seg.SampleRate, target.SampleRate)
	}
	switch {
	case channels == 1 && target.Channels == 2:
		pcm = MonoToStereo(pcm)
	case channels == 2 && target.Channels == 1:
		pcm = StereoToMono(pcm)
	}
	return &types.AudioSegment{PCM: pcm, SampleRate: target.SampleRate, Channels: target.Channels}
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		j := i * 2
		out[j], out[j+1] = pcm[i], pcm[i+1]
		out[j+2], out[j+3] = pcm[i], pcm[i+1]
	}
	return out
}

// StereoToMono averages L+R per stereo frame.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(sampleAt(pcm, i*2))
		r := int32(sampleAt(pcm, i*2+1))
		putSample(out, i, int16((l+r)/2))
	}
	return out
}

// Resample16 resamples interleaved PCM with the given channel count from
// srcRate to dstRate using linear interpolation per channel. The input is
// returned unchanged when the rates match or either rate is invalid.
func Resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return pcm
	}
	frameBytes := 2 * channels
	srcFrames := len(pcm) / frameBytes
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*frameBytes)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for c := range channels {
			s0 := float64(sampleAt(pcm, idx*channels+c))
			s1 := float64(sampleAt(pcm, next*channels+c))
			putSample(out, i*channels+c, int16(s0*(1-frac)+s1*frac))
		}
	}
	return out
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}

func putSample(pcm []byte, i int, v int16) {
	pcm[i*2] = byte(v)
	pcm[i*2+1] = byte(v >> 8)
}
