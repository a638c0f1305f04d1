package audio

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/MrWong99/talkinghead/pkg/types"
)

// ErrNotWAV is returned by [ParseWAV] for input that is not a RIFF/WAVE container.
var ErrNotWAV = errors.New("audio: not a RIFF/WAVE container")

// WAVInfo describes the PCM payload of a WAV file.
type WAVInfo struct {
	DataOffset    int // byte offset of the first PCM sample
	DataSize      int // length of the data chunk in bytes
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// ParseWAV walks the RIFF chunks of wav and returns the location and format of
// the PCM data. The fmt chunk size is honoured rather than assuming a fixed
// 44-byte header.
func ParseWAV(wav []byte) (WAVInfo, error) {
	if len(wav) < 12 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return WAVInfo{}, ErrNotWAV
	}

	info := WAVInfo{SampleRate: 22050, Channels: 1, BitsPerSample: 16}
	offset := 12
	for offset+8 <= len(wav) {
		id := string(wav[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch id {
		case "fmt ":
			if size >= 16 && offset+8+16 <= len(wav) {
				f := wav[offset+8:]
				info.Channels = int(binary.LittleEndian.Uint16(f[2:4]))
				info.SampleRate = int(binary.LittleEndian.Uint32(f[4:8]))
				info.BitsPerSample = int(binary.LittleEndian.Uint16(f[14:16]))
			}
		case "data":
			info.DataOffset = offset + 8
			info.DataSize = min(size, len(wav)-info.DataOffset)
			if info.BitsPerSample != 16 {
				return info, fmt.Errorf("audio: unsupported WAV bit depth %d", info.BitsPerSample)
			}
			return info, nil
		}

		// Chunks are word-aligned.
		offset += 8 + size
		if size%2 != 0 {
			offset++
		}
	}
	return WAVInfo{}, errors.New("audio: WAV data chunk not found")
}

// DecodeWAV parses wav into an [types.AudioSegment]. The PCM slice aliases wav.
func DecodeWAV(wav []byte) (*types.AudioSegment, error) {
	info, err := ParseWAV(wav)
	if err != nil {
		return nil, err
	}
	return &types.AudioSegment{
		PCM:        wav[info.DataOffset : info.DataOffset+info.DataSize],
		SampleRate: info.SampleRate,
		Channels:   info.Channels,
	}, nil
}

// EncodeWAV wraps seg in a canonical 44-byte-header PCM WAV container.
func EncodeWAV(seg *types.AudioSegment) []byte {
	le := binary.LittleEndian
	dataSize := uint32(len(seg.PCM))
	buf := make([]byte, 44, 44+len(seg.PCM))

	copy(buf[0:4], "RIFF")
	le.PutUint32(buf[4:8], 36+dataSize)
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	le.PutUint32(buf[16:20], 16)
	le.PutUint16(buf[20:22], 1) // PCM
	le.PutUint16(buf[22:24], uint16(seg.Channels))
	le.PutUint32(buf[24:28], uint32(seg.SampleRate))
	le.PutUint32(buf[28:32], uint32(seg.SampleRate*seg.Channels*2))
	le.PutUint16(buf[32:34], uint16(seg.Channels*2))
	le.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	le.PutUint32(buf[40:44], dataSize)

	return append(buf, seg.PCM...)
}
