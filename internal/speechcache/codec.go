package speechcache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image/png"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/MrWong99/talkinghead/pkg/types"
)

// Audio files start with a fixed 12-byte header followed by the payload:
//
//	magic "THA1" | uint32 sample rate | uint16 channels | uint8 flags | uint8 reserved
//
// flagZstd marks a zstd-compressed payload.
const (
	audioMagic      = "THA1"
	audioHeaderSize = 12
	flagZstd        = 1 << 0
)

var errBadAudioFile = errors.New("invalid cached audio file")

func encodeAudio(enc *zstd.Encoder, seg *types.AudioSegment) []byte {
	hdr := make([]byte, audioHeaderSize)
	copy(hdr[0:4], audioMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(seg.SampleRate))
	binary.LittleEndian.PutUint16(hdr[8:10], uint16(seg.Channels))
	if enc == nil {
		return append(hdr, seg.PCM...)
	}
	hdr[10] = flagZstd
	return enc.EncodeAll(seg.PCM, hdr)
}

func decodeAudio(dec *zstd.Decoder, data []byte) (*types.AudioSegment, error) {
	if len(data) < audioHeaderSize || string(data[0:4]) != audioMagic {
		return nil, errBadAudioFile
	}
	seg := &types.AudioSegment{
		SampleRate: int(binary.LittleEndian.Uint32(data[4:8])),
		Channels:   int(binary.LittleEndian.Uint16(data[8:10])),
	}
	if seg.SampleRate <= 0 || seg.Channels <= 0 {
		return nil, errBadAudioFile
	}
	payload := data[audioHeaderSize:]
	if data[10]&flagZstd == 0 {
		seg.PCM = payload
		return seg, nil
	}
	pcm, err := dec.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	seg.PCM = pcm
	return seg, nil
}

func readFrame(path string, index int) (types.Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return types.Frame{}, err
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return types.Frame{}, err
	}
	return types.FrameFromImage(index, img), nil
}

// writeFrame stores f as a PNG at the fastest compression level.
func writeFrame(path string, f types.Frame) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(out, f.Image()); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
