// Package oto plays speech through the system audio device using
// github.com/ebitengine/oto/v3.
package oto

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/MrWong99/talkinghead/internal/audioout"
	"github.com/MrWong99/talkinghead/pkg/audio"
	"github.com/MrWong99/talkinghead/pkg/types"
)

// DefaultSampleRate is the device rate used when none is configured. oto is
// only reliable at 44.1 kHz and 48 kHz.
const DefaultSampleRate = 48000

// Output plays segments on the default audio device. oto allows a single
// context per process, so create one Output and share it between characters.
type Output struct {
	ctx    *oto.Context
	format audio.Format
}

var _ audioout.Output = (*Output)(nil)

// New opens the audio device. sampleRate must be 44100 or 48000 and channels
// 1 or 2.
func New(sampleRate, channels int) (*Output, error) {
	if sampleRate == 0 {
		sampleRate = DefaultSampleRate
	}
	if sampleRate != 44100 && sampleRate != 48000 {
		return nil, fmt.Errorf("oto: sample rate must be 44100 or 48000 Hz, got %d", sampleRate)
	}
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("oto: channels must be 1 or 2, got %d", channels)
	}
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
	})
	if err != nil {
		return nil, fmt.Errorf("oto: create context: %w", err)
	}
	<-ready
	return &Output{ctx: ctx, format: audio.Format{SampleRate: sampleRate, Channels: channels}}, nil
}

// Start implements [audioout.Output]. The segment is converted to the device
// format before playback.
func (o *Output) Start(ctx context.Context, seg *types.AudioSegment) (audioout.Playback, error) {
	if err := o.ctx.Err(); err != nil {
		return nil, fmt.Errorf("oto: device: %w", err)
	}
	pcm := audio.Convert(seg, o.format)
	p := o.ctx.NewPlayer(bytes.NewReader(pcm.PCM))

	tl := audioout.NewTimeline(ctx, pcm.Duration(), 1)
	tl.OnPause(func(paused bool) {
		if paused {
			p.Pause()
		} else {
			p.Play()
		}
	})
	p.Play()

	go func() {
		<-tl.Done()
		p.Pause()
		_ = p.Close()
	}()
	go drainWatch(tl, p)
	return tl, nil
}

// drainWatch ends the timeline as soon as the device has consumed every
// sample, which can be slightly before or after the wall-clock estimate.
func drainWatch(tl *audioout.Timeline, p *oto.Player) {
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-tl.Done():
			return
		case <-tick.C:
			if !tl.Paused() && !p.IsPlaying() && p.BufferedSize() == 0 {
				tl.Stop()
				return
			}
		}
	}
}
