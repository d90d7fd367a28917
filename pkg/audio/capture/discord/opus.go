package discord

import (
	"fmt"

	"layeh.com/gopus"
)

// Discord voice is 48 kHz stereo Opus in 20 ms packets.
const (
	opusSampleRate = 48000
	opusChannels   = 2
	opusFrameSize  = opusSampleRate * 20 / 1000 // samples per channel
)

// opusDecoder holds the decoder state for one SSRC. Opus is stateful across
// packets, so speakers must never share a decoder.
type opusDecoder struct {
	dec *gopus.Decoder
}

func newOpusDecoder() (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

// decode returns interleaved stereo int16 PCM.
func (d *opusDecoder) decode(packet []byte) ([]int16, error) {
	pcm, err := d.dec.Decode(packet, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("discord: opus decode: %w", err)
	}
	return pcm, nil
}
