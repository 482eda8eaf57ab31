// Package audio is the codec boundary of the client: conversion between raw
// PCM buffers and opaque Opus packets, plus the PCM utilities the recording
// path needs. The session engine never looks inside an audio frame; this
// package is the only place packet contents matter.
package audio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/voicelink-io/voicelink/pkg/audio/opusx"
)

// opusMaxFrameDurationMs bounds the decode buffer; Opus packets never carry
// more than 120ms of audio.
const opusMaxFrameDurationMs = 120

const maxPacketBytes = 4000

// CodecError reports a malformed packet or PCM buffer. Codec failures are
// per-frame and never fatal to a session.
type CodecError struct {
	Op  string
	Err error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("opus %s: %v", e.Op, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }

// Codec converts between little-endian PCM16 buffers and Opus packets at a
// fixed sample rate, channel count and frame duration. Safe for concurrent
// use.
type Codec struct {
	sampleRate    int
	channels      int
	frameDuration int
	frameSamples  int

	encMu  sync.Mutex
	enc    *opusx.Encoder
	encBuf []byte

	decMu sync.Mutex
	dec   *opusx.Decoder
}

// NewCodec builds a codec. The frame duration must yield an integral sample
// count at the given rate.
func NewCodec(sampleRate, channels, frameDurationMs int) (*Codec, error) {
	if sampleRate <= 0 || channels <= 0 || frameDurationMs <= 0 {
		return nil, errors.New("invalid codec parameters")
	}
	if sampleRate*frameDurationMs%1000 != 0 {
		return nil, fmt.Errorf("frame duration %dms is not integral at %dHz", frameDurationMs, sampleRate)
	}

	enc, err := opusx.NewEncoder(sampleRate, channels, opusx.AppAudio)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	dec, err := opusx.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}

	return &Codec{
		sampleRate:    sampleRate,
		channels:      channels,
		frameDuration: frameDurationMs,
		frameSamples:  sampleRate * frameDurationMs / 1000,
		enc:           enc,
		encBuf:        make([]byte, maxPacketBytes),
		dec:           dec,
	}, nil
}

// SampleRate returns the configured sample rate.
func (c *Codec) SampleRate() int { return c.sampleRate }

// Channels returns the configured channel count.
func (c *Codec) Channels() int { return c.channels }

// FrameBytes returns the PCM byte length of one frame.
func (c *Codec) FrameBytes() int { return c.frameSamples * c.channels * 2 }

// Encode converts one frame of little-endian PCM16 bytes to an Opus packet.
// Short input is zero-padded to the frame size; excess samples are dropped.
func (c *Codec) Encode(pcm []byte) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, &CodecError{Op: "encode", Err: errors.New("empty pcm frame")}
	}

	c.encMu.Lock()
	defer c.encMu.Unlock()

	samples := bytesToInt16(pcm)
	expected := c.frameSamples * c.channels
	if len(samples) < expected {
		padded := make([]int16, expected)
		copy(padded, samples)
		samples = padded
	} else if len(samples) > expected {
		samples = samples[:expected]
	}

	n, err := c.enc.Encode(samples, c.encBuf)
	if err != nil {
		return nil, &CodecError{Op: "encode", Err: err}
	}
	if n == 0 {
		return nil, nil
	}
	packet := make([]byte, n)
	copy(packet, c.encBuf[:n])
	return packet, nil
}

// Decode converts one Opus packet to little-endian PCM16 bytes.
func (c *Codec) Decode(packet []byte) ([]byte, error) {
	if len(packet) == 0 {
		return nil, &CodecError{Op: "decode", Err: errors.New("empty packet")}
	}

	c.decMu.Lock()
	defer c.decMu.Unlock()

	maxSamples := c.sampleRate * opusMaxFrameDurationMs / 1000
	pcm := make([]int16, maxSamples*c.channels)
	decoded, err := c.dec.Decode(packet, pcm)
	if err != nil {
		return nil, &CodecError{Op: "decode", Err: err}
	}
	if decoded <= 0 {
		return nil, nil
	}
	return int16ToBytes(pcm[:decoded*c.channels]), nil
}
