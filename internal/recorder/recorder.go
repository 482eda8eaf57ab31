// Package recorder captures decoded downstream audio into a WAV file.
package recorder

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/voicelink-io/voicelink/pkg/audio"
)

// Decoder turns an encoded packet into PCM16 little-endian bytes.
type Decoder interface {
	Decode(packet []byte) ([]byte, error)
}

// Recorder decodes incoming frames, optionally resamples them, and
// writes the result as a WAV file on Close.
type Recorder struct {
	mu         sync.Mutex
	dec        Decoder
	resampler  *audio.StreamResampler
	file       *os.File
	sampleRate int
	channels   int
	dataBytes  int
	closed     bool
}

// New creates a recorder writing to path. If outRate differs from the
// decoder's rate a resampling stage is inserted.
func New(path string, dec Decoder, decodeRate int, channels int, outRate int) (*Recorder, error) {
	if dec == nil {
		return nil, fmt.Errorf("recorder: decoder is nil")
	}
	if outRate <= 0 {
		outRate = decodeRate
	}

	var rs *audio.StreamResampler
	if outRate != decodeRate {
		var err error
		rs, err = audio.NewStreamResampler(decodeRate, outRate)
		if err != nil {
			return nil, fmt.Errorf("recorder: %w", err)
		}
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		if rs != nil {
			rs.Close()
		}
		return nil, err
	}

	r := &Recorder{
		dec:        dec,
		resampler:  rs,
		file:       file,
		sampleRate: outRate,
		channels:   channels,
	}
	// header is rewritten with real sizes on Close
	if err := writeWAVHeader(file, outRate, channels, 0); err != nil {
		file.Close()
		if rs != nil {
			rs.Close()
		}
		return nil, err
	}
	return r, nil
}

// Write decodes one frame and appends the PCM to the file.
func (r *Recorder) Write(packet []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("recorder: closed")
	}

	pcm, err := r.dec.Decode(packet)
	if err != nil {
		return err
	}
	if len(pcm) == 0 {
		return nil
	}

	if r.resampler != nil {
		samples, err := r.resampler.Process(audio.BytesToInt16(pcm))
		if err != nil {
			return err
		}
		pcm = audio.Int16ToBytes(samples)
	}
	return r.append(pcm)
}

func (r *Recorder) append(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	n, err := r.file.Write(pcm)
	r.dataBytes += n
	return err
}

// Close flushes the resampler, finalizes the WAV header, and closes
// the file. Safe to call once.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	if r.resampler != nil {
		if tail, err := r.resampler.Flush(); err == nil && len(tail) > 0 {
			_ = r.append(audio.Int16ToBytes(tail))
		}
		r.resampler.Close()
	}

	if _, err := r.file.Seek(0, io.SeekStart); err != nil {
		r.file.Close()
		return err
	}
	if err := writeWAVHeader(r.file, r.sampleRate, r.channels, r.dataBytes); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// writeWAVHeader writes a 44-byte PCM16 RIFF header.
func writeWAVHeader(w io.Writer, sampleRate int, channels int, dataBytes int) error {
	blockAlign := channels * 2
	byteRate := sampleRate * blockAlign

	var header [44]byte
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+dataBytes))
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1)
	binary.LittleEndian.PutUint16(header[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:36], 16)
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(dataBytes))

	_, err := w.Write(header[:])
	return err
}
