package audio

import (
	"errors"
	"sync"

	resampler "github.com/godeps/go-audio-soxr"
)

type soxrKey struct {
	inRate  int
	outRate int
}

var soxrPools sync.Map

func getSoxrPool(key soxrKey) *sync.Pool {
	if pool, ok := soxrPools.Load(key); ok {
		return pool.(*sync.Pool)
	}
	pool := &sync.Pool{}
	actual, _ := soxrPools.LoadOrStore(key, pool)
	return actual.(*sync.Pool)
}

func acquireSoxr(inRate, outRate int) (*resampler.SimpleResamplerFloat32, error) {
	key := soxrKey{inRate: inRate, outRate: outRate}
	if v := getSoxrPool(key).Get(); v != nil {
		if r, ok := v.(*resampler.SimpleResamplerFloat32); ok && r != nil {
			return r, nil
		}
	}
	return resampler.NewEngineFloat32(float64(inRate), float64(outRate), resampler.QualityHigh)
}

func releaseSoxr(inRate, outRate int, r *resampler.SimpleResamplerFloat32) {
	if r == nil {
		return
	}
	r.Reset()
	getSoxrPool(soxrKey{inRate: inRate, outRate: outRate}).Put(r)
}

// StreamResampler converts a continuous PCM16 stream from one sample rate to
// another, keeping filter state across frames.
type StreamResampler struct {
	inRate  int
	outRate int
	r       *resampler.SimpleResamplerFloat32
	scratch []float32
}

// NewStreamResampler creates a streaming resampler.
func NewStreamResampler(inRate, outRate int) (*StreamResampler, error) {
	if inRate <= 0 || outRate <= 0 {
		return nil, errors.New("invalid resampler rates")
	}
	r, err := acquireSoxr(inRate, outRate)
	if err != nil {
		return nil, err
	}
	return &StreamResampler{inRate: inRate, outRate: outRate, r: r}, nil
}

// Process resamples one chunk of PCM16 samples.
func (s *StreamResampler) Process(pcm []int16) ([]int16, error) {
	if s == nil || s.r == nil {
		return nil, errors.New("resampler is closed")
	}
	if len(pcm) == 0 {
		return nil, nil
	}
	s.scratch = Int16ToFloat32Into(s.scratch, pcm)
	out, err := s.r.Process(s.scratch)
	if err != nil {
		return nil, err
	}
	return Float32ToInt16Into(nil, out), nil
}

// Flush drains any samples buffered in the filter.
func (s *StreamResampler) Flush() ([]int16, error) {
	if s == nil || s.r == nil {
		return nil, errors.New("resampler is closed")
	}
	out, err := s.r.Flush()
	if err != nil {
		return nil, err
	}
	return Float32ToInt16Into(nil, out), nil
}

// Close returns the underlying engine to the pool.
func (s *StreamResampler) Close() {
	if s == nil || s.r == nil {
		return
	}
	releaseSoxr(s.inRate, s.outRate, s.r)
	s.r = nil
	s.scratch = nil
}
