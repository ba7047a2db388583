package audio

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/gopxl/beep"
)

// ToneTrack is a synthetic MediaTrack producing an endless sine wave. Each
// Open starts a fresh oscillator.
type ToneTrack struct {
	id        string
	freq      float64
	amplitude float64
	rate      beep.SampleRate
}

func NewToneTrack(id string, freq float64, rate beep.SampleRate) *ToneTrack {
	return &ToneTrack{id: id, freq: freq, amplitude: 0.2, rate: rate}
}

func (t *ToneTrack) ID() string { return t.id }

func (t *ToneTrack) Open() (beep.Streamer, error) {
	return &tone{freq: t.freq, amplitude: t.amplitude, rate: t.rate}, nil
}

type tone struct {
	freq      float64
	amplitude float64
	phase     float64
	rate      beep.SampleRate
}

func (o *tone) Stream(samples [][2]float64) (n int, ok bool) {
	for i := range samples {
		v := o.amplitude * math.Sin(2*math.Pi*o.phase)
		samples[i][0] = v
		samples[i][1] = v
		o.phase += o.freq / float64(o.rate)
		o.phase -= math.Floor(o.phase)
	}
	return len(samples), true
}

func (o *tone) Err() error { return nil }

// NullSink pulls a streamer in real time and discards the samples, keeping
// the peak level of the last pull. It stands in for an output device.
type NullSink struct {
	src  beep.Streamer
	rate beep.SampleRate

	mu     sync.Mutex
	peak   float64
	pulled int
}

func NewNullSink(src beep.Streamer, rate beep.SampleRate) *NullSink {
	return &NullSink{src: src, rate: rate}
}

// Run pulls one period of samples per period until ctx is done.
func (s *NullSink) Run(ctx context.Context, period time.Duration) {
	if period <= 0 {
		period = 20 * time.Millisecond
	}
	buf := make([][2]float64, s.rate.N(period))
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Pull(buf)
		}
	}
}

// Pull streams len(buf) samples once.
func (s *NullSink) Pull(buf [][2]float64) {
	n, _ := s.src.Stream(buf)
	peak := 0.0
	for i := 0; i < n; i++ {
		peak = math.Max(peak, math.Max(math.Abs(buf[i][0]), math.Abs(buf[i][1])))
	}
	s.mu.Lock()
	s.peak = peak
	s.pulled += n
	s.mu.Unlock()
}

// Level returns the last peak and the total samples pulled.
func (s *NullSink) Level() (peak float64, pulled int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak, s.pulled
}
