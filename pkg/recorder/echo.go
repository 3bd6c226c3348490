package recorder

import (
	"math"
	"sync"
	"time"
)

// EchoSuppressor recognizes microphone input that is the narrator's own
// playback picked up by the speakers. Played audio and captured audio must
// share sample rate and channel layout (16-bit mono).
type EchoSuppressor struct {
	mu        sync.Mutex
	played    []byte
	maxBytes  int
	threshold float64
	window    time.Duration
	lastPlay  time.Time
	now       func() time.Time
}

// NewEchoSuppressor keeps about two seconds of played audio at sampleRate.
func NewEchoSuppressor(sampleRate int) *EchoSuppressor {
	return &EchoSuppressor{
		maxBytes:  sampleRate * 2 * 2,
		threshold: 0.55,
		window:    1200 * time.Millisecond,
		now:       time.Now,
	}
}

// RecordPlayed appends audio that was just sent to the speakers.
func (es *EchoSuppressor) RecordPlayed(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	es.mu.Lock()
	defer es.mu.Unlock()

	es.played = append(es.played, chunk...)
	if len(es.played) > es.maxBytes {
		es.played = append(es.played[:0], es.played[len(es.played)-es.maxBytes:]...)
	}
	es.lastPlay = es.now()
}

func (es *EchoSuppressor) Clear() {
	es.mu.Lock()
	es.played = es.played[:0]
	es.mu.Unlock()
}

// IsEcho reports whether input correlates with recently played audio.
func (es *EchoSuppressor) IsEcho(input []byte) bool {
	if len(input) < 2 {
		return false
	}
	es.mu.Lock()
	if len(es.played) == 0 || es.now().Sub(es.lastPlay) > es.window {
		es.mu.Unlock()
		return false
	}
	ref := toSamples(es.played)
	es.mu.Unlock()

	return maxCorrelation(toSamples(input), ref) > es.threshold
}

// maxCorrelation slides input over reference with a coarse stride and returns
// the best normalized correlation, clamped to 0..1.
func maxCorrelation(input, reference []float64) float64 {
	n := len(input)
	if n > len(reference) {
		n = len(reference)
	}
	if n == 0 {
		return 0
	}
	in := input[:n]
	inEnergy := energy(in)
	if inEnergy == 0 {
		return 0
	}

	stride := n / 4
	if stride < 8 {
		stride = 8
	}

	best := 0.0
	for pos := len(reference) - n; pos >= 0; pos -= stride {
		seg := reference[pos : pos+n]
		segEnergy := energy(seg)
		if segEnergy == 0 {
			continue
		}
		dot := 0.0
		for i := range in {
			dot += in[i] * seg[i]
		}
		if corr := dot / math.Sqrt(inEnergy*segEnergy); corr > best {
			best = corr
			if best >= 0.999 {
				break
			}
		}
	}
	return math.Min(best, 1)
}

func toSamples(data []byte) []float64 {
	samples := make([]float64, 0, len(data)/2)
	for i := 0; i < len(data)-1; i += 2 {
		sample := int16(data[i]) | (int16(data[i+1]) << 8)
		samples = append(samples, float64(sample)/32768.0)
	}
	return samples
}

func energy(samples []float64) float64 {
	e := 0.0
	for _, s := range samples {
		e += s * s
	}
	return e
}
