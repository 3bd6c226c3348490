package recorder

import (
	"math"
	"time"
)

type VADEventType string

const (
	SpeechStart VADEventType = "SPEECH_START"
	SpeechEnd   VADEventType = "SPEECH_END"
	Silence     VADEventType = "SILENCE"
)

type VADEvent struct {
	Type      VADEventType
	Timestamp int64
}

// RMSVAD is a Root Mean Square voice activity detector over 16-bit PCM.
type RMSVAD struct {
	threshold    float64
	silenceLimit time.Duration
	isSpeaking   bool
	silenceStart time.Time

	consecutiveFrames int
	minConfirmed      int
	lastRMS           float64

	now func() time.Time
}

func NewRMSVAD(threshold float64, silenceLimit time.Duration) *RMSVAD {
	return &RMSVAD{
		threshold:    threshold,
		silenceLimit: silenceLimit,
		minConfirmed: 7, // ~70-100ms of continuous sound
		now:          time.Now,
	}
}

// SetMinConfirmed sets the number of consecutive frames needed to confirm speech start
func (v *RMSVAD) SetMinConfirmed(count int) {
	v.minConfirmed = count
}

func (v *RMSVAD) SetThreshold(threshold float64) {
	v.threshold = threshold
}

func (v *RMSVAD) Threshold() float64 {
	return v.threshold
}

// LastRMS returns the RMS of the last processed chunk
func (v *RMSVAD) LastRMS() float64 {
	return v.lastRMS
}

func (v *RMSVAD) IsSpeaking() bool {
	return v.isSpeaking
}

// Process classifies one chunk against threshold. It returns nil while speech
// onset is still being confirmed or while speech continues.
func (v *RMSVAD) Process(chunk []byte, threshold float64) *VADEvent {
	rms := RMS(chunk)
	v.lastRMS = rms
	now := v.now()

	if rms > threshold {
		v.consecutiveFrames++
		if !v.isSpeaking {
			if v.consecutiveFrames >= v.minConfirmed {
				v.isSpeaking = true
				v.silenceStart = time.Time{}
				return &VADEvent{Type: SpeechStart, Timestamp: now.UnixMilli()}
			}
			return nil
		}
		v.silenceStart = time.Time{}
		return nil
	}

	v.consecutiveFrames = 0

	if v.isSpeaking {
		if v.silenceStart.IsZero() {
			v.silenceStart = now
		}
		if now.Sub(v.silenceStart) >= v.silenceLimit {
			v.isSpeaking = false
			v.silenceStart = time.Time{}
			return &VADEvent{Type: SpeechEnd, Timestamp: now.UnixMilli()}
		}
		return nil
	}

	return &VADEvent{Type: Silence, Timestamp: now.UnixMilli()}
}

func (v *RMSVAD) Reset() {
	v.isSpeaking = false
	v.silenceStart = time.Time{}
	v.consecutiveFrames = 0
}

// RMS is the root mean square of little-endian 16-bit samples, in 0..1.
func RMS(chunk []byte) float64 {
	if len(chunk) < 2 {
		return 0
	}

	var sum float64
	for i := 0; i < len(chunk)-1; i += 2 {
		sample := int16(chunk[i]) | (int16(chunk[i+1]) << 8)
		f := float64(sample) / 32768.0
		sum += f * f
	}

	return math.Sqrt(sum / float64(len(chunk)/2))
}
