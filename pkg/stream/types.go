package stream

import (
	"time"

	"github.com/lokutor-ai/lokutor-narrator/pkg/audio"
)

type Logger interface {
	Debug(msg string, args ...interface{})

	Info(msg string, args ...interface{})

	Warn(msg string, args ...interface{})

	Error(msg string, args ...interface{})
}

type NoOpLogger struct{}

func (n *NoOpLogger) Debug(msg string, args ...interface{}) {}
func (n *NoOpLogger) Info(msg string, args ...interface{})  {}
func (n *NoOpLogger) Warn(msg string, args ...interface{})  {}
func (n *NoOpLogger) Error(msg string, args ...interface{}) {}

// State is the observable state of the playback stream.
type State string

const (
	StateIdle      State = "idle"
	StateBuffering State = "buffering"
	StatePlaying   State = "playing"
	StateDraining  State = "draining"
	StateDrained   State = "drained"
	StateError     State = "error"
)

// Public collapses the internal state into the idle|buffering|playing|error
// view exposed to the UI.
func (s State) Public() State {
	switch s {
	case StateDraining:
		return StatePlaying
	case StateDrained:
		return StateIdle
	default:
		return s
	}
}

// OwnerKind identifies which trigger currently drives the playback queue.
type OwnerKind string

const (
	OwnerNone      OwnerKind = ""
	OwnerResponse  OwnerKind = "recording-response"
	OwnerNarration OwnerKind = "page-narration"
)

// AudioSegment is one normalized, independently playable unit of audio.
type AudioSegment struct {
	Payload []byte
	Format  audio.ContainerFormat
	PCM     audio.PCMSpec
	// Seq is assigned at normalization time and is the only ordering signal.
	Seq uint64
	// Sources lists the sequence numbers of every chunk merged into this
	// segment, in arrival order.
	Sources    []uint64
	ReceivedAt time.Time
}

// Playable returns the bytes handed to the playback primitive for format f.
// Raw PCM gets a synthesized WAV header.
func (s *AudioSegment) Playable(f audio.ContainerFormat) []byte {
	if f == audio.FormatWAV && !audio.IsWav(s.Payload) {
		return audio.NewWavBuffer(s.Payload, s.PCM)
	}
	if f == audio.FormatPCM16 {
		return audio.NewWavBuffer(s.Payload, s.PCM)
	}
	return s.Payload
}

// Observer receives pipeline measurements. Implementations must be cheap; they
// run on the event loop.
type Observer interface {
	ChunkAccepted(format audio.ContainerFormat, size int)
	ChunkRejected(reason string)
	BatchFlushed(segments int, reason FlushReason)
	SegmentPlayed()
	SegmentRetried(format audio.ContainerFormat)
	SegmentSkipped()
	QueueDepth(n int)
	StateChanged(s State)
}

type noopObserver struct{}

func (noopObserver) ChunkAccepted(audio.ContainerFormat, int) {}
func (noopObserver) ChunkRejected(string)                     {}
func (noopObserver) BatchFlushed(int, FlushReason)            {}
func (noopObserver) SegmentPlayed()                           {}
func (noopObserver) SegmentRetried(audio.ContainerFormat)     {}
func (noopObserver) SegmentSkipped()                          {}
func (noopObserver) QueueDepth(int)                           {}
func (noopObserver) StateChanged(State)                       {}

type Config struct {
	PCM audio.PCMSpec
	// PCMContext tells the normalizer that unsigned payloads are raw PCM in
	// the PCM spec above.
	PCMContext    bool
	MinChunkBytes int

	SizeThreshold       int
	FirstBatchThreshold int
	IdleGap             time.Duration
	FlushDelay          time.Duration

	Watchdog    time.Duration
	SettleDelay time.Duration
	AutoAdvance bool
}

func DefaultConfig() Config {
	return Config{
		PCM:                 audio.DefaultPCMSpec,
		PCMContext:          true,
		MinChunkBytes:       10,
		SizeThreshold:       5,
		FirstBatchThreshold: 3,
		IdleGap:             1000 * time.Millisecond,
		FlushDelay:          300 * time.Millisecond,
		Watchdog:            10 * time.Second,
		SettleDelay:         500 * time.Millisecond,
	}
}
