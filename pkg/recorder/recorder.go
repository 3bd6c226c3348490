package recorder

import (
	"errors"
	"sync"
	"time"

	"github.com/lokutor-ai/lokutor-narrator/pkg/stream"
)

// ErrAlreadyRecording is returned by Start while a recording is in progress
var ErrAlreadyRecording = errors.New("already recording")

// InputSink receives captured microphone audio.
type InputSink interface {
	AppendInput(sessionID string, pcm []byte) error
}

// Controller is told when a recording begins and ends.
type Controller interface {
	RecordingStarted() error
	RecordingStopped() error
}

type Config struct {
	// HandsFree lets the VAD start and stop recordings. Otherwise only
	// Start and Stop do.
	HandsFree    bool
	Threshold    float64
	SilenceLimit time.Duration
	// EchoThreshold replaces Threshold while playback is active so the
	// narrator's own voice does not trigger a recording.
	EchoThreshold float64
	// EchoTail keeps EchoThreshold in force after playback stops.
	EchoTail time.Duration
}

func DefaultConfig() Config {
	return Config{
		Threshold:     0.02,
		SilenceLimit:  500 * time.Millisecond,
		EchoThreshold: 0.15,
		EchoTail:      200 * time.Millisecond,
	}
}

// Recorder streams captured PCM to the sink while a recording is active.
// Write is called from the capture thread; Start and Stop from anywhere.
type Recorder struct {
	cfg       Config
	sessionID string
	sink      InputSink
	ctrl      Controller
	log       stream.Logger

	mu        sync.Mutex
	vad       *RMSVAD
	recording bool
	playing   func() bool
	echo      *EchoSuppressor
	lastPlay  time.Time
	now       func() time.Time
	silence   []byte
}

func New(cfg Config, sessionID string, sink InputSink, ctrl Controller, log stream.Logger) *Recorder {
	if log == nil {
		log = &stream.NoOpLogger{}
	}
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.SilenceLimit <= 0 {
		cfg.SilenceLimit = def.SilenceLimit
	}
	if cfg.EchoThreshold < cfg.Threshold {
		cfg.EchoThreshold = cfg.Threshold
	}
	return &Recorder{
		cfg:       cfg,
		sessionID: sessionID,
		sink:      sink,
		ctrl:      ctrl,
		log:       log,
		vad:       NewRMSVAD(cfg.Threshold, cfg.SilenceLimit),
		now:       time.Now,
	}
}

// SetPlaybackProbe installs a check for active playback used for echo
// suppression.
func (r *Recorder) SetPlaybackProbe(f func() bool) {
	r.mu.Lock()
	r.playing = f
	r.mu.Unlock()
}

// SetEchoSuppressor makes Write treat input matching recent playback as
// silence.
func (r *Recorder) SetEchoSuppressor(es *EchoSuppressor) {
	r.mu.Lock()
	r.echo = es
	r.mu.Unlock()
}

func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// LastRMS is the level of the last captured chunk.
func (r *Recorder) LastRMS() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.vad.LastRMS()
}

func (r *Recorder) Start() error {
	r.mu.Lock()
	if r.recording {
		r.mu.Unlock()
		return ErrAlreadyRecording
	}
	r.recording = true
	r.mu.Unlock()

	if err := r.ctrl.RecordingStarted(); err != nil {
		r.mu.Lock()
		r.recording = false
		r.vad.Reset()
		r.mu.Unlock()
		r.log.Warn("recording rejected", "sessionID", r.sessionID, "error", err)
		return err
	}
	r.log.Info("recording started", "sessionID", r.sessionID)
	return nil
}

func (r *Recorder) Stop() error {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return stream.ErrNotRecording
	}
	r.recording = false
	r.vad.Reset()
	r.mu.Unlock()

	r.log.Info("recording stopped", "sessionID", r.sessionID)
	return r.ctrl.RecordingStopped()
}

// Write handles one captured chunk of 16-bit PCM.
func (r *Recorder) Write(pcm []byte) error {
	r.mu.Lock()
	if r.echo != nil && r.echo.IsEcho(pcm) {
		pcm = r.silent(len(pcm))
	}
	threshold := r.effectiveThreshold()
	ev := r.vad.Process(pcm, threshold)
	recording := r.recording
	r.mu.Unlock()

	if r.cfg.HandsFree && ev != nil {
		switch ev.Type {
		case SpeechStart:
			if !recording {
				if err := r.Start(); err != nil {
					r.log.Warn("failed to start recording", "error", err)
					return nil
				}
				recording = true
			}
		case SpeechEnd:
			if recording {
				if err := r.sink.AppendInput(r.sessionID, pcm); err != nil {
					return err
				}
				return r.Stop()
			}
		}
	}

	if !recording {
		return nil
	}
	if RMS(pcm) <= threshold {
		// Below the gate the chunk is sent as silence so the service still
		// sees the pause.
		pcm = r.silent(len(pcm))
	}
	return r.sink.AppendInput(r.sessionID, pcm)
}

func (r *Recorder) effectiveThreshold() float64 {
	now := r.now()
	if r.playing != nil && r.playing() {
		r.lastPlay = now
		return r.cfg.EchoThreshold
	}
	if !r.lastPlay.IsZero() && now.Sub(r.lastPlay) < r.cfg.EchoTail {
		return r.cfg.EchoThreshold
	}
	return r.cfg.Threshold
}

func (r *Recorder) silent(n int) []byte {
	if cap(r.silence) < n {
		r.silence = make([]byte, n)
	}
	return r.silence[:n]
}
