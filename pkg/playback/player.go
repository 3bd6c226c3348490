package playback

import (
	"errors"
	"sync"

	"github.com/gopxl/beep/v2"
	"github.com/lokutor-ai/lokutor-narrator/pkg/audio"
	"github.com/lokutor-ai/lokutor-narrator/pkg/stream"
)

// ErrReleased is returned when a released handle is played
var ErrReleased = errors.New("playback handle released")

type Config struct {
	SampleRate int
	Channels   int
	// RequireGesture makes Play fail with stream.ErrPlaybackBlocked until
	// Unlock is called, mirroring hosts that refuse autoplay.
	RequireGesture  bool
	ResampleQuality int
}

func DefaultConfig() Config {
	return Config{
		SampleRate:      44100,
		Channels:        1,
		ResampleQuality: 4,
	}
}

// Player decodes segments with beep and renders the active one as signed
// 16-bit little-endian frames. It implements stream.Player; an Output (or any
// other sink) pulls audio with Render.
type Player struct {
	cfg Config
	log stream.Logger

	mu       sync.Mutex
	current  *Handle
	unlocked bool
	buf      [][2]float64
	tap      func([]byte)
}

func NewPlayer(cfg Config, log stream.Logger) *Player {
	if log == nil {
		log = &stream.NoOpLogger{}
	}
	def := DefaultConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = def.Channels
	}
	if cfg.ResampleQuality <= 0 {
		cfg.ResampleQuality = def.ResampleQuality
	}
	return &Player{cfg: cfg, log: log}
}

func (p *Player) Config() Config {
	return p.cfg
}

func (p *Player) Load(payload []byte, format audio.ContainerFormat) (stream.Playable, error) {
	s, f, err := Decode(payload, format)
	if err != nil {
		return nil, err
	}

	var src beep.Streamer = s
	target := beep.SampleRate(p.cfg.SampleRate)
	if f.SampleRate != target {
		src = beep.Resample(p.cfg.ResampleQuality, f.SampleRate, target, s)
	}
	p.log.Debug("segment loaded", "format", string(format), "rate", int(f.SampleRate), "channels", f.NumChannels)
	return &Handle{player: p, source: s, stream: src}, nil
}

// Unlock records a user gesture. Later Play calls are no longer blocked.
func (p *Player) Unlock() {
	p.mu.Lock()
	p.unlocked = true
	p.mu.Unlock()
}

func (p *Player) Locked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.RequireGesture && !p.unlocked
}

// Playing reports whether a handle is currently attached and not paused.
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil && !p.current.paused
}

// SetTap registers f to receive every rendered buffer that carried audio.
func (p *Player) SetTap(f func([]byte)) {
	p.mu.Lock()
	p.tap = f
	p.mu.Unlock()
}

// Render fills out with the next frames of the active handle and silence
// after it. It is called from the audio device thread.
func (p *Player) Render(out []byte) {
	frameSize := 2 * p.cfg.Channels
	frames := len(out) / frameSize

	p.mu.Lock()
	h := p.current
	if h == nil || h.paused || frames == 0 {
		p.mu.Unlock()
		clear(out)
		return
	}
	if cap(p.buf) < frames {
		p.buf = make([][2]float64, frames)
	}
	buf := p.buf[:frames]
	n, ok := h.stream.Stream(buf)
	finished := !ok || n < frames
	if finished {
		p.current = nil
	}
	tap := p.tap
	p.mu.Unlock()

	writeFrames(out, buf[:n], p.cfg.Channels)
	clear(out[n*frameSize:])
	if tap != nil && n > 0 {
		tap(out[:n*frameSize])
	}

	if finished {
		h.finish(h.stream.Err())
	}
}

func writeFrames(out []byte, samples [][2]float64, channels int) {
	i := 0
	for _, s := range samples {
		if channels == 1 {
			putSample(out[i:], (s[0]+s[1])/2)
			i += 2
			continue
		}
		putSample(out[i:], s[0])
		putSample(out[i+2:], s[1])
		i += 4
		for c := 2; c < channels; c++ {
			putSample(out[i:], 0)
			i += 2
		}
	}
}

func putSample(b []byte, v float64) {
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	x := int16(v * 32767)
	b[0] = byte(x)
	b[1] = byte(x >> 8)
}

// Handle is one loaded segment.
type Handle struct {
	player *Player
	source beep.StreamSeekCloser
	stream beep.Streamer

	// guarded by player.mu
	done     func(error)
	paused   bool
	started  bool
	released bool
	once     sync.Once
}

func (h *Handle) Play(done func(error)) error {
	p := h.player
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cfg.RequireGesture && !p.unlocked {
		return stream.ErrPlaybackBlocked
	}
	if h.released {
		return ErrReleased
	}
	if p.current != nil && p.current != h {
		p.log.Warn("replacing active handle")
	}
	h.done = done
	h.started = true
	h.paused = false
	p.current = h
	return nil
}

func (h *Handle) Pause() {
	h.player.mu.Lock()
	h.paused = true
	h.player.mu.Unlock()
}

func (h *Handle) Resume() error {
	p := h.player
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cfg.RequireGesture && !p.unlocked {
		return stream.ErrPlaybackBlocked
	}
	if h.released {
		return ErrReleased
	}
	h.paused = false
	// Another handle may have taken the device while this one was paused.
	if h.started && p.current != h {
		if p.current != nil {
			p.log.Warn("replacing active handle")
		}
		p.current = h
	}
	return nil
}

func (h *Handle) Release() {
	p := h.player
	p.mu.Lock()
	if h.released {
		p.mu.Unlock()
		return
	}
	h.released = true
	if p.current == h {
		p.current = nil
	}
	p.mu.Unlock()
	_ = h.source.Close()
}

// finish reports the end of playback exactly once, off the device thread.
func (h *Handle) finish(err error) {
	h.player.mu.Lock()
	done := h.done
	released := h.released
	h.player.mu.Unlock()
	if done == nil || released {
		return
	}
	h.once.Do(func() {
		go done(err)
	})
}
