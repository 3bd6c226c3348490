package stream

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/lokutor-ai/lokutor-narrator/pkg/audio"
)

// fakeClock is a manual Scheduler. Posted callbacks run on Drain or Advance;
// timers fire in deadline order as the clock advances.
type fakeClock struct {
	now    time.Time
	timers []*fakeTimer
	posted []func()
}

type fakeTimer struct {
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	t := &fakeTimer{at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Post(f func()) { c.posted = append(c.posted, f) }

func (c *fakeClock) Drain() {
	for len(c.posted) > 0 {
		f := c.posted[0]
		c.posted = c.posted[1:]
		f()
	}
}

func (c *fakeClock) Advance(d time.Duration) {
	end := c.now.Add(d)
	for {
		c.Drain()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.at.After(end) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			break
		}
		c.now = next.at
		next.fired = true
		next.f()
	}
	c.now = end
	c.Drain()
}

// ActiveTimers counts timers neither stopped nor fired.
func (c *fakeClock) ActiveTimers() int {
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type fakePlayer struct {
	failLoad map[audio.ContainerFormat]bool
	failPlay map[audio.ContainerFormat]bool
	blocked  bool

	loads   []audio.ContainerFormat
	handles []*fakeHandle
	started [][]byte

	playing    int
	maxPlaying int
}

func newFakePlayer() *fakePlayer {
	return &fakePlayer{
		failLoad: make(map[audio.ContainerFormat]bool),
		failPlay: make(map[audio.ContainerFormat]bool),
	}
}

func (p *fakePlayer) Load(payload []byte, format audio.ContainerFormat) (Playable, error) {
	p.loads = append(p.loads, format)
	if p.failLoad[format] {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	h := &fakeHandle{p: p, payload: payload, format: format}
	p.handles = append(p.handles, h)
	return h, nil
}

// current returns the most recent handle that is audibly playing, or nil.
func (p *fakePlayer) current() *fakeHandle {
	for i := len(p.handles) - 1; i >= 0; i-- {
		if h := p.handles[i]; h.playing && !h.paused {
			return h
		}
	}
	return nil
}

type fakeHandle struct {
	p        *fakePlayer
	payload  []byte
	format   audio.ContainerFormat
	done     func(error)
	playing  bool
	paused   bool
	released bool
}

func (h *fakeHandle) Play(done func(error)) error {
	if h.p.blocked {
		return ErrPlaybackBlocked
	}
	if h.p.failPlay[h.format] {
		return errors.New("start failed")
	}
	h.done = done
	h.playing = true
	h.p.started = append(h.p.started, h.payload)
	h.p.playing++
	if h.p.playing > h.p.maxPlaying {
		h.p.maxPlaying = h.p.playing
	}
	return nil
}

func (h *fakeHandle) Pause() { h.paused = true }

func (h *fakeHandle) Resume() error {
	h.paused = false
	return nil
}

func (h *fakeHandle) Release() {
	if h.released {
		return
	}
	h.released = true
	if h.playing {
		h.playing = false
		h.p.playing--
	}
}

// finish reports the end of playback the way a device callback would.
func (h *fakeHandle) finish(err error) {
	h.done(err)
}

type fakeTransport struct {
	calls []string
	texts []string
	err   error
}

func (t *fakeTransport) CommitInput(sessionID string) error {
	t.calls = append(t.calls, "commit")
	return t.err
}

func (t *fakeTransport) CreateResponse(sessionID string) error {
	t.calls = append(t.calls, "response")
	return t.err
}

func (t *fakeTransport) ClearBuffer(sessionID string) error {
	t.calls = append(t.calls, "clear")
	return t.err
}

func (t *fakeTransport) SubmitText(sessionID, instruction string, page int) error {
	t.calls = append(t.calls, fmt.Sprintf("submit:%d", page))
	t.texts = append(t.texts, instruction)
	return t.err
}

func (t *fakeTransport) count(call string) int {
	n := 0
	for _, c := range t.calls {
		if c == call {
			n++
		}
	}
	return n
}

type fakeDocument struct {
	pages   []string
	current int
}

func (d *fakeDocument) PageText(page int) (string, error) {
	if page < 1 || page > len(d.pages) {
		return "", fmt.Errorf("page %d out of range", page)
	}
	return d.pages[page-1], nil
}

func (d *fakeDocument) CurrentPage() int { return d.current }

func (d *fakeDocument) PageCount() int { return len(d.pages) }

type recordingObserver struct {
	noopObserver
	accepted int
	rejected []string
	flushes  []FlushReason
	played   int
	retried  []audio.ContainerFormat
	skipped  int
}

func (o *recordingObserver) ChunkAccepted(audio.ContainerFormat, int) { o.accepted++ }
func (o *recordingObserver) ChunkRejected(reason string)              { o.rejected = append(o.rejected, reason) }
func (o *recordingObserver) BatchFlushed(_ int, r FlushReason)        { o.flushes = append(o.flushes, r) }
func (o *recordingObserver) SegmentPlayed()                           { o.played++ }
func (o *recordingObserver) SegmentRetried(f audio.ContainerFormat)   { o.retried = append(o.retried, f) }
func (o *recordingObserver) SegmentSkipped()                          { o.skipped++ }

// pcmChunk is n bytes of silence-like PCM filled with b.
func pcmChunk(b byte, n int) RawChunk {
	return BinaryChunk(bytes.Repeat([]byte{b}, n))
}

// oggSegment builds a segment that never coalesces with its neighbours.
func oggSegment(seq uint64) *AudioSegment {
	payload := append([]byte("OggS"), bytes.Repeat([]byte{byte(seq)}, 40)...)
	return &AudioSegment{
		Payload: payload,
		Format:  audio.FormatOgg,
		PCM:     audio.DefaultPCMSpec,
		Seq:     seq,
		Sources: []uint64{seq},
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AutoAdvance = true
	return cfg
}
