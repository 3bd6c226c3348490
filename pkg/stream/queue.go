package stream

import (
	"errors"

	"github.com/lokutor-ai/lokutor-narrator/pkg/audio"
)

// Queue is the ordered, single-consumer playback queue. At most one segment
// is active at any time; segments play strictly in the order they were
// enqueued.
type Queue struct {
	sched  Scheduler
	player Player
	obs    Observer
	log    Logger

	queued   []*AudioSegment
	active   *activeSegment
	held     *heldSegment
	complete bool
	paused   bool
	state    State
	failures int

	// pending reports segments buffered upstream and not yet enqueued.
	pending func() int

	onState   func(State)
	onDrained func()
	onBlocked func()
}

type activeSegment struct {
	seg      *AudioSegment
	handle   Playable
	attempts []audio.ContainerFormat
	attempt  int
}

type heldSegment struct {
	seg      *AudioSegment
	attempts []audio.ContainerFormat
	attempt  int
}

// QueueSnapshot is a suspended queue: a paused active segment plus everything
// queued behind it.
type QueueSnapshot struct {
	active   *activeSegment
	held     *heldSegment
	queued   []*AudioSegment
	complete bool
	paused   bool
}

// Append adds late segments behind those already captured.
func (s *QueueSnapshot) Append(segs ...*AudioSegment) {
	s.queued = append(s.queued, segs...)
}

// MarkComplete records that the suspended producer will not send more data.
func (s *QueueSnapshot) MarkComplete() {
	s.complete = true
}

// Release frees every resource held by the snapshot.
func (s *QueueSnapshot) Release() {
	if s.active != nil {
		s.active.handle.Release()
		s.active = nil
	}
	s.held = nil
	s.queued = nil
}

func NewQueue(sched Scheduler, player Player, obs Observer, log Logger) *Queue {
	if obs == nil {
		obs = noopObserver{}
	}
	if log == nil {
		log = &NoOpLogger{}
	}
	return &Queue{
		sched:   sched,
		player:  player,
		obs:     obs,
		log:     log,
		state:   StateIdle,
		pending: func() int { return 0 },
	}
}

// SetPendingProbe installs the upstream buffer probe consulted before the
// queue declares itself drained.
func (q *Queue) SetPendingProbe(f func() int) {
	if f == nil {
		f = func() int { return 0 }
	}
	q.pending = f
}

// OnState registers the state listener.
func (q *Queue) OnState(f func(State)) { q.onState = f }

// OnDrained registers the terminal "stream finished" listener.
func (q *Queue) OnDrained(f func()) { q.onDrained = f }

// OnBlocked registers the listener called when playback is held back until
// the next user interaction.
func (q *Queue) OnBlocked(f func()) { q.onBlocked = f }

func (q *Queue) State() State { return q.state }

// Active returns the segment currently playing, or nil.
func (q *Queue) Active() *AudioSegment {
	if q.active == nil {
		return nil
	}
	return q.active.seg
}

func (q *Queue) Len() int { return len(q.queued) }

func (q *Queue) Complete() bool { return q.complete }

func (q *Queue) Blocked() bool { return q.held != nil }

func (q *Queue) Paused() bool { return q.paused }

// Failures counts segments skipped after every format attempt failed.
func (q *Queue) Failures() int { return q.failures }

// Begin moves an idle queue to buffering: a stream has been requested and
// data is expected.
func (q *Queue) Begin() {
	if q.state == StateIdle {
		q.setState(StateBuffering)
	}
}

// Enqueue appends segs and starts playback if nothing is active.
func (q *Queue) Enqueue(segs ...*AudioSegment) {
	if len(segs) == 0 {
		return
	}
	if q.state == StateDrained {
		q.log.Warn("dropping segments enqueued after drain", "segments", len(segs))
		return
	}
	q.queued = append(q.queued, segs...)
	q.obs.QueueDepth(len(q.queued))
	if q.state == StateIdle {
		q.setState(StateBuffering)
	}
	q.advance()
}

// MarkComplete records that the producer will send no more segments.
func (q *Queue) MarkComplete() {
	q.complete = true
	if q.active != nil {
		q.setState(StateDraining)
		return
	}
	q.settle()
}

// SegmentEnded handles normal completion of the active segment.
func (q *Queue) SegmentEnded() {
	if q.active == nil {
		return
	}
	q.active.handle.Release()
	q.active = nil
	q.obs.SegmentPlayed()
	q.advance()
}

// SegmentErrored handles a decode or playback failure of the active segment.
// The same payload is retried under the remaining container guesses before
// the segment is skipped.
func (q *Queue) SegmentErrored(err error) {
	if q.active == nil {
		return
	}
	a := q.active
	q.active = nil
	a.handle.Release()
	q.log.Warn("segment playback failed", "seq", a.seg.Seq, "format", string(a.attempts[a.attempt]), "error", err)

	if q.play(a.seg, a.attempts, a.attempt+1) {
		return
	}
	q.advance()
}

// RetryBlocked retries the segment held back by a playback policy block.
func (q *Queue) RetryBlocked() {
	h := q.held
	if h == nil {
		return
	}
	q.held = nil
	if q.paused {
		q.queued = append([]*AudioSegment{h.seg}, q.queued...)
		return
	}
	if q.play(h.seg, h.attempts, h.attempt) {
		return
	}
	q.advance()
}

// Pause pauses the active segment and holds the queue.
func (q *Queue) Pause() {
	if q.paused {
		return
	}
	q.paused = true
	if q.active != nil {
		q.active.handle.Pause()
	}
}

// Resume continues a paused queue.
func (q *Queue) Resume() {
	if !q.paused {
		return
	}
	q.paused = false
	if q.active != nil {
		if err := q.active.handle.Resume(); err != nil {
			q.SegmentErrored(err)
		}
		return
	}
	q.advance()
}

// Stop releases the active segment, clears the queue and returns to idle.
// The completion flag survives.
func (q *Queue) Stop() {
	if q.active != nil {
		q.active.handle.Pause()
		q.active.handle.Release()
		q.active = nil
	}
	q.held = nil
	q.queued = nil
	q.paused = false
	q.obs.QueueDepth(0)
	q.setState(StateIdle)
}

// Reset is Stop plus clearing the completion flag and error counters, ready
// for a brand-new stream.
func (q *Queue) Reset() {
	q.Stop()
	q.complete = false
	q.failures = 0
}

// Suspend pauses playback and detaches the queue contents into a snapshot,
// leaving the queue idle for another producer.
func (q *Queue) Suspend() *QueueSnapshot {
	if q.active != nil {
		q.active.handle.Pause()
	}
	s := &QueueSnapshot{
		active:   q.active,
		held:     q.held,
		queued:   q.queued,
		complete: q.complete,
		paused:   q.paused,
	}
	q.active = nil
	q.held = nil
	q.queued = nil
	q.Reset()
	return s
}

// Restore reattaches a snapshot taken by Suspend. Playback resumes unless the
// queue was paused when it was suspended. Any current contents are released
// first.
func (q *Queue) Restore(s *QueueSnapshot) {
	q.Reset()
	q.queued = s.queued
	q.complete = s.complete
	q.held = s.held
	q.paused = s.paused
	q.obs.QueueDepth(len(q.queued))

	if a := s.active; a != nil {
		q.active = a
		if q.complete {
			q.setState(StateDraining)
		} else {
			q.setState(StatePlaying)
		}
		if q.paused {
			return
		}
		if err := a.handle.Resume(); err != nil {
			q.SegmentErrored(err)
		}
		return
	}
	q.setState(StateBuffering)
	if q.held != nil {
		q.RetryBlocked()
		return
	}
	q.advance()
}

// advance starts queued segments until one plays, the queue is empty or
// playback is blocked.
func (q *Queue) advance() {
	for q.active == nil && q.held == nil && !q.paused && len(q.queued) > 0 {
		seg := q.queued[0]
		q.queued[0] = nil
		q.queued = q.queued[1:]
		q.obs.QueueDepth(len(q.queued))

		if q.play(seg, fallbackChain(seg.Format), 0) {
			return
		}
	}
	if q.active == nil && q.held == nil {
		q.settle()
	}
}

// play tries attempts[from:] in order. It reports whether the segment is now
// active or held; false means every attempt failed and the segment was
// skipped.
func (q *Queue) play(seg *AudioSegment, attempts []audio.ContainerFormat, from int) bool {
	for i := from; i < len(attempts); i++ {
		format := attempts[i]
		if i > 0 {
			q.obs.SegmentRetried(format)
			q.log.Debug("retrying segment", "seq", seg.Seq, "format", string(format))
		}

		handle, err := q.player.Load(seg.Playable(format), format)
		if err != nil {
			q.log.Debug("segment load failed", "seq", seg.Seq, "format", string(format), "error", err)
			continue
		}

		a := &activeSegment{seg: seg, handle: handle, attempts: attempts, attempt: i}
		err = handle.Play(q.callback(a))
		if errors.Is(err, ErrPlaybackBlocked) {
			handle.Release()
			q.held = &heldSegment{seg: seg, attempts: attempts, attempt: i}
			q.log.Info("playback blocked until user interaction", "seq", seg.Seq)
			q.setState(StateBuffering)
			if q.onBlocked != nil {
				q.onBlocked()
			}
			return true
		}
		if err != nil {
			handle.Release()
			q.log.Debug("segment start failed", "seq", seg.Seq, "format", string(format), "error", err)
			continue
		}

		q.active = a
		if q.complete {
			q.setState(StateDraining)
		} else {
			q.setState(StatePlaying)
		}
		return true
	}

	q.failures++
	q.obs.SegmentSkipped()
	q.log.Warn("skipping unplayable segment", "seq", seg.Seq, "format", string(seg.Format))
	return false
}

// callback routes the player's completion back onto the scheduler. Reports
// for a segment that is no longer active are ignored.
func (q *Queue) callback(a *activeSegment) func(error) {
	return func(err error) {
		q.sched.Post(func() {
			if q.active != a {
				return
			}
			if err != nil {
				q.SegmentErrored(err)
				return
			}
			q.SegmentEnded()
		})
	}
}

// settle picks the resting state once nothing is active.
func (q *Queue) settle() {
	if q.state == StateIdle || q.state == StateDrained {
		return
	}
	if len(q.queued) == 0 && q.complete && q.pending() == 0 {
		q.setState(StateDrained)
		if q.onDrained != nil {
			q.onDrained()
		}
		return
	}
	q.setState(StateBuffering)
}

func (q *Queue) setState(s State) {
	if q.state == s {
		return
	}
	q.state = s
	q.obs.StateChanged(s)
	if q.onState != nil {
		q.onState(s)
	}
}

// fallbackChain lists the container guesses tried for a segment: its own
// format, then a WAV reinterpretation, then the generic compressed fallback.
func fallbackChain(f audio.ContainerFormat) []audio.ContainerFormat {
	first := f
	switch f {
	case audio.FormatUnknown:
		first = audio.FallbackFormat
	case audio.FormatPCM16:
		first = audio.FormatWAV
	}
	chain := []audio.ContainerFormat{first}
	for _, alt := range []audio.ContainerFormat{audio.FormatWAV, audio.FallbackFormat} {
		if alt != first {
			chain = append(chain, alt)
		}
	}
	return chain
}
