package stream

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/lokutor-ai/lokutor-narrator/pkg/audio"
)

type queueFixture struct {
	clock   *fakeClock
	player  *fakePlayer
	obs     *recordingObserver
	q       *Queue
	states  []State
	drained int
	blocked int
}

func newQueueFixture() *queueFixture {
	f := &queueFixture{clock: newFakeClock(), player: newFakePlayer(), obs: &recordingObserver{}}
	f.q = NewQueue(f.clock, f.player, f.obs, nil)
	f.q.OnState(func(s State) { f.states = append(f.states, s) })
	f.q.OnDrained(func() { f.drained++ })
	f.q.OnBlocked(func() { f.blocked++ })
	return f
}

// finishCurrent ends the playing segment and runs the posted callback.
func (f *queueFixture) finishCurrent(t *testing.T, err error) {
	t.Helper()
	h := f.player.current()
	if h == nil {
		t.Fatal("expected a playing segment")
	}
	h.finish(err)
	f.clock.Drain()
}

func (f *queueFixture) startedSeqs() []byte {
	var out []byte
	for _, p := range f.player.started {
		out = append(out, p[len(p)-1])
	}
	return out
}

func TestQueue_PlaysInOrderOneAtATime(t *testing.T) {
	f := newQueueFixture()

	f.q.Enqueue(oggSegment(1), oggSegment(2))
	f.q.Enqueue(oggSegment(3))

	if f.q.Active().Seq != 1 {
		t.Fatalf("expected seq 1 active, got %d", f.q.Active().Seq)
	}
	if f.q.State() != StatePlaying {
		t.Errorf("expected playing, got %s", f.q.State())
	}

	for i := 0; i < 3; i++ {
		f.finishCurrent(t, nil)
	}

	if got := f.startedSeqs(); !reflect.DeepEqual(got, []byte{1, 2, 3}) {
		t.Errorf("expected play order 1,2,3, got %v", got)
	}
	if f.player.maxPlaying != 1 {
		t.Errorf("at most one segment may be active, saw %d", f.player.maxPlaying)
	}
	if f.obs.played != 3 {
		t.Errorf("expected 3 played, got %d", f.obs.played)
	}
	for _, h := range f.player.handles {
		if !h.released {
			t.Error("every ended segment must be released")
		}
	}
}

func TestQueue_BufferingIsNotDrained(t *testing.T) {
	f := newQueueFixture()

	f.q.Enqueue(oggSegment(1))
	f.finishCurrent(t, nil)

	if f.q.State() != StateBuffering {
		t.Errorf("expected buffering while producer is incomplete, got %s", f.q.State())
	}
	if f.drained != 0 {
		t.Fatal("queue drained before completion was signalled")
	}

	f.q.Enqueue(oggSegment(2))
	if f.q.State() != StatePlaying {
		t.Errorf("expected playing after refill, got %s", f.q.State())
	}
}

func TestQueue_DrainsOnlyWhenComplete(t *testing.T) {
	f := newQueueFixture()

	f.q.Enqueue(oggSegment(1), oggSegment(2))
	f.q.MarkComplete()

	if f.q.State() != StateDraining {
		t.Errorf("expected draining, got %s", f.q.State())
	}
	f.finishCurrent(t, nil)
	if f.drained != 0 {
		t.Fatal("drained with a segment still queued")
	}
	f.finishCurrent(t, nil)

	if f.drained != 1 || f.q.State() != StateDrained {
		t.Errorf("expected drained once, got %d (%s)", f.drained, f.q.State())
	}
}

func TestQueue_WaitsForUpstreamBuffer(t *testing.T) {
	f := newQueueFixture()
	pending := 1
	f.q.SetPendingProbe(func() int { return pending })

	f.q.Enqueue(oggSegment(1))
	f.q.MarkComplete()
	f.finishCurrent(t, nil)

	if f.drained != 0 {
		t.Fatal("drained while segments were still buffered upstream")
	}

	pending = 0
	f.q.Enqueue(oggSegment(2))
	f.finishCurrent(t, nil)
	if f.drained != 1 {
		t.Errorf("expected drained after final segment, got %d", f.drained)
	}
}

func TestQueue_CompleteWithNothingQueued(t *testing.T) {
	f := newQueueFixture()
	f.q.Begin()
	f.q.MarkComplete()

	if f.drained != 1 {
		t.Errorf("an empty completed stream must drain, got %d", f.drained)
	}
}

func TestQueue_DecodeErrorRetriesAsWavThenSkips(t *testing.T) {
	f := newQueueFixture()
	f.player.failLoad[audio.FormatMP3] = true
	f.player.failLoad[audio.FormatWAV] = true

	bad := &AudioSegment{Payload: []byte{0xFF, 0xFB, 0x90, 0x00, 1, 2, 3, 4, 5, 6, 7}, Format: audio.FormatMP3, Seq: 1, Sources: []uint64{1}}
	f.q.Enqueue(bad, oggSegment(2))

	want := []audio.ContainerFormat{audio.FormatMP3, audio.FormatWAV, audio.FormatOgg}
	if !reflect.DeepEqual(f.player.loads, want) {
		t.Errorf("expected load attempts %v, got %v", want, f.player.loads)
	}
	if f.q.Active().Seq != 2 {
		t.Fatalf("expected next segment to play after skip")
	}
	if f.obs.skipped != 1 || f.q.Failures() != 1 {
		t.Errorf("expected one skipped segment, got %d", f.obs.skipped)
	}
	if f.q.State() == StateError {
		t.Error("a single segment failure must not fail the stream")
	}
}

func TestQueue_PlaybackErrorRetriesRemainingFormats(t *testing.T) {
	f := newQueueFixture()

	f.q.Enqueue(oggSegment(1), oggSegment(2))
	f.finishCurrent(t, errors.New("decode failed"))

	if f.q.Active().Seq != 1 {
		t.Fatalf("expected seq 1 retried, got %d", f.q.Active().Seq)
	}
	if f.player.loads[1] != audio.FormatWAV {
		t.Errorf("expected wav reinterpretation, got %s", f.player.loads[1])
	}
	if !bytes.HasSuffix(f.player.handles[1].payload, oggSegment(1).Payload) {
		t.Error("retry must resubmit the same payload")
	}

	f.finishCurrent(t, errors.New("decode failed"))
	f.finishCurrent(t, errors.New("decode failed"))

	if f.q.Active() == nil || f.q.Active().Seq != 2 {
		t.Fatal("expected seq 2 after seq 1 exhausted its fallbacks")
	}
	if got := f.obs.retried; !reflect.DeepEqual(got, []audio.ContainerFormat{audio.FormatWAV, audio.FormatMP3}) {
		t.Errorf("unexpected retries %v", got)
	}
}

func TestQueue_StaleCallbacksIgnored(t *testing.T) {
	f := newQueueFixture()

	f.q.Enqueue(oggSegment(1))
	old := f.player.current()
	f.q.Stop()
	f.q.Enqueue(oggSegment(2))

	old.finish(nil)
	f.clock.Drain()

	if f.q.Active() == nil || f.q.Active().Seq != 2 {
		t.Error("a callback from a released segment must not advance the queue")
	}
}

func TestQueue_StopKeepsCompletion(t *testing.T) {
	f := newQueueFixture()

	f.q.Enqueue(oggSegment(1), oggSegment(2))
	f.q.MarkComplete()
	h := f.player.current()
	f.q.Stop()

	if !h.released || !h.paused {
		t.Error("stop must pause and release the active segment")
	}
	if f.q.State() != StateIdle || f.q.Len() != 0 || f.q.Active() != nil {
		t.Errorf("expected empty idle queue, got %s len %d", f.q.State(), f.q.Len())
	}
	if !f.q.Complete() {
		t.Error("stop must not clear the completion flag")
	}

	f.q.Reset()
	if f.q.Complete() {
		t.Error("reset must clear the completion flag")
	}
}

func TestQueue_ResetIsIdempotent(t *testing.T) {
	f := newQueueFixture()

	f.q.Reset()
	f.q.Reset()
	if f.q.State() != StateIdle {
		t.Fatalf("expected idle, got %s", f.q.State())
	}

	f.q.Enqueue(oggSegment(1))
	f.q.MarkComplete()
	f.q.Reset()
	f.q.Reset()

	if f.q.State() != StateIdle || f.q.Complete() || f.q.Failures() != 0 {
		t.Errorf("expected clean idle queue after double reset")
	}
	if f.player.playing != 0 {
		t.Errorf("expected no live handles, got %d", f.player.playing)
	}
	if f.clock.ActiveTimers() != 0 {
		t.Errorf("expected no timers, got %d", f.clock.ActiveTimers())
	}
}

func TestQueue_BlockedPlaybackHeldUntilRetry(t *testing.T) {
	f := newQueueFixture()
	f.player.blocked = true

	f.q.Enqueue(oggSegment(1), oggSegment(2))

	if f.q.Active() != nil {
		t.Fatal("blocked segment must not be active")
	}
	if !f.q.Blocked() || f.blocked != 1 {
		t.Fatal("expected blocked hook to be armed")
	}
	if f.q.Len() != 1 {
		t.Errorf("the queue must not advance past a blocked segment, len %d", f.q.Len())
	}

	f.player.blocked = false
	f.q.RetryBlocked()

	if f.q.Active() == nil || f.q.Active().Seq != 1 {
		t.Fatal("expected held segment to play after interaction")
	}
	if f.obs.skipped != 0 {
		t.Error("blocked playback is not a failure")
	}
}

func TestQueue_PauseResume(t *testing.T) {
	f := newQueueFixture()

	f.q.Enqueue(oggSegment(1), oggSegment(2))
	h := f.player.current()
	f.q.Pause()
	if !h.paused {
		t.Fatal("expected active handle paused")
	}

	f.finishCurrent(t, nil)
	if f.q.Active() != nil {
		t.Error("a paused queue must not start the next segment")
	}

	f.q.Resume()
	if f.q.Active() == nil || f.q.Active().Seq != 2 {
		t.Error("expected next segment after resume")
	}
}

func TestQueue_SuspendRestore(t *testing.T) {
	f := newQueueFixture()

	f.q.Enqueue(oggSegment(1), oggSegment(2))
	h := f.player.current()
	snap := f.q.Suspend()

	if !h.paused || h.released {
		t.Fatal("suspended segment must be paused but kept")
	}
	if f.q.State() != StateIdle || f.q.Active() != nil {
		t.Fatal("queue must be free for another producer")
	}

	f.q.Enqueue(oggSegment(10))
	f.finishCurrent(t, nil)
	f.q.MarkComplete()
	f.q.Reset()

	snap.Append(oggSegment(3))
	snap.MarkComplete()
	f.q.Restore(snap)

	if h.paused || f.q.Active().Seq != 1 {
		t.Fatal("expected suspended segment resumed")
	}
	f.finishCurrent(t, nil)
	f.finishCurrent(t, nil)
	f.finishCurrent(t, nil)

	if got := f.startedSeqs(); !reflect.DeepEqual(got, []byte{1, 10, 2, 3}) {
		t.Errorf("unexpected play order %v", got)
	}
	if f.drained != 2 {
		t.Errorf("expected both streams drained, got %d", f.drained)
	}
}

func TestFallbackChain(t *testing.T) {
	cases := map[audio.ContainerFormat][]audio.ContainerFormat{
		audio.FormatPCM16:   {audio.FormatWAV, audio.FormatMP3},
		audio.FormatUnknown: {audio.FormatMP3, audio.FormatWAV},
		audio.FormatWebM:    {audio.FormatWebM, audio.FormatWAV, audio.FormatMP3},
		audio.FormatMP3:     {audio.FormatMP3, audio.FormatWAV},
	}
	for in, want := range cases {
		if got := fallbackChain(in); !reflect.DeepEqual(got, want) {
			t.Errorf("%s: expected %v, got %v", in, want, got)
		}
	}
}
