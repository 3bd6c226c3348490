package stream

import (
	"fmt"
)

// Coordinator ties the playback pipeline to session events. It decides which
// producer owns the queue, routes inbound stream events to that owner and
// turns timeouts and transport failures into a stopped stream plus a
// caller-visible error.
//
// Every method must be called on the Scheduler's goroutine.
type Coordinator struct {
	cfg       Config
	sessionID string
	sched     Scheduler
	transport Transport
	doc       Document
	obs       Observer
	log       Logger

	norm  *Normalizer
	batch *Batcher
	queue *Queue

	owner     OwnerKind
	page      int
	paused    bool
	recording bool

	// requested is set while the current owner has a stream in flight.
	requested  bool
	awaiting   bool
	streamID   string
	skipStarts int
	retired    map[string]bool
	suspended  *suspension

	receivedAny bool
	failed      bool
	lastErr     error
	public      State
	blocked     bool

	watchdog Timer
	settle   Timer

	instruct func(page int, text string) string
	listener func(Event)
}

// suspension is a page narration parked while the user records a question.
type suspension struct {
	snap        *QueueSnapshot
	page        int
	streamID    string
	awaiting    bool
	receivedAny bool
	paused      bool
	// fresh means nothing was playing; narration of page is requested anew on
	// restore.
	fresh bool
}

type route int

const (
	routeDrop route = iota
	routeActive
	routeSuspended
)

func NewCoordinator(sessionID string, cfg Config, sched Scheduler, transport Transport, player Player, doc Document, obs Observer, log Logger) *Coordinator {
	if obs == nil {
		obs = noopObserver{}
	}
	if log == nil {
		log = &NoOpLogger{}
	}
	c := &Coordinator{
		cfg:       cfg,
		sessionID: sessionID,
		sched:     sched,
		transport: transport,
		doc:       doc,
		obs:       obs,
		log:       log,
		retired:   make(map[string]bool),
		public:    StateIdle,
		instruct:  DefaultInstruction,
	}
	if doc != nil {
		c.page = doc.CurrentPage()
	}

	c.queue = NewQueue(sched, player, obs, log)
	c.batch = NewBatcher(cfg, sched, func(segs []*AudioSegment) { c.queue.Enqueue(segs...) }, obs, log)
	c.norm = NewNormalizer(cfg, sched, obs, log)

	c.queue.SetPendingProbe(c.batch.Pending)
	c.queue.OnState(func(State) { c.publishState() })
	c.queue.OnDrained(c.handleDrained)
	c.queue.OnBlocked(c.handleBlocked)
	return c
}

// DefaultInstruction asks the response generator to read a page aloud.
func DefaultInstruction(page int, text string) string {
	return fmt.Sprintf("Read page %d of the document aloud, naturally and without commentary.\n\n%s", page, text)
}

// SetInstructor replaces the builder used for narration requests issued by
// the coordinator itself (page changes, resumed narration).
func (c *Coordinator) SetInstructor(f func(page int, text string) string) {
	if f == nil {
		f = DefaultInstruction
	}
	c.instruct = f
}

// OnEvent registers the event listener. It runs on the scheduler goroutine
// and must not call back into the coordinator synchronously.
func (c *Coordinator) OnEvent(f func(Event)) { c.listener = f }

func (c *Coordinator) SessionID() string { return c.sessionID }

// State is the public stream state: idle, buffering, playing or error.
func (c *Coordinator) State() State {
	if c.failed {
		return StateError
	}
	return c.queue.State().Public()
}

func (c *Coordinator) HasReceivedAnyData() bool { return c.receivedAny }

func (c *Coordinator) LastError() error { return c.lastErr }

func (c *Coordinator) Owner() OwnerKind { return c.owner }

// Page is the page context of the current or suspended narration.
func (c *Coordinator) Page() int {
	if c.owner != OwnerNarration && c.suspended != nil {
		return c.suspended.page
	}
	return c.page
}

func (c *Coordinator) Recording() bool { return c.recording }

func (c *Coordinator) NarrationPaused() bool {
	if c.owner != OwnerNarration && c.suspended != nil {
		return c.suspended.paused
	}
	return c.owner == OwnerNarration && c.paused
}

// Suspended reports whether a narration is parked behind a response.
func (c *Coordinator) Suspended() bool { return c.suspended != nil }

// Blocked reports whether playback waits for a user interaction.
func (c *Coordinator) Blocked() bool { return c.blocked }

// RequestNarration starts a page narration stream. It fails with
// ErrOwnerConflict, without touching the queue, while another owner holds it.
func (c *Coordinator) RequestNarration(text string, page int) error {
	if c.owner != OwnerNone {
		c.log.Warn("narration request rejected", "sessionID", c.sessionID, "owner", string(c.owner), "page", page)
		return fmt.Errorf("%w: %s", ErrOwnerConflict, c.owner)
	}
	c.stopTimer(&c.settle)
	c.retireSuspension()
	return c.startNarration(text, page)
}

// NarratePage requests narration of page using the attached document.
func (c *Coordinator) NarratePage(page int) error {
	if c.owner != OwnerNone {
		return fmt.Errorf("%w: %s", ErrOwnerConflict, c.owner)
	}
	text, err := c.pageText(page)
	if err != nil {
		return err
	}
	return c.RequestNarration(c.instruct(page, text), page)
}

// RecordingStarted gives the queue to the upcoming spoken response. A page
// narration is suspended and resumes once the response has played; a
// response still playing is interrupted.
func (c *Coordinator) RecordingStarted() error {
	if c.recording {
		return nil
	}
	c.stopTimer(&c.settle)

	switch c.owner {
	case OwnerNarration:
		c.suspendNarration()
	case OwnerResponse:
		c.log.Info("interrupting response for new recording", "sessionID", c.sessionID)
		c.cancelStream()
	}

	c.recording = true
	c.failed = false
	c.lastErr = nil
	c.receivedAny = false
	c.resetPipeline()
	c.setOwner(OwnerResponse)

	if err := c.transport.ClearBuffer(c.sessionID); err != nil {
		err = fmt.Errorf("%w: clear buffer: %v", ErrTransport, err)
		c.fail(err)
		return err
	}
	return nil
}

// RecordingStopped commits the recorded input and asks for a response.
func (c *Coordinator) RecordingStopped() error {
	if !c.recording {
		return ErrNotRecording
	}
	c.recording = false
	c.setOwner(OwnerResponse)
	return c.begin(func() error {
		if err := c.transport.CommitInput(c.sessionID); err != nil {
			return fmt.Errorf("commit input: %w", err)
		}
		if err := c.transport.CreateResponse(c.sessionID); err != nil {
			return fmt.Errorf("create response: %w", err)
		}
		return nil
	})
}

// PageChanged handles manual navigation. An active narration for another page
// is stopped at once and, unless paused, narration of the new page is
// requested.
func (c *Coordinator) PageChanged(page int) error {
	if s := c.suspended; s != nil && s.page != page {
		paused := s.paused
		c.retireSuspension()
		c.suspended = &suspension{page: page, paused: paused, fresh: true}
		c.log.Info("suspended narration moved to new page", "sessionID", c.sessionID, "page", page)
	}

	if c.owner != OwnerNarration {
		if c.owner == OwnerNone {
			c.page = page
		}
		return nil
	}
	if page == c.page {
		return nil
	}

	c.log.Info("page changed during narration", "sessionID", c.sessionID, "from", c.page, "to", page)
	c.cancelStream()
	c.page = page
	if c.paused {
		return nil
	}
	return c.renarrate(page)
}

// PauseNarration pauses the narration, or marks a suspended one to stay
// paused when it is restored.
func (c *Coordinator) PauseNarration() error {
	switch {
	case c.owner == OwnerNarration:
		if !c.paused {
			c.paused = true
			c.queue.Pause()
			c.log.Debug("narration paused", "sessionID", c.sessionID, "page", c.page)
		}
		return nil
	case c.suspended != nil:
		c.suspended.paused = true
		return nil
	}
	return ErrNotNarrating
}

func (c *Coordinator) ResumeNarration() error {
	switch {
	case c.owner == OwnerNarration:
		if !c.paused {
			return nil
		}
		c.paused = false
		if !c.requested {
			return c.renarrate(c.page)
		}
		c.queue.Resume()
		c.log.Debug("narration resumed", "sessionID", c.sessionID, "page", c.page)
		return nil
	case c.suspended != nil:
		c.suspended.paused = false
		return nil
	}
	return ErrNotNarrating
}

func (c *Coordinator) StopNarration() error {
	switch {
	case c.owner == OwnerNarration:
		c.cancelStream()
		c.paused = false
		c.setOwner(OwnerNone)
		c.log.Info("narration stopped", "sessionID", c.sessionID, "page", c.page)
		return nil
	case c.suspended != nil:
		c.stopTimer(&c.settle)
		c.retireSuspension()
		return nil
	}
	return ErrNotNarrating
}

// StopAudio stops whatever is playing, drops a suspended narration and
// releases the queue. A recording in progress keeps its ownership.
func (c *Coordinator) StopAudio() {
	c.stopTimer(&c.settle)
	c.retireSuspension()
	c.cancelStream()
	c.paused = false
	if !c.recording {
		c.setOwner(OwnerNone)
	}
}

// ResetAudio is StopAudio plus clearing completion and error state. It is
// safe to call repeatedly.
func (c *Coordinator) ResetAudio() {
	c.StopAudio()
	c.queue.Reset()
	c.failed = false
	c.lastErr = nil
	c.receivedAny = false
	c.publishState()
}

// NotifyUserInteraction fires the one-shot hook armed when the host blocked
// playback.
func (c *Coordinator) NotifyUserInteraction() {
	if !c.blocked {
		return
	}
	c.blocked = false
	c.log.Debug("retrying blocked playback", "sessionID", c.sessionID)
	c.queue.RetryBlocked()
}

// HandleChunk ingests one inbound audio chunk. responseID may be empty when
// the transport does not tag chunks.
func (c *Coordinator) HandleChunk(responseID string, chunk RawChunk) {
	switch c.route(responseID) {
	case routeActive:
		seg, err := c.norm.Normalize(chunk)
		if err != nil {
			return
		}
		if !c.receivedAny {
			c.receivedAny = true
			c.stopTimer(&c.watchdog)
		}
		c.batch.Add(seg)
	case routeSuspended:
		seg, err := c.norm.Normalize(chunk)
		if err != nil {
			return
		}
		c.suspended.receivedAny = true
		c.suspended.snap.Append(seg)
	default:
		c.log.Debug("dropping chunk for inactive stream", "sessionID", c.sessionID, "responseID", responseID)
	}
}

func (c *Coordinator) StreamStarted(responseID string) {
	switch c.route(responseID) {
	case routeActive:
		c.log.Debug("stream started", "sessionID", c.sessionID, "responseID", responseID, "owner", string(c.owner))
	case routeSuspended:
		c.log.Debug("suspended stream started", "sessionID", c.sessionID, "responseID", responseID)
	default:
		c.log.Debug("ignoring stale stream start", "sessionID", c.sessionID, "responseID", responseID)
	}
}

// StreamEnded flushes what is buffered and marks the producer complete.
func (c *Coordinator) StreamEnded(responseID string) {
	switch c.route(responseID) {
	case routeActive:
		c.stopTimer(&c.watchdog)
		c.batch.Complete()
		c.queue.MarkComplete()
	case routeSuspended:
		c.suspended.snap.MarkComplete()
	default:
		c.log.Debug("ignoring stale stream end", "sessionID", c.sessionID, "responseID", responseID)
	}
}

// TransportError ends the affected stream. Errors without a response id are
// session-wide.
func (c *Coordinator) TransportError(responseID string, err error) {
	if responseID == "" {
		c.fail(fmt.Errorf("%w: %v", ErrTransport, err))
		return
	}
	switch c.route(responseID) {
	case routeActive:
		c.fail(fmt.Errorf("%w: %v", ErrTransport, err))
	case routeSuspended:
		c.log.Warn("suspended narration failed", "sessionID", c.sessionID, "responseID", responseID, "error", err)
		c.retireSuspension()
	default:
		c.log.Debug("ignoring error for stale stream", "sessionID", c.sessionID, "responseID", responseID, "error", err)
	}
}

// route resolves which producer an inbound event belongs to. Unknown ids are
// bound to the oldest outstanding request: cancelled ones first, then a
// suspended narration, then the current owner.
func (c *Coordinator) route(id string) route {
	if id == "" {
		if c.owner != OwnerNone && c.requested {
			return routeActive
		}
		return routeDrop
	}
	if c.retired[id] {
		return routeDrop
	}
	s := c.suspended
	if s != nil && s.snap != nil && s.streamID == id {
		return routeSuspended
	}
	if c.owner != OwnerNone && c.requested && c.streamID == id {
		return routeActive
	}

	switch {
	case c.skipStarts > 0:
		c.skipStarts--
		c.retire(id)
		return routeDrop
	case s != nil && s.snap != nil && s.awaiting:
		s.awaiting = false
		s.streamID = id
		return routeSuspended
	case c.owner != OwnerNone && c.awaiting:
		c.awaiting = false
		c.streamID = id
		c.log.Debug("bound stream", "sessionID", c.sessionID, "responseID", id, "owner", string(c.owner))
		return routeActive
	}
	return routeDrop
}

func (c *Coordinator) startNarration(text string, page int) error {
	c.setOwner(OwnerNarration)
	c.page = page
	c.paused = false
	c.log.Info("requesting narration", "sessionID", c.sessionID, "page", page)
	return c.begin(func() error {
		return c.transport.SubmitText(c.sessionID, text, page)
	})
}

func (c *Coordinator) renarrate(page int) error {
	text, err := c.pageText(page)
	if err != nil {
		c.fail(err)
		return err
	}
	return c.startNarration(c.instruct(page, text), page)
}

func (c *Coordinator) pageText(page int) (string, error) {
	if c.doc == nil {
		return "", ErrNoDocument
	}
	return c.doc.PageText(page)
}

// begin resets the pipeline for a new stream of the current owner and sends
// the request that produces it.
func (c *Coordinator) begin(send func() error) error {
	c.resetPipeline()
	c.failed = false
	c.lastErr = nil
	c.receivedAny = false
	c.requested = true
	c.awaiting = true
	c.streamID = ""
	c.queue.Begin()
	c.armWatchdog()

	if err := send(); err != nil {
		// nothing was requested, so no stream start will follow
		c.awaiting = false
		err = fmt.Errorf("%w: %v", ErrTransport, err)
		c.fail(err)
		return err
	}
	return nil
}

// cancelStream abandons the current owner's stream. Late events for it are
// dropped.
func (c *Coordinator) cancelStream() {
	c.stopTimer(&c.watchdog)
	if c.streamID != "" {
		c.retire(c.streamID)
	} else if c.awaiting {
		c.skipStarts++
	}
	c.streamID = ""
	c.awaiting = false
	c.requested = false
	c.blocked = false
	c.batch.Reset()
	c.queue.Stop()
}

func (c *Coordinator) resetPipeline() {
	c.blocked = false
	c.batch.Reset()
	c.queue.Reset()
}

func (c *Coordinator) suspendNarration() {
	c.stopTimer(&c.watchdog)
	s := &suspension{
		page:        c.page,
		streamID:    c.streamID,
		awaiting:    c.awaiting,
		receivedAny: c.receivedAny,
		paused:      c.paused,
		fresh:       !c.requested,
	}
	if c.requested {
		pending := c.batch.Take()
		s.snap = c.queue.Suspend()
		s.snap.Append(pending...)
	}
	c.batch.Reset()
	c.streamID = ""
	c.awaiting = false
	c.requested = false
	c.blocked = false
	c.paused = false
	c.suspended = s
	c.log.Info("narration suspended for recording", "sessionID", c.sessionID, "page", s.page)
}

func (c *Coordinator) restoreNarration() {
	s := c.suspended
	if s == nil || c.owner != OwnerNone {
		return
	}
	c.suspended = nil
	c.failed = false
	c.lastErr = nil
	c.setOwner(OwnerNarration)
	c.page = s.page
	c.paused = s.paused

	if s.fresh {
		c.resetPipeline()
		if c.paused {
			return
		}
		if err := c.renarrate(s.page); err != nil {
			c.log.Warn("could not restart narration", "sessionID", c.sessionID, "page", s.page, "error", err)
		}
		return
	}

	c.log.Info("resuming narration", "sessionID", c.sessionID, "page", s.page)
	c.batch.Reset()
	c.streamID = s.streamID
	c.awaiting = s.awaiting
	c.requested = true
	c.receivedAny = s.receivedAny
	s.snap.paused = s.paused
	if !c.receivedAny && !s.snap.complete {
		c.armWatchdog()
	}
	c.queue.Restore(s.snap)
}

func (c *Coordinator) retireSuspension() {
	s := c.suspended
	if s == nil {
		return
	}
	c.suspended = nil
	if s.snap != nil {
		s.snap.Release()
	}
	if s.streamID != "" {
		c.retire(s.streamID)
	} else if s.awaiting {
		c.skipStarts++
	}
}

func (c *Coordinator) retire(id string) {
	c.retired[id] = true
}

func (c *Coordinator) handleDrained() {
	owner, page := c.owner, c.page
	c.stopTimer(&c.watchdog)
	if c.streamID != "" {
		c.retire(c.streamID)
	}
	c.streamID = ""
	c.awaiting = false
	c.requested = false
	c.paused = false
	c.setOwner(OwnerNone)

	c.log.Info("stream finished", "sessionID", c.sessionID, "owner", string(owner), "page", page, "received", c.receivedAny)
	c.emit(Event{Type: StreamFinished, Owner: owner, Page: page})

	switch owner {
	case OwnerResponse:
		if c.suspended != nil {
			c.armSettle()
		}
	case OwnerNarration:
		if c.cfg.AutoAdvance {
			c.emit(Event{Type: PageFinished, Page: page})
		}
	}
}

func (c *Coordinator) handleBlocked() {
	c.blocked = true
	c.emit(Event{Type: PlaybackBlocked, Owner: c.owner})
}

// fail stops the stream before the error becomes visible.
func (c *Coordinator) fail(err error) {
	owner := c.owner
	c.failed = true
	c.lastErr = err
	c.recording = false
	c.paused = false
	c.stopTimer(&c.settle)
	c.cancelStream()
	c.retireSuspension()
	c.setOwner(OwnerNone)

	c.log.Error("audio stream failed", "sessionID", c.sessionID, "owner", string(owner), "error", err)
	c.obs.StateChanged(StateError)
	c.publishState()
	c.emit(Event{Type: ErrorEvent, Owner: owner, Err: err})
}

func (c *Coordinator) armWatchdog() {
	c.stopTimer(&c.watchdog)
	if c.cfg.Watchdog <= 0 {
		return
	}
	var t Timer
	t = c.sched.AfterFunc(c.cfg.Watchdog, func() {
		if c.watchdog != t {
			return
		}
		c.watchdog = nil
		if c.receivedAny {
			return
		}
		c.fail(fmt.Errorf("%w within %s", ErrNoAudio, c.cfg.Watchdog))
	})
	c.watchdog = t
}

func (c *Coordinator) armSettle() {
	c.stopTimer(&c.settle)
	var t Timer
	t = c.sched.AfterFunc(c.cfg.SettleDelay, func() {
		if c.settle != t {
			return
		}
		c.settle = nil
		c.restoreNarration()
	})
	c.settle = t
}

func (c *Coordinator) stopTimer(t *Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (c *Coordinator) setOwner(o OwnerKind) {
	if c.owner == o {
		return
	}
	c.owner = o
	c.emit(Event{Type: OwnerChanged, Owner: o})
}

func (c *Coordinator) publishState() {
	s := c.State()
	if s == c.public {
		return
	}
	c.public = s
	c.emit(Event{Type: StateChanged, State: s})
}

func (c *Coordinator) emit(e Event) {
	e.SessionID = c.sessionID
	if c.listener != nil {
		c.listener(e)
	}
}
