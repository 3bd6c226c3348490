package narrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/lokutor-ai/lokutor-narrator/pkg/stream"
	"github.com/lokutor-ai/lokutor-narrator/pkg/transport"
)

// ErrClosed is returned by calls on a closed Narrator
var ErrClosed = errors.New("narrator closed")

// Pager is the document surface the narrator drives. document.Book
// implements it.
type Pager interface {
	stream.Document
	GoTo(page int) error
	Next() (int, error)
	OnPageChange(f func(page int))
}

// Dialer connects the transport for a session. Inbound events must be
// delivered to handler.
type Dialer func(sessionID string, handler transport.Handler) (transport.Client, error)

// EventCounter is optionally implemented by the Observer to count transport
// events and surfaced errors.
type EventCounter interface {
	RecordTransportEvent(kind string)
	RecordError(errorType string)
}

type Options struct {
	// SessionID is generated when empty.
	SessionID   string
	Stream      stream.Config
	Language    Language
	Instruction string
	Observer    stream.Observer
	Logger      stream.Logger
	// EventBuffer sizes the Events channel.
	EventBuffer int
}

// Status is a snapshot of the session as the UI renders it.
type Status struct {
	SessionID   string
	State       stream.State
	Owner       stream.OwnerKind
	Page        int
	Recording   bool
	Paused      bool
	Suspended   bool
	Blocked     bool
	ReceivedAny bool
	LastError   error
}

// Narrator is the thread-safe entry point of a narration session. Every call
// is serialized onto one event loop that owns the coordinator and its
// pipeline.
type Narrator struct {
	id      string
	loop    *stream.Loop
	ctx     context.Context
	cancel  context.CancelFunc
	coord   *stream.Coordinator
	client  transport.Client
	player  stream.Player
	doc     Pager
	counter EventCounter
	log     stream.Logger

	events  chan stream.Event
	closing chan struct{}

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

func New(opts Options, dial Dialer, player stream.Player, doc Pager) (*Narrator, error) {
	if opts.Logger == nil {
		opts.Logger = &stream.NoOpLogger{}
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 1024
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Narrator{
		id:      opts.SessionID,
		loop:    stream.NewLoop(),
		ctx:     ctx,
		cancel:  cancel,
		player:  player,
		doc:     doc,
		log:     opts.Logger,
		events:  make(chan stream.Event, opts.EventBuffer),
		closing: make(chan struct{}),
	}
	if ec, ok := opts.Observer.(EventCounter); ok {
		n.counter = ec
	}

	client, err := dial(n.id, n.handleTransport)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect transport: %w", err)
	}
	n.client = client

	var document stream.Document
	if doc != nil {
		document = doc
	}
	n.coord = stream.NewCoordinator(n.id, opts.Stream, n.loop, client, player, document, opts.Observer, opts.Logger)
	n.coord.SetInstructor(Instructor(opts.Language, opts.Instruction))
	n.coord.OnEvent(n.handleEvent)

	if doc != nil {
		doc.OnPageChange(func(page int) {
			n.loop.Post(func() {
				if err := n.coord.PageChanged(page); err != nil {
					n.log.Warn("page change failed", "sessionID", n.id, "page", page, "error", err)
				}
			})
		})
	}

	go n.loop.Run(ctx)
	n.log.Info("narration session started", "sessionID", n.id)
	return n, nil
}

func (n *Narrator) SessionID() string { return n.id }

// Events returns the event channel. It must be drained; it is closed by Close.
func (n *Narrator) Events() <-chan stream.Event {
	return n.events
}

// do runs f on the loop and waits for it.
func (n *Narrator) do(f func() error) error {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return ErrClosed
	}

	var err error
	if doErr := n.loop.Do(n.ctx, func() { err = f() }); doErr != nil {
		return ErrClosed
	}
	return err
}

func (n *Narrator) RequestNarration(text string, page int) error {
	return n.do(func() error { return n.coord.RequestNarration(text, page) })
}

func (n *Narrator) NarratePage(page int) error {
	return n.do(func() error { return n.coord.NarratePage(page) })
}

// NarrateCurrent narrates the document's current page.
func (n *Narrator) NarrateCurrent() error {
	if n.doc == nil {
		return stream.ErrNoDocument
	}
	return n.NarratePage(n.doc.CurrentPage())
}

// CurrentPage is the document's current page, or 0 without a document.
func (n *Narrator) CurrentPage() int {
	if n.doc == nil {
		return 0
	}
	return n.doc.CurrentPage()
}

// GoTo moves the document. A narration in progress follows the new page.
func (n *Narrator) GoTo(page int) error {
	if n.doc == nil {
		return stream.ErrNoDocument
	}
	return n.doc.GoTo(page)
}

func (n *Narrator) RecordingStarted() error {
	return n.do(n.coord.RecordingStarted)
}

func (n *Narrator) RecordingStopped() error {
	return n.do(n.coord.RecordingStopped)
}

func (n *Narrator) PauseNarration() error {
	return n.do(n.coord.PauseNarration)
}

func (n *Narrator) ResumeNarration() error {
	return n.do(n.coord.ResumeNarration)
}

func (n *Narrator) StopNarration() error {
	return n.do(n.coord.StopNarration)
}

func (n *Narrator) StopAudio() error {
	return n.do(func() error {
		n.coord.StopAudio()
		return nil
	})
}

func (n *Narrator) ResetAudio() error {
	return n.do(func() error {
		n.coord.ResetAudio()
		return nil
	})
}

// NotifyUserInteraction records a user gesture, unlocking a player that
// requires one, and retries playback the host blocked.
func (n *Narrator) NotifyUserInteraction() error {
	if u, ok := n.player.(interface{ Unlock() }); ok {
		u.Unlock()
	}
	return n.do(func() error {
		n.coord.NotifyUserInteraction()
		return nil
	})
}

// AppendInput streams recorded microphone audio to the service.
func (n *Narrator) AppendInput(sessionID string, pcm []byte) error {
	if sessionID == "" {
		sessionID = n.id
	}
	return n.client.AppendInput(sessionID, pcm)
}

func (n *Narrator) Status() (Status, error) {
	var s Status
	err := n.do(func() error {
		s = Status{
			SessionID:   n.id,
			State:       n.coord.State(),
			Owner:       n.coord.Owner(),
			Page:        n.coord.Page(),
			Recording:   n.coord.Recording(),
			Paused:      n.coord.NarrationPaused(),
			Suspended:   n.coord.Suspended(),
			Blocked:     n.coord.Blocked(),
			ReceivedAny: n.coord.HasReceivedAnyData(),
			LastError:   n.coord.LastError(),
		}
		return nil
	})
	return s, err
}

// handleTransport runs on the transport's reader goroutine.
func (n *Narrator) handleTransport(ev transport.Event) {
	if ev.SessionID != "" && ev.SessionID != n.id {
		n.log.Debug("dropping event for another session", "sessionID", n.id, "eventSession", ev.SessionID, "type", ev.Type)
		return
	}
	if n.counter != nil {
		n.counter.RecordTransportEvent(ev.Kind.String())
	}

	n.loop.Post(func() {
		switch ev.Kind {
		case transport.KindAudioDelta:
			n.coord.HandleChunk(ev.ResponseID, ev.Chunk)
		case transport.KindStreamStarted:
			n.coord.StreamStarted(ev.ResponseID)
		case transport.KindStreamEnded:
			n.coord.StreamEnded(ev.ResponseID)
		case transport.KindError:
			n.coord.TransportError(ev.ResponseID, ev.Err)
		}
	})
}

// handleEvent runs on the loop.
func (n *Narrator) handleEvent(ev stream.Event) {
	switch ev.Type {
	case stream.ErrorEvent:
		if n.counter != nil {
			n.counter.RecordError(errorType(ev.Err))
		}
	case stream.PageFinished:
		n.loop.Post(func() { n.advance(ev.Page) })
	}
	n.emit(ev)
}

// advance moves to the page after the one that just finished and narrates it.
func (n *Narrator) advance(finished int) {
	if n.doc == nil || n.doc.CurrentPage() != finished {
		return
	}
	next, err := n.doc.Next()
	if err != nil {
		n.log.Info("reached the end of the document", "sessionID", n.id, "page", finished)
		return
	}
	// Next notified the page listener, which posted PageChanged ahead of us.
	n.loop.Post(func() {
		if err := n.coord.NarratePage(next); err != nil {
			n.log.Warn("auto-advance failed", "sessionID", n.id, "page", next, "error", err)
		}
	})
}

// emit blocks while the consumer is behind. Once Close has begun, events
// that do not fit are dropped.
func (n *Narrator) emit(ev stream.Event) {
	select {
	case n.events <- ev:
	case <-n.closing:
	case <-n.ctx.Done():
	}
}

func errorType(err error) string {
	switch {
	case errors.Is(err, stream.ErrNoAudio):
		return "no_audio"
	case errors.Is(err, stream.ErrTransport):
		return "transport"
	case errors.Is(err, stream.ErrNoDocument):
		return "no_document"
	default:
		return "other"
	}
}

// Close stops playback, shuts down the loop and closes the transport. It is
// safe to call more than once.
func (n *Narrator) Close() error {
	n.closeOnce.Do(func() {
		close(n.closing)
		_ = n.loop.Do(n.ctx, n.coord.StopAudio)

		n.mu.Lock()
		n.closed = true
		n.mu.Unlock()

		n.cancel()
		<-n.loop.Done()
		n.closeErr = n.client.Close()
		close(n.events)
		n.log.Info("narration session closed", "sessionID", n.id)
	})
	return n.closeErr
}
