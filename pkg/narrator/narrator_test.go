package narrator

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lokutor-ai/lokutor-narrator/pkg/audio"
	"github.com/lokutor-ai/lokutor-narrator/pkg/document"
	"github.com/lokutor-ai/lokutor-narrator/pkg/stream"
	"github.com/lokutor-ai/lokutor-narrator/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockClient struct {
	mu      sync.Mutex
	calls   []string
	pages   []int
	texts   []string
	input   int
	closed  bool
	handler transport.Handler
}

func (c *mockClient) record(call string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	c.calls = append(c.calls, call)
	return nil
}

func (c *mockClient) CommitInput(string) error    { return c.record("commit") }
func (c *mockClient) CreateResponse(string) error { return c.record("response") }
func (c *mockClient) ClearBuffer(string) error    { return c.record("clear") }

func (c *mockClient) SubmitText(_ string, instruction string, page int) error {
	c.mu.Lock()
	c.pages = append(c.pages, page)
	c.texts = append(c.texts, instruction)
	c.mu.Unlock()
	return c.record(fmt.Sprintf("submit:%d", page))
}

func (c *mockClient) AppendInput(string, []byte) error {
	c.mu.Lock()
	c.input++
	c.mu.Unlock()
	return nil
}

func (c *mockClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *mockClient) submitted() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.pages...)
}

func (c *mockClient) callLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type mockHandle struct {
	player *mockPlayer
	done   func(error)
}

func (h *mockHandle) Play(done func(error)) error {
	h.player.mu.Lock()
	defer h.player.mu.Unlock()
	h.done = done
	h.player.playing = append(h.player.playing, h)
	return nil
}

func (h *mockHandle) Pause()        {}
func (h *mockHandle) Resume() error { return nil }
func (h *mockHandle) Release()      {}

type mockPlayer struct {
	mu       sync.Mutex
	playing  []*mockHandle
	unlocked bool
}

func (p *mockPlayer) Load([]byte, audio.ContainerFormat) (stream.Playable, error) {
	return &mockHandle{player: p}, nil
}

func (p *mockPlayer) Unlock() {
	p.mu.Lock()
	p.unlocked = true
	p.mu.Unlock()
}

func (p *mockPlayer) started() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.playing)
}

// finish completes the n-th started handle.
func (p *mockPlayer) finish(n int) {
	p.mu.Lock()
	h := p.playing[n]
	p.mu.Unlock()
	h.done(nil)
}

type harness struct {
	n      *Narrator
	client *mockClient
	player *mockPlayer
	book   *document.Book
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := stream.DefaultConfig()
	cfg.AutoAdvance = true

	h := &harness{
		client: &mockClient{},
		player: &mockPlayer{},
		book:   document.Parse("First page.\fSecond page.\fThird page."),
	}
	dial := func(sessionID string, handler transport.Handler) (transport.Client, error) {
		h.client.handler = handler
		return h.client, nil
	}
	n, err := New(Options{SessionID: "sess", Stream: cfg}, dial, h.player, h.book)
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	h.n = n
	return h
}

func (h *harness) deliver(events ...transport.Event) {
	for _, ev := range events {
		h.client.handler(ev)
	}
}

func pcm(id string) transport.Event {
	data := make([]byte, 4800)
	for i := range data {
		data[i] = 1
	}
	return transport.Event{Kind: transport.KindAudioDelta, ResponseID: id, Chunk: stream.BinaryChunk(data)}
}

func waitFor(t *testing.T, events <-chan stream.Event, typ stream.EventType) stream.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestNarrator_NarratesAndAdvances(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.n.NarrateCurrent())
	assert.Equal(t, []int{1}, h.client.submitted())
	assert.True(t, strings.Contains(h.client.texts[0], "First page."))

	h.deliver(
		transport.Event{Kind: transport.KindStreamStarted, ResponseID: "r1"},
		pcm("r1"), pcm("r1"), pcm("r1"),
		transport.Event{Kind: transport.KindStreamEnded, ResponseID: "r1"},
	)

	require.Eventually(t, func() bool { return h.player.started() == 1 }, 2*time.Second, 5*time.Millisecond)
	status, err := h.n.Status()
	require.NoError(t, err)
	assert.Equal(t, stream.OwnerNarration, status.Owner)
	assert.True(t, status.ReceivedAny)

	h.player.finish(0)

	finished := waitFor(t, h.n.Events(), stream.PageFinished)
	assert.Equal(t, 1, finished.Page)

	require.Eventually(t, func() bool {
		pages := h.client.submitted()
		return len(pages) == 2 && pages[1] == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, h.book.CurrentPage())
}

func TestNarrator_PageChangeFollowsNarration(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.n.NarratePage(1))
	h.deliver(transport.Event{Kind: transport.KindStreamStarted, ResponseID: "r1"})

	require.NoError(t, h.n.GoTo(3))
	require.Eventually(t, func() bool {
		pages := h.client.submitted()
		return len(pages) == 2 && pages[1] == 3
	}, 2*time.Second, 5*time.Millisecond)

	// late audio of the abandoned page is dropped
	h.deliver(pcm("r1"), pcm("r1"), pcm("r1"))
	status, err := h.n.Status()
	require.NoError(t, err)
	assert.Equal(t, 3, status.Page)
	assert.False(t, status.ReceivedAny)
	assert.Equal(t, 0, h.player.started())
}

func TestNarrator_IgnoresOtherSessions(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.n.NarratePage(1))

	h.deliver(transport.Event{Kind: transport.KindAudioDelta, SessionID: "other", Chunk: stream.BinaryChunk(make([]byte, 4800))})

	status, err := h.n.Status()
	require.NoError(t, err)
	assert.False(t, status.ReceivedAny)
}

func TestNarrator_TransportErrorSurfaces(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.n.NarratePage(1))

	h.deliver(transport.Event{Kind: transport.KindError, Err: errors.New("socket closed")})

	ev := waitFor(t, h.n.Events(), stream.ErrorEvent)
	assert.ErrorIs(t, ev.Err, stream.ErrTransport)

	status, err := h.n.Status()
	require.NoError(t, err)
	assert.Equal(t, stream.StateError, status.State)
	assert.Equal(t, stream.OwnerNone, status.Owner)
}

func TestNarrator_RecordingFlow(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.n.RecordingStarted())
	require.NoError(t, h.n.AppendInput("", []byte{1, 2}))
	require.NoError(t, h.n.RecordingStopped())
	assert.Equal(t, []string{"clear", "commit", "response"}, h.client.callLog())
	assert.Equal(t, 1, h.client.input)

	err := h.n.NarratePage(2)
	assert.ErrorIs(t, err, stream.ErrOwnerConflict)

	assert.ErrorIs(t, h.n.RecordingStopped(), stream.ErrNotRecording)
}

func TestNarrator_NotifyUserInteractionUnlocksPlayer(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.n.NotifyUserInteraction())
	assert.True(t, h.player.unlocked)
}

func TestNarrator_Close(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.n.Close())
	require.NoError(t, h.n.Close())

	assert.ErrorIs(t, h.n.NarratePage(1), ErrClosed)
	_, err := h.n.Status()
	assert.ErrorIs(t, err, ErrClosed)

	_, open := <-h.n.Events()
	for open {
		_, open = <-h.n.Events()
	}
}

func TestNarrator_CloseWithUndrainedEvents(t *testing.T) {
	client := &mockClient{}
	dial := func(sessionID string, handler transport.Handler) (transport.Client, error) {
		client.handler = handler
		return client, nil
	}
	n, err := New(Options{SessionID: "sess", EventBuffer: 1}, dial, &mockPlayer{}, document.Parse("Only page."))
	require.NoError(t, err)

	require.NoError(t, n.NarratePage(1))
	for i := 0; i < 3; i++ {
		client.handler(transport.Event{Kind: transport.KindError, Err: errors.New("socket closed")})
	}

	closed := make(chan error, 1)
	go func() { closed <- n.Close() }()
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on an undrained event channel")
	}
}

func TestNew_DialFailure(t *testing.T) {
	dial := func(string, transport.Handler) (transport.Client, error) {
		return nil, errors.New("refused")
	}
	_, err := New(Options{}, dial, &mockPlayer{}, nil)
	assert.Error(t, err)
}

func TestNew_GeneratesSessionID(t *testing.T) {
	client := &mockClient{}
	dial := func(id string, handler transport.Handler) (transport.Client, error) {
		client.handler = handler
		return client, nil
	}
	n, err := New(Options{}, dial, &mockPlayer{}, nil)
	require.NoError(t, err)
	defer n.Close()

	assert.Len(t, n.SessionID(), 36)
	assert.ErrorIs(t, n.NarrateCurrent(), stream.ErrNoDocument)
}

func TestInstructor(t *testing.T) {
	en := Instructor(LanguageEn, "")
	assert.Equal(t, stream.DefaultInstruction(2, "text"), en(2, "text"))

	es := Instructor(LanguageEs, "")
	assert.True(t, strings.HasPrefix(es(4, "hola"), "Lee en voz alta la página 4"))

	custom := Instructor(LanguageEn, "Page {page}: {text}")
	assert.Equal(t, "Page 7: words", custom(7, "words"))

	prefix := Instructor(LanguageEn, "Read slowly.")
	assert.Equal(t, "Read slowly.\n\nwords", prefix(1, "words"))
}
