package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/lokutor-ai/lokutor-narrator/pkg/stream"
)

var (
	// ErrClosed is returned by sends on a closed transport
	ErrClosed = errors.New("transport closed")

	// ErrBackpressure is returned when the outbound queue is full
	ErrBackpressure = errors.New("outbound queue full")
)

// Client is a connected realtime transport.
type Client interface {
	stream.Transport
	AppendInput(sessionID string, pcm []byte) error
	Close() error
}

type WebSocketConfig struct {
	URL          string
	APIKey       string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	SendQueue    int
}

// WebSocket is a Client over one websocket connection. Text frames carry JSON
// events; binary frames are raw audio chunks for the connection's session.
type WebSocket struct {
	cfg     WebSocketConfig
	handler Handler
	log     stream.Logger

	conn   *websocket.Conn
	out    chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func DialWebSocket(ctx context.Context, cfg WebSocketConfig, handler Handler, log stream.Logger) (*WebSocket, error) {
	if log == nil {
		log = &stream.NoOpLogger{}
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket url: %w", err)
	}
	if cfg.APIKey != "" {
		q := u.Query()
		q.Set("api_key", cfg.APIKey)
		u.RawQuery = q.Encode()
	}

	dialCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	conn, _, err := websocket.Dial(dialCtx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to realtime service: %w", err)
	}
	conn.SetReadLimit(10 * 1024 * 1024)

	runCtx, cancel := context.WithCancel(context.Background())
	w := &WebSocket{
		cfg:     cfg,
		handler: handler,
		log:     log,
		conn:    conn,
		out:     make(chan []byte, cfg.SendQueue),
		ctx:     runCtx,
		cancel:  cancel,
	}
	w.wg.Add(2)
	go w.readLoop()
	go w.writeLoop()

	log.Info("connected to realtime service", "host", u.Host)
	return w, nil
}

func (w *WebSocket) AppendInput(sessionID string, pcm []byte) error {
	return w.send(AppendMessage(sessionID, pcm))
}

func (w *WebSocket) CommitInput(sessionID string) error {
	return w.send(CommitMessage(sessionID))
}

func (w *WebSocket) CreateResponse(sessionID string) error {
	return w.send(CreateResponseMessage(sessionID))
}

func (w *WebSocket) ClearBuffer(sessionID string) error {
	return w.send(ClearMessage(sessionID))
}

func (w *WebSocket) SubmitText(sessionID, instruction string, page int) error {
	return w.send(TextMessages(sessionID, instruction, page)...)
}

// send queues frames for the writer. It never blocks.
func (w *WebSocket) send(msgs ...Message) error {
	frames := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		data, err := Encode(m)
		if err != nil {
			return err
		}
		frames = append(frames, data)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if cap(w.out)-len(w.out) < len(frames) {
		return ErrBackpressure
	}
	for _, f := range frames {
		w.out <- f
	}
	return nil
}

func (w *WebSocket) readLoop() {
	defer w.wg.Done()
	for {
		messageType, payload, err := w.conn.Read(w.ctx)
		if err != nil {
			if w.isClosed() {
				return
			}
			w.log.Warn("realtime connection lost", "error", err)
			w.deliver(Event{Kind: KindError, Type: "connection", Err: fmt.Errorf("failed to read from realtime service: %w", err)})
			w.shutdown(websocket.StatusAbnormalClosure, "failed to read")
			return
		}

		switch messageType {
		case websocket.MessageBinary:
			w.deliver(Event{Kind: KindAudioDelta, Type: "binary", Chunk: stream.BinaryChunk(payload)})
		case websocket.MessageText:
			ev, err := DecodeEvent(payload)
			if err != nil {
				if IsUnsupported(err) {
					w.log.Debug("skipping frame", "reason", err.Error())
				} else {
					w.log.Warn("dropping undecodable frame", "error", err)
				}
				continue
			}
			w.deliver(ev)
		}
	}
}

func (w *WebSocket) writeLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case frame := <-w.out:
			ctx, cancel := context.WithTimeout(w.ctx, w.cfg.WriteTimeout)
			err := w.conn.Write(ctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				if w.isClosed() {
					return
				}
				w.log.Warn("failed to send frame", "error", err)
				w.deliver(Event{Kind: KindError, Type: "connection", Err: fmt.Errorf("failed to write to realtime service: %w", err)})
				w.shutdown(websocket.StatusAbnormalClosure, "failed to write")
				return
			}
		}
	}
}

func (w *WebSocket) deliver(ev Event) {
	if w.handler != nil {
		w.handler(ev)
	}
}

func (w *WebSocket) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *WebSocket) shutdown(code websocket.StatusCode, reason string) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	err := w.conn.Close(code, reason)
	w.cancel()
	return err
}

// Close closes the connection and waits for the reader and writer to exit.
func (w *WebSocket) Close() error {
	err := w.shutdown(websocket.StatusNormalClosure, "")
	w.wg.Wait()
	return err
}
