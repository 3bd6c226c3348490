package transport

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lokutor-ai/lokutor-narrator/pkg/stream"
	"github.com/nats-io/nats.go"
)

// ResponseIDHeader tags binary audio messages with the response they belong to.
const ResponseIDHeader = "Response-Id"

type NATSConfig struct {
	Servers        []string
	SubjectPrefix  string
	ConnectTimeout time.Duration
	Name           string
}

// Subjects are the per-session NATS subjects. The client publishes control
// frames on Requests and receives JSON events on Events and raw audio on
// Audio. Events and Audio share the Inbound wildcard so one subscription
// keeps them in publish order.
type Subjects struct {
	Requests string
	Inbound  string
	Events   string
	Audio    string
}

func SessionSubjects(prefix, sessionID string) Subjects {
	if prefix == "" {
		prefix = "narrator"
	}
	base := prefix + "." + sessionID
	return Subjects{
		Requests: base + ".requests",
		Inbound:  base + ".out.*",
		Events:   base + ".out.events",
		Audio:    base + ".out.audio",
	}
}

// NATS is a Client over a NATS connection, one subject set per session.
type NATS struct {
	conn     *nats.Conn
	subjects Subjects
	handler  Handler
	log      stream.Logger
	sub      *nats.Subscription
}

func ConnectNATS(cfg NATSConfig, sessionID string, handler Handler, log stream.Logger) (*NATS, error) {
	if log == nil {
		log = &stream.NoOpLogger{}
	}
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}
	name := cfg.Name
	if name == "" {
		name = "lokutor-narrator"
	}

	options := []nats.Option{nats.Name(name)}
	if cfg.ConnectTimeout > 0 {
		options = append(options, nats.Timeout(cfg.ConnectTimeout))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	n, err := newNATS(conn, SessionSubjects(cfg.SubjectPrefix, sessionID), handler, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	log.Info("connected to NATS", "servers", url, "subject", n.subjects.Requests)
	return n, nil
}

func newNATS(conn *nats.Conn, subjects Subjects, handler Handler, log stream.Logger) (*NATS, error) {
	n := &NATS{conn: conn, subjects: subjects, handler: handler, log: log}

	sub, err := conn.Subscribe(subjects.Inbound, n.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subjects.Inbound, err)
	}
	if err := conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("subscribe %s: %w", subjects.Inbound, err)
	}
	n.sub = sub
	return n, nil
}

func (n *NATS) handle(msg *nats.Msg) {
	switch msg.Subject {
	case n.subjects.Events:
		n.handleEvent(msg)
	case n.subjects.Audio:
		n.handleAudio(msg)
	default:
		n.log.Debug("ignoring message", "subject", msg.Subject)
	}
}

func (n *NATS) handleEvent(msg *nats.Msg) {
	ev, err := DecodeEvent(msg.Data)
	if err != nil {
		if IsUnsupported(err) {
			n.log.Debug("skipping event", "reason", err.Error())
		} else {
			n.log.Warn("failed to decode event", "error", err)
		}
		return
	}
	n.deliver(ev)
}

func (n *NATS) handleAudio(msg *nats.Msg) {
	ev := Event{Kind: KindAudioDelta, Type: "binary", Chunk: stream.BinaryChunk(msg.Data)}
	if msg.Header != nil {
		ev.ResponseID = msg.Header.Get(ResponseIDHeader)
	}
	n.deliver(ev)
}

func (n *NATS) deliver(ev Event) {
	if n.handler != nil {
		n.handler(ev)
	}
}

func (n *NATS) publish(msgs ...Message) error {
	if n.conn.IsClosed() {
		return ErrClosed
	}
	for _, m := range msgs {
		data, err := Encode(m)
		if err != nil {
			return err
		}
		if err := n.conn.Publish(n.subjects.Requests, data); err != nil {
			return fmt.Errorf("publish %s: %w", m.Type, err)
		}
	}
	return nil
}

func (n *NATS) AppendInput(sessionID string, pcm []byte) error {
	return n.publish(AppendMessage(sessionID, pcm))
}

func (n *NATS) CommitInput(sessionID string) error {
	return n.publish(CommitMessage(sessionID))
}

func (n *NATS) CreateResponse(sessionID string) error {
	return n.publish(CreateResponseMessage(sessionID))
}

func (n *NATS) ClearBuffer(sessionID string) error {
	return n.publish(ClearMessage(sessionID))
}

func (n *NATS) SubmitText(sessionID, instruction string, page int) error {
	return n.publish(TextMessages(sessionID, instruction, page)...)
}

func (n *NATS) Healthy() bool {
	return n != nil && n.conn != nil && n.conn.Status() == nats.CONNECTED
}

func (n *NATS) Close() error {
	if n == nil {
		return nil
	}
	n.log.Info("closing NATS connection")
	if n.sub != nil {
		_ = n.sub.Unsubscribe()
	}
	err := n.conn.Drain()
	n.conn.Close()
	return err
}
