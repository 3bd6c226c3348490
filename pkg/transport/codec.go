package transport

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lokutor-ai/lokutor-narrator/pkg/stream"
)

// EventKind is the normalized meaning of an inbound frame.
type EventKind int

const (
	KindAudioDelta EventKind = iota + 1
	KindStreamStarted
	KindStreamEnded
	KindError
)

func (k EventKind) String() string {
	switch k {
	case KindAudioDelta:
		return "audio_delta"
	case KindStreamStarted:
		return "stream_started"
	case KindStreamEnded:
		return "stream_ended"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one inbound transport event. Several historical wire names map to
// each kind.
type Event struct {
	Kind       EventKind
	Type       string
	SessionID  string
	ResponseID string
	Chunk      stream.RawChunk
	Err        error
}

// Handler receives inbound events. It is called from the transport's reader
// goroutine and must not block.
type Handler func(Event)

var eventKinds = map[string]EventKind{
	"response.audio.delta":        KindAudioDelta,
	"response.output_audio.delta": KindAudioDelta,
	"audio.delta":                 KindAudioDelta,
	"audio_chunk":                 KindAudioDelta,

	"response.created":           KindStreamStarted,
	"response.audio.started":     KindStreamStarted,
	"stream.started":             KindStreamStarted,
	"response.audio.done":        KindStreamEnded,
	"response.output_audio.done": KindStreamEnded,
	"response.done":              KindStreamEnded,
	"stream.ended":               KindStreamEnded,

	"error": KindError,
}

// DecodeError reports an inbound frame the codec could not interpret.
type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// IsUnsupported reports whether err is a DecodeError for a frame type the
// codec does not handle. Such frames are expected and safe to skip.
func IsUnsupported(err error) bool {
	var de *DecodeError
	return errors.As(err, &de) && de.Code == "unsupported"
}

type envelope struct {
	Type       string          `json:"type"`
	SessionID  string          `json:"session_id,omitempty"`
	ResponseID string          `json:"response_id,omitempty"`
	Delta      json.RawMessage `json:"delta,omitempty"`
	Audio      json.RawMessage `json:"audio,omitempty"`
	Response   *responseRef    `json:"response,omitempty"`
	Error      *wireError      `json:"error,omitempty"`
	Message    string          `json:"message,omitempty"`
}

type responseRef struct {
	ID string `json:"id"`
}

type wireError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ServiceError is an error event sent by the realtime service.
type ServiceError struct {
	Code    string
	Message string
}

func (e *ServiceError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// DecodeEvent parses a JSON text frame.
func DecodeEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(env.Type)
	if typ == "" {
		return Event{}, badRequest("missing type", "type")
	}
	kind, ok := eventKinds[typ]
	if !ok {
		return Event{}, unsupported("unhandled event type "+typ, "type")
	}

	ev := Event{
		Kind:       kind,
		Type:       typ,
		SessionID:  env.SessionID,
		ResponseID: env.ResponseID,
	}
	if ev.ResponseID == "" && env.Response != nil {
		ev.ResponseID = env.Response.ID
	}

	switch kind {
	case KindAudioDelta:
		raw := env.Delta
		if len(raw) == 0 {
			raw = env.Audio
		}
		chunk, err := decodeAudio(raw)
		if err != nil {
			return Event{}, err
		}
		ev.Chunk = chunk
	case KindError:
		se := &ServiceError{Message: env.Message}
		if env.Error != nil {
			se.Code = env.Error.Code
			if se.Code == "" {
				se.Code = env.Error.Type
			}
			se.Message = env.Error.Message
		}
		if se.Message == "" {
			se.Message = "unspecified service error"
		}
		ev.Err = se
	}
	return ev, nil
}

// decodeAudio accepts the two JSON shapes audio deltas arrive in: a base64
// string or an array of byte values.
func decodeAudio(raw json.RawMessage) (stream.RawChunk, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return stream.RawChunk{}, badRequest("audio delta without payload", "delta")
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return stream.RawChunk{}, badRequest("invalid audio string", "delta")
		}
		return stream.TextChunk(s), nil
	case '[':
		var values []int
		if err := json.Unmarshal(raw, &values); err != nil {
			return stream.RawChunk{}, badRequest("invalid audio byte array", "delta")
		}
		return stream.ByteArrayChunk(values), nil
	}
	return stream.RawChunk{}, badRequest("audio delta must be a string or an array", "delta")
}

// Message is one outbound control frame.
type Message struct {
	Type      string            `json:"type"`
	SessionID string            `json:"session_id,omitempty"`
	Audio     string            `json:"audio,omitempty"`
	Item      *ConversationItem `json:"item,omitempty"`
}

type ConversationItem struct {
	Type     string        `json:"type"`
	Role     string        `json:"role"`
	Content  []ContentPart `json:"content"`
	Metadata *ItemMetadata `json:"metadata,omitempty"`
}

type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ItemMetadata struct {
	Page int `json:"page"`
}

func AppendMessage(sessionID string, pcm []byte) Message {
	return Message{Type: "input_audio_buffer.append", SessionID: sessionID, Audio: base64.StdEncoding.EncodeToString(pcm)}
}

func CommitMessage(sessionID string) Message {
	return Message{Type: "input_audio_buffer.commit", SessionID: sessionID}
}

func ClearMessage(sessionID string) Message {
	return Message{Type: "input_audio_buffer.clear", SessionID: sessionID}
}

func CreateResponseMessage(sessionID string) Message {
	return Message{Type: "response.create", SessionID: sessionID}
}

// TextMessages builds the frames that ask the service to narrate: the
// instruction as a user item tagged with its page, then a response request.
func TextMessages(sessionID, instruction string, page int) []Message {
	item := &ConversationItem{
		Type:     "message",
		Role:     "user",
		Content:  []ContentPart{{Type: "input_text", Text: instruction}},
		Metadata: &ItemMetadata{Page: page},
	}
	return []Message{
		{Type: "conversation.item.create", SessionID: sessionID, Item: item},
		CreateResponseMessage(sessionID),
	}
}

func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type, err)
	}
	return data, nil
}
