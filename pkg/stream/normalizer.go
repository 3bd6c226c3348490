package stream

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/lokutor-ai/lokutor-narrator/pkg/audio"
)

// ChunkKind tags the wire shape of a RawChunk.
type ChunkKind int

const (
	ChunkText      ChunkKind = iota + 1 // base64 text
	ChunkByteArray                      // array of numbers, one per byte
	ChunkBinary                         // raw binary frame
)

// RawChunk is one inbound audio chunk as the transport delivered it. Exactly
// one of Text, Values or Data is meaningful, selected by Kind.
type RawChunk struct {
	Kind   ChunkKind
	Text   string
	Values []int
	Data   []byte
}

func TextChunk(s string) RawChunk      { return RawChunk{Kind: ChunkText, Text: s} }
func ByteArrayChunk(v []int) RawChunk  { return RawChunk{Kind: ChunkByteArray, Values: v} }
func BinaryChunk(data []byte) RawChunk { return RawChunk{Kind: ChunkBinary, Data: data} }

var base64Encodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.RawStdEncoding,
	base64.URLEncoding,
	base64.RawURLEncoding,
}

// Bytes decodes the chunk to its canonical byte sequence.
func (c RawChunk) Bytes() ([]byte, error) {
	switch c.Kind {
	case ChunkText:
		s := strings.TrimSpace(c.Text)
		var lastErr error
		for _, enc := range base64Encodings {
			b, err := enc.DecodeString(s)
			if err == nil {
				return b, nil
			}
			lastErr = err
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedChunk, lastErr)
	case ChunkByteArray:
		out := make([]byte, len(c.Values))
		for i, v := range c.Values {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("%w: byte %d out of range (%d)", ErrMalformedChunk, i, v)
			}
			out[i] = byte(v)
		}
		return out, nil
	case ChunkBinary:
		out := make([]byte, len(c.Data))
		copy(out, c.Data)
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown chunk kind %d", ErrMalformedChunk, c.Kind)
	}
}

// Normalizer turns raw chunks into AudioSegments tagged with their container
// format and arrival sequence.
type Normalizer struct {
	cfg   Config
	sched Scheduler
	obs   Observer
	log   Logger
	seq   uint64
}

func NewNormalizer(cfg Config, sched Scheduler, obs Observer, log Logger) *Normalizer {
	if obs == nil {
		obs = noopObserver{}
	}
	if log == nil {
		log = &NoOpLogger{}
	}
	return &Normalizer{cfg: cfg, sched: sched, obs: obs, log: log}
}

// Normalize decodes c. Undersized and malformed chunks are rejected with
// ErrChunkTooSmall or ErrMalformedChunk; neither is a stream error.
func (n *Normalizer) Normalize(c RawChunk) (*AudioSegment, error) {
	payload, err := c.Bytes()
	if err != nil {
		n.obs.ChunkRejected("malformed")
		n.log.Debug("dropping malformed chunk", "error", err)
		return nil, err
	}
	if len(payload) < n.cfg.MinChunkBytes {
		n.obs.ChunkRejected("undersized")
		n.log.Debug("dropping undersized chunk", "size", len(payload))
		return nil, fmt.Errorf("%w: %d bytes", ErrChunkTooSmall, len(payload))
	}

	format := audio.Sniff(payload, false)
	if n.cfg.PCMContext && n.cfg.PCM.Valid() {
		format = audio.SniffPCM(payload, n.cfg.PCM)
	}
	n.seq++
	seg := &AudioSegment{
		Payload:    payload,
		Format:     format,
		PCM:        n.cfg.PCM,
		Seq:        n.seq,
		Sources:    []uint64{n.seq},
		ReceivedAt: n.sched.Now(),
	}
	n.obs.ChunkAccepted(format, len(payload))
	return seg, nil
}
