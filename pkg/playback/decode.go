package playback

import (
	"bytes"
	"fmt"
	"io"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/flac"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/vorbis"
	"github.com/gopxl/beep/v2/wav"
	"github.com/lokutor-ai/lokutor-narrator/pkg/audio"
	"github.com/lokutor-ai/lokutor-narrator/pkg/stream"
)

// Decode opens payload as a beep stream of the given container. Ogg payloads
// must carry Vorbis. WebM and AAC have no decoder here and report
// stream.ErrUnsupportedFormat so the queue moves on to its fallbacks.
func Decode(payload []byte, format audio.ContainerFormat) (beep.StreamSeekCloser, beep.Format, error) {
	if len(payload) == 0 {
		return nil, beep.Format{}, fmt.Errorf("decode %s: empty payload", format)
	}
	rc := io.NopCloser(bytes.NewReader(payload))

	var (
		s   beep.StreamSeekCloser
		f   beep.Format
		err error
	)
	switch format {
	case audio.FormatWAV, audio.FormatPCM16:
		s, f, err = wav.Decode(rc)
	case audio.FormatMP3:
		s, f, err = mp3.Decode(rc)
	case audio.FormatOgg:
		s, f, err = vorbis.Decode(rc)
	case audio.FormatFLAC:
		s, f, err = flac.Decode(rc)
	default:
		return nil, beep.Format{}, fmt.Errorf("%w: %s", stream.ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, beep.Format{}, fmt.Errorf("decode %s: %w", format, err)
	}
	return s, f, nil
}
