package audio

import "bytes"

// ContainerFormat identifies the container (or lack of one) around an audio payload.
type ContainerFormat string

const (
	FormatPCM16   ContainerFormat = "raw-pcm16"
	FormatWAV     ContainerFormat = "wav"
	FormatWebM    ContainerFormat = "webm"
	FormatOgg     ContainerFormat = "ogg"
	FormatMP3     ContainerFormat = "mp3"
	FormatAAC     ContainerFormat = "aac"
	FormatFLAC    ContainerFormat = "flac"
	FormatUnknown ContainerFormat = "unknown"
)

// FallbackFormat is the container assumed for payloads no signature matches
// when the session has not established a raw PCM context.
const FallbackFormat = FormatMP3

// MIMEType returns the conventional MIME type for the container.
func (f ContainerFormat) MIMEType() string {
	switch f {
	case FormatPCM16, FormatWAV:
		return "audio/wav"
	case FormatWebM:
		return "audio/webm"
	case FormatOgg:
		return "audio/ogg"
	case FormatAAC:
		return "audio/aac"
	case FormatFLAC:
		return "audio/flac"
	default:
		return "audio/mpeg"
	}
}

// Streamable reports whether consecutive payloads of this format can be
// concatenated byte-wise and still decode as one stream.
func (f ContainerFormat) Streamable() bool {
	return f == FormatPCM16 || f == FormatMP3 || f == FormatAAC
}

var (
	magicWebM = []byte{0x1A, 0x45, 0xDF, 0xA3}
	magicRIFF = []byte("RIFF")
	magicOgg  = []byte("OggS")
	magicFLAC = []byte("fLaC")
	magicID3  = []byte("ID3")
)

// Sniff identifies the container of payload from its leading bytes. When no
// signature matches it returns FormatPCM16 if pcmContext is set, otherwise
// FormatUnknown. A pcmContext is assumed to carry DefaultPCMSpec samples.
func Sniff(payload []byte, pcmContext bool) ContainerFormat {
	if pcmContext {
		return SniffPCM(payload, DefaultPCMSpec)
	}
	if f, _, ok := matchSignature(payload); ok {
		return f
	}
	return FormatUnknown
}

// SniffPCM is Sniff for a session whose raw audio is PCM in spec. A bare
// MPEG or ADTS frame sync is also a plausible leading sample (-1 is FF FF),
// so it only wins over PCM when the payload is not whole PCM frames.
func SniffPCM(payload []byte, spec PCMSpec) ContainerFormat {
	f, strong, ok := matchSignature(payload)
	if ok && (strong || !wholeFrames(payload, spec)) {
		return f
	}
	return FormatPCM16
}

func wholeFrames(payload []byte, spec PCMSpec) bool {
	align := spec.BlockAlign()
	return align > 0 && len(payload)%align == 0
}

// matchSignature reports the container and whether the match came from a
// magic number rather than a frame sync.
func matchSignature(p []byte) (ContainerFormat, bool, bool) {
	switch {
	case bytes.HasPrefix(p, magicWebM):
		return FormatWebM, true, true
	case bytes.HasPrefix(p, magicRIFF):
		return FormatWAV, true, true
	case bytes.HasPrefix(p, magicOgg):
		return FormatOgg, true, true
	case bytes.HasPrefix(p, magicFLAC):
		return FormatFLAC, true, true
	case bytes.HasPrefix(p, magicID3):
		return FormatMP3, true, true
	}
	if len(p) < 2 || p[0] != 0xFF {
		return FormatUnknown, false, false
	}
	// ADTS carries layer bits 00 after the 12-bit sync; MPEG audio frames use
	// a non-zero layer.
	if p[1]&0xF6 == 0xF0 {
		return FormatAAC, false, true
	}
	if p[1]&0xE0 == 0xE0 {
		return FormatMP3, false, true
	}
	return FormatUnknown, false, false
}
