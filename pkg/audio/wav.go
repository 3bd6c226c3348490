package audio

import (
	"bytes"
	"encoding/binary"
)

// WavHeaderSize is the size of the canonical linear-PCM WAV header.
const WavHeaderSize = 44

// PCMSpec describes raw linear PCM samples.
type PCMSpec struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// DefaultPCMSpec is the voice configuration used by realtime sessions:
// 24kHz mono 16-bit little-endian.
var DefaultPCMSpec = PCMSpec{SampleRate: 24000, Channels: 1, BitDepth: 16}

func (s PCMSpec) BlockAlign() int {
	return s.Channels * s.BitDepth / 8
}

func (s PCMSpec) ByteRate() int {
	return s.SampleRate * s.BlockAlign()
}

// Valid reports whether the spec can describe a WAV stream.
func (s PCMSpec) Valid() bool {
	return s.SampleRate > 0 && s.Channels > 0 && s.BitDepth > 0 && s.BitDepth%8 == 0
}

// NewWavBuffer prepends a 44-byte RIFF/WAVE header describing pcm.
func NewWavBuffer(pcm []byte, spec PCMSpec) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, WavHeaderSize+len(pcm)))

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(buf, binary.LittleEndian, uint16(spec.Channels))
	binary.Write(buf, binary.LittleEndian, uint32(spec.SampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(spec.ByteRate()))
	binary.Write(buf, binary.LittleEndian, uint16(spec.BlockAlign()))
	binary.Write(buf, binary.LittleEndian, uint16(spec.BitDepth))

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}

// IsWav reports whether p starts with a RIFF/WAVE header.
func IsWav(p []byte) bool {
	return len(p) >= 12 && bytes.Equal(p[0:4], magicRIFF) && string(p[8:12]) == "WAVE"
}
