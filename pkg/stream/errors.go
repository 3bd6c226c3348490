package stream

import "errors"

var (
	// ErrChunkTooSmall marks keep-alive or boundary chunks below the minimum size
	ErrChunkTooSmall = errors.New("chunk below minimum viable size")

	// ErrMalformedChunk is returned when a chunk cannot be decoded to bytes
	ErrMalformedChunk = errors.New("malformed audio chunk")

	// ErrUnsupportedFormat is returned by players that cannot decode a container
	ErrUnsupportedFormat = errors.New("unsupported audio format")

	// ErrPlaybackBlocked is returned by players when the host refuses to start
	// audio until the user interacts
	ErrPlaybackBlocked = errors.New("playback blocked until user interaction")

	// ErrOwnerConflict is returned when a second producer tries to take the queue
	ErrOwnerConflict = errors.New("another audio stream owns playback")

	// ErrNoAudio is reported when a requested stream produced no data in time
	ErrNoAudio = errors.New("no audio received")

	// ErrTransport wraps error events delivered by the transport
	ErrTransport = errors.New("transport error")

	// ErrNoDocument is returned when narration needs page text but no document is attached
	ErrNoDocument = errors.New("no document attached")

	// ErrNotNarrating is returned by narration controls when no narration is active
	ErrNotNarrating = errors.New("no narration in progress")

	// ErrNotRecording is returned when a recording is stopped that was never started
	ErrNotRecording = errors.New("no recording in progress")
)
