package stream

import "github.com/lokutor-ai/lokutor-narrator/pkg/audio"

// Player is the playback primitive. Load decodes a payload interpreted as
// format and returns a handle ready to play; a decode failure is returned as
// an error.
type Player interface {
	Load(payload []byte, format audio.ContainerFormat) (Playable, error)
}

// Playable is one loaded playback handle.
type Playable interface {
	// Play starts playback and returns immediately. done is called exactly
	// once, from any goroutine, when playback ends (nil) or fails. Play
	// returns ErrPlaybackBlocked when the host requires a user gesture first,
	// in which case done is never called.
	Play(done func(err error)) error
	Pause()
	Resume() error
	// Release frees the handle. It is safe to call more than once.
	Release()
}

// Transport carries outbound control calls to the realtime service. Calls
// must not block: implementations queue the message and report failures as
// inbound error events.
type Transport interface {
	CommitInput(sessionID string) error
	CreateResponse(sessionID string) error
	ClearBuffer(sessionID string) error
	SubmitText(sessionID, instruction string, page int) error
}

// Document is the paged document being narrated.
type Document interface {
	PageText(page int) (string, error)
	CurrentPage() int
	PageCount() int
}
