package stream

type EventType string

const (
	StateChanged    EventType = "STATE_CHANGED"
	OwnerChanged    EventType = "OWNER_CHANGED"
	StreamFinished  EventType = "STREAM_FINISHED"
	PageFinished    EventType = "PAGE_FINISHED"
	PlaybackBlocked EventType = "PLAYBACK_BLOCKED"
	ErrorEvent      EventType = "ERROR"
)

// Event is a coordinator notification. Only the fields relevant to Type are
// set.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	State     State     `json:"state,omitempty"`
	Owner     OwnerKind `json:"owner,omitempty"`
	Page      int       `json:"page,omitempty"`
	Err       error     `json:"-"`
}
