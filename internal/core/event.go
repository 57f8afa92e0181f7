package core

// EventKind is a notification the hub emits to the view.
type EventKind int

const (
	// EventTimeline means the message list or a loading flag changed.
	EventTimeline EventKind = iota
	// EventOlderLoaded means an older page was prepended; see Event.Anchor.
	EventOlderLoaded
	// EventRoomUpdated means room metadata changed.
	EventRoomUpdated
	// EventNotice asks the view to show a transient notice.
	EventNotice
	// EventNavigateAway asks the view to leave the room screen.
	EventNavigateAway
	// EventDisconnected means the connection is gone; the hub stops after it.
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventTimeline:
		return "timeline"
	case EventOlderLoaded:
		return "older_loaded"
	case EventRoomUpdated:
		return "room_updated"
	case EventNotice:
		return "notice"
	case EventNavigateAway:
		return "navigate_away"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// NoticeLevel grades a transient notice.
type NoticeLevel int

const (
	NoticeInfo NoticeLevel = iota
	NoticeWarn
	NoticeError
)

// View is what the room screen renders.
type View struct {
	Room         RoomInfo
	Messages     []Message
	Joined       bool
	Loading      bool
	LoadingOlder bool
	HasMore      bool
}

// Event is sent to the view to describe what happened. View is the state
// after the change.
type Event struct {
	Kind   EventKind
	View   View
	Anchor Anchor
	Notice string
	Level  NoticeLevel
	Reason string
}
