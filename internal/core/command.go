package core

// CommandKind describes what the view wants to do.
type CommandKind int

const (
	// CommandSendMessage sends a chat message to the room.
	CommandSendMessage CommandKind = iota
	// CommandLoadOlder fetches the previous history page.
	CommandLoadOlder
	// CommandResync reloads room details and the newest history page.
	CommandResync
)

// Command represents an action requested by the view.
type Command struct {
	Kind    CommandKind
	Content string
}
