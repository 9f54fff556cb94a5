package model

// EventKind names the four push event families delivered over the channel.
type EventKind string

const (
	EventNewMessage EventKind = "new_message"
	EventUnread     EventKind = "unread_update"
	EventPresence   EventKind = "online_status"
	EventTyping     EventKind = "typing"
)

// PushEvent is a single frame received from the push channel, already
// decoded. Exactly one of the payload fields is meaningful for a given Kind.
type PushEvent struct {
	Kind    EventKind `json:"event"`
	Phone   string    `json:"phone"`
	Message *Message  `json:"message,omitempty"`
	Unread  int       `json:"unread,omitempty"`
	Online  bool      `json:"online,omitempty"`
	Typing  bool      `json:"typing,omitempty"`
}
