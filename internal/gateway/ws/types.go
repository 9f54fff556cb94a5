package ws

// Room groups the browser clients of one tenant; every synced event for that
// tenant fans out to all of them.
type Room struct {
	Id      string             `json:"id"`
	Clients map[string]*Client `json:"clients"`
}

type Frame struct {
	Content   string `json:"content"`
	RoomID    string `json:"roomId"`
	Timestamp int64  `json:"timestamp"`
}
