package ws

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler bridges the syncer's Redis event channel into per-tenant rooms of
// connected browser clients. The Redis client is injected so the channel
// lifecycle stays testable; a nil client runs the hub without bridging.
type Handler struct {
	hub         *Hub
	redisClient *redis.Client
}

func NewHandler(h *Hub, redisClient *redis.Client) *Handler {
	return &Handler{
		hub:         h,
		redisClient: redisClient,
	}
}

func (h *Handler) subscribeToRoomChannel(roomID string) {
	if _, exists := h.hub.Rooms[roomID]; !exists {
		log.Printf("tenant room %s not found for subscription", roomID)
		return
	}
	if h.redisClient == nil {
		return
	}

	log.Printf("subscribing to event channel: %s", roomID)
	subscriber := h.redisClient.Subscribe(context.Background(), roomID)
	defer subscriber.Close()

	ch := subscriber.Channel()
	for msg := range ch {
		h.hub.Broadcast <- &Frame{
			Content:   msg.Payload,
			RoomID:    roomID,
			Timestamp: time.Now().Unix(),
		}
	}
	log.Printf("unsubscribed from event channel: %s", roomID)
}

// CreateRoom registers a tenant room and starts its bridge subscription once.
func (h *Handler) CreateRoom(id string) {
	if _, exists := h.hub.Rooms[id]; exists {
		return
	}

	h.hub.Rooms[id] = &Room{
		Id:      id,
		Clients: make(map[string]*Client),
	}

	go h.subscribeToRoomChannel(id)
}

// JoinRoom upgrades the request and attaches the browser client to its
// tenant room.
func (h *Handler) JoinRoom(w http.ResponseWriter, r *http.Request, roomID, clientID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	cl := &Client{
		Conn:    conn,
		Message: make(chan *Frame, 10),
		ID:      clientID,
		RoomID:  roomID,
		done:    make(chan struct{}),
	}

	h.hub.Register <- cl

	go cl.keepAlive()
	go cl.writeMessage()
	go cl.readMessage(h.hub)
}
