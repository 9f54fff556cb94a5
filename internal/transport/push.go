package transport

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"console-sync/internal/model"
	"console-sync/internal/session"

	"github.com/gorilla/websocket"
)

// Topic scopes a push subscription: the tenant-wide stream held for the whole
// session, or a per-phone stream held while that transcript is open.
type Topic string

func TenantTopic(tenantID string) Topic {
	return Topic("tenant:" + tenantID)
}

func PhoneTopic(phone string) Topic {
	return Topic("phone:" + phone)
}

type controlFrame struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

type pushFrame struct {
	Event   string       `json:"event"`
	Phone   string       `json:"phone"`
	Message *wireMessage `json:"message,omitempty"`
	Unread  int          `json:"unread"`
	Online  bool         `json:"online"`
	Typing  bool         `json:"typing"`
}

const (
	pushKeepAliveInterval = 30 * time.Second
	pushReadLimit         = 512 * 1024
	pushBackoffInitial    = time.Second
	pushBackoffMax        = 30 * time.Second
)

// PushChannel maintains the single websocket connection of the session.
// Subscriptions are idempotent and recorded so a transport-level reconnect
// replays every active topic; the server forgets them when the socket drops.
type PushChannel struct {
	url     string
	session *session.Session

	mu       sync.Mutex
	conn     *websocket.Conn
	subs     map[Topic]bool
	isClosed bool

	events chan model.PushEvent
	done   chan struct{}
}

func NewPushChannel(url string, sess *session.Session) *PushChannel {
	return &PushChannel{
		url:     url,
		session: sess,
		subs:    make(map[Topic]bool),
		events:  make(chan model.PushEvent, 256),
		done:    make(chan struct{}),
	}
}

// Events exposes the inbound stream. Frames are delivered FIFO per
// connection; no ordering is guaranteed relative to REST responses.
func (p *PushChannel) Events() <-chan model.PushEvent {
	return p.events
}

// Start runs the connect/read/reconnect loop until Close.
func (p *PushChannel) Start() {
	go p.run()
}

func (p *PushChannel) run() {
	backoff := pushBackoffInitial

	for {
		select {
		case <-p.done:
			return
		default:
		}

		conn, err := p.connect()
		if err != nil {
			log.Printf("push channel: connect failed: %v", err)
			incReconnects()
			select {
			case <-p.done:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > pushBackoffMax {
				backoff = pushBackoffMax
			}
			continue
		}

		backoff = pushBackoffInitial
		setConnected(true)
		p.resubscribe()

		stopPing := make(chan struct{})
		go p.keepAlive(conn, stopPing)

		p.readLoop(conn)

		close(stopPing)
		setConnected(false)

		p.mu.Lock()
		p.conn = nil
		closed := p.isClosed
		p.mu.Unlock()

		if closed {
			return
		}
		log.Printf("push channel: connection lost, reconnecting")
		incReconnects()
	}
}

func (p *PushChannel) connect() (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+p.session.Token())
	header.Set("x-tenant-id", p.session.TenantID())

	conn, _, err := websocket.DefaultDialer.Dial(p.url, header)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(pushReadLimit)

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()

	return conn, nil
}

func (p *PushChannel) keepAlive(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(pushKeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-p.done:
			return
		case <-ticker.C:
			p.mu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			p.mu.Unlock()
			if err != nil {
				log.Printf("push channel: ping error: %v", err)
				return
			}
		}
	}
}

func (p *PushChannel) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if closeErr, ok := err.(*websocket.CloseError); ok {
				if closeErr.Code == websocket.CloseNormalClosure ||
					closeErr.Code == websocket.CloseGoingAway ||
					closeErr.Code == websocket.CloseNoStatusReceived {
					return
				}
			}
			p.mu.Lock()
			closed := p.isClosed
			p.mu.Unlock()
			if !closed {
				log.Printf("push channel: read error: %v", err)
			}
			return
		}

		var frame pushFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.Printf("push channel: dropping malformed frame: %v", err)
			continue
		}

		event, ok := decodeFrame(frame)
		if !ok {
			log.Printf("push channel: dropping frame with unknown event %q", frame.Event)
			continue
		}

		incEvent(string(event.Kind))

		select {
		case p.events <- event:
		default:
			log.Printf("push channel: event buffer full, dropping %s for %s", event.Kind, event.Phone)
		}
	}
}

func decodeFrame(frame pushFrame) (model.PushEvent, bool) {
	event := model.PushEvent{
		Phone:  frame.Phone,
		Unread: frame.Unread,
		Online: frame.Online,
		Typing: frame.Typing,
	}

	switch model.EventKind(frame.Event) {
	case model.EventNewMessage:
		event.Kind = model.EventNewMessage
		if frame.Message == nil {
			return model.PushEvent{}, false
		}
		msg := DecodeMessage(
			frame.Message.ID,
			frame.Message.CorrelationID,
			frame.Message.Sender,
			frame.Message.Type,
			frame.Message.Content,
			frame.Message.Timestamp,
			frame.Message.Meta,
		)
		event.Message = &msg
	case model.EventUnread:
		event.Kind = model.EventUnread
	case model.EventPresence:
		event.Kind = model.EventPresence
	case model.EventTyping:
		event.Kind = model.EventTyping
	default:
		return model.PushEvent{}, false
	}

	if event.Phone == "" {
		return model.PushEvent{}, false
	}
	return event, true
}

// Subscribe registers interest in a topic. Subscribing twice is a no-op.
func (p *PushChannel) Subscribe(topic Topic) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.subs[topic] {
		return
	}
	p.subs[topic] = true
	p.writeControlLocked("subscribe", topic)
}

func (p *PushChannel) Unsubscribe(topic Topic) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.subs[topic] {
		return
	}
	delete(p.subs, topic)
	p.writeControlLocked("unsubscribe", topic)
}

// resubscribe replays the registry after a reconnect.
func (p *PushChannel) resubscribe() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for topic := range p.subs {
		p.writeControlLocked("subscribe", topic)
	}
}

func (p *PushChannel) writeControlLocked(action string, topic Topic) {
	if p.conn == nil {
		return
	}
	err := p.conn.WriteJSON(controlFrame{Action: action, Topic: string(topic)})
	if err != nil {
		log.Printf("push channel: %s %s failed: %v", action, topic, err)
	}
}

func (p *PushChannel) Close() {
	p.mu.Lock()
	if p.isClosed {
		p.mu.Unlock()
		return
	}
	p.isClosed = true
	conn := p.conn
	p.mu.Unlock()

	close(p.done)
	if conn != nil {
		conn.Close()
	}
}
