package model

import "time"

// Conversation is one row of the sidebar list: a tenant-scoped phone identity
// plus the preview state the list store owns for it.
type Conversation struct {
	Phone         string    `json:"phone"`
	LastMessage   string    `json:"lastMessage"`
	LastTimestamp time.Time `json:"lastTimestamp"`
	Unread        int       `json:"unread"`
	Online        bool      `json:"online"`
	Typing        bool      `json:"typing"`
}

type SenderRole string

const (
	SenderCustomer  SenderRole = "customer"
	SenderAssistant SenderRole = "assistant"
)

type ContentKind string

const (
	KindText  ContentKind = "text"
	KindAudio ContentKind = "audio"
	KindImage ContentKind = "image"
	KindVideo ContentKind = "video"
)

type DeliveryStatus string

const (
	// StatusPendingLocal marks an operator message inserted optimistically
	// before the backend acknowledged it.
	StatusPendingLocal DeliveryStatus = "pending-local"
	StatusConfirmed    DeliveryStatus = "confirmed"
)

// Message is a single transcript entry. Content is either the text body or a
// dereferenceable media URL depending on Kind. CorrelationID is client
// generated for operator sends and echoed back by the backend so the optimistic
// copy can be replaced in place.
type Message struct {
	ID            string            `json:"id,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Sender        SenderRole        `json:"sender"`
	Kind          ContentKind       `json:"type"`
	Content       string            `json:"content"`
	Meta          map[string]string `json:"meta,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Status        DeliveryStatus    `json:"status,omitempty"`
}

// Identity returns a key that is stable across redeliveries of the same
// message. Server IDs win; messages without one fall back to the correlation
// ID and finally to the content triple.
func (m Message) Identity() string {
	if m.ID != "" {
		return "id:" + m.ID
	}
	if m.CorrelationID != "" {
		return "corr:" + m.CorrelationID
	}
	return "tuple:" + string(m.Sender) + "|" + m.Content + "|" + m.Timestamp.UTC().Format(time.RFC3339Nano)
}
