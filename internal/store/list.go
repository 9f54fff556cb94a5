package store

import (
	"sort"

	"console-sync/internal/model"
)

// ListStore owns preview, unread and presence state for every known
// conversation. It is a plain data structure: all mutation happens through
// the update methods below, on the syncer goroutine.
type ListStore struct {
	entries map[string]*model.Conversation
	open    string
}

func NewListStore() *ListStore {
	return &ListStore{
		entries: make(map[string]*model.Conversation),
	}
}

// SetOpen records which conversation the operator is looking at. Opening
// forces the entry seen locally; the server-side mark-read is the caller's
// concern and never blocks this transition.
func (s *ListStore) SetOpen(phone string) {
	s.open = phone
	if phone == "" {
		return
	}
	if entry, ok := s.entries[phone]; ok {
		entry.Unread = 0
	}
}

func (s *ListStore) Open() string {
	return s.open
}

// ApplySnapshot merges a REST list refresh. Server values win, except that
// the open conversation stays seen and entries the push channel synthesized
// since the fetch left are kept.
func (s *ListStore) ApplySnapshot(list []model.Conversation) {
	for _, conv := range list {
		conv := conv
		if existing, ok := s.entries[conv.Phone]; ok {
			conv.Typing = existing.Typing
			if existing.LastTimestamp.After(conv.LastTimestamp) {
				conv.LastMessage = existing.LastMessage
				conv.LastTimestamp = existing.LastTimestamp
			}
		}
		if conv.Phone == s.open {
			conv.Unread = 0
		}
		s.entries[conv.Phone] = &conv
	}
}

// ApplyNewMessage refreshes preview state for a new_message event. Events for
// the open conversation keep unread at zero; the message itself belongs to
// the transcript store. Unknown phones are synthesized on the spot.
func (s *ListStore) ApplyNewMessage(phone string, msg model.Message) {
	entry, ok := s.entries[phone]
	if !ok {
		unread := 1
		if phone == s.open {
			unread = 0
		}
		s.entries[phone] = &model.Conversation{
			Phone:         phone,
			LastMessage:   previewText(msg),
			LastTimestamp: msg.Timestamp,
			Unread:        unread,
		}
		return
	}

	if !msg.Timestamp.Before(entry.LastTimestamp) {
		entry.LastMessage = previewText(msg)
		entry.LastTimestamp = msg.Timestamp
	}
	if phone != s.open {
		entry.Unread++
	}
}

func (s *ListStore) ApplyUnread(phone string, unread int) {
	if unread < 0 {
		unread = 0
	}
	if phone == s.open {
		unread = 0
	}
	if entry, ok := s.entries[phone]; ok {
		entry.Unread = unread
		return
	}
	if unread > 0 {
		s.entries[phone] = &model.Conversation{Phone: phone, Unread: unread}
	}
}

func (s *ListStore) ApplyPresence(phone string, online bool) {
	if entry, ok := s.entries[phone]; ok {
		entry.Online = online
	}
}

func (s *ListStore) ApplyTyping(phone string, typing bool) {
	if entry, ok := s.entries[phone]; ok {
		entry.Typing = typing
	}
}

func (s *ListStore) MarkSeen(phone string) {
	if entry, ok := s.entries[phone]; ok {
		entry.Unread = 0
	}
}

// Snapshot returns the list most-recently-active first, tie-broken by phone
// ascending so equal timestamps order deterministically.
func (s *ListStore) Snapshot() []model.Conversation {
	list := make([]model.Conversation, 0, len(s.entries))
	for _, entry := range s.entries {
		list = append(list, *entry)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].LastTimestamp.Equal(list[j].LastTimestamp) {
			return list[i].LastTimestamp.After(list[j].LastTimestamp)
		}
		return list[i].Phone < list[j].Phone
	})
	return list
}

func previewText(msg model.Message) string {
	switch msg.Kind {
	case model.KindAudio:
		return "[audio]"
	case model.KindImage:
		return "[image]"
	case model.KindVideo:
		return "[video]"
	default:
		return msg.Content
	}
}
