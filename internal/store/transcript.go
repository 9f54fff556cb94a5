package store

import (
	"sort"
	"time"

	"console-sync/internal/model"
)

type MergeOutcome int

const (
	MergeInserted MergeOutcome = iota
	MergeConfirmed
	MergeDuplicate
)

type MergeResult struct {
	Outcome MergeOutcome
	// CorrelationID of the pending-local entry that was confirmed, when
	// Outcome is MergeConfirmed.
	CorrelationID string
}

// TranscriptStore owns the message log of the single open conversation. It
// merges three sources into one duplicate-free, timestamp-ordered sequence:
// the initial REST fetch, push-delivered messages, and local optimistic
// sends. The merge is commutative and idempotent, so polling and push can
// interleave in any order.
type TranscriptStore struct {
	phone     string
	messages  []model.Message
	tolerance time.Duration
	fetchErr  bool
}

func NewTranscriptStore(tolerance time.Duration) *TranscriptStore {
	if tolerance <= 0 {
		tolerance = 30 * time.Second
	}
	return &TranscriptStore{tolerance: tolerance}
}

// Reset discards the in-memory transcript and rebinds the store to a new
// conversation. Called on every conversation switch.
func (s *TranscriptStore) Reset(phone string) {
	s.phone = phone
	s.messages = nil
	s.fetchErr = false
}

func (s *TranscriptStore) Phone() string {
	return s.phone
}

// SetFetchFailed flags the transcript as empty-but-retryable after a failed
// REST fetch.
func (s *TranscriptStore) SetFetchFailed(failed bool) {
	s.fetchErr = failed
}

func (s *TranscriptStore) FetchFailed() bool {
	return s.fetchErr
}

// AppendLocal inserts an operator-originated message with status
// pending-local and a client timestamp. The entry stays until a matching
// server echo confirms it; it is never discarded on send failure.
func (s *TranscriptStore) AppendLocal(msg model.Message) {
	msg.Status = model.StatusPendingLocal
	s.insert(msg)
}

// Merge applies a server-originated message (REST history entry or push
// event). A match against a pending-local entry replaces it in place; an
// already-known message is a no-op; anything else is inserted in timestamp
// order.
func (s *TranscriptStore) Merge(incoming model.Message) MergeResult {
	incoming.Status = model.StatusConfirmed

	if incoming.CorrelationID != "" {
		for i := range s.messages {
			if s.messages[i].CorrelationID != incoming.CorrelationID {
				continue
			}
			if s.messages[i].Status == model.StatusConfirmed {
				return MergeResult{Outcome: MergeDuplicate}
			}
			s.messages[i] = incoming
			s.reorder()
			return MergeResult{Outcome: MergeConfirmed, CorrelationID: incoming.CorrelationID}
		}
	}

	if incoming.ID != "" {
		for i := range s.messages {
			if s.messages[i].ID == incoming.ID {
				return MergeResult{Outcome: MergeDuplicate}
			}
		}
	}

	for i := range s.messages {
		m := &s.messages[i]
		if m.Status == model.StatusConfirmed &&
			m.Sender == incoming.Sender &&
			m.Content == incoming.Content &&
			m.Timestamp.Equal(incoming.Timestamp) {
			return MergeResult{Outcome: MergeDuplicate}
		}
	}

	// Echoes without a correlation id fall back to the heuristic match
	// against pending entries: same sender and kind, close in time, and the
	// same content for text (media echoes carry a server URL the local
	// preview cannot know).
	for i := range s.messages {
		m := &s.messages[i]
		if m.Status != model.StatusPendingLocal {
			continue
		}
		if m.Sender != incoming.Sender || m.Kind != incoming.Kind {
			continue
		}
		if absDuration(m.Timestamp.Sub(incoming.Timestamp)) > s.tolerance {
			continue
		}
		if m.Kind == model.KindText && m.Content != incoming.Content {
			continue
		}
		correlation := m.CorrelationID
		incoming.CorrelationID = correlation
		s.messages[i] = incoming
		s.reorder()
		return MergeResult{Outcome: MergeConfirmed, CorrelationID: correlation}
	}

	s.insert(incoming)
	return MergeResult{Outcome: MergeInserted}
}

// MergeHistory applies a full REST fetch and returns the correlation ids of
// any pending-local entries it confirmed.
func (s *TranscriptStore) MergeHistory(history []model.Message) []string {
	var confirmed []string
	for _, msg := range history {
		result := s.Merge(msg)
		if result.Outcome == MergeConfirmed && result.CorrelationID != "" {
			confirmed = append(confirmed, result.CorrelationID)
		}
	}
	s.fetchErr = false
	return confirmed
}

// Messages returns the display sequence: timestamp order with a
// deterministic identity tie-break.
func (s *TranscriptStore) Messages() []model.Message {
	out := make([]model.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Pending returns the operator messages still awaiting confirmation.
func (s *TranscriptStore) Pending() []model.Message {
	var out []model.Message
	for _, m := range s.messages {
		if m.Status == model.StatusPendingLocal {
			out = append(out, m)
		}
	}
	return out
}

func (s *TranscriptStore) insert(msg model.Message) {
	s.messages = append(s.messages, msg)
	s.reorder()
}

func (s *TranscriptStore) reorder() {
	sort.SliceStable(s.messages, func(i, j int) bool {
		a, b := s.messages[i], s.messages[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.Identity() < b.Identity()
	})
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
