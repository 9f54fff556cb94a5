package endpoints

import (
	"time"

	"console-sync/internal/dto"
	"console-sync/internal/model"
)

func toConversationSummary(c model.Conversation) dto.ConversationSummary {
	return dto.ConversationSummary{
		Phone:         c.Phone,
		LastMessage:   c.LastMessage,
		LastTimestamp: c.LastTimestamp.Format(time.RFC3339Nano),
		Unread:        c.Unread,
		Online:        c.Online,
		Typing:        c.Typing,
	}
}

func toMessageResponse(m model.Message) dto.MessageResponse {
	return dto.MessageResponse{
		ID:            m.ID,
		CorrelationID: m.CorrelationID,
		Sender:        string(m.Sender),
		Type:          string(m.Kind),
		Content:       m.Content,
		Meta:          m.Meta,
		Timestamp:     m.Timestamp.Format(time.RFC3339Nano),
		Status:        string(m.Status),
	}
}

func toTranscriptResponse(phone string, messages []model.Message, fetchFailed bool) dto.TranscriptResponse {
	history := make([]dto.MessageResponse, 0, len(messages))
	for _, m := range messages {
		history = append(history, toMessageResponse(m))
	}
	return dto.TranscriptResponse{
		Phone:               phone,
		ConversationHistory: history,
		FetchFailed:         fetchFailed,
	}
}
