package dto

type ConversationSummary struct {
	Phone         string `json:"phone"`
	LastMessage   string `json:"lastMessage"`
	LastTimestamp string `json:"lastTimestamp"`
	Unread        int    `json:"unread"`
	Online        bool   `json:"online"`
	Typing        bool   `json:"typing,omitempty"`
}

type ListConversationsResponse struct {
	Conversations []ConversationSummary `json:"conversations"`
}

type MessageResponse struct {
	ID            string            `json:"id,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Sender        string            `json:"sender"`
	Type          string            `json:"type"`
	Content       string            `json:"content"`
	Meta          map[string]string `json:"meta,omitempty"`
	Timestamp     string            `json:"timestamp"`
	Status        string            `json:"status,omitempty"`
}

type TranscriptResponse struct {
	Phone               string            `json:"phone"`
	ConversationHistory []MessageResponse `json:"conversationHistory"`
	FetchFailed         bool              `json:"fetchFailed,omitempty"`
}

type SendMessageRequest struct {
	Message string `json:"message"`
}

type SendMessageResponse struct {
	Message MessageResponse `json:"message"`
}

type CaptureMoveRequest struct {
	Dx float64 `json:"dx"`
}

type CaptureStateResponse struct {
	State string `json:"state"`
}

type CaptureReleaseResponse struct {
	State     string           `json:"state"`
	Cancelled bool             `json:"cancelled"`
	Message   *MessageResponse `json:"message,omitempty"`
}
