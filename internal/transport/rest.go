package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"console-sync/internal/model"
	"console-sync/internal/session"
)

// Client is the REST half of the transport adapter. Every request carries the
// session bearer token and tenant header; rejected credentials map to the auth
// error code so the caller can tear the session down.
type Client struct {
	baseURL string
	http    *http.Client
	session *session.Session
}

func NewClient(baseURL string, timeout time.Duration, sess *session.Session) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		session: sess,
	}
}

type wireConversation struct {
	Phone         string `json:"phone"`
	LastMessage   string `json:"lastMessage"`
	LastTimestamp string `json:"lastTimestamp"`
	Unread        int    `json:"unread"`
	Online        bool   `json:"online"`
}

type conversationsResponse struct {
	Conversations []wireConversation `json:"conversations"`
}

type wireMessage struct {
	ID            string            `json:"id"`
	CorrelationID string            `json:"correlationId"`
	Sender        string            `json:"sender"`
	Type          string            `json:"type"`
	Content       string            `json:"content"`
	Timestamp     string            `json:"timestamp"`
	Meta          map[string]string `json:"meta,omitempty"`
}

type transcriptResponse struct {
	ConversationHistory []wireMessage `json:"conversationHistory"`
}

type sendTextRequest struct {
	Phone         string `json:"phone"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId,omitempty"`
}

func (c *Client) FetchConversations(ctx context.Context) ([]model.Conversation, error) {
	body, err := c.get(ctx, "/conversations")
	if err != nil {
		return nil, err
	}

	var resp conversationsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, newError(ErrorCodeInternal, "decode conversation list", err)
	}

	conversations := make([]model.Conversation, 0, len(resp.Conversations))
	for _, w := range resp.Conversations {
		conversations = append(conversations, model.Conversation{
			Phone:         w.Phone,
			LastMessage:   w.LastMessage,
			LastTimestamp: ParseTimestamp(w.LastTimestamp),
			Unread:        w.Unread,
			Online:        w.Online,
		})
	}
	return conversations, nil
}

func (c *Client) FetchTranscript(ctx context.Context, phone string) ([]model.Message, error) {
	if phone == "" {
		return nil, newError(ErrorCodeValidation, "phone is required", nil)
	}

	body, err := c.get(ctx, "/conversations/"+phone)
	if err != nil {
		return nil, err
	}

	var resp transcriptResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, newError(ErrorCodeInternal, "decode transcript", err)
	}

	messages := make([]model.Message, 0, len(resp.ConversationHistory))
	for _, w := range resp.ConversationHistory {
		messages = append(messages, DecodeMessage(w.ID, w.CorrelationID, w.Sender, w.Type, w.Content, w.Timestamp, w.Meta))
	}
	return messages, nil
}

// MarkRead is best-effort; callers ignore its failure.
func (c *Client) MarkRead(ctx context.Context, phone string) error {
	if phone == "" {
		return newError(ErrorCodeValidation, "phone is required", nil)
	}
	_, err := c.postJSON(ctx, "/conversations/"+phone+"/mark-read", struct{}{})
	return err
}

func (c *Client) SendText(ctx context.Context, phone, text, correlationID string) error {
	if phone == "" {
		return newError(ErrorCodeValidation, "phone is required", nil)
	}
	if strings.TrimSpace(text) == "" {
		return newError(ErrorCodeValidation, "message body is required", nil)
	}

	_, err := c.postJSON(ctx, "/messages/send", sendTextRequest{
		Phone:         phone,
		Message:       text,
		CorrelationID: correlationID,
	})
	return err
}

func (c *Client) SendVoice(ctx context.Context, phone string, payload []byte, correlationID string) error {
	return c.sendMultipart(ctx, "/messages/send-voice", phone, "audio", "voice.ogg", payload, correlationID)
}

func (c *Client) SendMedia(ctx context.Context, phone, filename string, payload []byte, correlationID string) error {
	if filename == "" {
		filename = "media.bin"
	}
	return c.sendMultipart(ctx, "/messages/send-media", phone, "media", filename, payload, correlationID)
}

func (c *Client) sendMultipart(ctx context.Context, path, phone, field, filename string, payload []byte, correlationID string) error {
	if phone == "" {
		return newError(ErrorCodeValidation, "phone is required", nil)
	}
	if len(payload) == 0 {
		return newError(ErrorCodeValidation, "payload is empty", nil)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	if err := writer.WriteField("phone", phone); err != nil {
		return newError(ErrorCodeInternal, "build multipart request", err)
	}
	if correlationID != "" {
		if err := writer.WriteField("correlationId", correlationID); err != nil {
			return newError(ErrorCodeInternal, "build multipart request", err)
		}
	}
	part, err := writer.CreateFormFile(field, filename)
	if err != nil {
		return newError(ErrorCodeInternal, "build multipart request", err)
	}
	if _, err := part.Write(payload); err != nil {
		return newError(ErrorCodeInternal, "build multipart request", err)
	}
	if err := writer.Close(); err != nil {
		return newError(ErrorCodeInternal, "build multipart request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return newError(ErrorCodeInternal, "build request", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	_, err = c.do(req)
	return err
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, newError(ErrorCodeInternal, "build request", err)
	}
	return c.do(req)
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, newError(ErrorCodeInternal, "encode request body", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, newError(ErrorCodeInternal, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Authorization", "Bearer "+c.session.Token())
	req.Header.Set("x-tenant-id", c.session.TenantID())

	resp, err := c.http.Do(req)
	if err != nil {
		incRESTFailure(ErrorCodeNetwork)
		return nil, newError(ErrorCodeNetwork, fmt.Sprintf("request %s failed", req.URL.Path), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		incRESTFailure(ErrorCodeNetwork)
		return nil, newError(ErrorCodeNetwork, "read response body", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		incRESTFailure(ErrorCodeAuth)
		return nil, newError(ErrorCodeAuth, "credentials rejected", nil)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		incRESTFailure(ErrorCodeValidation)
		return nil, newError(ErrorCodeValidation, fmt.Sprintf("request rejected: %s", strings.TrimSpace(string(body))), nil)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		incRESTFailure(ErrorCodeInternal)
		return nil, newError(ErrorCodeInternal, fmt.Sprintf("unexpected status %d from %s", resp.StatusCode, req.URL.Path), nil)
	}

	return body, nil
}

// DecodeMessage normalizes a wire message into the domain model. The backend
// historically labeled operator traffic "ai"; both spellings are accepted.
func DecodeMessage(id, correlationID, sender, kind, content, timestamp string, meta map[string]string) model.Message {
	return model.Message{
		ID:            id,
		CorrelationID: correlationID,
		Sender:        normalizeSender(sender),
		Kind:          normalizeKind(kind),
		Content:       content,
		Meta:          meta,
		Timestamp:     ParseTimestamp(timestamp),
		Status:        model.StatusConfirmed,
	}
}

func normalizeSender(sender string) model.SenderRole {
	switch strings.ToLower(strings.TrimSpace(sender)) {
	case "ai", "assistant", "operator", "agent":
		return model.SenderAssistant
	default:
		return model.SenderCustomer
	}
}

func normalizeKind(kind string) model.ContentKind {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "audio":
		return model.KindAudio
	case "image":
		return model.KindImage
	case "video":
		return model.KindVideo
	default:
		return model.KindText
	}
}

// ParseTimestamp accepts the RFC3339 strings the backend emits as well as the
// epoch-millisecond integers older revisions used.
func ParseTimestamp(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts
	}
	if millis, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.UnixMilli(millis).UTC()
	}
	return time.Time{}
}
