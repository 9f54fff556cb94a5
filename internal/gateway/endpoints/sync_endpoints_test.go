package endpoints

import (
	"bytes"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"console-sync/internal/capture"
	"console-sync/internal/dto"
	"console-sync/internal/model"
)

type fakeSyncService struct {
	conversations []model.Conversation
	transcript    []model.Message
	openPhone     string
	fetchFailed   bool

	openErr    error
	sendErr    error
	pressErr   error
	releaseErr error

	openedPhones  []string
	sentTexts     map[string]string
	sentVoice     map[string][]byte
	sentMedia     map[string]string
	retried       []string
	moved         []float64
	released      bool
	releaseMsg    model.Message
	releaseCancel bool
	captureState  capture.State
}

func newFakeSyncService() *fakeSyncService {
	return &fakeSyncService{
		sentTexts:    make(map[string]string),
		sentVoice:    make(map[string][]byte),
		sentMedia:    make(map[string]string),
		captureState: capture.StateRecording,
	}
}

func (f *fakeSyncService) ListSnapshot() []model.Conversation {
	return f.conversations
}

func (f *fakeSyncService) Open(phone string) ([]model.Message, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.openedPhones = append(f.openedPhones, phone)
	f.openPhone = phone
	return f.transcript, nil
}

func (f *fakeSyncService) TranscriptSnapshot() (string, []model.Message, bool) {
	return f.openPhone, f.transcript, f.fetchFailed
}

func (f *fakeSyncService) SendText(phone, text string) (model.Message, error) {
	if f.sendErr != nil {
		return model.Message{}, f.sendErr
	}
	f.sentTexts[phone] = text
	return model.Message{
		CorrelationID: "corr-1",
		Sender:        model.SenderAssistant,
		Kind:          model.KindText,
		Content:       text,
		Timestamp:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Status:        model.StatusPendingLocal,
	}, nil
}

func (f *fakeSyncService) SendVoice(phone string, payload []byte) (model.Message, error) {
	if f.sendErr != nil {
		return model.Message{}, f.sendErr
	}
	f.sentVoice[phone] = payload
	return model.Message{
		CorrelationID: "corr-2",
		Sender:        model.SenderAssistant,
		Kind:          model.KindAudio,
		Content:       "pending://corr-2",
		Status:        model.StatusPendingLocal,
	}, nil
}

func (f *fakeSyncService) SendMedia(phone, filename string, payload []byte) (model.Message, error) {
	if f.sendErr != nil {
		return model.Message{}, f.sendErr
	}
	f.sentMedia[phone] = filename
	return model.Message{
		CorrelationID: "corr-3",
		Sender:        model.SenderAssistant,
		Kind:          model.KindImage,
		Content:       "pending://corr-3",
		Status:        model.StatusPendingLocal,
	}, nil
}

func (f *fakeSyncService) RetryPending(correlationID string) error {
	f.retried = append(f.retried, correlationID)
	return nil
}

func (f *fakeSyncService) CapturePress() error {
	return f.pressErr
}

func (f *fakeSyncService) CaptureMove(dx float64) capture.State {
	f.moved = append(f.moved, dx)
	return f.captureState
}

func (f *fakeSyncService) CaptureRelease() (model.Message, bool, error) {
	f.released = true
	return f.releaseMsg, f.releaseCancel, f.releaseErr
}

func newTestEndpoints(service SyncService) *SyncEndpoints {
	return NewSyncEndpoints(service, nil, nil, "tenant-1")
}

func TestConversationsListsSnapshot(t *testing.T) {
	service := newFakeSyncService()
	service.conversations = []model.Conversation{
		{Phone: "48500100200", LastMessage: "hi", LastTimestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), Unread: 2, Online: true},
	}
	e := newTestEndpoints(service)

	req := httptest.NewRequest(http.MethodGet, "/conversations", nil)
	rec := httptest.NewRecorder()
	if err := e.Conversations(rec, req); err != nil {
		t.Fatalf("handler: %v", err)
	}

	var resp dto.ListConversationsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Conversations) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(resp.Conversations))
	}
	c := resp.Conversations[0]
	if c.Phone != "48500100200" || c.Unread != 2 || !c.Online {
		t.Fatalf("unexpected conversation %+v", c)
	}
}

func TestConversationsRejectsPost(t *testing.T) {
	e := newTestEndpoints(newFakeSyncService())
	req := httptest.NewRequest(http.MethodPost, "/conversations", nil)
	rec := httptest.NewRecorder()

	err := e.Conversations(rec, req)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %v", err)
	}
}

func TestOpenConversationReturnsTranscript(t *testing.T) {
	service := newFakeSyncService()
	service.transcript = []model.Message{
		{ID: "m-1", Sender: model.SenderCustomer, Kind: model.KindText, Content: "hello", Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	e := newTestEndpoints(service)

	req := httptest.NewRequest(http.MethodGet, "/conversations/48500100200", nil)
	rec := httptest.NewRecorder()
	if err := e.Conversation(rec, req); err != nil {
		t.Fatalf("handler: %v", err)
	}

	if len(service.openedPhones) != 1 || service.openedPhones[0] != "48500100200" {
		t.Fatalf("opened phones = %v", service.openedPhones)
	}

	var resp dto.TranscriptResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Phone != "48500100200" {
		t.Fatalf("phone = %s", resp.Phone)
	}
	if len(resp.ConversationHistory) != 1 || resp.ConversationHistory[0].Content != "hello" {
		t.Fatalf("history = %+v", resp.ConversationHistory)
	}
}

func TestSendMessageValidatesBody(t *testing.T) {
	e := newTestEndpoints(newFakeSyncService())

	body := bytes.NewBufferString(`{"message":"   "}`)
	req := httptest.NewRequest(http.MethodPost, "/conversations/48500100200/messages", body)
	rec := httptest.NewRecorder()

	err := e.Conversation(rec, req)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestSendMessageReturnsOptimisticCopy(t *testing.T) {
	service := newFakeSyncService()
	e := newTestEndpoints(service)

	body := bytes.NewBufferString(`{"message":"on my way"}`)
	req := httptest.NewRequest(http.MethodPost, "/conversations/48500100200/messages", body)
	rec := httptest.NewRecorder()
	if err := e.Conversation(rec, req); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if service.sentTexts["48500100200"] != "on my way" {
		t.Fatalf("sent texts = %v", service.sentTexts)
	}

	var resp dto.SendMessageResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Message.Status != string(model.StatusPendingLocal) {
		t.Fatalf("status = %s", resp.Message.Status)
	}
}

func TestSendVoiceAcceptsMultipart(t *testing.T) {
	service := newFakeSyncService()
	e := newTestEndpoints(service)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("audio", "voice.ogg")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	part.Write([]byte("ogg-data"))
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/conversations/48500100200/voice", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rec := httptest.NewRecorder()
	if err := e.Conversation(rec, req); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if string(service.sentVoice["48500100200"]) != "ogg-data" {
		t.Fatalf("voice payload = %q", service.sentVoice["48500100200"])
	}
}

func TestSendMediaAcceptsMultipart(t *testing.T) {
	service := newFakeSyncService()
	e := newTestEndpoints(service)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("media", "receipt.png")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	part.Write([]byte("png-data"))
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/conversations/48500100200/media", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rec := httptest.NewRecorder()
	if err := e.Conversation(rec, req); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if service.sentMedia["48500100200"] != "receipt.png" {
		t.Fatalf("media filename = %q", service.sentMedia["48500100200"])
	}
}

func TestSendMediaWithoutFileIs400(t *testing.T) {
	service := newFakeSyncService()
	e := newTestEndpoints(service)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	writer.WriteField("note", "no file here")
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/conversations/48500100200/media", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rec := httptest.NewRecorder()

	err := e.Conversation(rec, req)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestUnknownSubresourceIs404(t *testing.T) {
	e := newTestEndpoints(newFakeSyncService())
	req := httptest.NewRequest(http.MethodGet, "/conversations/48500100200/attachments", nil)
	rec := httptest.NewRecorder()

	err := e.Conversation(rec, req)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestRetryPendingParsesCorrelationID(t *testing.T) {
	service := newFakeSyncService()
	e := newTestEndpoints(service)

	req := httptest.NewRequest(http.MethodPost, "/outbox/corr-9/retry", nil)
	rec := httptest.NewRecorder()
	if err := e.RetryPending(rec, req); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if len(service.retried) != 1 || service.retried[0] != "corr-9" {
		t.Fatalf("retried = %v", service.retried)
	}
}

func TestCapturePressPermissionDenied(t *testing.T) {
	service := newFakeSyncService()
	service.pressErr = &capture.PermissionError{Err: errors.New("denied")}
	e := newTestEndpoints(service)

	req := httptest.NewRequest(http.MethodPost, "/capture/press", nil)
	rec := httptest.NewRecorder()

	err := e.CapturePress(rec, req)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", err)
	}
}

func TestCaptureMoveReportsState(t *testing.T) {
	service := newFakeSyncService()
	service.captureState = capture.StateCancelled
	e := newTestEndpoints(service)

	body := bytes.NewBufferString(`{"dx":-90}`)
	req := httptest.NewRequest(http.MethodPost, "/capture/move", body)
	rec := httptest.NewRecorder()
	if err := e.CaptureMove(rec, req); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if len(service.moved) != 1 || service.moved[0] != -90 {
		t.Fatalf("moved = %v", service.moved)
	}

	var resp dto.CaptureStateResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.State != string(capture.StateCancelled) {
		t.Fatalf("state = %s", resp.State)
	}
}

func TestCaptureReleaseCancelled(t *testing.T) {
	service := newFakeSyncService()
	service.releaseCancel = true
	e := newTestEndpoints(service)

	req := httptest.NewRequest(http.MethodPost, "/capture/release", nil)
	rec := httptest.NewRecorder()
	if err := e.CaptureRelease(rec, req); err != nil {
		t.Fatalf("handler: %v", err)
	}

	var resp dto.CaptureReleaseResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Cancelled {
		t.Fatal("cancelled flag not set")
	}
	if resp.Message != nil {
		t.Fatal("cancelled release must not carry a message")
	}
	if resp.State != string(capture.StateIdle) {
		t.Fatalf("state = %s", resp.State)
	}
}

func TestCaptureChunkWithoutDevice(t *testing.T) {
	e := newTestEndpoints(newFakeSyncService())

	req := httptest.NewRequest(http.MethodPost, "/capture/chunk", bytes.NewBufferString("data"))
	rec := httptest.NewRecorder()

	err := e.CaptureChunk(rec, req)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestCaptureChunkFeedsDevice(t *testing.T) {
	device := capture.NewChunkDevice()
	if err := device.Start(); err != nil {
		t.Fatalf("start device: %v", err)
	}
	e := NewSyncEndpoints(newFakeSyncService(), nil, device, "tenant-1")

	req := httptest.NewRequest(http.MethodPost, "/capture/chunk", bytes.NewBufferString("chunk-1"))
	rec := httptest.NewRecorder()
	if err := e.CaptureChunk(rec, req); err != nil {
		t.Fatalf("handler: %v", err)
	}

	payload, err := device.Stop()
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if string(payload) != "chunk-1" {
		t.Fatalf("payload = %q", payload)
	}
}
