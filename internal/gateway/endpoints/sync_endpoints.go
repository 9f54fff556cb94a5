package endpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"console-sync/internal/capture"
	"console-sync/internal/dto"
	"console-sync/internal/gateway/ws"
	"console-sync/internal/model"
)

// SyncService is the slice of the sync agent the console endpoints drive.
type SyncService interface {
	ListSnapshot() []model.Conversation
	Open(phone string) ([]model.Message, error)
	TranscriptSnapshot() (string, []model.Message, bool)
	SendText(phone, text string) (model.Message, error)
	SendVoice(phone string, payload []byte) (model.Message, error)
	SendMedia(phone, filename string, payload []byte) (model.Message, error)
	RetryPending(correlationID string) error
	CapturePress() error
	CaptureMove(dx float64) capture.State
	CaptureRelease() (model.Message, bool, error)
}

// Feeder receives streamed audio chunks while a recording is in progress.
type Feeder interface {
	Feed(chunk []byte) error
}

type SyncEndpoints struct {
	service   SyncService
	wsHandler *ws.Handler
	feeder    Feeder
	tenantID  string
}

func NewSyncEndpoints(service SyncService, wsHandler *ws.Handler, feeder Feeder, tenantID string) *SyncEndpoints {
	return &SyncEndpoints{
		service:   service,
		wsHandler: wsHandler,
		feeder:    feeder,
		tenantID:  tenantID,
	}
}

func (e *SyncEndpoints) Conversations(w http.ResponseWriter, r *http.Request) error {
	return MethodHandler(w, r, map[string]func(http.ResponseWriter, *http.Request) error{
		http.MethodGet: e.handleListConversations,
	})
}

func (e *SyncEndpoints) Conversation(w http.ResponseWriter, r *http.Request) error {
	phone, rest, err := conversationPath(r)
	if err != nil {
		return err
	}

	switch rest {
	case "":
		return MethodHandler(w, r, map[string]func(http.ResponseWriter, *http.Request) error{
			http.MethodGet: func(w http.ResponseWriter, r *http.Request) error {
				return e.handleOpenConversation(w, phone)
			},
		})
	case "messages":
		return MethodHandler(w, r, map[string]func(http.ResponseWriter, *http.Request) error{
			http.MethodPost: func(w http.ResponseWriter, r *http.Request) error {
				return e.handleSendMessage(w, r, phone)
			},
		})
	case "voice":
		return MethodHandler(w, r, map[string]func(http.ResponseWriter, *http.Request) error{
			http.MethodPost: func(w http.ResponseWriter, r *http.Request) error {
				return e.handleSendVoice(w, r, phone)
			},
		})
	case "media":
		return MethodHandler(w, r, map[string]func(http.ResponseWriter, *http.Request) error{
			http.MethodPost: func(w http.ResponseWriter, r *http.Request) error {
				return e.handleSendMedia(w, r, phone)
			},
		})
	default:
		return &HTTPError{
			StatusCode: http.StatusNotFound,
			Message:    "Not found.",
			ErrorLog:   fmt.Errorf("unknown conversation subresource %q", rest),
		}
	}
}

func (e *SyncEndpoints) RetryPending(w http.ResponseWriter, r *http.Request) error {
	return MethodHandler(w, r, map[string]func(http.ResponseWriter, *http.Request) error{
		http.MethodPost: e.handleRetryPending,
	})
}

func (e *SyncEndpoints) CapturePress(w http.ResponseWriter, r *http.Request) error {
	return MethodHandler(w, r, map[string]func(http.ResponseWriter, *http.Request) error{
		http.MethodPost: e.handleCapturePress,
	})
}

func (e *SyncEndpoints) CaptureMove(w http.ResponseWriter, r *http.Request) error {
	return MethodHandler(w, r, map[string]func(http.ResponseWriter, *http.Request) error{
		http.MethodPost: e.handleCaptureMove,
	})
}

func (e *SyncEndpoints) CaptureRelease(w http.ResponseWriter, r *http.Request) error {
	return MethodHandler(w, r, map[string]func(http.ResponseWriter, *http.Request) error{
		http.MethodPost: e.handleCaptureRelease,
	})
}

func (e *SyncEndpoints) CaptureChunk(w http.ResponseWriter, r *http.Request) error {
	return MethodHandler(w, r, map[string]func(http.ResponseWriter, *http.Request) error{
		http.MethodPost: e.handleCaptureChunk,
	})
}

// Websocket attaches a console client to the tenant event room. Every
// connected console observes the same stream of list and transcript updates.
func (e *SyncEndpoints) Websocket(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		return &HTTPError{
			StatusCode: http.StatusMethodNotAllowed,
			Message:    "Method not allowed.",
			ErrorLog:   fmt.Errorf("method not allowed"),
		}
	}

	clientID := uuid.NewString()
	e.wsHandler.JoinRoom(w, r, e.tenantID, clientID)
	return nil
}

func (e *SyncEndpoints) handleListConversations(w http.ResponseWriter, _ *http.Request) error {
	conversations := e.service.ListSnapshot()
	summaries := make([]dto.ConversationSummary, 0, len(conversations))
	for _, c := range conversations {
		summaries = append(summaries, toConversationSummary(c))
	}
	return WriteJSON(w, http.StatusOK, dto.ListConversationsResponse{Conversations: summaries})
}

func (e *SyncEndpoints) handleOpenConversation(w http.ResponseWriter, phone string) error {
	if _, err := e.service.Open(phone); err != nil {
		return err
	}
	openPhone, messages, fetchFailed := e.service.TranscriptSnapshot()
	return WriteJSON(w, http.StatusOK, toTranscriptResponse(openPhone, messages, fetchFailed))
}

func (e *SyncEndpoints) handleSendMessage(w http.ResponseWriter, r *http.Request, phone string) error {
	var req dto.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return &HTTPError{
			StatusCode: http.StatusBadRequest,
			Message:    "Invalid request body.",
			ErrorLog:   err,
		}
	}
	if strings.TrimSpace(req.Message) == "" {
		return &HTTPError{
			StatusCode: http.StatusBadRequest,
			Message:    "Message must not be empty.",
			ErrorLog:   errors.New("empty message body"),
		}
	}

	msg, err := e.service.SendText(phone, req.Message)
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusAccepted, dto.SendMessageResponse{Message: toMessageResponse(msg)})
}

func (e *SyncEndpoints) handleSendVoice(w http.ResponseWriter, r *http.Request, phone string) error {
	if err := r.ParseMultipartForm(16 << 20); err != nil {
		return &HTTPError{
			StatusCode: http.StatusBadRequest,
			Message:    "Invalid multipart body.",
			ErrorLog:   err,
		}
	}
	file, _, err := r.FormFile("audio")
	if err != nil {
		return &HTTPError{
			StatusCode: http.StatusBadRequest,
			Message:    "Missing audio file.",
			ErrorLog:   err,
		}
	}
	defer file.Close()

	payload, err := io.ReadAll(file)
	if err != nil {
		return &HTTPError{
			StatusCode: http.StatusBadRequest,
			Message:    "Could not read audio file.",
			ErrorLog:   err,
		}
	}

	msg, err := e.service.SendVoice(phone, payload)
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusAccepted, dto.SendMessageResponse{Message: toMessageResponse(msg)})
}

func (e *SyncEndpoints) handleSendMedia(w http.ResponseWriter, r *http.Request, phone string) error {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return &HTTPError{
			StatusCode: http.StatusBadRequest,
			Message:    "Invalid multipart body.",
			ErrorLog:   err,
		}
	}
	file, header, err := r.FormFile("media")
	if err != nil {
		return &HTTPError{
			StatusCode: http.StatusBadRequest,
			Message:    "Missing media file.",
			ErrorLog:   err,
		}
	}
	defer file.Close()

	payload, err := io.ReadAll(file)
	if err != nil {
		return &HTTPError{
			StatusCode: http.StatusBadRequest,
			Message:    "Could not read media file.",
			ErrorLog:   err,
		}
	}

	msg, err := e.service.SendMedia(phone, header.Filename, payload)
	if err != nil {
		return err
	}
	return WriteJSON(w, http.StatusAccepted, dto.SendMessageResponse{Message: toMessageResponse(msg)})
}

func (e *SyncEndpoints) handleRetryPending(w http.ResponseWriter, r *http.Request) error {
	correlationID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/outbox/"), "/retry")
	if correlationID == "" || strings.Contains(correlationID, "/") {
		return &HTTPError{
			StatusCode: http.StatusBadRequest,
			Message:    "Missing correlation id.",
			ErrorLog:   fmt.Errorf("bad outbox path %q", r.URL.Path),
		}
	}

	if err := e.service.RetryPending(correlationID); err != nil {
		return err
	}
	return WriteJSON(w, http.StatusOK, ApiMessageResponse{Message: "Retry scheduled"})
}

func (e *SyncEndpoints) handleCapturePress(w http.ResponseWriter, _ *http.Request) error {
	if err := e.service.CapturePress(); err != nil {
		var permErr *capture.PermissionError
		if errors.As(err, &permErr) {
			return &HTTPError{
				StatusCode: http.StatusForbidden,
				Message:    "Microphone unavailable.",
				ErrorLog:   err,
			}
		}
		return &HTTPError{
			StatusCode: http.StatusConflict,
			Message:    "Recording already in progress.",
			ErrorLog:   err,
		}
	}
	return WriteJSON(w, http.StatusOK, dto.CaptureStateResponse{State: string(capture.StateRecording)})
}

func (e *SyncEndpoints) handleCaptureMove(w http.ResponseWriter, r *http.Request) error {
	var req dto.CaptureMoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return &HTTPError{
			StatusCode: http.StatusBadRequest,
			Message:    "Invalid request body.",
			ErrorLog:   err,
		}
	}
	state := e.service.CaptureMove(req.Dx)
	return WriteJSON(w, http.StatusOK, dto.CaptureStateResponse{State: string(state)})
}

func (e *SyncEndpoints) handleCaptureChunk(w http.ResponseWriter, r *http.Request) error {
	if e.feeder == nil {
		return &HTTPError{
			StatusCode: http.StatusBadRequest,
			Message:    "Capture is disabled.",
			ErrorLog:   errors.New("no capture device wired"),
		}
	}

	chunk, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		return &HTTPError{
			StatusCode: http.StatusBadRequest,
			Message:    "Could not read audio chunk.",
			ErrorLog:   err,
		}
	}
	if err := e.feeder.Feed(chunk); err != nil {
		return &HTTPError{
			StatusCode: http.StatusConflict,
			Message:    "No recording in progress.",
			ErrorLog:   err,
		}
	}
	return WriteJSON(w, http.StatusOK, ApiMessageResponse{Message: "Chunk accepted"})
}

func (e *SyncEndpoints) handleCaptureRelease(w http.ResponseWriter, _ *http.Request) error {
	msg, cancelled, err := e.service.CaptureRelease()
	if err != nil {
		return err
	}

	resp := dto.CaptureReleaseResponse{
		State:     string(capture.StateIdle),
		Cancelled: cancelled,
	}
	if !cancelled {
		resp.State = string(capture.StateUploading)
		m := toMessageResponse(msg)
		resp.Message = &m
	}
	return WriteJSON(w, http.StatusOK, resp)
}

func conversationPath(r *http.Request) (phone, rest string, err error) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/conversations/"), "/")
	if trimmed == "" {
		return "", "", &HTTPError{
			StatusCode: http.StatusBadRequest,
			Message:    "Missing phone number.",
			ErrorLog:   fmt.Errorf("bad conversation path %q", r.URL.Path),
		}
	}
	parts := strings.SplitN(trimmed, "/", 2)
	phone = parts[0]
	if len(parts) == 2 {
		rest = parts[1]
	}
	return phone, rest, nil
}
