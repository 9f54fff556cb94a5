package router

import (
	"net/http"

	"console-sync/internal/gateway"
	"console-sync/internal/gateway/endpoints"
	"console-sync/internal/gateway/middleware"
)

func ConsoleRoutes() gateway.RouteRegistrar {
	return func(mux *http.ServeMux, s *gateway.Server) {
		var feeder endpoints.Feeder
		if device := s.CaptureDevice(); device != nil {
			feeder = device
		}
		syncEndpoints := endpoints.NewSyncEndpoints(s.Syncer(), s.Handler(), feeder, s.TenantID())
		auth := middleware.RequireConsoleToken(s.ConsoleToken())

		mux.HandleFunc("/conversations", s.MakeHTTPHandleFunc(syncEndpoints.Conversations, auth))
		mux.HandleFunc("/conversations/", s.MakeHTTPHandleFunc(syncEndpoints.Conversation, auth))
		mux.HandleFunc("/outbox/", s.MakeHTTPHandleFunc(syncEndpoints.RetryPending, auth))
		mux.HandleFunc("/capture/press", s.MakeHTTPHandleFunc(syncEndpoints.CapturePress, auth))
		mux.HandleFunc("/capture/move", s.MakeHTTPHandleFunc(syncEndpoints.CaptureMove, auth))
		mux.HandleFunc("/capture/chunk", s.MakeHTTPHandleFunc(syncEndpoints.CaptureChunk, auth))
		mux.HandleFunc("/capture/release", s.MakeHTTPHandleFunc(syncEndpoints.CaptureRelease, auth))
	}
}

func WebsocketRoutes() gateway.RouteRegistrar {
	return func(mux *http.ServeMux, s *gateway.Server) {
		syncEndpoints := endpoints.NewSyncEndpoints(s.Syncer(), s.Handler(), nil, s.TenantID())

		mux.HandleFunc("/ws", s.MakeHTTPHandleFunc(syncEndpoints.Websocket))
	}
}
