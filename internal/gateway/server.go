package gateway

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"console-sync/internal/capture"
	"console-sync/internal/gateway/ws"
	"console-sync/internal/queue"
	"console-sync/internal/sync"
)

type RouteRegistrar func(mux *http.ServeMux, s *Server)

// Server is the local console gateway. It exposes the sync agent's stores
// over REST for the admin console and relays push-driven updates to
// connected consoles over websocket rooms.
type Server struct {
	listenAddr          string
	requestQueueManager *queue.RequestQueueManager
	syncer              *sync.Syncer
	wsHandler           *ws.Handler
	captureDevice       *capture.ChunkDevice
	tenantID            string
	consoleToken        string
	allowedOrigins      []string
	routeRegistrars     []RouteRegistrar
	metrics             *metrics
}

func NewServer(
	listenAddr string,
	rqm *queue.RequestQueueManager,
	syncer *sync.Syncer,
	wsHandler *ws.Handler,
	captureDevice *capture.ChunkDevice,
	tenantID string,
	consoleToken string,
	allowedOrigins []string,
	registrars ...RouteRegistrar,
) *Server {
	return &Server{
		listenAddr:          listenAddr,
		requestQueueManager: rqm,
		syncer:              syncer,
		wsHandler:           wsHandler,
		captureDevice:       captureDevice,
		tenantID:            tenantID,
		consoleToken:        consoleToken,
		allowedOrigins:      allowedOrigins,
		routeRegistrars:     registrars,
		metrics:             newMetrics(prometheus.DefaultRegisterer, listenAddr, rqm),
	}
}

func (s *Server) Run() {
	mux := http.NewServeMux()

	for _, reg := range s.routeRegistrars {
		reg(mux, s)
	}

	mux.Handle("/metrics", s.metrics.metricsHandler())

	fmt.Printf("Console gateway listening on http://localhost%s\n", s.listenAddr)

	if err := http.ListenAndServe(s.listenAddr, s.metrics.instrument(mux)); err != nil {
		fmt.Printf("gateway stopped: %v\n", err)
	}
}

func (s *Server) Syncer() *sync.Syncer {
	return s.syncer
}

func (s *Server) Handler() *ws.Handler {
	return s.wsHandler
}

func (s *Server) CaptureDevice() *capture.ChunkDevice {
	return s.captureDevice
}

func (s *Server) TenantID() string {
	return s.tenantID
}

func (s *Server) ConsoleToken() string {
	return s.consoleToken
}
