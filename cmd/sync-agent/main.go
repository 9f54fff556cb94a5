package main

import (
	"context"
	"log"

	"github.com/go-redis/redis/v8"

	"console-sync/internal/capture"
	"console-sync/internal/config"
	"console-sync/internal/gateway"
	"console-sync/internal/gateway/router"
	"console-sync/internal/gateway/ws"
	"console-sync/internal/outbox"
	"console-sync/internal/queue"
	"console-sync/internal/session"
	syncagent "console-sync/internal/sync"
	"console-sync/internal/transport"
)

func main() {
	cfg, err := config.NewLoadedConfig()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	sess, err := session.New(cfg.Token, cfg.TenantID)
	if err != nil {
		log.Fatalf("session init failed: %v", err)
	}

	box, err := outbox.Open(cfg.OutboxPath)
	if err != nil {
		log.Fatalf("outbox init failed: %v", err)
	}
	defer box.Close()

	restClient := transport.NewClient(cfg.BackendBaseURL, cfg.RequestTimeout, sess)
	push := transport.NewPushChannel(cfg.PushURL, sess)
	sess.OnTeardown(func() {
		log.Println("session torn down, closing push channel")
		push.Close()
	})

	device := capture.NewChunkDevice()
	pipeline := capture.NewPipeline(device, cfg.CancelThreshold)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPass,
	})

	hub := ws.NewHub()
	go hub.Run()
	handler := ws.NewHandler(hub, redisClient)
	handler.CreateRoom(sess.TenantID())

	syncer := syncagent.New(restClient, push, push.Events(), sess, syncagent.Options{
		ListPollInterval:       cfg.ListPollInterval,
		TranscriptPollInterval: cfg.TranscriptPollInterval,
		RequestTimeout:         cfg.RequestTimeout,
		ReconcileTolerance:     cfg.ReconcileTolerance,
	}).
		WithOutbox(box).
		WithCapture(pipeline).
		WithPublisher(ws.NewPublisher(redisClient, sess.TenantID()))

	push.Start()
	go syncer.Run(context.Background())

	queueManager := queue.NewRequestQueueManager(10, 10)
	server := gateway.NewServer(
		cfg.ListenAddr,
		queueManager,
		syncer,
		handler,
		device,
		sess.TenantID(),
		cfg.ConsoleToken,
		cfg.AllowedOrigins,
		router.ConsoleRoutes(),
		router.WebsocketRoutes(),
	)

	server.Run()
}
