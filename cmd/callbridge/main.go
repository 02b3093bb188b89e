package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"callbridge/pkg/config"
	"callbridge/pkg/media"
	"callbridge/pkg/metrics"
	"callbridge/pkg/orchestrator"
	"callbridge/pkg/pushwake"
	"callbridge/pkg/session"
	"callbridge/pkg/signaling"
	"callbridge/pkg/util"
)

var logger = logrus.New()

func main() {
	cfg, err := config.Load(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	cfg.ConfigureLogger(logger)

	if cfg.Node.ParticipantID == "" {
		logger.Fatal("PARTICIPANT_ID is required")
	}

	metrics.StartMetrics(logger, cfg.HTTP.MetricsEnabled)

	shutdown := util.NewGracefulShutdown(logger, 30*time.Second)
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Signaling adapter: one relay connection per live session.
	adapter := signaling.NewWebSocketAdapter(signaling.WebSocketOptions{
		RelayURL:          cfg.Signaling.RelayURL,
		ParticipantID:     cfg.Node.ParticipantID,
		ReconnectInterval: cfg.Signaling.ReconnectInterval,
		ReconnectMax:      cfg.Signaling.ReconnectMax,
		WriteTimeout:      cfg.Signaling.WriteTimeout,
	}, logger)

	registry := session.NewRegistry(session.RegistryConfig{
		ParticipantID: cfg.Node.ParticipantID,
		RingTimeout:   cfg.Timeouts.Ring,
		AnswerTimeout: cfg.Timeouts.Answer,
	}, adapter, logger)

	// Negotiation payloads travel as opaque signaling messages.
	sendNegotiation := func(sessionID string, payload []byte) error {
		ctx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
		defer cancel()
		return adapter.Send(ctx, &signaling.Message{
			Type:      signaling.TypeNegotiation,
			SessionID: sessionID,
			From:      cfg.Node.ParticipantID,
			Payload:   payload,
		})
	}

	engine := media.NewWebRTCEngine(media.WebRTCConfig{
		STUNServers:    cfg.Media.STUNServers,
		ReconnectGrace: cfg.Timeouts.ReconnectGrace,
	}, registry.MediaCallbacks(), sendNegotiation, logger)
	registry.SetEngine(engine)

	pointers := buildPointerStore(cfg)

	// The wake client and the orchestrator reference each other: the client
	// feeds consumed events into the facade, the facade publishes through
	// the client.
	var orch *orchestrator.Orchestrator
	var wakeClient *pushwake.Client
	var wakeQueue orchestrator.WakeQueue

	if cfg.AMQP.URL != "" {
		wakeClient = pushwake.NewClient(logger, pushwake.AMQPConfig{
			URL:               cfg.AMQP.URL,
			QueuePrefix:       cfg.AMQP.Queue,
			ParticipantID:     cfg.Node.ParticipantID,
			ReconnectInterval: cfg.AMQP.Reconnect,
		}, func(event pushwake.WakeEvent) {
			orch.HandleWake(event)
		})
		wakeQueue = wakeClient
	} else {
		logger.Warn("AMQP_URL not set, push wake is disabled")
	}

	orch = orchestrator.New(orchestrator.Options{
		ParticipantID: cfg.Node.ParticipantID,
	}, registry, pointers, wakeQueue, logger)

	if wakeClient != nil {
		if err := wakeClient.Connect(); err != nil {
			logger.WithError(err).Fatal("Failed to connect to wake queue")
		}
	}

	go orch.Run(rootCtx)

	httpServer := startHTTPServer(cfg, orch)

	// Sessions drain first, then the transports underneath them.
	shutdown.Register(util.ShutdownResource{
		Name:     "call-sessions",
		Priority: 10,
		Shutdown: func(context.Context) error { return registry.Close() },
	})
	if wakeClient != nil {
		shutdown.RegisterCloser("wake-queue", wakeClient, 20)
	}
	shutdown.RegisterCloser("media-engine", engine, 30)
	shutdown.RegisterCloser("signaling-adapter", adapter, 40)
	if pointers != nil {
		shutdown.RegisterCloser("pointer-store", pointers, 50)
	}
	shutdown.Register(util.ShutdownResource{
		Name:     "http-server",
		Priority: 60,
		Shutdown: httpServer.Shutdown,
	})

	logger.WithFields(logrus.Fields{
		"participant_id": cfg.Node.ParticipantID,
		"listen_addr":    cfg.HTTP.ListenAddr,
	}).Info("callbridge node started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.WithField("signal", sig.String()).Info("Shutdown signal received")

	rootCancel()
	if err := shutdown.Shutdown(context.Background()); err != nil {
		logger.WithError(err).Error("Shutdown finished with errors")
		os.Exit(1)
	}
}

// buildPointerStore picks Redis when configured, otherwise the in-memory
// store good enough for a single node.
func buildPointerStore(cfg *config.Config) pushwake.PointerStore {
	if cfg.Redis.Address == "" {
		if cfg.AMQP.URL != "" {
			// Without a shared store the pointer a caller writes is invisible
			// to the callee's node, which then drops every inbound wake as
			// stale.
			logger.Warn("AMQP_URL is set but REDIS_ADDRESS is not; wake pointers stay node-local and inbound wakes from other nodes will be dropped")
		}
		logger.Info("REDIS_ADDRESS not set, using in-memory wake pointer store")
		return pushwake.NewMemoryPointerStore(cfg.Redis.PointerTTL)
	}

	store, err := pushwake.NewRedisPointerStore(pushwake.RedisPointerConfig{
		Address:     cfg.Redis.Address,
		Password:    cfg.Redis.Password,
		Database:    cfg.Redis.Database,
		DialTimeout: cfg.Redis.DialTimeout,
		KeyPrefix:   cfg.Redis.KeyPrefix,
		TTL:         cfg.Redis.PointerTTL,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis pointer store")
	}
	return store
}

// startHTTPServer serves health, metrics, and a read-only session listing.
func startHTTPServer(cfg *config.Config, orch *orchestrator.Orchestrator) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	if cfg.HTTP.MetricsEnabled {
		mux.Handle("/metrics", metrics.GetHandler())
	}

	mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		type sessionView struct {
			ID        string `json:"id"`
			RemoteID  string `json:"remote_id"`
			Direction string `json:"direction"`
			MediaKind string `json:"media_kind"`
			State     string `json:"state"`
			Outcome   string `json:"outcome"`
		}
		snaps := orch.Sessions()
		views := make([]sessionView, 0, len(snaps))
		for _, snap := range snaps {
			views = append(views, sessionView{
				ID:        snap.ID,
				RemoteID:  snap.RemoteID,
				Direction: string(snap.Direction),
				MediaKind: string(snap.MediaKind),
				State:     string(snap.State),
				Outcome:   string(orchestrator.OutcomeOf(snap)),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(views); err != nil {
			logger.WithError(err).Error("Failed to encode session listing")
		}
	})

	server := &http.Server{
		Addr:         cfg.HTTP.ListenAddr,
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("HTTP server failed")
		}
	}()
	return server
}
