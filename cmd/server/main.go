package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trackhub/internal/mqttclient"
	"trackhub/internal/platform/config"
	"trackhub/internal/platform/logger"
	"trackhub/internal/platform/metrics"
	"trackhub/internal/tracker"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	databaseURL := config.GetEnv("DATABASE_URL", "")
	dbAttempts := config.GetEnvInt("DB_CONNECT_ATTEMPTS", 5)
	dbDelay := config.GetEnvDuration("DB_CONNECT_DELAY", 2*time.Second)
	brokerURL := config.GetEnv("MQTT_BROKER_URL", "")
	topicPrefix := config.GetEnv("MQTT_TOPIC_PREFIX", "devices")
	historyLimit := config.GetEnvInt("HISTORY_LIMIT", tracker.DefaultHistoryLimit)

	log := logger.New(logLevel, logFormat)

	var store tracker.Store
	if databaseURL != "" {
		db, err := tracker.ConnectWithRetry(databaseURL, dbAttempts, dbDelay)
		if err != nil {
			log.Error("database connect failed", "error", err)
			os.Exit(1)
		}
		store = tracker.NewGormStore(db)
	} else {
		log.Warn("DATABASE_URL not set, using in-memory store; sessions and coordinates will not survive a restart")
		store = tracker.NewMemStore()
	}

	cache := tracker.NewLiveCache()
	met := metrics.New()

	// The MQTT client feeds the pipeline and the dispatcher publishes
	// through the client, so the callbacks close over variables assigned
	// below, before Connect.
	var (
		registry *tracker.Registry
		pipe     *tracker.Pipeline
		mq       *mqttclient.Client
	)

	var dispatcher *tracker.Dispatcher
	if brokerURL != "" {
		mq = mqttclient.New(mqttclient.Config{
			BrokerURL:            brokerURL,
			ClientIDPrefix:       config.GetEnv("MQTT_CLIENT_ID_PREFIX", "trackhub"),
			Username:             config.GetEnv("MQTT_USERNAME", ""),
			Password:             config.GetEnv("MQTT_PASSWORD", ""),
			TopicPrefix:          topicPrefix,
			ConnectRetryInterval: config.GetEnvDuration("MQTT_CONNECT_RETRY_DELAY", 5*time.Second),
		}, log, func(topic string, payload []byte) {
			pipe.HandleMessage(context.Background(), topic, payload)
		}, func() {
			// Reconciliation barrier: the session cache is not trusted
			// after a reconnect until it is rebuilt from the store.
			if err := registry.Reconcile(context.Background()); err != nil {
				log.Error("reconcile after reconnect failed", "error", err)
			}
		})
		dispatcher = tracker.NewDispatcher(mq, topicPrefix, log, met)
	} else {
		log.Warn("MQTT_BROKER_URL not set, running HTTP-only; no transport ingestion or device commands")
	}

	registry = tracker.NewRegistry(store, dispatcher, log)
	pipe = tracker.NewPipeline(cache, registry, store, met, log)

	startupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err := registry.Reconcile(startupCtx)
	cancel()
	if err != nil {
		log.Error("startup reconciliation failed", "error", err)
		os.Exit(1)
	}

	if mq != nil {
		if err := mq.Connect(); err != nil {
			// The paho client keeps retrying in the background, so a broker
			// that is still coming up is not fatal.
			log.Error("mqtt connect failed, relying on auto-reconnect", "error", err)
		}
	}

	h := tracker.NewHandler(cache, registry, store, pipe, log, met, historyLimit)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveSessions(registry.ActiveCount()) }).ServeHTTP(w, r)
	})
	r.Mount("/api", h.Routes())

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"topic_prefix", topicPrefix,
		"mqtt", brokerURL != "",
		"durable_store", databaseURL != "",
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	if mq != nil {
		mq.Disconnect()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
