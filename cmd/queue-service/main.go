package main

import (
	"context"
	"encoding/json"
	"expvar"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"qline/queue-service/internal/config"
	"qline/queue-service/internal/httpapi"
	"qline/queue-service/internal/hub"
	"qline/queue-service/internal/models"
	"qline/queue-service/internal/notify"
	"qline/queue-service/internal/store"
	"qline/queue-service/internal/store/postgres"
	"qline/queue-service/internal/telemetry"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type eventEnvelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// realtimeConsumer is the offset key for the in-process broadcast poller.
const realtimeConsumer = "realtime"

func main() {
	cfg := config.Load()
	shutdownTelemetry := telemetry.Setup("queue-service")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	st := postgres.NewStore(pool, postgres.Options{
		ListLimit:   cfg.ListLimit,
		OutboxLimit: cfg.OutboxLimit,
	})
	handler := httpapi.NewHandler(st)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:       cfg.RateLimitPerMinute,
		IPBurst:           cfg.RateLimitBurst,
		BusinessPerMinute: cfg.BusinessRateLimitPerMinute,
		BusinessBurst:     cfg.BusinessRateLimitBurst,
	})
	h := hub.New()

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/", handler.Routes())
	mux.Handle("/realtime/", newRealtimeHandler(h))

	otelHandler := otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(mux)), "queue-service")
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("queue-service listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	go runRealtimePoller(workerCtx, st, h, cfg)

	worker := notify.New(st, notify.Config{
		BatchSize:     cfg.NotifyBatchSize,
		MaxAttempts:   cfg.NotifyMaxAttempts,
		SMSProvider:   cfg.SMSProvider,
		EmailProvider: cfg.EmailProvider,
	})
	if cfg.NotifyInterval > 0 {
		go notify.Start(workerCtx, cfg.NotifyInterval, worker)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancelWorkers()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

func newRealtimeHandler(h *hub.Hub) http.Handler {
	return sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		client := &hub.Client{ID: uuid.NewString(), Send: make(chan []byte, 16)}
		h.Register(client)
		defer h.Unregister(client)

		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := hub.ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			if parsed.Action == "unsubscribe" {
				h.UpdateSubscription(client, hub.Subscription{})
				continue
			}
			h.UpdateSubscription(client, hub.Subscription{
				BusinessID:  parsed.BusinessID,
				QueueNumber: parsed.QueueNumber,
				EntryID:     parsed.EntryID,
			})
		}
	})
}

func runRealtimePoller(ctx context.Context, st *postgres.Store, h *hub.Hub, cfg config.Config) {
	interval := cfg.RealtimePollInterval
	if interval <= 0 {
		interval = time.Second
	}

	offset, err := st.GetOffset(ctx, realtimeConsumer)
	if err != nil {
		log.Printf("load offset error: %v", err)
	}
	if offset.LastEventTime.IsZero() {
		offset.LastEventTime = time.Unix(0, 0).UTC()
	}

	var running int32
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !atomic.CompareAndSwapInt32(&running, 0, 1) {
			continue
		}
		pollCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		events, err := st.ListOutboxEventsAfter(pollCtx, offset, cfg.RealtimeBatchSize)
		cancel()
		if err == nil {
			for _, event := range events {
				offset.LastEventTime = event.CreatedAt
				offset.LastEventID = event.EventID
				env := eventEnvelope{Type: event.Type, Payload: event.Payload, CreatedAt: event.CreatedAt}
				payload, _ := json.Marshal(env)
				h.Broadcast(payload, extractMeta(event))
			}
			if len(events) > 0 {
				updateCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				if err := st.UpdateOffset(updateCtx, realtimeConsumer, offset); err != nil {
					log.Printf("update offset error: %v", err)
				}
				cancel()
			}
		}
		atomic.StoreInt32(&running, 0)
	}
}

func extractMeta(event store.OutboxEvent) hub.Subscription {
	meta := hub.Subscription{BusinessID: event.BusinessID}
	var payload struct {
		Entry *models.Entry `json:"entry"`
	}
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return meta
	}
	if payload.Entry != nil {
		meta.QueueNumber = payload.Entry.QueueNumber
		meta.EntryID = payload.Entry.EntryID
	}
	return meta
}
