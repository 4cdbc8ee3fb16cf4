package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/cart"
	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/config"
	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/gateway"
	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/handlers"
	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/middleware"
	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/observability"
	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/rabbitmq"
	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/realtime"
	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/session"
	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/storage"
	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/telemetry"
	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/ws"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.OTLPEndpoint, cfg.ServiceName, cfg.Environment)
	if err != nil {
		log.Fatalf("failed to init tracing: %v", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	store, err := storage.Open(ctx, cfg.StorageDriver, cfg.RedisURL, cfg.DBDSN)
	if err != nil {
		log.Fatalf("failed to open %s storage: %v", cfg.StorageDriver, err)
	}
	defer store.Close()

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	defer publisher.Close()
	log.Printf("event publisher mode=%s reason=%q", rabbitmq.PublisherMode(publisher), rabbitmq.PublisherNoopReason(publisher))
	observability.SetPublisher(publisher)
	auditor := telemetry.NewAuditEmitter(publisher, cfg.AuditRouting, cfg.ServiceName, cfg.Environment)

	gw := gateway.NewClient(cfg.GatewayBaseURL, cfg.LanguageID, cfg.GatewayTimeout)
	tokens := gateway.NewTokenStore(store)
	if err := gateway.EnsureGuest(ctx, gw, tokens, cfg.DeviceID); err != nil {
		// sessions report the missing token until a later restart succeeds
		log.Printf("guest login failed: %v", err)
	}

	hub := ws.NewHub()
	sessions := session.NewRegistry(func(handle string) *session.Manager {
		return session.NewManager(gw, tokens, session.Options{
			TimestampLayout: cfg.TimestampLayout,
			OnChange:        func(s session.Snapshot) { hub.BroadcastSnapshot(handle, s) },
		})
	})
	defer sessions.CloseAll()

	var follower handlers.Follower
	if cfg.RealtimeEnabled {
		f := realtime.NewFollower(realtime.NewListener(cfg.GatewayWSURL), tokens)
		defer f.StopAll()
		follower = f
	}

	// views that go away without closing their session are released here
	go sessions.RunSweeper(ctx, time.Minute, cfg.SessionIdleTTL,
		func(handle string) bool { return hub.Clients(handle) > 0 },
		func(handle string) {
			if follower != nil {
				follower.Stop(handle)
			}
			hub.CloseRoom(handle)
		})

	negotiationHandler := handlers.NewNegotiationHandler(sessions, store, follower, hub, auditor, tokens)
	shellHandler := handlers.NewShellHandler(cart.NewCounter(ctx, gw, tokens, store), store)
	negotiationWS := ws.NewNegotiationWebSocketHandler(hub, sessions)

	router := gin.New()

	// middlewares
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(middleware.RequestID())
	router.Use(observability.HTTPMetricsMiddleware())

	router.POST("/negotiations", negotiationHandler.Create)
	router.GET("/negotiations/:handle", negotiationHandler.Get)
	router.POST("/negotiations/:handle/discover", negotiationHandler.Discover)
	router.POST("/negotiations/:handle/messages", negotiationHandler.Send)
	router.POST("/negotiations/:handle/refresh", negotiationHandler.Refresh)
	router.DELETE("/negotiations/:handle/messages/:message_id", negotiationHandler.DeleteMessage)
	router.DELETE("/negotiations/:handle", negotiationHandler.Close)

	router.GET("/ws/negotiations/:handle", negotiationWS.Handle)

	router.GET("/cart/count", shellHandler.CartCount)
	router.PUT("/navigation/last-path", shellHandler.SetLastPath)
	router.GET("/navigation/last-path", shellHandler.LastPath)

	router.GET("/healthz", shellHandler.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handlers.RegisterDebugRoutes(router, auditor, cfg.DebugRoutes)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	go func() {
		log.Printf("negotiation service listening on :%s gateway=%s storage=%s", cfg.Port, cfg.GatewayBaseURL, cfg.StorageDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown: %v", err)
	}
}
