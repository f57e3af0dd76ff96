package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"go.uber.org/zap"

	"github.com/4xmen/novachat/internal/ai"
	"github.com/4xmen/novachat/internal/auth"
	"github.com/4xmen/novachat/internal/db"
	"github.com/4xmen/novachat/internal/delivery"
	"github.com/4xmen/novachat/internal/directory"
	"github.com/4xmen/novachat/internal/handlers"
	"github.com/4xmen/novachat/internal/presence"
	"github.com/4xmen/novachat/internal/push"
	"github.com/4xmen/novachat/internal/receipts"
	"github.com/4xmen/novachat/internal/registry"
	"github.com/4xmen/novachat/internal/store"
	"github.com/4xmen/novachat/internal/typing"
	"github.com/4xmen/novachat/internal/ws"
	"github.com/4xmen/novachat/pkg/config"
)

func main() {
	cfg := config.Load()

	if len(os.Args) > 1 {
		if err := runCommand(cfg, os.Args[1:]); err != nil {
			log.Fatalf("%v", err)
		}
		return
	}

	logger := newLogger(cfg.LogLevel, cfg.Environment)
	defer logger.Sync()

	if err := runServer(cfg, logger); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}
}

func runCommand(cfg *config.Config, args []string) error {
	command := args[0]

	switch command {
	case "status":
		return runStatus(cfg, os.Stdout, args[1:])
	case "migrate":
		return runMigrate(cfg, os.Stdout, args[1:])
	case "-h", "--help", "help":
		printUsage(os.Stdout)
		return nil
	default:
		printUsage(os.Stderr)
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  novachat           Start the chat server")
	fmt.Fprintln(out, "  novachat status    Show application statistics")
	fmt.Fprintln(out, "  novachat status --json")
	fmt.Fprintln(out, "  novachat migrate delivery-state [--dry-run] [--database path]")
}

// app holds the wired components of a running server.
type app struct {
	database  *db.DB
	directory *directory.Directory
	registry  *registry.Registry
	tracker   *presence.Tracker
	typing    *typing.Coordinator
	router    *delivery.Router
	receipts  *receipts.Processor
	gateway   *ws.Gateway
	notifier  *push.Notifier

	authHandler *handlers.AuthHandler
	msgHandler  *handlers.MessageHandler
	userHandler *handlers.UserHandler
	pushHandler *handlers.PushHandler
	callHandler *handlers.CallHandler
}

func newApp(cfg *config.Config, database *db.DB, logger *zap.Logger) *app {
	st := store.New(database, cfg.StoreTimeout)
	dir := directory.New(database, cfg.StoreTimeout)
	reg := registry.New()

	tracker := presence.New(reg, dir, cfg.PresenceGrace, logger)
	coordinator := typing.New(reg, dir, cfg.TypingTimeout, logger)
	notifier := push.NewNotifier(database, cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.VAPIDSubscriber, logger)

	var responder ai.Responder
	if cfg.AIPeerID > 0 {
		responder = ai.NewHTTPResponder(ai.Config{
			PeerID:       cfg.AIPeerID,
			URL:          cfg.AIAPIURL,
			APIKey:       cfg.AIAPIKey,
			Model:        cfg.AIModel,
			HistoryLimit: cfg.AIHistoryLimit,
		})
	}
	peers := delivery.NewPeerResolver(cfg.AIPeerID, responder)

	router := delivery.New(st, reg, dir, notifier, peers, delivery.Config{
		SendRetries:    cfg.SendRetries,
		AIHistoryLimit: cfg.AIHistoryLimit,
	}, logger)
	processor := receipts.New(st, dir, reg, logger)
	gateway := ws.NewGateway(tracker, coordinator, router, processor, cfg.AllowedOrigins(), logger)

	return &app{
		database:  database,
		directory: dir,
		registry:  reg,
		tracker:   tracker,
		typing:    coordinator,
		router:    router,
		receipts:  processor,
		gateway:   gateway,
		notifier:  notifier,

		authHandler: handlers.NewAuthHandler(auth.New(database, cfg.JWTSecret)),
		msgHandler:  handlers.NewMessageHandler(router, processor, st, tracker),
		userHandler: handlers.NewUserHandler(dir, tracker),
		pushHandler: handlers.NewPushHandler(notifier),
		callHandler: handlers.NewCallHandler(cfg.StunServers, cfg.TurnServer, cfg.TurnUsername, cfg.TurnPassword),
	}
}

// close stops the realtime side first so disconnects still reach presence
// and the directory before the database goes away.
func (a *app) close() {
	a.gateway.Close()
	a.router.Close()
	a.typing.Close()
	a.tracker.Close()
}

type rateLimits struct {
	login    *limiter.Limiter
	register *limiter.Limiter
}

func newRateLimits(store limiter.Store) rateLimits {
	return rateLimits{
		login:    limiter.New(store, limiter.Rate{Period: time.Minute, Limit: 5}),
		register: limiter.New(store, limiter.Rate{Period: time.Minute, Limit: 2}),
	}
}

func newEngine(cfg *config.Config, a *app, limits rateLimits, logger *zap.Logger) *gin.Engine {
	engine := gin.New()
	engine.Use(serverErrorLogger(logger))
	engine.Use(gin.Logger())
	engine.Use(panicRecovery(logger))
	engine.Use(corsMiddleware(cfg.AllowedOrigins()))

	// Public endpoints
	api := engine.Group("/api")
	{
		api.POST("/auth/register", rateLimitMiddleware(limits.register), a.authHandler.Register)
		api.POST("/auth/login", rateLimitMiddleware(limits.login), a.authHandler.Login)
		api.GET("/push/vapid-key", a.pushHandler.GetVAPIDKey)
	}

	// Protected endpoints
	protected := api.Group("")
	protected.Use(a.authHandler.AuthMiddleware())
	{
		// Messages
		protected.GET("/messages", a.msgHandler.GetConversation)
		protected.POST("/messages", a.msgHandler.SendMessage)
		protected.POST("/messages/read", a.msgHandler.MarkReadBatch)
		protected.PUT("/messages/:id", a.msgHandler.EditMessage)
		protected.GET("/messages/:id/edits", a.msgHandler.GetEdits)
		protected.DELETE("/messages/:id", a.msgHandler.DeleteMessage)
		protected.PUT("/messages/:id/delivered", a.msgHandler.MarkAsDelivered)
		protected.PUT("/messages/:id/read", a.msgHandler.MarkAsRead)
		protected.GET("/conversations", a.msgHandler.GetConversations)

		// Users and profile
		protected.GET("/users", a.userHandler.GetUsers)
		protected.GET("/users/:username", a.userHandler.GetUserProfile)
		protected.GET("/profile", a.userHandler.GetMyProfile)
		protected.PUT("/profile", a.userHandler.UpdateProfile)
		protected.GET("/privacy", a.userHandler.GetPrivacy)
		protected.PUT("/privacy", a.userHandler.UpdatePrivacy)
		protected.GET("/contacts", a.userHandler.GetContacts)
		protected.POST("/contacts", a.userHandler.AddContact)
		protected.DELETE("/contacts/:id", a.userHandler.RemoveContact)
		protected.GET("/blocks", a.userHandler.GetBlocked)
		protected.POST("/blocks", a.userHandler.Block)
		protected.DELETE("/blocks/:id", a.userHandler.Unblock)

		// Push
		protected.POST("/push/subscribe", a.pushHandler.Subscribe)
		protected.DELETE("/push/subscribe", a.pushHandler.Unsubscribe)

		// WebRTC
		protected.GET("/webrtc/config", a.callHandler.GetICEConfig)
	}

	// WebSocket endpoint
	engine.GET("/ws", a.authHandler.AuthMiddleware(), a.gateway.HandleWebSocket)

	// Health check
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": a.registry.Count()})
	})

	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": translated(c, "not found")})
	})

	return engine
}

func runServer(cfg *config.Config, logger *zap.Logger) error {
	if cfg.DatabaseDriver == db.DriverSQLite && !strings.HasPrefix(cfg.DatabasePath, ":memory:") {
		if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		if err := ensureDeliveryStateMigrated(cfg.DatabasePath); err != nil {
			return err
		}
	}

	database, err := db.Open(cfg.DatabaseDriver, cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	a := newApp(cfg, database, logger)

	// Nobody is connected yet; clear flags left behind by an unclean exit.
	if n, err := a.directory.ResetPresence(context.Background()); err != nil {
		return fmt.Errorf("failed to reset presence: %w", err)
	} else if n > 0 {
		logger.Info("cleared stale online flags", zap.Int64("users", n))
	}

	limiterStore, closeLimiter, err := newLimiterStore(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer closeLimiter()

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := newEngine(cfg, a, newRateLimits(limiterStore), logger)

	addr := fmt.Sprintf("0.0.0.0:%s", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			zap.String("addr", addr),
			zap.String("driver", database.Driver()),
			zap.Bool("push", a.notifier.Enabled()),
			zap.Int("ai_peer_id", cfg.AIPeerID),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		a.close()
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	a.close()
	return nil
}
