package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"backchannel/internal/api"
	"backchannel/internal/auth"
	"backchannel/internal/authz"
	"backchannel/internal/config"
	"backchannel/internal/coordinator"
	"backchannel/internal/moderation"
	"backchannel/internal/room"
	"backchannel/internal/session"
	"backchannel/internal/store"
	"backchannel/internal/websocket"
	"backchannel/pkg/database"
)

// Application holds every component in dependency order. Construction
// wires them; Start and Stop walk the order forward and backward.
type Application struct {
	config      *config.Config
	store       *store.Manager
	authService *auth.Service
	registry    *session.Registry
	rooms       *room.Manager
	gate        *authz.Gate
	coordinator *coordinator.Coordinator
	moderation  *moderation.Controller
	apiServer   *api.Server
	httpServer  *http.Server

	cancelBackground context.CancelFunc
}

// NewApplication initializes all components in dependency order:
// store, auth, registry, rooms, gate, coordinator, moderation, transport.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	dbConfig := &database.Config{
		Path:            cfg.Database.Path,
		MaxConnections:  10,
		ConnMaxLifetime: cfg.Database.Timeout,
		ConnMaxIdleTime: cfg.Database.Timeout / 3,
	}
	storeManager, err := store.NewManager(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	authService, err := auth.NewService(cfg.Auth.TokenSecret, cfg.Auth.TokenTTL)
	if err != nil {
		storeManager.Close()
		return nil, fmt.Errorf("failed to initialize auth service: %w", err)
	}

	seedCtx, seedCancel := context.WithTimeout(context.Background(), cfg.Database.Timeout)
	err = storeManager.EnsureDefaultUsers(seedCtx, authService.HashPassword)
	seedCancel()
	if err != nil {
		storeManager.Close()
		return nil, fmt.Errorf("failed to seed default users: %w", err)
	}

	registry := session.NewRegistry(storeManager, authService)
	rooms := room.NewManager(storeManager)
	registry.SetRoomEvictor(rooms)

	gate := authz.NewGate(storeManager)
	coord := coordinator.NewCoordinator(storeManager, rooms, registry)
	mod := moderation.NewController(storeManager, registry, rooms, gate)

	wsHandler := websocket.NewHandler(registry, rooms, gate, coord, mod, storeManager, authService, websocket.Options{
		PingInterval: cfg.WebSocket.PingInterval,
		ReadTimeout:  cfg.WebSocket.ReadTimeout,
		WriteTimeout: cfg.WebSocket.WriteTimeout,
		BufferSize:   cfg.WebSocket.BufferSize,
		OpTimeout:    cfg.WebSocket.OpTimeout,
	})
	apiServer := api.NewServer(storeManager, registry, rooms)

	mux := http.NewServeMux()
	mux.Handle("/health", apiServer)
	mux.Handle("/stats", apiServer)
	mux.HandleFunc("/ws", wsHandler.HandleWebSocket)

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:      cfg,
		store:       storeManager,
		authService: authService,
		registry:    registry,
		rooms:       rooms,
		gate:        gate,
		coordinator: coord,
		moderation:  mod,
		apiServer:   apiServer,
		httpServer:  httpServer,
	}, nil
}

// Start launches background maintenance and the HTTP listener, returning
// once the listener is up or has failed.
func (app *Application) Start(ctx context.Context) error {
	log.Printf("Starting backchannel on %s", app.httpServer.Addr)

	bgCtx, cancel := context.WithCancel(ctx)
	app.cancelBackground = cancel
	go app.coordinator.CleanupLoop(bgCtx)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		cancel()
		return err
	case <-time.After(100 * time.Millisecond):
		log.Printf("backchannel started")
		return nil
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

// Stop shuts components down in reverse order: listener, background
// work, live connections, store.
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("Shutting down backchannel")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	if app.cancelBackground != nil {
		app.cancelBackground()
	}
	for _, conn := range app.registry.All() {
		app.registry.Detach(conn.ID())
		if err := conn.Close(); err != nil {
			log.Printf("Connection close error: conn=%s: %v", conn.ID(), err)
		}
	}
	if err := app.store.Close(); err != nil {
		log.Printf("Store shutdown error: %v", err)
	}

	log.Printf("backchannel shutdown complete")
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("BACKCHANNEL_CONFIG_FILE"))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	app, err := NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	appErrCh := make(chan error, 1)
	go func() {
		if err := app.Start(ctx); err != nil {
			appErrCh <- err
		}
	}()

	select {
	case err := <-appErrCh:
		return fmt.Errorf("application error: %w", err)
	case sig := <-signalCh:
		log.Printf("Received signal %v, shutting down gracefully", sig)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return app.Stop(shutdownCtx)
	}
}
