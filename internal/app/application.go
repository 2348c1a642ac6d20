package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"tigerengage/internal/api"
	"tigerengage/internal/config"
	"tigerengage/internal/coordinator"
	"tigerengage/internal/presence"
	"tigerengage/internal/registry"
	"tigerengage/internal/store"
	"tigerengage/internal/websocket"
)

// Application coordinates all system components.
// Component initialization follows strict dependency order:
// Store → Registry → Presence → Coordinator → API → WebSocket → HTTP
type Application struct {
	config      *config.Config
	store       *store.Store
	registry    *registry.Manager
	presence    *presence.Tracker
	coordinator *coordinator.Coordinator
	apiServer   *api.Server
	httpServer  *http.Server
}

// NewApplication creates an application instance with all components wired.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// STEP 1: Persistence layer. Opens the database, applies migrations, and
	// starts the single-writer loop.
	st, err := store.New(&store.Config{
		Path:            cfg.Database.Path,
		MaxConnections:  10,
		ConnMaxLifetime: cfg.Database.Timeout,
		ConnMaxIdleTime: cfg.Database.Timeout / 3,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	// STEP 2: Session registry, primed from the store so live sessions
	// survive a server restart.
	reg := registry.NewManager(st)
	if err := reg.LoadActiveSessions(context.Background()); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to load active sessions: %w", err)
	}

	// STEP 3: Presence tracker for connection membership.
	tracker := presence.NewTracker()

	// STEP 4: Coordinator owning the per-session workers.
	co := coordinator.New(reg, st, tracker, coordinator.Config{
		HeartbeatWindow:  cfg.Session.HeartbeatWindow,
		SweepInterval:    cfg.Session.SweepInterval,
		MessageRateLimit: cfg.Session.MessageRateLimit,
	})

	// STEP 5: HTTP API surface.
	apiServer := api.NewServer(reg, co, st)

	// STEP 6: WebSocket handler for the real-time channel.
	wsHandler := websocket.NewHandler(reg, co, websocket.Config{
		PingInterval: cfg.WebSocket.PingInterval,
		ReadTimeout:  cfg.WebSocket.ReadTimeout,
		WriteTimeout: cfg.WebSocket.WriteTimeout,
	})

	// STEP 7: HTTP server exposing both endpoints.
	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer)
	mux.Handle("/health", apiServer)
	mux.HandleFunc("/ws", wsHandler.HandleWebSocket)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:      cfg,
		store:       st,
		registry:    reg,
		presence:    tracker,
		coordinator: co,
		apiServer:   apiServer,
		httpServer:  httpServer,
	}, nil
}

// Start begins serving. Session workers spawn lazily on first use, so the
// only thing to start here is the HTTP listener; startup is verified before
// returning.
func (app *Application) Start(ctx context.Context) error {
	log.Printf("Starting TigerEngage on %s", app.httpServer.Addr)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		return err
	case <-time.After(100 * time.Millisecond):
		log.Printf("TigerEngage started successfully")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop gracefully shuts down in reverse dependency order:
// HTTP → Coordinator → Store. Live sessions stay active in the database and
// are reloaded on the next start.
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("Shutting down TigerEngage")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	app.coordinator.Shutdown()

	if err := app.store.Close(); err != nil {
		log.Printf("Store shutdown error: %v", err)
	}

	log.Printf("TigerEngage shutdown complete")
	return nil
}

// GetAddr returns the server address for external connections.
func (app *Application) GetAddr() string {
	return app.httpServer.Addr
}
