package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/emrefkucuk/transcrypt/internal/external"
	"github.com/emrefkucuk/transcrypt/internal/p2p"
	"github.com/emrefkucuk/transcrypt/internal/relay"
	"github.com/emrefkucuk/transcrypt/internal/server/middleware"
	"github.com/emrefkucuk/transcrypt/pkg/config"
	"github.com/emrefkucuk/transcrypt/pkg/room"
	"github.com/emrefkucuk/transcrypt/pkg/transport"
)

type App struct {
	logger    *slog.Logger
	config    *config.Config
	registry  *room.Registry
	hub       *relay.Hub
	signals   *p2p.Store
	artifacts *artifactStore
	collabs   external.Collaborators

	wg   sync.WaitGroup
	http *http.Server

	connMu sync.Mutex
	conns  map[uuid.UUID]*transport.Connection

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, collabs external.Collaborators) *App {
	registry := room.NewRegistry(logger, cfg.Rooms.KeyBytes, cfg.Rooms.IdleExpiry)
	hub := relay.NewHub(logger, registry, cfg.Transfer.MaxFileSize)

	app := &App{
		logger:    logger,
		config:    cfg,
		registry:  registry,
		hub:       hub,
		signals:   p2p.NewStore(cfg.Signaling.Timeout),
		artifacts: newArtifactStore(time.Hour),
		collabs:   collabs,
		conns:     make(map[uuid.UUID]*transport.Connection),
		ctx:       rootCtx,
	}

	mux := http.NewServeMux()

	// Room lifecycle
	mux.HandleFunc("POST /api/create-room", app.handleCreateRoom)
	mux.HandleFunc("GET /api/check-room", app.handleCheckRoom)

	// Out-of-band key distribution flows
	mux.HandleFunc("POST /api/create-text-room", app.handleCreateTextRoom)
	mux.HandleFunc("POST /api/regenerate-text", app.handleRegenerateText)
	mux.HandleFunc("POST /api/extract-text-key", app.handleExtractTextKey)
	mux.HandleFunc("POST /api/create-image-room", app.handleCreateImageRoom)
	mux.HandleFunc("GET /api/stego-image/{filename}", app.handleDownloadStegoImage)
	mux.HandleFunc("POST /api/extract-image-key", app.handleExtractImageKey)
	mux.HandleFunc("POST /api/create-email-room", app.handleCreateEmailRoom)
	mux.HandleFunc("GET /api/resolve-link", app.handleResolveLink)
	mux.HandleFunc("POST /api/create-face-room", app.handleCreateFaceRoom)
	mux.HandleFunc("POST /api/add-faces", app.handleAddFaces)
	mux.HandleFunc("POST /api/verify-face", app.handleVerifyFace)

	// Utilities
	mux.HandleFunc("POST /api/decrypt-chacha", app.handleDecryptChaCha)
	mux.HandleFunc("GET /api/status", app.handleStatus)
	mux.HandleFunc("GET /api/models", app.handleModels)

	// P2P signaling side channel
	mux.HandleFunc("POST /api/signal/{code}", app.handleCreateSignal)
	mux.HandleFunc("GET /api/signal/{code}", app.handleFetchSignal)
	mux.HandleFunc("POST /api/signal/{code}/offer", app.handlePublishOffer)
	mux.HandleFunc("POST /api/signal/{code}/answer", app.handlePublishAnswer)
	mux.HandleFunc("POST /api/signal/{code}/candidate", app.handlePublishCandidate)

	// Realtime relay channel
	mux.HandleFunc("GET /ws/{role}/{secret_key}", app.upgradeHandler)

	handler := middleware.Chain(mux,
		middleware.RequestMetadataMiddleware(),
		middleware.NewRequestLogger(logger),
		middleware.NewConnectionLimiter(logger, cfg.Server.MaxConnsPerIP),
	)

	app.http = &http.Server{
		Addr:    cfg.Server.Address,
		Handler: handler,
		BaseContext: func(l net.Listener) context.Context {
			return app.ctx
		},
	}

	return app
}

// Handler exposes the middleware-wrapped root handler. Used by tests to
// serve the app through httptest without binding a port.
func (a *App) Handler() http.Handler {
	return a.http.Handler
}

func (a *App) Run() error {
	go a.registry.RunJanitor(a.ctx, time.Minute)
	go a.signals.RunJanitor(a.ctx, 10*time.Second)
	go a.artifacts.RunJanitor(a.ctx, 10*time.Minute)

	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

// Shutdown runs the graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	a.logger.Info("Closing all active connections...")
	a.connMu.Lock()
	conns := make([]*transport.Connection, 0, len(a.conns))
	for _, c := range a.conns {
		conns = append(conns, c)
	}
	a.connMu.Unlock()
	for _, c := range conns {
		c.Close(errors.New("graceful shutdown"))
	}

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}

func (a *App) trackConnection(c *transport.Connection) {
	a.connMu.Lock()
	a.conns[c.ID()] = c
	a.connMu.Unlock()
}

func (a *App) untrackConnection(id uuid.UUID) {
	a.connMu.Lock()
	delete(a.conns, id)
	a.connMu.Unlock()
}
