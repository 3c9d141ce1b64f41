package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"crossarb/internal/config"
)

// Server runs the HTTP/WebSocket dashboard surface. The hub is owned by
// the caller so trading components can broadcast without importing the
// server.
type Server struct {
	cfg      config.ServerConfig
	deps     Deps
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the handler set and routes. It does not listen yet.
func NewServer(deps Deps, cfg config.ServerConfig, hub *Hub, logger *slog.Logger) *Server {
	handlers := NewHandlers(deps, cfg, hub, time.Now(), logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("GET /api/snapshot", handlers.HandleSnapshot)
	mux.HandleFunc("GET /api/stats", handlers.HandleStats)
	mux.HandleFunc("GET /api/stats/export", handlers.HandleExportCell)
	mux.HandleFunc("GET /api/transactions", handlers.HandleTransactions)
	mux.HandleFunc("POST /api/mode", handlers.HandleMode)
	mux.HandleFunc("POST /api/autotrade", handlers.HandleAutoTrade)
	mux.HandleFunc("POST /api/autorebalance", handlers.HandleAutoRebalance)
	mux.HandleFunc("POST /api/strategy/smart", handlers.HandleSmartStrategy)
	mux.HandleFunc("POST /api/threshold", handlers.HandleThreshold)
	mux.HandleFunc("POST /api/pairs/threshold", handlers.HandlePairThreshold)
	mux.HandleFunc("POST /api/safety/limits", handlers.HandleSafetyLimits)
	mux.HandleFunc("POST /api/safety/reset", handlers.HandleSafetyReset)
	mux.HandleFunc("POST /api/rebalance/execute", handlers.HandleRebalanceExecute)
	mux.HandleFunc("POST /api/sandbox/deposit", handlers.HandleSandboxDeposit)
	mux.HandleFunc("POST /api/wallet", handlers.HandleWallet)
	mux.HandleFunc("GET /ws", handlers.HandleWebSocket)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		deps:     deps,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("dashboard server listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	if s.cfg.PricePushInterval > 0 {
		go s.pushPrices(ctx)
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("dashboard server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("stopping dashboard server")
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("shutdown dashboard server: %w", err)
	}
	return ctx.Err()
}

// pushPrices broadcasts top-of-book prices on a fixed cadence so the
// dashboard stays fresh between opportunity events.
func (s *Server) pushPrices(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PricePushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.hub.Broadcast(ReceiveMarketPrices(collectPrices(s.deps.Providers, s.deps.Pairs)))
		}
	}
}
