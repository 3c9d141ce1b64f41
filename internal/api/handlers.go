package api

import (
	"archive/zip"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"crossarb/internal/config"
	"crossarb/internal/state"
	"crossarb/internal/stats"
)

const (
	defaultTxLimit = 50
	maxTxLimit     = 500
)

// Handlers owns the dashboard HTTP endpoints. Handlers mutate AppState or
// call component methods and broadcast the matching update event; the
// trading rules themselves live in the components.
type Handlers struct {
	deps      Deps
	cfg       config.ServerConfig
	hub       *Hub
	upgrader  websocket.Upgrader
	startedAt time.Time
	logger    *slog.Logger
}

// NewHandlers creates the handler set serving deps.
func NewHandlers(deps Deps, cfg config.ServerConfig, hub *Hub, startedAt time.Time, logger *slog.Logger) *Handlers {
	h := &Handlers{
		deps:      deps,
		cfg:       cfg,
		hub:       hub,
		startedAt: startedAt,
		logger:    logger.With("component", "api-handlers"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), cfg, r.Host)
		},
	}
	return h
}

// isOriginAllowed gates websocket upgrades. With no allowlist configured,
// only browsers on localhost or on the server's own host may connect; a
// non-empty allowlist replaces that with exact matching.
func isOriginAllowed(origin string, cfg config.ServerConfig, reqHost string) bool {
	if origin == "" {
		return true
	}
	if len(cfg.AllowedOrigins) > 0 {
		for _, allowed := range cfg.AllowedOrigins {
			if strings.EqualFold(origin, allowed) {
				return true
			}
		}
		return false
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, reqHost) {
		return true
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// Read endpoints
// ————————————————————————————————————————————————————————————————————————

// HandleHealth reports process liveness.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]string{
		"status":  "ok",
		"uptime":  time.Since(h.startedAt).Round(time.Second).String(),
		"version": h.deps.Version,
	})
}

// HandleSnapshot returns the full dashboard document.
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, BuildSnapshot(r.Context(), h.deps, h.startedAt))
}

// HandleStats returns the aggregated statistics read model.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.deps.Stats.GetStats(r.Context())
	if err != nil {
		h.logger.Error("load stats", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, st)
}

// HandleTransactions returns recent transactions, newest first.
func (h *Handlers) HandleTransactions(w http.ResponseWriter, r *http.Request) {
	limit := defaultTxLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	if limit > maxTxLimit {
		limit = maxTxLimit
	}

	txs, err := h.deps.Store.RecentTransactions(r.Context(), limit)
	if err != nil {
		h.logger.Error("load transactions", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, txs)
}

// HandleExportCell streams the raw events behind one heatmap cell as a CSV
// inside a zip archive, e.g. GET /api/stats/export?cell=Mon-12.
func (h *Handlers) HandleExportCell(w http.ResponseWriter, r *http.Request) {
	cell := r.URL.Query().Get("cell")
	day, hour, ok := stats.ParseCellID(cell)
	if !ok {
		http.Error(w, "cell must be a weekday-hour id like Mon-12", http.StatusBadRequest)
		return
	}

	events, err := h.deps.Store.EventsForCell(r.Context(), day, hour)
	if err != nil {
		h.logger.Error("load cell events", "cell", cell, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="events-%s.zip"`, cell))

	zw := zip.NewWriter(w)
	f, err := zw.Create(fmt.Sprintf("events-%s.csv", cell))
	if err != nil {
		h.logger.Error("create zip entry", "error", err)
		return
	}

	cw := csv.NewWriter(f)
	cw.Write([]string{"id", "pair", "direction", "spread_percent", "depth_buy", "depth_sell", "timestamp"})
	for _, ev := range events {
		cw.Write([]string{
			ev.ID,
			ev.Pair,
			ev.Direction,
			ev.SpreadPercent.StringFixed(4),
			ev.DepthBuy.String(),
			ev.DepthSell.String(),
			ev.Timestamp.UTC().Format(time.RFC3339),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		h.logger.Error("write csv", "cell", cell, "error", err)
	}
	if err := zw.Close(); err != nil {
		h.logger.Error("close zip", "cell", cell, "error", err)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Control endpoints
// ————————————————————————————————————————————————————————————————————————

// HandleMode switches every exchange client between sandbox and live.
func (h *Handlers) HandleMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Sandbox bool `json:"sandbox"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	h.persist(func(s *state.AppState) { s.IsSandboxMode = req.Sandbox })
	for _, client := range h.deps.Clients {
		client.SetMode(req.Sandbox)
	}
	if !req.Sandbox {
		h.logger.Warn("LIVE trading mode enabled, real orders will be placed")
	}

	h.hub.Broadcast(ReceiveSandboxModeUpdate(req.Sandbox))
	h.writeJSON(w, map[string]bool{"sandbox": req.Sandbox})
}

// HandleAutoTrade flips automatic opportunity execution.
func (h *Handlers) HandleAutoTrade(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	h.persist(func(s *state.AppState) { s.IsAutoTradeEnabled = req.Enabled })
	h.hub.Broadcast(ReceiveAutoTradeUpdate(req.Enabled))
	h.writeJSON(w, map[string]bool{"enabled": req.Enabled})
}

// HandleAutoRebalance flips automatic proposal execution.
func (h *Handlers) HandleAutoRebalance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	h.persist(func(s *state.AppState) { s.IsAutoRebalanceEnabled = req.Enabled })
	h.hub.Broadcast(ReceiveAutoRebalanceUpdate(req.Enabled))
	h.writeJSON(w, map[string]bool{"enabled": req.Enabled})
}

// HandleSmartStrategy flips calendar-driven threshold selection and
// re-decides immediately so the change is visible without a timer wait.
func (h *Handlers) HandleSmartStrategy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	h.persist(func(s *state.AppState) { s.IsSmartStrategyEnabled = req.Enabled })
	h.redecide(r)
	h.writeJSON(w, map[string]bool{"enabled": req.Enabled})
}

// HandleThreshold sets the global minimum net profit threshold in percent.
func (h *Handlers) HandleThreshold(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Percent decimal.Decimal `json:"percent"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if !req.Percent.IsPositive() {
		http.Error(w, "percent must be positive", http.StatusBadRequest)
		return
	}

	h.persist(func(s *state.AppState) { s.MinProfitThreshold = req.Percent })
	h.redecide(r)
	h.writeJSON(w, map[string]string{"percent": req.Percent.String()})
}

// HandlePairThreshold sets or clears a per-pair threshold override. A zero
// percent removes the override so the pair follows the global threshold.
func (h *Handlers) HandlePairThreshold(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pair    string          `json:"pair"`
		Percent decimal.Decimal `json:"percent"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if req.Pair == "" {
		http.Error(w, "pair is required", http.StatusBadRequest)
		return
	}
	if req.Percent.IsNegative() {
		http.Error(w, "percent must not be negative", http.StatusBadRequest)
		return
	}
	if !h.knownPair(req.Pair) {
		http.Error(w, "unknown pair", http.StatusBadRequest)
		return
	}

	h.persist(func(s *state.AppState) {
		if req.Percent.IsZero() {
			delete(s.PairThresholds, req.Pair)
			return
		}
		s.PairThresholds[req.Pair] = req.Percent
	})

	h.hub.Broadcast(ReceivePairThresholdUpdate(req.Pair, req.Percent))
	h.writeJSON(w, map[string]string{"pair": req.Pair, "percent": req.Percent.String()})
}

// HandleSafetyLimits tunes the kill-switch trip conditions.
func (h *Handlers) HandleSafetyLimits(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxDrawdownUsd       decimal.Decimal `json:"maxDrawdownUsd"`
		MaxConsecutiveLosses int             `json:"maxConsecutiveLosses"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if !req.MaxDrawdownUsd.IsPositive() {
		http.Error(w, "maxDrawdownUsd must be positive", http.StatusBadRequest)
		return
	}
	if req.MaxConsecutiveLosses < 1 {
		http.Error(w, "maxConsecutiveLosses must be at least 1", http.StatusBadRequest)
		return
	}

	h.persist(func(s *state.AppState) {
		s.MaxDrawdownUsd = req.MaxDrawdownUsd
		s.MaxConsecutiveLosses = req.MaxConsecutiveLosses
	})
	h.writeJSON(w, newStateSummary(h.deps.State.Snapshot()))
}

// HandleSafetyReset clears a tripped kill-switch. Auto-trade stays off
// until the operator re-enables it explicitly.
func (h *Handlers) HandleSafetyReset(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Safety.Reset(); err != nil {
		h.logger.Error("reset kill-switch", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	h.hub.Broadcast(ReceiveSafetyUpdate(false, ""))
	h.writeJSON(w, newStateSummary(h.deps.State.Snapshot()))
}

// HandleRebalanceExecute executes one pending rebalance proposal by id.
func (h *Handlers) HandleRebalanceExecute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProposalID string `json:"proposalId"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if req.ProposalID == "" {
		http.Error(w, "proposalId is required", http.StatusBadRequest)
		return
	}

	tx, err := h.deps.Inventory.ExecuteByID(r.Context(), req.ProposalID)
	if err != nil {
		h.logger.Error("execute rebalance", "proposal", req.ProposalID, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.writeJSON(w, tx)
}

// HandleSandboxDeposit tops up a simulated balance.
func (h *Handlers) HandleSandboxDeposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Exchange string          `json:"exchange"`
		Asset    string          `json:"asset"`
		Amount   decimal.Decimal `json:"amount"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if req.Asset == "" {
		http.Error(w, "asset is required", http.StatusBadRequest)
		return
	}
	if !req.Amount.IsPositive() {
		http.Error(w, "amount must be positive", http.StatusBadRequest)
		return
	}
	client, ok := h.deps.Clients[req.Exchange]
	if !ok {
		http.Error(w, "unknown exchange", http.StatusBadRequest)
		return
	}

	client.DepositSandboxFunds(req.Asset, req.Amount)
	h.writeJSON(w, map[string]string{
		"exchange": req.Exchange,
		"asset":    req.Asset,
		"amount":   req.Amount.String(),
	})
}

// HandleWallet sets or clears the withdrawal-address override used when
// transferring an asset toward an exchange. An empty address clears it.
func (h *Handlers) HandleWallet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Asset    string `json:"asset"`
		Exchange string `json:"exchange"`
		Address  string `json:"address"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if req.Asset == "" || req.Exchange == "" {
		http.Error(w, "asset and exchange are required", http.StatusBadRequest)
		return
	}
	if _, ok := h.deps.Clients[req.Exchange]; !ok {
		http.Error(w, "unknown exchange", http.StatusBadRequest)
		return
	}

	h.persist(func(s *state.AppState) {
		if req.Address == "" {
			if m := s.WalletOverrides[req.Asset]; m != nil {
				delete(m, req.Exchange)
				if len(m) == 0 {
					delete(s.WalletOverrides, req.Asset)
				}
			}
			return
		}
		if s.WalletOverrides == nil {
			s.WalletOverrides = make(map[string]map[string]string)
		}
		if s.WalletOverrides[req.Asset] == nil {
			s.WalletOverrides[req.Asset] = make(map[string]string)
		}
		s.WalletOverrides[req.Asset][req.Exchange] = req.Address
	})

	h.hub.Broadcast(ReceiveWalletUpdate(req.Asset, req.Exchange, req.Address))
	h.writeJSON(w, map[string]string{
		"asset":    req.Asset,
		"exchange": req.Exchange,
		"address":  req.Address,
	})
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket
// ————————————————————————————————————————————————————————————————————————

// HandleWebSocket upgrades the connection, registers the client and pushes
// an initial snapshot so the dashboard renders without a second request.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := NewClient(h.hub, conn)
	snapshot := BuildSnapshot(r.Context(), h.deps, h.startedAt)
	client.sendDirect(newEvent(EventSnapshot, snapshot), h.logger)
}

// ————————————————————————————————————————————————————————————————————————
// Helpers
// ————————————————————————————————————————————————————————————————————————

func (h *Handlers) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", "error", err)
	}
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// persist applies a state mutation; a failed save keeps the in-memory
// change and is logged rather than surfaced to the caller.
func (h *Handlers) persist(fn func(*state.AppState)) {
	if err := h.deps.State.Update(fn); err != nil {
		h.logger.Warn("persist app state", "error", err)
	}
}

// redecide recomputes the active threshold and broadcasts the result.
func (h *Handlers) redecide(r *http.Request) {
	update, err := h.deps.Strategy.Decide(r.Context())
	if err != nil {
		h.logger.Warn("strategy re-decide failed", "error", err)
		return
	}
	h.hub.Broadcast(ReceiveStrategyUpdate(update))
}

func (h *Handlers) knownPair(symbol string) bool {
	for _, pair := range h.deps.Pairs {
		if pair.Canonical() == symbol {
			return true
		}
	}
	return false
}
