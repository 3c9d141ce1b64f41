package market

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"crossarb/internal/bus"
	"crossarb/internal/config"
	"crossarb/pkg/types"
)

// Poller is the REST book provider for exchanges without a usable public
// stream. It fetches a depth-limited snapshot for every configured symbol
// on a fixed interval, starting with an immediate poll so books are warm
// before the first tick.

// restBookResponse is the JSON shape of a venue's book endpoint. Levels
// arrive as ["price","qty"] string pairs.
type restBookResponse struct {
	Symbol string     `json:"symbol"`
	Bids   [][]string `json:"bids"`
	Asks   [][]string `json:"asks"`
}

// Poller polls an exchange's REST book endpoint for every configured pair.
type Poller struct {
	exchange   string
	httpClient *resty.Client
	interval   time.Duration
	depth      int

	books map[string]*Book  // canonical symbol → local book
	venue map[string]string // canonical symbol → venue symbol
	order []string          // canonical symbols, poll order

	bus    *bus.Bus
	conns  *connTracker
	logger *slog.Logger
}

// NewPoller creates a REST book provider for one exchange covering the
// given pairs.
func NewPoller(cfg config.ExchangeConfig, pairs []types.TradingPair, b *bus.Bus, logger *slog.Logger) *Poller {
	client := resty.New().
		SetBaseURL(cfg.RESTBaseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	p := &Poller{
		exchange:   cfg.Name,
		httpClient: client,
		interval:   cfg.PollInterval,
		depth:      cfg.BookDepth,
		books:      make(map[string]*Book, len(pairs)),
		venue:      make(map[string]string, len(pairs)),
		bus:        b,
		conns:      newConnTracker(cfg.Name),
		logger:     logger.With("component", "poller", "exchange", cfg.Name),
	}
	for _, pair := range pairs {
		symbol := pair.Canonical()
		p.books[symbol] = NewBook(cfg.Name, symbol)
		p.venue[symbol] = pair.SymbolOn(cfg.Name)
		p.order = append(p.order, symbol)
	}
	return p
}

// Name returns the exchange this poller serves.
func (p *Poller) Name() string { return p.exchange }

// GetOrderBook returns the latest snapshot for a canonical symbol.
func (p *Poller) GetOrderBook(symbol string) (*types.OrderBookSnapshot, bool) {
	book, ok := p.books[symbol]
	if !ok {
		return nil, false
	}
	return book.Snapshot()
}

// ConnectionStatus reports the poller's coarse connection state.
func (p *Poller) ConnectionStatus() types.ConnectionStatus {
	return p.conns.status()
}

// Run starts the polling loop. Blocks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.conns.set(types.ConnConnecting, "")

	// Warm the books before the first tick
	p.poll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.conns.set(types.ConnDisconnected, "")
			return ctx.Err()
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	failed := 0
	for _, symbol := range p.order {
		if err := p.fetchBook(ctx, symbol); err != nil {
			if ctx.Err() != nil {
				return
			}
			failed++
			p.conns.set(types.ConnError, err.Error())
			p.logger.Error("book poll failed", "symbol", symbol, "error", err)
		}
	}
	if failed == 0 {
		p.conns.set(types.ConnConnected, "")
	}
}

func (p *Poller) fetchBook(ctx context.Context, symbol string) error {
	var book restBookResponse
	resp, err := p.httpClient.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol": p.venue[symbol],
			"depth":  strconv.Itoa(p.depth),
		}).
		SetResult(&book).
		Get("/orderbook")
	if err != nil {
		return fmt.Errorf("fetch book %s: %w", symbol, err)
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("fetch book %s: status %d", symbol, resp.StatusCode())
	}

	p.books[symbol].Apply(types.ParseLevels(book.Bids), types.ParseLevels(book.Asks))
	p.conns.touch()
	p.bus.PublishMarketUpdate(symbol)
	return nil
}
