// Package execution simulates fills against live orderbooks and owns the
// resulting position book.
//
// A TradeSignal becomes a SimulatedOrder. Market orders fill immediately at
// the current ask on the chosen side; limit orders fill only when the ask has
// already crossed the limit, otherwise they stay Pending and are never
// retried. Every fill passes the risk gate first, then the order and the
// updated position are persisted as a pair before the in-memory book changes.
// Closes and settlements are the only sources of realized P&L.
//
// The book is keyed by (strategy, market ticker, side); buying the same key
// again averages into the existing row. One mutex serializes all mutations so
// the persisted state and the in-memory view never diverge, and a persistence
// failure after a fill halts the engine rather than let them drift apart.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"kalshi-paper/internal/risk"
	"kalshi-paper/pkg/types"
)

// Sentinel errors. Rejections are not errors: a rejected order comes back
// with status Rejected, a reason, and a nil error.
var (
	// ErrHalted is returned once a fill could not be persisted. The engine
	// refuses further executions; restarting the process rebuilds the book
	// from storage.
	ErrHalted = errors.New("execution halted: fill persistence failed")

	// ErrInvariant marks an order that would corrupt the position book.
	ErrInvariant = errors.New("order violates position invariants")
)

// reasonNoMarketData is the rejection reason recorded when no orderbook, or
// no ask on the wanted side, exists for the market.
const reasonNoMarketData = "no market data for ticker"

// Ledger is the persistence surface the engine writes through. SaveFill must
// write the order and the position together so a partial failure cannot leave
// a fill without its position row.
type Ledger interface {
	SaveOrder(ctx context.Context, order types.SimulatedOrder) error
	SaveFill(ctx context.Context, order types.SimulatedOrder, pos types.Position) error
	UpsertPosition(ctx context.Context, pos types.Position) error
	RecordPerformance(ctx context.Context, perf types.StrategyPerformance) error
}

// BookSource yields the latest consolidated orderbook for a ticker.
type BookSource interface {
	Orderbook(ticker string) (types.OrderbookState, bool)
}

// bookKey identifies one position row. The opposite side of the same market
// is a separate row, as is the same market under another strategy.
type bookKey struct {
	strategyID string
	ticker     string
	side       types.Side
}

// Engine is the simulated execution venue and position ledger.
type Engine struct {
	books  BookSource
	gate   *risk.Gate
	ledger Ledger
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	positions map[bookKey]types.Position // latest row per key, open or closed
	stats     map[string]*strategyStats
	halted    bool

	fillHooks []func(types.SimulatedOrder, types.Position)
	posHooks  []func(types.Position)
}

// New builds an execution engine over the given book source, risk gate, and
// ledger.
func New(books BookSource, gate *risk.Gate, ledger Ledger, logger *slog.Logger) *Engine {
	return &Engine{
		books:     books,
		gate:      gate,
		ledger:    ledger,
		logger:    logger.With("component", "execution"),
		now:       time.Now,
		positions: make(map[bookKey]types.Position),
		stats:     make(map[string]*strategyStats),
	}
}

// OnFill registers fn to run after a fill and its position row have been
// persisted. Hook panics are logged and never roll anything back.
func (e *Engine) OnFill(fn func(types.SimulatedOrder, types.Position)) {
	e.mu.Lock()
	e.fillHooks = append(e.fillHooks, fn)
	e.mu.Unlock()
}

// OnPositionUpdate registers fn to run after any persisted position change:
// fill, mark, close, or settlement.
func (e *Engine) OnPositionUpdate(fn func(types.Position)) {
	e.mu.Lock()
	e.posHooks = append(e.posHooks, fn)
	e.mu.Unlock()
}

// ExecuteSignal runs the fill protocol for one signal. The returned order
// carries the outcome: Filled, Rejected with a reason, or Pending for a limit
// order the market has not crossed. The error is non-nil only for invariant
// violations, a halted engine, or a fill that could not be persisted.
func (e *Engine) ExecuteSignal(ctx context.Context, sig types.TradeSignal) (types.SimulatedOrder, error) {
	if sig.Quantity < 1 {
		return types.SimulatedOrder{}, fmt.Errorf("execute %s: %w: quantity %d", sig.MarketTicker, ErrInvariant, sig.Quantity)
	}
	if sig.Side != types.SideYes && sig.Side != types.SideNo {
		return types.SimulatedOrder{}, fmt.Errorf("execute %s: %w: side %q", sig.MarketTicker, ErrInvariant, sig.Side)
	}
	if sig.LimitPrice != nil && (*sig.LimitPrice < 0 || *sig.LimitPrice > 100) {
		return types.SimulatedOrder{}, fmt.Errorf("execute %s: %w: limit price %d", sig.MarketTicker, ErrInvariant, *sig.LimitPrice)
	}

	order, pos, err := e.execute(ctx, sig)
	if err != nil || order.Status != types.OrderFilled {
		return order, err
	}
	e.notifyFill(order, pos)
	return order, nil
}

func (e *Engine) execute(ctx context.Context, sig types.TradeSignal) (types.SimulatedOrder, types.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.halted {
		return types.SimulatedOrder{}, types.Position{}, ErrHalted
	}

	order := types.SimulatedOrder{
		ID:           uuid.NewString(),
		GameID:       sig.GameID,
		StrategyID:   sig.StrategyID,
		MarketTicker: sig.MarketTicker,
		Type:         types.OrderMarket,
		Side:         sig.Side,
		Quantity:     sig.Quantity,
		Status:       types.OrderPending,
		PlacedAt:     e.now().UTC(),
		Signal:       &sig,
	}
	if sig.LimitPrice != nil {
		order.Type = types.OrderLimit
		order.LimitPrice = sig.LimitPrice
	}

	book, ok := e.books.Orderbook(sig.MarketTicker)
	var ask int
	if ok {
		ask, ok = book.TakerPrice(sig.Side)
	}
	if !ok {
		return e.rejectLocked(ctx, order, reasonNoMarketData), types.Position{}, nil
	}

	if order.Type == types.OrderLimit && ask > *order.LimitPrice {
		// Stays Pending and is never retried; the row records the attempt.
		e.persistOrderLocked(ctx, order)
		e.logger.Info("limit order not crossed",
			"ticker", order.MarketTicker, "side", order.Side,
			"limit", *order.LimitPrice, "ask", ask)
		return order, types.Position{}, nil
	}

	if v := e.gate.Check(order, e.openLocked()); !v.Approved {
		return e.rejectLocked(ctx, order, v.Reason), types.Position{}, nil
	}

	filledAt := e.now().UTC()
	order.Status = types.OrderFilled
	order.FillPrice = &ask
	order.FilledAt = &filledAt

	key := bookKey{sig.StrategyID, sig.MarketTicker, sig.Side}
	pos := e.filledPositionLocked(key, order)
	if err := e.ledger.SaveFill(ctx, order, pos); err != nil {
		e.haltLocked(err)
		return order, types.Position{}, fmt.Errorf("persist fill %s: %w", order.MarketTicker, err)
	}
	e.positions[key] = pos
	e.gate.Record(order, ask)

	e.logger.Info("order filled",
		"ticker", order.MarketTicker, "side", order.Side,
		"quantity", order.Quantity, "price", ask,
		"strategy", sig.StrategyID, "avg_price", pos.AvgPrice)
	return order, pos, nil
}

// rejectLocked stamps the order Rejected and persists the row. Rejected rows
// are audit data, not book state, so a persistence failure here only logs.
func (e *Engine) rejectLocked(ctx context.Context, order types.SimulatedOrder, reason string) types.SimulatedOrder {
	order.Status = types.OrderRejected
	order.Reason = reason
	e.persistOrderLocked(ctx, order)
	e.logger.Info("order rejected",
		"ticker", order.MarketTicker, "side", order.Side,
		"quantity", order.Quantity, "reason", reason)
	return order
}

func (e *Engine) persistOrderLocked(ctx context.Context, order types.SimulatedOrder) {
	if err := e.ledger.SaveOrder(ctx, order); err != nil {
		e.logger.Error("persist order failed",
			"order_id", order.ID, "status", order.Status, "error", err)
	}
}

// filledPositionLocked returns the position row as it will look after the
// fill, without committing it to the book. A fill on a closed key opens a
// fresh row.
func (e *Engine) filledPositionLocked(key bookKey, order types.SimulatedOrder) types.Position {
	fill := decimal.NewFromInt(int64(*order.FillPrice))
	at := *order.FilledAt

	cur, ok := e.positions[key]
	if !ok || !cur.IsOpen {
		return types.Position{
			ID:           uuid.NewString(),
			GameID:       order.GameID,
			StrategyID:   order.StrategyID,
			MarketID:     order.MarketID,
			MarketTicker: order.MarketTicker,
			Side:         order.Side,
			Quantity:     order.Quantity,
			AvgPrice:     fill,
			IsOpen:       true,
			OpenedAt:     at,
			UpdatedAt:    at,
		}
	}

	oldQty := decimal.NewFromInt(int64(cur.Quantity))
	addQty := decimal.NewFromInt(int64(order.Quantity))
	newQty := oldQty.Add(addQty)
	cur.AvgPrice = oldQty.Mul(cur.AvgPrice).Add(addQty.Mul(fill)).Div(newQty)
	cur.Quantity += order.Quantity
	cur.UpdatedAt = at
	return cur
}

// ClosePosition closes every open position on the market, at exitPrice when
// given, otherwise at the current bid on each position's side. Positions with
// no usable exit price stay open. Returns the closed rows.
func (e *Engine) ClosePosition(ctx context.Context, marketTicker string, exitPrice *int, reason string) []types.Position {
	return e.closeAt(ctx, marketTicker, "position closed: "+reason, func(p types.Position) (int, bool) {
		if exitPrice != nil {
			return *exitPrice, true
		}
		book, ok := e.books.Orderbook(marketTicker)
		if !ok {
			return 0, false
		}
		return book.BidFor(p.Side)
	})
}

// SettlePosition settles every open position on the market at expiry: 100¢
// per contract when the position's side matches the outcome, 0¢ otherwise.
func (e *Engine) SettlePosition(ctx context.Context, marketTicker string, outcome types.Side) []types.Position {
	return e.closeAt(ctx, marketTicker, "position settled: outcome "+string(outcome), func(p types.Position) (int, bool) {
		if p.Side == outcome {
			return 100, true
		}
		return 0, true
	})
}

// closeAt is the shared close/settle path. Each closed row is persisted
// before the book and the risk account are updated; a row whose persist
// fails is left open and retried on the next close.
func (e *Engine) closeAt(ctx context.Context, ticker, what string, exitFor func(types.Position) (int, bool)) []types.Position {
	e.mu.Lock()

	var closed []types.Position
	for key, p := range e.positions {
		if key.ticker != ticker || !p.IsOpen || p.Quantity <= 0 {
			continue
		}
		exit, ok := exitFor(p)
		if !ok {
			e.logger.Warn("no exit price, position left open",
				"ticker", ticker, "side", p.Side)
			continue
		}

		now := e.now().UTC()
		mark := decimal.NewFromInt(int64(exit))
		delta := mark.Sub(p.AvgPrice).Mul(decimal.NewFromInt(int64(p.Quantity)))

		next := p
		next.RealizedPnL = p.RealizedPnL.Add(delta)
		next.CurrentPrice = &mark
		next.UnrealizedPnL = decimal.Zero
		next.Quantity = 0
		next.IsOpen = false
		next.ClosedAt = &now
		next.UpdatedAt = now

		if err := e.ledger.UpsertPosition(ctx, next); err != nil {
			e.logger.Error("persist close failed, position left open",
				"ticker", ticker, "side", p.Side, "error", err)
			continue
		}
		e.positions[key] = next
		e.gate.RecordRealized(delta)
		e.recordTradeLocked(p.StrategyID, delta)
		closed = append(closed, next)

		e.logger.Info(what,
			"ticker", ticker, "side", p.Side, "quantity", p.Quantity,
			"exit", exit, "realized", delta, "strategy", p.StrategyID)
	}

	perfs := e.rollupsLocked(closed)
	hooks := e.posHooksLocked()
	e.mu.Unlock()

	for _, perf := range perfs {
		if err := e.ledger.RecordPerformance(ctx, perf); err != nil {
			e.logger.Warn("persist performance failed",
				"strategy", perf.StrategyID, "error", err)
		}
	}
	for _, p := range closed {
		e.notifyPosition(hooks, p)
	}
	return closed
}

// MarkToMarket refreshes the mark and unrealized P&L of every open position
// from the latest books; the mark is the bid on the held side. Positions
// whose book has no usable price keep their previous mark. Returns the
// portfolio summary after the pass.
func (e *Engine) MarkToMarket(ctx context.Context) Summary {
	e.mu.Lock()

	now := e.now().UTC()
	var updated []types.Position
	for key, p := range e.positions {
		if !p.IsOpen || p.Quantity <= 0 {
			continue
		}
		book, ok := e.books.Orderbook(key.ticker)
		if !ok {
			continue
		}
		cents, ok := markPrice(book, p.Side)
		if !ok {
			continue
		}

		mark := decimal.NewFromInt(int64(cents))
		next := p
		next.CurrentPrice = &mark
		next.UnrealizedPnL = mark.Sub(p.AvgPrice).Mul(decimal.NewFromInt(int64(p.Quantity)))
		next.UpdatedAt = now
		e.positions[key] = next
		updated = append(updated, next)
	}

	sum := e.summaryLocked()
	hooks := e.posHooksLocked()
	e.mu.Unlock()

	for _, p := range updated {
		if err := e.ledger.UpsertPosition(ctx, p); err != nil {
			e.logger.Warn("persist mark failed",
				"ticker", p.MarketTicker, "error", err)
			continue
		}
		e.notifyPosition(hooks, p)
	}
	return sum
}

// markPrice is the bid on the held side, falling back to the only quoted
// side when the book is one-sided.
func markPrice(book types.OrderbookState, side types.Side) (int, bool) {
	if bid, ok := book.BidFor(side); ok {
		return bid, true
	}
	return book.TakerPrice(side)
}

// Restore seeds the book from persisted open positions. Call it before the
// engine starts executing; closed or empty rows are ignored.
func (e *Engine) Restore(positions []types.Position) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, p := range positions {
		if !p.IsOpen || p.Quantity < 1 {
			continue
		}
		e.positions[bookKey{p.StrategyID, p.MarketTicker, p.Side}] = p
	}
	e.logger.Info("position book restored", "open_positions", len(e.positions))
}

// ReplayOrders rebuilds the book from an order log, applying Filled orders in
// sequence. Duplicate order IDs and out-of-range fills are skipped. Returns
// the number of fills applied. Replaying the persisted log must reproduce the
// book the live protocol built; recovery and audits rely on that.
func (e *Engine) ReplayOrders(orders []types.SimulatedOrder) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.positions = make(map[bookKey]types.Position)
	seen := make(map[string]bool, len(orders))
	applied := 0
	for _, o := range orders {
		if o.Status != types.OrderFilled || o.FillPrice == nil || o.FilledAt == nil {
			continue
		}
		if seen[o.ID] {
			e.logger.Error("duplicate fill in order log, skipped", "order_id", o.ID)
			continue
		}
		if *o.FillPrice < 0 || *o.FillPrice > 100 || o.Quantity < 1 {
			e.logger.Error("invalid fill in order log, skipped",
				"order_id", o.ID, "price", *o.FillPrice, "quantity", o.Quantity)
			continue
		}
		seen[o.ID] = true
		key := bookKey{o.StrategyID, o.MarketTicker, o.Side}
		e.positions[key] = e.filledPositionLocked(key, o)
		applied++
	}
	e.logger.Info("order log replayed", "orders", len(orders), "fills_applied", applied)
	return applied
}

// Halted reports whether the engine stopped accepting orders after a fill
// persistence failure.
func (e *Engine) Halted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted
}

func (e *Engine) haltLocked(err error) {
	e.halted = true
	e.logger.Error("fill persistence failed, halting executions", "error", err)
}

// Positions returns a copy of every tracked row, open and closed.
func (e *Engine) Positions() []types.Position {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]types.Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, p)
	}
	return out
}

// OpenPositions returns a copy of the open rows.
func (e *Engine) OpenPositions() []types.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openLocked()
}

// Position returns the row for one (strategy, ticker, side) key.
func (e *Engine) Position(strategyID, ticker string, side types.Side) (types.Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.positions[bookKey{strategyID, ticker, side}]
	return p, ok
}

func (e *Engine) openLocked() []types.Position {
	out := make([]types.Position, 0, len(e.positions))
	for _, p := range e.positions {
		if p.IsOpen && p.Quantity > 0 {
			out = append(out, p)
		}
	}
	return out
}

// Summary aggregates the portfolio: open row count, cost basis and
// unrealized P&L over open rows, realized P&L over every row ever tracked.
type Summary struct {
	OpenPositions int
	TotalCost     decimal.Decimal
	UnrealizedPnL decimal.Decimal
	RealizedPnL   decimal.Decimal
	TotalPnL      decimal.Decimal
}

// PortfolioSummary returns the current portfolio totals.
func (e *Engine) PortfolioSummary() Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.summaryLocked()
}

func (e *Engine) summaryLocked() Summary {
	var s Summary
	for _, p := range e.positions {
		s.RealizedPnL = s.RealizedPnL.Add(p.RealizedPnL)
		if p.IsOpen && p.Quantity > 0 {
			s.OpenPositions++
			s.TotalCost = s.TotalCost.Add(p.Cost())
			s.UnrealizedPnL = s.UnrealizedPnL.Add(p.UnrealizedPnL)
		}
	}
	s.TotalPnL = s.RealizedPnL.Add(s.UnrealizedPnL)
	return s
}

func (e *Engine) posHooksLocked() []func(types.Position) {
	hooks := make([]func(types.Position), len(e.posHooks))
	copy(hooks, e.posHooks)
	return hooks
}

func (e *Engine) notifyFill(order types.SimulatedOrder, pos types.Position) {
	e.mu.Lock()
	fills := make([]func(types.SimulatedOrder, types.Position), len(e.fillHooks))
	copy(fills, e.fillHooks)
	posFns := e.posHooksLocked()
	e.mu.Unlock()

	for _, fn := range fills {
		e.safely("fill", func() { fn(order, pos) })
	}
	for _, fn := range posFns {
		e.safely("position", func() { fn(pos) })
	}
}

func (e *Engine) notifyPosition(hooks []func(types.Position), pos types.Position) {
	for _, fn := range hooks {
		e.safely("position", func() { fn(pos) })
	}
}

// safely runs a callback, turning a panic into a log line.
func (e *Engine) safely(hook string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("callback panicked", "hook", hook, "panic", r)
		}
	}()
	fn()
}
