package execution

import (
	"github.com/shopspring/decimal"

	"kalshi-paper/pkg/types"
)

// strategyStats accumulates closed-trade outcomes for one strategy. A trade
// is one closed position; break-even trades count toward the total only.
type strategyStats struct {
	trades   int
	wins     int
	losses   int
	winSum   decimal.Decimal // sum of winning trade P&L
	lossSum  decimal.Decimal // absolute sum of losing trade P&L
	realized decimal.Decimal
}

// infiniteProfitFactor is the stored stand-in for wins with zero losses,
// kept for compatibility with existing performance rows.
var infiniteProfitFactor = decimal.NewFromInt(999999)

// profitFactor is total winning P&L over absolute total losing P&L.
func profitFactor(winSum, lossSum decimal.Decimal) decimal.Decimal {
	switch {
	case lossSum.IsPositive():
		return winSum.Div(lossSum).Round(4)
	case winSum.IsPositive():
		return infiniteProfitFactor
	default:
		return decimal.Zero
	}
}

// recordTradeLocked folds one closed trade into the strategy tally.
func (e *Engine) recordTradeLocked(strategyID string, pnl decimal.Decimal) {
	s := e.stats[strategyID]
	if s == nil {
		s = &strategyStats{}
		e.stats[strategyID] = s
	}
	s.trades++
	s.realized = s.realized.Add(pnl)
	switch {
	case pnl.IsPositive():
		s.wins++
		s.winSum = s.winSum.Add(pnl)
	case pnl.IsNegative():
		s.losses++
		s.lossSum = s.lossSum.Add(pnl.Abs())
	}
}

// rollupsLocked builds one performance row per distinct strategy named in
// the closed rows.
func (e *Engine) rollupsLocked(closed []types.Position) []types.StrategyPerformance {
	seen := make(map[string]bool, len(closed))
	var out []types.StrategyPerformance
	for _, p := range closed {
		if seen[p.StrategyID] {
			continue
		}
		seen[p.StrategyID] = true
		out = append(out, e.performanceLocked(p.StrategyID))
	}
	return out
}

// performanceLocked snapshots one strategy's rollup row.
func (e *Engine) performanceLocked(strategyID string) types.StrategyPerformance {
	s := e.stats[strategyID]
	if s == nil {
		s = &strategyStats{}
	}

	exposure := decimal.Zero
	for _, p := range e.positions {
		if p.StrategyID == strategyID && p.IsOpen && p.Quantity > 0 {
			exposure = exposure.Add(p.Cost())
		}
	}

	perf := types.StrategyPerformance{
		StrategyID:    strategyID,
		TotalTrades:   s.trades,
		WinningTrades: s.wins,
		LosingTrades:  s.losses,
		RealizedPnL:   s.realized,
		OpenExposure:  exposure,
		ProfitFactor:  profitFactor(s.winSum, s.lossSum),
		UpdatedAt:     e.now().UTC(),
	}
	if s.trades > 0 {
		perf.WinRate = decimal.NewFromInt(int64(s.wins)).
			Div(decimal.NewFromInt(int64(s.trades))).Round(4)
	}
	return perf
}

// Performance returns the current rollup row for one strategy.
func (e *Engine) Performance(strategyID string) types.StrategyPerformance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.performanceLocked(strategyID)
}
