// Package risk is the pre-trade gate every simulated order passes through.
//
// The gate holds one RiskAccount: loss accumulators, order-rate counters,
// and the loss-streak cooldown. Check evaluates a fixed sequence of limits
// against the order and the current position book and short-circuits on the
// first breach; Record and RecordRealized feed executions and realized P&L
// back into the account. Rejections are values, not errors: a rejected
// order is a normal outcome that gets persisted with its reason.
//
// Limits and accumulators are cents throughout. Daily counters reset at
// 00:00 UTC, weekly ones on Monday 00:00 UTC, and the hourly order window
// rolls continuously.
package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kalshi-paper/pkg/types"
)

// LimitType names one enforceable limit, matching the persisted policy keys.
type LimitType string

const (
	LimitContractsPerMarket  LimitType = "max_contracts_per_market"
	LimitContractsPerGame    LimitType = "max_contracts_per_game"
	LimitTotalContracts      LimitType = "max_total_contracts"
	LimitDailyLoss           LimitType = "max_daily_loss"
	LimitWeeklyLoss          LimitType = "max_weekly_loss"
	LimitPerTradeRisk        LimitType = "max_per_trade_risk"
	LimitTotalExposure       LimitType = "max_total_exposure"
	LimitExposurePerGame     LimitType = "max_exposure_per_game"
	LimitExposurePerStrategy LimitType = "max_exposure_per_strategy"
	LimitOrdersPerDay        LimitType = "max_orders_per_day"
	LimitOrdersPerHour       LimitType = "max_orders_per_hour"
	LimitLossStreak          LimitType = "loss_streak_cooldown"
)

// lossStreakPause is how long trading halts after a loss streak.
const lossStreakPause = 5 * time.Minute

// Limits is one named risk policy. All monetary limits are cents; the
// contract and order limits are counts. The JSON tags are the on-disk shape
// of the risk_limits config column.
type Limits struct {
	MaxContractsPerMarket  int `json:"max_contracts_per_market"`
	MaxContractsPerGame    int `json:"max_contracts_per_game"`
	MaxTotalContracts      int `json:"max_total_contracts"`
	MaxDailyLoss           int `json:"max_daily_loss"`
	MaxWeeklyLoss          int `json:"max_weekly_loss"`
	MaxPerTradeRisk        int `json:"max_per_trade_risk"`
	MaxTotalExposure       int `json:"max_total_exposure"`
	MaxExposurePerGame     int `json:"max_exposure_per_game"`
	MaxExposurePerStrategy int `json:"max_exposure_per_strategy"`
	MaxOrdersPerDay        int `json:"max_orders_per_day"`
	MaxOrdersPerHour       int `json:"max_orders_per_hour"`
	LossStreakCooldown     int `json:"loss_streak_cooldown"`
}

// DefaultLimits returns the stock policy.
func DefaultLimits() Limits {
	return Limits{
		MaxContractsPerMarket:  100,
		MaxContractsPerGame:    200,
		MaxTotalContracts:      500,
		MaxDailyLoss:           1000,
		MaxWeeklyLoss:          5000,
		MaxPerTradeRisk:        500,
		MaxTotalExposure:       10000,
		MaxExposurePerGame:     2000,
		MaxExposurePerStrategy: 3000,
		MaxOrdersPerDay:        50,
		MaxOrdersPerHour:       20,
		LossStreakCooldown:     3,
	}
}

// Verdict is the outcome of a pre-trade check. Rejections carry the breached
// limit with the account's current value and the configured maximum.
type Verdict struct {
	Approved bool
	Limit    LimitType
	Current  decimal.Decimal
	Max      decimal.Decimal
	Reason   string
}

func approved() Verdict { return Verdict{Approved: true} }

func rejected(limit LimitType, current, max decimal.Decimal, reason string) Verdict {
	return Verdict{Limit: limit, Current: current, Max: max, Reason: reason}
}

// Status is a point-in-time view of the account, for logs and telemetry.
type Status struct {
	Enabled           bool            `json:"enabled"`
	DailyLoss         decimal.Decimal `json:"daily_loss"`
	WeeklyLoss        decimal.Decimal `json:"weekly_loss"`
	ConsecutiveLosses int             `json:"consecutive_losses"`
	CooldownActive    bool            `json:"cooldown_active"`
	CooldownUntil     time.Time       `json:"cooldown_until,omitempty"`
	OrdersToday       int             `json:"orders_today"`
	OrdersThisHour    int             `json:"orders_this_hour"`
}

// Gate owns the risk account. All methods are safe for concurrent use; each
// takes the account lock so a check-then-record pair from the execution
// engine observes a consistent view.
type Gate struct {
	limits Limits
	logger *slog.Logger
	now    func() time.Time

	mu              sync.Mutex
	enabled         bool
	dailyLoss       decimal.Decimal
	weeklyLoss      decimal.Decimal
	hourlyOrders    []time.Time
	ordersToday     int
	streak          int
	cooldownUntil   time.Time
	lastDailyReset  time.Time // UTC midnight of the last daily reset
	lastWeeklyReset time.Time // UTC Monday midnight of the last weekly reset
}

// NewGate builds a gate with the given policy. A disabled gate approves
// every order but keeps accruing counters so re-enabling starts from an
// accurate account.
func NewGate(limits Limits, enabled bool, logger *slog.Logger) *Gate {
	g := &Gate{
		limits:  limits,
		logger:  logger.With("component", "risk"),
		now:     time.Now,
		enabled: enabled,
	}
	today, weekStart := g.periodStarts(g.now())
	g.lastDailyReset = today
	g.lastWeeklyReset = weekStart
	if !enabled {
		g.logger.Warn("risk gate disabled, all orders will be approved")
	}
	return g
}

// Enabled reports whether limits are being enforced.
func (g *Gate) Enabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enabled
}

// SetEnabled toggles enforcement. Disabling is deliberately loud.
func (g *Gate) SetEnabled(on bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.enabled == on {
		return
	}
	g.enabled = on
	if on {
		g.logger.Info("risk gate enabled")
	} else {
		g.logger.Warn("risk gate disabled, all orders will be approved")
	}
}

// Limits returns the active policy.
func (g *Gate) Limits() Limits {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limits
}

// Check validates an order against every limit, in fixed order, and returns
// on the first breach. positions is the caller's current book; only open
// rows count toward contract and exposure tallies. Worst-case loss per
// contract is the full 100 cents.
func (g *Gate) Check(order types.SimulatedOrder, positions []types.Position) Verdict {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.enabled {
		return approved()
	}

	now := g.now()
	g.resetExpiredLocked(now)

	// 1. Loss-streak cooldown.
	if g.streak >= g.limits.LossStreakCooldown && now.Before(g.cooldownUntil) {
		remaining := g.cooldownUntil.Sub(now).Round(time.Second)
		v := rejected(LimitLossStreak,
			decimal.NewFromInt(int64(g.streak)),
			decimal.NewFromInt(int64(g.limits.LossStreakCooldown)),
			fmt.Sprintf("cooldown after %d consecutive losses, %s remaining", g.streak, remaining))
		g.logCheckFailed(v)
		return v
	}

	tally := tallyPositions(positions)
	qty := int64(order.Quantity)
	worstCase := decimal.NewFromInt(qty * 100)

	// 2-4. Contract counts: per market, per game, total.
	if cur := tally.contractsByMarket[order.MarketTicker]; cur+order.Quantity > g.limits.MaxContractsPerMarket {
		v := rejected(LimitContractsPerMarket, decimal.NewFromInt(int64(cur)), decimal.NewFromInt(int64(g.limits.MaxContractsPerMarket)),
			fmt.Sprintf("would hold %d contracts in %s, limit %d", cur+order.Quantity, order.MarketTicker, g.limits.MaxContractsPerMarket))
		g.logCheckFailed(v)
		return v
	}
	if cur := tally.contractsByGame[order.GameID]; cur+order.Quantity > g.limits.MaxContractsPerGame {
		v := rejected(LimitContractsPerGame, decimal.NewFromInt(int64(cur)), decimal.NewFromInt(int64(g.limits.MaxContractsPerGame)),
			fmt.Sprintf("would hold %d contracts in game, limit %d", cur+order.Quantity, g.limits.MaxContractsPerGame))
		g.logCheckFailed(v)
		return v
	}
	if tally.totalContracts+order.Quantity > g.limits.MaxTotalContracts {
		v := rejected(LimitTotalContracts, decimal.NewFromInt(int64(tally.totalContracts)), decimal.NewFromInt(int64(g.limits.MaxTotalContracts)),
			fmt.Sprintf("would hold %d contracts total, limit %d", tally.totalContracts+order.Quantity, g.limits.MaxTotalContracts))
		g.logCheckFailed(v)
		return v
	}

	// 5. Worst-case loss on this single trade.
	if maxRisk := decimal.NewFromInt(int64(g.limits.MaxPerTradeRisk)); worstCase.GreaterThan(maxRisk) {
		v := rejected(LimitPerTradeRisk, worstCase, maxRisk,
			fmt.Sprintf("worst-case loss %s cents exceeds per-trade limit %d", worstCase, g.limits.MaxPerTradeRisk))
		g.logCheckFailed(v)
		return v
	}

	// 6. Exposure: per game, per strategy, total. The order contributes its
	// worst case since the fill price is not known yet.
	if v, bad := g.exposureCheck(LimitExposurePerGame, tally.exposureByGame[order.GameID], worstCase, g.limits.MaxExposurePerGame); bad {
		g.logCheckFailed(v)
		return v
	}
	if order.StrategyID != "" {
		if v, bad := g.exposureCheck(LimitExposurePerStrategy, tally.exposureByStrategy[order.StrategyID], worstCase, g.limits.MaxExposurePerStrategy); bad {
			g.logCheckFailed(v)
			return v
		}
	}
	if v, bad := g.exposureCheck(LimitTotalExposure, tally.totalExposure, worstCase, g.limits.MaxTotalExposure); bad {
		g.logCheckFailed(v)
		return v
	}

	// 7. Order rate: rolling hour, then calendar day.
	hourAgo := now.Add(-time.Hour)
	recent := g.hourlyOrders[:0]
	for _, t := range g.hourlyOrders {
		if t.After(hourAgo) {
			recent = append(recent, t)
		}
	}
	g.hourlyOrders = recent
	if len(g.hourlyOrders) >= g.limits.MaxOrdersPerHour {
		v := rejected(LimitOrdersPerHour, decimal.NewFromInt(int64(len(g.hourlyOrders))), decimal.NewFromInt(int64(g.limits.MaxOrdersPerHour)),
			fmt.Sprintf("%d orders in the last hour, limit %d", len(g.hourlyOrders), g.limits.MaxOrdersPerHour))
		g.logCheckFailed(v)
		return v
	}
	if g.ordersToday >= g.limits.MaxOrdersPerDay {
		v := rejected(LimitOrdersPerDay, decimal.NewFromInt(int64(g.ordersToday)), decimal.NewFromInt(int64(g.limits.MaxOrdersPerDay)),
			fmt.Sprintf("%d orders today, limit %d", g.ordersToday, g.limits.MaxOrdersPerDay))
		g.logCheckFailed(v)
		return v
	}

	// 8. Loss budgets: reject if this order's worst case would blow through
	// what is left of the daily or weekly budget.
	if lim := decimal.NewFromInt(int64(g.limits.MaxDailyLoss)); g.dailyLoss.Add(worstCase).GreaterThan(lim) {
		v := rejected(LimitDailyLoss, g.dailyLoss, lim,
			fmt.Sprintf("daily loss %s + worst case %s exceeds %d", g.dailyLoss, worstCase, g.limits.MaxDailyLoss))
		g.logCheckFailed(v)
		return v
	}
	if lim := decimal.NewFromInt(int64(g.limits.MaxWeeklyLoss)); g.weeklyLoss.Add(worstCase).GreaterThan(lim) {
		v := rejected(LimitWeeklyLoss, g.weeklyLoss, lim,
			fmt.Sprintf("weekly loss %s + worst case %s exceeds %d", g.weeklyLoss, worstCase, g.limits.MaxWeeklyLoss))
		g.logCheckFailed(v)
		return v
	}

	return approved()
}

// Record notes a filled order for the rate counters.
func (g *Gate) Record(order types.SimulatedOrder, fillPriceCents int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.resetExpiredLocked(now)
	g.hourlyOrders = append(g.hourlyOrders, now)
	g.ordersToday++

	g.logger.Debug("order recorded",
		"ticker", order.MarketTicker,
		"quantity", order.Quantity,
		"fill_price", fillPriceCents,
		"orders_today", g.ordersToday,
	)
}

// RecordRealized feeds a realized P&L delta (from a close or settlement)
// into the loss accumulators. A loss extends the streak and may start the
// cooldown; anything else resets the streak.
func (g *Gate) RecordRealized(delta decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.resetExpiredLocked(now)

	if !delta.IsNegative() {
		g.streak = 0
		return
	}

	loss := delta.Abs()
	g.dailyLoss = g.dailyLoss.Add(loss)
	g.weeklyLoss = g.weeklyLoss.Add(loss)
	g.streak++
	if g.streak >= g.limits.LossStreakCooldown {
		g.cooldownUntil = now.Add(lossStreakPause)
		g.logger.Warn("loss streak cooldown engaged",
			"consecutive_losses", g.streak,
			"until", g.cooldownUntil,
		)
	}
}

// Status returns the current account view.
func (g *Gate) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.resetExpiredLocked(now)

	inHour := 0
	hourAgo := now.Add(-time.Hour)
	for _, t := range g.hourlyOrders {
		if t.After(hourAgo) {
			inHour++
		}
	}
	return Status{
		Enabled:           g.enabled,
		DailyLoss:         g.dailyLoss,
		WeeklyLoss:        g.weeklyLoss,
		ConsecutiveLosses: g.streak,
		CooldownActive:    g.streak >= g.limits.LossStreakCooldown && now.Before(g.cooldownUntil),
		CooldownUntil:     g.cooldownUntil,
		OrdersToday:       g.ordersToday,
		OrdersThisHour:    inHour,
	}
}

func (g *Gate) exposureCheck(limit LimitType, current, worstCase decimal.Decimal, max int) (Verdict, bool) {
	lim := decimal.NewFromInt(int64(max))
	if current.Add(worstCase).LessThanOrEqual(lim) {
		return Verdict{}, false
	}
	return rejected(limit, current, lim,
		fmt.Sprintf("exposure %s + worst case %s cents exceeds %d (%s)", current, worstCase, max, limit)), true
}

func (g *Gate) logCheckFailed(v Verdict) {
	g.logger.Warn("order rejected",
		"limit", string(v.Limit),
		"current", v.Current,
		"max", v.Max,
		"reason", v.Reason,
	)
}

// resetExpiredLocked rolls the daily and weekly accumulators when their
// period boundary has passed.
func (g *Gate) resetExpiredLocked(now time.Time) {
	today, weekStart := g.periodStarts(now)

	if today.After(g.lastDailyReset) {
		g.dailyLoss = decimal.Zero
		g.ordersToday = 0
		g.lastDailyReset = today
		g.logger.Info("daily risk counters reset")
	}
	if weekStart.After(g.lastWeeklyReset) {
		g.weeklyLoss = decimal.Zero
		g.lastWeeklyReset = weekStart
		g.logger.Info("weekly risk counters reset")
	}
}

// periodStarts returns UTC midnight of now's day and of now's Monday.
func (g *Gate) periodStarts(now time.Time) (day, week time.Time) {
	utc := now.UTC()
	day = time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
	sinceMonday := (int(utc.Weekday()) + 6) % 7
	week = day.AddDate(0, 0, -sinceMonday)
	return day, week
}

// tally is the position-book summary the contract and exposure checks read.
type tally struct {
	contractsByMarket  map[string]int
	contractsByGame    map[string]int
	totalContracts     int
	exposureByGame     map[string]decimal.Decimal
	exposureByStrategy map[string]decimal.Decimal
	totalExposure      decimal.Decimal
}

func tallyPositions(positions []types.Position) tally {
	t := tally{
		contractsByMarket:  make(map[string]int),
		contractsByGame:    make(map[string]int),
		exposureByGame:     make(map[string]decimal.Decimal),
		exposureByStrategy: make(map[string]decimal.Decimal),
	}
	for _, p := range positions {
		if !p.IsOpen || p.Quantity <= 0 {
			continue
		}
		t.contractsByMarket[p.MarketTicker] += p.Quantity
		t.contractsByGame[p.GameID] += p.Quantity
		t.totalContracts += p.Quantity

		cost := p.Cost()
		t.exposureByGame[p.GameID] = t.exposureByGame[p.GameID].Add(cost)
		if p.StrategyID != "" {
			t.exposureByStrategy[p.StrategyID] = t.exposureByStrategy[p.StrategyID].Add(cost)
		}
		t.totalExposure = t.totalExposure.Add(cost)
	}
	return t
}
