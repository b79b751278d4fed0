// events.go is the aggregator's notification hub. Each applied update
// (orderbook, scoreboard, odds, phase) is followed by exactly one event,
// published on the goroutine that applied it, so subscribers observe a
// game's changes in the order they happened.

package engine

import (
	"time"

	"kalshi-paper/pkg/types"
)

// EventKind discriminates aggregator events.
type EventKind string

const (
	EventOrderbookUpdate EventKind = "orderbook_update"
	EventNbaUpdate       EventKind = "nba_update"
	EventOddsUpdate      EventKind = "odds_update"
	EventStateChange     EventKind = "state_change"
)

// Event is one fused-state change notification.
type Event struct {
	Kind   EventKind
	GameID string
	Ticker string          // set on orderbook updates
	Phase  types.GamePhase // set on state changes
	At     time.Time
}

// Subscriber observes aggregator events. Subscribers run sequentially on
// the emitting goroutine and should return quickly.
type Subscriber func(Event)

// SubscribeEvents registers a subscriber for all future events.
func (a *Aggregator) SubscribeEvents(fn Subscriber) {
	a.subsMu.Lock()
	a.subs = append(a.subs, fn)
	a.subsMu.Unlock()
}

// publish invokes every subscriber in registration order. A panicking
// subscriber is logged and never takes down the rest.
func (a *Aggregator) publish(ev Event) {
	a.subsMu.RLock()
	subs := make([]Subscriber, len(a.subs))
	copy(subs, a.subs)
	a.subsMu.RUnlock()

	for _, fn := range subs {
		a.deliver(fn, ev)
	}
}

func (a *Aggregator) deliver(fn Subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("event subscriber panicked",
				"kind", ev.Kind, "game_id", ev.GameID, "panic", r)
		}
	}()
	fn(ev)
}
