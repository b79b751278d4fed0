// book.go maintains the local mirror of one market's orderbook.
//
// The exchange sends a full snapshot on (re)subscribe followed by
// monotonically sequenced deltas. Book reconciles deltas against the last
// snapshot; a sequence gap or a crossed book discards local state for the
// market, which then reads as stale until a fresh snapshot arrives. Levels
// are resting bids per side, so the yes ask is implied by the best no bid
// (yes_ask = 100 - no_bid) and vice versa.
package exchange

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"kalshi-paper/pkg/types"
)

// ErrSequenceGap reports a delta whose sequence number does not directly
// follow the last applied message for that market.
var ErrSequenceGap = errors.New("orderbook sequence gap")

// ErrCrossedBook reports a delta that left the yes bid priced above the ask
// implied by the no bid.
var ErrCrossedBook = errors.New("orderbook crossed")

// Book is the reconciled orderbook for a single market ticker.
// It is concurrency-safe; State returns consistent consolidated snapshots.
type Book struct {
	mu      sync.RWMutex
	ticker  string
	yes     map[int]int // price cents -> resting yes-side contracts
	no      map[int]int
	seq     int64 // envelope sequence of the last applied message
	synced  bool  // a snapshot has arrived since the last invalidation
	stale   bool  // transport down or resync pending
	updated time.Time
}

// NewBook creates an empty book for a ticker. It reads as stale until the
// first snapshot is applied.
func NewBook(ticker string) *Book {
	return &Book{
		ticker: ticker,
		yes:    make(map[int]int),
		no:     make(map[int]int),
		stale:  true,
	}
}

// ApplySnapshot replaces both sides wholesale and clears the stale flag.
// Subsequent deltas must carry seq+1, seq+2, and so on.
func (b *Book) ApplySnapshot(snap types.WSSnapshotMsg, seq int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.yes = make(map[int]int, len(snap.Yes))
	for _, lvl := range snap.Yes {
		if lvl.Size() > 0 {
			b.yes[lvl.Price()] = lvl.Size()
		}
	}
	b.no = make(map[int]int, len(snap.No))
	for _, lvl := range snap.No {
		if lvl.Size() > 0 {
			b.no[lvl.Price()] = lvl.Size()
		}
	}

	b.seq = seq
	b.synced = true
	b.stale = false
	b.updated = tsOrNow(snap.TS)
}

// ApplyDelta sets the absolute resting size at one price level; size zero
// removes the level. Returns ErrSequenceGap when the delta is out of order
// or no snapshot has been applied yet, and ErrCrossedBook when the update
// prices the yes bid above the implied ask. Either way local state is
// discarded and the book awaits a fresh snapshot.
func (b *Book) ApplyDelta(delta types.WSDeltaMsg, seq int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.synced || seq != b.seq+1 {
		last := b.seq
		b.invalidateLocked()
		return fmt.Errorf("%w: %s seq %d after %d", ErrSequenceGap, b.ticker, seq, last)
	}

	side := b.yes
	if delta.Side == types.SideNo {
		side = b.no
	}
	if delta.Size == 0 {
		delete(side, delta.Price)
	} else {
		side[delta.Price] = delta.Size
	}

	// Bid sums above 100 mean the yes ask dropped below the yes bid. A
	// locked book (sum exactly 100) is allowed.
	if yb, _, ok := bestBid(b.yes); ok {
		if nb, _, ok := bestBid(b.no); ok && yb+nb > 100 {
			b.invalidateLocked()
			return fmt.Errorf("%w: %s yes bid %d over ask %d", ErrCrossedBook, b.ticker, yb, 100-nb)
		}
	}

	b.seq = seq
	b.updated = tsOrNow(delta.TS)
	return nil
}

// Invalidate discards local state; the book reads as stale until the next
// snapshot.
func (b *Book) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invalidateLocked()
}

func (b *Book) invalidateLocked() {
	b.yes = make(map[int]int)
	b.no = make(map[int]int)
	b.synced = false
	b.stale = true
}

// MarkStale flags the book without discarding levels, used while the
// transport is down. The last known state stays readable.
func (b *Book) MarkStale() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stale = true
}

// Synced reports whether a snapshot has been applied since the last
// invalidation.
func (b *Book) Synced() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.synced
}

// Seq returns the sequence number of the last applied message.
func (b *Book) Seq() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq
}

// State returns the consolidated top-of-book view.
func (b *Book) State() types.OrderbookState {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st := types.OrderbookState{
		Ticker:     b.ticker,
		Stale:      b.stale || !b.synced,
		LastUpdate: b.updated,
	}

	if price, size, ok := bestBid(b.yes); ok {
		yb := price
		st.YesBid = &yb
		st.YesBidSize = size
		na := 100 - price
		st.NoAsk = &na
		st.NoAskSize = size
	}
	if price, size, ok := bestBid(b.no); ok {
		nb := price
		st.NoBid = &nb
		st.NoBidSize = size
		ya := 100 - price
		st.YesAsk = &ya
		st.YesAskSize = size
	}
	return st
}

// IsStale returns true if the book is flagged stale or hasn't been updated
// within maxAge.
func (b *Book) IsStale(maxAge time.Duration) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.stale || !b.synced || b.updated.IsZero() {
		return true
	}
	return time.Since(b.updated) > maxAge
}

// LastUpdated returns the timestamp of the last applied message.
func (b *Book) LastUpdated() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updated
}

// bestBid returns the highest-priced resting level of one side.
func bestBid(levels map[int]int) (price, size int, ok bool) {
	for p, s := range levels {
		if !ok || p > price {
			price, size, ok = p, s, true
		}
	}
	return price, size, ok
}

func tsOrNow(ts int64) time.Time {
	if ts > 0 {
		return time.Unix(ts, 0)
	}
	return time.Now()
}
