// Package ticker parses and formats exchange ticker strings for NBA game
// events and their markets.
//
// Event grammar: KXNBAGAME-YYmmmDD{AAA}{HHH} where AAA is the away team and
// HHH the home team. Market tickers append one suffix to the event ticker:
//
//	-Y                    moneyline, home team listing
//	-N                    moneyline, away team listing
//	-{TEAM}               moneyline for that team (legacy listing form)
//	-SPREAD-{TEAM}{value} point spread for TEAM at value
//	-TOTAL-{O|U}{value}   game total over/under at value
//
// Input is case-insensitive; output is always canonical upper case.
package ticker

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"kalshi-paper/pkg/types"
)

// EventPrefix is the exchange's series prefix for NBA single-game events.
const EventPrefix = "KXNBAGAME"

var eventPattern = regexp.MustCompile(`^(\d{2})([A-Z]{3})(\d{2})([A-Z]{6})$`)

var months = map[string]time.Month{
	"JAN": time.January, "FEB": time.February, "MAR": time.March,
	"APR": time.April, "MAY": time.May, "JUN": time.June,
	"JUL": time.July, "AUG": time.August, "SEP": time.September,
	"OCT": time.October, "NOV": time.November, "DEC": time.December,
}

// aliases maps abbreviations the exchange has used to the scoreboard
// provider's canonical forms.
var aliases = map[string]string{
	"GSC": "GSW", // Golden State Warriors
	"PHO": "PHX", // Phoenix Suns
}

// Event is the parsed identity of a game event ticker.
type Event struct {
	Date     time.Time // midnight UTC on the scheduled date
	AwayAbbr string
	HomeAbbr string
}

// Ticker returns the canonical event ticker string.
func (e Event) Ticker() string {
	return FormatEvent(e.Date, e.AwayAbbr, e.HomeAbbr)
}

// Market is the parsed identity of a market ticker.
type Market struct {
	EventTicker string
	Kind        types.MarketKind
	Side        types.Side       // yes for -Y and over listings, no for -N and under
	Team        string           // spread and legacy moneyline listings
	Strike      *decimal.Decimal // spread and total listings
}

// ParseEvent extracts the date and team abbreviations from an event ticker.
// The KXNBAGAME- prefix is optional and casing is ignored.
func ParseEvent(raw string) (Event, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, EventPrefix+"-")
	s = strings.TrimPrefix(s, "KX") // bare series shorthand

	m := eventPattern.FindStringSubmatch(s)
	if m == nil {
		return Event{}, fmt.Errorf("event ticker %q does not match YYmmmDD+6 team letters", raw)
	}

	month, ok := months[m[2]]
	if !ok {
		return Event{}, fmt.Errorf("event ticker %q: unknown month %q", raw, m[2])
	}
	year := 2000 + int(m[1][0]-'0')*10 + int(m[1][1]-'0')
	day := int(m[3][0]-'0')*10 + int(m[3][1]-'0')

	date := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	if date.Day() != day || date.Month() != month {
		return Event{}, fmt.Errorf("event ticker %q: invalid date", raw)
	}

	teams := m[4]
	return Event{
		Date:     date,
		AwayAbbr: normalizeTeam(teams[:3]),
		HomeAbbr: normalizeTeam(teams[3:]),
	}, nil
}

// FormatEvent builds the canonical event ticker for a date and team pair.
func FormatEvent(date time.Time, away, home string) string {
	return fmt.Sprintf("%s-%02d%s%02d%s%s",
		EventPrefix,
		date.Year()%100,
		strings.ToUpper(date.Month().String()[:3]),
		date.Day(),
		strings.ToUpper(away),
		strings.ToUpper(home),
	)
}

// ParseMarket splits a market ticker into its event and suffix parts. The
// event portion is validated with ParseEvent; team suffixes are checked
// against the event's teams.
func ParseMarket(raw string) (Market, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, EventPrefix+"-")

	// First segment is the date+teams block, the rest is the suffix.
	seg := strings.SplitN(s, "-", 2)
	ev, err := ParseEvent(seg[0])
	if err != nil {
		return Market{}, err
	}
	if len(seg) < 2 || seg[1] == "" {
		return Market{}, fmt.Errorf("market ticker %q has no market suffix", raw)
	}

	mkt := Market{EventTicker: ev.Ticker()}
	suffix := seg[1]

	switch {
	case suffix == "Y":
		mkt.Kind = types.MarketMoneylineHome
		mkt.Side = types.SideYes
		mkt.Team = ev.HomeAbbr
	case suffix == "N":
		mkt.Kind = types.MarketMoneylineAway
		mkt.Side = types.SideNo
		mkt.Team = ev.AwayAbbr
	case strings.HasPrefix(suffix, "SPREAD-"):
		team, strike, err := splitTeamValue(strings.TrimPrefix(suffix, "SPREAD-"))
		if err != nil {
			return Market{}, fmt.Errorf("market ticker %q: %w", raw, err)
		}
		if team != ev.HomeAbbr && team != ev.AwayAbbr {
			return Market{}, fmt.Errorf("market ticker %q: spread team %q not in event", raw, team)
		}
		mkt.Kind = types.MarketSpread
		mkt.Team = team
		mkt.Strike = &strike
	case strings.HasPrefix(suffix, "TOTAL-"):
		rest := strings.TrimPrefix(suffix, "TOTAL-")
		if rest == "" {
			return Market{}, fmt.Errorf("market ticker %q: empty total suffix", raw)
		}
		switch rest[0] {
		case 'O':
			mkt.Side = types.SideYes
		case 'U':
			mkt.Side = types.SideNo
		default:
			return Market{}, fmt.Errorf("market ticker %q: total direction must be O or U", raw)
		}
		strike, err := decimal.NewFromString(rest[1:])
		if err != nil {
			return Market{}, fmt.Errorf("market ticker %q: total value: %w", raw, err)
		}
		mkt.Kind = types.MarketTotal
		mkt.Strike = &strike
	default:
		// Legacy listing: the moneyline suffix is the team abbreviation.
		team := normalizeTeam(suffix)
		switch team {
		case ev.HomeAbbr:
			mkt.Kind = types.MarketMoneylineHome
			mkt.Side = types.SideYes
		case ev.AwayAbbr:
			mkt.Kind = types.MarketMoneylineAway
			mkt.Side = types.SideNo
		default:
			return Market{}, fmt.Errorf("market ticker %q: unrecognized suffix %q", raw, suffix)
		}
		mkt.Team = team
	}

	return mkt, nil
}

// splitTeamValue separates a leading run of letters from the numeric strike
// that follows, e.g. "SAC5.5" -> ("SAC", 5.5).
func splitTeamValue(s string) (string, decimal.Decimal, error) {
	i := 0
	for i < len(s) && s[i] >= 'A' && s[i] <= 'Z' {
		i++
	}
	if i == 0 || i == len(s) {
		return "", decimal.Decimal{}, fmt.Errorf("expected TEAM{value}, got %q", s)
	}
	strike, err := decimal.NewFromString(s[i:])
	if err != nil {
		return "", decimal.Decimal{}, fmt.Errorf("strike value %q: %w", s[i:], err)
	}
	return normalizeTeam(s[:i]), strike, nil
}

func normalizeTeam(abbr string) string {
	abbr = strings.ToUpper(abbr)
	if canonical, ok := aliases[abbr]; ok {
		return canonical
	}
	return abbr
}
