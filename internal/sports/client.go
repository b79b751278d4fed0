// Package sports implements the scoreboard and odds provider clients.
//
// The Client is a pure request/response adapter over two endpoints:
//   - GamesForDate:  GET /games?dates[]=      — schedule and final scores
//   - LiveBoxScores: GET /box_scores/live     — in-progress period, clock, score
//   - Odds:          GET /odds?date= | game_ids[] — per-vendor sportsbook lines
//
// Every call retries up to 3 times with exponential backoff (1s, 2s, 4s) on
// transport errors, 5xx, and rate limits, honoring Retry-After when the
// provider sends one. A further failure surfaces as a typed error the
// pollers log without crashing. Concurrent identical requests are collapsed
// through singleflight.
package sports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/singleflight"

	"kalshi-paper/internal/config"
	"kalshi-paper/pkg/types"
)

// ErrNotFound reports that no game (or more than one game) matched a lookup.
var ErrNotFound = errors.New("game not found")

// ErrRateLimited marks responses rejected with HTTP 429 after retries were
// exhausted. Match with errors.Is.
var ErrRateLimited = errors.New("rate limited")

// APIError is a terminal non-2xx provider response.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Is lets errors.Is(err, ErrRateLimited) match 429 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrRateLimited && e.StatusCode == http.StatusTooManyRequests
}

// Team is the provider's team object.
type Team struct {
	ID           int64  `json:"id"`
	Abbreviation string `json:"abbreviation"`
	FullName     string `json:"full_name"`
	Name         string `json:"name"`
}

// Game is one scoreboard row, used both for schedule lookups and live box
// scores. Status is the provider's free-form string ("Final", "3rd Qtr",
// or an ISO tipoff time for games not yet started).
type Game struct {
	ID            int64  `json:"id"`
	Date          string `json:"date"` // YYYY-MM-DD
	Status        string `json:"status"`
	Period        int    `json:"period"`
	TimeRemaining string `json:"time"` // "MM:SS" within the current period
	HomeScore     int    `json:"home_team_score"`
	AwayScore     int    `json:"visitor_team_score"`
	HomeTeam      Team   `json:"home_team"`
	AwayTeam      Team   `json:"visitor_team"`
	Postseason    bool   `json:"postseason"`
}

// LiveStatus buckets the provider's free-form status string into the three
// phases the engine tracks.
func (g Game) LiveStatus() string {
	s := strings.ToLower(g.Status)
	switch {
	case s == "final":
		return "final"
	case g.Period > 0,
		strings.Contains(s, "qtr"),
		strings.Contains(s, "halftime"),
		strings.Contains(s, "ot"):
		return "in_progress"
	default:
		return "scheduled"
	}
}

// Live converts the row into the engine's scoreboard observation.
func (g Game) Live(now time.Time) types.NBALive {
	return types.NBALive{
		NBAGameID:     g.ID,
		Status:        g.LiveStatus(),
		Period:        g.Period,
		TimeRemaining: g.TimeRemaining,
		HomeScore:     g.HomeScore,
		AwayScore:     g.AwayScore,
		LastUpdate:    now,
	}
}

// GameOdds is the odds endpoint's per-game row: every vendor currently
// quoting the game.
type GameOdds struct {
	GameID int64             `json:"game_id"`
	Books  []types.OddsQuote `json:"books"`
}

type gamesResponse struct {
	Data []Game `json:"data"`
}

type oddsResponse struct {
	Data []GameOdds `json:"data"`
}

// Client talks to both providers. Safe for concurrent use.
type Client struct {
	nba    *resty.Client
	odds   *resty.Client
	group  singleflight.Group
	logger *slog.Logger
}

// NewClient creates the provider clients from config.
func NewClient(cfg config.SportsConfig, logger *slog.Logger) *Client {
	return &Client{
		nba:    newProviderClient(cfg.NBABaseURL, cfg.NBAAPIKey, cfg.Timeout),
		odds:   newProviderClient(cfg.OddsBaseURL, cfg.OddsAPIKey, cfg.Timeout),
		logger: logger.With("component", "sports_feed"),
	}
}

func newProviderClient(baseURL, apiKey string, timeout time.Duration) *resty.Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(time.Second).
		SetRetryMaxWaitTime(4 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		}).
		SetRetryAfter(func(c *resty.Client, r *resty.Response) (time.Duration, error) {
			if r != nil {
				if ra := r.Header().Get("Retry-After"); ra != "" {
					if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
						return time.Duration(secs) * time.Second, nil
					}
				}
			}
			return 0, nil // default backoff
		})
	if apiKey != "" {
		c.SetHeader("Authorization", apiKey)
	}
	return c
}

// GamesForDate lists the schedule for one date. Concurrent calls for the
// same date share a single request.
func (c *Client) GamesForDate(ctx context.Context, date time.Time) ([]Game, error) {
	day := date.Format("2006-01-02")
	v, err, _ := c.group.Do("games:"+day, func() (any, error) {
		var result gamesResponse
		resp, err := c.nba.R().
			SetContext(ctx).
			SetQueryParam("dates[]", day).
			SetQueryParam("per_page", "100").
			SetResult(&result).
			Get("/games")
		if err != nil {
			return nil, fmt.Errorf("games for date: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, &APIError{Provider: "nba", StatusCode: resp.StatusCode(), Body: resp.String()}
		}
		return result.Data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Game), nil
}

// LiveBoxScores lists every game currently in progress.
func (c *Client) LiveBoxScores(ctx context.Context) ([]Game, error) {
	v, err, _ := c.group.Do("live", func() (any, error) {
		var result gamesResponse
		resp, err := c.nba.R().
			SetContext(ctx).
			SetResult(&result).
			Get("/box_scores/live")
		if err != nil {
			return nil, fmt.Errorf("live box scores: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, &APIError{Provider: "nba", StatusCode: resp.StatusCode(), Body: resp.String()}
		}
		return result.Data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Game), nil
}

// Odds fetches sportsbook lines, either for a whole date or for specific
// game IDs (preferred when known; the provider's per-date payloads are
// large).
func (c *Client) Odds(ctx context.Context, date time.Time, gameIDs []int64) ([]GameOdds, error) {
	key := "odds:" + date.Format("2006-01-02")
	if len(gameIDs) > 0 {
		ids := make([]string, len(gameIDs))
		for i, id := range gameIDs {
			ids[i] = strconv.FormatInt(id, 10)
		}
		key = "odds:ids:" + strings.Join(ids, ",")
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		req := c.odds.R().SetContext(ctx)
		if len(gameIDs) > 0 {
			for _, id := range gameIDs {
				req.SetQueryParamsFromValues(map[string][]string{
					"game_ids[]": {strconv.FormatInt(id, 10)},
				})
			}
		} else {
			req.SetQueryParam("date", date.Format("2006-01-02"))
		}

		var result oddsResponse
		resp, err := req.SetResult(&result).Get("/odds")
		if err != nil {
			return nil, fmt.Errorf("odds: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, &APIError{Provider: "odds", StatusCode: resp.StatusCode(), Body: resp.String()}
		}
		return result.Data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]GameOdds), nil
}

// FindGame resolves the provider's game for a date and matchup. Team
// abbreviations match case-insensitively; zero or multiple matches both
// return ErrNotFound (the caller must not guess).
func (c *Client) FindGame(ctx context.Context, date time.Time, awayAbbr, homeAbbr string) (Game, error) {
	games, err := c.GamesForDate(ctx, date)
	if err != nil {
		return Game{}, err
	}

	away := strings.ToUpper(awayAbbr)
	home := strings.ToUpper(homeAbbr)

	var found []Game
	for _, g := range games {
		if strings.ToUpper(g.AwayTeam.Abbreviation) == away &&
			strings.ToUpper(g.HomeTeam.Abbreviation) == home {
			found = append(found, g)
		}
	}

	switch len(found) {
	case 1:
		return found[0], nil
	case 0:
		return Game{}, fmt.Errorf("%w: %s at %s on %s", ErrNotFound, away, home, date.Format("2006-01-02"))
	default:
		return Game{}, fmt.Errorf("%w: %d games match %s at %s on %s", ErrNotFound, len(found), away, home, date.Format("2006-01-02"))
	}
}
