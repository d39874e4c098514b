package statsapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tonywagner/milbserver/work/cache"
	"github.com/tonywagner/milbserver/work/client"
	"github.com/tonywagner/milbserver/work/logger"
	"github.com/tonywagner/milbserver/work/types"
)

// Namespace names registered by the client.
const (
	DayNamespace  = "day"
	GameNamespace = "game"
)

// ErrNoGame is returned when a team has nothing on the schedule.
var ErrNoGame = errors.New("no game scheduled")

// Fetcher is the outbound HTTP dependency.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, headers http.Header) (*client.Response, error)
}

// Client reads schedules and live feeds, caching them under the day and game
// expiry policies.
type Client struct {
	fetcher Fetcher
	base    string
	sportID int
	loc     *time.Location
	now     func() time.Time
	days    *cache.Store[*Schedule]
	games   *cache.Store[*GameFeed]
}

// NewClient registers the day and game namespaces with reg.
func NewClient(fetcher Fetcher, reg *cache.Registry, base string, sportID int, loc *time.Location) *Client {
	if loc == nil {
		loc = time.UTC
	}
	return &Client{
		fetcher: fetcher,
		base:    base,
		sportID: sportID,
		loc:     loc,
		now:     reg.Now,
		days:    cache.NewStore(reg, DayNamespace, DayExpiry(loc)),
		games:   cache.NewStore(reg, GameNamespace, GameExpiry(loc)),
	}
}

func (c *Client) getJSON(ctx context.Context, rawURL string, v any) error {
	resp, err := c.fetcher.Fetch(ctx, rawURL, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, v); err != nil {
		return fmt.Errorf("decoding %s: %w", rawURL, err)
	}
	return nil
}

// Schedule returns the games of date (YYYY-MM-DD). sportID 0 uses the
// configured level and teamID 0 lists every team.
func (c *Client) Schedule(ctx context.Context, date string, sportID, teamID int) (*Schedule, error) {
	if _, err := time.Parse(dateLayout, date); err != nil {
		return nil, fmt.Errorf("invalid date %q", date)
	}
	if sportID == 0 {
		sportID = c.sportID
	}

	key := fmt.Sprintf("%s|%d|%d", date, sportID, teamID)
	return c.days.GetOrFetch(ctx, key, func(ctx context.Context) (*Schedule, error) {
		q := url.Values{}
		q.Set("sportId", strconv.Itoa(sportID))
		q.Set("date", date)
		if teamID != 0 {
			q.Set("teamId", strconv.Itoa(teamID))
		}

		s := &Schedule{}
		if err := c.getJSON(ctx, c.base+"/api/v1/schedule?"+q.Encode(), s); err != nil {
			return nil, err
		}
		s.Date = date

		logger.Debug("{statsapi/client - Schedule} %s sport %d team %d: %d games", date, sportID, teamID, len(s.Games()))
		return s, nil
	})
}

// Game returns the live feed of one game.
func (c *Client) Game(ctx context.Context, gamePk string) (*GameFeed, error) {
	if _, err := strconv.Atoi(gamePk); err != nil {
		return nil, fmt.Errorf("invalid gamePk %q", gamePk)
	}

	return c.games.GetOrFetch(ctx, gamePk, func(ctx context.Context) (*GameFeed, error) {
		g := &GameFeed{}
		if err := c.getJSON(ctx, c.base+"/api/v1.1/game/"+gamePk+"/feed/live", g); err != nil {
			return nil, err
		}
		return g, nil
	})
}

// GameEvents returns the plays of a game for the skip engine.
func (c *Client) GameEvents(ctx context.Context, gamePk string) ([]types.Play, error) {
	g, err := c.Game(ctx, gamePk)
	if err != nil {
		return nil, err
	}
	return g.Plays(), nil
}

// TeamGame picks the team's game for today: a live game first, then the next
// one not yet final, then the last one played.
func (c *Client) TeamGame(ctx context.Context, teamID, sportID int) (string, error) {
	date := c.now().In(c.loc).Format(dateLayout)

	s, err := c.Schedule(ctx, date, sportID, teamID)
	if err != nil {
		return "", err
	}

	var pick *ScheduleGame
	games := s.Games()
	for i := range games {
		g := &games[i]
		if !g.Involves(teamID) {
			continue
		}
		switch {
		case g.Status.IsLive():
			return strconv.Itoa(g.GamePk), nil
		case pick == nil || (pick.Status.IsFinal() && !g.Status.IsFinal()):
			pick = g
		case pick.Status.IsFinal() && g.Status.IsFinal():
			pick = g
		}
	}

	if pick == nil {
		return "", fmt.Errorf("%w: team %d on %s", ErrNoGame, teamID, date)
	}
	return strconv.Itoa(pick.GamePk), nil
}
