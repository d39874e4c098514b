package statsapi

import (
	"strings"
	"time"

	"github.com/tonywagner/milbserver/work/skip"
	"github.com/tonywagner/milbserver/work/types"
)

// Abstract game states reported by the schedule and the live feed.
const (
	StatePreview = "Preview"
	StateLive    = "Live"
	StateFinal   = "Final"
)

// GameStatus is the status block shared by schedule entries and feeds.
type GameStatus struct {
	AbstractGameState string `json:"abstractGameState"`
	DetailedState     string `json:"detailedState"`
	CodedGameState    string `json:"codedGameState"`
	StartTimeTBD      bool   `json:"startTimeTBD"`
}

// IsLive is true for games in progress that are not suspended.
func (s GameStatus) IsLive() bool {
	return s.AbstractGameState == StateLive && !strings.Contains(s.DetailedState, "Suspended")
}

// IsFinal reports a finished game
func (s GameStatus) IsFinal() bool {
	return s.AbstractGameState == StateFinal
}

// Team identifies a club.
type Team struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// TeamSide is one side of a matchup.
type TeamSide struct {
	Team Team `json:"team"`
}

// ScheduleGame is one game of a day schedule.
type ScheduleGame struct {
	GamePk       int        `json:"gamePk"`
	GameDate     time.Time  `json:"gameDate"`
	OfficialDate string     `json:"officialDate"`
	GameNumber   int        `json:"gameNumber"`
	Status       GameStatus `json:"status"`
	Teams        struct {
		Away TeamSide `json:"away"`
		Home TeamSide `json:"home"`
	} `json:"teams"`
}

// Involves reports whether the team plays in the game.
func (g ScheduleGame) Involves(teamID int) bool {
	return g.Teams.Away.Team.ID == teamID || g.Teams.Home.Team.ID == teamID
}

// ScheduleDate groups the games of one calendar day.
type ScheduleDate struct {
	Date  string         `json:"date"`
	Games []ScheduleGame `json:"games"`
}

// Schedule is the day schedule response. Date is the requested day, recorded
// so the expiry policy can see it.
type Schedule struct {
	Date  string         `json:"requestDate"`
	Dates []ScheduleDate `json:"dates"`
}

// Games flattens every game of the schedule in listing order.
func (s *Schedule) Games() []ScheduleGame {
	var games []ScheduleGame
	for _, d := range s.Dates {
		games = append(games, d.Games...)
	}
	return games
}

// FeedEvent is one entry of a play's playEvents.
type FeedEvent struct {
	Type      string    `json:"type"`
	IsPitch   bool      `json:"isPitch"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
	Details   struct {
		EventType   string `json:"eventType"`
		Event       string `json:"event"`
		Description string `json:"description"`
		IsOut       bool   `json:"isOut"`
		Code        string `json:"code"`
	} `json:"details"`
}

// FeedPlay is one at-bat of the live feed.
type FeedPlay struct {
	About struct {
		AtBatIndex int       `json:"atBatIndex"`
		HalfInning string    `json:"halfInning"`
		Inning     int       `json:"inning"`
		StartTime  time.Time `json:"startTime"`
		EndTime    time.Time `json:"endTime"`
		IsComplete bool      `json:"isComplete"`
	} `json:"about"`
	ReviewDetails *struct {
		IsOverturned bool `json:"isOverturned"`
	} `json:"reviewDetails,omitempty"`
	PlayEvents []FeedEvent `json:"playEvents"`
}

// GameFeed is the subset of the live game feed the proxy reads.
type GameFeed struct {
	GamePk   int `json:"gamePk"`
	GameData struct {
		Datetime struct {
			DateTime     time.Time `json:"dateTime"`
			OfficialDate string    `json:"officialDate"`
		} `json:"datetime"`
		Status GameStatus `json:"status"`
	} `json:"gameData"`
	LiveData struct {
		Plays struct {
			AllPlays []FeedPlay `json:"allPlays"`
		} `json:"plays"`
	} `json:"liveData"`
}

// Plays converts the feed into the skip engine's play model.
func (f *GameFeed) Plays() []types.Play {
	plays := make([]types.Play, 0, len(f.LiveData.Plays.AllPlays))

	for _, p := range f.LiveData.Plays.AllPlays {
		half := types.HalfTop
		if strings.EqualFold(p.About.HalfInning, "bottom") {
			half = types.HalfBottom
		}

		play := types.Play{
			AtBatIndex: p.About.AtBatIndex,
			Inning:     p.About.Inning,
			Half:       half,
			Start:      p.About.StartTime,
			End:        p.About.EndTime,
			Overturned: p.ReviewDetails != nil && p.ReviewDetails.IsOverturned,
			Events:     make([]types.PlayEvent, 0, len(p.PlayEvents)),
		}

		for _, ev := range p.PlayEvents {
			play.Events = append(play.Events, types.PlayEvent{
				Category:   skip.Classify(ev.Details.EventType, ev.Type, ev.Details.IsOut),
				Type:       ev.Details.EventType,
				Start:      ev.StartTime,
				End:        ev.EndTime,
				Associated: skip.IsAssociated(ev.Type),
			})
		}

		plays = append(plays, play)
	}

	return plays
}
