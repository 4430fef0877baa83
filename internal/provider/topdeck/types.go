package topdeck

import (
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/albapepper/cedh-data/internal/provider"
)

// Tournament is one tournament as returned by POST /tournaments with rounds.
type Tournament struct {
	TID            string     `json:"TID"`
	TournamentName string     `json:"tournamentName"`
	SwissNum       int        `json:"swissNum"`
	StartDate      int64      `json:"startDate"`
	TopCut         int        `json:"topCut"`
	Standings      []Standing `json:"standings"`
	Rounds         []Round    `json:"rounds"`
}

// Date returns the tournament start as a UTC time.
func (t *Tournament) Date() time.Time {
	return time.Unix(t.StartDate, 0).UTC()
}

// Standing is one player's final result.
type Standing struct {
	Name          string   `json:"name"`
	ID            string   `json:"id"`
	Decklist      string   `json:"decklist"`
	DeckObj       *DeckObj `json:"deckObj"`
	Wins          int      `json:"wins"`
	WinsSwiss     int      `json:"winsSwiss"`
	WinsBracket   int      `json:"winsBracket"`
	Byes          int      `json:"byes"`
	Draws         int      `json:"draws"`
	Losses        int      `json:"losses"`
	LossesSwiss   int      `json:"lossesSwiss"`
	LossesBracket int      `json:"lossesBracket"`
}

// DeckObj is the parsed deck TopDeck attaches to a standing, keyed by card name.
type DeckObj struct {
	Commanders map[string]DeckObjCard `json:"Commanders"`
	Mainboard  map[string]DeckObjCard `json:"Mainboard"`
}

// DeckObjCard carries the card's oracle id and copy count.
type DeckObjCard struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

// InlineDeck converts the attached deck object, or returns nil when the
// standing has no commanders inline. Cards are sorted by name.
func (s *Standing) InlineDeck() *provider.Deck {
	if s.DeckObj == nil || len(s.DeckObj.Commanders) == 0 {
		return nil
	}
	d := &provider.Deck{
		Commanders: deckCards(s.DeckObj.Commanders),
		Mainboard:  deckCards(s.DeckObj.Mainboard),
	}
	if !d.HasCommanders() {
		return nil
	}
	return d
}

func deckCards(m map[string]DeckObjCard) []provider.DeckCard {
	out := make([]provider.DeckCard, 0, len(m))
	for name, c := range m {
		qty := c.Count
		if qty <= 0 {
			qty = 1
		}
		out = append(out, provider.DeckCard{ID: c.ID, Name: name, Quantity: qty})
	}
	slices.SortFunc(out, func(a, b provider.DeckCard) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Round is one swiss or bracket round.
type Round struct {
	Round  RoundLabel `json:"round"`
	Tables []Table    `json:"tables"`
}

// RoundLabel is a round number ("3") or a bracket label ("Top 16").
type RoundLabel string

func (r *RoundLabel) UnmarshalJSON(b []byte) error {
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*r = RoundLabel(n.String())
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*r = RoundLabel(s)
	return nil
}

// Table is one pod within a round.
type Table struct {
	Table    int           `json:"table"`
	Players  []TablePlayer `json:"players"`
	Winner   string        `json:"winner"`
	WinnerID string        `json:"winner_id"`
}

// TablePlayer is a seated player. Seat order is slice order.
type TablePlayer struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// IsDraw reports whether the table ended in a draw.
func (t *Table) IsDraw() bool {
	return t.Winner == "Draw" || t.WinnerID == "Draw"
}

// WinnerKey returns the winning player's id, falling back to a lookup of the
// winner's name among the seated players.
func (t *Table) WinnerKey() string {
	if t.IsDraw() {
		return ""
	}
	if t.WinnerID != "" {
		return t.WinnerID
	}
	for _, p := range t.Players {
		if p.ID != "" && strings.EqualFold(p.Name, t.Winner) {
			return p.ID
		}
	}
	return ""
}

// tournamentsRequest is the POST /tournaments body.
type tournamentsRequest struct {
	Game    string   `json:"game"`
	Format  string   `json:"format"`
	Start   int64    `json:"start"`
	End     int64    `json:"end"`
	Columns []string `json:"columns"`
	Rounds  bool     `json:"rounds"`
	Tables  []string `json:"tables"`
	Players []string `json:"players"`
}

func newTournamentsRequest(start, end time.Time) tournamentsRequest {
	return tournamentsRequest{
		Game:   "Magic: The Gathering",
		Format: "EDH",
		Start:  start.Unix(),
		End:    end.Unix(),
		Columns: []string{
			"name", "decklist", "wins", "winsSwiss", "winsBracket",
			"draws", "losses", "lossesSwiss", "lossesBracket", "id",
		},
		Rounds:  true,
		Tables:  []string{"table", "players", "winner"},
		Players: []string{"name", "id", "decklist"},
	}
}

// BracketURL is the public bracket page for a tournament.
func BracketURL(tid string) string {
	return "https://topdeck.gg/bracket/" + tid
}
