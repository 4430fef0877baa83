package aggregate

import (
	"cmp"
	"slices"
	"time"
)

// EntryRow is one entry joined with its tournament.
type EntryRow struct {
	ID             int64
	CommanderID    string
	TournamentDate time.Time
	TopCut         int
	Size           int
	Standing       int
	Wins           int
	Losses         int
	Draws          int
	HasDecklist    bool
	DecklistValid  bool
}

// ItemRow is one card in one entry's decklist.
type ItemRow struct {
	EntryID int64
	CardID  string
}

// SeatRow is one player's seat in one game, resolved to their commander.
type SeatRow struct {
	CommanderID    string
	TournamentDate time.Time
	Seat           int
	Won            bool
}

// CommanderWeek is a commander_weekly_stats row.
type CommanderWeek struct {
	CommanderID         string
	WeekStart           time.Time
	Entries             int
	EntriesWithDecklist int
	TopCuts             int
	ExpectedTopCuts     float64
	Wins                int
	Draws               int
	Losses              int
}

// CardCommanderWeek is a card_commander_weekly_stats row.
type CardCommanderWeek struct {
	CardID          string
	CommanderID     string
	WeekStart       time.Time
	Entries         int
	TopCuts         int
	ExpectedTopCuts float64
	Wins            int
	Draws           int
	Losses          int
}

// SeatWeek is a seat_position_weekly_stats row.
type SeatWeek struct {
	CommanderID string
	Seat        int
	WeekStart   time.Time
	Games       int
	Wins        int
}

// Tables holds a full rebuild, each slice sorted by its natural key.
type Tables struct {
	Commanders     []CommanderWeek
	CardCommanders []CardCommanderWeek
	Seats          []SeatWeek
}

// WeekStart returns the Monday 00:00 UTC that starts t's ISO week.
func WeekStart(t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

type commanderKey struct {
	commander string
	week      time.Time
}

type cardKey struct {
	card      string
	commander string
	week      time.Time
}

type seatKey struct {
	commander string
	seat      int
	week      time.Time
}

// validEntry is what a card row needs from the entry it belongs to.
type validEntry struct {
	commander string
	week      time.Time
	topCut    bool
	expected  float64
	wins      int
	losses    int
	draws     int
}

// Builder accumulates weekly stats from streamed rows. Add entries before
// decklist items: items of entries it has not seen are ignored.
type Builder struct {
	since time.Time

	commanders map[commanderKey]*CommanderWeek
	valid      map[int64]validEntry
	cards      map[cardKey]*CardCommanderWeek
	seats      map[seatKey]*SeatWeek
}

// NewBuilder ignores rows from tournaments before since.
func NewBuilder(since time.Time) *Builder {
	return &Builder{
		since:      since,
		commanders: make(map[commanderKey]*CommanderWeek),
		valid:      make(map[int64]validEntry),
		cards:      make(map[cardKey]*CardCommanderWeek),
		seats:      make(map[seatKey]*SeatWeek),
	}
}

func (b *Builder) include(date time.Time) bool {
	return !date.IsZero() && !date.Before(b.since)
}

// AddEntry counts one entry toward its commander's week. Entries without a
// commander are ignored.
func (b *Builder) AddEntry(e EntryRow) {
	if e.CommanderID == "" || !b.include(e.TournamentDate) {
		return
	}
	week := WeekStart(e.TournamentDate)
	topCut := e.Standing > 0 && e.Standing <= e.TopCut
	var expected float64
	if e.Size > 0 {
		expected = float64(e.TopCut) / float64(e.Size)
	}

	key := commanderKey{e.CommanderID, week}
	s := b.commanders[key]
	if s == nil {
		s = &CommanderWeek{CommanderID: e.CommanderID, WeekStart: week}
		b.commanders[key] = s
	}
	s.Entries++
	if e.HasDecklist {
		s.EntriesWithDecklist++
	}
	if topCut {
		s.TopCuts++
	}
	s.ExpectedTopCuts += expected
	s.Wins += e.Wins
	s.Losses += e.Losses
	s.Draws += e.Draws

	if e.DecklistValid {
		b.valid[e.ID] = validEntry{
			commander: e.CommanderID,
			week:      week,
			topCut:    topCut,
			expected:  expected,
			wins:      e.Wins,
			losses:    e.Losses,
			draws:     e.Draws,
		}
	}
}

// AddItem counts a decklist card toward its (card, commander) week. Only
// entries with a legal decklist contribute.
func (b *Builder) AddItem(it ItemRow) {
	e, ok := b.valid[it.EntryID]
	if !ok || it.CardID == "" {
		return
	}
	key := cardKey{it.CardID, e.commander, e.week}
	s := b.cards[key]
	if s == nil {
		s = &CardCommanderWeek{CardID: it.CardID, CommanderID: e.commander, WeekStart: e.week}
		b.cards[key] = s
	}
	s.Entries++
	if e.topCut {
		s.TopCuts++
	}
	s.ExpectedTopCuts += e.expected
	s.Wins += e.wins
	s.Losses += e.losses
	s.Draws += e.draws
}

// AddSeat counts one game seat toward its commander's week.
func (b *Builder) AddSeat(r SeatRow) {
	if r.CommanderID == "" || r.Seat <= 0 || !b.include(r.TournamentDate) {
		return
	}
	week := WeekStart(r.TournamentDate)
	key := seatKey{r.CommanderID, r.Seat, week}
	s := b.seats[key]
	if s == nil {
		s = &SeatWeek{CommanderID: r.CommanderID, Seat: r.Seat, WeekStart: week}
		b.seats[key] = s
	}
	s.Games++
	if r.Won {
		s.Wins++
	}
}

// Tables returns the accumulated rows in a stable order.
func (b *Builder) Tables() *Tables {
	t := &Tables{
		Commanders:     make([]CommanderWeek, 0, len(b.commanders)),
		CardCommanders: make([]CardCommanderWeek, 0, len(b.cards)),
		Seats:          make([]SeatWeek, 0, len(b.seats)),
	}
	for _, s := range b.commanders {
		t.Commanders = append(t.Commanders, *s)
	}
	for _, s := range b.cards {
		t.CardCommanders = append(t.CardCommanders, *s)
	}
	for _, s := range b.seats {
		t.Seats = append(t.Seats, *s)
	}

	slices.SortFunc(t.Commanders, func(a, b CommanderWeek) int {
		return cmp.Or(cmp.Compare(a.CommanderID, b.CommanderID), a.WeekStart.Compare(b.WeekStart))
	})
	slices.SortFunc(t.CardCommanders, func(a, b CardCommanderWeek) int {
		return cmp.Or(
			cmp.Compare(a.CardID, b.CardID),
			cmp.Compare(a.CommanderID, b.CommanderID),
			a.WeekStart.Compare(b.WeekStart),
		)
	})
	slices.SortFunc(t.Seats, func(a, b SeatWeek) int {
		return cmp.Or(
			cmp.Compare(a.CommanderID, b.CommanderID),
			cmp.Compare(a.Seat, b.Seat),
			a.WeekStart.Compare(b.WeekStart),
		)
	})
	return t
}
