package ingest

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/albapepper/cedh-data/internal/apperr"
)

// Cursor is a sync resume point. A cursor with an empty TournamentID means
// "start of Date"; otherwise processing resumes at standing Index of that
// tournament (an index into its original standings list).
type Cursor struct {
	Date         time.Time
	TournamentID string
	Index        int
}

// String encodes the cursor as "YYYY-MM-DD" or "YYYY-MM-DD:tid:index".
func (c Cursor) String() string {
	day := c.Date.Format(time.DateOnly)
	if c.TournamentID == "" {
		return day
	}
	return fmt.Sprintf("%s:%s:%d", day, c.TournamentID, c.Index)
}

// ParseCursor decodes a cursor produced by String. Tournament ids may contain
// colons; the date prefix and index suffix never do.
func ParseCursor(s string) (Cursor, error) {
	invalid := func() (Cursor, error) {
		return Cursor{}, &apperr.ValidationError{Msg: fmt.Sprintf("invalid cursor %q", s)}
	}

	datePart, rest, hasRest := strings.Cut(s, ":")
	day, err := time.Parse(time.DateOnly, datePart)
	if err != nil {
		return invalid()
	}
	if !hasRest {
		return Cursor{Date: day}, nil
	}

	sep := strings.LastIndex(rest, ":")
	if sep <= 0 {
		return invalid()
	}
	idx, err := strconv.Atoi(rest[sep+1:])
	if err != nil || idx < 0 {
		return invalid()
	}
	return Cursor{Date: day, TournamentID: rest[:sep], Index: idx}, nil
}
