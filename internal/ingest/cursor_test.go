package ingest

import (
	"testing"
	"time"
)

func TestCursor_RoundTrip(t *testing.T) {
	day := time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		cursor Cursor
		want   string
	}{
		{Cursor{Date: day}, "2025-03-09"},
		{Cursor{Date: day, TournamentID: "abc-123", Index: 0}, "2025-03-09:abc-123:0"},
		{Cursor{Date: day, TournamentID: "odd:tid", Index: 17}, "2025-03-09:odd:tid:17"},
	}
	for _, tt := range tests {
		if got := tt.cursor.String(); got != tt.want {
			t.Errorf("expected %q, got %q", tt.want, got)
		}
		back, err := ParseCursor(tt.want)
		if err != nil {
			t.Fatalf("ParseCursor(%q) failed: %v", tt.want, err)
		}
		if !back.Date.Equal(tt.cursor.Date) || back.TournamentID != tt.cursor.TournamentID || back.Index != tt.cursor.Index {
			t.Errorf("expected %+v, got %+v", tt.cursor, back)
		}
	}
}

func TestParseCursor_Invalid(t *testing.T) {
	for _, s := range []string{"", "yesterday", "2025-03-09:tid", "2025-03-09:tid:x", "2025-03-09:tid:-1", "2025-03-09::3"} {
		if _, err := ParseCursor(s); err == nil {
			t.Errorf("expected error for %q", s)
		}
	}
}
