package provider

import "testing"

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Thassa’s Oracle", "Thassa's Oracle"},
		{"  “Ach! Hans, Run!”  ", `"Ach! Hans, Run!"`},
		{"Borrowing 100,000 Arrows — Foil", "Borrowing 100,000 Arrows - Foil"},
		{"Wait…", "Wait..."},
		{"Plain", "Plain"},
	}
	for _, tt := range tests {
		if got := NormalizeText(tt.in); got != tt.want {
			t.Errorf("NormalizeText(%q): expected %q, got %q", tt.in, tt.want, got)
		}
	}
}

func TestFrontFace(t *testing.T) {
	if got := FrontFace("Esika, God of the Tree // The Prismatic Bridge"); got != "Esika, God of the Tree" {
		t.Errorf("unexpected front face %q", got)
	}
	if got := FrontFace("Sol Ring"); got != "Sol Ring" {
		t.Errorf("single-faced name changed: %q", got)
	}
}

func TestPrepareDecklist(t *testing.T) {
	raw := `1 Sol Ring\r\n1 Thassa’s Oracle\n1 Demonic Consultation\n\nImported from https://moxfield.com/decks/abc\n\n`
	want := "1 Sol Ring\n1 Thassa's Oracle\n1 Demonic Consultation"
	if got := PrepareDecklist(raw); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}

	withQuotes := `1 Kogla, the Titan Ape\n1 \"Ach! Hans, Run!\"`
	if got := PrepareDecklist(withQuotes); got != "1 Kogla, the Titan Ape\n1 \"Ach! Hans, Run!\"" {
		t.Errorf("unexpected unescape result %q", got)
	}
}

func TestMoxfieldDeckID(t *testing.T) {
	tests := []struct {
		ref    string
		wantID string
		wantOK bool
	}{
		{"https://www.moxfield.com/decks/Ab3_x-9Qz", "Ab3_x-9Qz", true},
		{"moxfield.com/decks/xyz?view=visual", "xyz", true},
		{"https://archidekt.com/decks/123", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		id, ok := MoxfieldDeckID(tt.ref)
		if id != tt.wantID || ok != tt.wantOK {
			t.Errorf("MoxfieldDeckID(%q): expected (%q, %v), got (%q, %v)", tt.ref, tt.wantID, tt.wantOK, id, ok)
		}
	}
}

func TestCommanderKey_OrderIndependent(t *testing.T) {
	a := &Deck{Commanders: []DeckCard{
		{ID: "bbb", Name: "Tymna the Weaver"},
		{ID: "aaa", Name: "Kraum, Ludevic’s Opus"},
	}}
	b := &Deck{Commanders: []DeckCard{
		{ID: "aaa", Name: "Kraum, Ludevic's Opus"},
		{ID: "bbb", Name: "Tymna the Weaver"},
	}}

	if a.CommanderKey() != "aaa_bbb" || b.CommanderKey() != "aaa_bbb" {
		t.Errorf("expected aaa_bbb for both, got %q and %q", a.CommanderKey(), b.CommanderKey())
	}
	if a.CommanderName() != b.CommanderName() {
		t.Errorf("names differ: %q vs %q", a.CommanderName(), b.CommanderName())
	}
	if a.CommanderName() != "Kraum, Ludevic's Opus + Tymna the Weaver" {
		t.Errorf("unexpected name %q", a.CommanderName())
	}

	ids := CommanderCardIDs(a.CommanderKey())
	if len(ids) != 2 || ids[0] != "aaa" || ids[1] != "bbb" {
		t.Errorf("unexpected split %v", ids)
	}
}

func TestDeckCards_MergesDuplicates(t *testing.T) {
	d := &Deck{
		Commanders: []DeckCard{{ID: "c1", Name: "Cmdr", Quantity: 1}},
		Mainboard: []DeckCard{
			{ID: "x", Name: "Island", Quantity: 3},
			{ID: "x", Name: "Island", Quantity: 2},
			{ID: "", Name: "Unknown", Quantity: 1},
		},
	}
	cards := d.Cards()
	if len(cards) != 2 {
		t.Fatalf("expected 2 cards, got %d", len(cards))
	}
	if cards[0].ID != "c1" || cards[1].Quantity != 5 {
		t.Errorf("unexpected cards %+v", cards)
	}
}

func TestColorIdentity(t *testing.T) {
	tests := []struct {
		in   []string
		want string
	}{
		{[]string{"G", "W", "U"}, "WUG"},
		{[]string{"r", "b"}, "BR"},
		{nil, "C"},
		{[]string{"W", "W"}, "W"},
	}
	for _, tt := range tests {
		if got := ColorIdentity(tt.in); got != tt.want {
			t.Errorf("ColorIdentity(%v): expected %q, got %q", tt.in, tt.want, got)
		}
	}
	if got := MergeColorIdentity("WU", "B", "C"); got != "WUB" {
		t.Errorf("expected WUB, got %q", got)
	}
	if got := MergeColorIdentity("C", "C"); got != "C" {
		t.Errorf("expected C, got %q", got)
	}
}
