package moxfield

import (
	"context"
	"testing"
)

type fakeGetter struct {
	urls []string
	body []byte
	err  error
}

func (f *fakeGetter) Get(_ context.Context, url string) ([]byte, error) {
	f.urls = append(f.urls, url)
	return f.body, f.err
}

func TestGetDeck(t *testing.T) {
	g := &fakeGetter{body: []byte(`{
	  "boards": {
	    "commanders": {"cards": {
	      "x1": {"quantity": 1, "card": {"name": "Kinnan, Bonder Prodigy", "scryfall_id": "kin", "type_line": "Legendary Creature", "color_identity": ["G", "U"]}}
	    }},
	    "mainboard": {"cards": {
	      "y1": {"quantity": 1, "card": {"name": "Sol Ring", "scryfall_id": "sol", "mana_cost": "{1}", "cmc": 1}},
	      "y2": {"quantity": 0, "card": {"name": "Basalt Monolith", "id": "bas"}}
	    }}
	  }
	}`)}

	c := NewClient("https://api.example/v3/", g)
	deck, err := c.GetDeck(context.Background(), "abc_123")
	if err != nil {
		t.Fatalf("GetDeck failed: %v", err)
	}
	if g.urls[0] != "https://api.example/v3/decks/all/abc_123" {
		t.Errorf("unexpected url %q", g.urls[0])
	}
	if deck.CommanderKey() != "kin" {
		t.Errorf("unexpected commander key %q", deck.CommanderKey())
	}
	if len(deck.Mainboard) != 2 || deck.Mainboard[0].Name != "Basalt Monolith" {
		t.Fatalf("unexpected mainboard %+v", deck.Mainboard)
	}
	if deck.Mainboard[0].ID != "bas" || deck.Mainboard[0].Quantity != 1 {
		t.Errorf("expected id fallback and minimum quantity, got %+v", deck.Mainboard[0])
	}
	if deck.Mainboard[1].CMC != 1 || deck.Mainboard[1].ManaCost != "{1}" {
		t.Errorf("expected metadata carried through, got %+v", deck.Mainboard[1])
	}
}

func TestGetDeck_NotFound(t *testing.T) {
	c := NewClient("https://api.example/v3", &fakeGetter{})
	deck, err := c.GetDeck(context.Background(), "gone")
	if err != nil || deck != nil {
		t.Errorf("expected (nil, nil), got (%v, %v)", deck, err)
	}
}
