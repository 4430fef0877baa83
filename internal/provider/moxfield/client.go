// Package moxfield resolves hosted decklists. Moxfield throttles aggressively,
// so every request goes through the shared fetch.Client.
package moxfield

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/albapepper/cedh-data/internal/provider"
)

// Getter is the subset of fetch.Client the deck client needs.
type Getter interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// Client fetches decks from the Moxfield API.
type Client struct {
	http    Getter
	baseURL string
}

// NewClient creates a deck client on top of a throttled getter.
func NewClient(baseURL string, g Getter) *Client {
	return &Client{http: g, baseURL: strings.TrimRight(baseURL, "/")}
}

type deckResponse struct {
	Boards struct {
		Commanders board `json:"commanders"`
		Mainboard  board `json:"mainboard"`
	} `json:"boards"`
}

type board struct {
	Cards map[string]boardCard `json:"cards"`
}

type boardCard struct {
	Quantity int `json:"quantity"`
	Card     struct {
		Name          string   `json:"name"`
		ScryfallID    string   `json:"scryfall_id"`
		ID            string   `json:"id"`
		TypeLine      string   `json:"type_line"`
		ManaCost      string   `json:"mana_cost"`
		CMC           float64  `json:"cmc"`
		ColorIdentity []string `json:"color_identity"`
	} `json:"card"`
}

// GetDeck resolves a deck by id. It returns (nil, nil) when the deck does not
// exist or is private.
func (c *Client) GetDeck(ctx context.Context, deckID string) (*provider.Deck, error) {
	body, err := c.http.Get(ctx, c.baseURL+"/decks/all/"+url.PathEscape(deckID))
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}

	var resp deckResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode moxfield deck %s: %w", deckID, err)
	}
	return &provider.Deck{
		Commanders: resp.Boards.Commanders.deckCards(),
		Mainboard:  resp.Boards.Mainboard.deckCards(),
	}, nil
}

func (b board) deckCards() []provider.DeckCard {
	out := make([]provider.DeckCard, 0, len(b.Cards))
	for _, bc := range b.Cards {
		id := bc.Card.ScryfallID
		if id == "" {
			id = bc.Card.ID
		}
		out = append(out, provider.DeckCard{
			ID:            id,
			Name:          bc.Card.Name,
			Quantity:      max(bc.Quantity, 1),
			TypeLine:      bc.Card.TypeLine,
			ManaCost:      bc.Card.ManaCost,
			CMC:           bc.Card.CMC,
			ColorIdentity: bc.Card.ColorIdentity,
		})
	}
	slices.SortFunc(out, func(a, b provider.DeckCard) int { return strings.Compare(a.Name, b.Name) })
	return out
}
