// Package scryfall streams the oracle_cards bulk export.
//
// The export is a single JSON array of ~35k cards (well over 100MB). It is
// decoded element by element so only one card is held in memory at a time.
package scryfall

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/albapepper/cedh-data/internal/apperr"
)

const (
	oracleCardsType = "oracle_cards"
	userAgent       = "cedh-data/1.0"
)

// Card is the subset of a Scryfall card the enrichment stage uses.
type Card struct {
	OracleID      string   `json:"oracle_id"`
	Name          string   `json:"name"`
	TypeLine      string   `json:"type_line"`
	ManaCost      string   `json:"mana_cost"`
	CMC           float64  `json:"cmc"`
	ColorIdentity []string `json:"color_identity"`
	CardFaces     []struct {
		Name     string `json:"name"`
		ManaCost string `json:"mana_cost"`
		TypeLine string `json:"type_line"`
	} `json:"card_faces"`

	// Raw is the undecoded card object.
	Raw json.RawMessage `json:"-"`
}

// EffectiveManaCost falls back to the front face for multi-faced cards.
func (c *Card) EffectiveManaCost() string {
	if c.ManaCost != "" {
		return c.ManaCost
	}
	if len(c.CardFaces) > 0 {
		return c.CardFaces[0].ManaCost
	}
	return ""
}

// EffectiveTypeLine falls back to the front face for multi-faced cards.
func (c *Card) EffectiveTypeLine() string {
	if c.TypeLine != "" {
		return c.TypeLine
	}
	if len(c.CardFaces) > 0 {
		return c.CardFaces[0].TypeLine
	}
	return ""
}

// Client downloads bulk data.
type Client struct {
	httpClient *http.Client
	indexURL   string
	logger     *slog.Logger
}

// NewClient creates a bulk-data client. indexURL is the bulk-data listing
// endpoint (https://api.scryfall.com/bulk-data).
func NewClient(indexURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Minute},
		indexURL:   indexURL,
		logger:     logger,
	}
}

type bulkIndex struct {
	Data []struct {
		Type        string `json:"type"`
		DownloadURI string `json:"download_uri"`
	} `json:"data"`
}

// StreamOracleCards calls fn for every card in the oracle_cards export.
// Returning an error from fn stops the stream.
func (c *Client) StreamOracleCards(ctx context.Context, fn func(*Card) error) error {
	uri, err := c.downloadURI(ctx)
	if err != nil {
		return err
	}
	c.logger.Info("Streaming Scryfall bulk data", "uri", uri)

	resp, err := c.get(ctx, uri)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return DecodeCards(resp.Body, fn)
}

func (c *Client) downloadURI(ctx context.Context) (string, error) {
	resp, err := c.get(ctx, c.indexURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var idx bulkIndex
	if err := json.NewDecoder(resp.Body).Decode(&idx); err != nil {
		return "", fmt.Errorf("decode bulk index: %w", err)
	}
	for _, d := range idx.Data {
		if d.Type == oracleCardsType {
			return d.DownloadURI, nil
		}
	}
	return "", fmt.Errorf("bulk index has no %s entry", oracleCardsType)
}

func (c *Client) get(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &apperr.TransientError{Op: "scryfall GET", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &apperr.TransientError{
			Op:  "scryfall GET",
			Err: fmt.Errorf("%s returned %d", u, resp.StatusCode),
		}
	}
	return resp, nil
}

// DecodeCards decodes a JSON array of cards from r one element at a time.
func DecodeCards(r io.Reader, fn func(*Card) error) error {
	dec := json.NewDecoder(r)

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("read bulk data: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return fmt.Errorf("bulk data: expected array, got %v", tok)
	}

	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("decode card: %w", err)
		}
		var card Card
		if err := json.Unmarshal(raw, &card); err != nil {
			return fmt.Errorf("decode card: %w", err)
		}
		card.Raw = raw
		if err := fn(&card); err != nil {
			return err
		}
	}

	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("read bulk data: %w", err)
	}
	return nil
}
