// Package provider holds the source-independent deck model and the text
// helpers shared by the upstream clients under internal/provider/*.
package provider

import (
	"slices"
	"strings"
)

// DeckCard is one card line of a resolved deck. ID is the card's stable
// oracle id; the metadata fields are filled only when the source carries them.
type DeckCard struct {
	ID       string
	Name     string
	Quantity int

	TypeLine      string
	ManaCost      string
	CMC           float64
	ColorIdentity []string
}

// Deck is a resolved decklist.
type Deck struct {
	Commanders []DeckCard
	Mainboard  []DeckCard
}

// HasCommanders reports whether the deck names at least one commander with an id.
func (d *Deck) HasCommanders() bool {
	if d == nil {
		return false
	}
	for _, c := range d.Commanders {
		if c.ID != "" {
			return true
		}
	}
	return false
}

// CommanderKey is the commander's natural key: the sorted card ids joined with
// "_". Partner pairs collapse to one key regardless of input order.
func (d *Deck) CommanderKey() string {
	ids := make([]string, 0, len(d.Commanders))
	for _, c := range d.Commanders {
		if c.ID != "" {
			ids = append(ids, c.ID)
		}
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)
	return strings.Join(ids, "_")
}

// CommanderName is the display name: sorted normalized names joined with " + ".
func (d *Deck) CommanderName() string {
	names := make([]string, 0, len(d.Commanders))
	for _, c := range d.Commanders {
		if c.ID != "" {
			names = append(names, NormalizeText(c.Name))
		}
	}
	slices.Sort(names)
	return strings.Join(names, " + ")
}

// CommanderCardIDs splits a commander key back into its card ids.
func CommanderCardIDs(key string) []string {
	if key == "" {
		return nil
	}
	return strings.Split(key, "_")
}

// Cards returns every card in the deck, commanders first, with duplicate ids
// merged by summing quantities.
func (d *Deck) Cards() []DeckCard {
	seen := make(map[string]int, len(d.Commanders)+len(d.Mainboard))
	var out []DeckCard
	for _, group := range [][]DeckCard{d.Commanders, d.Mainboard} {
		for _, c := range group {
			if c.ID == "" {
				continue
			}
			if i, ok := seen[c.ID]; ok {
				out[i].Quantity += c.Quantity
				continue
			}
			seen[c.ID] = len(out)
			c.Name = NormalizeText(c.Name)
			out = append(out, c)
		}
	}
	return out
}

const wubrg = "WUBRG"

// ColorIdentity renders a set of colour symbols in WUBRG order, or "C" for
// colourless.
func ColorIdentity(colors []string) string {
	var b strings.Builder
	for _, sym := range wubrg {
		for _, c := range colors {
			if strings.EqualFold(c, string(sym)) {
				b.WriteRune(sym)
				break
			}
		}
	}
	if b.Len() == 0 {
		return "C"
	}
	return b.String()
}

// MergeColorIdentity unions rendered identities ("WU", "B", "C") into one.
func MergeColorIdentity(identities ...string) string {
	var all []string
	for _, id := range identities {
		for _, r := range id {
			all = append(all, string(r))
		}
	}
	return ColorIdentity(all)
}
