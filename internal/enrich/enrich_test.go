package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"

	"github.com/albapepper/cedh-data/internal/apperr"
	"github.com/albapepper/cedh-data/internal/provider/scrollrack"
	"github.com/albapepper/cedh-data/internal/provider/scryfall"
)

// --------------------------------------------------------------------------
// Fakes
// --------------------------------------------------------------------------

type fakeCard struct {
	name     string
	typeLine string
	colors   string
	hasData  bool
}

type fakeStore struct {
	mu          sync.Mutex
	cards       map[string]*fakeCard
	commanders  map[string]string
	tournaments map[string]string
	entries     map[int64]string
	verdicts    map[int64]bool
	resets      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		cards:       map[string]*fakeCard{},
		commanders:  map[string]string{},
		tournaments: map[string]string{},
		entries:     map[int64]string{},
		verdicts:    map[int64]bool{},
	}
}

func (f *fakeStore) ResetDerived(context.Context) error {
	f.resets++
	for _, c := range f.cards {
		c.typeLine, c.colors, c.hasData = "", "", false
	}
	for id := range f.commanders {
		f.commanders[id] = ""
	}
	for tid := range f.tournaments {
		f.tournaments[tid] = ""
	}
	clear(f.verdicts)
	return nil
}

func (f *fakeStore) CardsMissingMetadata(_ context.Context, after string, limit int) ([]CardRow, error) {
	var out []CardRow
	for _, id := range sortedKeys(f.cards) {
		if id > after && !f.cards[id].hasData && len(out) < limit {
			out = append(out, CardRow{ID: id, Name: f.cards[id].name})
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateCards(_ context.Context, updates []CardUpdate) (int, error) {
	for _, u := range updates {
		c := f.cards[u.ID]
		c.typeLine, c.colors, c.hasData = u.TypeLine, u.ColorIdentity, len(u.Data) > 0
	}
	return len(updates), nil
}

func (f *fakeStore) CommandersMissingColor(_ context.Context, after string, limit int) ([]string, error) {
	var out []string
	for _, id := range sortedKeys(f.commanders) {
		if id > after && f.commanders[id] == "" && len(out) < limit {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeStore) CardColorIdentities(_ context.Context, ids []string) (map[string]string, error) {
	out := map[string]string{}
	for _, id := range ids {
		if c, ok := f.cards[id]; ok && c.colors != "" {
			out[id] = c.colors
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateCommanderColors(_ context.Context, colors map[string]string) (int, error) {
	for id, ci := range colors {
		f.commanders[id] = ci
	}
	return len(colors), nil
}

func (f *fakeStore) FillBracketURLs(context.Context) (int, error) {
	n := 0
	for tid, url := range f.tournaments {
		if url == "" {
			f.tournaments[tid] = "https://topdeck.gg/bracket/" + tid
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) EntriesToValidate(_ context.Context, after int64, limit int) ([]EntryRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for id := range f.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	var out []EntryRow
	for _, id := range ids {
		if _, done := f.verdicts[id]; id > after && !done && len(out) < limit {
			out = append(out, EntryRow{ID: id, Decklist: f.entries[id]})
		}
	}
	return out, nil
}

func (f *fakeStore) SetDecklistValid(_ context.Context, id int64, valid bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verdicts[id] = valid
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

type fakeFeed struct {
	cards []scryfall.Card
	err   error
}

func (f *fakeFeed) StreamOracleCards(_ context.Context, fn func(*scryfall.Card) error) error {
	if f.err != nil {
		return f.err
	}
	for i := range f.cards {
		c := f.cards[i]
		c.Raw = json.RawMessage(fmt.Sprintf(`{"name": %q}`, c.Name))
		if err := fn(&c); err != nil {
			return err
		}
	}
	return nil
}

type fakeValidator struct {
	mu    sync.Mutex
	calls int
}

// Validate treats decklists starting with "bad" as illegal and "err" as an
// unreachable validator.
func (v *fakeValidator) Validate(_ context.Context, decklist string) (*scrollrack.Result, error) {
	v.mu.Lock()
	v.calls++
	v.mu.Unlock()
	switch {
	case len(decklist) >= 3 && decklist[:3] == "err":
		return nil, &apperr.TransientError{Op: "validate", Err: errors.New("503")}
	case len(decklist) >= 3 && decklist[:3] == "bad":
		return &scrollrack.Result{Valid: false, Errors: []string{"too many cards"}}, nil
	default:
		return &scrollrack.Result{Valid: true}, nil
	}
}

type expiredCheckpoint struct{}

func (expiredCheckpoint) Check(context.Context) error { return nil }
func (expiredCheckpoint) Expired() bool               { return true }

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testFeed() *fakeFeed {
	return &fakeFeed{cards: []scryfall.Card{
		{OracleID: "oracle-sol", Name: "Sol Ring", TypeLine: "Artifact", ManaCost: "{1}", CMC: 1, ColorIdentity: []string{}},
		{OracleID: "oracle-fire", Name: "Fire // Ice", TypeLine: "Instant // Instant", CMC: 4, ColorIdentity: []string{"U", "R"}},
		{OracleID: "oracle-delver", Name: "Delver of Secrets // Insectile Aberration", CMC: 1, ColorIdentity: []string{"U"}},
		{OracleID: "oracle-tymna", Name: "Tymna the Weaver", TypeLine: "Legendary Creature", CMC: 3, ColorIdentity: []string{"W", "B"}},
		{OracleID: "oracle-kraum", Name: "Kraum, Ludevic’s Opus", TypeLine: "Legendary Creature", CMC: 5, ColorIdentity: []string{"U", "R"}},
	}}
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestEnrich_ResolvesCardsByOracleIDAndName(t *testing.T) {
	store := newFakeStore()
	store.cards["oracle-sol"] = &fakeCard{name: "Sol Ring"}
	store.cards["scry-fire"] = &fakeCard{name: "Fire // Ice"}
	store.cards["scry-delver"] = &fakeCard{name: "Delver of Secrets"}
	store.cards["scry-kraum"] = &fakeCard{name: "Kraum, Ludevic's Opus"}
	store.cards["scry-unknown"] = &fakeCard{name: "Totally Real Card"}

	e := NewEnricher(store, testFeed(), &fakeValidator{}, 2, quietLogger())
	stats, err := e.Run(context.Background(), Options{Incremental: true, SkipValidation: true}, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.CardsEnriched != 4 || stats.CardsNotFound != 1 {
		t.Errorf("expected 4 enriched and 1 not found, got %s", stats.Summary())
	}
	if got := store.cards["oracle-sol"]; got.typeLine != "Artifact" || got.colors != "C" {
		t.Errorf("unexpected Sol Ring %+v", got)
	}
	if got := store.cards["scry-fire"].colors; got != "UR" {
		t.Errorf("expected Fire // Ice to be UR, got %q", got)
	}
	if !store.cards["scry-delver"].hasData {
		t.Error("expected Delver matched by its front face")
	}
	if !store.cards["scry-kraum"].hasData {
		t.Error("expected curly apostrophe to match")
	}
	if store.cards["scry-unknown"].hasData {
		t.Error("expected unknown card left alone")
	}
	if !stats.Complete {
		t.Error("expected complete run")
	}
}

func TestEnrich_CommanderColorFromCards(t *testing.T) {
	store := newFakeStore()
	store.cards["oracle-tymna"] = &fakeCard{name: "Tymna the Weaver"}
	store.cards["oracle-kraum"] = &fakeCard{name: "Kraum, Ludevic's Opus"}
	store.cards["scry-mystery"] = &fakeCard{name: "Mystery Commander"}
	store.commanders["oracle-kraum_oracle-tymna"] = ""
	store.commanders["scry-mystery"] = ""

	e := NewEnricher(store, testFeed(), &fakeValidator{}, 2, quietLogger())
	stats, err := e.Run(context.Background(), Options{Incremental: true, SkipValidation: true}, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := store.commanders["oracle-kraum_oracle-tymna"]; got != "WUBR" {
		t.Errorf("expected WUBR, got %q", got)
	}
	if got := store.commanders["scry-mystery"]; got != "" {
		t.Errorf("expected unresolved commander untouched, got %q", got)
	}
	if stats.CommandersEnriched != 1 {
		t.Errorf("expected 1 commander enriched, got %d", stats.CommandersEnriched)
	}
}

func TestEnrich_ValidatesDecklistsAcrossPages(t *testing.T) {
	store := newFakeStore()
	for i := int64(1); i <= PageSize+3; i++ {
		store.entries[i] = "1 Sol Ring"
	}
	store.entries[2] = "bad list"
	store.entries[3] = "err list"

	v := &fakeValidator{}
	e := NewEnricher(store, &fakeFeed{}, v, 4, quietLogger())
	stats, err := e.Run(context.Background(), Options{Incremental: true}, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if v.calls != PageSize+3 {
		t.Errorf("expected %d validator calls, got %d", PageSize+3, v.calls)
	}
	if stats.DecklistsValid != PageSize+1 || stats.DecklistsInvalid != 1 || stats.DecklistsSkipped != 1 {
		t.Errorf("unexpected verdicts %s", stats.Summary())
	}
	if stats.DecklistsValidated != PageSize+2 {
		t.Errorf("expected %d validated, got %d", PageSize+2, stats.DecklistsValidated)
	}
	if _, ok := store.verdicts[3]; ok {
		t.Error("expected failed validation to leave the verdict unknown")
	}
	if store.verdicts[2] {
		t.Error("expected entry 2 invalid")
	}
}

func TestEnrich_FullModeResetsFirst(t *testing.T) {
	store := newFakeStore()
	store.cards["oracle-sol"] = &fakeCard{name: "Sol Ring", typeLine: "Stale", hasData: true}
	store.tournaments["T1"] = "https://old"
	store.entries[1] = "1 Sol Ring"
	store.verdicts[1] = false

	e := NewEnricher(store, testFeed(), &fakeValidator{}, 2, quietLogger())
	stats, err := e.Run(context.Background(), Options{Incremental: false}, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if store.resets != 1 {
		t.Errorf("expected one reset, got %d", store.resets)
	}
	if store.cards["oracle-sol"].typeLine != "Artifact" {
		t.Errorf("expected recomputed type line, got %q", store.cards["oracle-sol"].typeLine)
	}
	if store.tournaments["T1"] != "https://topdeck.gg/bracket/T1" || stats.TournamentsEnriched != 1 {
		t.Errorf("expected bracket url rebuilt, got %q", store.tournaments["T1"])
	}
	if !store.verdicts[1] {
		t.Error("expected entry revalidated as legal")
	}
}

func TestEnrich_IncrementalSkipsReset(t *testing.T) {
	store := newFakeStore()
	e := NewEnricher(store, testFeed(), &fakeValidator{}, 2, quietLogger())
	if _, err := e.Run(context.Background(), Options{Incremental: true}, nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if store.resets != 0 {
		t.Error("expected incremental run not to reset")
	}
}

func TestEnrich_FeedErrorFails(t *testing.T) {
	store := newFakeStore()
	store.cards["oracle-sol"] = &fakeCard{name: "Sol Ring"}
	e := NewEnricher(store, &fakeFeed{err: errors.New("download failed")}, &fakeValidator{}, 2, quietLogger())
	if _, err := e.Run(context.Background(), Options{Incremental: true}, nil); err == nil {
		t.Error("expected error")
	}
}

func TestEnrich_StopsAtRuntimeBudget(t *testing.T) {
	store := newFakeStore()
	for i := int64(1); i <= PageSize+1; i++ {
		store.entries[i] = "1 Sol Ring"
	}
	v := &fakeValidator{}
	e := NewEnricher(store, &fakeFeed{}, v, 4, quietLogger())
	stats, err := e.Run(context.Background(), Options{Incremental: true}, expiredCheckpoint{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.Complete || v.calls != PageSize {
		t.Errorf("expected one page then stop, got complete=%v calls=%d", stats.Complete, v.calls)
	}
}
