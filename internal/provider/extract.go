package provider

import (
	"regexp"
	"strings"
)

var textReplacer = strings.NewReplacer(
	"‘", "'", "’", "'", "‚", "'", "‛", "'",
	"“", `"`, "”", `"`, "„", `"`, "‟", `"`,
	"–", "-", "—", "-",
	"…", "...",
)

// NormalizeText replaces typographic punctuation with its ASCII form and
// trims surrounding whitespace. The same card name arrives from different
// sources with curly or straight apostrophes; both must map to one row.
func NormalizeText(s string) string {
	return strings.TrimSpace(textReplacer.Replace(s))
}

// FrontFace returns the front face of a multi-faced card name ("A // B" -> "A").
func FrontFace(name string) string {
	if i := strings.Index(name, " // "); i >= 0 {
		return strings.TrimSpace(name[:i])
	}
	return name
}

// NameKey is the lookup key used when matching card names across sources.
func NameKey(name string) string {
	return strings.ToLower(NormalizeText(name))
}

var decklistUnescaper = strings.NewReplacer(
	`\r\n`, "\n",
	`\n`, "\n",
	`\'`, "'",
	`\"`, `"`,
)

// PrepareDecklist turns a stored decklist into the plain text a legality
// validator accepts: escaped newlines and quotes are unescaped, punctuation is
// normalized, "Imported from" metadata lines are dropped and trailing blank
// lines are removed.
func PrepareDecklist(raw string) string {
	text := textReplacer.Replace(decklistUnescaper.Replace(raw))
	text = strings.ReplaceAll(text, "\r\n", "\n")

	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Imported from ") {
			continue
		}
		kept = append(kept, line)
	}
	for len(kept) > 0 && kept[len(kept)-1] == "" {
		kept = kept[:len(kept)-1]
	}
	return strings.Join(kept, "\n")
}

var moxfieldDeckRe = regexp.MustCompile(`moxfield\.com/decks/([a-zA-Z0-9_-]+)`)

// MoxfieldDeckID extracts the deck id from a moxfield deck URL.
func MoxfieldDeckID(ref string) (string, bool) {
	m := moxfieldDeckRe.FindStringSubmatch(ref)
	if m == nil {
		return "", false
	}
	return m[1], true
}
