// Package aml implements sanctions screening and transaction monitoring.
// The list data is a small built-in sample; a production deployment would
// sync PPATK and UN consolidated feeds instead.
package aml

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/models"
)

type ListEntry struct {
	List string
	Name string
}

var sanctionsEntries = []ListEntry{
	{List: "UN_CONSOLIDATED", Name: "Abdul Rahman Al-Farisi"},
	{List: "UN_CONSOLIDATED", Name: "Viktor Orlov Petrovich"},
	{List: "OFAC_SDN", Name: "Jorge Luis Mendoza"},
	{List: "OFAC_SDN", Name: "Chen Wei Long"},
	{List: "PPATK_DTTOT", Name: "Agus Prasetyo Wibowo"},
	{List: "PPATK_DTTOT", Name: "Slamet Riyadi Nugroho"},
}

var pepEntries = []ListEntry{
	{List: "PEP_DOMESTIC", Name: "Bambang Sutrisno Hadi"},
	{List: "PEP_DOMESTIC", Name: "Siti Rahma Kusuma"},
	{List: "PEP_FOREIGN", Name: "Mohammed Al-Said Karim"},
}

// Screener matches customer names against the loaded lists.
type Screener struct {
	entries []ListEntry
}

// NewScreener loads the built-in sanctions and PEP lists. Extra entries can
// be appended for tests or tenant-specific lists.
func NewScreener(extra ...ListEntry) *Screener {
	entries := make([]ListEntry, 0, len(sanctionsEntries)+len(pepEntries)+len(extra))
	entries = append(entries, sanctionsEntries...)
	entries = append(entries, pepEntries...)
	entries = append(entries, extra...)
	return &Screener{entries: entries}
}

// Screen returns all list hits for a name, strongest first. Matching is
// order-insensitive on normalized name tokens.
func (s *Screener) Screen(fullName string) []models.ScreeningMatch {
	tokens := nameTokens(fullName)
	if len(tokens) == 0 {
		return nil
	}
	var matches []models.ScreeningMatch
	for _, entry := range s.entries {
		score := tokenOverlap(tokens, nameTokens(entry.Name))
		if score >= 0.5 {
			matches = append(matches, models.ScreeningMatch{
				ListName: entry.List,
				Entry:    entry.Name,
				Score:    score,
			})
		}
	}
	// strongest first, stable for equal scores
	for i := 1; i < len(matches); i++ {
		for j := i; j > 0 && matches[j].Score > matches[j-1].Score; j-- {
			matches[j], matches[j-1] = matches[j-1], matches[j]
		}
	}
	return matches
}

// IsBlocked reports whether any hit is on a sanctions (non-PEP) list with an
// exact normalized match.
func IsBlocked(matches []models.ScreeningMatch) bool {
	for _, m := range matches {
		if m.Score >= 1.0 && !strings.HasPrefix(m.ListName, "PEP_") {
			return true
		}
	}
	return false
}

// nameTokens lowercases, folds diacritics to their base letters and splits
// on whitespace, so "Prasétyo" and "Prasetyo" screen identically.
func nameTokens(name string) []string {
	folded := norm.NFD.String(strings.ToLower(strings.TrimSpace(name)))
	fields := strings.Fields(folded)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		cleaned := strings.Map(func(r rune) rune {
			if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
				return r
			}
			// Combining marks split off by NFD land here and are dropped,
			// leaving the base letter.
			return -1
		}, f)
		if cleaned != "" {
			out = append(out, cleaned)
		}
	}
	return out
}

// tokenOverlap is the fraction of list-entry tokens present in the query.
func tokenOverlap(query, entry []string) float64 {
	if len(entry) == 0 {
		return 0
	}
	set := map[string]struct{}{}
	for _, q := range query {
		set[q] = struct{}{}
	}
	hit := 0
	for _, e := range entry {
		if _, ok := set[e]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(entry))
}
