package cache

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizeKey folds s into a stable cache key: diacritics are removed,
// letters are lower-cased and everything except letters and digits is dropped.
// "Ocimum basilicum", "ocimum-basilicum " and "OCIMUM BASILICUM!" all collide.
func NormalizeKey(s string) string {
	folder := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(folder, s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// DeriveKey builds the lookup key for a plant, preferring the scientific name.
func DeriveKey(scientificName, commonName string) string {
	if key := NormalizeKey(scientificName); key != "" {
		return key
	}
	return NormalizeKey(commonName)
}

// JoinKey normalises each part and joins the non-empty ones with '_'.
func JoinKey(parts ...string) string {
	normalized := make([]string, 0, len(parts))
	for _, p := range parts {
		if n := NormalizeKey(p); n != "" {
			normalized = append(normalized, n)
		}
	}
	return strings.Join(normalized, "_")
}
