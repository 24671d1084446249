// SPDX-License-Identifier: MIT

// Package normalize turns free-text channel names into token sets so that the
// parser and the matcher always agree on what a name means.
package normalize

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const maxVariants = 64

var (
	// Broadcast-delay qualifiers: "+2h", "+ 2", "(2 horas)", "(2h)".
	// These mark a time-shifted feed of the same channel, never a new identity.
	timeshift = regexp.MustCompile(`\+\s*\d+\s*h?\b|\(\s*\d+\s*(?:h|hrs?|horas?|hours?)\s*\)`)

	// Trailing two-letter country suffix in dotted id style: "lasestrellas.mx".
	dottedCountry = regexp.MustCompile(`\.([a-z]{2})$`)

	// Trailing parenthesized annotation: "(México)", "(WAPA-TV)".
	trailingParen = regexp.MustCompile(`\(([^)]*)\)\s*$`)

	// Hyphen-separated suffix, usually a call sign: "Canal 5 - XHGC".
	hyphenSuffix = regexp.MustCompile(`\s[-–]\s([^-–]+)$`)

	nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

	stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
)

// Tokens applies the full normalization pipeline to s and returns the token
// list in input order. Order is irrelevant for matching; it is kept only so
// debug output reads naturally.
func Tokens(s string, rules *Rules) []string {
	s = fold(s)
	s = timeshift.ReplaceAllString(s, " ")
	s = stripTrailingCountry(s, rules)
	s = nonAlnum.ReplaceAllString(s, " ")

	fields := strings.Fields(s)
	out := fields[:0]
	for _, tok := range fields {
		if digits, ok := rules.NumeralWords[tok]; ok {
			tok = digits
		}
		if rules.IsStopWord(tok) {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// Key derives the exact-match lookup key from a token list: sorted,
// de-duplicated, space-joined.
func Key(tokens []string) string {
	if len(tokens) == 0 {
		return ""
	}
	uniq := make([]string, 0, len(tokens))
	seen := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		uniq = append(uniq, t)
	}
	sort.Strings(uniq)
	return strings.Join(uniq, " ")
}

// NameKey tokenizes s and returns its normalized key in one step.
func NameKey(s string, rules *Rules) string {
	return Key(Tokens(s, rules))
}

// ExpandVariants produces additional name strings for a raw display name:
// the name itself, trailing-parenthesis content, hyphen suffixes, and any
// alias or call-sign expansions. Each variant is worth tokenizing separately
// so a channel is findable by call sign or brand even when the literal
// display string differs. The result is capped at 64 variants.
func ExpandVariants(name string, rules *Rules) []string {
	variants := make([]string, 0, 4)
	seen := make(map[string]struct{}, 8)

	add := func(v string) {
		v = strings.TrimSpace(v)
		if v == "" || len(variants) >= maxVariants {
			return
		}
		low := strings.ToLower(v)
		if _, ok := seen[low]; ok {
			return
		}
		seen[low] = struct{}{}
		variants = append(variants, v)
	}

	add(name)

	if m := trailingParen.FindStringSubmatch(name); m != nil {
		add(m[1])
		add(trailingParen.ReplaceAllString(name, ""))
	}
	if m := hyphenSuffix.FindStringSubmatch(name); m != nil {
		add(m[1])
		add(hyphenSuffix.ReplaceAllString(name, ""))
	}

	// Alias and call-sign expansions apply to every variant gathered so far,
	// including parenthesized call signs like "(XHGC)".
	for _, v := range append([]string(nil), variants...) {
		key := strings.ToLower(strings.TrimSpace(fold(v)))
		if names, ok := rules.Aliases[key]; ok {
			for _, n := range names {
				add(n)
			}
		}
		if brand, ok := rules.CallSigns[key]; ok {
			add(brand)
		}
	}
	return variants
}

// fold lowercases s and strips diacritics (NFD decompose, drop combining
// marks, recompose).
func fold(s string) string {
	folded, _, err := transform.String(stripMarks, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(folded)
}

func stripTrailingCountry(s string, rules *Rules) string {
	s = strings.TrimSpace(s)

	if m := dottedCountry.FindStringSubmatch(s); m != nil && rules.IsCountryTag(m[1]) {
		s = strings.TrimSpace(dottedCountry.ReplaceAllString(s, ""))
	}
	if m := trailingParen.FindStringSubmatch(s); m != nil {
		inner := strings.TrimSpace(m[1])
		if rules.IsCountryTag(inner) {
			s = strings.TrimSpace(trailingParen.ReplaceAllString(s, ""))
		}
	}
	// Bare trailing country word: "Las Estrellas Mexico".
	if i := strings.LastIndexByte(s, ' '); i > 0 {
		last := strings.Trim(s[i+1:], ".,")
		if rules.IsCountryTag(last) {
			s = strings.TrimSpace(s[:i])
		}
	}
	return s
}
