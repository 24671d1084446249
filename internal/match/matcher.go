// SPDX-License-Identifier: MIT

// Package match reconciles free-text channel names against the EPG channel
// index. A wrong match silently corrupts the guide for a channel, so the
// tiers are ordered by trustworthiness and only the last one is tunable.
package match

import (
	"github.com/guidepipe/guidepipe/internal/epg"
	"github.com/guidepipe/guidepipe/internal/normalize"
)

// Method tags how a match was produced.
type Method string

const (
	// MethodOverride is an operator-asserted mapping; it bypasses scoring.
	MethodOverride Method = "override"
	// MethodExternal is an authoritative external identifier (tvg-id).
	MethodExternal Method = "external_id"
	// MethodExact means the normalized keys are identical.
	MethodExact Method = "exact"
	// MethodAnchor means a single-token candidate appears in exactly one
	// entry's token set.
	MethodAnchor Method = "anchor"
	// MethodSubset means every candidate token appears in the entry.
	MethodSubset Method = "subset"
	// MethodFuzzy is weighted token-set similarity above the threshold.
	MethodFuzzy Method = "fuzzy"
	// MethodNone means no entry qualified.
	MethodNone Method = "none"
)

const (
	defaultMinScore      = 0.45
	defaultBrandBonusCap = 0.25

	// perBrandBonus is added per shared brand token, up to the cap.
	perBrandBonus = 0.15

	// fuzzyScoreCeiling keeps fuzzy results strictly below the
	// deterministic tiers.
	fuzzyScoreCeiling = 0.89
)

// Result is the outcome of matching one candidate name.
type Result struct {
	Entry  *epg.ChannelEntry // nil when Method is none
	Score  float64
	Method Method
}

// Config carries the tunables and the operator override table.
type Config struct {
	// MinScore is the floor for accepting a fuzzy match (default 0.45).
	MinScore float64
	// BrandBonusCap limits the total brand-token bonus (default 0.25).
	BrandBonusCap float64
	// Overrides maps a candidate channel name (any spelling; it is
	// normalized on load) to a canonical EPG channel id.
	Overrides map[string]string
}

// Matcher resolves candidate names against one immutable index. It is
// read-only after construction and safe for concurrent use.
type Matcher struct {
	index         *epg.Index
	rules         *normalize.Rules
	overrides     map[string]string
	minScore      float64
	brandBonusCap float64
}

// New builds a matcher over ix. The override table is keyed by normalized
// name so operators can write entries in whatever casing the source uses.
func New(ix *epg.Index, rules *normalize.Rules, cfg Config) *Matcher {
	if rules == nil {
		rules = normalize.DefaultRules()
	}
	m := &Matcher{
		index:         ix,
		rules:         rules,
		overrides:     make(map[string]string, len(cfg.Overrides)),
		minScore:      cfg.MinScore,
		brandBonusCap: cfg.BrandBonusCap,
	}
	if m.minScore <= 0 {
		m.minScore = defaultMinScore
	}
	if m.brandBonusCap <= 0 {
		m.brandBonusCap = defaultBrandBonusCap
	}
	for name, id := range cfg.Overrides {
		if key := normalize.NameKey(name, rules); key != "" {
			m.overrides[key] = id
		}
	}
	return m
}

// Match returns the best entry for a candidate name.
func (m *Matcher) Match(name string) Result {
	return m.MatchWithExternalID(name, "")
}

// MatchWithExternalID is Match with an optional authoritative channel id
// carried by the candidate (a curated playlist's tvg-id). A known external
// id wins over every inference tier; an unknown one falls through.
func (m *Matcher) MatchWithExternalID(name, externalID string) Result {
	if externalID != "" {
		if e, ok := m.index.ByID(externalID); ok {
			return Result{Entry: e, Score: 1.0, Method: MethodExternal}
		}
	}

	key := normalize.NameKey(name, m.rules)
	if key != "" {
		if id, ok := m.overrides[key]; ok {
			if e, found := m.index.ByID(id); found {
				return Result{Entry: e, Score: 1.0, Method: MethodOverride}
			}
		}
		if e, ok := m.index.ByKey(key); ok {
			return Result{Entry: e, Score: 1.0, Method: MethodExact}
		}
	}

	tokens := tokenSet(normalize.Tokens(name, m.rules))
	if len(tokens) == 0 {
		return Result{Method: MethodNone}
	}

	if len(tokens) == 1 {
		var anchor string
		for t := range tokens {
			anchor = t
		}
		if e := m.bestContaining(func(entry *epg.ChannelEntry) bool {
			return entry.HasToken(anchor)
		}); e != nil {
			return Result{Entry: e, Score: 0.99, Method: MethodAnchor}
		}
	}

	if e := m.bestContaining(func(entry *epg.ChannelEntry) bool {
		return containsAll(entry, tokens)
	}); e != nil {
		return Result{Entry: e, Score: 0.9, Method: MethodSubset}
	}

	if e, score := m.bestFuzzy(tokens); e != nil && score >= m.minScore {
		return Result{Entry: e, Score: score, Method: MethodFuzzy}
	}
	return Result{Method: MethodNone}
}

// bestContaining returns the qualifying entry with the smallest token set,
// the most specific channel rather than a catch-all with a superset of
// everything. Ties break on id so results are stable across runs.
func (m *Matcher) bestContaining(qualifies func(*epg.ChannelEntry) bool) *epg.ChannelEntry {
	var best *epg.ChannelEntry
	for _, entry := range m.index.Entries() {
		if len(entry.TokenSet) == 0 || !qualifies(entry) {
			continue
		}
		if best == nil ||
			len(entry.TokenSet) < len(best.TokenSet) ||
			(len(entry.TokenSet) == len(best.TokenSet) && entry.ID < best.ID) {
			best = entry
		}
	}
	return best
}

// bestFuzzy scores every entry by Jaccard similarity of token sets plus a
// capped bonus for shared brand vocabulary.
func (m *Matcher) bestFuzzy(tokens map[string]struct{}) (*epg.ChannelEntry, float64) {
	var (
		best      *epg.ChannelEntry
		bestScore float64
	)
	for _, entry := range m.index.Entries() {
		if len(entry.TokenSet) == 0 {
			continue
		}
		score := m.score(tokens, entry)
		if score > bestScore ||
			(score == bestScore && best != nil && entry.ID < best.ID) {
			best = entry
			bestScore = score
		}
	}
	return best, bestScore
}

func (m *Matcher) score(tokens map[string]struct{}, entry *epg.ChannelEntry) float64 {
	shared := 0
	bonus := 0.0
	for t := range tokens {
		if !entry.HasToken(t) {
			continue
		}
		shared++
		if m.rules.IsBrandToken(t) {
			bonus += perBrandBonus
		}
	}
	if shared == 0 {
		return 0
	}
	union := len(tokens) + len(entry.TokenSet) - shared
	score := float64(shared) / float64(union)
	if bonus > m.brandBonusCap {
		bonus = m.brandBonusCap
	}
	score += bonus
	if score > fuzzyScoreCeiling {
		score = fuzzyScoreCeiling
	}
	return score
}

func containsAll(entry *epg.ChannelEntry, tokens map[string]struct{}) bool {
	for t := range tokens {
		if !entry.HasToken(t) {
			return false
		}
	}
	return true
}

func tokenSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}
