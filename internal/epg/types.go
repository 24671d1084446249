// SPDX-License-Identifier: MIT

// Package epg builds the channel index and programme stream from XMLTV
// sources.
package epg

import (
	"time"

	"github.com/guidepipe/guidepipe/internal/normalize"
)

// maxNameVariants bounds the variant list per channel entry. Sources that
// repeat display names with minor decoration can otherwise grow an entry
// without limit.
const maxNameVariants = 64

// ChannelEntry is one canonical EPG channel. Entries are built once per
// ingestion run and never mutated after the parse that produced them
// finishes; the index owns them exclusively.
type ChannelEntry struct {
	ID           string
	DisplayName  string
	NameVariants []string
	TokenSet     map[string]struct{}
}

// HasToken reports whether tok is in the entry's token set.
func (e *ChannelEntry) HasToken(tok string) bool {
	_, ok := e.TokenSet[tok]
	return ok
}

// BuildEntry constructs a channel entry from a raw id and its display names.
// It returns the entry plus the normalized keys under which the entry should
// be registered in the index. The id itself counts as a name variant so
// candidates carrying a dotted identifier ("lasestrellas.mx") still resolve.
func BuildEntry(id string, names []string, rules *normalize.Rules) (*ChannelEntry, []string) {
	e := &ChannelEntry{
		ID:       id,
		TokenSet: make(map[string]struct{}),
	}
	if len(names) > 0 {
		e.DisplayName = names[0]
	} else {
		e.DisplayName = id
	}

	seen := make(map[string]struct{})
	var keys []string
	addVariant := func(v string) {
		if len(e.NameVariants) >= maxNameVariants {
			return
		}
		if _, dup := seen[v]; dup {
			return
		}
		seen[v] = struct{}{}
		e.NameVariants = append(e.NameVariants, v)

		toks := normalize.Tokens(v, rules)
		for _, t := range toks {
			e.TokenSet[t] = struct{}{}
		}
		if key := normalize.Key(toks); key != "" {
			keys = append(keys, key)
		}
	}

	for _, name := range names {
		for _, v := range normalize.ExpandVariants(name, rules) {
			addVariant(v)
		}
	}
	addVariant(id)
	return e, keys
}

// Index maps channel ids and normalized name keys to entries.
//
// Invariant: every entry reachable through a name key is also present by id.
// Name keys are first-writer-wins; a later channel that normalizes to an
// already-claimed key does not steal it.
type Index struct {
	byID      map[string]*ChannelEntry
	byNameKey map[string]*ChannelEntry
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{
		byID:      make(map[string]*ChannelEntry),
		byNameKey: make(map[string]*ChannelEntry),
	}
}

// Add registers entry under its id and the given name keys. When the id is
// already present (the same channel seen in a second source) the existing
// entry absorbs the new variants and tokens instead of being replaced.
func (ix *Index) Add(entry *ChannelEntry, keys []string) {
	target, exists := ix.byID[entry.ID]
	if !exists {
		ix.byID[entry.ID] = entry
		target = entry
	} else {
		for _, v := range entry.NameVariants {
			if len(target.NameVariants) >= maxNameVariants {
				break
			}
			target.NameVariants = append(target.NameVariants, v)
		}
		for t := range entry.TokenSet {
			target.TokenSet[t] = struct{}{}
		}
	}
	for _, key := range keys {
		if _, taken := ix.byNameKey[key]; !taken {
			ix.byNameKey[key] = target
		}
	}
}

// ByID looks up an entry by canonical channel id.
func (ix *Index) ByID(id string) (*ChannelEntry, bool) {
	e, ok := ix.byID[id]
	return e, ok
}

// ByKey looks up an entry by normalized name key.
func (ix *Index) ByKey(key string) (*ChannelEntry, bool) {
	e, ok := ix.byNameKey[key]
	return e, ok
}

// Len returns the number of distinct channels.
func (ix *Index) Len() int { return len(ix.byID) }

// Entries returns all channel entries in unspecified order.
func (ix *Index) Entries() []*ChannelEntry {
	out := make([]*ChannelEntry, 0, len(ix.byID))
	for _, e := range ix.byID {
		out = append(out, e)
	}
	return out
}

// Programme is one guide record for a channel inside the ingestion window.
// Start and Stop are UTC instants.
type Programme struct {
	ChannelID       string
	Start           time.Time
	Stop            time.Time
	Title           string
	Subtitle        string
	Summary         string
	Categories      []string
	Language        string
	Episode         string
	Rating          string
	IconURL         string
	Credits         []string
	Premiere        bool
	PreviouslyShown bool
}
