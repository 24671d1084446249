// SPDX-License-Identifier: MIT

package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guidepipe/guidepipe/internal/epg"
	"github.com/guidepipe/guidepipe/internal/normalize"
)

func buildIndex(t *testing.T, channels map[string][]string) *epg.Index {
	t.Helper()
	rules := normalize.DefaultRules()
	ix := epg.NewIndex()
	for id, names := range channels {
		entry, keys := epg.BuildEntry(id, names, rules)
		ix.Add(entry, keys)
	}
	return ix
}

func TestMatchExact(t *testing.T) {
	ix := buildIndex(t, map[string][]string{
		"abc.mx": {"Canal Abc"},
	})
	m := New(ix, nil, Config{})

	got := m.Match("CANAL ABC")
	require.Equal(t, MethodExact, got.Method)
	require.NotNil(t, got.Entry)
	assert.Equal(t, "abc.mx", got.Entry.ID)
	assert.Equal(t, 1.0, got.Score)
}

func TestMatchExactSurvivesDecoration(t *testing.T) {
	ix := buildIndex(t, map[string][]string{
		"estrellas.mx": {"Canal de las Estrellas (México)"},
	})
	m := New(ix, nil, Config{})

	got := m.Match("Las Estrellas")
	require.NotNil(t, got.Entry)
	assert.Equal(t, "estrellas.mx", got.Entry.ID)
	assert.GreaterOrEqual(t, got.Score, 0.9, "deterministic tier expected, not fuzzy")
}

func TestMatchAnchor(t *testing.T) {
	ix := buildIndex(t, map[string][]string{
		"tdn.mx": {"Televisa Deportes Network"},
	})
	m := New(ix, nil, Config{})

	got := m.Match("Televisa")
	require.Equal(t, MethodAnchor, got.Method)
	require.NotNil(t, got.Entry)
	assert.Equal(t, "tdn.mx", got.Entry.ID)
	assert.Equal(t, 0.99, got.Score)
}

func TestMatchSubsetPrefersSmallestEntry(t *testing.T) {
	ix := buildIndex(t, map[string][]string{
		"uno.mx":   {"Azteca Uno Noticias"},
		"intl.mx":  {"Azteca Noticias Internacional Deportes"},
		"other.mx": {"Foro TV"},
	})
	m := New(ix, nil, Config{})

	got := m.Match("Azteca Noticias")
	require.Equal(t, MethodSubset, got.Method)
	require.NotNil(t, got.Entry)
	assert.Equal(t, "uno.mx", got.Entry.ID, "smallest qualifying token set wins")
	assert.Equal(t, 0.9, got.Score)
}

func TestMatchFuzzyWithBrandBonus(t *testing.T) {
	ix := buildIndex(t, map[string][]string{
		"uno.mx": {"Azteca Uno Noticias"},
	})
	m := New(ix, nil, Config{})

	// Shares {azteca, noticias} with the entry: Jaccard 2/4 plus one
	// brand-token bonus.
	got := m.Match("Noticias Azteca Guadalajara")
	require.Equal(t, MethodFuzzy, got.Method)
	require.NotNil(t, got.Entry)
	assert.Equal(t, "uno.mx", got.Entry.ID)
	assert.InDelta(t, 0.65, got.Score, 0.001)
}

func TestMatchFuzzyBelowThresholdIsNone(t *testing.T) {
	ix := buildIndex(t, map[string][]string{
		"uno.mx": {"Azteca Uno Noticias"},
	})
	m := New(ix, nil, Config{})

	got := m.Match("Noticias Zacatecas Regional Deportivo Matutino")
	assert.Equal(t, MethodNone, got.Method)
	assert.Nil(t, got.Entry)
	assert.Equal(t, 0.0, got.Score)
}

func TestMatchNoSharedTokens(t *testing.T) {
	ix := buildIndex(t, map[string][]string{
		"uno.mx": {"Azteca Uno"},
	})
	m := New(ix, nil, Config{})

	assert.Equal(t, MethodNone, m.Match("Cocina Gourmet Internacional").Method)
	assert.Equal(t, MethodNone, m.Match("").Method)
	assert.Equal(t, MethodNone, m.Match("TV HD").Method, "stop words only")
}

func TestMatchOverridePrecedence(t *testing.T) {
	ix := buildIndex(t, map[string][]string{
		"abc.mx":  {"Canal Abc"},
		"once.mx": {"Canal Once"},
	})
	m := New(ix, nil, Config{
		Overrides: map[string]string{"Canal ABC": "once.mx"},
	})

	got := m.Match("canal abc")
	require.Equal(t, MethodOverride, got.Method)
	require.NotNil(t, got.Entry)
	assert.Equal(t, "once.mx", got.Entry.ID, "override beats the exact tier")
	assert.Equal(t, 1.0, got.Score)
}

func TestMatchOverrideUnknownTargetFallsThrough(t *testing.T) {
	ix := buildIndex(t, map[string][]string{
		"abc.mx": {"Canal Abc"},
	})
	m := New(ix, nil, Config{
		Overrides: map[string]string{"Canal ABC": "gone.mx"},
	})

	got := m.Match("canal abc")
	assert.Equal(t, MethodExact, got.Method)
	assert.Equal(t, "abc.mx", got.Entry.ID)
}

func TestMatchExternalID(t *testing.T) {
	ix := buildIndex(t, map[string][]string{
		"abc.mx":  {"Canal Abc"},
		"once.mx": {"Canal Once"},
	})
	m := New(ix, nil, Config{})

	got := m.MatchWithExternalID("Totally Unrelated Name", "once.mx")
	require.Equal(t, MethodExternal, got.Method)
	assert.Equal(t, "once.mx", got.Entry.ID)
	assert.Equal(t, 1.0, got.Score)

	// An unknown external id is ignored, not fatal.
	got = m.MatchWithExternalID("Canal Abc", "missing.mx")
	assert.Equal(t, MethodExact, got.Method)
	assert.Equal(t, "abc.mx", got.Entry.ID)
}

func TestMatchIsDeterministicAcrossRuns(t *testing.T) {
	ix := buildIndex(t, map[string][]string{
		"a.mx": {"Milenio Noticias Norte"},
		"b.mx": {"Milenio Noticias Sur"},
	})
	m := New(ix, nil, Config{})

	first := m.Match("Milenio Noticias")
	for i := 0; i < 20; i++ {
		got := m.Match("Milenio Noticias")
		assert.Equal(t, first.Entry.ID, got.Entry.ID)
		assert.Equal(t, first.Method, got.Method)
	}
}
