// SPDX-License-Identifier: MIT

package epg

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guidepipe/guidepipe/internal/normalize"
)

func TestBuildEntryVariantsAndKeys(t *testing.T) {
	rules := normalize.DefaultRules()

	entry, keys := BuildEntry("estrellas.mx", []string{"Las Estrellas", "Canal de las Estrellas (México)"}, rules)

	assert.Equal(t, "estrellas.mx", entry.ID)
	assert.Equal(t, "Las Estrellas", entry.DisplayName)
	assert.True(t, entry.HasToken("estrellas"))
	assert.Contains(t, keys, "estrellas")

	// The id itself is findable: "estrellas.mx" tokenizes to the brand.
	assert.Contains(t, entry.NameVariants, "estrellas.mx")
}

func TestBuildEntryFallsBackToID(t *testing.T) {
	rules := normalize.DefaultRules()
	entry, _ := BuildEntry("canal5.mx", nil, rules)
	assert.Equal(t, "canal5.mx", entry.DisplayName)
}

func TestBuildEntryVariantCap(t *testing.T) {
	rules := normalize.DefaultRules()
	names := make([]string, 2*maxNameVariants)
	for i := range names {
		names[i] = fmt.Sprintf("Channel Variant %d", i)
	}
	entry, _ := BuildEntry("cap.test", names, rules)
	assert.LessOrEqual(t, len(entry.NameVariants), maxNameVariants)
}

func TestIndexFirstWriterWins(t *testing.T) {
	rules := normalize.DefaultRules()
	ix := NewIndex()

	first, firstKeys := BuildEntry("one.mx", []string{"Canal Once"}, rules)
	second, secondKeys := BuildEntry("two.mx", []string{"Canal Once"}, rules)
	ix.Add(first, firstKeys)
	ix.Add(second, secondKeys)

	require.Equal(t, 2, ix.Len())
	got, ok := ix.ByKey(normalize.NameKey("Canal Once", rules))
	require.True(t, ok)
	assert.Equal(t, "one.mx", got.ID, "later duplicate name must not steal the key")
}

func TestIndexMergesSameID(t *testing.T) {
	rules := normalize.DefaultRules()
	ix := NewIndex()

	a, aKeys := BuildEntry("azteca7.mx", []string{"Azteca 7"}, rules)
	b, bKeys := BuildEntry("azteca7.mx", []string{"XHIMT"}, rules)
	ix.Add(a, aKeys)
	ix.Add(b, bKeys)

	require.Equal(t, 1, ix.Len())
	got, ok := ix.ByID("azteca7.mx")
	require.True(t, ok)
	assert.True(t, got.HasToken("azteca"))
	assert.True(t, got.HasToken("xhimt"))

	// Both sources' keys resolve to the merged entry.
	byNew, ok := ix.ByKey(normalize.NameKey("XHIMT", rules))
	require.True(t, ok)
	assert.Same(t, got, byNew)
}

func TestIndexKeyAlwaysResolvesByID(t *testing.T) {
	rules := normalize.DefaultRules()
	ix := NewIndex()
	entry, keys := BuildEntry("foro.mx", []string{"Foro TV"}, rules)
	ix.Add(entry, keys)

	for _, key := range keys {
		e, ok := ix.ByKey(key)
		require.True(t, ok)
		_, byID := ix.ByID(e.ID)
		assert.True(t, byID)
	}
}
