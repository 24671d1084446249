// SPDX-License-Identifier: MIT

package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guidepipe/guidepipe/internal/epg"
	"github.com/guidepipe/guidepipe/internal/ingest"
)

func openTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewStore(db)
	require.NoError(t, store.Init(context.Background()))
	return store, db
}

func streamRecord(url string) ingest.StreamRecord {
	return ingest.StreamRecord{
		StreamURL:        url,
		ResolvedURL:      url,
		Source:           "test",
		ChannelNameGuess: "Canal Abc",
		EPGChannelID:     "abc.mx",
		EPGDisplayName:   "Canal Abc",
		MatchMethod:      "exact",
		MatchScore:       1.0,
		Working:          true,
		ProbeReason:      "media_playlist",
		CheckedAt:        time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC),
	}
}

func TestUpsertStreamsIsIdempotent(t *testing.T) {
	store, db := openTestStore(t)
	ctx := context.Background()

	rec := streamRecord("http://example.com/a.m3u8")
	require.NoError(t, store.UpsertStreams(ctx, []ingest.StreamRecord{rec}))

	// Same URL again with changed fields: still one row, latest fields.
	rec.Working = false
	rec.ProbeReason = "timeout"
	rec.CheckedAt = rec.CheckedAt.Add(time.Hour)
	require.NoError(t, store.UpsertStreams(ctx, []ingest.StreamRecord{rec}))

	n, err := store.CountStreams(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var working int
	var reason string
	require.NoError(t, db.QueryRow(
		`SELECT working, probe_reason FROM streams WHERE stream_url = ?`,
		rec.StreamURL).Scan(&working, &reason))
	assert.Equal(t, 0, working)
	assert.Equal(t, "timeout", reason)
}

func TestUpsertStreamsNullEPGFieldsWhenUnmatched(t *testing.T) {
	store, db := openTestStore(t)
	ctx := context.Background()

	rec := streamRecord("http://example.com/unmatched.m3u8")
	rec.EPGChannelID = ""
	rec.EPGDisplayName = ""
	rec.MatchMethod = "none"
	rec.MatchScore = 0
	require.NoError(t, store.UpsertStreams(ctx, []ingest.StreamRecord{rec}))

	var id, name sql.NullString
	require.NoError(t, db.QueryRow(
		`SELECT epg_channel_id, epg_display_name FROM streams WHERE stream_url = ?`,
		rec.StreamURL).Scan(&id, &name))
	assert.False(t, id.Valid, "unmatched records persist NULL, not empty string")
	assert.False(t, name.Valid)
}

func TestUpsertWithoutConstraintReturnsSentinel(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "legacy.db"), DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	// A legacy table without the unique constraint; Init keeps it as-is.
	_, err = db.Exec(`CREATE TABLE streams (
		stream_url TEXT, resolved_url TEXT, source TEXT, channel_name_guess TEXT,
		epg_channel_id TEXT, epg_display_name TEXT, match_method TEXT, match_score REAL,
		working INTEGER, probe_reason TEXT, quality TEXT, preferred INTEGER, checked_at TEXT)`)
	require.NoError(t, err)

	store := NewStore(db)
	require.NoError(t, store.Init(context.Background()))

	rec := streamRecord("http://example.com/a.m3u8")
	err = store.UpsertStreams(context.Background(), []ingest.StreamRecord{rec})
	require.Error(t, err)
	assert.ErrorIs(t, err, ingest.ErrNoConflictKey)

	// The plain-insert fallback path works against the same table.
	require.NoError(t, store.InsertStreams(context.Background(), []ingest.StreamRecord{rec}))
	n, err := store.CountStreams(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func testProgramme(channel string, start time.Time) epg.Programme {
	return epg.Programme{
		ChannelID:  channel,
		Start:      start,
		Stop:       start.Add(time.Hour),
		Title:      "Noticiero",
		Categories: []string{"News", "Talk"},
		Language:   "es",
	}
}

func TestUpsertProgrammesConflictKey(t *testing.T) {
	store, db := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 15, 13, 0, 0, 0, time.UTC)

	require.NoError(t, store.UpsertProgrammes(ctx, []epg.Programme{
		testProgramme("abc.mx", start),
	}))

	updated := testProgramme("abc.mx", start)
	updated.Title = "Noticiero (repetición)"
	require.NoError(t, store.UpsertProgrammes(ctx, []epg.Programme{updated}))

	n, err := store.CountProgrammes(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var title string
	require.NoError(t, db.QueryRow(
		`SELECT title FROM programmes WHERE channel_id = ?`, "abc.mx").Scan(&title))
	assert.Equal(t, "Noticiero (repetición)", title)

	// Same start on another channel is a distinct row.
	require.NoError(t, store.UpsertProgrammes(ctx, []epg.Programme{
		testProgramme("once.mx", start),
	}))
	n, err = store.CountProgrammes(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestDeleteExpiredProgrammes(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.UpsertProgrammes(ctx, []epg.Programme{
		testProgramme("abc.mx", now.Add(-48*time.Hour)),
		testProgramme("abc.mx", now.Add(-2*time.Hour)),
		testProgramme("abc.mx", now.Add(2*time.Hour)),
	}))

	deleted, err := store.DeleteExpiredProgrammes(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	n, err := store.CountProgrammes(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestDeleteStaleStreams(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	fresh := streamRecord("http://example.com/fresh.m3u8")
	stale := streamRecord("http://example.com/stale.m3u8")
	stale.CheckedAt = fresh.CheckedAt.Add(-72 * time.Hour)
	require.NoError(t, store.UpsertStreams(ctx, []ingest.StreamRecord{fresh, stale}))

	deleted, err := store.DeleteStaleStreams(ctx, fresh.CheckedAt.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	n, err := store.CountStreams(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestEmptyBatchIsNoop(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	assert.NoError(t, store.UpsertStreams(ctx, nil))
	assert.NoError(t, store.UpsertProgrammes(ctx, nil))
}
