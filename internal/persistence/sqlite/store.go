// SPDX-License-Identifier: MIT

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/guidepipe/guidepipe/internal/epg"
	"github.com/guidepipe/guidepipe/internal/ingest"
)

const schema = `
CREATE TABLE IF NOT EXISTS streams (
	stream_url         TEXT PRIMARY KEY,
	resolved_url       TEXT NOT NULL,
	source             TEXT NOT NULL,
	channel_name_guess TEXT NOT NULL,
	epg_channel_id     TEXT,
	epg_display_name   TEXT,
	match_method       TEXT NOT NULL,
	match_score        REAL NOT NULL,
	working            INTEGER NOT NULL,
	probe_reason       TEXT NOT NULL,
	quality            TEXT,
	preferred          INTEGER NOT NULL DEFAULT 0,
	checked_at         TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_streams_channel ON streams(epg_channel_id);

CREATE TABLE IF NOT EXISTS programmes (
	channel_id       TEXT NOT NULL,
	start_utc        TEXT NOT NULL,
	stop_utc         TEXT NOT NULL,
	title            TEXT NOT NULL,
	subtitle         TEXT,
	summary          TEXT,
	categories       TEXT,
	language         TEXT,
	episode          TEXT,
	rating           TEXT,
	icon_url         TEXT,
	credits          TEXT,
	premiere         INTEGER NOT NULL DEFAULT 0,
	previously_shown INTEGER NOT NULL DEFAULT 0,
	updated_at       TEXT NOT NULL,
	PRIMARY KEY (channel_id, start_utc)
);

CREATE INDEX IF NOT EXISTS idx_programmes_start ON programmes(start_utc);
`

// Store persists stream and programme records. It implements ingest.Sink.
type Store struct {
	db *sql.DB

	// now is overridable for retention tests.
	now func() time.Time
}

// NewStore wraps an open database; Init must run before first use.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Init creates the schema when absent.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlite: init schema: %w", err)
	}
	return nil
}

// UpsertStreams writes one batch keyed on stream_url.
func (s *Store) UpsertStreams(ctx context.Context, recs []ingest.StreamRecord) error {
	const stmt = `
INSERT INTO streams (
	stream_url, resolved_url, source, channel_name_guess,
	epg_channel_id, epg_display_name, match_method, match_score,
	working, probe_reason, quality, preferred, checked_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(stream_url) DO UPDATE SET
	resolved_url = excluded.resolved_url,
	source = excluded.source,
	channel_name_guess = excluded.channel_name_guess,
	epg_channel_id = excluded.epg_channel_id,
	epg_display_name = excluded.epg_display_name,
	match_method = excluded.match_method,
	match_score = excluded.match_score,
	working = excluded.working,
	probe_reason = excluded.probe_reason,
	quality = excluded.quality,
	preferred = excluded.preferred,
	checked_at = excluded.checked_at`
	return s.writeStreams(ctx, stmt, recs)
}

// InsertStreams is the fallback for stores without the unique constraint.
func (s *Store) InsertStreams(ctx context.Context, recs []ingest.StreamRecord) error {
	const stmt = `
INSERT INTO streams (
	stream_url, resolved_url, source, channel_name_guess,
	epg_channel_id, epg_display_name, match_method, match_score,
	working, probe_reason, quality, preferred, checked_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	return s.writeStreams(ctx, stmt, recs)
}

func (s *Store) writeStreams(ctx context.Context, stmt string, recs []ingest.StreamRecord) error {
	return s.withTx(ctx, stmt, len(recs), func(ps *sql.Stmt) error {
		for _, r := range recs {
			_, err := ps.ExecContext(ctx,
				r.StreamURL, r.ResolvedURL, r.Source, r.ChannelNameGuess,
				nullable(r.EPGChannelID), nullable(r.EPGDisplayName),
				r.MatchMethod, r.MatchScore,
				boolInt(r.Working), r.ProbeReason, nullable(r.Quality),
				boolInt(r.Preferred), r.CheckedAt.UTC().Format(time.RFC3339),
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertProgrammes writes one batch keyed on (channel_id, start_utc).
func (s *Store) UpsertProgrammes(ctx context.Context, progs []epg.Programme) error {
	const stmt = `
INSERT INTO programmes (
	channel_id, start_utc, stop_utc, title, subtitle, summary,
	categories, language, episode, rating, icon_url, credits,
	premiere, previously_shown, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(channel_id, start_utc) DO UPDATE SET
	stop_utc = excluded.stop_utc,
	title = excluded.title,
	subtitle = excluded.subtitle,
	summary = excluded.summary,
	categories = excluded.categories,
	language = excluded.language,
	episode = excluded.episode,
	rating = excluded.rating,
	icon_url = excluded.icon_url,
	credits = excluded.credits,
	premiere = excluded.premiere,
	previously_shown = excluded.previously_shown,
	updated_at = excluded.updated_at`
	return s.writeProgrammes(ctx, stmt, progs)
}

// InsertProgrammes is the fallback for stores without the unique constraint.
func (s *Store) InsertProgrammes(ctx context.Context, progs []epg.Programme) error {
	const stmt = `
INSERT INTO programmes (
	channel_id, start_utc, stop_utc, title, subtitle, summary,
	categories, language, episode, rating, icon_url, credits,
	premiere, previously_shown, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	return s.writeProgrammes(ctx, stmt, progs)
}

func (s *Store) writeProgrammes(ctx context.Context, stmt string, progs []epg.Programme) error {
	updatedAt := s.now().UTC().Format(time.RFC3339)
	return s.withTx(ctx, stmt, len(progs), func(ps *sql.Stmt) error {
		for _, p := range progs {
			_, err := ps.ExecContext(ctx,
				p.ChannelID,
				p.Start.UTC().Format(time.RFC3339),
				p.Stop.UTC().Format(time.RFC3339),
				p.Title,
				nullable(p.Subtitle), nullable(p.Summary),
				nullable(joinList(p.Categories)),
				nullable(p.Language), nullable(p.Episode), nullable(p.Rating),
				nullable(p.IconURL), nullable(joinList(p.Credits)),
				boolInt(p.Premiere), boolInt(p.PreviouslyShown),
				updatedAt,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// withTx prepares stmt inside one transaction and maps a missing unique
// constraint onto ingest.ErrNoConflictKey so the coordinator can react.
func (s *Store) withTx(ctx context.Context, stmt string, n int, run func(*sql.Stmt) error) error {
	if n == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	ps, err := tx.PrepareContext(ctx, stmt)
	if err != nil {
		_ = tx.Rollback()
		return classify(err)
	}
	if err := run(ps); err != nil {
		_ = ps.Close()
		_ = tx.Rollback()
		return classify(err)
	}
	if err := ps.Close(); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("sqlite: close statement: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

// DeleteExpiredProgrammes removes programmes that stopped before the
// retention cutoff and returns the number of rows deleted.
func (s *Store) DeleteExpiredProgrammes(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM programmes WHERE stop_utc < ?`,
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete expired programmes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: rows affected: %w", err)
	}
	return n, nil
}

// DeleteStaleStreams removes stream rows not refreshed since cutoff, the
// leftovers of channels a source stopped carrying.
func (s *Store) DeleteStaleStreams(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM streams WHERE checked_at < ?`,
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete stale streams: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: rows affected: %w", err)
	}
	return n, nil
}

// CountStreams returns the number of stream rows, for the status endpoint.
func (s *Store) CountStreams(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM streams`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: count streams: %w", err)
	}
	return n, nil
}

// CountProgrammes returns the number of programme rows.
func (s *Store) CountProgrammes(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM programmes`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: count programmes: %w", err)
	}
	return n, nil
}

// classify maps the driver's missing-constraint message onto the sentinel
// the coordinator keys its fallback on.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "ON CONFLICT clause does not match") {
		return fmt.Errorf("sqlite: %v: %w", err, ingest.ErrNoConflictKey)
	}
	return fmt.Errorf("sqlite: write: %w", err)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func joinList(items []string) string {
	if len(items) == 0 {
		return ""
	}
	// JSON keeps commas inside values unambiguous.
	b, err := json.Marshal(items)
	if err != nil {
		return ""
	}
	return string(b)
}
