// SPDX-License-Identifier: MIT

// Package ingest orchestrates probing, matching and persistence for one
// batch of discovered candidate streams.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/guidepipe/guidepipe/internal/epg"
)

// ErrNoConflictKey is returned by a Sink when the store has no unique
// constraint backing the upsert's conflict key. The coordinator reacts with
// a single plain-insert fallback per batch.
var ErrNoConflictKey = errors.New("no unique constraint for conflict key")

// Candidate is one (channel name, url) pair produced by a discovery source.
// Consumed once per run.
type Candidate struct {
	Source     string // discovery source name, for reporting
	Name       string // free-text channel name as scraped
	URL        string
	ExternalID string // authoritative channel id (tvg-id), if the source carries one
	Quality    string // free-text quality hint ("1080p", "HD", ...)
}

// StreamRecord is the unit of stream persistence. EPG fields stay empty for
// unmatched candidates so operators can tell scrape coverage from match
// coverage.
type StreamRecord struct {
	StreamURL        string
	ResolvedURL      string
	Source           string
	ChannelNameGuess string
	EPGChannelID     string
	EPGDisplayName   string
	MatchMethod      string
	MatchScore       float64
	Working          bool
	ProbeReason      string
	Quality          string
	Preferred        bool // best working stream for its channel this run
	CheckedAt        time.Time
}

// Discovery produces candidate streams. Implementations are external
// scrapers or curated playlists.
type Discovery interface {
	Name() string
	Candidates(ctx context.Context) ([]Candidate, error)
}

// Sink persists batches. Upserts are keyed on the natural uniqueness key
// (stream URL, or (channel_id, start) for programmes); the Insert variants
// exist only as the missing-constraint fallback.
type Sink interface {
	UpsertStreams(ctx context.Context, recs []StreamRecord) error
	InsertStreams(ctx context.Context, recs []StreamRecord) error
	UpsertProgrammes(ctx context.Context, progs []epg.Programme) error
	InsertProgrammes(ctx context.Context, progs []epg.Programme) error
}

// UnmatchedCandidate lands in the operator report instead of the store.
type UnmatchedCandidate struct {
	Source string `json:"source"`
	Name   string `json:"name"`
	URL    string `json:"url"`
	Reason string `json:"reason"` // probe reason tag, or "no_match"
}

// RunReport carries per-stage counts for one coordinator run.
type RunReport struct {
	Discovered    int
	ProbedOK      int
	ProbeFailed   int
	Matched       int
	NoMatch       int
	Persisted     int
	FailedBatches int

	Unmatched []UnmatchedCandidate
}
