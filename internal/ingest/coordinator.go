// SPDX-License-Identifier: MIT

package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/guidepipe/guidepipe/internal/epg"
	"github.com/guidepipe/guidepipe/internal/log"
	"github.com/guidepipe/guidepipe/internal/match"
	"github.com/guidepipe/guidepipe/internal/metrics"
	"github.com/guidepipe/guidepipe/internal/probe"
)

const (
	defaultConcurrency = 16
	defaultBatchSize   = 500
)

// Prober is the slice of probe.Prober the coordinator needs.
type Prober interface {
	Probe(ctx context.Context, url string) probe.Result
}

// Coordinator drives candidates through probe, match and persistence.
type Coordinator struct {
	Prober  Prober
	Matcher *match.Matcher
	Sink    Sink

	// Concurrency bounds parallel probes (default 16).
	Concurrency int
	// BatchSize is the persistence chunk size (default 500).
	BatchSize int

	Now func() time.Time
}

// Run processes one batch of discovered candidates. Probe failures and
// unmatched names are reported, not fatal; the returned error aggregates
// persistence failures only.
func (c *Coordinator) Run(ctx context.Context, candidates []Candidate) (RunReport, error) {
	logger := log.WithComponentFromContext(ctx, "ingest")
	report := RunReport{Discovered: len(candidates)}

	for _, cand := range candidates {
		metrics.CandidatesDiscovered.WithLabelValues(cand.Source).Inc()
	}

	results := c.probeAll(ctx, candidates)
	if err := ctx.Err(); err != nil {
		return report, err
	}

	now := time.Now().UTC()
	if c.Now != nil {
		now = c.Now().UTC()
	}

	var records []StreamRecord
	for _, cand := range candidates {
		res := results[cand.URL]
		if !res.OK {
			report.ProbeFailed++
			report.Unmatched = append(report.Unmatched, UnmatchedCandidate{
				Source: cand.Source,
				Name:   cand.Name,
				URL:    cand.URL,
				Reason: res.Reason,
			})
			continue
		}
		report.ProbedOK++

		m := c.Matcher.MatchWithExternalID(cand.Name, cand.ExternalID)
		metrics.MatchResults.WithLabelValues(string(m.Method)).Inc()

		rec := StreamRecord{
			StreamURL:        cand.URL,
			ResolvedURL:      res.ResolvedURL,
			Source:           cand.Source,
			ChannelNameGuess: cand.Name,
			MatchMethod:      string(m.Method),
			MatchScore:       m.Score,
			Working:          true,
			ProbeReason:      res.Reason,
			Quality:          cand.Quality,
			CheckedAt:        now,
		}
		if m.Entry != nil {
			rec.EPGChannelID = m.Entry.ID
			rec.EPGDisplayName = m.Entry.DisplayName
			report.Matched++
		} else {
			report.NoMatch++
			report.Unmatched = append(report.Unmatched, UnmatchedCandidate{
				Source: cand.Source,
				Name:   cand.Name,
				URL:    cand.URL,
				Reason: "no_match",
			})
		}
		records = append(records, rec)
	}

	markPreferred(records)

	var errs []error
	batchSize := c.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	for start := 0; start < len(records); start += batchSize {
		end := start + batchSize
		if end > len(records) {
			end = len(records)
		}
		chunk := records[start:end]
		if err := c.persistStreams(ctx, chunk); err != nil {
			report.FailedBatches++
			errs = append(errs, err)
			continue
		}
		report.Persisted += len(chunk)
		metrics.RecordsPersisted.WithLabelValues("streams").Add(float64(len(chunk)))
	}

	logger.Info().
		Str("event", "ingest.run.done").
		Int("discovered", report.Discovered).
		Int("probed_ok", report.ProbedOK).
		Int("probe_failed", report.ProbeFailed).
		Int("matched", report.Matched).
		Int("no_match", report.NoMatch).
		Int("persisted", report.Persisted).
		Int("failed_batches", report.FailedBatches).
		Msg("ingestion run finished")
	return report, errors.Join(errs...)
}

// probeAll probes every distinct URL under the concurrency bound and
// correlates results by URL. Candidates may share URLs across sources;
// each URL is probed once.
func (c *Coordinator) probeAll(ctx context.Context, candidates []Candidate) map[string]probe.Result {
	seen := make(map[string]struct{}, len(candidates))
	var urls []string
	for _, cand := range candidates {
		if _, dup := seen[cand.URL]; dup {
			continue
		}
		seen[cand.URL] = struct{}{}
		urls = append(urls, cand.URL)
	}

	concurrency := c.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	results := make(map[string]probe.Result, len(urls))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, u := range urls {
		u := u
		g.Go(func() error {
			res := c.Prober.Probe(gctx, u)
			mu.Lock()
			results[u] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// persistStreams writes one chunk: dedupe on the conflict key, upsert, and
// on a missing unique constraint fall back to a plain insert exactly once.
func (c *Coordinator) persistStreams(ctx context.Context, recs []StreamRecord) error {
	recs = dedupeStreams(recs)
	err := c.Sink.UpsertStreams(ctx, recs)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNoConflictKey) {
		return fmt.Errorf("upsert streams: %w", err)
	}
	logger := log.WithComponentFromContext(ctx, "ingest")
	logger.Warn().
		Str("event", "ingest.upsert.fallback").
		Str("kind", "streams").
		Msg("store has no unique constraint, falling back to plain insert")
	if err := c.Sink.InsertStreams(ctx, recs); err != nil {
		return fmt.Errorf("insert streams after fallback: %w", err)
	}
	return nil
}

// PersistProgrammes applies the same upsert discipline to a programme
// batch; the parser's emit callback feeds it directly.
func (c *Coordinator) PersistProgrammes(ctx context.Context, progs []epg.Programme) error {
	progs = dedupeProgrammes(progs)
	err := c.Sink.UpsertProgrammes(ctx, progs)
	if err == nil {
		metrics.RecordsPersisted.WithLabelValues("programmes").Add(float64(len(progs)))
		return nil
	}
	if !errors.Is(err, ErrNoConflictKey) {
		return fmt.Errorf("upsert programmes: %w", err)
	}
	logger := log.WithComponentFromContext(ctx, "ingest")
	logger.Warn().
		Str("event", "ingest.upsert.fallback").
		Str("kind", "programmes").
		Msg("store has no unique constraint, falling back to plain insert")
	if err := c.Sink.InsertProgrammes(ctx, progs); err != nil {
		return fmt.Errorf("insert programmes after fallback: %w", err)
	}
	metrics.RecordsPersisted.WithLabelValues("programmes").Add(float64(len(progs)))
	return nil
}

// dedupeProgrammes keeps the last record per (channel, start) conflict key.
func dedupeProgrammes(progs []epg.Programme) []epg.Programme {
	index := make(map[string]int, len(progs))
	out := progs[:0:0]
	for _, p := range progs {
		key := p.ChannelID + "\x00" + p.Start.UTC().Format(time.RFC3339)
		if i, dup := index[key]; dup {
			out[i] = p
			continue
		}
		index[key] = len(out)
		out = append(out, p)
	}
	return out
}

// dedupeStreams keeps the last record per stream URL so an upsert never
// touches the same row twice in one statement.
func dedupeStreams(recs []StreamRecord) []StreamRecord {
	index := make(map[string]int, len(recs))
	out := recs[:0:0]
	for _, r := range recs {
		if i, dup := index[r.StreamURL]; dup {
			out[i] = r
			continue
		}
		index[r.StreamURL] = len(out)
		out = append(out, r)
	}
	return out
}

// markPreferred flags the best working stream per matched channel, ranked
// by quality hint. Ties keep the earliest record so re-runs are stable.
func markPreferred(recs []StreamRecord) {
	best := make(map[string]int)
	for i, r := range recs {
		if !r.Working || r.EPGChannelID == "" {
			continue
		}
		j, ok := best[r.EPGChannelID]
		if !ok || qualityRank(r.Quality) > qualityRank(recs[j].Quality) {
			best[r.EPGChannelID] = i
		}
	}
	for _, i := range best {
		recs[i].Preferred = true
	}
}

func qualityRank(hint string) int {
	h := strings.ToLower(hint)
	switch {
	case strings.Contains(h, "2160") || strings.Contains(h, "4k") || strings.Contains(h, "uhd"):
		return 4
	case strings.Contains(h, "1080") || strings.Contains(h, "fhd"):
		return 3
	case strings.Contains(h, "720") || strings.Contains(h, "hd"):
		return 2
	case strings.Contains(h, "576") || strings.Contains(h, "480") || strings.Contains(h, "sd"):
		return 1
	default:
		return 0
	}
}
