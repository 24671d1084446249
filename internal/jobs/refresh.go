// SPDX-License-Identifier: MIT

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/guidepipe/guidepipe/internal/config"
	"github.com/guidepipe/guidepipe/internal/epg"
	"github.com/guidepipe/guidepipe/internal/ingest"
	"github.com/guidepipe/guidepipe/internal/log"
	"github.com/guidepipe/guidepipe/internal/match"
	"github.com/guidepipe/guidepipe/internal/metrics"
	"github.com/guidepipe/guidepipe/internal/normalize"
	"github.com/guidepipe/guidepipe/internal/persistence/sqlite"
)

// Deps are the collaborators a refresh run needs. The daemon assembles them
// once; tests substitute fakes.
type Deps struct {
	Client      *http.Client
	Store       *sqlite.Store
	Prober      ingest.Prober
	Discoveries []ingest.Discovery

	// Rules overrides the rules file lookup when non-nil.
	Rules *normalize.Rules
	// Now is overridable for tests.
	Now func() time.Time
}

// SourceStatus reports one EPG source's contribution to a run.
type SourceStatus struct {
	URL        string `json:"url"`
	Channels   int    `json:"channels"`
	Programmes int    `json:"programmes"`
	Error      string `json:"error,omitempty"`
}

// Status is the per-run summary, also written to status.json.
type Status struct {
	RunID           string         `json:"run_id"`
	StartedAt       time.Time      `json:"started_at"`
	DurationSeconds float64        `json:"duration_seconds"`
	Sources         []SourceStatus `json:"sources"`
	ChannelsIndexed int            `json:"channels_indexed"`

	Discovered    int `json:"discovered"`
	ProbedOK      int `json:"probed_ok"`
	ProbeFailed   int `json:"probe_failed"`
	Matched       int `json:"matched"`
	NoMatch       int `json:"no_match"`
	Persisted     int `json:"persisted"`
	FailedBatches int `json:"failed_batches"`

	ProgrammesDeleted int64 `json:"programmes_deleted"`
	StreamsDeleted    int64 `json:"streams_deleted"`
}

// Refresh executes one full ingestion run: fetch and parse every EPG source
// into a fresh index, reconcile discovery candidates against it, persist,
// clean up expired rows and write the operator reports. Source and
// discovery failures are isolated; the run completes with whatever
// succeeded and the returned error aggregates what did not.
func Refresh(ctx context.Context, cfg config.AppConfig, deps Deps) (Status, error) {
	runID := uuid.NewString()
	ctx = log.ContextWithRunID(ctx, runID)
	logger := log.WithComponentFromContext(ctx, "jobs")

	now := time.Now
	if deps.Now != nil {
		now = deps.Now
	}
	started := now()
	status := Status{RunID: runID, StartedAt: started.UTC()}

	logger.Info().
		Str("event", "refresh.start").
		Int("epg_sources", len(cfg.EPGSources)).
		Int("discoveries", len(deps.Discoveries)).
		Msg("refresh run starting")

	rules, err := resolveRules(cfg, deps)
	if err != nil {
		return status, err
	}
	overrides, err := loadOverrides(cfg.OverridesPath)
	if err != nil {
		return status, err
	}

	client := deps.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.FetchTimeout}
	}

	coord := &ingest.Coordinator{
		Prober:      deps.Prober,
		Sink:        deps.Store,
		Concurrency: cfg.ProbeConcurrency,
		BatchSize:   cfg.BatchSize,
		Now:         now,
	}
	parser := &epg.Parser{
		Rules:        rules,
		Lookback:     cfg.Lookback,
		Lookahead:    cfg.Lookahead,
		MaxNameChars: cfg.MaxNameChars,
		MaxTextChars: cfg.MaxTextChars,
		BatchSize:    cfg.BatchSize,
		Now:          now,
	}
	keep := keepFilter(cfg)

	var errs []error
	ix := epg.NewIndex()
	for _, src := range cfg.EPGSources {
		// Force-keep sources are already region-scoped; the country filter
		// would wrongly drop their channels whose names carry no tag.
		parser.Keep = keep
		if src.ForceKeep {
			parser.Keep = nil
		}
		st := ingestSource(log.ContextWithSource(ctx, src.URL), client, cfg, parser, ix, coord, src.URL)
		if st.Error != "" {
			metrics.SourceFailures.Inc()
			errs = append(errs, fmt.Errorf("source %s: %s", src.URL, st.Error))
		}
		status.Sources = append(status.Sources, st)
	}
	status.ChannelsIndexed = ix.Len()
	metrics.IndexChannels.Set(float64(ix.Len()))
	if ix.Len() == 0 {
		errs = append(errs, errors.New("no EPG source produced any channels"))
	}

	coord.Matcher = match.New(ix, rules, match.Config{
		MinScore:      cfg.FuzzyMinScore,
		BrandBonusCap: cfg.BrandBonusCap,
		Overrides:     overrides,
	})

	var candidates []ingest.Candidate
	for _, d := range deps.Discoveries {
		cands, err := d.Candidates(ctx)
		if err != nil {
			logger.Error().
				Str("event", "refresh.discovery.failed").
				Str("discovery", d.Name()).
				Err(err).
				Msg("discovery source failed")
			errs = append(errs, fmt.Errorf("discovery %s: %w", d.Name(), err))
			continue
		}
		candidates = append(candidates, cands...)
	}

	report, runErr := coord.Run(ctx, candidates)
	if runErr != nil {
		errs = append(errs, runErr)
	}
	status.Discovered = report.Discovered
	status.ProbedOK = report.ProbedOK
	status.ProbeFailed = report.ProbeFailed
	status.Matched = report.Matched
	status.NoMatch = report.NoMatch
	status.Persisted = report.Persisted
	status.FailedBatches = report.FailedBatches

	status.ProgrammesDeleted, status.StreamsDeleted = cleanup(ctx, cfg, deps.Store, now().UTC(), logger)

	status.DurationSeconds = now().Sub(started).Seconds()
	if err := writeReports(cfg.DataDir, status, report.Unmatched); err != nil {
		errs = append(errs, err)
	}

	metrics.RefreshDuration.Observe(status.DurationSeconds)
	finalErr := errors.Join(errs...)
	if finalErr == nil {
		metrics.LastRefreshSuccess.Set(float64(now().Unix()))
	}

	logger.Info().
		Str("event", "refresh.done").
		Int("channels", status.ChannelsIndexed).
		Int("persisted", status.Persisted).
		Int("failed_sources", len(status.Sources)-countHealthy(status.Sources)).
		Float64("duration_s", status.DurationSeconds).
		Msg("refresh run finished")
	return status, finalErr
}

// ingestSource fetches and parses one XMLTV source. All failure modes land
// in the returned status; nothing here aborts the run.
func ingestSource(ctx context.Context, client *http.Client, cfg config.AppConfig, parser *epg.Parser, ix *epg.Index, coord *ingest.Coordinator, src string) SourceStatus {
	st := SourceStatus{URL: src}

	body, err := fetchEPG(ctx, client, src, cfg.MaxSourceBytes, cfg.RetryAttempts, cfg.RetryBackoff)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	defer body.Close()

	stats, err := parser.Parse(ctx, body, ix, func(batch []epg.Programme) error {
		return coord.PersistProgrammes(ctx, batch)
	})
	st.Channels = stats.Channels
	st.Programmes = stats.Programmes
	if err != nil {
		st.Error = err.Error()
	}

	metrics.ProgrammesDropped.WithLabelValues("window").Add(float64(stats.DroppedWindow))
	metrics.ProgrammesDropped.WithLabelValues("unknown_channel").Add(float64(stats.DroppedUnknown))
	metrics.ProgrammesDropped.WithLabelValues("bad_time").Add(float64(stats.DroppedBadTime))
	return st
}

// cleanup applies the retention policy. Failures are logged, never fatal;
// stale rows age out on the next successful run.
func cleanup(ctx context.Context, cfg config.AppConfig, store *sqlite.Store, now time.Time, logger zerolog.Logger) (programmes, streams int64) {
	var err error
	if cfg.ProgrammeRetention > 0 {
		programmes, err = store.DeleteExpiredProgrammes(ctx, now.Add(-cfg.ProgrammeRetention))
		if err != nil {
			logger.Warn().
				Str("event", "refresh.cleanup.failed").
				Str("kind", "programmes").
				Err(err).
				Msg("retention cleanup failed")
		}
	}
	if cfg.StaleStreamAge > 0 {
		streams, err = store.DeleteStaleStreams(ctx, now.Add(-cfg.StaleStreamAge))
		if err != nil {
			logger.Warn().
				Str("event", "refresh.cleanup.failed").
				Str("kind", "streams").
				Err(err).
				Msg("retention cleanup failed")
		}
	}
	return programmes, streams
}

// resolveRules loads the normalization rules: injected > file > defaults.
func resolveRules(cfg config.AppConfig, deps Deps) (*normalize.Rules, error) {
	if deps.Rules != nil {
		return deps.Rules, nil
	}
	if cfg.RulesPath != "" {
		return normalize.LoadRules(cfg.RulesPath)
	}
	return normalize.DefaultRules(), nil
}

// loadOverrides reads the operator's name -> channel id map. A broken
// override file is a hard error; silently ignoring it would undo manual
// corrections.
func loadOverrides(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read overrides file: %w", err)
	}
	var out map[string]string
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse overrides file %s: %w", path, err)
	}
	return out, nil
}

// keepFilter builds the per-source channel filter from the configured
// country tag. Matching is a heuristic: a dotted id suffix ("canal5.mx")
// or the tag appearing in a display name.
func keepFilter(cfg config.AppConfig) epg.KeepFunc {
	if cfg.KeepAll || cfg.CountryFilter == "" {
		return nil
	}
	tag := strings.ToLower(cfg.CountryFilter)
	return func(id string, names []string) bool {
		if strings.HasSuffix(strings.ToLower(id), "."+tag) {
			return true
		}
		for _, n := range names {
			if strings.Contains(strings.ToLower(n), tag) {
				return true
			}
		}
		return false
	}
}

// writeReports atomically replaces status.json and unmatched.json so a
// crash mid-write never leaves operators a torn file.
func writeReports(dataDir string, status Status, unmatched []ingest.UnmatchedCandidate) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	statusJSON, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(dataDir, "status.json"), statusJSON, 0o644); err != nil {
		return fmt.Errorf("write status.json: %w", err)
	}

	if unmatched == nil {
		unmatched = []ingest.UnmatchedCandidate{}
	}
	unmatchedJSON, err := json.MarshalIndent(unmatched, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal unmatched report: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(dataDir, "unmatched.json"), unmatchedJSON, 0o644); err != nil {
		return fmt.Errorf("write unmatched.json: %w", err)
	}
	return nil
}

func countHealthy(sources []SourceStatus) int {
	n := 0
	for _, s := range sources {
		if s.Error == "" {
			n++
		}
	}
	return n
}
