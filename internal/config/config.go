// SPDX-License-Identifier: MIT

// Package config assembles runtime configuration from the environment.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/guidepipe/guidepipe/internal/log"
)

// EPGSource is one XMLTV source. ForceKeep bypasses the country keep filter
// for sources that are already region-scoped; their channel ids and names
// often carry no country token at all.
type EPGSource struct {
	URL       string
	ForceKeep bool
}

// AppConfig is the full runtime configuration. All knobs come from
// GUIDEPIPE_* environment variables; FromEnv applies the defaults.
type AppConfig struct {
	// Paths
	DataDir       string // working directory for db, cache and reports
	DBPath        string
	RulesPath     string // optional YAML normalization rules
	OverridesPath string // optional YAML name -> channel id override map
	PlaylistPaths []string

	// EPG ingestion
	EPGSources     []EPGSource // XMLTV sources, fetched independently
	Lookback       time.Duration
	Lookahead      time.Duration
	MaxNameChars   int
	MaxTextChars   int
	BatchSize      int
	MaxSourceBytes int64 // fetch size cap per source
	FetchTimeout   time.Duration
	RetryAttempts  int
	RetryBackoff   time.Duration
	CountryFilter  string // keep-filter token for mixed-region sources
	KeepAll        bool   // bypass the keep filter entirely

	// Matching
	FuzzyMinScore float64
	BrandBonusCap float64

	// Probing
	ProbeTimeout     time.Duration
	ProbeConcurrency int
	ProbeCacheTTL    time.Duration

	// Retention
	ProgrammeRetention time.Duration // drop programmes this long after they end
	StaleStreamAge     time.Duration // drop streams unseen for this long

	// Runtime
	Interval   time.Duration // 0 means run once and exit
	ListenAddr string        // ops endpoints; empty disables the listener
	LogLevel   string
}

// FromEnv builds the configuration from the process environment.
func FromEnv() AppConfig {
	dataDir := ParseString("GUIDEPIPE_DATA_DIR", "./data")
	return AppConfig{
		DataDir:       dataDir,
		DBPath:        ParseString("GUIDEPIPE_DB_PATH", filepath.Join(dataDir, "guidepipe.db")),
		RulesPath:     ParseString("GUIDEPIPE_RULES_FILE", ""),
		OverridesPath: ParseString("GUIDEPIPE_OVERRIDES_FILE", ""),
		PlaylistPaths: ParseStringSlice("GUIDEPIPE_PLAYLISTS", nil),

		EPGSources:     parseEPGSources(ParseStringSlice("GUIDEPIPE_EPG_SOURCES", nil)),
		Lookback:       ParseDuration("GUIDEPIPE_LOOKBACK", 0),
		Lookahead:      ParseDuration("GUIDEPIPE_LOOKAHEAD", 36*time.Hour),
		MaxNameChars:   ParseInt("GUIDEPIPE_MAX_NAME_CHARS", 512),
		MaxTextChars:   ParseInt("GUIDEPIPE_MAX_TEXT_CHARS", 4000),
		BatchSize:      ParseInt("GUIDEPIPE_BATCH_SIZE", 500),
		MaxSourceBytes: ParseInt64("GUIDEPIPE_MAX_SOURCE_BYTES", 256<<20),
		FetchTimeout:   ParseDuration("GUIDEPIPE_FETCH_TIMEOUT", 2*time.Minute),
		RetryAttempts:  ParseInt("GUIDEPIPE_FETCH_RETRIES", 3),
		RetryBackoff:   ParseDuration("GUIDEPIPE_FETCH_BACKOFF", 2*time.Second),
		CountryFilter:  ParseString("GUIDEPIPE_COUNTRY_FILTER", ""),
		KeepAll:        ParseBool("GUIDEPIPE_KEEP_ALL", false),

		FuzzyMinScore: ParseFloat("GUIDEPIPE_FUZZY_MIN_SCORE", 0.45),
		BrandBonusCap: ParseFloat("GUIDEPIPE_BRAND_BONUS_CAP", 0.25),

		ProbeTimeout:     ParseDuration("GUIDEPIPE_PROBE_TIMEOUT", 10*time.Second),
		ProbeConcurrency: ParseInt("GUIDEPIPE_PROBE_CONCURRENCY", 16),
		ProbeCacheTTL:    ParseDuration("GUIDEPIPE_PROBE_CACHE_TTL", 10*time.Minute),

		ProgrammeRetention: ParseDuration("GUIDEPIPE_PROGRAMME_RETENTION", 24*time.Hour),
		StaleStreamAge:     ParseDuration("GUIDEPIPE_STALE_STREAM_AGE", 72*time.Hour),

		Interval:   ParseDuration("GUIDEPIPE_INTERVAL", 0),
		ListenAddr: ParseString("GUIDEPIPE_LISTEN", ":8080"),
		LogLevel:   ParseString("GUIDEPIPE_LOG_LEVEL", "info"),
	}
}

// parseEPGSources turns GUIDEPIPE_EPG_SOURCES entries into sources. An entry
// is a URL, optionally suffixed with "|keep" to exempt that source from the
// country keep filter. Unknown flags are warned about and ignored.
func parseEPGSources(entries []string) []EPGSource {
	var out []EPGSource
	for _, entry := range entries {
		src := EPGSource{URL: entry}
		if url, flag, ok := strings.Cut(entry, "|"); ok {
			src.URL = strings.TrimSpace(url)
			switch f := strings.ToLower(strings.TrimSpace(flag)); f {
			case "keep":
				src.ForceKeep = true
			default:
				logger := log.WithComponent("config")
				logger.Warn().
					Str("key", "GUIDEPIPE_EPG_SOURCES").
					Str("url", src.URL).
					Str("flag", f).
					Msg("unknown EPG source flag, ignoring")
			}
		}
		out = append(out, src)
	}
	return out
}

// Validate rejects configurations the pipeline cannot run with.
func (c AppConfig) Validate() error {
	if len(c.EPGSources) == 0 {
		return fmt.Errorf("config: GUIDEPIPE_EPG_SOURCES must list at least one XMLTV source")
	}
	for _, src := range c.EPGSources {
		if src.URL == "" {
			return fmt.Errorf("config: EPG source with empty URL")
		}
	}
	if c.Lookahead <= 0 {
		return fmt.Errorf("config: lookahead must be positive, got %s", c.Lookahead)
	}
	if c.Lookback < 0 {
		return fmt.Errorf("config: lookback must not be negative, got %s", c.Lookback)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("config: batch size must be positive, got %d", c.BatchSize)
	}
	if c.FuzzyMinScore <= 0 || c.FuzzyMinScore > 1 {
		return fmt.Errorf("config: fuzzy min score must be in (0, 1], got %g", c.FuzzyMinScore)
	}
	if c.BrandBonusCap < 0 || c.BrandBonusCap > 0.5 {
		return fmt.Errorf("config: brand bonus cap must be in [0, 0.5], got %g", c.BrandBonusCap)
	}
	if c.ProbeConcurrency <= 0 {
		return fmt.Errorf("config: probe concurrency must be positive, got %d", c.ProbeConcurrency)
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("config: probe timeout must be positive, got %s", c.ProbeTimeout)
	}
	if c.MaxSourceBytes <= 0 {
		return fmt.Errorf("config: max source bytes must be positive, got %d", c.MaxSourceBytes)
	}
	if c.Interval < 0 {
		return fmt.Errorf("config: interval must not be negative, got %s", c.Interval)
	}
	return nil
}
