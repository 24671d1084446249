// SPDX-License-Identifier: MIT

// Package probe decides whether candidate URLs currently serve playable HLS
// content, resolving master playlists to their highest-bandwidth variant.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/guidepipe/guidepipe/internal/metrics"
)

// Outcome reason tags. Every probe ends in exactly one of these.
const (
	ReasonContentType    = "content_type"    // server declared a playlist MIME type
	ReasonMediaPlaylist  = "media_playlist"  // body is a segment playlist
	ReasonMasterResolved = "master_resolved" // variant chosen from a master playlist
	ReasonBadURL         = "bad_url"
	ReasonBadStatus      = "bad_status"
	ReasonNoSignature    = "no_signature"
	ReasonNestedMaster   = "nested_master"
	ReasonTimeout        = "timeout"
	ReasonNetworkError   = "network_error"
)

const (
	defaultTimeout      = 10 * time.Second
	defaultSniffBytes   = 128 << 10
	defaultPerHostRate  = rate.Limit(4)
	defaultPerHostBurst = 2
	defaultUserAgent    = "guidepipe/1.0"
	playlistSignature   = "#EXTM3U"
)

var streamInfBandwidth = regexp.MustCompile(`(?:^|[:,])BANDWIDTH=(\d+)`)

// Result is the outcome of probing one candidate URL.
type Result struct {
	OK          bool   `json:"ok"`
	ResolvedURL string `json:"resolved_url"`
	Reason      string `json:"reason"`
	Cached      bool   `json:"-"`
}

// Config carries the prober tunables; zero values pick defaults.
type Config struct {
	Timeout      time.Duration // overall deadline per probe
	SniffBytes   int64         // how much body to fetch when sniffing
	PerHostRate  rate.Limit    // request rate per origin host
	PerHostBurst int
	UserAgent    string
}

// Prober validates candidate stream URLs. Safe for concurrent use; the
// coordinator runs many probes at once against one Prober.
type Prober struct {
	client *http.Client
	cache  *Cache
	cfg    Config

	mu    sync.Mutex
	hosts map[string]*rate.Limiter
}

// New builds a Prober. client may be nil for http.DefaultClient semantics;
// cache may be nil to probe uncached.
func New(client *http.Client, cache *Cache, cfg Config) *Prober {
	if client == nil {
		client = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.SniffBytes <= 0 {
		cfg.SniffBytes = defaultSniffBytes
	}
	if cfg.PerHostRate <= 0 {
		cfg.PerHostRate = defaultPerHostRate
	}
	if cfg.PerHostBurst <= 0 {
		cfg.PerHostBurst = defaultPerHostBurst
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	return &Prober{
		client: client,
		cache:  cache,
		cfg:    cfg,
		hosts:  make(map[string]*rate.Limiter),
	}
}

// Probe checks one URL under a single deadline. Exceeding the deadline is a
// rejection, not a system error; the error surface of this method is the
// Reason tag.
func (p *Prober) Probe(ctx context.Context, rawURL string) Result {
	start := time.Now()
	res := p.probe(ctx, rawURL)
	metrics.ProbeDuration.Observe(time.Since(start).Seconds())
	metrics.ProbeResults.WithLabelValues(res.Reason).Inc()
	return res
}

func (p *Prober) probe(ctx context.Context, rawURL string) Result {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Result{Reason: ReasonBadURL}
	}

	if p.cache != nil {
		if res, ok := p.cache.Get(rawURL); ok {
			res.Cached = true
			return res
		}
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	if err := p.limiter(u.Host).Wait(ctx); err != nil {
		return Result{Reason: ReasonTimeout}
	}

	res := p.verify(ctx, u, 0)
	if p.cache != nil && cacheable(res) {
		p.cache.Put(rawURL, res)
	}
	return res
}

// cacheable reports whether a result may persist across runs. Transient
// failures are not cached: a briefly-down origin must be re-checked on the
// next scheduled run, not declared dead for the cache TTL.
func cacheable(res Result) bool {
	return res.Reason != ReasonTimeout && res.Reason != ReasonNetworkError
}

// verify implements the probe protocol at one nesting depth. Depth 0 is the
// candidate URL; depth 1 is a variant resolved from a master playlist, which
// must itself be a media playlist.
func (p *Prober) verify(ctx context.Context, u *url.URL, depth int) Result {
	// The content-type fast path only applies to the candidate itself. A
	// resolved variant has to be sniffed, otherwise a nested master would
	// slip through as final.
	if depth == 0 {
		if ct, ok := p.headContentType(ctx, u); ok && isPlaylistContentType(ct) {
			return Result{OK: true, ResolvedURL: u.String(), Reason: ReasonContentType}
		}
	}

	body, status, err := p.fetchPrefix(ctx, u)
	if err != nil {
		return Result{Reason: classifyError(err)}
	}
	if status != http.StatusOK && status != http.StatusPartialContent {
		return Result{Reason: ReasonBadStatus}
	}
	text := strings.TrimLeft(string(body), "\uFEFF \t\r\n")
	if !strings.HasPrefix(text, playlistSignature) {
		return Result{Reason: ReasonNoSignature}
	}

	variants := parseVariants(text)
	if len(variants) == 0 {
		return Result{OK: true, ResolvedURL: u.String(), Reason: ReasonMediaPlaylist}
	}
	if depth > 0 {
		return Result{Reason: ReasonNestedMaster}
	}

	best := variants[0]
	for _, v := range variants[1:] {
		if v.bandwidth > best.bandwidth {
			best = v
		}
	}
	resolved, err := u.Parse(best.uri)
	if err != nil {
		return Result{Reason: ReasonBadURL}
	}

	sub := p.verify(ctx, resolved, depth+1)
	if !sub.OK {
		return sub
	}
	sub.Reason = ReasonMasterResolved
	return sub
}

func (p *Prober) headContentType(ctx context.Context, u *url.URL) (string, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u.String(), nil)
	if err != nil {
		return "", false
	}
	req.Header.Set("User-Agent", p.cfg.UserAgent)
	resp, err := p.client.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", false
	}
	return resp.Header.Get("Content-Type"), true
}

func (p *Prober) fetchPrefix(ctx context.Context, u *url.URL) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", p.cfg.UserAgent)
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", p.cfg.SniffBytes-1))
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	// Servers without range support return the full body; the limit keeps
	// the read bounded either way.
	body, err := io.ReadAll(io.LimitReader(resp.Body, p.cfg.SniffBytes))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func (p *Prober) limiter(host string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.hosts[host]
	if !ok {
		l = rate.NewLimiter(p.cfg.PerHostRate, p.cfg.PerHostBurst)
		p.hosts[host] = l
	}
	return l
}

type variant struct {
	bandwidth int64
	uri       string
}

// parseVariants extracts stream-variant directives from a playlist body. A
// variant is an #EXT-X-STREAM-INF line followed by its URI line.
func parseVariants(text string) []variant {
	var (
		out     []variant
		pending int64 = -1
	)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			pending = 0
			if m := streamInfBandwidth.FindStringSubmatch(line); m != nil {
				if bw, err := strconv.ParseInt(m[1], 10, 64); err == nil {
					pending = bw
				}
			}
		case pending >= 0 && line != "" && !strings.HasPrefix(line, "#"):
			out = append(out, variant{bandwidth: pending, uri: line})
			pending = -1
		}
	}
	return out
}

func isPlaylistContentType(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "application/vnd.apple.mpegurl") ||
		strings.Contains(ct, "application/x-mpegurl") ||
		strings.Contains(ct, "audio/mpegurl") ||
		strings.Contains(ct, "audio/x-mpegurl")
}

func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ReasonTimeout
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return ReasonTimeout
	}
	return ReasonNetworkError
}
