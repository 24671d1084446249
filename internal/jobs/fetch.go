// SPDX-License-Identifier: MIT

// Package jobs drives scheduled ingestion runs: fetch EPG sources, build
// the index, reconcile discovered streams and persist the results.
package jobs

import (
	"bufio"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/guidepipe/guidepipe/internal/log"
)

// fetchEPG downloads one XMLTV source with retries and returns a decompressed,
// size-capped reader. Gzip payloads are detected by suffix, content type or
// magic bytes; servers disagree on how they label them.
func fetchEPG(ctx context.Context, client *http.Client, url string, maxBytes int64, attempts int, backoff time.Duration) (io.ReadCloser, error) {
	if attempts < 1 {
		attempts = 1
	}
	logger := log.WithComponentFromContext(ctx, "jobs")

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := backoff << (attempt - 1)
			logger.Warn().
				Str("event", "fetch.retry").
				Str("url", url).
				Int("attempt", attempt+1).
				Dur("delay", delay).
				Err(lastErr).
				Msg("retrying EPG fetch")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		body, retryable, err := fetchOnce(ctx, client, url, maxBytes)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return nil, fmt.Errorf("fetch %s: %w", url, lastErr)
}

func fetchOnce(ctx context.Context, client *http.Client, url string, maxBytes int64) (io.ReadCloser, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := client.Do(req)
	if err != nil {
		return nil, true, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		// Server-side trouble is worth retrying; client errors are not.
		return nil, resp.StatusCode >= 500, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	// Cap the raw stream before any decompression decision.
	raw := bufio.NewReader(io.LimitReader(resp.Body, maxBytes))

	compressed := strings.HasSuffix(url, ".gz") ||
		strings.Contains(resp.Header.Get("Content-Encoding"), "gzip") ||
		strings.Contains(resp.Header.Get("Content-Type"), "gzip")
	if !compressed {
		if magic, err := raw.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
			compressed = true
		}
	}

	if !compressed {
		return &fetchBody{Reader: raw, closer: resp.Body}, false, nil
	}

	gz, err := gzip.NewReader(raw)
	if err != nil {
		_ = resp.Body.Close()
		return nil, false, fmt.Errorf("gzip: %w", err)
	}
	// The decompressed side gets its own cap; a tiny gzip body can expand
	// without bound.
	return &fetchBody{Reader: io.LimitReader(gz, maxBytes), closer: resp.Body, gz: gz}, false, nil
}

type fetchBody struct {
	io.Reader
	closer io.Closer
	gz     *gzip.Reader
}

func (b *fetchBody) Close() error {
	if b.gz != nil {
		_ = b.gz.Close()
	}
	return b.closer.Close()
}
