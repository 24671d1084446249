// SPDX-License-Identifier: MIT

package playlist

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/guidepipe/guidepipe/internal/ingest"
)

// Discovery adapts a curated playlist file into a discovery source. The
// file is re-read every run so operators can edit it between refreshes.
type Discovery struct {
	Path string
}

// Name identifies the source in reports and metrics.
func (d *Discovery) Name() string {
	return "playlist:" + filepath.Base(d.Path)
}

// Candidates reads the playlist and converts entries into candidates. The
// tvg-id travels as the external channel id, which the matcher trusts over
// every inference tier.
func (d *Discovery) Candidates(_ context.Context) ([]ingest.Candidate, error) {
	f, err := os.Open(d.Path)
	if err != nil {
		return nil, fmt.Errorf("open playlist: %w", err)
	}
	defer f.Close()

	items, err := Parse(f)
	if err != nil {
		return nil, err
	}
	out := make([]ingest.Candidate, 0, len(items))
	for _, it := range items {
		if it.URL == "" || it.Name == "" {
			continue
		}
		out = append(out, ingest.Candidate{
			Source:     d.Name(),
			Name:       it.Name,
			URL:        it.URL,
			ExternalID: it.TvgID,
			Quality:    it.Quality,
		})
	}
	return out, nil
}
