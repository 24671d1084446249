// SPDX-License-Identifier: MIT

// Package playlist reads and writes extended M3U playlists. Curated
// playlists are a discovery source whose tvg-id attributes carry
// authoritative channel identifiers.
package playlist

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// Item is one playlist entry.
type Item struct {
	Name    string
	TvgID   string
	TvgLogo string
	Group   string
	Quality string
	URL     string
}

var (
	extinfAttr = regexp.MustCompile(`([a-zA-Z0-9-]+)="([^"]*)"`)

	// Quality hints riding in entry names: "Canal 5 1080p", "Abc (HD)".
	qualityHint = regexp.MustCompile(`(?i)\b(2160p?|4k|uhd|1080p?|fhd|720p?|hd|576p?|480p?|sd)\b`)
)

// WriteM3U renders items as an extended M3U document.
func WriteM3U(w io.Writer, items []Item) error {
	buf := &bytes.Buffer{}
	buf.WriteString("#EXTM3U\n")
	for _, it := range items {
		buf.WriteString(fmt.Sprintf(
			`#EXTINF:-1 tvg-id="%s" tvg-logo="%s" group-title="%s",%s`+"\n",
			it.TvgID, it.TvgLogo, it.Group, it.Name,
		))
		buf.WriteString(it.URL + "\n")
	}
	_, err := io.Copy(w, buf)
	return err
}

// Parse reads an extended M3U document. Entries without a URL line are
// dropped; unknown attributes are ignored. Parsing is forgiving because
// curated playlists are hand-edited.
func Parse(r io.Reader) ([]Item, error) {
	var (
		items   []Item
		current *Item
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "#EXTINF:"):
			it := parseExtinf(line)
			current = &it
		case line == "" || strings.HasPrefix(line, "#"):
			// Other directives and blanks don't break an open entry.
		default:
			if current == nil {
				continue
			}
			current.URL = line
			items = append(items, *current)
			current = nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read playlist: %w", err)
	}
	return items, nil
}

func parseExtinf(line string) Item {
	var it Item
	body := strings.TrimPrefix(line, "#EXTINF:")

	// The display name follows the last comma outside any quoted attribute.
	if i := lastUnquotedComma(body); i >= 0 {
		it.Name = strings.TrimSpace(body[i+1:])
		body = body[:i]
	}
	for _, m := range extinfAttr.FindAllStringSubmatch(body, -1) {
		switch strings.ToLower(m[1]) {
		case "tvg-id":
			it.TvgID = m[2]
		case "tvg-logo":
			it.TvgLogo = m[2]
		case "group-title":
			it.Group = m[2]
		}
	}
	if m := qualityHint.FindString(it.Name); m != "" {
		it.Quality = strings.ToLower(m)
	}
	return it
}

func lastUnquotedComma(s string) int {
	quoted := false
	last := -1
	for i, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
		case r == ',' && !quoted:
			last = i
		}
	}
	return last
}
