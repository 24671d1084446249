// SPDX-License-Identifier: MIT

package epg

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/text/encoding/ianaindex"

	"github.com/guidepipe/guidepipe/internal/log"
	"github.com/guidepipe/guidepipe/internal/normalize"
)

const (
	defaultMaxNameChars = 512
	defaultMaxTextChars = 4000
	defaultBatchSize    = 500
	defaultLookahead    = 36 * time.Hour

	// Overnight listings encode "23:30-00:15" with a stop before the start.
	// A day-wrap is only plausible for a short programme; anything longer
	// is source garbage and gets clamped instead.
	maxWrapDuration = 6 * time.Hour

	maxCategories = 8
	maxCredits    = 16
)

// KeepFunc decides whether a channel from a mixed-region source belongs in
// the index. A nil KeepFunc keeps everything.
type KeepFunc func(id string, names []string) bool

// Stats summarizes one source parse.
type Stats struct {
	Channels         int // entries added to the index
	FilteredChannels int // rejected by the keep filter
	Programmes       int // records emitted to the sink
	DroppedWindow    int // start outside [now-lookback, now+lookahead]
	DroppedUnknown   int // channel id absent from the index
	DroppedBadTime   int // unparseable start/stop attribute
}

// Parser streams one XMLTV document into a channel index and batched
// programme records. The document is never materialized: two small state
// machines consume decoder events, every text accumulator is capped, and
// programmes leave through the emit callback in fixed-size batches.
type Parser struct {
	Rules        *normalize.Rules
	Lookback     time.Duration
	Lookahead    time.Duration
	MaxNameChars int
	MaxTextChars int
	BatchSize    int
	Keep         KeepFunc

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// Parse consumes the XMLTV byte stream from r, adding channels to ix and
// delivering programme batches to emit. emit may be nil to index channels
// only. A syntax error aborts this source and is returned; the index keeps
// whatever was added before the error.
func (p *Parser) Parse(ctx context.Context, r io.Reader, ix *Index, emit func([]Programme) error) (Stats, error) {
	var st Stats
	logger := log.WithComponentFromContext(ctx, "epg")

	now := time.Now()
	if p.Now != nil {
		now = p.Now()
	}
	lookahead := p.Lookahead
	if lookahead <= 0 {
		lookahead = defaultLookahead
	}
	windowStart := now.Add(-p.Lookback)
	windowEnd := now.Add(lookahead)

	batchSize := p.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	batch := make([]Programme, 0, batchSize)
	flush := func() error {
		if emit == nil || len(batch) == 0 {
			return nil
		}
		if err := emit(batch); err != nil {
			return fmt.Errorf("emit programme batch: %w", err)
		}
		st.Programmes += len(batch)
		batch = batch[:0]
		return nil
	}

	d := xml.NewDecoder(r)
	d.CharsetReader = charsetReader

	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		tok, err := d.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return st, fmt.Errorf("xmltv decode: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "channel":
			if err := p.parseChannel(d, se, ix, &st); err != nil {
				return st, fmt.Errorf("xmltv channel: %w", err)
			}
		case "programme":
			rec, keep, err := p.parseProgramme(d, se, ix, windowStart, windowEnd, &st)
			if err != nil {
				return st, fmt.Errorf("xmltv programme: %w", err)
			}
			if !keep {
				continue
			}
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				if err := flush(); err != nil {
					return st, err
				}
			}
		}
	}
	if err := flush(); err != nil {
		return st, err
	}

	logger.Info().
		Str("event", "epg.parse.done").
		Int("channels", st.Channels).
		Int("channels_filtered", st.FilteredChannels).
		Int("programmes", st.Programmes).
		Int("dropped_window", st.DroppedWindow).
		Int("dropped_unknown", st.DroppedUnknown).
		Int("dropped_bad_time", st.DroppedBadTime).
		Msg("xmltv source parsed")
	return st, nil
}

// parseChannel consumes one <channel> element. Display names accumulate
// under the name cap; on close the entry passes through variant expansion
// and the keep filter before joining the index.
func (p *Parser) parseChannel(d *xml.Decoder, start xml.StartElement, ix *Index, st *Stats) error {
	var id string
	for _, a := range start.Attr {
		if a.Name.Local == "id" {
			id = strings.TrimSpace(a.Value)
		}
	}

	var (
		names      []string
		collecting bool
		buf        strings.Builder
	)
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "display-name" {
				collecting = true
				buf.Reset()
			} else if err := d.Skip(); err != nil {
				return err
			}
		case xml.CharData:
			if collecting {
				appendCapped(&buf, t, p.nameCap())
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "display-name":
				collecting = false
				if s := cleanText(buf.String()); s != "" {
					names = append(names, s)
				}
			case "channel":
				if id == "" {
					return nil
				}
				if p.Keep != nil && !p.Keep(id, names) {
					st.FilteredChannels++
					return nil
				}
				entry, keys := BuildEntry(id, names, p.rules())
				ix.Add(entry, keys)
				st.Channels++
				return nil
			}
		}
	}
}

// parseProgramme consumes one <programme> element. The element is skipped
// wholesale as soon as its attributes disqualify it, so rejected records
// cost no child-element work.
func (p *Parser) parseProgramme(d *xml.Decoder, start xml.StartElement, ix *Index, windowStart, windowEnd time.Time, st *Stats) (Programme, bool, error) {
	var startAttr, stopAttr, channelAttr string
	for _, a := range start.Attr {
		switch a.Name.Local {
		case "start":
			startAttr = a.Value
		case "stop":
			stopAttr = a.Value
		case "channel":
			channelAttr = strings.TrimSpace(a.Value)
		}
	}

	reject := func(counter *int) (Programme, bool, error) {
		*counter++
		return Programme{}, false, d.Skip()
	}

	if _, known := ix.ByID(channelAttr); !known {
		return reject(&st.DroppedUnknown)
	}
	startT, err := ParseTime(startAttr)
	if err != nil {
		return reject(&st.DroppedBadTime)
	}
	stopT, err := ParseTime(stopAttr)
	if err != nil {
		return reject(&st.DroppedBadTime)
	}
	if startT.Before(windowStart) || startT.After(windowEnd) {
		return reject(&st.DroppedWindow)
	}
	if !stopT.After(startT) {
		if wrapped := stopT.Add(24 * time.Hour); wrapped.After(startT) && wrapped.Sub(startT) <= maxWrapDuration {
			stopT = wrapped
		} else {
			stopT = startT.Add(time.Minute)
		}
	}

	rec := Programme{
		ChannelID: channelAttr,
		Start:     startT,
		Stop:      stopT,
	}

	var (
		stack []string
		buf   strings.Builder
	)
	for {
		tok, err := d.Token()
		if err != nil {
			return Programme{}, false, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			stack = append(stack, t.Name.Local)
			buf.Reset()
			if t.Name.Local == "icon" && rec.IconURL == "" {
				for _, a := range t.Attr {
					if a.Name.Local == "src" {
						rec.IconURL = truncate(strings.TrimSpace(a.Value), p.textCap())
					}
				}
			}
		case xml.CharData:
			if len(stack) > 0 {
				appendCapped(&buf, t, p.textCap())
			}
		case xml.EndElement:
			if t.Name.Local == "programme" {
				return rec, true, nil
			}
			if len(stack) > 0 && stack[len(stack)-1] == t.Name.Local {
				assignField(&rec, stack, cleanText(buf.String()))
				stack = stack[:len(stack)-1]
				buf.Reset()
			}
		}
	}
}

// assignField routes the closed element's accumulated text into the record.
// First value wins for scalar fields; repeatable fields are bounded.
func assignField(rec *Programme, stack []string, text string) {
	field := stack[len(stack)-1]
	parent := ""
	if len(stack) >= 2 {
		parent = stack[len(stack)-2]
	}

	switch field {
	case "title":
		if rec.Title == "" {
			rec.Title = text
		}
	case "sub-title":
		if rec.Subtitle == "" {
			rec.Subtitle = text
		}
	case "desc":
		if rec.Summary == "" {
			rec.Summary = text
		}
	case "category":
		if text != "" && len(rec.Categories) < maxCategories {
			rec.Categories = append(rec.Categories, text)
		}
	case "language":
		if rec.Language == "" {
			rec.Language = text
		}
	case "episode-num":
		if rec.Episode == "" {
			rec.Episode = text
		}
	case "value":
		if parent == "rating" && rec.Rating == "" {
			rec.Rating = text
		}
	case "director", "actor", "writer", "presenter":
		if parent == "credits" && text != "" && len(rec.Credits) < maxCredits {
			rec.Credits = append(rec.Credits, text)
		}
	case "premiere":
		rec.Premiere = true
	case "previously-shown":
		rec.PreviouslyShown = true
	}
}

func (p *Parser) rules() *normalize.Rules {
	if p.Rules != nil {
		return p.Rules
	}
	return normalize.DefaultRules()
}

func (p *Parser) nameCap() int {
	if p.MaxNameChars > 0 {
		return p.MaxNameChars
	}
	return defaultMaxNameChars
}

func (p *Parser) textCap() int {
	if p.MaxTextChars > 0 {
		return p.MaxTextChars
	}
	return defaultMaxTextChars
}

// appendCapped writes data into buf up to the cap; overflow is dropped, not
// an error. Malformed documents can otherwise buffer a single tag forever.
func appendCapped(buf *strings.Builder, data []byte, limit int) {
	if buf.Len() >= limit {
		return
	}
	if room := limit - buf.Len(); len(data) > room {
		data = data[:room]
	}
	buf.Write(data)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return strings.ToValidUTF8(s[:limit], "")
}

// cleanText trims whitespace and repairs a rune split by cap truncation.
func cleanText(s string) string {
	return strings.ToValidUTF8(strings.TrimSpace(s), "")
}

// charsetReader lets the decoder handle the legacy encodings some guide
// providers still serve (ISO-8859-1 in particular).
func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc, err := ianaindex.IANA.Encoding(charset)
	if err != nil || enc == nil {
		return nil, fmt.Errorf("unsupported charset %q", charset)
	}
	return enc.NewDecoder().Reader(input), nil
}
