// SPDX-License-Identifier: MIT

package epg

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseTime parses an XMLTV timestamp: fourteen digits of local wall-clock
// time optionally followed by a numeric UTC offset ("20240115203000 -0600").
// The returned instant is UTC; the offset is subtracted from the naive
// reading, never attached as a zone. A missing offset means the value is
// already UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if len(s) < 14 {
		return time.Time{}, fmt.Errorf("timestamp %q: too short", s)
	}
	naive, err := time.Parse("20060102150405", s[:14])
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: %w", s, err)
	}

	rest := strings.TrimSpace(s[14:])
	if rest == "" {
		return naive, nil
	}
	if len(rest) != 5 || (rest[0] != '+' && rest[0] != '-') {
		return time.Time{}, fmt.Errorf("timestamp %q: bad offset %q", s, rest)
	}
	hh, err := strconv.Atoi(rest[1:3])
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: bad offset %q", s, rest)
	}
	mm, err := strconv.Atoi(rest[3:5])
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: bad offset %q", s, rest)
	}
	offset := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if rest[0] == '-' {
		offset = -offset
	}
	return naive.Add(-offset), nil
}
