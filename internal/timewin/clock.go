// Package timewin implements wall-clock windows, day-of-week filters,
// and release-instant computation. All weekday numbering is 0=Sunday ..
// 6=Saturday; Go's time.Weekday already matches, so no conversion is
// needed at this boundary.
package timewin

import (
	"fmt"
	"strconv"
	"strings"
)

// Minutes is a wall-clock time expressed as minutes after midnight.
type Minutes int

// ParseClock parses "HH:MM" (or "HH:MM:SS", seconds ignored) into
// minutes after midnight.
func ParseClock(s string) (Minutes, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, fmt.Errorf("clock %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("clock %q: bad hour", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock %q: bad minute", s)
	}
	return Minutes(h*60 + m), nil
}

// SlotClock extracts the HH:MM portion from an upstream slot time
// string. The API returns either bare "19:30", "19:30:00", or a full
// "2025-11-20 19:30:00" stamp; all three normalize to the clock part.
func SlotClock(raw string) (Minutes, error) {
	s := strings.TrimSpace(raw)
	if i := strings.IndexByte(s, ' '); i >= 0 {
		s = s[i+1:]
	} else if i := strings.IndexByte(s, 'T'); i >= 0 {
		s = s[i+1:]
	}
	return ParseClock(s)
}

// String renders minutes after midnight back to HH:MM.
func (m Minutes) String() string {
	return fmt.Sprintf("%02d:%02d", int(m)/60, int(m)%60)
}
