// Package timeago normalizes relative post ages such as "5m", "2h" or "3d".
package timeago

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var relPattern = regexp.MustCompile(`^([0-9]+)([smhd])$`)

var unitMinutes = map[byte]float64{
	's': 1.0 / 60,
	'm': 1,
	'h': 60,
	'd': 1440,
}

// Age is an elapsed age in minutes, or unknown when the source could not be
// parsed. The zero value is unknown.
type Age struct {
	minutes float64
	known   bool
}

// Unknown is the age of anything that could not be parsed.
var Unknown = Age{}

// Parse converts "<n><unit>" (unit one of s, m, h, d) to an Age. Anything
// else, absolute dates included, yields Unknown.
func Parse(s string) Age {
	m := relPattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(s)))
	if m == nil {
		return Unknown
	}
	n, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return Unknown
	}
	return Age{minutes: float64(n) * unitMinutes[m[2][0]], known: true}
}

// FromDuration builds a known age from an absolute time difference.
// Negative durations (clock skew) clamp to zero.
func FromDuration(d time.Duration) Age {
	return Age{minutes: max(d, 0).Minutes(), known: true}
}

func (a Age) Minutes() (float64, bool) { return a.minutes, a.known }

func (a Age) Known() bool { return a.known }

// Within reports whether the age is known and at most threshold minutes.
func (a Age) Within(thresholdMinutes float64) bool {
	return a.known && a.minutes <= thresholdMinutes
}

// Less orders known ages before unknown ones, younger first.
func (a Age) Less(b Age) bool {
	if a.known != b.known {
		return a.known
	}
	return a.minutes < b.minutes
}

func (a Age) String() string {
	if !a.known {
		return "unparseable"
	}
	return strconv.FormatFloat(a.minutes, 'f', -1, 64) + "m"
}
