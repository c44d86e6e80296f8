package settlement

import (
	"errors"
	"fmt"
	"time"
)

// ErrBadClockTime is returned for clock values not in "HH:mm" form.
var ErrBadClockTime = errors.New("clock time must be in HH:mm format")

// ParseClock validates an "HH:mm" clock value and returns it as minutes
// since midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadClockTime, s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// InWindow reports whether clock time t falls inside [start, end], all given
// as "HH:mm". Both bounds are inclusive. Windows do not cross midnight.
func InWindow(t, start, end string) (bool, error) {
	tm, err := ParseClock(t)
	if err != nil {
		return false, err
	}
	sm, err := ParseClock(start)
	if err != nil {
		return false, err
	}
	em, err := ParseClock(end)
	if err != nil {
		return false, err
	}
	return sm <= tm && tm <= em, nil
}

// FormatClock renders a wall time as the zero-padded "HH:mm" form used by
// time frames and override windows. Zero-padding keeps lexicographic and
// chronological ordering identical, which the frame lookup relies on.
func FormatClock(t time.Time) string {
	return t.Format("15:04")
}
