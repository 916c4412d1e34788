package sequence

import (
	"fmt"
	"time"
)

// QuietWindow is a daily window, in the destination's local time, when
// drip sends must not fire. Sends landing inside it are deferred to the
// window's end.
type QuietWindow struct {
	startMin int
	endMin   int
	enabled  bool
}

// DefaultQuietWindow suppresses sends between 21:00 and 09:00 local time.
func DefaultQuietWindow() QuietWindow {
	return QuietWindow{startMin: 21 * 60, endMin: 9 * 60, enabled: true}
}

// ParseQuietWindow builds a window from HH:MM clock strings. Identical
// start and end disables the window.
func ParseQuietWindow(start, end string) (QuietWindow, error) {
	startMin, err := parseClock(start)
	if err != nil {
		return QuietWindow{}, fmt.Errorf("sequence: parse quiet window start: %w", err)
	}
	endMin, err := parseClock(end)
	if err != nil {
		return QuietWindow{}, fmt.Errorf("sequence: parse quiet window end: %w", err)
	}
	return QuietWindow{startMin: startMin, endMin: endMin, enabled: startMin != endMin}, nil
}

func parseClock(v string) (int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

func (q QuietWindow) contains(minutes int) bool {
	if !q.enabled {
		return false
	}
	if q.startMin < q.endMin {
		return minutes >= q.startMin && minutes < q.endMin
	}
	// Window crosses midnight.
	return minutes >= q.startMin || minutes < q.endMin
}

// Defer returns t unchanged when it falls outside the window, otherwise
// the next moment the window ends, in t's location.
func (q QuietWindow) Defer(t time.Time) time.Time {
	minutes := t.Hour()*60 + t.Minute()
	if !q.contains(minutes) {
		return t
	}
	day := t.Day()
	if q.startMin > q.endMin && minutes >= q.startMin {
		// Late-evening side of a window that crosses midnight: the
		// window ends tomorrow morning.
		day++
	}
	return time.Date(t.Year(), t.Month(), day, q.endMin/60, q.endMin%60, 0, 0, t.Location())
}
