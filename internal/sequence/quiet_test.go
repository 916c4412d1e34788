package sequence

import (
	"testing"
	"time"
)

func TestParseQuietWindow(t *testing.T) {
	w, err := ParseQuietWindow("22:30", "08:00")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !w.contains(23 * 60) {
		t.Fatal("23:00 should be inside a 22:30-08:00 window")
	}
	if w.contains(12 * 60) {
		t.Fatal("noon should be outside a 22:30-08:00 window")
	}

	if _, err := ParseQuietWindow("25:00", "08:00"); err == nil {
		t.Fatal("expected error for invalid clock")
	}

	same, err := ParseQuietWindow("09:00", "09:00")
	if err != nil {
		t.Fatalf("parse identical bounds: %v", err)
	}
	if same.contains(9 * 60) {
		t.Fatal("identical bounds should disable the window")
	}
}

func TestQuietWindowDefer(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	w := DefaultQuietWindow()

	afternoon := time.Date(2026, 3, 10, 15, 0, 0, 0, loc)
	if got := w.Defer(afternoon); !got.Equal(afternoon) {
		t.Fatalf("afternoon send should pass through, got %s", got)
	}

	lateEvening := time.Date(2026, 3, 10, 22, 15, 0, 0, loc)
	wantMorning := time.Date(2026, 3, 11, 9, 0, 0, 0, loc)
	if got := w.Defer(lateEvening); !got.Equal(wantMorning) {
		t.Fatalf("late evening should defer to next morning, got %s", got)
	}

	earlyMorning := time.Date(2026, 3, 10, 6, 30, 0, 0, loc)
	wantSameDay := time.Date(2026, 3, 10, 9, 0, 0, 0, loc)
	if got := w.Defer(earlyMorning); !got.Equal(wantSameDay) {
		t.Fatalf("early morning should defer to the same morning, got %s", got)
	}
}
