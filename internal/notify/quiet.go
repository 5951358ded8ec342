package notify

import (
	"fmt"
	"time"

	"github.com/pulsegrid/pulsegrid/pkg/config"
)

// quietWindow is a daily suppression window for non-critical alerts.
// Windows may wrap midnight (e.g. 22:00 to 06:00).
type quietWindow struct {
	enabled    bool
	start, end int // minutes from midnight
	loc        *time.Location
}

func newQuietWindow(cfg config.QuietHoursConfig) (*quietWindow, error) {
	w := &quietWindow{enabled: cfg.Enabled, loc: time.Local}
	if !cfg.Enabled {
		return w, nil
	}
	if cfg.Location != "" {
		loc, err := time.LoadLocation(cfg.Location)
		if err != nil {
			return nil, fmt.Errorf("quiet hours location %q: %w", cfg.Location, err)
		}
		w.loc = loc
	}
	var err error
	if w.start, err = parseClock(cfg.Start); err != nil {
		return nil, fmt.Errorf("quiet hours start: %w", err)
	}
	if w.end, err = parseClock(cfg.End); err != nil {
		return nil, fmt.Errorf("quiet hours end: %w", err)
	}
	return w, nil
}

func (w *quietWindow) contains(t time.Time) bool {
	if !w.enabled {
		return false
	}
	local := t.In(w.loc)
	minutes := local.Hour()*60 + local.Minute()
	if w.start <= w.end {
		return minutes >= w.start && minutes < w.end
	}
	// Wraps midnight.
	return minutes >= w.start || minutes < w.end
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}
