package timewin

import "github.com/rchung29/tablesniper/internal/model"

// Window is an inclusive wall-clock interval. End < Start means the
// window wraps past midnight (22:00–02:00 accepts 00:30, rejects 21:00).
type Window struct {
	Start Minutes
	End   Minutes
}

// ParseWindow builds a Window from two HH:MM strings.
func ParseWindow(start, end string) (Window, error) {
	s, err := ParseClock(start)
	if err != nil {
		return Window{}, err
	}
	e, err := ParseClock(end)
	if err != nil {
		return Window{}, err
	}
	return Window{Start: s, End: e}, nil
}

// Contains reports whether t falls inside the window, inclusive on both
// ends. An overnight window is the union [Start, 24:00) ∪ [00:00, End].
func (w Window) Contains(t Minutes) bool {
	if w.Start <= w.End {
		return t >= w.Start && t <= w.End
	}
	return t >= w.Start || t <= w.End
}

// DayFilterPasses applies the subscription day filter to a target
// weekday. day_configs take precedence over target_days; an empty
// target_days set means any weekday passes.
func DayFilterPasses(prefs model.BookingPrefs, weekday int) bool {
	if len(prefs.DayConfigs) > 0 {
		for _, dc := range prefs.DayConfigs {
			if dc.Day == weekday {
				return true
			}
		}
		return false
	}
	if len(prefs.TargetDays) > 0 {
		for _, d := range prefs.TargetDays {
			if d == weekday {
				return true
			}
		}
		return false
	}
	return true
}

// WindowFor resolves the effective booking window for a weekday: the
// matching day_configs entry when present, else the global window.
// The second return is false when the weekday is filtered out entirely
// or when the stored clock strings fail to parse.
func WindowFor(prefs model.BookingPrefs, weekday int) (Window, bool) {
	if len(prefs.DayConfigs) > 0 {
		for _, dc := range prefs.DayConfigs {
			if dc.Day != weekday {
				continue
			}
			w, err := ParseWindow(dc.Start, dc.End)
			if err != nil {
				return Window{}, false
			}
			return w, true
		}
		return Window{}, false
	}
	if !DayFilterPasses(prefs, weekday) {
		return Window{}, false
	}
	w, err := ParseWindow(prefs.WindowStart, prefs.WindowEnd)
	if err != nil {
		return Window{}, false
	}
	return w, true
}
