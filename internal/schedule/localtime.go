package schedule

import "time"

// dstProbes covers the offset shifts real zones use for DST
// (one hour almost everywhere, 30 minutes on Lord Howe Island).
var dstProbes = []time.Duration{-time.Hour, time.Hour, -30 * time.Minute, 30 * time.Minute}

// Localize combines a civil date and wall-clock time into an instant in
// loc. It fails with *AmbiguousTimeError when the wall clock falls in a
// DST gap (does not exist) or a DST overlap (exists twice); picking an
// offset silently would move the trigger without the user noticing.
func Localize(d Date, at TimeOfDay, loc *time.Location) (time.Time, error) {
	t := time.Date(d.Year, d.Month, d.Day, at.Hour, at.Minute, 0, 0, loc)

	// time.Date normalizes non-existent local times by sliding them
	// across the gap, so a changed component means the wall clock never
	// occurred.
	if t.Year() != d.Year || t.Month() != d.Month || t.Day() != d.Day ||
		t.Hour() != at.Hour || t.Minute() != at.Minute {
		return time.Time{}, &AmbiguousTimeError{Date: d, At: at, Zone: loc.String(), Gap: true}
	}

	// Overlap: the same wall clock maps to a second instant under the
	// offset in force just before/after the transition.
	_, off := t.Zone()
	for _, probe := range dstProbes {
		_, probeOff := t.Add(probe).Zone()
		if probeOff == off {
			continue
		}
		alt := time.Date(d.Year, d.Month, d.Day, at.Hour, at.Minute, 0, 0,
			time.FixedZone("", probeOff)).In(loc)
		if alt.Equal(t) {
			continue
		}
		if alt.Year() == d.Year && alt.Month() == d.Month && alt.Day() == d.Day &&
			alt.Hour() == at.Hour && alt.Minute() == at.Minute {
			return time.Time{}, &AmbiguousTimeError{Date: d, At: at, Zone: loc.String(), Gap: false}
		}
	}

	return t, nil
}
