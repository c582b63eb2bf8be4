// Package interval holds the pure time-interval predicates the scheduling
// engine is built on. Intervals are half-open: [start, end).
package interval

import "time"

// Overlaps reports whether [aStart, aEnd) intersects [bStart, bEnd).
// Touching endpoints do not overlap: a booking ending at T is compatible
// with one starting at T.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && aEnd.After(bStart)
}

// Interval is a half-open time span.
type Interval struct {
	Start time.Time
	End   time.Time
}

// ClipToWindow intersects [start, end) with [winStart, winEnd). The second
// return value is false when there is no intersection.
func ClipToWindow(start, end, winStart, winEnd time.Time) (Interval, bool) {
	if !Overlaps(start, end, winStart, winEnd) {
		return Interval{}, false
	}
	clipped := Interval{Start: start, End: end}
	if clipped.Start.Before(winStart) {
		clipped.Start = winStart
	}
	if clipped.End.After(winEnd) {
		clipped.End = winEnd
	}
	return clipped, true
}
