package refmodel

import (
	"time"
)

const (
	//MaximumScheduleSeconds service days run past midnight, up to 30 hours
	MaximumScheduleSeconds int = 60 * 60 * 30
)

// getDSTTransitionSeconds provides the number of seconds offset for a 12am date later in
// the day after a daylight saving time transition is done
func getDSTTransitionSeconds(timeAt12 time.Time) int {
	before := time.Date(timeAt12.Year(), timeAt12.Month(), timeAt12.Day(), 0, 0, 0, 0, timeAt12.Location())
	after := time.Date(timeAt12.Year(), timeAt12.Month(), timeAt12.Day(), 5, 0, 0, 0, timeAt12.Location())
	_, beforeOffset := before.Zone()
	_, afterOffset := after.Zone()
	return afterOffset - beforeOffset
}

// MakeScheduleTime produces a time by adding schedule seconds to a 12am service date.
// Takes into account daylight saving time.
func MakeScheduleTime(timeAt12 time.Time, scheduleSeconds int) time.Time {
	offset := getDSTTransitionSeconds(timeAt12)
	scheduleSeconds = scheduleSeconds + (0 - offset)
	return timeAt12.Add(time.Duration(scheduleSeconds) * time.Second)
}

// Get12AmTime returns 12am of the day containing date, in date's location.
func Get12AmTime(date time.Time) time.Time {
	return time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
}

// ServiceDateAt returns the 12am service date containing at. Times before 6am belong to
// the previous service day when that day's schedule can still be running
// (schedule seconds run up to MaximumScheduleSeconds).
func ServiceDateAt(at time.Time) time.Time {
	twelveAm := Get12AmTime(at)
	secondsIntoDay := int(at.Sub(twelveAm) / time.Second)
	if secondsIntoDay < MaximumScheduleSeconds-24*60*60 {
		return twelveAm.AddDate(0, 0, -1)
	}
	return twelveAm
}

// ScheduleSecondsAt converts a wall clock time to schedule seconds on serviceDate.
func ScheduleSecondsAt(serviceDate time.Time, at time.Time) int {
	offset := getDSTTransitionSeconds(serviceDate)
	return int(at.Sub(serviceDate)/time.Second) + offset
}
