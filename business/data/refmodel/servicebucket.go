package refmodel

import (
	"time"

	"github.com/rickar/cal/v2"
	"github.com/rickar/cal/v2/us"
)

// ServiceBucket partitions service days so statistics gathered on weekdays are not
// polluted by weekend or holiday travel behavior.
type ServiceBucket int

const (
	BucketAllDays ServiceBucket = iota
	BucketWeekday
	BucketSaturday
	BucketSunday
	BucketHoliday
)

func (b ServiceBucket) String() string {
	switch b {
	case BucketWeekday:
		return "weekday"
	case BucketSaturday:
		return "saturday"
	case BucketSunday:
		return "sunday"
	case BucketHoliday:
		return "holiday"
	}
	return "all"
}

// ServiceCalendar classifies a service date into a ServiceBucket.
// TODO: make the observed holiday set configurable per agency.
type ServiceCalendar struct {
	calendar *cal.BusinessCalendar
}

// MakeServiceCalendar builds a ServiceCalendar observing common US transit holidays.
func MakeServiceCalendar() *ServiceCalendar {
	calendar := cal.NewBusinessCalendar()
	calendar.AddHoliday(
		us.NewYear,
		us.MlkDay,
		us.MemorialDay,
		us.IndependenceDay,
		us.LaborDay,
		us.ThanksgivingDay,
		us.ChristmasDay,
		us.Juneteenth,
	)
	return &ServiceCalendar{calendar: calendar}
}

// BucketFor returns the ServiceBucket for a service date. Holidays win over the weekday
// buckets since agencies typically run a holiday schedule.
func (c *ServiceCalendar) BucketFor(serviceDate time.Time) ServiceBucket {
	if _, observed, _ := c.calendar.IsHoliday(serviceDate); observed {
		return BucketHoliday
	}
	switch serviceDate.Weekday() {
	case time.Saturday:
		return BucketSaturday
	case time.Sunday:
		return BucketSunday
	}
	return BucketWeekday
}
