// Package avl provides the shared realtime records of the pipeline: AVL reports read
// from the vehicle feed and the arrival/departure events derived from them, along with
// their persistence.
package avl

import (
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// AssignmentType describes how a vehicle assignment arrived in the AVL feed.
type AssignmentType int

const (
	AssignmentUnset AssignmentType = iota
	AssignmentBlock
	AssignmentTrip
	AssignmentRoute
	//AssignmentSchedBlock marks the fabricated report that backs a schedule based
	//virtual vehicle
	AssignmentSchedBlock
)

func (a AssignmentType) String() string {
	switch a {
	case AssignmentBlock:
		return "BLOCK"
	case AssignmentTrip:
		return "TRIP"
	case AssignmentRoute:
		return "ROUTE"
	case AssignmentSchedBlock:
		return "SCHED_BLOCK"
	}
	return "UNSET"
}

// AvlReport is a single GPS report for a vehicle. Identity is (VehicleId, Time).
// Reports are immutable once constructed except for the processed timestamp, which
// ingestion stamps exactly once.
type AvlReport struct {
	VehicleId string    `db:"vehicle_id" json:"vehicle_id"`
	Time      time.Time `db:"time" json:"time"`
	Latitude  float64   `db:"latitude" json:"latitude"`
	Longitude float64   `db:"longitude" json:"longitude"`
	//Speed in meters per second, nil when the feed does not provide it
	Speed *float64 `db:"speed" json:"speed"`
	//Heading in degrees clockwise from north, nil when not provided
	Heading *float64 `db:"heading" json:"heading"`
	//Source describes where the report came from, such as the feed name or "Schedule"
	Source string `db:"source" json:"source"`

	AssignmentId   string         `db:"assignment_id" json:"assignment_id"`
	AssignmentType AssignmentType `db:"assignment_type" json:"assignment_type"`

	//PassengerCount is nil when the feed has no passenger counter data
	PassengerCount *int `db:"passenger_count" json:"passenger_count"`

	//TimeProcessed is set once by ingestion when the report is accepted, for latency
	//measurement. nil until then.
	TimeProcessed *time.Time `db:"time_processed" json:"time_processed"`
}

// HasAssignment returns true when the feed supplied usable assignment information.
func (r *AvlReport) HasAssignment() bool {
	return r.AssignmentType != AssignmentUnset && r.AssignmentId != ""
}

// IsSchedBased returns true for the fabricated report backing a schedule based
// virtual vehicle.
func (r *AvlReport) IsSchedBased() bool {
	return r.AssignmentType == AssignmentSchedBlock
}

// StampProcessed records the time ingestion accepted this report. Only the first call
// has effect.
func (r *AvlReport) StampProcessed(at time.Time) {
	if r.TimeProcessed == nil {
		r.TimeProcessed = &at
	}
}

// Latency returns how long the report waited between its GPS fix and processing, or 0
// when it has not been processed.
func (r *AvlReport) Latency() time.Duration {
	if r.TimeProcessed == nil {
		return 0
	}
	return r.TimeProcessed.Sub(r.Time)
}

// UsableHeading returns the report heading, or nil when heading is absent or the
// vehicle is moving too slowly for the heading to mean anything.
func (r *AvlReport) UsableHeading(minSpeedForValidHeading float64) *float64 {
	if r.Heading == nil {
		return nil
	}
	if r.Speed != nil && *r.Speed < minSpeedForValidHeading {
		return nil
	}
	return r.Heading
}

func (r *AvlReport) String() string {
	return fmt.Sprintf("AvlReport{ vehicle:%s time:%s latlng:%f,%f assignment:%s(%s) }",
		r.VehicleId, r.Time.Format(time.RFC3339), r.Latitude, r.Longitude,
		r.AssignmentId, r.AssignmentType)
}

// ValidationBounds holds the externally configured limits a report must satisfy.
type ValidationBounds struct {
	MinLatitude  float64
	MaxLatitude  float64
	MinLongitude float64
	MaxLongitude float64
	//MaxSpeed in meters per second
	MaxSpeed float64
	//MaxReportAge rejects reports with GPS times implausibly far in the past
	MaxReportAge time.Duration
	//MaxReportFuture rejects reports with GPS times too far in the future
	MaxReportFuture time.Duration
}

// ValidationError describes why a report was rejected. Rejected reports are logged and
// dropped, never retried: stale GPS data has no value later.
type ValidationError struct {
	VehicleId string
	Problems  []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid avl report for vehicle %q: %s",
		e.VehicleId, strings.Join(e.Problems, "; "))
}

// Validate checks the report against bounds as of "now". Returns nil when the report is
// acceptable, otherwise a *ValidationError listing every problem found.
func (r *AvlReport) Validate(bounds ValidationBounds, now time.Time) error {
	var problems []string

	if r.VehicleId == "" {
		problems = append(problems, "vehicle id is empty")
	}

	if r.Time.Before(now.Add(-bounds.MaxReportAge)) {
		problems = append(problems, fmt.Sprintf("gps time %s is older than %s",
			r.Time.Format(time.RFC3339), bounds.MaxReportAge))
	}
	if r.Time.After(now.Add(bounds.MaxReportFuture)) {
		problems = append(problems, fmt.Sprintf("gps time %s is more than %s in the future",
			r.Time.Format(time.RFC3339), bounds.MaxReportFuture))
	}

	if r.Latitude < bounds.MinLatitude || r.Latitude > bounds.MaxLatitude {
		problems = append(problems, fmt.Sprintf("latitude %f is outside %f..%f",
			r.Latitude, bounds.MinLatitude, bounds.MaxLatitude))
	}
	if r.Longitude < bounds.MinLongitude || r.Longitude > bounds.MaxLongitude {
		problems = append(problems, fmt.Sprintf("longitude %f is outside %f..%f",
			r.Longitude, bounds.MinLongitude, bounds.MaxLongitude))
	}

	if r.Speed != nil {
		if *r.Speed < 0 {
			problems = append(problems, fmt.Sprintf("speed %f is negative", *r.Speed))
		} else if *r.Speed > bounds.MaxSpeed {
			problems = append(problems, fmt.Sprintf("speed %f m/s is greater than maximum allowable speed %f m/s",
				*r.Speed, bounds.MaxSpeed))
		}
	}

	if r.Heading != nil && (*r.Heading < 0 || *r.Heading >= 360) {
		problems = append(problems, fmt.Sprintf("heading %f degrees is outside [0,360)", *r.Heading))
	}

	if len(problems) > 0 {
		return &ValidationError{VehicleId: r.VehicleId, Problems: problems}
	}
	return nil
}

// RecordAvlReport saves a report to the database. The insert is idempotent on
// (vehicle_id, time) so at-least-once delivery from the sink is safe.
func RecordAvlReport(db *sqlx.DB, report *AvlReport) error {
	statementString := "insert into avl_report " +
		"(vehicle_id, " +
		"time, " +
		"latitude, " +
		"longitude, " +
		"speed, " +
		"heading, " +
		"source, " +
		"assignment_id, " +
		"assignment_type, " +
		"passenger_count, " +
		"time_processed) " +
		"values " +
		"(:vehicle_id, " +
		":time, " +
		":latitude, " +
		":longitude, " +
		":speed, " +
		":heading, " +
		":source, " +
		":assignment_id, " +
		":assignment_type, " +
		":passenger_count, " +
		":time_processed) " +
		"on conflict (vehicle_id, time) do nothing"
	statementString = db.Rebind(statementString)
	_, err := db.NamedExec(statementString, report)
	return err
}
