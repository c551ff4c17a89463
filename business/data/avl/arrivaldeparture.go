package avl

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/opentransit/avlcast/foundation/database"
)

// ArrivalDeparture is a derived stop event. One row is produced per stop crossing per
// kind, observed or interpolated from successive matched AVL reports.
type ArrivalDeparture struct {
	RevisionId    int64     `db:"revision_id" json:"revision_id"`
	VehicleId     string    `db:"vehicle_id" json:"vehicle_id"`
	BlockId       string    `db:"block_id" json:"block_id"`
	TripId        string    `db:"trip_id" json:"trip_id"`
	RouteId       string    `db:"route_id" json:"route_id"`
	StopId        string    `db:"stop_id" json:"stop_id"`
	StopPathIndex int       `db:"stop_path_index" json:"stop_path_index"`
	IsArrival     bool      `db:"is_arrival" json:"is_arrival"`
	Time          time.Time `db:"time" json:"time"`
	//ScheduledTime is nil for stops with no timepoint in the schedule
	ScheduledTime *time.Time `db:"scheduled_time" json:"scheduled_time"`
	//Interpolated is true when the event time was estimated between two reports rather
	//than observed at the stop
	Interpolated bool      `db:"interpolated" json:"interpolated"`
	ServiceDate  time.Time `db:"service_date" json:"service_date"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

func (ad *ArrivalDeparture) Kind() string {
	if ad.IsArrival {
		return "arrival"
	}
	return "departure"
}

func (ad *ArrivalDeparture) String() string {
	return fmt.Sprintf("ArrivalDeparture{ vehicle:%s trip:%s stopPath:%d %s:%s }",
		ad.VehicleId, ad.TripId, ad.StopPathIndex, ad.Kind(), ad.Time.Format(time.RFC3339))
}

// ScheduleDeviationSeconds returns seconds of deviation from the schedule, positive when
// late, or false when the stop carries no scheduled time.
func (ad *ArrivalDeparture) ScheduleDeviationSeconds() (int, bool) {
	if ad.ScheduledTime == nil {
		return 0, false
	}
	return int(ad.Time.Sub(*ad.ScheduledTime) / time.Second), true
}

// RecordArrivalDeparture saves an event. Idempotent on the event identity so the sink
// can safely redeliver.
func RecordArrivalDeparture(db *sqlx.DB, ad *ArrivalDeparture) error {
	statementString := "insert into arrival_departure " +
		"(revision_id, " +
		"vehicle_id, " +
		"block_id, " +
		"trip_id, " +
		"route_id, " +
		"stop_id, " +
		"stop_path_index, " +
		"is_arrival, " +
		"time, " +
		"scheduled_time, " +
		"interpolated, " +
		"service_date, " +
		"created_at) " +
		"values " +
		"(:revision_id, " +
		":vehicle_id, " +
		":block_id, " +
		":trip_id, " +
		":route_id, " +
		":stop_id, " +
		":stop_path_index, " +
		":is_arrival, " +
		":time, " +
		":scheduled_time, " +
		":interpolated, " +
		":service_date, " +
		":created_at) " +
		"on conflict (vehicle_id, trip_id, stop_path_index, is_arrival, service_date) do nothing"
	statementString = db.Rebind(statementString)
	_, err := db.NamedExec(statementString, ad)
	return err
}

// GetArrivalDeparturesBetween retrieves events for revisionId whose service date falls in
// [start, end), ordered for replay: by vehicle, then trip, then event time.
func GetArrivalDeparturesBetween(db *sqlx.DB, revisionId int64,
	start time.Time, end time.Time) ([]*ArrivalDeparture, error) {
	rows, err := database.NamedQueryRowsFromMap(
		"select * from arrival_departure "+
			"where revision_id = :revision_id "+
			"and service_date >= :start and service_date < :end "+
			"order by vehicle_id, trip_id, time, stop_path_index",
		db, map[string]interface{}{
			"revision_id": revisionId,
			"start":       start,
			"end":         end,
		})
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve arrival departures for revision %d: %w",
			revisionId, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var results []*ArrivalDeparture
	for rows.Next() {
		ad := ArrivalDeparture{}
		if err = rows.StructScan(&ad); err != nil {
			return nil, err
		}
		results = append(results, &ad)
	}
	return results, rows.Err()
}
