package refmodel

import (
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/opentransit/avlcast/foundation/database"
)

// GetActiveRevision retrieves the latest activated Revision.
func GetActiveRevision(db *sqlx.DB) (*Revision, error) {
	query := "select * from revision where activated_at is not null " +
		"order by activated_at desc, loaded_at desc limit 1"
	rev := Revision{}
	err := db.Get(&rev, query)
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve active revision: %w", err)
	}
	return &rev, nil
}

// LoadModel loads the complete reference model for the active revision at "at".
// The returned Model is immutable and safe for concurrent readers.
func LoadModel(db *sqlx.DB, at time.Time) (*Model, error) {
	rev, err := GetActiveRevision(db)
	if err != nil {
		return nil, err
	}
	return LoadModelForRevision(db, rev.Id, ServiceDateAt(at))
}

// LoadModelForRevision loads the reference model for revisionId on serviceDate.
func LoadModelForRevision(db *sqlx.DB, revisionId int64, serviceDate time.Time) (*Model, error) {
	trips, err := getTrips(db, revisionId)
	if err != nil {
		return nil, err
	}

	stopPathsByTrip, err := getStopPaths(db, revisionId)
	if err != nil {
		return nil, err
	}
	pointsByPath, err := getStopPathPoints(db, revisionId)
	if err != nil {
		return nil, err
	}

	blocksById := make(map[string]*Block)
	for _, trip := range trips {
		trip.StopPaths = stopPathsByTrip[trip.TripId]
		for _, sp := range trip.StopPaths {
			sp.Points = pointsByPath[stopPathKey{sp.TripId, sp.StopPathIndex}]
		}
		block, present := blocksById[trip.BlockId]
		if !present {
			block = &Block{
				RevisionId: revisionId,
				BlockId:    trip.BlockId,
				ServiceId:  trip.ServiceId,
			}
			blocksById[trip.BlockId] = block
		}
		block.Trips = append(block.Trips, trip)
	}

	blocks := make([]*Block, 0, len(blocksById))
	for _, block := range blocksById {
		sort.Slice(block.Trips, func(i, j int) bool {
			return block.Trips[i].StartTime < block.Trips[j].StartTime
		})
		blocks = append(blocks, block)
	}
	sort.Slice(blocks, func(i, j int) bool {
		return blocks[i].BlockId < blocks[j].BlockId
	})

	return MakeModel(revisionId, serviceDate, blocks), nil
}

type stopPathKey struct {
	tripId        string
	stopPathIndex int
}

func getTrips(db *sqlx.DB, revisionId int64) ([]*Trip, error) {
	rows, err := database.NamedQueryRowsFromMap(
		"select * from trip where revision_id = :revision_id order by block_id, start_time",
		db, map[string]interface{}{"revision_id": revisionId})
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve trips for revision %d: %w", revisionId, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var results []*Trip
	for rows.Next() {
		trip := Trip{}
		if err = rows.StructScan(&trip); err != nil {
			return nil, err
		}
		results = append(results, &trip)
	}
	return results, rows.Err()
}

func getStopPaths(db *sqlx.DB, revisionId int64) (map[string][]*StopPath, error) {
	rows, err := database.NamedQueryRowsFromMap(
		"select * from stop_path where revision_id = :revision_id "+
			"order by trip_id, stop_path_index",
		db, map[string]interface{}{"revision_id": revisionId})
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve stop paths for revision %d: %w", revisionId, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	results := make(map[string][]*StopPath)
	for rows.Next() {
		sp := StopPath{}
		if err = rows.StructScan(&sp); err != nil {
			return nil, err
		}
		results[sp.TripId] = append(results[sp.TripId], &sp)
	}
	return results, rows.Err()
}

type stopPathPointRow struct {
	TripId        string  `db:"trip_id"`
	StopPathIndex int     `db:"stop_path_index"`
	PointIndex    int     `db:"point_index"`
	Lat           float64 `db:"lat"`
	Lon           float64 `db:"lon"`
	DistAlong     float64 `db:"dist_along"`
}

func getStopPathPoints(db *sqlx.DB, revisionId int64) (map[stopPathKey][]Point, error) {
	rows, err := database.NamedQueryRowsFromMap(
		"select trip_id, stop_path_index, point_index, lat, lon, dist_along "+
			"from stop_path_point where revision_id = :revision_id "+
			"order by trip_id, stop_path_index, point_index",
		db, map[string]interface{}{"revision_id": revisionId})
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve stop path points for revision %d: %w", revisionId, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	results := make(map[stopPathKey][]Point)
	for rows.Next() {
		row := stopPathPointRow{}
		if err = rows.StructScan(&row); err != nil {
			return nil, err
		}
		key := stopPathKey{row.TripId, row.StopPathIndex}
		results[key] = append(results[key], Point{Lat: row.Lat, Lon: row.Lon, DistAlong: row.DistAlong})
	}
	return results, rows.Err()
}
