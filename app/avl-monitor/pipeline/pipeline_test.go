package pipeline

import (
	"io"
	"log"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/opentransit/avlcast/app/avl-monitor/events"
	"github.com/opentransit/avlcast/app/avl-monitor/fleet"
	"github.com/opentransit/avlcast/app/avl-monitor/match"
	"github.com/opentransit/avlcast/app/avl-monitor/statcache"
	"github.com/opentransit/avlcast/business/data/avl"
	"github.com/opentransit/avlcast/business/data/refmodel"
	"github.com/opentransit/avlcast/foundation/metrics"
)

var testServiceDate = time.Date(2023, 5, 22, 0, 0, 0, 0, time.UTC)

func testModel() *refmodel.Model {
	makePath := func(index int, startLat float64, arrival int, departure int) *refmodel.StopPath {
		return &refmodel.StopPath{
			TripId:             "4001",
			StopPathIndex:      index,
			StopId:             []string{"stop-a", "stop-b", "stop-c", "stop-d"}[index],
			Length:             111.3,
			ScheduledArrival:   arrival,
			ScheduledDeparture: departure,
			Points: []refmodel.Point{
				{Lat: startLat, Lon: -122.0, DistAlong: 0},
				{Lat: startLat + 0.001, Lon: -122.0, DistAlong: 111.3},
			},
		}
	}
	trip := &refmodel.Trip{
		TripId:        "4001",
		RouteId:       "100",
		BlockId:       "9020",
		StartTime:     28800,
		EndTime:       29120,
		ScheduleBased: true,
		StopPaths: []*refmodel.StopPath{
			makePath(0, 45.000, 28860, 28870),
			makePath(1, 45.001, 28920, 28930),
			makePath(2, 45.002, 28980, 28990),
			makePath(3, 45.003, 29040, 29050),
		},
	}
	blocks := []*refmodel.Block{{BlockId: "9020", Trips: []*refmodel.Trip{trip}}}
	return refmodel.MakeModel(1, testServiceDate, blocks)
}

type testHarness struct {
	pipeline *Pipeline
	store    *fleet.Store
	averages *statcache.AverageCache
	kalman   *statcache.KalmanErrorCache
	holding  *statcache.HoldingTimeCache
	sink     *events.Sink
}

func makeHarness() *testHarness {
	logger := log.New(io.Discard, "", 0)
	m := metrics.NewCollector()
	model := testModel()
	store := fleet.MakeStore(logger)
	averages := statcache.MakeAverageCache(1, nil)
	frequencyAverages := statcache.MakeAverageCache(1, nil)
	kalman := statcache.MakeKalmanErrorCache(1, statcache.KalmanSettings{
		InitialVariance:     100,
		ObservationVariance: 25,
	})
	holding := statcache.MakeHoldingTimeCache(1, 30*time.Minute)
	//nil db and nats: durable writes become no-ops, queue semantics stay real
	sink := events.MakeSink(logger, m, nil, nil, 64, 100*time.Millisecond)
	matcher := match.MakeMatcher(model, match.Settings{
		MaxStopPathsAhead:       999,
		MaxDistanceMeters:       50,
		BackwardToleranceMeters: 50,
	})
	p := MakePipeline(logger, m, model, matcher, store, events.MakeGenerator(model), sink,
		averages, frequencyAverages, kalman, holding)
	return &testHarness{
		pipeline: p,
		store:    store,
		averages: averages,
		kalman:   kalman,
		holding:  holding,
		sink:     sink,
	}
}

func reportAt(vehicleId string, lat float64, scheduleSeconds int) *avl.AvlReport {
	return &avl.AvlReport{
		VehicleId:      vehicleId,
		Time:           testServiceDate.Add(time.Duration(scheduleSeconds) * time.Second),
		Latitude:       lat,
		Longitude:      -122.0,
		AssignmentId:   "9020",
		AssignmentType: avl.AssignmentBlock,
	}
}

func Test_Pipeline_unmatchedVehicleBecomesPredictable(t *testing.T) {
	is := is.New(t)
	h := makeHarness()
	defer h.sink.Shutdown()

	h.pipeline.HandleReport(reportAt("2901", 45.0003, 28820))

	vs, present := h.store.Snapshot("2901")
	is.True(present)
	is.Equal(vs.State, fleet.Predictable)
	is.Equal(vs.Match.Indices.StopPathIndex, 0)
	is.Equal(vs.TripId, "4001")
}

func Test_Pipeline_noAssignmentStaysUnassigned(t *testing.T) {
	is := is.New(t)
	h := makeHarness()
	defer h.sink.Shutdown()

	report := reportAt("2901", 45.0003, 28820)
	report.AssignmentId = ""
	report.AssignmentType = avl.AssignmentUnset
	h.pipeline.HandleReport(report)

	vs, present := h.store.Snapshot("2901")
	is.True(present)
	is.Equal(vs.State, fleet.Unassigned)
}

func Test_Pipeline_offRouteVehicleBecomesUnpredictable(t *testing.T) {
	is := is.New(t)
	h := makeHarness()
	defer h.sink.Shutdown()

	h.pipeline.HandleReport(reportAt("2901", 45.0003, 28820))
	offRoute := reportAt("2901", 45.0005, 28850)
	offRoute.Longitude = -121.5
	h.pipeline.HandleReport(offRoute)

	vs, _ := h.store.Snapshot("2901")
	is.Equal(vs.State, fleet.Unpredictable)
	//last known position retained
	is.Equal(vs.Match.Indices.StopPathIndex, 0)
}

func Test_Pipeline_crossingsFeedCaches(t *testing.T) {
	is := is.New(t)
	h := makeHarness()

	//three reports walk the vehicle over stops a and b
	h.pipeline.HandleReport(reportAt("2901", 45.0003, 28820))
	h.pipeline.HandleReport(reportAt("2901", 45.0012, 28890))
	h.pipeline.HandleReport(reportAt("2901", 45.0022, 28950))
	h.sink.Shutdown()

	//departure(stop-a)->arrival(stop-b) produced a travel observation for stop path 1
	value, present, err := h.averages.Get(1, statcache.AverageKey{
		TripId: "4001", StopPathIndex: 1, Bucket: refmodel.BucketAllDays,
	})
	is.NoErr(err)
	is.True(present)
	is.True(value.Count >= 1)
	is.True(value.Mean > 0)

	entry, present, err := h.kalman.Get(1, statcache.KalmanKey{TripId: "4001", StopPathIndex: 1}, time.Now())
	is.NoErr(err)
	is.True(present)
	is.True(entry.Estimate > 0)

	//arrival->departure at stop-a produced a dwell recommendation
	_, present, err = h.holding.Get(1, statcache.HoldingKey{StopId: "stop-a", VehicleId: "2901"},
		testServiceDate.Add(28900*time.Second))
	is.NoErr(err)
	is.True(present)
}

func Test_Pipeline_staleReportIgnored(t *testing.T) {
	is := is.New(t)
	h := makeHarness()
	defer h.sink.Shutdown()

	h.pipeline.HandleReport(reportAt("2901", 45.0012, 28890))
	//an older GPS fix arriving late must not move the vehicle backwards
	h.pipeline.HandleReport(reportAt("2901", 45.0003, 28820))

	vs, _ := h.store.Snapshot("2901")
	is.Equal(vs.Match.Indices.StopPathIndex, 1)
	is.Equal(vs.LastReport.Time, testServiceDate.Add(28890*time.Second))
}
