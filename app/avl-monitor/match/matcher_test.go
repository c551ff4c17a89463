package match

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/opentransit/avlcast/business/data/avl"
	"github.com/opentransit/avlcast/business/data/refmodel"
)

var testServiceDate = time.Date(2023, 5, 22, 0, 0, 0, 0, time.UTC)

// testModel builds a single block 9020 whose trip 4001 runs due north along
// longitude -122 with three 111.3 meter stop paths, plus a second block 9100.
func testModel() *refmodel.Model {
	makePath := func(tripId string, index int, startLat float64, arrival int, departure int) *refmodel.StopPath {
		return &refmodel.StopPath{
			TripId:             tripId,
			StopPathIndex:      index,
			StopId:             "stop-" + tripId + "-" + string(rune('a'+index)),
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
		EndTime:       28990,
		ScheduleBased: true,
		StopPaths: []*refmodel.StopPath{
			makePath("4001", 0, 45.000, 28860, 28870),
			makePath("4001", 1, 45.001, 28920, 28930),
			makePath("4001", 2, 45.002, 28980, 28990),
		},
	}
	otherTrip := &refmodel.Trip{
		TripId:        "4100",
		RouteId:       "200",
		BlockId:       "9100",
		StartTime:     28800,
		EndTime:       28900,
		ScheduleBased: true,
		StopPaths: []*refmodel.StopPath{
			makePath("4100", 0, 47.000, 28860, 28870),
		},
	}
	blocks := []*refmodel.Block{
		{BlockId: "9020", Trips: []*refmodel.Trip{trip}},
		{BlockId: "9100", Trips: []*refmodel.Trip{otherTrip}},
	}
	return refmodel.MakeModel(1, testServiceDate, blocks)
}

func testSettings() Settings {
	return Settings{
		MaxStopPathsAhead:       999,
		MaxDistanceMeters:       50.0,
		BackwardToleranceMeters: 50.0,
	}
}

func reportAt(lat float64, scheduleSeconds int) *avl.AvlReport {
	return &avl.AvlReport{
		VehicleId:      "2901",
		Time:           testServiceDate.Add(time.Duration(scheduleSeconds) * time.Second),
		Latitude:       lat,
		Longitude:      -122.0,
		AssignmentId:   "9020",
		AssignmentType: avl.AssignmentBlock,
	}
}

func Test_Matcher_Match(t *testing.T) {
	matcher := MakeMatcher(testModel(), testSettings())

	tests := []struct {
		name              string
		report            *avl.AvlReport
		prior             *TemporalMatch
		wantErr           error
		wantStopPathIndex int
		wantDeviation     int
	}{
		{
			name:              "unmatched vehicle matches from block start",
			report:            reportAt(45.0005, 28830),
			wantStopPathIndex: 0,
			wantDeviation:     0,
		},
		{
			name:              "on time at first stop",
			report:            reportAt(45.001, 28860),
			wantStopPathIndex: 0,
			wantDeviation:     0,
		},
		{
			name:              "late mid stop path",
			report:            reportAt(45.0005, 28890),
			wantStopPathIndex: 0,
			wantDeviation:     60,
		},
		{
			name:              "early mid stop path",
			report:            reportAt(45.0005, 28800),
			wantStopPathIndex: 0,
			wantDeviation:     -30,
		},
		{
			name: "advances from prior position",
			report: reportAt(45.0015, 28900),
			prior: &TemporalMatch{SpatialMatch: SpatialMatch{
				Indices: refmodel.Indices{BlockId: "9020", TripIndex: 0, StopPathIndex: 1},
			}},
			wantStopPathIndex: 1,
			wantDeviation:     5,
		},
		{
			name:    "too far from geometry",
			report:  &avl.AvlReport{VehicleId: "2901", Time: testServiceDate.Add(28860 * time.Second), Latitude: 45.0005, Longitude: -121.9, AssignmentId: "9020", AssignmentType: avl.AssignmentBlock},
			wantErr: ErrNoMatch,
		},
		{
			name:    "unknown assignment",
			report:  &avl.AvlReport{VehicleId: "2901", Time: testServiceDate.Add(28860 * time.Second), Latitude: 45.0005, Longitude: -122.0, AssignmentId: "no-such-block", AssignmentType: avl.AssignmentBlock},
			wantErr: ErrNoMatch,
		},
		{
			name:    "no assignment",
			report:  &avl.AvlReport{VehicleId: "2901", Time: testServiceDate.Add(28860 * time.Second), Latitude: 45.0005, Longitude: -122.0},
			wantErr: ErrNoMatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := matcher.Match(tt.report, tt.prior)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Match() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Errorf("Match() unexpected error: %v", err)
				return
			}
			if got.Indices.StopPathIndex != tt.wantStopPathIndex {
				t.Errorf("Match() stopPathIndex = %d, want %d",
					got.Indices.StopPathIndex, tt.wantStopPathIndex)
			}
			if got.DeviationSeconds != tt.wantDeviation {
				t.Errorf("Match() deviation = %d, want %d", got.DeviationSeconds, tt.wantDeviation)
			}
		})
	}
}

func Test_Matcher_Match_isDeterministic(t *testing.T) {
	matcher := MakeMatcher(testModel(), testSettings())
	report := reportAt(45.0012, 28880)
	prior := &TemporalMatch{SpatialMatch: SpatialMatch{
		Indices: refmodel.Indices{BlockId: "9020", TripIndex: 0, StopPathIndex: 0},
	}}

	first, err := matcher.Match(report, prior)
	if err != nil {
		t.Fatalf("Match() unexpected error: %v", err)
	}
	second, err := matcher.Match(report, prior)
	if err != nil {
		t.Fatalf("Match() unexpected error: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Match() not deterministic: %v != %v", first, second)
	}
}

func Test_Matcher_Match_tieBreaksOnEarliestStopPath(t *testing.T) {
	is := is.New(t)
	matcher := MakeMatcher(testModel(), testSettings())

	//45.001 is both the end of stop path 0 and the start of stop path 1
	got, err := matcher.Match(reportAt(45.001, 28860), nil)
	is.NoErr(err)
	is.Equal(got.Indices.StopPathIndex, 0)
}

func Test_Matcher_Match_backwardTolerance(t *testing.T) {
	is := is.New(t)
	model := testModel()
	prior := &TemporalMatch{SpatialMatch: SpatialMatch{
		Indices: refmodel.Indices{
			BlockId: "9020", TripIndex: 0, StopPathIndex: 1, SegmentIndex: 0, SegmentDistance: 40,
		},
	}}
	//report projects roughly 29 meters behind the prior position
	report := reportAt(45.0011, 28900)

	withinTolerance := MakeMatcher(model, testSettings())
	got, err := withinTolerance.Match(report, prior)
	is.NoErr(err)
	is.Equal(got.Indices.StopPathIndex, 1)
	is.True(got.Indices.SegmentDistance < prior.Indices.SegmentDistance)

	tight := testSettings()
	tight.BackwardToleranceMeters = 5
	beyondTolerance := MakeMatcher(model, tight)
	_, err = beyondTolerance.Match(report, prior)
	is.True(errors.Is(err, ErrNoMatch))
}

func Test_Matcher_Match_backwardAcrossStopPathBoundary(t *testing.T) {
	is := is.New(t)
	model := testModel()
	//prior sits just past the stop boundary, at the start of stop path 1
	prior := &TemporalMatch{SpatialMatch: SpatialMatch{
		Indices: refmodel.Indices{
			BlockId: "9020", TripIndex: 0, StopPathIndex: 1, SegmentIndex: 0, SegmentDistance: 5,
		},
	}}
	//gps noise places the report back near the end of stop path 0
	report := reportAt(45.0009, 28850)

	got, err := MakeMatcher(model, testSettings()).Match(report, prior)
	is.NoErr(err)
	is.Equal(got.Indices.StopPathIndex, 0)

	//a tolerance smaller than the regression keeps the vehicle on stop path 1
	tight := testSettings()
	tight.BackwardToleranceMeters = 10
	got, err = MakeMatcher(model, tight).Match(report, prior)
	is.NoErr(err)
	is.Equal(got.Indices.StopPathIndex, 1)
}

func Test_Matcher_Match_scanWindowIsExact(t *testing.T) {
	is := is.New(t)
	model := testModel()
	settings := testSettings()
	settings.MaxStopPathsAhead = 1

	//the report sits on stop path 1, outside a one stop path window from the block start
	limited := MakeMatcher(model, settings)
	_, err := limited.Match(reportAt(45.0015, 28900), nil)
	is.True(errors.Is(err, ErrNoMatch))

	settings.MaxStopPathsAhead = 2
	wider := MakeMatcher(model, settings)
	got, err := wider.Match(reportAt(45.0015, 28900), nil)
	is.NoErr(err)
	is.Equal(got.Indices.StopPathIndex, 1)
}

func Test_Matcher_Match_distanceThresholdIsInclusive(t *testing.T) {
	is := is.New(t)
	model := testModel()
	report := reportAt(45.0005, 28830)
	report.Longitude = -122.0004

	wide, err := MakeMatcher(model, testSettings()).Match(report, nil)
	is.NoErr(err)
	is.True(wide.Distance > 0)

	//a threshold exactly at the report's distance still accepts it
	exact := testSettings()
	exact.MaxDistanceMeters = wide.Distance
	got, err := MakeMatcher(model, exact).Match(report, nil)
	is.NoErr(err)
	is.Equal(got.Indices.StopPathIndex, wide.Indices.StopPathIndex)
}

func Test_Matcher_Match_assignmentChangeResetsPrior(t *testing.T) {
	is := is.New(t)
	matcher := MakeMatcher(testModel(), testSettings())
	prior := &TemporalMatch{SpatialMatch: SpatialMatch{
		Indices: refmodel.Indices{BlockId: "9020", TripIndex: 0, StopPathIndex: 2},
	}}

	report := &avl.AvlReport{
		VehicleId:      "2901",
		Time:           testServiceDate.Add(28860 * time.Second),
		Latitude:       47.0005,
		Longitude:      -122.0,
		AssignmentId:   "9100",
		AssignmentType: avl.AssignmentBlock,
	}
	got, err := matcher.Match(report, prior)
	is.NoErr(err)
	is.Equal(got.Indices.BlockId, "9100")
	is.Equal(got.Indices.StopPathIndex, 0)
	is.Equal(got.TripId, "4100")
}

func Test_Matcher_Match_tripAssignment(t *testing.T) {
	is := is.New(t)
	matcher := MakeMatcher(testModel(), testSettings())
	report := reportAt(45.0005, 28830)
	report.AssignmentId = "4001"
	report.AssignmentType = avl.AssignmentTrip

	got, err := matcher.Match(report, nil)
	is.NoErr(err)
	is.Equal(got.Indices.BlockId, "9020")
}
