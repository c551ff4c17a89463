package refmodel

import (
	"testing"
	"time"

	"github.com/matryer/is"
)

func indicesTestModel() *Model {
	tripOne := &Trip{
		TripId:  "4001",
		BlockId: "9020",
		StopPaths: []*StopPath{
			{
				TripId: "4001", StopPathIndex: 0, StopId: "stop-a", Length: 100,
				Points: []Point{
					{Lat: 45.000, Lon: -122.0, DistAlong: 0},
					{Lat: 45.0005, Lon: -122.0, DistAlong: 60},
					{Lat: 45.0009, Lon: -122.0, DistAlong: 100},
				},
			},
			{
				TripId: "4001", StopPathIndex: 1, StopId: "stop-b", Length: 50,
				Points: []Point{
					{Lat: 45.0009, Lon: -122.0, DistAlong: 0},
					{Lat: 45.0013, Lon: -122.0, DistAlong: 50},
				},
			},
		},
	}
	tripTwo := &Trip{
		TripId:  "4002",
		BlockId: "9020",
		StopPaths: []*StopPath{
			{
				TripId: "4002", StopPathIndex: 0, StopId: "stop-a", Length: 100,
				Points: []Point{
					{Lat: 45.0013, Lon: -122.0, DistAlong: 0},
					{Lat: 45.0022, Lon: -122.0, DistAlong: 100},
				},
			},
		},
	}
	blocks := []*Block{{BlockId: "9020", Trips: []*Trip{tripOne, tripTwo}}}
	return MakeModel(1, time.Date(2023, 5, 22, 0, 0, 0, 0, time.UTC), blocks)
}

func TestIndices_Cmp(t *testing.T) {
	base := Indices{BlockId: "9020", TripIndex: 0, StopPathIndex: 1, SegmentIndex: 0, SegmentDistance: 20}
	tests := []struct {
		name  string
		give  Indices
		other Indices
		want  int
	}{
		{
			name:  "equal positions",
			give:  base,
			other: base,
			want:  0,
		},
		{
			name:  "later trip wins",
			give:  Indices{BlockId: "9020", TripIndex: 1},
			other: base,
			want:  1,
		},
		{
			name:  "later stop path wins within a trip",
			give:  base,
			other: Indices{BlockId: "9020", TripIndex: 0, StopPathIndex: 0, SegmentIndex: 1, SegmentDistance: 39},
			want:  1,
		},
		{
			name:  "segment distance breaks the tie",
			give:  base,
			other: Indices{BlockId: "9020", TripIndex: 0, StopPathIndex: 1, SegmentIndex: 0, SegmentDistance: 30},
			want:  -1,
		},
		{
			name:  "different blocks never compare",
			give:  Indices{BlockId: "9100", TripIndex: 3},
			other: base,
			want:  0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.give.Cmp(tt.other); got != tt.want {
				t.Errorf("Cmp() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestIndices_IsAheadOf(t *testing.T) {
	is := is.New(t)
	behind := Indices{BlockId: "9020", TripIndex: 0, StopPathIndex: 0, SegmentIndex: 1, SegmentDistance: 10}
	ahead := Indices{BlockId: "9020", TripIndex: 0, StopPathIndex: 1, SegmentIndex: 0, SegmentDistance: 20}
	is.True(ahead.IsAheadOf(behind))
	is.True(!behind.IsAheadOf(ahead))
	is.True(!ahead.IsAheadOf(ahead))
}

func TestIndices_DistanceAlongTrip(t *testing.T) {
	model := indicesTestModel()
	tests := []struct {
		name   string
		give   Indices
		want   float64
		wantOk bool
	}{
		{
			name:   "start of the trip",
			give:   Indices{BlockId: "9020", TripIndex: 0},
			want:   0,
			wantOk: true,
		},
		{
			name:   "into the second segment of the first stop path",
			give:   Indices{BlockId: "9020", TripIndex: 0, StopPathIndex: 0, SegmentIndex: 1, SegmentDistance: 10},
			want:   70,
			wantOk: true,
		},
		{
			name:   "second stop path accumulates prior lengths",
			give:   Indices{BlockId: "9020", TripIndex: 0, StopPathIndex: 1, SegmentIndex: 0, SegmentDistance: 20},
			want:   120,
			wantOk: true,
		},
		{
			name:   "unknown block",
			give:   Indices{BlockId: "none", TripIndex: 0},
			wantOk: false,
		},
		{
			name:   "stop path index out of range",
			give:   Indices{BlockId: "9020", TripIndex: 0, StopPathIndex: 5},
			wantOk: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.give.DistanceAlongTrip(model)
			if ok != tt.wantOk {
				t.Errorf("DistanceAlongTrip() ok = %v, want %v", ok, tt.wantOk)
				return
			}
			if ok && got != tt.want {
				t.Errorf("DistanceAlongTrip() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIndices_BackwardDistance(t *testing.T) {
	model := indicesTestModel()
	prior := Indices{BlockId: "9020", TripIndex: 0, StopPathIndex: 1, SegmentIndex: 0, SegmentDistance: 20}
	tests := []struct {
		name string
		give Indices
		want float64
	}{
		{
			name: "regressed to the previous stop path",
			give: Indices{BlockId: "9020", TripIndex: 0, StopPathIndex: 0, SegmentIndex: 1, SegmentDistance: 10},
			want: 50,
		},
		{
			name: "at the prior position",
			give: prior,
			want: 0,
		},
		{
			name: "ahead of the prior position",
			give: Indices{BlockId: "9020", TripIndex: 0, StopPathIndex: 1, SegmentIndex: 0, SegmentDistance: 45},
			want: 0,
		},
		{
			name: "a new trip is never regression",
			give: Indices{BlockId: "9020", TripIndex: 1},
			want: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.give.BackwardDistance(prior, model); got != tt.want {
				t.Errorf("BackwardDistance() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTrip_InterpolatedScheduleSeconds(t *testing.T) {
	trip := &Trip{
		TripId:    "4001",
		StartTime: 28800,
		StopPaths: []*StopPath{
			{StopPathIndex: 0, Length: 100, ScheduledArrival: 28900, ScheduledDeparture: 28910},
			{StopPathIndex: 1, Length: 50, ScheduledArrival: 29010, ScheduledDeparture: 29020},
		},
	}
	tests := []struct {
		name             string
		stopPathIndex    int
		distanceIntoPath float64
		want             int
	}{
		{
			name:          "start of the first stop path is the trip start",
			stopPathIndex: 0,
			want:          28800,
		},
		{
			name:             "halfway along the first stop path",
			stopPathIndex:    0,
			distanceIntoPath: 50,
			want:             28850,
		},
		{
			name:             "second stop path anchors on the previous departure",
			stopPathIndex:    1,
			distanceIntoPath: 25,
			want:             28960,
		},
		{
			name:             "distance past the end clamps to the arrival",
			stopPathIndex:    1,
			distanceIntoPath: 500,
			want:             29010,
		},
		{
			//a GPS projection lands a hair short of the stop; the scheduled time must
			//round to the arrival, not truncate a second below it
			name:             "near the end rounds to the nearest second",
			stopPathIndex:    0,
			distanceIntoPath: 99.9999,
			want:             28900,
		},
		{
			name:          "out of range index falls back to the trip start",
			stopPathIndex: 9,
			want:          28800,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := trip.InterpolatedScheduleSeconds(tt.stopPathIndex, tt.distanceIntoPath); got != tt.want {
				t.Errorf("InterpolatedScheduleSeconds() = %d, want %d", got, tt.want)
			}
		})
	}
}
