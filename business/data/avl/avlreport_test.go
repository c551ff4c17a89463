package avl

import (
	"strings"
	"testing"
	"time"

	"github.com/matryer/is"
)

func testBounds() ValidationBounds {
	return ValidationBounds{
		MinLatitude:     15.0,
		MaxLatitude:     55.0,
		MinLongitude:    -135.0,
		MaxLongitude:    -60.0,
		MaxSpeed:        31.3,
		MaxReportAge:    time.Hour * 24 * 365 * 10,
		MaxReportFuture: time.Minute * 5,
	}
}

func floatPtr(v float64) *float64 {
	return &v
}

func Test_AvlReport_Validate(t *testing.T) {
	now := time.Date(2023, 5, 22, 9, 30, 0, 0, time.UTC)
	goodTime := now.Add(-30 * time.Second)

	tests := []struct {
		name        string
		report      AvlReport
		wantProblem string
	}{
		{
			name: "valid report passes",
			report: AvlReport{
				VehicleId: "2901",
				Time:      goodTime,
				Latitude:  45.52,
				Longitude: -122.68,
				Speed:     floatPtr(11.2),
				Heading:   floatPtr(187),
			},
		},
		{
			name: "empty vehicle id",
			report: AvlReport{
				Time:      goodTime,
				Latitude:  45.52,
				Longitude: -122.68,
			},
			wantProblem: "vehicle id is empty",
		},
		{
			name: "gps time in the future",
			report: AvlReport{
				VehicleId: "2901",
				Time:      now.Add(10 * time.Minute),
				Latitude:  45.52,
				Longitude: -122.68,
			},
			wantProblem: "in the future",
		},
		{
			name: "gps time implausibly old",
			report: AvlReport{
				VehicleId: "2901",
				Time:      now.AddDate(-11, 0, 0),
				Latitude:  45.52,
				Longitude: -122.68,
			},
			wantProblem: "older than",
		},
		{
			name: "latitude outside bounds",
			report: AvlReport{
				VehicleId: "2901",
				Time:      goodTime,
				Latitude:  61.2,
				Longitude: -122.68,
			},
			wantProblem: "latitude",
		},
		{
			name: "longitude outside bounds",
			report: AvlReport{
				VehicleId: "2901",
				Time:      goodTime,
				Latitude:  45.52,
				Longitude: 2.35,
			},
			wantProblem: "longitude",
		},
		{
			name: "speed over maximum",
			report: AvlReport{
				VehicleId: "2901",
				Time:      goodTime,
				Latitude:  45.52,
				Longitude: -122.68,
				Speed:     floatPtr(45.0),
			},
			wantProblem: "maximum allowable speed",
		},
		{
			name: "negative speed",
			report: AvlReport{
				VehicleId: "2901",
				Time:      goodTime,
				Latitude:  45.52,
				Longitude: -122.68,
				Speed:     floatPtr(-1.0),
			},
			wantProblem: "negative",
		},
		{
			name: "heading out of range",
			report: AvlReport{
				VehicleId: "2901",
				Time:      goodTime,
				Latitude:  45.52,
				Longitude: -122.68,
				Heading:   floatPtr(360),
			},
			wantProblem: "heading",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.report.Validate(testBounds(), now)
			if tt.wantProblem == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Errorf("Validate() expected problem containing %q, got nil", tt.wantProblem)
				return
			}
			vErr, ok := err.(*ValidationError)
			if !ok {
				t.Errorf("Validate() expected *ValidationError, got %T", err)
				return
			}
			if !strings.Contains(vErr.Error(), tt.wantProblem) {
				t.Errorf("Validate() = %q, want problem containing %q", vErr.Error(), tt.wantProblem)
			}
		})
	}
}

func Test_AvlReport_Validate_collectsAllProblems(t *testing.T) {
	is := is.New(t)
	now := time.Date(2023, 5, 22, 9, 30, 0, 0, time.UTC)
	report := AvlReport{
		Time:      now.Add(10 * time.Minute),
		Latitude:  61.2,
		Longitude: 2.35,
		Speed:     floatPtr(45.0),
	}
	err := report.Validate(testBounds(), now)
	is.True(err != nil)
	vErr, ok := err.(*ValidationError)
	is.True(ok)
	is.Equal(len(vErr.Problems), 5)
}

func Test_AvlReport_StampProcessed_onlyOnce(t *testing.T) {
	is := is.New(t)
	report := AvlReport{VehicleId: "2901", Time: time.Now()}
	first := time.Date(2023, 5, 22, 9, 30, 0, 0, time.UTC)
	report.StampProcessed(first)
	report.StampProcessed(first.Add(time.Minute))
	is.Equal(*report.TimeProcessed, first)
}

func Test_AvlReport_UsableHeading(t *testing.T) {
	is := is.New(t)
	heading := 187.0
	slow := 0.5
	fast := 11.2

	report := AvlReport{Heading: &heading, Speed: &slow}
	is.True(report.UsableHeading(1.5) == nil)

	report.Speed = &fast
	is.Equal(*report.UsableHeading(1.5), heading)

	//absent speed trusts the heading
	report.Speed = nil
	is.Equal(*report.UsableHeading(1.5), heading)
}
