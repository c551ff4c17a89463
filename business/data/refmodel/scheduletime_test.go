package refmodel

import (
	"reflect"
	"testing"
	"time"
)

func TestMakeScheduleTime(t *testing.T) {
	location, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Errorf("Unable to get testing time zone location")
		return
	}
	type args struct {
		timeAt12        time.Time
		scheduleSeconds int
	}
	tests := []struct {
		name string
		args args
		want time.Time
	}{
		{
			name: "12am",
			args: args{
				timeAt12:        time.Date(2023, 1, 9, 0, 0, 0, 0, location),
				scheduleSeconds: 0,
			},
			want: time.Date(2023, 1, 9, 0, 0, 0, 0, location),
		},
		{
			name: "12pm",
			args: args{
				timeAt12:        time.Date(2023, 1, 9, 0, 0, 0, 0, location),
				scheduleSeconds: 43200,
			},
			want: time.Date(2023, 1, 9, 12, 0, 0, 0, location),
		},
		{
			name: "8am on spring forward day",
			args: args{
				timeAt12:        time.Date(2023, 3, 12, 0, 0, 0, 0, location),
				scheduleSeconds: 28800,
			},
			want: time.Date(2023, 3, 12, 8, 0, 0, 0, location),
		},
		{
			name: "12:30pm on fall back day",
			args: args{
				timeAt12:        time.Date(2023, 11, 5, 0, 0, 0, 0, location),
				scheduleSeconds: 45000,
			},
			want: time.Date(2023, 11, 5, 12, 30, 0, 0, location),
		},
		{
			name: "25 hour schedule second runs into the next day",
			args: args{
				timeAt12:        time.Date(2023, 1, 9, 0, 0, 0, 0, location),
				scheduleSeconds: 25 * 60 * 60,
			},
			want: time.Date(2023, 1, 10, 1, 0, 0, 0, location),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MakeScheduleTime(tt.args.timeAt12, tt.args.scheduleSeconds); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("MakeScheduleTime() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScheduleSecondsAt(t *testing.T) {
	location, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Errorf("Unable to get testing time zone location")
		return
	}
	//round trips with MakeScheduleTime, including across the spring forward transition
	serviceDates := []time.Time{
		time.Date(2023, 1, 9, 0, 0, 0, 0, location),
		time.Date(2023, 3, 12, 0, 0, 0, 0, location),
		time.Date(2023, 11, 5, 0, 0, 0, 0, location),
	}
	scheduleSeconds := []int{0, 28800, 45000, 26 * 60 * 60}
	for _, serviceDate := range serviceDates {
		for _, seconds := range scheduleSeconds {
			at := MakeScheduleTime(serviceDate, seconds)
			if got := ScheduleSecondsAt(serviceDate, at); got != seconds {
				t.Errorf("ScheduleSecondsAt(%v, %v) = %d, want %d", serviceDate, at, got, seconds)
			}
		}
	}
}

func TestServiceDateAt(t *testing.T) {
	location, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Errorf("Unable to get testing time zone location")
		return
	}
	tests := []struct {
		name string
		give time.Time
		want time.Time
	}{
		{
			name: "midday belongs to its own day",
			give: time.Date(2023, 5, 22, 12, 0, 0, 0, location),
			want: time.Date(2023, 5, 22, 0, 0, 0, 0, location),
		},
		{
			name: "3am belongs to the previous service day",
			give: time.Date(2023, 5, 22, 3, 0, 0, 0, location),
			want: time.Date(2023, 5, 21, 0, 0, 0, 0, location),
		},
		{
			name: "6am starts a new service day",
			give: time.Date(2023, 5, 22, 6, 0, 0, 0, location),
			want: time.Date(2023, 5, 22, 0, 0, 0, 0, location),
		},
		{
			name: "5:59:59am still on the previous service day",
			give: time.Date(2023, 5, 22, 5, 59, 59, 0, location),
			want: time.Date(2023, 5, 21, 0, 0, 0, 0, location),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ServiceDateAt(tt.give); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ServiceDateAt() = %v, want %v", got, tt.want)
			}
		})
	}
}
