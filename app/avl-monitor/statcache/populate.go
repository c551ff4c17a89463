package statcache

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/opentransit/avlcast/business/data/avl"
	"github.com/opentransit/avlcast/business/data/refmodel"
)

// PopulateFromHistory rebuilds every statistics cache from the durable event history
// between from and to in a single scan, routing each travel observation to the
// schedule or frequency average cache by trip type the same way live consumption
// does. The extractor that replayed the history is returned so the live pipeline can
// adopt it and pair its first live event with the last replayed one.
func PopulateFromHistory(db *sqlx.DB, model *refmodel.Model,
	scheduleAverages *AverageCache, frequencyAverages *AverageCache,
	kalman *KalmanErrorCache, holding *HoldingTimeCache,
	from time.Time, to time.Time) (*Extractor, error) {

	//one extractor spans all windows so stop pairs crossing a window boundary still
	//produce observations
	extractor := MakeExtractor()
	for windowStart := from; windowStart.Before(to); windowStart = windowStart.AddDate(0, 0, 1) {
		windowEnd := windowStart.AddDate(0, 0, 1)
		if windowEnd.After(to) {
			windowEnd = to
		}
		events, err := avl.GetArrivalDeparturesBetween(db, model.RevisionId, windowStart, windowEnd)
		if err != nil {
			return nil, fmt.Errorf("unable to load history window %s: %w",
				windowStart.Format("2006-01-02"), err)
		}
		for _, event := range events {
			if err = foldHistoricalEvent(model, scheduleAverages, frequencyAverages,
				kalman, holding, event, extractor); err != nil {
				return nil, err
			}
		}
	}
	return extractor, nil
}

// foldHistoricalEvent folds one replayed event into the caches with the same routing
// the live pipeline applies to freshly generated events.
func foldHistoricalEvent(model *refmodel.Model,
	scheduleAverages *AverageCache, frequencyAverages *AverageCache,
	kalman *KalmanErrorCache, holding *HoldingTimeCache,
	event *avl.ArrivalDeparture, x *Extractor) error {

	travel, dwell := x.Consume(event)
	if travel != nil {
		averages := scheduleAverages
		if trip := model.Trip(travel.TripId); trip != nil && !trip.ScheduleBased {
			averages = frequencyAverages
		}
		if err := averages.ObserveTravel(model.RevisionId, travel); err != nil {
			return err
		}
		if err := kalman.ObserveTravel(model.RevisionId, travel); err != nil {
			return err
		}
	}
	if dwell != nil {
		return holding.ObserveDwell(model.RevisionId, dwell)
	}
	return nil
}
