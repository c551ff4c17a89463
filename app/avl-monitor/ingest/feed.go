package ingest

import (
	"errors"
	"log"
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"github.com/opentransit/avlcast/business/data/avl"
	"github.com/opentransit/avlcast/foundation/httpclient"
)

// FeedPoller polls a GTFS-realtime VehiclePositions feed and submits each entity as
// an AvlReport.
type FeedPoller struct {
	log       *log.Logger
	url       string
	source    string
	client    *httpclient.Client
	processor *Processor

	//validators from the last successful fetch, so unchanged feeds are skipped
	lastFetch *httpclient.FetchState
}

func MakeFeedPoller(log *log.Logger, url string, source string, processor *Processor) *FeedPoller {
	return &FeedPoller{
		log:       log,
		url:       url,
		source:    source,
		client:    httpclient.MakeClient(30 * time.Second),
		processor: processor,
	}
}

// RunLoop polls the feed every loopEverySeconds until shutdown closes, subtracting
// the time each poll took so polls stay on cadence.
func (f *FeedPoller) RunLoop(loopEverySeconds int, shutdown chan struct{}) error {
	loopDuration := time.Duration(loopEverySeconds) * time.Second

	sleepChan := make(chan bool)
	sleep := time.Duration(0) //sleep for zero seconds the first time

	for {
		go func() {
			time.Sleep(sleep)
			sleepChan <- true
		}()

		select {
		case <-shutdown:
			f.log.Printf("Exiting feed poller on shutdown signal")
			return nil
		case <-sleepChan:
			break
		}

		//set default sleep for next loop in the event of an error after continue statements
		sleep = loopDuration

		// mark the time we start working
		start := time.Now()

		if err := f.PollOnce(); err != nil {
			f.log.Printf("error attempting to poll vehicle positions. error:%v\n", err)
			continue
		}

		// attempt to run the loop every loopEverySeconds by subtracting the time it took
		// to perform the work
		workTook := time.Now().Sub(start)
		if workTook >= loopDuration {
			sleep = time.Duration(0)
		} else {
			sleep = loopDuration - workTook
		}
	}
}

// PollOnce fetches the feed once and submits every decodable vehicle position. A feed
// that has not changed since the last poll is skipped without decoding.
func (f *FeedPoller) PollOnce() error {
	result, err := f.client.Fetch(f.url, f.lastFetch)
	if err != nil {
		return err
	}
	if result == nil {
		f.log.Printf("vehicle positions unchanged since last poll")
		return nil
	}
	f.lastFetch = &result.State

	var feed gtfsrtpb.FeedMessage
	if err = proto.Unmarshal(result.Body, &feed); err != nil {
		return err
	}
	reports := 0
	queueFull := 0
	for _, entity := range feed.Entity {
		report := f.makeReport(entity)
		if report == nil {
			continue
		}
		if err = f.processor.Submit(report); err != nil {
			if errors.Is(err, ErrQueueFull) {
				queueFull++
			}
			continue
		}
		reports++
	}
	f.log.Printf("submitted %d vehicle positions", reports)
	if queueFull > 0 {
		f.log.Printf("%d vehicle positions rejected, ingest queues full", queueFull)
	}
	return nil
}

// makeReport converts one feed entity to an AvlReport, or nil when the entity carries
// no usable vehicle position.
func (f *FeedPoller) makeReport(entity *gtfsrtpb.FeedEntity) *avl.AvlReport {
	vehicle := entity.Vehicle
	if vehicle == nil || vehicle.Position == nil || vehicle.Vehicle == nil ||
		vehicle.Vehicle.Id == nil || vehicle.Timestamp == nil {
		return nil
	}
	report := &avl.AvlReport{
		VehicleId: *vehicle.Vehicle.Id,
		Time:      time.Unix(int64(*vehicle.Timestamp), 0),
		Latitude:  float64(vehicle.Position.GetLatitude()),
		Longitude: float64(vehicle.Position.GetLongitude()),
		Source:    f.source,
	}
	if vehicle.Position.Speed != nil {
		speed := float64(*vehicle.Position.Speed)
		report.Speed = &speed
	}
	if vehicle.Position.Bearing != nil {
		heading := float64(*vehicle.Position.Bearing)
		report.Heading = &heading
	}
	if vehicle.Trip != nil && vehicle.Trip.TripId != nil {
		report.AssignmentId = *vehicle.Trip.TripId
		report.AssignmentType = avl.AssignmentTrip
	}
	return report
}
