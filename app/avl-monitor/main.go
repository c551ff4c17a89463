package main

import (
	"fmt"
	logger "log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ardanlabs/conf"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/opentransit/avlcast/app/avl-monitor/api"
	"github.com/opentransit/avlcast/app/avl-monitor/events"
	"github.com/opentransit/avlcast/app/avl-monitor/fleet"
	"github.com/opentransit/avlcast/app/avl-monitor/ingest"
	"github.com/opentransit/avlcast/app/avl-monitor/match"
	"github.com/opentransit/avlcast/app/avl-monitor/pipeline"
	"github.com/opentransit/avlcast/app/avl-monitor/predict"
	"github.com/opentransit/avlcast/app/avl-monitor/statcache"
	"github.com/opentransit/avlcast/business/data/avl"
	"github.com/opentransit/avlcast/business/data/refmodel"
	"github.com/opentransit/avlcast/foundation/database"
	"github.com/opentransit/avlcast/foundation/metrics"
)

var build = "develop"

type appConfig struct {
	conf.Version
	Args conf.Args
	DB   struct {
		User       string `conf:"default:postgres"`
		Password   string `conf:"default:postgres,noprint"`
		Host       string `conf:"default:0.0.0.0"`
		Port       int    `conf:"default:5432"`
		Name       string `conf:"default:postgres"`
		DisableTLS bool   `conf:"default:true"`
	}
	NATS struct {
		Url     string `conf:"default:nats://127.0.0.1:4222"`
		Enabled bool   `conf:"default:true"`
	}
	Feed struct {
		VehiclePositionsUrl string `conf:"default:https://developer.trimet.org/ws/V1/VehiclePositions"`
		Source              string `conf:"default:gtfs-rt"`
		LoadEverySeconds    int    `conf:"default:5" validate:"gte=1"`
	}
	Ingest struct {
		Workers                       int     `conf:"default:8" validate:"gte=1"`
		QueueSize                     int     `conf:"default:256" validate:"gte=1"`
		MinLatitude                   float64 `conf:"default:15.0"`
		MaxLatitude                   float64 `conf:"default:55.0"`
		MinLongitude                  float64 `conf:"default:-135.0"`
		MaxLongitude                  float64 `conf:"default:-60.0"`
		MaxSpeedMetersPerSecond       float64 `conf:"default:31.3" validate:"gt=0"`
		MaxReportAgeYears             int     `conf:"default:10" validate:"gte=1"`
		MaxReportFutureMinutes        int     `conf:"default:5" validate:"gte=1"`
		MinSpeedForValidHeading       float64 `conf:"default:1.5"`
		UnpredictableAssignmentsRegEx string  `conf:"default:"`
	}
	Match struct {
		MaxStopPathsAhead       int     `conf:"default:999" validate:"gte=1"`
		MaxDistanceMeters       float64 `conf:"default:60.0" validate:"gt=0"`
		BackwardToleranceMeters float64 `conf:"default:50.0" validate:"gte=0"`
	}
	Sink struct {
		QueueSize     int `conf:"default:1024" validate:"gte=1"`
		MaxWaitMillis int `conf:"default:250" validate:"gte=0"`
	}
	Predict struct {
		Variant                 string  `conf:"default:kalman" validate:"oneof=kalman average schedule"`
		KalmanInitialVariance   float64 `conf:"default:1000.0" validate:"gt=0"`
		KalmanObservationVar    float64 `conf:"default:120.0" validate:"gt=0"`
		KalmanDecayAfterHours   int     `conf:"default:24" validate:"gte=1"`
		KalmanDecayVariance     float64 `conf:"default:60.0"`
		SchedBeforeStartMinutes int     `conf:"default:10" validate:"gte=1"`
		SchedTimeoutMinutes     int     `conf:"default:20" validate:"gte=1"`
		SweepEverySeconds       int     `conf:"default:60" validate:"gte=1"`
		UseServiceBuckets       bool    `conf:"default:true"`
		HoldingTimeTTLMinutes   int     `conf:"default:30" validate:"gte=1"`
		HistoryDays             int     `conf:"default:14" validate:"gte=0"`
		RepopulateEveryHours    int     `conf:"default:24" validate:"gte=1"`
	}
	Web struct {
		HttpPort    int    `conf:"default:8723"`
		MetricsAddr string `conf:"default:0.0.0.0:9203"`
	}
}

func main() {
	log := logger.New(os.Stdout, "AVL_MONITOR : ", logger.LstdFlags|logger.Lmicroseconds|logger.Lshortfile)
	if err := run(log); err != nil {
		log.Printf("main: error: %v", err)
		os.Exit(1)
	}
}

func run(log *logger.Logger) error {

	//local development drops overrides in a .env file, missing is fine
	if err := godotenv.Load(); err == nil {
		log.Printf("main: loaded environment from .env")
	}

	var cfg appConfig
	cfg.Version.SVN = build
	cfg.Version.Desc = "Realtime AVL vehicle state and prediction pipeline"
	const prefix = "AVL"
	if err := conf.Parse(os.Args[1:], prefix, &cfg); err != nil {
		switch err {
		case conf.ErrHelpWanted:
			usage, err := conf.Usage(prefix, &cfg)
			if err != nil {
				return fmt.Errorf("generating config usage: %w", err)
			}
			fmt.Println(usage)
			return nil
		case conf.ErrVersionWanted:
			version, err := conf.VersionString(prefix, &cfg)
			if err != nil {
				return fmt.Errorf("generating config version: %w", err)
			}
			fmt.Println(version)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	// =========================================================================
	// App Starting

	log.Printf("main : Started : Application initializing : version %s", build)
	defer log.Println("main: Completed")

	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Printf("main: Config :\n%v\n", out)

	// =========================================================================
	// Start Database

	log.Println("main: Initializing database support")

	db, err := database.Open(database.Config{
		User:       cfg.DB.User,
		Password:   cfg.DB.Password,
		Host:       cfg.DB.Host,
		Port:       cfg.DB.Port,
		Name:       cfg.DB.Name,
		DisableTLS: cfg.DB.DisableTLS,
	})
	if err != nil {
		return fmt.Errorf("connecting to db: %w", err)
	}
	defer func() {
		log.Printf("main: Database Stopping : %s", cfg.DB.Host)
		if err = db.Close(); err != nil {
			log.Printf("main: error closing database: %v", err)
		}
	}()

	// =========================================================================
	// Connect NATS

	var natsConn *nats.Conn
	if cfg.NATS.Enabled {
		natsConn, err = nats.Connect(cfg.NATS.Url)
		if err != nil {
			return fmt.Errorf("connecting to nats at %s: %w", cfg.NATS.Url, err)
		}
		defer natsConn.Close()
		log.Printf("main: connected to nats at %s", cfg.NATS.Url)
	}

	// =========================================================================
	// Load reference model

	now := time.Now()
	model, err := refmodel.LoadModel(db, now)
	if err != nil {
		return fmt.Errorf("loading reference model: %w", err)
	}
	log.Printf("main: loaded reference model revision %d with %d blocks for service date %s",
		model.RevisionId, len(model.Blocks()), model.ServiceDate.Format("2006-01-02"))

	// =========================================================================
	// Build the pipeline

	m := metrics.NewCollector()
	metricsSrv := m.Serve(log, cfg.Web.MetricsAddr)

	var calendar *refmodel.ServiceCalendar
	if cfg.Predict.UseServiceBuckets {
		calendar = refmodel.MakeServiceCalendar()
	}

	scheduleAverages := statcache.MakeAverageCache(model.RevisionId, calendar)
	frequencyAverages := statcache.MakeAverageCache(model.RevisionId, calendar)
	kalmanSettings := statcache.KalmanSettings{
		InitialVariance:     cfg.Predict.KalmanInitialVariance,
		ObservationVariance: cfg.Predict.KalmanObservationVar,
		DecayAfter:          time.Duration(cfg.Predict.KalmanDecayAfterHours) * time.Hour,
		DecayVariance:       cfg.Predict.KalmanDecayVariance,
	}
	kalman := statcache.MakeKalmanErrorCache(model.RevisionId, kalmanSettings)
	holding := statcache.MakeHoldingTimeCache(model.RevisionId,
		time.Duration(cfg.Predict.HoldingTimeTTLMinutes)*time.Minute)

	populateCaches := func(asOf time.Time) *statcache.Extractor {
		if cfg.Predict.HistoryDays == 0 {
			return nil
		}
		from := asOf.AddDate(0, 0, -cfg.Predict.HistoryDays)
		replayed, err := statcache.PopulateFromHistory(db, model, scheduleAverages,
			frequencyAverages, kalman, holding, from, asOf)
		if err != nil {
			log.Printf("main: cache population failed: %v", err)
			return nil
		}
		log.Printf("main: caches populated from %d days of history: %d averages, %d kalman entries",
			cfg.Predict.HistoryDays, scheduleAverages.Len()+frequencyAverages.Len(), kalman.Len())
		return replayed
	}
	replayed := populateCaches(now)

	store := fleet.MakeStore(log)
	matcher := match.MakeMatcher(model, match.Settings{
		MaxStopPathsAhead:       cfg.Match.MaxStopPathsAhead,
		MaxDistanceMeters:       cfg.Match.MaxDistanceMeters,
		BackwardToleranceMeters: cfg.Match.BackwardToleranceMeters,
	})
	sink := events.MakeSink(log, m, db, natsConn, cfg.Sink.QueueSize,
		time.Duration(cfg.Sink.MaxWaitMillis)*time.Millisecond)
	pipe := pipeline.MakePipeline(log, m, model, matcher, store, events.MakeGenerator(model),
		sink, scheduleAverages, frequencyAverages, kalman, holding)
	pipe.AdoptExtractor(replayed)

	processor, err := ingest.MakeProcessor(log, m, ingest.Settings{
		Workers:   cfg.Ingest.Workers,
		QueueSize: cfg.Ingest.QueueSize,
		Bounds: avl.ValidationBounds{
			MinLatitude:     cfg.Ingest.MinLatitude,
			MaxLatitude:     cfg.Ingest.MaxLatitude,
			MinLongitude:    cfg.Ingest.MinLongitude,
			MaxLongitude:    cfg.Ingest.MaxLongitude,
			MaxSpeed:        cfg.Ingest.MaxSpeedMetersPerSecond,
			MaxReportAge:    time.Duration(cfg.Ingest.MaxReportAgeYears) * 365 * 24 * time.Hour,
			MaxReportFuture: time.Duration(cfg.Ingest.MaxReportFutureMinutes) * time.Minute,
		},
		MinSpeedForValidHeading:       cfg.Ingest.MinSpeedForValidHeading,
		UnpredictableAssignmentsRegEx: cfg.Ingest.UnpredictableAssignmentsRegEx,
	}, pipe.HandleReport)
	if err != nil {
		return fmt.Errorf("building ingest processor: %w", err)
	}

	engine, err := predict.MakeEngine(log, m, cfg.Predict.Variant, model,
		scheduleAverages, frequencyAverages, kalman, calendar)
	if err != nil {
		return fmt.Errorf("building prediction engine: %w", err)
	}

	sweep := predict.MakeSchedVehicleSweep(log, model, store, predict.SchedSettings{
		BeforeStart: time.Duration(cfg.Predict.SchedBeforeStartMinutes) * time.Minute,
		Timeout:     time.Duration(cfg.Predict.SchedTimeoutMinutes) * time.Minute,
	}, processor.Submit)

	// =========================================================================
	// Start supporting services

	shutdown := make(chan struct{})
	wg := sync.WaitGroup{}

	go api.RunWebService(log, &wg, store, engine, api.Caches{
		ScheduleAverages:  scheduleAverages,
		FrequencyAverages: frequencyAverages,
		Kalman:            kalman,
		Holding:           holding,
	}, cfg.Web.HttpPort, shutdown)

	if natsConn != nil {
		go api.RunCommandListener(log, &wg, natsConn, store, shutdown)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		pipeline.RunPeriodic(log, "schedule vehicle sweep", cfg.Predict.SweepEverySeconds,
			shutdown, sweep.Sweep)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		pipeline.RunPeriodic(log, "cache repopulation", cfg.Predict.RepopulateEveryHours*3600,
			shutdown, func(now time.Time) {
				//the live pipeline keeps its own extractor; the replay one is discarded
				populateCaches(now)
			})
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		staleAfter := time.Duration(cfg.Feed.LoadEverySeconds*10) * time.Second
		pipeline.RunPeriodic(log, "state expiry check", 300, shutdown, func(now time.Time) {
			stale := 0
			for _, vs := range store.SnapshotAll() {
				if now.Sub(vs.LastUpdated) > staleAfter {
					stale++
				}
			}
			if stale > 0 {
				log.Printf("%d of %d vehicles have not reported in over %s",
					stale, store.VehicleCount(), staleAfter)
			}
		})
	}()

	// =========================================================================
	// Run the feed poller until shutdown

	poller := ingest.MakeFeedPoller(log, cfg.Feed.VehiclePositionsUrl, cfg.Feed.Source, processor)

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		log.Printf("main: received %v, shutting down", sig)
		close(shutdown)
	}()

	err = poller.RunLoop(cfg.Feed.LoadEverySeconds, shutdown)

	wg.Wait()
	processor.Shutdown()
	sink.Shutdown()
	if shutdownErr := metricsSrv.Close(); shutdownErr != nil {
		log.Printf("main: error closing metrics server: %v", shutdownErr)
	}
	return err
}
