package pipeline

import (
	"log"
	"time"
)

// RunPeriodic runs work every loopEverySeconds until shutdown closes, subtracting the
// time each pass took from the next sleep so passes stay on cadence. shutdown must be
// closed, not sent to, so every loop sharing it stops.
func RunPeriodic(log *log.Logger, name string, loopEverySeconds int,
	shutdown chan struct{}, work func(now time.Time)) {

	loopDuration := time.Duration(loopEverySeconds) * time.Second

	sleepChan := make(chan bool)
	sleep := time.Duration(0) //run immediately the first time

	for {
		go func() {
			time.Sleep(sleep)
			sleepChan <- true
		}()

		select {
		case <-shutdown:
			log.Printf("Exiting %s loop on shutdown signal", name)
			return
		case <-sleepChan:
			break
		}

		start := time.Now()
		work(start)

		// if the work took longer than loopEverySeconds don't sleep at all on the next loop
		workTook := time.Now().Sub(start)
		if workTook >= loopDuration {
			sleep = time.Duration(0)
		} else {
			sleep = loopDuration - workTook
		}
	}
}
