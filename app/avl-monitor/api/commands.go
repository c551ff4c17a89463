package api

import (
	"encoding/json"
	logger "log"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/opentransit/avlcast/app/avl-monitor/fleet"
)

const (
	//CommandSubjectPrefix is the wildcard subject operator commands arrive on
	CommandSubjectPrefix = "avlcast.command"

	commandSetVehicleUnpredictable = "avlcast.command.setVehicleUnpredictable"
	commandCancelTrip              = "avlcast.command.cancelTrip"
	commandReenableTrip            = "avlcast.command.reenableTrip"
)

// vehicleCommand is the payload for setVehicleUnpredictable.
type vehicleCommand struct {
	VehicleId string `json:"vehicle_id"`
	Reason    string `json:"reason"`
}

// tripCommand is the payload for cancelTrip and reenableTrip.
type tripCommand struct {
	TripId    string `json:"trip_id"`
	StartTime string `json:"start_time"`
}

//RunCommandListener listens on NATS for operator commands and applies them to the
//vehicle state store. Terminates on shutdown signal.
func RunCommandListener(log *logger.Logger,
	wg *sync.WaitGroup,
	natsConn *nats.Conn,
	store *fleet.Store,
	shutdown chan struct{}) {
	wg.Add(1)
	defer wg.Done()

	ch := make(chan *nats.Msg, 64)
	subject := CommandSubjectPrefix + ".>"
	log.Printf("Subscribing to %s on nats: %v\n", subject, natsConn.Servers())
	sub, err := natsConn.ChanSubscribe(subject, ch)
	if err != nil {
		log.Printf("Unable to establish subscription to nats server: %v\n", err)
		return
	}

	for {
		select {
		case msg := <-ch:
			handleCommand(log, store, msg)
			break
		case <-shutdown:
			log.Printf("ending command listener on shutdown signal\n")
			unsubscribe(log, sub, subject)
			return
		}
	}
}

func handleCommand(log *logger.Logger, store *fleet.Store, msg *nats.Msg) {
	switch msg.Subject {
	case commandSetVehicleUnpredictable:
		command := vehicleCommand{}
		if err := json.Unmarshal(msg.Data, &command); err != nil {
			log.Printf("unable to parse %s payload: %v", msg.Subject, err)
			return
		}
		reason := command.Reason
		if reason == "" {
			reason = "operator command"
		}
		if !store.MakeUnpredictable(command.VehicleId, reason) {
			log.Printf("setVehicleUnpredictable: vehicle %q not found", command.VehicleId)
		}
	case commandCancelTrip:
		command := tripCommand{}
		if err := json.Unmarshal(msg.Data, &command); err != nil {
			log.Printf("unable to parse %s payload: %v", msg.Subject, err)
			return
		}
		store.CancelTrip(command.TripId, command.StartTime)
	case commandReenableTrip:
		command := tripCommand{}
		if err := json.Unmarshal(msg.Data, &command); err != nil {
			log.Printf("unable to parse %s payload: %v", msg.Subject, err)
			return
		}
		store.ReenableTrip(command.TripId, command.StartTime)
	default:
		log.Printf("ignoring unknown command subject %s", msg.Subject)
	}
}

//unsubscribe convenience function for unsubscribing from a NATS subscription, and logging the results.
func unsubscribe(log *logger.Logger, sub *nats.Subscription, subName string) {
	if !sub.IsValid() {
		return
	}
	log.Printf("Unsubscribing to %s\n", subName)
	if err := sub.Unsubscribe(); err != nil {
		log.Printf("error when attempting to unsubscribe to %s: %v\n", subName, err)
	}
}
