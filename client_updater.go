package daqcore

// Contains RunClientUpdater, which publishes JSON-encoded messages
// giving the latest acquisition state.

import (
	"encoding/json"
	"fmt"

	"github.com/pebbe/zmq4"
)

// ClientUpdate carries the messages to be published on the status port.
type ClientUpdate struct {
	tag   string
	state any
}

// RunClientUpdater forwards any message from its input channel to the ZMQ publisher socket
// to publish any information that clients need to know. Each update is sent as
// two frames: the tag, then the JSON-encoded state. It returns when abort is
// closed or messages is closed.
func RunClientUpdater(messages <-chan ClientUpdate, portstatus int, abort <-chan struct{}) error {
	ctx, err := zmq4.NewContext()
	if err != nil {
		return err
	}
	defer ctx.Term()
	pubSocket, err := ctx.NewSocket(zmq4.PUB)
	if err != nil {
		return err
	}
	defer pubSocket.Close()
	if err := pubSocket.SetLinger(0); err != nil {
		return err
	}
	hostname := fmt.Sprintf("tcp://*:%d", portstatus)
	if err := pubSocket.Bind(hostname); err != nil {
		return fmt.Errorf("binding status port: %w", err)
	}

	for {
		select {
		case <-abort:
			return nil
		case update, ok := <-messages:
			if !ok {
				return nil
			}
			message, err := json.Marshal(update.state)
			if err != nil {
				ProblemLogger.Printf("Could not encode %s update: %v", update.tag, err)
				continue
			}
			if update.tag != "STATUS" {
				UpdateLogger.Printf("SEND %s %s", update.tag, message)
			}
			if _, err := pubSocket.SendMessage(update.tag, message); err != nil {
				ProblemLogger.Printf("Could not publish %s update: %v", update.tag, err)
			}
		}
	}
}
