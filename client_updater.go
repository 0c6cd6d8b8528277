package lodestar

// Contain the ClientUpdater object, which publishes JSON-encoded messages
// giving the latest LODESTAR state.

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/spf13/viper"
)

// ClientUpdate carries the messages to be published on the status port.
type ClientUpdate struct {
	tag   string
	state interface{}
}

var clientMessageChan chan ClientUpdate

func init() {
	clientMessageChan = make(chan ClientUpdate, 10)
}

// broadcastToClients queues an update for the status publisher. The send does
// not block: a one-shot tool with no publisher running must not stall behind
// a full channel.
func broadcastToClients(tag string, state interface{}) {
	select {
	case clientMessageChan <- ClientUpdate{tag: tag, state: state}:
	default:
	}
}

func publish(pubSocket *zmq.Socket, tag string, message []byte) {
	if _, err := pubSocket.Send(tag, zmq.SNDMORE); err != nil {
		ProblemLogger.Printf("could not send status frame %q: %v", tag, err)
		return
	}
	if _, err := pubSocket.SendBytes(message, 0); err != nil {
		ProblemLogger.Printf("could not send status frame %q: %v", tag, err)
	}
}

// RunClientUpdater forwards any message from the client update channel to the
// ZMQ publisher socket, so that clients can learn the server state. It also
// saves the configuration-bearing updates to the config file, at most once
// per savePeriod. Closing abort shuts it down.
func RunClientUpdater(portstatus int, abort <-chan struct{}) {
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		ProblemLogger.Printf("could not create the status publisher socket: %v", err)
		return
	}
	defer pubSocket.Close()
	if err = pubSocket.Bind(fmt.Sprintf("tcp://*:%d", portstatus)); err != nil {
		ProblemLogger.Printf("could not bind the status publisher to port %d: %v", portstatus, err)
		return
	}

	const savePeriod = 10 * time.Second
	saveStateRegularly := time.NewTicker(savePeriod)
	defer saveStateRegularly.Stop()
	stateDirty := false

	// The last message of each tag is replayed when a client asks for
	// SENDALL, so late subscribers can catch up.
	lastMessages := make(map[string][]byte)

	for {
		select {
		case <-abort:
			if stateDirty {
				saveState()
			}
			return

		case <-saveStateRegularly.C:
			if stateDirty {
				saveState()
				stateDirty = false
			}

		case update := <-clientMessageChan:
			if update.tag == "SENDALL" {
				for tag, message := range lastMessages {
					publish(pubSocket, tag, message)
				}
				continue
			}
			message, err := json.Marshal(update.state)
			if err != nil {
				ProblemLogger.Printf("could not encode status update %q: %v", update.tag, err)
				continue
			}
			publish(pubSocket, update.tag, message)
			lastMessages[update.tag] = message
			if key := configKey(update.tag); key != "" {
				viper.Set(key, update.state)
				stateDirty = true
			}
		}
	}
}

// configKey maps an update tag to its key in the saved-state file. Tags that
// are not persisted map to "".
func configKey(tag string) string {
	switch strings.ToUpper(tag) {
	case "HX711":
		return "hx711"
	case "SIM":
		return "sim"
	case "SESSION":
		return "session"
	}
	return ""
}

func saveState() {
	viper.Set("currenttime", time.Now().Format(time.UnixDate))
	if err := viper.WriteConfig(); err != nil {
		ProblemLogger.Printf("could not save config file: %v", err)
	}
}
