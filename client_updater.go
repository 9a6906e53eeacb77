package scopeacq

// Contains the ClientUpdater, which publishes JSON-encoded status messages
// and raw streaming chunks to whatever tooling subscribes.

import (
	"encoding/json"
	"fmt"

	zmq "github.com/pebbe/zmq4"
)

// ClientUpdate carries the messages to be published on the status port.
// A message is a tag frame followed by one or more payload frames.
type ClientUpdate struct {
	Tag     string
	Message []byte
	Extra   [][]byte
}

// publishUpdate JSON-encodes state and queues it without ever blocking the caller.
func publishUpdate(updates chan<- ClientUpdate, tag string, state any) {
	msg, err := json.Marshal(state)
	if err != nil {
		ProblemLogger.Printf("Could not encode %s update: %v", tag, err)
		return
	}
	select {
	case updates <- ClientUpdate{Tag: tag, Message: msg}:
	default:
		ProblemLogger.Printf("Client update queue full; dropped a %s update", tag)
	}
}

// RunClientUpdater forwards every message from its input channel to a ZMQ PUB
// socket on portstatus, until messages is closed or abort is closed.
func RunClientUpdater(messages <-chan ClientUpdate, portstatus int, abort <-chan struct{}) error {
	hostname := fmt.Sprintf("tcp://*:%d", portstatus)
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return err
	}
	defer pubSocket.Close()
	if err := pubSocket.Bind(hostname); err != nil {
		return fmt.Errorf("could not bind client updater to %s: %w", hostname, err)
	}

	for {
		select {
		case <-abort:
			return nil
		case update, ok := <-messages:
			if !ok {
				return nil
			}
			parts := []any{update.Tag, update.Message}
			for _, x := range update.Extra {
				parts = append(parts, x)
			}
			if _, err := pubSocket.SendMessage(parts...); err != nil {
				ProblemLogger.Printf("Could not publish %s update: %v", update.Tag, err)
			}
		}
	}
}

// publishChunk queues one streaming chunk: a JSON header frame followed by
// the raw little-endian codes of each channel, in channel order.
func (s *Session) publishChunk(streamID string, chunk *StreamChunk, raw [][]byte) {
	if s.updates == nil {
		return
	}
	header, err := json.Marshal(struct {
		StreamID string
		Start    uint64
		Length   uint64
		Channels []ChannelID
	}{streamID, chunk.Start, chunk.Length, chunk.Data.Channels()})
	if err != nil {
		ProblemLogger.Printf("Could not encode CHUNK header: %v", err)
		return
	}
	select {
	case s.updates <- ClientUpdate{Tag: "CHUNK", Message: header, Extra: raw}:
	default:
	}
}
