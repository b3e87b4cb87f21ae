package cxsdr

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	zmq "github.com/pebbe/zmq4"
)

// PublishChunks forwards every chunk from its input channel to a ZMQ PUB
// socket as a three-frame message: run ID, a fixed 16-byte header (sequence
// number and first-byte offset, little-endian), and the raw samples. It
// terminates when the abort channel is closed or the input channel closes.
func PublishChunks(chunks <-chan Chunk, abort <-chan struct{}, portnum int) error {
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return err
	}
	defer pubSocket.Close()
	if err = pubSocket.Bind(fmt.Sprintf("tcp://*:%d", portnum)); err != nil {
		return err
	}

	for {
		select {
		case <-abort:
			return nil
		case chunk, ok := <-chunks:
			if !ok {
				return nil
			}
			header := make([]byte, 16)
			binary.LittleEndian.PutUint64(header[0:], chunk.Seq)
			binary.LittleEndian.PutUint64(header[8:], uint64(chunk.FirstByte))
			if _, err := pubSocket.SendBytes([]byte(chunk.RunID), zmq.SNDMORE); err != nil {
				return err
			}
			if _, err := pubSocket.SendBytes(header, zmq.SNDMORE); err != nil {
				return err
			}
			if _, err := pubSocket.SendBytes(chunk.Data, 0); err != nil {
				return err
			}
		}
	}
}

// StatusUpdate carries one tagged message for the status port.
type StatusUpdate struct {
	Tag     string
	Message []byte
}

// RunStatusPublisher forwards any message from its input channel to the ZMQ
// publisher socket, to publish any information that clients need to know.
func RunStatusPublisher(updates <-chan StatusUpdate, abort <-chan struct{}, portnum int) error {
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return err
	}
	defer pubSocket.Close()
	if err = pubSocket.Bind(fmt.Sprintf("tcp://*:%d", portnum)); err != nil {
		return err
	}

	for {
		select {
		case <-abort:
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if _, err := pubSocket.SendBytes([]byte(update.Tag), zmq.SNDMORE); err != nil {
				return err
			}
			if _, err := pubSocket.SendBytes(update.Message, 0); err != nil {
				return err
			}
		}
	}
}

// sourceStatus is the JSON body published under the "STATUS" tag.
type sourceStatus struct {
	Source  string
	RunID   string
	Running bool
	Level   LevelStats
}

// StatusUpdateFor snapshots a capture source into a status message.
func StatusUpdateFor(cs *CaptureSource) (StatusUpdate, error) {
	body, err := json.Marshal(sourceStatus{
		Source:  cs.Name(),
		RunID:   cs.RunID(),
		Running: cs.Running(),
		Level:   cs.LastLevel(),
	})
	if err != nil {
		return StatusUpdate{}, err
	}
	return StatusUpdate{Tag: "STATUS", Message: body}, nil
}
