package drivers

import (
	"errors"
	"fmt"

	"canscope/models"

	"go.einride.tech/can"
)

const (
	LOG_DIR  = "logs"
	LOG_NAME = "RAWLOG"
	LOG_EXT  = ".bin"

	// frameQueueSize bounds the frames a driver buffers between polls.
	frameQueueSize = 1024
)

var (
	// ErrNoFrame is returned by Poll when nothing is waiting. It is not a receive error.
	ErrNoFrame = errors.New("no frame available")
	ErrClosed  = errors.New("source closed")
)

// Source is a listen-only CAN frame source. Poll never blocks: it returns a frame, ErrNoFrame, or
// any other error for a frame that failed to decode.
type Source interface {
	// Configure (re)arms the receiver at rate in listen-only mode.
	Configure(rate models.BitRate) error
	Poll() (can.Frame, error)
	Close() error
}

// ConfigError reports a receiver that failed to come up at a rate.
type ConfigError struct {
	Rate models.BitRate
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configure at %s: %v", e.Rate, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// received is what driver reader goroutines hand to Poll.
type received struct {
	frame can.Frame
	err   error
}

// pollQueue does a non-blocking receive from a driver queue.
func pollQueue(queue <-chan received) (can.Frame, error) {
	select {
	case r, ok := <-queue:
		if !ok {
			return can.Frame{}, ErrClosed
		}
		return r.frame, r.err
	default:
		return can.Frame{}, ErrNoFrame
	}
}

// offer queues r without blocking the reader, dropping it when the poller has fallen behind.
func offer(queue chan<- received, r received) bool {
	select {
	case queue <- r:
		return true
	default:
		return false
	}
}
