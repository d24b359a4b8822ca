package drivers

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"canscope/config"
	"canscope/models"

	"go.einride.tech/can"
)

// Replayer plays a Recorder .bin file or a candump log back as a live source. When the recording's
// rate is known it only produces frames while configured at that rate, like a real bus would.
type Replayer struct {
	*config.ReplayFlags

	mu     sync.Mutex
	queue  chan received
	cancel context.CancelFunc
	done   chan struct{}
}

func NewReplayer(replayFlags *config.ReplayFlags) *Replayer {
	return &Replayer{ReplayFlags: replayFlags}
}

func (r *Replayer) Configure(rate models.BitRate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopLocked()

	if _, err := os.Stat(r.Path); err != nil {
		return &ConfigError{Rate: rate, Err: err}
	}

	if r.Rate != 0 && rate != r.Rate {
		// wrong rate: the bus stays silent
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	queue := make(chan received, frameQueueSize)
	done := make(chan struct{})
	r.queue, r.cancel, r.done = queue, cancel, done

	go func() {
		defer close(done)
		if err := r.run(ctx, queue); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("couldn't run replay: %s", err)
		}
	}()
	return nil
}

func (r *Replayer) Poll() (can.Frame, error) {
	r.mu.Lock()
	queue := r.queue
	r.mu.Unlock()

	if queue == nil {
		return can.Frame{}, ErrNoFrame
	}
	return pollQueue(queue)
}

func (r *Replayer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
	return nil
}

func (r *Replayer) stopLocked() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
	r.queue, r.cancel, r.done = nil, nil, nil
}

func (r *Replayer) run(ctx context.Context, queue chan<- received) error {
	for {
		if err := r.playOnce(ctx, queue); err != nil {
			return err
		}
		if !r.Loop {
			log.Println("end of replay")
			return nil
		}
	}
}

func (r *Replayer) playOnce(ctx context.Context, queue chan<- received) error {
	file, err := os.Open(r.Path)
	if err != nil {
		return err
	}
	defer func(file *os.File) {
		err := file.Close()
		if err != nil {
			log.Printf("couldn't close file: %s", err)
		}
	}(file)

	bufferReader := bufio.NewReaderSize(file, 1<<20)
	next := readCandumpFrame
	if strings.EqualFold(filepath.Ext(r.Path), LOG_EXT) {
		next = func(bufferReader *bufio.Reader) (int64, can.Frame, error) {
			timestampMs, frame, err := readBinaryFrame(bufferReader)
			return int64(timestampMs), frame, err
		}
	}

	var (
		first  = true
		prevMS int64
	)

	frameIndex := 0
	for {
		timestamp, frame, err := next(bufferReader)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				log.Printf("truncated record at end of %s", r.Path)
				return nil
			}
			// a bad record is a receive error, the rest of the file is still good
			if !r.send(ctx, queue, received{err: err}) {
				return ctx.Err()
			}
			continue
		}

		if frameIndex < r.SkipFrames {
			frameIndex++
			continue
		}

		if first {
			first = false
			prevMS = timestamp
		}

		if r.Speed > 0 {
			delta := time.Duration(timestamp - prevMS)
			if delta > 0 {
				select {
				case <-time.After(time.Duration(float64(delta) * float64(time.Millisecond) / r.Speed)):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			prevMS = timestamp
		}

		if !r.send(ctx, queue, received{frame: frame}) {
			return ctx.Err()
		}
		frameIndex++
	}
}

// send blocks until the poller takes r, a replay can wait where a bus can't.
func (r *Replayer) send(ctx context.Context, queue chan<- received, rec received) bool {
	select {
	case queue <- rec:
		return true
	case <-ctx.Done():
		return false
	}
}

// readCandumpFrame reads one line of `candump -l` output, "(1436509052.249713) can0 123#DEADBEEF",
// or a bare "123#DEADBEEF". The timestamp is returned in epoch milliseconds.
func readCandumpFrame(bufferReader *bufio.Reader) (int64, can.Frame, error) {
	for {
		line, err := bufferReader.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			return 0, can.Frame{}, err
		}

		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		var timestampMs int64
		if strings.HasPrefix(fields[0], "(") {
			seconds, perr := strconv.ParseFloat(strings.Trim(fields[0], "()"), 64)
			if perr != nil {
				return 0, can.Frame{}, fmt.Errorf("candump timestamp %q: %w", fields[0], perr)
			}
			timestampMs = int64(math.Round(seconds * 1000))
		}

		var frame can.Frame
		if uerr := frame.UnmarshalString(fields[len(fields)-1]); uerr != nil {
			return timestampMs, can.Frame{}, fmt.Errorf("candump frame %q: %w", fields[len(fields)-1], uerr)
		}
		return timestampMs, frame, nil
	}
}
