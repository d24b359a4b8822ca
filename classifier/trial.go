package classifier

import (
	"context"
	"errors"
	"time"

	"canscope/drivers"

	"go.einride.tech/can"
)

// idleBackoff is how long a trial waits when the source has nothing pending.
const idleBackoff = 200 * time.Microsecond

// Clock lets trials run against a fake time source.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// RunTrial polls until deadline, handing every frame to onFrame and every receive error to onErr.
// A receive error never ends the trial. It returns ctx.Err() when ctx is cancelled first.
func RunTrial(
	ctx context.Context,
	clock Clock,
	deadline time.Time,
	poll func() (can.Frame, error),
	onFrame func(can.Frame),
	onErr func(error),
) error {
	for clock.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		frame, err := poll()
		switch {
		case err == nil:
			onFrame(frame)
		case errors.Is(err, drivers.ErrNoFrame):
			clock.Sleep(idleBackoff)
		default:
			onErr(err)
		}
	}
	return nil
}
