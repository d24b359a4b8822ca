// Package capture runs the live capture loop. One goroutine owns the frame source and every
// mutation of the identifier table and event log; other goroutines submit requests to it and read
// the table and log through their snapshot methods.
package capture

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"canscope/classifier"
	"canscope/drivers"
	"canscope/events"
	"canscope/models"
	"canscope/store"

	"github.com/google/uuid"
	"go.einride.tech/can"
)

const (
	statusInterval = 30 * time.Second
	// a receive error is logged on the 1st, 101st, 201st... occurrence
	errorReportEvery = 100
	idleInterval     = time.Millisecond
)

var (
	ErrHalted  = errors.New("sniffer halted: receiver never came up")
	ErrStopped = errors.New("sniffer stopped")
)

type State uint8

const (
	Idle State = iota
	AwaitingAnnotationText
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingAnnotationText:
		return "awaiting annotation"
	default:
		return "unknown"
	}
}

// FrameWriter receives every captured frame with milliseconds since start, see drivers.Recorder.
type FrameWriter interface {
	Write(timestampMs uint32, frame can.Frame) error
}

type Options struct {
	Rate          models.BitRate
	TableCapacity int
	LogCapacity   int
	TrialCapacity int
	ScanWindow    time.Duration
	Clock         classifier.Clock
	Recorder      FrameWriter
}

type request struct {
	fn   func() error
	done chan error
}

type Sniffer struct {
	source     drivers.Source
	classifier *classifier.Classifier
	table      *store.IdentifierTable
	history    *store.EventLog
	hub        *events.EventHub
	recorder   FrameWriter
	clock      classifier.Clock
	scanWindow time.Duration

	requests chan request
	done     chan struct{}

	mu            sync.RWMutex
	rate          models.BitRate
	frameCount    uint64
	receiveErrors uint64
	state         State
	session       string
	halted        bool
	scanning      bool
	started       time.Time
	epoch         time.Time
	lastStatus    time.Time
	recordErrLog  bool
}

func New(source drivers.Source, hub *events.EventHub, opts Options) *Sniffer {
	if opts.Rate == 0 {
		opts.Rate = models.DefaultRate
	}
	if opts.ScanWindow <= 0 {
		opts.ScanWindow = 3 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = classifier.SystemClock
	}
	if hub == nil {
		hub = events.NewHub()
	}

	c := classifier.New(opts.TrialCapacity)
	c.Clock = opts.Clock

	now := opts.Clock.Now()
	return &Sniffer{
		source:     source,
		classifier: c,
		table:      store.NewIdentifierTable(opts.TableCapacity),
		history:    store.NewEventLog(opts.LogCapacity),
		hub:        hub,
		recorder:   opts.Recorder,
		clock:      opts.Clock,
		scanWindow: opts.ScanWindow,
		requests:   make(chan request),
		done:       make(chan struct{}),
		rate:       opts.Rate,
		session:    uuid.New().String(),
		started:    now,
		epoch:      now,
		lastStatus: now,
	}
}

// Start arms the source at the initial rate. If that fails the sniffer halts: it stays reachable for
// Status but refuses every command with ErrHalted.
func (s *Sniffer) Start() error {
	rate := s.Rate()
	if err := s.source.Configure(rate); err != nil {
		s.mu.Lock()
		s.halted = true
		s.mu.Unlock()
		log.Printf("receiver failed to start at %s, halting: %v", rate, err)
		return err
	}
	s.applyReset(rate)
	log.Printf("capturing at %s", rate)
	return nil
}

// Run drives the loop until ctx is done.
func (s *Sniffer) Run(ctx context.Context) error {
	defer close(s.done)

	ticker := time.NewTicker(idleInterval)
	defer ticker.Stop()

	for {
		if s.Step() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-s.requests:
			req.done <- req.fn()
		case <-ticker.C:
		}
	}
}

// Step polls the source once and serves at most one pending request. It reports whether there was
// anything to do.
func (s *Sniffer) Step() bool {
	busy := s.pollOnce()

	select {
	case req := <-s.requests:
		req.done <- req.fn()
		busy = true
	default:
	}

	s.reportStatus()
	return busy
}

func (s *Sniffer) pollOnce() bool {
	if s.isHalted() {
		return false
	}

	frame, err := s.source.Poll()
	switch {
	case err == nil:
		s.capture(frame)
		return true
	case errors.Is(err, drivers.ErrNoFrame):
		return false
	default:
		s.receiveError(err)
		return true
	}
}

func (s *Sniffer) capture(frame can.Frame) {
	now := s.clock.Now()

	s.mu.Lock()
	timestamp := uint64(now.Sub(s.epoch).Milliseconds())
	s.frameCount++
	session, rate := s.session, s.rate
	s.mu.Unlock()

	// a full table only costs statistics, the frame is still logged
	_, _ = s.table.Record(frame.ID, frame.Data[:], int(frame.Length))

	entry := store.NewCapture(timestamp, frame)
	entry.Sequence = s.history.Append(entry)
	s.hub.Broadcast(&events.Event{Type: events.EntryAppended, Session: session, Rate: rate, Entry: entry})

	if s.recorder != nil {
		if err := s.recorder.Write(uint32(now.Sub(s.started).Milliseconds()), frame); err != nil && !s.recordErrLog {
			s.recordErrLog = true
			log.Printf("couldn't record frame: %v", err)
		}
	}
}

func (s *Sniffer) receiveError(err error) {
	s.mu.Lock()
	s.receiveErrors++
	n := s.receiveErrors
	s.mu.Unlock()

	if n%errorReportEvery == 1 {
		log.Printf("receive error (%d so far): %v", n, err)
	}
}

func (s *Sniffer) reportStatus() {
	now := s.clock.Now()

	s.mu.Lock()
	if now.Sub(s.lastStatus) < statusInterval {
		s.mu.Unlock()
		return
	}
	s.lastStatus = now
	frames, errs, rate := s.frameCount, s.receiveErrors, s.rate
	s.mu.Unlock()

	if frames > 0 {
		log.Printf("status: %s, %d frames, %d errors, %d ids", rate, frames, errs, s.table.Len())
	}
}

// applyReset clears the live table and log and starts a new session at rate. The sequence counter
// keeps counting. A pending mark is abandoned.
func (s *Sniffer) applyReset(rate models.BitRate) {
	s.table.Reset()
	s.history.Reset()

	now := s.clock.Now()
	s.mu.Lock()
	s.rate = rate
	s.frameCount = 0
	s.receiveErrors = 0
	s.state = Idle
	s.epoch = now
	s.lastStatus = now
	s.session = uuid.New().String()
	session := s.session
	s.mu.Unlock()

	s.hub.Broadcast(&events.Event{Type: events.LiveReset, Session: session, Rate: rate})
}

// do runs fn on the loop goroutine and returns its result.
func (s *Sniffer) do(ctx context.Context, fn func() error) error {
	req := request{fn: fn, done: make(chan error, 1)}
	select {
	case s.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrStopped
	}
	// the loop always answers a request it has taken
	return <-req.done
}

// SetRate re-arms the source at rate and resets the live state. On failure the prior rate is
// re-armed and the live state is kept.
func (s *Sniffer) SetRate(ctx context.Context, rate models.BitRate) error {
	return s.do(ctx, func() error {
		if s.isHalted() {
			return ErrHalted
		}
		prior := s.Rate()
		if err := s.source.Configure(rate); err != nil {
			log.Printf("couldn't switch to %s: %v", rate, err)
			if rerr := s.source.Configure(prior); rerr != nil {
				log.Printf("couldn't re-arm %s: %v", prior, rerr)
			}
			return err
		}
		s.applyReset(rate)
		log.Printf("switched to %s", rate)
		return nil
	})
}

// Reset clears the live table, log and counters without touching the source.
func (s *Sniffer) Reset(ctx context.Context) error {
	return s.do(ctx, func() error {
		if s.isHalted() {
			return ErrHalted
		}
		s.applyReset(s.Rate())
		return nil
	})
}

// Scan blocks the loop while every candidate rate is trialed for window (the configured scan window
// when zero). A selected rate becomes live and resets the live state.
func (s *Sniffer) Scan(ctx context.Context, window time.Duration) (classifier.Report, error) {
	if window <= 0 {
		window = s.scanWindow
	}

	var report classifier.Report
	err := s.do(ctx, func() error {
		if s.isHalted() {
			return ErrHalted
		}
		s.setScanning(true)
		defer s.setScanning(false)

		var err error
		report, err = s.classifier.Scan(ctx, s.source, models.CandidateRates, window, s.Rate())
		if report.ResetRequired {
			s.applyReset(report.Selected)
		}
		return err
	})
	return report, err
}

// BeginAnnotation marks that the next Annotate call carries the text of an operator mark.
func (s *Sniffer) BeginAnnotation(ctx context.Context) error {
	return s.do(ctx, func() error {
		if s.isHalted() {
			return ErrHalted
		}
		s.mu.Lock()
		s.state = AwaitingAnnotationText
		s.mu.Unlock()
		return nil
	})
}

// Annotate appends an annotation and returns its sequence. Blank text appends nothing and returns
// zero. Either way the sniffer goes back to Idle.
func (s *Sniffer) Annotate(ctx context.Context, text string) (uint64, error) {
	var seq uint64
	err := s.do(ctx, func() error {
		if s.isHalted() {
			return ErrHalted
		}
		now := s.clock.Now()

		s.mu.Lock()
		s.state = Idle
		timestamp := uint64(now.Sub(s.epoch).Milliseconds())
		session, rate := s.session, s.rate
		s.mu.Unlock()

		text = store.SanitizeAnnotation(text)
		if text == "" {
			return nil
		}

		entry := store.NewAnnotation(timestamp, text)
		entry.Sequence = s.history.Append(entry)
		seq = entry.Sequence
		s.hub.Broadcast(&events.Event{Type: events.EntryAppended, Session: session, Rate: rate, Entry: entry})
		log.Printf("mark #%d: %s", seq, text)
		return nil
	})
	return seq, err
}

func (s *Sniffer) setScanning(scanning bool) {
	s.mu.Lock()
	s.scanning = scanning
	s.mu.Unlock()
}

func (s *Sniffer) isHalted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.halted
}

func (s *Sniffer) Rate() models.BitRate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rate
}

func (s *Sniffer) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Sniffer) Table() *store.IdentifierTable {
	return s.table
}

func (s *Sniffer) Log() *store.EventLog {
	return s.history
}

func (s *Sniffer) Hub() *events.EventHub {
	return s.hub
}
