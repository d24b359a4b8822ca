// Package console drives the sniffer from a terminal with single key commands: digits pick a
// rate, a scans, c clears, m marks and s prints status.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"canscope/capture"
	"canscope/classifier"
	"canscope/events"
	"canscope/export"
	"canscope/models"

	"github.com/eiannone/keyboard"
)

const keyBuffer = 16

// Controller is what the console drives, a *capture.Sniffer in practice.
type Controller interface {
	Status() capture.Status
	SetRate(ctx context.Context, rate models.BitRate) error
	Reset(ctx context.Context) error
	Scan(ctx context.Context, window time.Duration) (classifier.Report, error)
	BeginAnnotation(ctx context.Context) error
	Annotate(ctx context.Context, text string) (uint64, error)
}

type Console struct {
	ctrl       Controller
	scanWindow time.Duration

	outMu sync.Mutex
	out   io.Writer

	marking bool
	text    []rune
}

func New(ctrl Controller, out io.Writer, scanWindow time.Duration) *Console {
	return &Console{ctrl: ctrl, out: out, scanWindow: scanWindow}
}

// Run reads keys from the terminal until ctx is done or the operator quits.
func (c *Console) Run(ctx context.Context) error {
	if err := keyboard.Open(); err != nil {
		return fmt.Errorf("open keyboard: %w", err)
	}
	defer func() {
		if err := keyboard.Close(); err != nil {
			log.Printf("couldn't close keyboard: %s", err)
		}
	}()

	keys, err := keyboard.GetKeys(keyBuffer)
	if err != nil {
		return fmt.Errorf("read keys: %w", err)
	}

	c.Help()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-keys:
			if event.Err != nil {
				return fmt.Errorf("read key: %w", event.Err)
			}
			if c.HandleKey(ctx, event.Rune, event.Key) {
				return nil
			}
		}
	}
}

// HandleKey acts on one key press and reports whether the operator asked to quit.
func (c *Console) HandleKey(ctx context.Context, ch rune, key keyboard.Key) bool {
	if key == keyboard.KeyCtrlC {
		return true
	}
	if c.marking {
		c.markKey(ctx, ch, key)
		return false
	}

	switch ch {
	case '1', '2', '3', '4':
		rate := models.CandidateRates[ch-'1']
		if err := c.ctrl.SetRate(ctx, rate); err != nil {
			c.printf("couldn't switch to %s: %v\n", rate, err)
			return false
		}
		c.printf("switched to %s, counts cleared\n", rate)
	case 'a', 'A':
		c.scan(ctx)
	case 's', 'S':
		c.Status()
	case 'c', 'C':
		if err := c.ctrl.Reset(ctx); err != nil {
			c.printf("couldn't clear: %v\n", err)
			return false
		}
		c.printf("counts cleared\n")
	case 'm', 'M':
		if err := c.ctrl.BeginAnnotation(ctx); err != nil {
			c.printf("couldn't start mark: %v\n", err)
			return false
		}
		c.marking = true
		c.text = c.text[:0]
		c.printf("MARK> ")
	case 'h', 'H', '?':
		c.Help()
	case 'q', 'Q':
		return true
	}
	return false
}

func (c *Console) markKey(ctx context.Context, ch rune, key keyboard.Key) {
	switch key {
	case keyboard.KeyEnter:
		c.marking = false
		text := string(c.text)
		c.printf("\n")
		seq, err := c.ctrl.Annotate(ctx, text)
		switch {
		case err != nil:
			c.printf("couldn't add mark: %v\n", err)
		case seq > 0:
			c.printf("mark #%d saved\n", seq)
		}
	case keyboard.KeyEsc:
		c.marking = false
		c.printf(" (cancelled)\n")
		if _, err := c.ctrl.Annotate(ctx, ""); err != nil {
			c.printf("couldn't cancel mark: %v\n", err)
		}
	case keyboard.KeyBackspace, keyboard.KeyBackspace2:
		if len(c.text) > 0 {
			c.text = c.text[:len(c.text)-1]
			c.printf("\b \b")
		}
	case keyboard.KeySpace:
		c.text = append(c.text, ' ')
		c.printf(" ")
	default:
		if ch != 0 {
			c.text = append(c.text, ch)
			c.printf("%c", ch)
		}
	}
}

func (c *Console) scan(ctx context.Context) {
	c.printf("\n========== AUTO SCAN ==========\n")
	c.printf("testing each rate for %s...\n", c.scanWindow)

	report, err := c.ctrl.Scan(ctx, c.scanWindow)
	for _, r := range report.Results {
		if r.Verdict == classifier.InitFailed {
			c.printf("  %s: FAILED to init\n", r.Rate)
			continue
		}
		c.printf("  %s: %d msgs, %d ids, repeat %.1f, errors %.1f%% -> %s\n",
			r.Rate, r.FrameCount, r.UniqueIDCount, r.RepeatRate, r.ErrorRate, r.Verdict)
		if len(r.Samples) > 0 {
			ids := make([]string, 0, len(r.Samples))
			for _, s := range r.Samples {
				ids = append(ids, fmt.Sprintf("0x%03X(%d)", s.ID, s.Count))
			}
			c.printf("    IDs: %s\n", strings.Join(ids, " "))
		}
	}

	switch {
	case err != nil:
		c.printf("scan failed: %v\n", err)
	case report.HasSelection():
		c.printf("best match: %s, counts cleared\n", report.Selected)
	default:
		c.printf("no valid traffic detected at any rate\n")
	}
	c.printf("===============================\n\n")
}

func (c *Console) Status() {
	st := c.ctrl.Status()
	c.printf("\n========== STATUS ==========\n")
	if st.Halted {
		c.printf("HALTED: receiver failed to start\n")
	}
	c.printf("Uptime: %d ms\n", st.UptimeMs)
	c.printf("Rate: %s\n", st.Baud)
	c.printf("Messages received: %d\n", st.Messages)
	c.printf("Errors: %d\n", st.Errors)
	c.printf("Unique CAN IDs seen: %d\n", st.UniqueIDs)
	c.printf("Log: %d entries, seq %d..%d\n", st.Retained, st.OldestSequence, st.NextSequence)
	c.printf("============================\n\n")
}

func (c *Console) Help() {
	c.printf("\n========== COMMANDS ==========\n")
	for i, rate := range models.CandidateRates {
		c.printf("%d - set rate to %s\n", i+1, rate)
	}
	c.printf("a - auto-scan all rates\n")
	c.printf("s - print status summary\n")
	c.printf("c - clear counts and log\n")
	c.printf("m - add annotation mark (type text, press enter)\n")
	c.printf("h - print this help\n")
	c.printf("q - quit\n")
	c.printf("==============================\n\n")
}

// Echo prints every captured entry as a TIMESTAMP_MS,ID,EXTENDED,RTR,DLC,DATA line.
func (c *Console) Echo(ctx context.Context, hub *events.EventHub) {
	_, ch, cancel := hub.Subscribe(1024)
	defer cancel()

	c.printf("format: TIMESTAMP_MS,ID,EXTENDED,RTR,DLC,DATA\n")
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if event.Type != events.EntryAppended {
				continue
			}
			c.printf("%s\n", strings.Join(export.Row(event.Entry), ","))
		}
	}
}

func (c *Console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if _, err := fmt.Fprintf(c.out, format, args...); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		log.Printf("console write: %s", err)
	}
}
