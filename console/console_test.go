package console

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"canscope/capture"
	"canscope/classifier"
	"canscope/events"
	"canscope/models"
	"canscope/store"

	"github.com/eiannone/keyboard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.einride.tech/can"
)

type fakeController struct {
	rates   []models.BitRate
	resets  int
	begins  int
	marks   []string
	windows []time.Duration
	report  classifier.Report
}

func (f *fakeController) Status() capture.Status {
	return capture.Status{Running: true, Baud: "250kbps", Messages: 12, UniqueIDs: 3}
}

func (f *fakeController) SetRate(_ context.Context, rate models.BitRate) error {
	f.rates = append(f.rates, rate)
	return nil
}

func (f *fakeController) Reset(context.Context) error {
	f.resets++
	return nil
}

func (f *fakeController) Scan(_ context.Context, window time.Duration) (classifier.Report, error) {
	f.windows = append(f.windows, window)
	return f.report, nil
}

func (f *fakeController) BeginAnnotation(context.Context) error {
	f.begins++
	return nil
}

func (f *fakeController) Annotate(_ context.Context, text string) (uint64, error) {
	f.marks = append(f.marks, text)
	if strings.TrimSpace(text) == "" {
		return 0, nil
	}
	return uint64(len(f.marks)), nil
}

func typeKeys(t *testing.T, c *Console, keys string) {
	t.Helper()
	for _, ch := range keys {
		switch ch {
		case '\n':
			require.False(t, c.HandleKey(context.Background(), 0, keyboard.KeyEnter))
		case ' ':
			require.False(t, c.HandleKey(context.Background(), 0, keyboard.KeySpace))
		default:
			require.False(t, c.HandleKey(context.Background(), ch, 0))
		}
	}
}

func TestRateKeys(t *testing.T) {
	ctrl := &fakeController{}
	var out bytes.Buffer
	typeKeys(t, New(ctrl, &out, time.Second), "1342")

	assert.Equal(t, []models.BitRate{models.Rate125K, models.Rate500K, models.Rate1M, models.Rate250K}, ctrl.rates)
	assert.Contains(t, out.String(), "switched to 1Mbps")
}

func TestMarkCapturesTextUntilEnter(t *testing.T) {
	ctrl := &fakeController{}
	var out bytes.Buffer
	c := New(ctrl, &out, time.Second)

	// letters typed while marking are text, not commands
	typeKeys(t, c, "mdoor cab\n")
	assert.Equal(t, 1, ctrl.begins)
	assert.Equal(t, []string{"door cab"}, ctrl.marks)
	assert.Empty(t, ctrl.rates)
	assert.Zero(t, ctrl.resets)
	assert.Contains(t, out.String(), "mark #1 saved")

	// back to commands
	typeKeys(t, c, "c")
	assert.Equal(t, 1, ctrl.resets)
}

func TestMarkBackspaceAndCancel(t *testing.T) {
	ctrl := &fakeController{}
	c := New(ctrl, &bytes.Buffer{}, time.Second)

	typeKeys(t, c, "mabx")
	c.HandleKey(context.Background(), 0, keyboard.KeyBackspace2)
	typeKeys(t, c, "c\n")
	assert.Equal(t, []string{"abc"}, ctrl.marks)

	typeKeys(t, c, "mzz")
	c.HandleKey(context.Background(), 0, keyboard.KeyEsc)
	assert.Equal(t, []string{"abc", ""}, ctrl.marks)

	typeKeys(t, c, "1")
	assert.Equal(t, []models.BitRate{models.Rate125K}, ctrl.rates)
}

func TestScanKeyPrintsResults(t *testing.T) {
	ctrl := &fakeController{report: classifier.Report{
		Results: []classifier.Result{
			{Rate: models.Rate125K, Verdict: classifier.InitFailed},
			{Rate: models.Rate250K, FrameCount: 60, UniqueIDCount: 2, RepeatRate: 30, Verdict: classifier.LikelyCorrect,
				Samples: []classifier.Sample{{ID: 0x100, Count: 30}, {ID: 0x200, Count: 30}}},
		},
		Selected: models.Rate250K,
	}}
	var out bytes.Buffer
	typeKeys(t, New(ctrl, &out, 5*time.Second), "a")

	assert.Equal(t, []time.Duration{5 * time.Second}, ctrl.windows)
	text := out.String()
	assert.Contains(t, text, "125kbps: FAILED to init")
	assert.Contains(t, text, "IDs: 0x100(30) 0x200(30)")
	assert.Contains(t, text, "best match: 250kbps")
}

func TestStatusHelpAndQuit(t *testing.T) {
	var out bytes.Buffer
	c := New(&fakeController{}, &out, time.Second)

	typeKeys(t, c, "s?")
	assert.Contains(t, out.String(), "Messages received: 12")
	assert.Contains(t, out.String(), "a - auto-scan all rates")

	assert.True(t, c.HandleKey(context.Background(), 'q', 0))
	assert.True(t, c.HandleKey(context.Background(), 0, keyboard.KeyCtrlC))
}

func TestEcho(t *testing.T) {
	var out bytes.Buffer
	c := New(&fakeController{}, &out, time.Second)
	hub := events.NewHub()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Echo(ctx, hub)
	}()
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, time.Millisecond)

	hub.Broadcast(&events.Event{Type: events.LiveReset})
	hub.Broadcast(&events.Event{Type: events.EntryAppended, Entry: store.NewCapture(7, can.Frame{ID: 0x42, Length: 1, Data: [8]byte{0xA5}})})
	hub.Broadcast(&events.Event{Type: events.EntryAppended, Entry: store.NewAnnotation(9, "idle")})

	require.Eventually(t, func() bool {
		c.outMu.Lock()
		defer c.outMu.Unlock()
		return strings.Contains(out.String(), "9,MARK,0,0,0,idle")
	}, time.Second, time.Millisecond)
	cancel()
	<-done

	assert.Contains(t, out.String(), "7,0x042,0,0,1,a5\n")
}
