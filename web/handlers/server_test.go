package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"canscope/capture"
	"canscope/classifier"
	"canscope/models"
	"canscope/store"

	ds "github.com/starfederation/datastar-go/datastar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.einride.tech/can"
)

type fakeSniffer struct {
	table   *store.IdentifierTable
	history *store.EventLog
	status  capture.Status
	report  classifier.Report
	err     error

	rates  []models.BitRate
	marks  []string
	resets int
	window time.Duration
}

func newFakeSniffer() *fakeSniffer {
	f := &fakeSniffer{
		table:   store.NewIdentifierTable(8),
		history: store.NewEventLog(8),
		status:  capture.Status{Running: true, Rate: models.Rate250K, Baud: models.Rate250K.String()},
	}
	for i, frame := range []can.Frame{
		{ID: 0x123, Length: 2, Data: [8]byte{0xDE, 0xAD}},
		{ID: 0x18DAF110, IsExtended: true, Length: 1, Data: [8]byte{0x01}},
		{ID: 0x123, Length: 1, Data: [8]byte{0xBE}},
	} {
		_, _ = f.table.Record(frame.ID, frame.Data[:], int(frame.Length))
		f.history.Append(store.NewCapture(uint64(i*10), frame))
	}
	f.history.Append(store.NewAnnotation(35, "ignition on"))
	return f
}

func (f *fakeSniffer) Status() capture.Status        { return f.status }
func (f *fakeSniffer) Table() *store.IdentifierTable { return f.table }
func (f *fakeSniffer) Log() *store.EventLog          { return f.history }

func (f *fakeSniffer) SetRate(_ context.Context, rate models.BitRate) error {
	f.rates = append(f.rates, rate)
	return f.err
}

func (f *fakeSniffer) Reset(context.Context) error {
	f.resets++
	return f.err
}

func (f *fakeSniffer) Scan(_ context.Context, window time.Duration) (classifier.Report, error) {
	f.window = window
	return f.report, f.err
}

func (f *fakeSniffer) Annotate(_ context.Context, text string) (uint64, error) {
	f.marks = append(f.marks, text)
	return 5, f.err
}

func newTestServer(t *testing.T, sniffer *fakeSniffer) http.Handler {
	t.Helper()
	dashboard, err := NewDashboard(sniffer)
	require.NoError(t, err)
	return NewServer(sniffer, dashboard).Handler()
}

func get(t *testing.T, handler http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestStatusHandler(t *testing.T) {
	rec := get(t, newTestServer(t, newFakeSniffer()), "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["running"])
	assert.Equal(t, "250kbps", body["baud"])
	assert.Contains(t, body, "uniqueIds")
	assert.Contains(t, body, "messages")
}

func TestIDsHandler(t *testing.T) {
	rec := get(t, newTestServer(t, newFakeSniffer()), "/ids")
	require.Equal(t, http.StatusOK, rec.Code)

	var ids []idJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ids))
	require.Len(t, ids, 2)
	assert.Equal(t, idJSON{ID: 0x123, Hex: "0x123", Count: 2, Data: "be ad 00 00 00 00 00 00"}, ids[0])
	assert.Equal(t, "0x18DAF110", ids[1].Hex)
}

func TestLogHandler(t *testing.T) {
	handler := newTestServer(t, newFakeSniffer())

	rec := get(t, handler, "/log")
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 4)
	assert.Equal(t, map[string]any{"s": 1.0, "t": 0.0, "id": float64(0x123), "dlc": 2.0, "data": "de ad"}, rows[0])
	assert.Equal(t, map[string]any{"s": 4.0, "t": 35.0, "mark": "ignition on"}, rows[3])
	assert.Equal(t, true, rows[1]["ext"])

	rec = get(t, handler, "/log?n=2")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, 3.0, rows[0]["s"])

	rec = get(t, handler, "/log?since=1&n=2")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, 2.0, rows[0]["s"])
	assert.Equal(t, 3.0, rows[1]["s"])

	rec = get(t, handler, "/log?since=4")
	assert.JSONEq(t, "[]", rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, get(t, handler, "/log?since=x").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, handler, "/log?n=-1").Code)
}

func TestBaudHandler(t *testing.T) {
	sniffer := newFakeSniffer()
	handler := newTestServer(t, sniffer)

	rec := get(t, handler, "/baud?v=3")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	assert.Equal(t, http.StatusOK, get(t, handler, "/baud?v=1M").Code)
	assert.Equal(t, []models.BitRate{models.Rate500K, models.Rate1M}, sniffer.rates)

	assert.Equal(t, http.StatusBadRequest, get(t, handler, "/baud").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, handler, "/baud?v=fast").Code)

	sniffer.err = capture.ErrHalted
	assert.Equal(t, http.StatusServiceUnavailable, get(t, handler, "/baud?v=2").Code)
}

func TestMarkAndClearHandlers(t *testing.T) {
	sniffer := newFakeSniffer()
	handler := newTestServer(t, sniffer)

	assert.Equal(t, http.StatusOK, get(t, handler, "/mark?msg=door+open").Code)
	assert.Equal(t, []string{"door open"}, sniffer.marks)

	assert.Equal(t, http.StatusOK, get(t, handler, "/clear").Code)
	assert.Equal(t, 1, sniffer.resets)
}

func TestScanHandler(t *testing.T) {
	sniffer := newFakeSniffer()
	sniffer.report = classifier.Report{
		Results: []classifier.Result{
			{Rate: models.Rate125K, Verdict: classifier.NoData},
			{Rate: models.Rate250K, FrameCount: 120, UniqueIDCount: 1, RepeatRate: 120, Score: 120,
				Verdict: classifier.LikelyCorrect, Samples: []classifier.Sample{{ID: 0x7e8, Count: 120}}},
		},
		Selected:      models.Rate250K,
		ResetRequired: true,
	}
	handler := newTestServer(t, sniffer)

	rec := get(t, handler, "/scan?window=2s")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2*time.Second, sniffer.window)

	var body scanJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "250kbps", body.Selected)
	require.Len(t, body.Results, 2)
	assert.Equal(t, "NO DATA", body.Results[0].Verdict)
	assert.Empty(t, body.Results[0].IDList)
	assert.Equal(t, []sampleJSON{{ID: "0x7E8", N: 120}}, body.Results[1].IDList)

	assert.Equal(t, http.StatusBadRequest, get(t, handler, "/scan?window=soon").Code)
}

func TestScanHandlerRejectsLongWindow(t *testing.T) {
	sniffer := newFakeSniffer()
	handler := newTestServer(t, sniffer)

	rec := get(t, handler, "/scan?window=1h")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, sniffer.window)

	rec = get(t, handler, "/scan?window="+MAX_SCAN_WINDOW.String())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, MAX_SCAN_WINDOW, sniffer.window)
}

func TestCSVHandler(t *testing.T) {
	rec := get(t, newTestServer(t, newFakeSniffer()), "/csv")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), CSV_FILENAME)

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	assert.Equal(t, []string{
		"timestamp,id,extended,rtr,dlc,data",
		"0,0x123,0,0,2,de ad",
		"10,0x18DAF110,1,0,1,01",
		"20,0x123,0,0,1,be",
		"35,MARK,0,0,0,ignition on",
	}, lines)
}

func TestIndexHandler(t *testing.T) {
	handler := newTestServer(t, newFakeSniffer())

	rec := get(t, handler, "/")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `id="status"`)
	assert.Contains(t, body, "ignition on")
	assert.Contains(t, body, "0x18DAF110")
	assert.Contains(t, body, "1Mbps")

	assert.Equal(t, http.StatusNotFound, get(t, handler, "/nope").Code)
}

func TestMarkSignalHandler(t *testing.T) {
	sniffer := newFakeSniffer()
	handler := newTestServer(t, sniffer)

	req := httptest.NewRequest(http.MethodPost, "/mark-signal", strings.NewReader(`{"mark":"throttle blip"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, []string{"throttle blip"}, sniffer.marks)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")
	assert.Contains(t, rec.Body.String(), `id="log"`)
}

func TestDashboardOnTick(t *testing.T) {
	dashboard, err := NewDashboard(newFakeSniffer())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	sse := ds.NewSSE(rec, httptest.NewRequest(http.MethodGet, "/tick", nil))
	require.NoError(t, dashboard.OnTick(sse))

	body := rec.Body.String()
	assert.Contains(t, body, "datastar-patch-elements")
	for _, id := range []string{`id="status"`, `id="ids"`, `id="log"`} {
		assert.Contains(t, body, id)
	}
}
