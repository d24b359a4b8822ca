// Package poller follows a running sniffer over HTTP, fetching each log entry once by sequence
// number and noticing when entries were evicted before it could fetch them.
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"canscope/capture"
	"canscope/export"
	"canscope/store"

	"go.einride.tech/can"
)

const (
	DEFAULT_BATCH  = 200
	requestTimeout = 2 * time.Second
)

// wireEntry mirrors the /log JSON.
type wireEntry struct {
	Seq      uint64  `json:"s"`
	Time     uint64  `json:"t"`
	ID       *uint32 `json:"id"`
	Extended bool    `json:"ext"`
	Remote   bool    `json:"rtr"`
	DLC      uint8   `json:"dlc"`
	Data     string  `json:"data"`
	Mark     *string `json:"mark"`
}

// Gap is a run of entries that were evicted before they were fetched.
type Gap struct {
	LastSeen uint64
	Resumed  uint64
}

func (g Gap) Missed() uint64 {
	return g.Resumed - g.LastSeen - 1
}

type Batch struct {
	Session string
	// SessionChanged is set when the sniffer was cleared or switched rate since the last batch.
	SessionChanged bool
	Entries        []store.LogEntry
	Gap            *Gap
	// More is set when the sniffer holds further entries past this batch.
	More bool
}

type Poller struct {
	base    string
	client  *http.Client
	batch   int
	lastSeq uint64
	session string
}

func New(baseURL string, batch int) *Poller {
	if batch <= 0 {
		batch = DEFAULT_BATCH
	}
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Poller{
		base:   strings.TrimSuffix(baseURL, "/"),
		client: &http.Client{Timeout: requestTimeout},
		batch:  batch,
	}
}

// LastSequence is the highest sequence handed out so far.
func (p *Poller) LastSequence() uint64 {
	return p.lastSeq
}

func (p *Poller) Status(ctx context.Context) (capture.Status, error) {
	var status capture.Status
	err := p.getJSON(ctx, "/status", &status)
	return status, err
}

// Poll fetches the entries appended since the previous call.
func (p *Poller) Poll(ctx context.Context) (Batch, error) {
	status, err := p.Status(ctx)
	if err != nil {
		return Batch{}, err
	}

	batch := Batch{Session: status.Session}
	if status.Session != p.session {
		batch.SessionChanged = p.session != ""
		p.session = status.Session
	}

	query := url.Values{}
	query.Set("since", strconv.FormatUint(p.lastSeq, 10))
	query.Set("n", strconv.Itoa(p.batch))

	var wire []wireEntry
	if err := p.getJSON(ctx, "/log?"+query.Encode(), &wire); err != nil {
		return Batch{}, err
	}

	for _, w := range wire {
		if w.Seq <= p.lastSeq {
			continue
		}
		entry, err := w.entry()
		if err != nil {
			return Batch{}, fmt.Errorf("entry %d: %w", w.Seq, err)
		}
		batch.Entries = append(batch.Entries, entry)
	}

	if len(batch.Entries) > 0 {
		first := batch.Entries[0].Sequence
		if p.lastSeq > 0 && first > p.lastSeq+1 {
			batch.Gap = &Gap{LastSeen: p.lastSeq, Resumed: first}
		}
		p.lastSeq = batch.Entries[len(batch.Entries)-1].Sequence
	}
	batch.More = len(wire) >= p.batch && p.lastSeq+1 < status.NextSequence
	return batch, nil
}

func (w wireEntry) entry() (store.LogEntry, error) {
	var entry store.LogEntry
	switch {
	case w.Mark != nil:
		entry = store.NewAnnotation(w.Time, *w.Mark)
	case w.ID != nil:
		frame := can.Frame{ID: *w.ID, IsExtended: w.Extended, IsRemote: w.Remote, Length: w.DLC}
		data, err := export.ParsePayload(w.Data)
		if err != nil {
			return entry, err
		}
		copy(frame.Data[:], data)
		entry = store.NewCapture(w.Time, frame)
	default:
		return entry, fmt.Errorf("neither frame nor mark")
	}
	entry.Sequence = w.Seq
	return entry, nil
}

func (p *Poller) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get %s: %s", path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
