package export

import (
	"database/sql"
	"fmt"

	"canscope/store"

	"go.einride.tech/can"
	_ "modernc.org/sqlite"
)

// Archive stores polled log entries keyed by session and sequence, so re-polling the same entries
// is harmless.
type Archive struct {
	*sql.DB
}

func NewArchive(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			session           TEXT NOT NULL,
			seq               BIGINT NOT NULL,
			timestamp_ms      BIGINT,
			kind              TEXT,
			can_id            BIGINT,
			extended          INTEGER,
			rtr               INTEGER,
			dlc               INTEGER,
			data              BLOB,
			mark              TEXT,
			received_at       TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (session, seq)
		);
		CREATE TABLE IF NOT EXISTS gaps (
			session           TEXT NOT NULL,
			last_seen_seq     BIGINT,
			resumed_seq       BIGINT,
			missed            BIGINT,
			detected_at       TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Archive{db}, nil
}

// RecordEntries inserts entries in one transaction and returns how many were new.
func (a *Archive) RecordEntries(session string, entries []store.LogEntry) (int, error) {
	tx, err := a.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO entries (session, seq, timestamp_ms, kind, can_id, extended, rtr, dlc, data, mark)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, e := range entries {
		var (
			id, dlc  int64
			ext, rtr bool
			data     []byte
			mark     sql.NullString
		)
		if e.IsAnnotation() {
			mark = sql.NullString{String: e.Text, Valid: true}
		} else {
			id, dlc = int64(e.Frame.ID), int64(e.Frame.Length)
			ext, rtr = e.Frame.IsExtended, e.Frame.IsRemote
			data = append([]byte(nil), payload(e.Frame)...)
		}

		res, err := stmt.Exec(session, int64(e.Sequence), int64(e.TimestampMs), e.Kind.String(), id, ext, rtr, dlc, data, mark)
		if err != nil {
			return 0, fmt.Errorf("insert seq %d: %w", e.Sequence, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

func (a *Archive) RecordGap(session string, lastSeen, resumed uint64) error {
	_, err := a.Exec(`INSERT INTO gaps (session, last_seen_seq, resumed_seq, missed) VALUES (?, ?, ?, ?)`,
		session, int64(lastSeen), int64(resumed), int64(resumed-lastSeen-1))
	if err != nil {
		return fmt.Errorf("failed to record gap: %v", err)
	}
	return nil
}

// Entries returns a session's archived entries in sequence order.
func (a *Archive) Entries(session string) ([]store.LogEntry, error) {
	rows, err := a.Query(`
		SELECT seq, timestamp_ms, kind, can_id, extended, rtr, dlc, data, mark
		FROM entries WHERE session = ? ORDER BY seq
	`, session)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.LogEntry
	for rows.Next() {
		var (
			seq, ts, id, dlc int64
			kind             string
			ext, rtr         bool
			data             []byte
			mark             sql.NullString
		)
		if err := rows.Scan(&seq, &ts, &kind, &id, &ext, &rtr, &dlc, &data, &mark); err != nil {
			return nil, err
		}

		var entry store.LogEntry
		if kind == store.KindAnnotation.String() {
			entry = store.NewAnnotation(uint64(ts), mark.String)
		} else {
			frame := can.Frame{ID: uint32(id), IsExtended: ext, IsRemote: rtr, Length: uint8(dlc)}
			copy(frame.Data[:], data)
			entry = store.NewCapture(uint64(ts), frame)
		}
		entry.Sequence = uint64(seq)
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (a *Archive) GapCount(session string) (int, error) {
	var n int
	err := a.QueryRow(`SELECT COUNT(*) FROM gaps WHERE session = ?`, session).Scan(&n)
	return n, err
}
