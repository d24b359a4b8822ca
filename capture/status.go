package capture

import "canscope/models"

// Status is a point in time view of the sniffer, served as /status.
type Status struct {
	Running        bool           `json:"running"`
	Halted         bool           `json:"halted"`
	Scanning       bool           `json:"scanning"`
	Rate           models.BitRate `json:"rate"`
	Baud           string         `json:"baud"`
	Messages       uint64         `json:"messages"`
	Errors         uint64         `json:"errors"`
	UniqueIDs      int            `json:"uniqueIds"`
	Retained       int            `json:"retained"`
	OldestSequence uint64         `json:"oldestSeq"`
	NextSequence   uint64         `json:"nextSeq"`
	Session        string         `json:"session"`
	AwaitingMark   bool           `json:"awaitingMark"`
	UptimeMs       int64          `json:"uptimeMs"`
}

func (s *Sniffer) Status() Status {
	now := s.clock.Now()

	s.mu.RLock()
	status := Status{
		Running:      !s.halted,
		Halted:       s.halted,
		Scanning:     s.scanning,
		Rate:         s.rate,
		Baud:         s.rate.String(),
		Messages:     s.frameCount,
		Errors:       s.receiveErrors,
		Session:      s.session,
		AwaitingMark: s.state == AwaitingAnnotationText,
		UptimeMs:     now.Sub(s.started).Milliseconds(),
	}
	s.mu.RUnlock()

	status.UniqueIDs = s.table.Len()
	status.Retained = s.history.Len()
	status.OldestSequence = s.history.OldestSequence()
	status.NextSequence = s.history.NextSequence()
	return status
}
