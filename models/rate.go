package models

import (
	"fmt"
	"strconv"
	"strings"
)

// BitRate is a CAN bus bit rate in bits per second.
type BitRate uint32

const (
	Rate125K BitRate = 125_000
	Rate250K BitRate = 250_000
	Rate500K BitRate = 500_000
	Rate1M   BitRate = 1_000_000

	DefaultRate = Rate250K
)

// CandidateRates is the order the classifier trials rates in. Order matters, ties go to the
// earlier rate.
var CandidateRates = []BitRate{Rate125K, Rate250K, Rate500K, Rate1M}

func (r BitRate) String() string {
	switch {
	case r == 0:
		return "unset"
	case r%1_000_000 == 0:
		return fmt.Sprintf("%dMbps", r/1_000_000)
	case r%1_000 == 0:
		return fmt.Sprintf("%dkbps", r/1_000)
	default:
		return fmt.Sprintf("%dbps", uint32(r))
	}
}

// Index returns the 1-based console/web index of a candidate rate, 0 for other rates.
func (r BitRate) Index() int {
	for i, candidate := range CandidateRates {
		if candidate == r {
			return i + 1
		}
	}
	return 0
}

// ParseBitRate accepts "250k", "250kbps", "1M", "1Mbps", "500000" and the console digits 1-4.
func ParseBitRate(s string) (BitRate, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "" {
		return 0, fmt.Errorf("empty bit rate")
	}

	if len(v) == 1 && v[0] >= '1' && v[0] <= '4' {
		return CandidateRates[v[0]-'1'], nil
	}

	v = strings.TrimSuffix(v, "bps")
	multiplier := uint64(1)
	switch {
	case strings.HasSuffix(v, "k"):
		multiplier = 1_000
		v = strings.TrimSuffix(v, "k")
	case strings.HasSuffix(v, "m"):
		multiplier = 1_000_000
		v = strings.TrimSuffix(v, "m")
	}

	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse bit rate %q: %w", s, err)
	}
	rate := n * multiplier
	if rate == 0 || rate > 1_000_000 {
		return 0, fmt.Errorf("bit rate %q outside 1bps..1Mbps", s)
	}
	return BitRate(rate), nil
}
