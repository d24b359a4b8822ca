package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBitRate(t *testing.T) {
	tests := []struct {
		in   string
		want BitRate
	}{
		{"1", Rate125K},
		{"2", Rate250K},
		{"4", Rate1M},
		{"250k", Rate250K},
		{"500kbps", Rate500K},
		{"1M", Rate1M},
		{"1Mbps", Rate1M},
		{"125000", Rate125K},
		{" 83k ", BitRate(83_000)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseBitRate(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseBitRateRejects(t *testing.T) {
	for _, in := range []string{"", "fast", "0", "2M", "-5k"} {
		_, err := ParseBitRate(in)
		assert.Error(t, err, in)
	}
}

func TestBitRateString(t *testing.T) {
	assert.Equal(t, "125kbps", Rate125K.String())
	assert.Equal(t, "1Mbps", Rate1M.String())
	assert.Equal(t, "unset", BitRate(0).String())
	assert.Equal(t, 2, Rate250K.Index())
	assert.Equal(t, 0, BitRate(83_000).Index())
}
