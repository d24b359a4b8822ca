package export

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const filterInput = `timestamp,id,extended,rtr,dlc,data
10,0x7E8,0,0,3,02 41 0c
11,0x100,0,0,1,ff
12,MARK,0,0,0,throttle open
13,0x18DAF110,1,0,2,10 20
`

func TestFilterKeepsChosenIDsAndMarks(t *testing.T) {
	ids, err := IDSet("0x7E8, 0x18DAF110")
	require.NoError(t, err)

	var out bytes.Buffer
	kept, err := Filter(strings.NewReader(filterInput), &out, ids)
	require.NoError(t, err)
	assert.Equal(t, 3, kept)
	assert.Equal(t, `timestamp,id,extended,rtr,dlc,data
10,0x7E8,0,0,3,02 41 0c
12,MARK,0,0,0,throttle open
13,0x18DAF110,1,0,2,10 20
`, out.String())
}

func TestFilterEmptySetKeepsAll(t *testing.T) {
	ids, err := IDSet("")
	require.NoError(t, err)

	var out bytes.Buffer
	kept, err := Filter(strings.NewReader(filterInput), &out, ids)
	require.NoError(t, err)
	assert.Equal(t, 4, kept)
}

func TestFilterEmptyInputStillWritesHeader(t *testing.T) {
	var out bytes.Buffer
	kept, err := Filter(strings.NewReader(""), &out, nil)
	require.NoError(t, err)
	assert.Zero(t, kept)
	assert.Equal(t, "timestamp,id,extended,rtr,dlc,data\n", out.String())
}

func TestFilterBadRow(t *testing.T) {
	_, err := Filter(strings.NewReader("10,0x7E8,0,0,9,00\n"), &bytes.Buffer{}, nil)
	assert.ErrorContains(t, err, "dlc")
}

func TestIDSetBadID(t *testing.T) {
	_, err := IDSet("0x7E8,zz")
	assert.Error(t, err)
}
