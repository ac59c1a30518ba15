package blocklog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"jmzkchain/core/types"
)

func testBlock(t *testing.T, prev types.BlockID, when time.Time) *types.SignedBlock {
	t.Helper()
	return &types.SignedBlock{
		BlockHeader: types.BlockHeader{
			Timestamp: when,
			Producer:  types.MustName128("jmzk"),
			Previous:  prev,
		},
	}
}

func TestResetAppendRead(t *testing.T) {
	dir := t.TempDir()
	bl, err := Open(dir)
	require.NoError(t, err)
	defer bl.Close()
	require.Nil(t, bl.Head())

	base := time.Date(2018, 5, 31, 12, 0, 0, 0, time.UTC)
	genesisBlock := testBlock(t, types.BlockID{}, base)
	require.NoError(t, bl.ResetToGenesis(genesisBlock))
	require.Equal(t, uint32(1), bl.Head().BlockNum())

	prevID := bl.HeadID()
	for i := 0; i < 3; i++ {
		b := testBlock(t, prevID, base.Add(time.Duration(i+1)*500*time.Millisecond))
		require.NoError(t, bl.Append(b))
		prevID = bl.HeadID()
	}
	require.Equal(t, uint32(4), bl.Head().BlockNum())

	got, err := bl.ReadBlockByNum(3)
	require.NoError(t, err)
	require.Equal(t, uint32(3), got.BlockNum())

	_, err = bl.ReadBlockByNum(9)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestAppendRequiresLink(t *testing.T) {
	dir := t.TempDir()
	bl, err := Open(dir)
	require.NoError(t, err)
	defer bl.Close()

	base := time.Date(2018, 5, 31, 12, 0, 0, 0, time.UTC)
	require.NoError(t, bl.ResetToGenesis(testBlock(t, types.BlockID{}, base)))

	unlinked := testBlock(t, types.BlockID{0xff}, base.Add(time.Second))
	require.ErrorIs(t, bl.Append(unlinked), ErrNotLinked)
}

func TestReopenLoadsHead(t *testing.T) {
	dir := t.TempDir()
	bl, err := Open(dir)
	require.NoError(t, err)
	base := time.Date(2018, 5, 31, 12, 0, 0, 0, time.UTC)
	require.NoError(t, bl.ResetToGenesis(testBlock(t, types.BlockID{}, base)))
	require.NoError(t, bl.Append(testBlock(t, bl.HeadID(), base.Add(time.Second))))
	headID := bl.HeadID()
	bl.Close()

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()
	require.Equal(t, uint32(2), reopened.Head().BlockNum())
	require.Equal(t, headID, reopened.HeadID())
	require.Equal(t, uint32(1), reopened.FirstBlockNum())
}
