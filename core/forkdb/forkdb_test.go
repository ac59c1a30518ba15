package forkdb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"jmzkchain/core/types"
	"jmzkchain/crypto"
)

var producerName = types.MustName128("jmzk")

func buildBlock(t *testing.T, prev types.BlockID, when time.Time) *types.SignedBlock {
	t.Helper()
	return &types.SignedBlock{
		BlockHeader: types.BlockHeader{
			Timestamp: when,
			Producer:  producerName,
			Previous:  prev,
		},
	}
}

func newTestForkDB(t *testing.T, signer types.PublicKey) (*ForkDatabase, *BlockState) {
	t.Helper()
	fdb := New()
	base := time.Date(2018, 5, 31, 12, 0, 0, 0, time.UTC)
	root := buildBlock(t, types.BlockID{}, base)
	id, err := root.ID()
	require.NoError(t, err)
	state := &BlockState{
		ID:       id,
		BlockNum: root.BlockNum(),
		Block:    root,
		ActiveSchedule: types.ProducerSchedule{
			Producers: []types.ProducerScheduleEntry{{Name: producerName, SigningKey: signer}},
		},
		DposIrreversibleBlocknum: root.BlockNum(),
	}
	fdb.AddRoot(state)
	return fdb, state
}

func TestAddAndHead(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	fdb, root := newTestForkDB(t, key.PubKey())

	b2 := buildBlock(t, root.ID, root.Block.Timestamp.Add(time.Second))
	s2, err := fdb.Add(b2, true)
	require.NoError(t, err)
	require.Equal(t, s2.ID, fdb.Head().ID)

	// A second insert of the same block is a duplicate.
	_, err = fdb.Add(b2, true)
	require.ErrorIs(t, err, ErrDuplicate)

	// A block with an unknown parent is unlinkable.
	orphan := buildBlock(t, types.BlockID{0xaa}, root.Block.Timestamp)
	_, err = fdb.Add(orphan, true)
	require.ErrorIs(t, err, ErrUnlinkable)
}

func TestProducerSignatureValidation(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	fdb, root := newTestForkDB(t, key.PubKey())

	b2 := buildBlock(t, root.ID, root.Block.Timestamp.Add(time.Second))
	digest, err := b2.Digest()
	require.NoError(t, err)
	sig, err := key.Sign(digest)
	require.NoError(t, err)
	b2.ProducerSignature = sig
	_, err = fdb.Add(b2, false)
	require.NoError(t, err)

	wrongKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	b3 := buildBlock(t, fdb.Head().ID, root.Block.Timestamp.Add(2*time.Second))
	digest3, err := b3.Digest()
	require.NoError(t, err)
	badSig, err := wrongKey.Sign(digest3)
	require.NoError(t, err)
	b3.ProducerSignature = badSig
	_, err = fdb.Add(b3, false)
	require.ErrorIs(t, err, ErrBadProducer)
}

func TestFetchBranchFrom(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	fdb, root := newTestForkDB(t, key.PubKey())
	base := root.Block.Timestamp

	// root -> a2 -> a3 and root -> b2 -> b3.
	a2, err := fdb.Add(buildBlock(t, root.ID, base.Add(1*time.Second)), true)
	require.NoError(t, err)
	a3, err := fdb.Add(buildBlock(t, a2.ID, base.Add(2*time.Second)), true)
	require.NoError(t, err)
	b2, err := fdb.Add(buildBlock(t, root.ID, base.Add(3*time.Second)), true)
	require.NoError(t, err)
	b3, err := fdb.Add(buildBlock(t, b2.ID, base.Add(4*time.Second)), true)
	require.NoError(t, err)

	toA, toB, err := fdb.FetchBranchFrom(a3.ID, b3.ID)
	require.NoError(t, err)
	require.Equal(t, []*BlockState{a2, a3}, toA)
	require.Equal(t, []*BlockState{b2, b3}, toB)
}

func TestSetValidityRemovesSubtree(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	fdb, root := newTestForkDB(t, key.PubKey())
	base := root.Block.Timestamp

	b2, err := fdb.Add(buildBlock(t, root.ID, base.Add(time.Second)), true)
	require.NoError(t, err)
	b3, err := fdb.Add(buildBlock(t, b2.ID, base.Add(2*time.Second)), true)
	require.NoError(t, err)

	fdb.SetValidity(b2, false)
	_, ok := fdb.Get(b2.ID)
	require.False(t, ok)
	_, ok = fdb.Get(b3.ID)
	require.False(t, ok, "invalidating a node must remove its subtree")
	require.Equal(t, root.ID, fdb.Head().ID)
}

func TestIrreversibleSignalTrailsHead(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	fdb, root := newTestForkDB(t, key.PubKey())
	base := root.Block.Timestamp

	var emitted []uint32
	fdb.OnIrreversible = func(s *BlockState) { emitted = append(emitted, s.BlockNum) }

	prev := root
	for i := 1; i <= 3; i++ {
		next, err := fdb.Add(buildBlock(t, prev.ID, base.Add(time.Duration(i)*time.Second)), true)
		require.NoError(t, err)
		prev = next
	}
	// With one producer the LIB trails the head by exactly one block.
	require.Equal(t, []uint32{2, 3}, emitted)
	require.Equal(t, uint32(3), fdb.Head().Irreversible())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	fdb, root := newTestForkDB(t, key.PubKey())
	b2, err := fdb.Add(buildBlock(t, root.ID, root.Block.Timestamp.Add(time.Second)), true)
	require.NoError(t, err)

	path := t.TempDir() + "/forkdb.dat"
	require.NoError(t, fdb.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, b2.ID, loaded.Head().ID)
	got, ok := loaded.Get(root.ID)
	require.True(t, ok)
	require.Equal(t, root.BlockNum, got.BlockNum)
}
