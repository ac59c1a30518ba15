package gov

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"jmzkchain/core/execctx"
	"jmzkchain/core/types"
	"jmzkchain/crypto"
	"jmzkchain/storage"
	"jmzkchain/storage/tokendb"
)

// fakeControl is a minimal ChainView for driving handlers directly.
type fakeControl struct {
	now            time.Time
	cfg            types.ChainConfig
	schedule       types.ProducerSchedule
	proposed       *types.ProducerSchedule
	actionVersions map[string]int
}

func newFakeControl(producers ...types.PublicKey) *fakeControl {
	fc := &fakeControl{
		now:            time.Date(2018, 6, 1, 0, 0, 0, 0, time.UTC),
		cfg:            types.DefaultChainConfig(),
		actionVersions: make(map[string]int),
	}
	for i, key := range producers {
		name := types.MustName128(fmt.Sprintf("prod%d", i))
		fc.schedule.Producers = append(fc.schedule.Producers, types.ProducerScheduleEntry{Name: name, SigningKey: key})
	}
	return fc
}

func (fc *fakeControl) HeadBlockTime() time.Time                { return fc.now.Add(-500 * time.Millisecond) }
func (fc *fakeControl) PendingBlockTime() time.Time             { return fc.now }
func (fc *fakeControl) PendingBlockNum() uint32                 { return 2 }
func (fc *fakeControl) PendingProducer() types.PublicKey        { return fc.schedule.Producers[0].SigningKey }
func (fc *fakeControl) ActiveProducers() types.ProducerSchedule { return fc.schedule }
func (fc *fakeControl) ChainConfig() types.ChainConfig          { return fc.cfg }
func (fc *fakeControl) SetChainConfig(cfg types.ChainConfig) error {
	fc.cfg = cfg
	return nil
}
func (fc *fakeControl) ProposeSchedule(s types.ProducerSchedule) error {
	fc.proposed = &s
	return nil
}
func (fc *fakeControl) SetActionVersion(name types.Name128, version int) error {
	fc.actionVersions[name.String()] = version
	return nil
}
func (fc *fakeControl) LoadtestMode() bool { return false }
func (fc *fakeControl) ChainID() [32]byte  { return [32]byte{1} }
func (fc *fakeControl) RegisterLinkID(linkID [16]byte, trxID [32]byte) error {
	return nil
}

func applyContext(t *testing.T, fc *fakeControl, name string, payload any) *execctx.ApplyContext {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	db, err := tokendb.New(storage.NewMemDB(), tokendb.Options{})
	require.NoError(t, err)
	return &execctx.ApplyContext{
		Control: fc,
		Cache:   tokendb.NewCache(db),
		Action: types.Action{
			Name:   types.MustName128(name),
			Domain: types.MustName128(".prodvote"),
			Data:   data,
		},
		SignedKeys: make(types.KeySet),
	}
}

func TestProdvoteConfigKey(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	fc := newFakeControl(key.PubKey())

	ctx := applyContext(t, fc, "prodvote", map[string]any{
		"producer": key.PubKey(),
		"key":      types.ProdvoteGlobalFactor,
		"value":    42,
	})
	require.NoError(t, applyProdvote(ctx))
	require.Equal(t, uint32(42), fc.cfg.GlobalChargeFactor)
}

func TestProdvoteActionVersionKey(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	fc := newFakeControl(key.PubKey())

	ctx := applyContext(t, fc, "prodvote", map[string]any{
		"producer": key.PubKey(),
		"key":      types.ProdvoteActionPrefix + "everipay",
		"value":    2,
	})
	require.NoError(t, applyProdvote(ctx))
	require.Equal(t, 2, fc.actionVersions["everipay"])
}

func TestProdvoteQuorum(t *testing.T) {
	keys := make([]types.PublicKey, 3)
	for i := range keys {
		k, err := crypto.GeneratePrivateKey()
		require.NoError(t, err)
		keys[i] = k.PubKey()
	}
	fc := newFakeControl(keys...)
	db, err := tokendb.New(storage.NewMemDB(), tokendb.Options{})
	require.NoError(t, err)
	cache := tokendb.NewCache(db)

	vote := func(producer types.PublicKey, value uint32) error {
		data, err := json.Marshal(map[string]any{
			"producer": producer,
			"key":      types.ProdvoteNetworkFactor,
			"value":    value,
		})
		require.NoError(t, err)
		return applyProdvote(&execctx.ApplyContext{
			Control: fc,
			Cache:   cache,
			Action:  types.Action{Name: types.MustName128("prodvote"), Data: data},
		})
	}

	// One of three producers is below the 2/3 quorum; nothing changes.
	require.NoError(t, vote(keys[0], 5))
	require.Equal(t, types.DefaultChainConfig().BaseNetworkChargeFactor, fc.cfg.BaseNetworkChargeFactor)

	// The second vote reaches quorum; the even-count median is the floor of
	// the two central values' mean.
	require.NoError(t, vote(keys[1], 8))
	require.Equal(t, uint32(6), fc.cfg.BaseNetworkChargeFactor)
}

func TestProdvoteRejects(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	outsider, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	fc := newFakeControl(key.PubKey())

	unknown := applyContext(t, fc, "prodvote", map[string]any{
		"producer": key.PubKey(),
		"key":      "not-a-knob",
		"value":    3,
	})
	require.ErrorIs(t, applyProdvote(unknown), ErrProdvoteKey)

	notProducer := applyContext(t, fc, "prodvote", map[string]any{
		"producer": outsider.PubKey(),
		"key":      types.ProdvoteGlobalFactor,
		"value":    3,
	})
	require.ErrorIs(t, applyProdvote(notProducer), ErrNotProducer)

	outOfRange := applyContext(t, fc, "prodvote", map[string]any{
		"producer": key.PubKey(),
		"key":      types.ProdvoteGlobalFactor,
		"value":    1_000_000,
	})
	require.ErrorIs(t, applyProdvote(outOfRange), ErrProdvoteValue)
}

func TestUpdSchedProposes(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	fc := newFakeControl(key.PubKey())

	ctx := applyContext(t, fc, "updsched", map[string]any{
		"producers": []map[string]any{
			{"name": "prodA", "signing_key": key.PubKey()},
		},
	})
	require.NoError(t, applyUpdSched(ctx))
	require.NotNil(t, fc.proposed)
	require.Equal(t, fc.schedule.Version+1, fc.proposed.Version)
	require.Len(t, fc.proposed.Producers, 1)
}
