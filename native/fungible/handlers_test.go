package fungible

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"jmzkchain/core/execctx"
	"jmzkchain/core/types"
	"jmzkchain/crypto"
	"jmzkchain/native/common"
	"jmzkchain/storage"
	"jmzkchain/storage/tokendb"
)

// fakeControl is a minimal ChainView for driving handlers directly.
type fakeControl struct {
	now      time.Time
	cfg      types.ChainConfig
	producer types.PublicKey
}

func (fc *fakeControl) HeadBlockTime() time.Time                     { return fc.now.Add(-500 * time.Millisecond) }
func (fc *fakeControl) PendingBlockTime() time.Time                  { return fc.now }
func (fc *fakeControl) PendingBlockNum() uint32                      { return 2 }
func (fc *fakeControl) PendingProducer() types.PublicKey             { return fc.producer }
func (fc *fakeControl) ActiveProducers() types.ProducerSchedule      { return types.ProducerSchedule{} }
func (fc *fakeControl) ChainConfig() types.ChainConfig               { return fc.cfg }
func (fc *fakeControl) SetChainConfig(types.ChainConfig) error       { return nil }
func (fc *fakeControl) ProposeSchedule(types.ProducerSchedule) error { return nil }
func (fc *fakeControl) SetActionVersion(types.Name128, int) error    { return nil }
func (fc *fakeControl) LoadtestMode() bool                           { return false }
func (fc *fakeControl) ChainID() [32]byte                            { return [32]byte{1} }
func (fc *fakeControl) RegisterLinkID([16]byte, [32]byte) error      { return nil }

type fixture struct {
	t        *testing.T
	registry *execctx.Registry
	cache    *tokendb.Cache
	control  *fakeControl
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := tokendb.New(storage.NewMemDB(), tokendb.Options{})
	require.NoError(t, err)
	producer, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	r := execctx.NewRegistry()
	Register(r)
	return &fixture{
		t:        t,
		registry: r,
		cache:    tokendb.NewCache(db),
		control: &fakeControl{
			now:      time.Date(2018, 6, 1, 0, 0, 0, 0, time.UTC),
			cfg:      types.DefaultChainConfig(),
			producer: producer.PubKey(),
		},
	}
}

func (f *fixture) apply(name string, payload any) error {
	f.t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(f.t, err)
	return f.registry.Apply(&execctx.ApplyContext{
		Control: f.control,
		Cache:   f.cache,
		Action: types.Action{
			Name:   types.MustName128(name),
			Domain: types.MustName128(".fungible"),
			Data:   data,
		},
		SignedKeys: make(types.KeySet),
	})
}

func singleKeyPerm(name string, key types.PublicKey) types.Permission {
	return types.Permission{
		Name:      name,
		Threshold: 1,
		Authorizers: []types.AuthorizerWeight{
			{Ref: types.AccountRef(key), Weight: 1},
		},
	}
}

func testKeyAddr(t *testing.T) (types.PublicKey, types.Address) {
	t.Helper()
	k, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	addr, err := types.PublicKeyAddress(k.PubKey())
	require.NoError(t, err)
	return k.PubKey(), addr
}

func TestNewFungibleV1DefaultsTransfer(t *testing.T) {
	f := newFixture(t)
	creator, _ := testKeyAddr(t)

	require.NoError(t, f.apply("newfungible", map[string]any{
		"name":         "TST",
		"sym_name":     "TST",
		"sym":          types.Symbol{Precision: 5, ID: 3},
		"creator":      creator,
		"issue":        singleKeyPerm(types.PermissionIssue, creator),
		"manage":       singleKeyPerm(types.PermissionManage, creator),
		"total_supply": "1000.00000 S#3",
	}))

	stored, err := tokendb.ReadToken[types.Fungible](f.cache, tokendb.TypeFungible, nil, common.SymKey(3))
	require.NoError(t, err)
	// Version 1 payloads carry no transfer permission; the owner sentinel
	// stands in.
	require.Len(t, stored.Transfer.Authorizers, 1)
	require.True(t, stored.Transfer.Authorizers[0].Ref.IsOwner())

	supply, err := common.Balance(f.cache, types.FungibleAddress(3), stored.Sym)
	require.NoError(t, err)
	require.Equal(t, int64(100000000), supply.Amount)
}

func TestNewFungibleV2AfterVersionUpgrade(t *testing.T) {
	f := newFixture(t)
	creator, _ := testKeyAddr(t)
	other, _ := testKeyAddr(t)

	v2payload := map[string]any{
		"name":         "TST",
		"sym_name":     "TST",
		"sym":          types.Symbol{Precision: 5, ID: 3},
		"creator":      creator,
		"issue":        singleKeyPerm(types.PermissionIssue, creator),
		"transfer":     singleKeyPerm(types.PermissionTransfer, other),
		"manage":       singleKeyPerm(types.PermissionManage, creator),
		"total_supply": "1000.00000 S#3",
	}

	// Before the upgrade the v1 decoder rejects the extra field.
	require.ErrorIs(t, f.apply("newfungible", v2payload), execctx.ErrRawUnpack)

	require.NoError(t, f.registry.SetVersion(types.MustName128("newfungible"), 2))
	require.NoError(t, f.apply("newfungible", v2payload))

	stored, err := tokendb.ReadToken[types.Fungible](f.cache, tokendb.TypeFungible, nil, common.SymKey(3))
	require.NoError(t, err)
	require.Len(t, stored.Transfer.Authorizers, 1)
	require.True(t, stored.Transfer.Authorizers[0].Ref.IsAccount())
	require.True(t, stored.Transfer.Authorizers[0].Ref.Key.Equal(other))
}

func TestUpdFungibleV2TransferSlot(t *testing.T) {
	f := newFixture(t)
	creator, _ := testKeyAddr(t)
	other, _ := testKeyAddr(t)

	require.NoError(t, f.apply("newfungible", map[string]any{
		"name":         "TST",
		"sym_name":     "TST",
		"sym":          types.Symbol{Precision: 5, ID: 3},
		"creator":      creator,
		"issue":        singleKeyPerm(types.PermissionIssue, creator),
		"manage":       singleKeyPerm(types.PermissionManage, creator),
		"total_supply": "1000.00000 S#3",
	}))

	update := map[string]any{
		"sym_id":   3,
		"transfer": singleKeyPerm(types.PermissionTransfer, other),
	}
	require.ErrorIs(t, f.apply("updfungible", update), execctx.ErrRawUnpack)

	require.NoError(t, f.registry.SetVersion(types.MustName128("updfungible"), 2))
	require.NoError(t, f.apply("updfungible", update))

	stored, err := tokendb.ReadToken[types.Fungible](f.cache, tokendb.TypeFungible, nil, common.SymKey(3))
	require.NoError(t, err)
	require.True(t, stored.Transfer.Authorizers[0].Ref.Key.Equal(other))
}

func TestTransferFTMovesBalance(t *testing.T) {
	f := newFixture(t)
	creator, _ := testKeyAddr(t)
	_, from := testKeyAddr(t)
	_, to := testKeyAddr(t)

	require.NoError(t, f.apply("newfungible", map[string]any{
		"name":         "TST",
		"sym_name":     "TST",
		"sym":          types.Symbol{Precision: 5, ID: 3},
		"creator":      creator,
		"issue":        singleKeyPerm(types.PermissionIssue, creator),
		"manage":       singleKeyPerm(types.PermissionManage, creator),
		"total_supply": "1000.00000 S#3",
	}))
	require.NoError(t, f.apply("issuefungible", map[string]any{
		"address": from,
		"number":  "100.00000 S#3",
	}))
	require.NoError(t, f.apply("transferft", map[string]any{
		"from":   from,
		"to":     to,
		"number": "25.00000 S#3",
	}))

	sym := types.Symbol{Precision: 5, ID: 3}
	fromBal, err := common.Balance(f.cache, from, sym)
	require.NoError(t, err)
	require.Equal(t, int64(7500000), fromBal.Amount)
	toBal, err := common.Balance(f.cache, to, sym)
	require.NoError(t, err)
	require.Equal(t, int64(2500000), toBal.Amount)

	// Overdrafts never move anything.
	err = f.apply("transferft", map[string]any{
		"from":   from,
		"to":     to,
		"number": "10000.00000 S#3",
	})
	require.ErrorIs(t, err, common.ErrBalanceLow)
}

func TestPayChargeFallsBackToPinned(t *testing.T) {
	f := newFixture(t)
	_, payer := testKeyAddr(t)

	evt := types.EVTSymbol()
	pevt := types.PEVTSymbol()
	require.NoError(t, common.Credit(f.cache, payer, types.Asset{Amount: 30, Sym: evt}, 1))
	require.NoError(t, common.Credit(f.cache, payer, types.Asset{Amount: 100, Sym: pevt}, 1))

	require.NoError(t, f.apply("paycharge", map[string]any{
		"payer":  payer,
		"charge": 50,
	}))

	evtBal, err := common.Balance(f.cache, payer, evt)
	require.NoError(t, err)
	require.Equal(t, int64(0), evtBal.Amount)
	pevtBal, err := common.Balance(f.cache, payer, pevt)
	require.NoError(t, err)
	require.Equal(t, int64(80), pevtBal.Amount)

	producerAddr, err := types.PublicKeyAddress(f.control.producer)
	require.NoError(t, err)
	prodEVT, err := common.Balance(f.cache, producerAddr, evt)
	require.NoError(t, err)
	require.Equal(t, int64(30), prodEVT.Amount)
	prodPEVT, err := common.Balance(f.cache, producerAddr, pevt)
	require.NoError(t, err)
	require.Equal(t, int64(20), prodPEVT.Amount)
}
