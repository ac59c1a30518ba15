package token

import (
	"encoding/json"
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
	now time.Time
	cfg types.ChainConfig
}

func (fc *fakeControl) HeadBlockTime() time.Time                     { return fc.now.Add(-500 * time.Millisecond) }
func (fc *fakeControl) PendingBlockTime() time.Time                  { return fc.now }
func (fc *fakeControl) PendingBlockNum() uint32                      { return 2 }
func (fc *fakeControl) PendingProducer() types.PublicKey             { return nil }
func (fc *fakeControl) ActiveProducers() types.ProducerSchedule      { return types.ProducerSchedule{} }
func (fc *fakeControl) ChainConfig() types.ChainConfig               { return fc.cfg }
func (fc *fakeControl) SetChainConfig(types.ChainConfig) error       { return nil }
func (fc *fakeControl) ProposeSchedule(types.ProducerSchedule) error { return nil }
func (fc *fakeControl) SetActionVersion(types.Name128, int) error    { return nil }
func (fc *fakeControl) LoadtestMode() bool                           { return false }
func (fc *fakeControl) ChainID() [32]byte                            { return [32]byte{1} }
func (fc *fakeControl) RegisterLinkID([16]byte, [32]byte) error      { return nil }

type fixture struct {
	t       *testing.T
	cache   *tokendb.Cache
	control *fakeControl
	signer  *crypto.PrivateKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := tokendb.New(storage.NewMemDB(), tokendb.Options{})
	require.NoError(t, err)
	signer, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return &fixture{
		t:       t,
		cache:   tokendb.NewCache(db),
		control: &fakeControl{now: time.Date(2018, 6, 1, 0, 0, 0, 0, time.UTC), cfg: types.DefaultChainConfig()},
		signer:  signer,
	}
}

func (f *fixture) apply(handler execctx.Handler, name, domain, key string, payload any) error {
	f.t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(f.t, err)
	act := types.Action{Name: types.MustName128(name), Data: data}
	if domain != "" {
		act.Domain = types.MustName128(domain)
	}
	if key != "" {
		act.Key = types.MustName128(key)
	}
	return handler(&execctx.ApplyContext{
		Control:    f.control,
		Cache:      f.cache,
		Action:     act,
		SignedKeys: types.NewKeySet(f.signer.PubKey()),
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

func ownerPerm() types.Permission {
	return types.Permission{
		Name:      types.PermissionTransfer,
		Threshold: 1,
		Authorizers: []types.AuthorizerWeight{
			{Ref: types.OwnerRef(), Weight: 1},
		},
	}
}

func (f *fixture) createDomain(name string) {
	f.t.Helper()
	require.NoError(f.t, f.apply(applyNewDomain, "newdomain", name, name, map[string]any{
		"name":     name,
		"creator":  f.signer.PubKey(),
		"issue":    singleKeyPerm(types.PermissionIssue, f.signer.PubKey()),
		"transfer": ownerPerm(),
		"manage":   singleKeyPerm(types.PermissionManage, f.signer.PubKey()),
	}))
}

func TestNewDomainRules(t *testing.T) {
	f := newFixture(t)
	f.createDomain("dom1")

	stored, err := tokendb.ReadToken[types.Domain](f.cache, tokendb.TypeDomain, nil, tokendb.KeyFromName(types.MustName128("dom1")))
	require.NoError(t, err)
	require.Equal(t, f.signer.PubKey(), stored.Creator)
	// Create time comes from the head block, not the pending one.
	require.Equal(t, f.control.HeadBlockTime(), stored.CreateTime)

	// A second create and a reserved name are both rejected.
	err = f.apply(applyNewDomain, "newdomain", "dom1", "dom1", map[string]any{
		"name":     "dom1",
		"creator":  f.signer.PubKey(),
		"issue":    singleKeyPerm(types.PermissionIssue, f.signer.PubKey()),
		"transfer": ownerPerm(),
		"manage":   singleKeyPerm(types.PermissionManage, f.signer.PubKey()),
	})
	require.ErrorIs(t, err, ErrDomainDuplicate)

	err = f.apply(applyNewDomain, "newdomain", ".sys", ".sys", map[string]any{
		"name":     ".sys",
		"creator":  f.signer.PubKey(),
		"issue":    singleKeyPerm(types.PermissionIssue, f.signer.PubKey()),
		"transfer": ownerPerm(),
		"manage":   singleKeyPerm(types.PermissionManage, f.signer.PubKey()),
	})
	require.ErrorIs(t, err, types.ErrNameReserved)
}

func TestIssueTransferDestroy(t *testing.T) {
	f := newFixture(t)
	f.createDomain("dom1")
	ownerAddr, err := types.PublicKeyAddress(f.signer.PubKey())
	require.NoError(t, err)

	require.NoError(t, f.apply(applyIssueToken, "issuetoken", "dom1", "", map[string]any{
		"domain": "dom1",
		"names":  []string{"t1", "t2"},
		"owner":  []types.Address{ownerAddr},
	}))

	// Reissuing an existing name must fail.
	err = f.apply(applyIssueToken, "issuetoken", "dom1", "", map[string]any{
		"domain": "dom1",
		"names":  []string{"t1"},
		"owner":  []types.Address{ownerAddr},
	})
	require.ErrorIs(t, err, ErrTokenDuplicate)

	require.NoError(t, f.apply(applyDestroyToken, "destroytoken", "dom1", "t1", map[string]any{
		"domain": "dom1",
		"name":   "t1",
	}))

	dom := types.MustName128("dom1")
	token, err := tokendb.ReadToken[types.Token](f.cache, tokendb.TypeToken, &dom, tokendb.KeyFromName(types.MustName128("t1")))
	require.NoError(t, err)
	require.True(t, token.Destroyed())

	// Destroy is terminal: a second destroy and a transfer both fail.
	err = f.apply(applyDestroyToken, "destroytoken", "dom1", "t1", map[string]any{
		"domain": "dom1",
		"name":   "t1",
	})
	require.ErrorIs(t, err, ErrTokenDestroyed)

	err = f.apply(applyTransfer, "transfer", "dom1", "t1", map[string]any{
		"domain": "dom1",
		"name":   "t1",
		"to":     []types.Address{ownerAddr},
	})
	require.ErrorIs(t, err, ErrTokenDestroyed)
}

func TestAddMetaReservedKeys(t *testing.T) {
	f := newFixture(t)
	f.createDomain("dom1")

	// The destroy switch is a recognized reserved key on domains.
	require.NoError(t, f.apply(applyAddMeta, "addmeta", "dom1", ".meta", map[string]any{
		"key":     ".disable-destroy",
		"value":   "true",
		"creator": types.AccountRef(f.signer.PubKey()),
	}))

	stored, err := tokendb.ReadToken[types.Domain](f.cache, tokendb.TypeDomain, nil, tokendb.KeyFromName(types.MustName128("dom1")))
	require.NoError(t, err)
	require.True(t, stored.DestroyDisabled())

	// Unknown reserved keys and duplicates are rejected.
	err = f.apply(applyAddMeta, "addmeta", "dom1", ".meta", map[string]any{
		"key":     ".mystery",
		"value":   "x",
		"creator": types.AccountRef(f.signer.PubKey()),
	})
	require.ErrorIs(t, err, types.ErrMetaKey)

	err = f.apply(applyAddMeta, "addmeta", "dom1", ".meta", map[string]any{
		"key":     ".disable-destroy",
		"value":   "false",
		"creator": types.AccountRef(f.signer.PubKey()),
	})
	require.ErrorIs(t, err, types.ErrMetaDupe)

	// With the switch set, destroying tokens in the domain is forbidden.
	ownerAddr, err := types.PublicKeyAddress(f.signer.PubKey())
	require.NoError(t, err)
	require.NoError(t, f.apply(applyIssueToken, "issuetoken", "dom1", "", map[string]any{
		"domain": "dom1",
		"names":  []string{"t1"},
		"owner":  []types.Address{ownerAddr},
	}))
	err = f.apply(applyDestroyToken, "destroytoken", "dom1", "t1", map[string]any{
		"domain": "dom1",
		"name":   "t1",
	})
	require.ErrorIs(t, err, ErrDestroyDisabled)
}
