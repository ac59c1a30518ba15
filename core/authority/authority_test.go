package authority

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"jmzkchain/core/types"
	"jmzkchain/crypto"
	"jmzkchain/storage"
	"jmzkchain/storage/tokendb"
)

type fixture struct {
	cache *tokendb.Cache
	k1    *crypto.PrivateKey
	k2    *crypto.PrivateKey
	k3    *crypto.PrivateKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := tokendb.New(storage.NewMemDB(), tokendb.Options{})
	require.NoError(t, err)
	f := &fixture{cache: tokendb.NewCache(db)}
	f.k1, err = crypto.GeneratePrivateKey()
	require.NoError(t, err)
	f.k2, err = crypto.GeneratePrivateKey()
	require.NoError(t, err)
	f.k3, err = crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return f
}

func (f *fixture) checker() *Checker {
	return New(f.cache, 6, func() []types.PublicKey { return nil })
}

func (f *fixture) putDomain(t *testing.T, name string, issue, transfer, manage types.Permission) {
	t.Helper()
	n := types.MustName128(name)
	domain := &types.Domain{Name: n, Creator: f.k1.PubKey(), Issue: issue, Transfer: transfer, Manage: manage}
	require.NoError(t, tokendb.PutToken(f.cache, tokendb.TypeDomain, tokendb.OpAdd, nil, tokendb.KeyFromName(n), domain))
}

func singleKey(name string, key types.PublicKey) types.Permission {
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

func action(t *testing.T, name, domain, key string, payload any) types.Action {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return types.Action{
		Name:   types.MustName128(name),
		Domain: types.MustName128(domain),
		Key:    types.MustName128(key),
		Data:   data,
	}
}

func TestIssueRequiresDomainIssuePermission(t *testing.T) {
	f := newFixture(t)
	f.putDomain(t, "dom", singleKey("issue", f.k1.PubKey()), ownerPerm(), singleKey("manage", f.k1.PubKey()))

	act := action(t, "issuetoken", "dom", "", map[string]any{})
	err := f.checker().SatisfiesAction(types.NewKeySet(f.k1.PubKey()), act)
	require.NoError(t, err)

	err = f.checker().SatisfiesAction(types.NewKeySet(f.k2.PubKey()), act)
	require.ErrorIs(t, err, ErrUnsatisfied)
}

func TestTransferUsesTokenOwners(t *testing.T) {
	f := newFixture(t)
	f.putDomain(t, "dom", singleKey("issue", f.k1.PubKey()), ownerPerm(), singleKey("manage", f.k1.PubKey()))
	dom := types.MustName128("dom")
	ownerAddr, err := types.PublicKeyAddress(f.k2.PubKey())
	require.NoError(t, err)
	token := &types.Token{Domain: dom, Name: types.MustName128("t1"), Owner: []types.Address{ownerAddr}}
	require.NoError(t, tokendb.PutToken(f.cache, tokendb.TypeToken, tokendb.OpAdd, &dom, tokendb.KeyFromName(token.Name), token))

	act := action(t, "transfer", "dom", "t1", map[string]any{})
	require.NoError(t, f.checker().SatisfiesAction(types.NewKeySet(f.k2.PubKey()), act))

	err = f.checker().SatisfiesAction(types.NewKeySet(f.k1.PubKey()), act)
	require.ErrorIs(t, err, ErrUnsatisfied)
}

func TestGroupRecursion(t *testing.T) {
	f := newFixture(t)
	groupName := types.MustName128("g1")
	group := &types.Group{
		Name: groupName,
		Key:  f.k1.PubKey(),
		Root: types.GroupNode{
			Threshold: 2,
			Nodes: []types.GroupNode{
				{Key: f.k1.PubKey(), Weight: 1},
				{Threshold: 1, Weight: 1, Nodes: []types.GroupNode{
					{Key: f.k2.PubKey(), Weight: 1},
					{Key: f.k3.PubKey(), Weight: 1},
				}},
			},
		},
	}
	require.NoError(t, tokendb.PutToken(f.cache, tokendb.TypeGroup, tokendb.OpAdd, nil, tokendb.KeyFromName(groupName), group))

	perm := types.Permission{
		Name:      types.PermissionIssue,
		Threshold: 1,
		Authorizers: []types.AuthorizerWeight{
			{Ref: types.GroupRef(groupName), Weight: 1},
		},
	}
	f.putDomain(t, "gdom", perm, ownerPerm(), singleKey("manage", f.k1.PubKey()))

	act := action(t, "issuetoken", "gdom", "", map[string]any{})
	// k1 plus the nested branch via k3 reaches the root threshold.
	require.NoError(t, f.checker().SatisfiesAction(types.NewKeySet(f.k1.PubKey(), f.k3.PubKey()), act))
	// k1 alone contributes weight 1 of the required 2.
	err := f.checker().SatisfiesAction(types.NewKeySet(f.k1.PubKey()), act)
	require.ErrorIs(t, err, ErrUnsatisfied)
}

func TestFrozenManageNeverSatisfies(t *testing.T) {
	f := newFixture(t)
	f.putDomain(t, "dom",
		singleKey("issue", f.k1.PubKey()),
		ownerPerm(),
		types.Permission{Name: types.PermissionManage, Threshold: 0})

	act := action(t, "updatedomain", "dom", "dom", map[string]any{})
	err := f.checker().SatisfiesAction(types.NewKeySet(f.k1.PubKey()), act)
	require.ErrorIs(t, err, ErrUnsatisfied)
}

func TestUsedKeysMinimal(t *testing.T) {
	f := newFixture(t)
	f.putDomain(t, "dom", singleKey("issue", f.k1.PubKey()), ownerPerm(), singleKey("manage", f.k1.PubKey()))

	checker := f.checker()
	act := action(t, "issuetoken", "dom", "", map[string]any{})
	require.NoError(t, checker.SatisfiesAction(types.NewKeySet(f.k1.PubKey(), f.k2.PubKey()), act))
	used := checker.UsedKeys()
	require.Len(t, used, 1)
	require.True(t, used[0].Equal(f.k1.PubKey()))
}
