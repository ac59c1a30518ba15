package tokendb

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"jmzkchain/core/types"
	"jmzkchain/storage"
)

func newTestDB(t *testing.T) *TokenDatabase {
	t.Helper()
	db, err := New(storage.NewMemDB(), Options{})
	require.NoError(t, err)
	return db
}

func domainKey(s string) Key {
	return KeyFromName(types.MustName128(s))
}

func testAddr(tag byte) types.Address {
	k := make([]byte, 33)
	k[0] = 0x02
	k[32] = tag
	addr, err := types.PublicKeyAddress(types.PublicKey(k))
	if err != nil {
		panic(err)
	}
	return addr
}

func TestPutTokenOps(t *testing.T) {
	db := newTestDB(t)
	key := domainKey("d1")

	require.NoError(t, db.PutToken(TypeDomain, OpAdd, nil, key, []byte("v1")))
	err := db.PutToken(TypeDomain, OpAdd, nil, key, []byte("v2"))
	require.ErrorIs(t, err, ErrKeyExists)

	require.NoError(t, db.PutToken(TypeDomain, OpUpdate, nil, key, []byte("v2")))
	err = db.PutToken(TypeDomain, OpUpdate, nil, domainKey("absent"), []byte("x"))
	require.ErrorIs(t, err, ErrKeyAbsent)

	require.NoError(t, db.PutToken(TypeDomain, OpPut, nil, domainKey("absent"), []byte("x")))

	got, err := db.ReadToken(TypeDomain, nil, key, false)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)

	_, err = db.ReadToken(TypeDomain, nil, domainKey("nope"), false)
	require.ErrorIs(t, err, ErrUnknownKey)
	got, err = db.ReadToken(TypeDomain, nil, domainKey("nope"), true)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestTokenTypePrefixIsolation(t *testing.T) {
	db := newTestDB(t)
	key := domainKey("same")
	require.NoError(t, db.PutToken(TypeDomain, OpAdd, nil, key, []byte("domain")))
	require.NoError(t, db.PutToken(TypeGroup, OpAdd, nil, key, []byte("group")))

	got, err := db.ReadToken(TypeGroup, nil, key, false)
	require.NoError(t, err)
	require.Equal(t, []byte("group"), got)
}

func TestReadTokensRange(t *testing.T) {
	db := newTestDB(t)
	dom := types.MustName128("dom")
	names := []string{"t1", "t2", "t3", "t4"}
	for _, n := range names {
		require.NoError(t, db.PutToken(TypeToken, OpAdd, &dom, domainKey(n), []byte(n)))
	}
	var seen []string
	count, err := db.ReadTokensRange(TypeToken, &dom, 1, func(k Key, v []byte) bool {
		seen = append(seen, string(v))
		return true
	})
	require.NoError(t, err)
	require.Equal(t, 3, count)
	require.Equal(t, []string{"t2", "t3", "t4"}, seen)
}

func TestSavepointRollbackRestoresBytes(t *testing.T) {
	db := newTestDB(t)
	key := domainKey("d1")
	require.NoError(t, db.PutToken(TypeDomain, OpAdd, nil, key, []byte("base")))

	require.NoError(t, db.AddSavepoint(1))
	require.NoError(t, db.PutToken(TypeDomain, OpUpdate, nil, key, []byte("changed")))
	require.NoError(t, db.PutToken(TypeDomain, OpAdd, nil, domainKey("fresh"), []byte("new")))

	require.NoError(t, db.RollbackToLatestSavepoint())

	got, err := db.ReadToken(TypeDomain, nil, key, false)
	require.NoError(t, err)
	require.Equal(t, []byte("base"), got)
	exists, err := db.ExistsToken(TypeDomain, nil, domainKey("fresh"))
	require.NoError(t, err)
	require.False(t, exists)
}

func TestSavepointSeqMonotonic(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.AddSavepoint(5))
	require.ErrorIs(t, db.AddSavepoint(5), ErrSavepointSeq)
	require.ErrorIs(t, db.AddSavepoint(3), ErrSavepointSeq)
	require.NoError(t, db.AddSavepoint(6))
}

func TestSavepointCap(t *testing.T) {
	db, err := New(storage.NewMemDB(), Options{MaxSavepoints: 2})
	require.NoError(t, err)
	require.NoError(t, db.AddSavepoint(1))
	require.NoError(t, db.AddSavepoint(2))
	require.ErrorIs(t, db.AddSavepoint(3), ErrTooManySavepoints)
}

func TestSquashMergesFrames(t *testing.T) {
	db := newTestDB(t)
	key := domainKey("d1")
	require.NoError(t, db.PutToken(TypeDomain, OpAdd, nil, key, []byte("base")))

	require.NoError(t, db.AddSavepoint(1))
	require.NoError(t, db.PutToken(TypeDomain, OpUpdate, nil, key, []byte("block")))
	require.NoError(t, db.AddSavepoint(2))
	require.NoError(t, db.PutToken(TypeDomain, OpUpdate, nil, key, []byte("trx")))
	require.NoError(t, db.Squash())
	require.Equal(t, 1, db.SavepointCount())

	// Rolling back the merged frame restores the pre-block value.
	require.NoError(t, db.RollbackToLatestSavepoint())
	got, err := db.ReadToken(TypeDomain, nil, key, false)
	require.NoError(t, err)
	require.Equal(t, []byte("base"), got)
}

func TestNestedRollbackKeepsOuterWrites(t *testing.T) {
	db := newTestDB(t)
	key := domainKey("d1")
	require.NoError(t, db.AddSavepoint(1))
	require.NoError(t, db.PutToken(TypeDomain, OpAdd, nil, key, []byte("outer")))
	require.NoError(t, db.AddSavepoint(2))
	require.NoError(t, db.PutToken(TypeDomain, OpUpdate, nil, key, []byte("inner")))
	require.NoError(t, db.RollbackToLatestSavepoint())

	got, err := db.ReadToken(TypeDomain, nil, key, false)
	require.NoError(t, err)
	require.Equal(t, []byte("outer"), got)
}

func TestAssetsOverlayAndRollback(t *testing.T) {
	db := newTestDB(t)
	addr := testAddr(1)

	require.NoError(t, db.PutAsset(addr, 1, []byte("100")))
	require.NoError(t, db.AddSavepoint(1))
	require.NoError(t, db.PutAsset(addr, 1, []byte("50")))

	got, err := db.ReadAsset(addr, 1, false)
	require.NoError(t, err)
	require.Equal(t, []byte("50"), got)

	require.NoError(t, db.RollbackToLatestSavepoint())
	got, err = db.ReadAsset(addr, 1, false)
	require.NoError(t, err)
	require.Equal(t, []byte("100"), got)
}

func TestAssetsCommitFlushesToEngine(t *testing.T) {
	engine := storage.NewMemDB()
	db, err := New(engine, Options{})
	require.NoError(t, err)
	addr := testAddr(2)

	require.NoError(t, db.AddSavepoint(1))
	require.NoError(t, db.PutAsset(addr, 1, []byte("42")))
	require.NoError(t, db.PopSavepoints(2))
	require.Equal(t, 0, db.SavepointCount())

	// The overlay is empty now; the value must come from the engine.
	got, err := db.ReadAsset(addr, 1, false)
	require.NoError(t, err)
	require.Equal(t, []byte("42"), got)
}

func TestAssetsRangeMergesOverlay(t *testing.T) {
	db := newTestDB(t)
	a1, a2 := testAddr(1), testAddr(2)
	require.NoError(t, db.PutAsset(a1, 1, []byte("x")))
	require.NoError(t, db.PopSavepoints(1)) // no-op, nothing stacked
	require.NoError(t, db.AddSavepoint(1))
	require.NoError(t, db.PutAsset(a2, 1, []byte("y")))
	require.NoError(t, db.PutAsset(a1, 2, []byte("other-sym")))

	var got []string
	count, err := db.ReadAssetsRange(1, 0, func(addr types.Address, v []byte) bool {
		got = append(got, string(v))
		return true
	})
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.ElementsMatch(t, []string{"x", "y"}, got)
}

func TestSidecarPersistence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "savepoints.dat")
	engine := storage.NewMemDB()

	db, err := New(engine, Options{PersistPath: path})
	require.NoError(t, err)
	key := domainKey("d1")
	require.NoError(t, db.PutToken(TypeDomain, OpAdd, nil, key, []byte("base")))
	require.NoError(t, db.AddSavepoint(1))
	require.NoError(t, db.PutToken(TypeDomain, OpUpdate, nil, key, []byte("v1")))
	require.NoError(t, db.Close())

	// A clean sidecar reconstructs the stack; rollback still works.
	db2, err := New(engine, Options{PersistPath: path})
	require.NoError(t, err)
	require.Equal(t, 1, db2.SavepointCount())
	require.NoError(t, db2.RollbackToLatestSavepoint())
	got, err := db2.ReadToken(TypeDomain, nil, key, false)
	require.NoError(t, err)
	require.Equal(t, []byte("base"), got)
}

func TestSidecarDirtyFlag(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "savepoints.dat")
	engine := storage.NewMemDB()

	db, err := New(engine, Options{PersistPath: path})
	require.NoError(t, err)
	// AddSavepoint stamps the sidecar dirty; skipping Close simulates a
	// crash.
	require.NoError(t, db.AddSavepoint(1))

	_, err = New(engine, Options{PersistPath: path})
	require.True(t, errors.Is(err, ErrDirtyFlag))
}

func TestCacheReadThrough(t *testing.T) {
	db := newTestDB(t)
	cache := NewCache(db)
	dom := types.MustName128("cachedom")

	domain := &types.Domain{Name: dom}
	require.NoError(t, PutToken(cache, TypeDomain, OpAdd, nil, KeyFromName(dom), domain))

	got, err := ReadToken[types.Domain](cache, TypeDomain, nil, KeyFromName(dom))
	require.NoError(t, err)
	require.Same(t, domain, got)

	missing, err := ReadTokenNoThrow[types.Domain](cache, TypeDomain, nil, domainKey("missing"))
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestCacheInvalidatedByRollback(t *testing.T) {
	db := newTestDB(t)
	cache := NewCache(db)
	dom := types.MustName128("d1")

	require.NoError(t, PutToken(cache, TypeDomain, OpAdd, nil, KeyFromName(dom), &types.Domain{Name: dom}))
	require.NoError(t, db.AddSavepoint(1))
	updated := &types.Domain{Name: dom, Creator: types.PublicKey(make([]byte, 33))}
	require.NoError(t, PutToken(cache, TypeDomain, OpUpdate, nil, KeyFromName(dom), updated))
	require.NoError(t, db.RollbackToLatestSavepoint())

	got, err := ReadToken[types.Domain](cache, TypeDomain, nil, KeyFromName(dom))
	require.NoError(t, err)
	require.NotSame(t, updated, got)
	require.Equal(t, dom, got.Name)
}
