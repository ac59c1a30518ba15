// Package tokendb implements the versioned token store: two composite-key
// keyspaces over an LSM engine, a stack of savepoints with byte-identical
// rollback, and a write-back overlay for the hot assets space.
package tokendb

import (
	"encoding/binary"
	"errors"
	"fmt"

	"jmzkchain/core/types"
	"jmzkchain/storage"
)

var (
	ErrUnknownKey        = errors.New("token database key does not exist")
	ErrKeyExists         = errors.New("token database key already exists")
	ErrKeyAbsent         = errors.New("token database key is absent")
	ErrNoSavepoint       = errors.New("no savepoint on the stack")
	ErrSavepointSeq      = errors.New("savepoint sequence must be strictly increasing")
	ErrTooManySavepoints = errors.New("savepoint stack is full")
	ErrDirtyFlag         = errors.New("savepoint sidecar has its dirty flag set")
	ErrEngine            = errors.New("token database engine failure")
	ErrBatchShape        = errors.New("batched keys and values differ in length")
)

// DefaultMaxSavepoints bounds the savepoint ring: (4/3*24+1)*12, enough for
// a full BFT confirmation window with headroom.
const DefaultMaxSavepoints = (4*24/3 + 1) * 12

// TokenType selects the system prefix of a tokens-space key. TypeToken uses
// the owning domain as the prefix instead.
type TokenType int

const (
	TypeToken TokenType = iota
	TypeDomain
	TypeGroup
	TypeSuspend
	TypeLock
	TypeFungible
	TypeProdvote
	TypeEVTLink
	TypePsvBonus
	TypePsvBonusDist
	TypeValidator
	TypeStakepool
	TypeScript
)

var typePrefixes = map[TokenType]types.Name128{
	TypeDomain:       types.MustName128(".domain"),
	TypeGroup:        types.MustName128(".group"),
	TypeSuspend:      types.MustName128(".suspend"),
	TypeLock:         types.MustName128(".lock"),
	TypeFungible:     types.MustName128(".fungible"),
	TypeProdvote:     types.MustName128(".prodvote"),
	TypeEVTLink:      types.MustName128(".evtlink"),
	TypePsvBonus:     types.MustName128(".psvbonus"),
	TypePsvBonusDist: types.MustName128(".psvbonus-dist"),
	TypeValidator:    types.MustName128(".validator"),
	TypeStakepool:    types.MustName128(".stakepool"),
	TypeScript:       types.MustName128(".script"),
}

// Prefix returns the fixed system prefix of the type; ok is false for
// TypeToken whose prefix is the domain supplied per call.
func (t TokenType) Prefix() (types.Name128, bool) {
	p, ok := typePrefixes[t]
	return p, ok
}

// OpKind is the write mode of a token put.
type OpKind int

const (
	// OpAdd requires the key to be absent.
	OpAdd OpKind = iota
	// OpUpdate requires the key to be present.
	OpUpdate
	// OpPut upserts.
	OpPut
)

// Key is the 16-byte second half of a tokens-space composite key: a packed
// name for most types, a raw link id for TypeEVTLink.
type Key [16]byte

// KeyFromName packs a name into a key.
func KeyFromName(n types.Name128) Key {
	var k Key
	copy(k[:], n.Bytes())
	return k
}

// KeyFromBytes wraps raw bytes; shorter input is zero-padded.
func KeyFromBytes(b []byte) Key {
	var k Key
	copy(k[:], b)
	return k
}

// Keyspace tags prepended to every engine key, standing in for the two
// column families of the original layout.
const (
	spaceTokens byte = 't'
	spaceAssets byte = 'a'
)

// TokenKeySize is prefix+key; AssetKeySize is sym_id+address.
const (
	TokenKeySize = 32
	AssetKeySize = 37
)

func tokenRawKey(prefix types.Name128, key Key) []byte {
	out := make([]byte, 1+TokenKeySize)
	out[0] = spaceTokens
	copy(out[1:17], prefix.Bytes())
	copy(out[17:], key[:])
	return out
}

func assetRawKey(symID uint32, addr types.Address) []byte {
	out := make([]byte, 1+AssetKeySize)
	out[0] = spaceAssets
	binary.BigEndian.PutUint32(out[1:5], symID)
	copy(out[5:], addr.Bytes())
	return out
}

// TokenDatabase is the versioned store. It is owned exclusively by the
// controller; all mutation happens under the current savepoint.
type TokenDatabase struct {
	engine storage.Database

	savepoints    []*savepoint
	maxSavepoints int

	assets assetsOverlay

	persistPath string
	dirty       bool

	// Invalidation hooks for the typed cache layered above.
	onRemove   func(rawKey []byte)
	onRollback func(rawKey []byte)
}

// Options tunes a TokenDatabase.
type Options struct {
	// MaxSavepoints caps the stack; 0 means DefaultMaxSavepoints.
	MaxSavepoints int
	// PersistPath is the savepoint sidecar file; empty disables persistence.
	PersistPath string
}

// New opens a TokenDatabase over the engine. If a clean sidecar exists the
// savepoint stack is reconstructed from it; a dirty sidecar returns
// ErrDirtyFlag and the caller must replay from blocks.
func New(engine storage.Database, opts Options) (*TokenDatabase, error) {
	max := opts.MaxSavepoints
	if max <= 0 {
		max = DefaultMaxSavepoints
	}
	db := &TokenDatabase{
		engine:        engine,
		maxSavepoints: max,
		assets:        newAssetsOverlay(),
		persistPath:   opts.PersistPath,
	}
	if opts.PersistPath != "" {
		if err := db.loadSidecar(); err != nil {
			return nil, err
		}
	}
	return db, nil
}

// SetCacheHooks registers the typed-cache invalidation callbacks, invoked
// with the raw engine key whenever a rollback removes or restores a value.
func (db *TokenDatabase) SetCacheHooks(onRemove, onRollback func(rawKey []byte)) {
	db.onRemove = onRemove
	db.onRollback = onRollback
}

// --- tokens space ---

// PutToken writes one value. domain is required for TypeToken and ignored
// otherwise.
func (db *TokenDatabase) PutToken(t TokenType, op OpKind, domain *types.Name128, key Key, value []byte) error {
	prefix, err := db.resolvePrefix(t, domain)
	if err != nil {
		return err
	}
	return db.putRaw(tokenRawKey(prefix, key), op, value)
}

// PutTokens writes a batch under one prefix; Add/Update checks apply per key.
func (db *TokenDatabase) PutTokens(t TokenType, op OpKind, domain *types.Name128, keys []Key, values [][]byte) error {
	if len(keys) != len(values) {
		return ErrBatchShape
	}
	prefix, err := db.resolvePrefix(t, domain)
	if err != nil {
		return err
	}
	for i := range keys {
		if err := db.putRaw(tokenRawKey(prefix, keys[i]), op, values[i]); err != nil {
			return err
		}
	}
	return nil
}

// ExistsToken reports presence.
func (db *TokenDatabase) ExistsToken(t TokenType, domain *types.Name128, key Key) (bool, error) {
	prefix, err := db.resolvePrefix(t, domain)
	if err != nil {
		return false, err
	}
	ok, err := db.engine.Has(tokenRawKey(prefix, key))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrEngine, err)
	}
	return ok, nil
}

// ReadToken returns the stored bytes. With noThrow a missing key yields
// (nil, nil) instead of ErrUnknownKey.
func (db *TokenDatabase) ReadToken(t TokenType, domain *types.Name128, key Key, noThrow bool) ([]byte, error) {
	prefix, err := db.resolvePrefix(t, domain)
	if err != nil {
		return nil, err
	}
	v, err := db.engine.Get(tokenRawKey(prefix, key))
	if errors.Is(err, storage.ErrNotFound) {
		if noThrow {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s/%x", ErrUnknownKey, prefix, key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngine, err)
	}
	return v, nil
}

// ReadTokensRange iterates values under a prefix in key order, skipping the
// first skip entries, until fn returns false. Returns the visit count.
func (db *TokenDatabase) ReadTokensRange(t TokenType, domain *types.Name128, skip int, fn func(key Key, value []byte) bool) (int, error) {
	prefix, err := db.resolvePrefix(t, domain)
	if err != nil {
		return 0, err
	}
	scanPrefix := make([]byte, 17)
	scanPrefix[0] = spaceTokens
	copy(scanPrefix[1:], prefix.Bytes())
	count := 0
	seen := 0
	err = db.engine.IteratePrefix(scanPrefix, func(k, v []byte) bool {
		if seen < skip {
			seen++
			return true
		}
		count++
		return fn(KeyFromBytes(k[17:]), v)
	})
	if err != nil {
		return count, fmt.Errorf("%w: %v", ErrEngine, err)
	}
	return count, nil
}

func (db *TokenDatabase) resolvePrefix(t TokenType, domain *types.Name128) (types.Name128, error) {
	if t == TypeToken {
		if domain == nil {
			return types.Name128{}, errors.New("token reads and writes need a domain prefix")
		}
		return *domain, nil
	}
	p, ok := t.Prefix()
	if !ok {
		return types.Name128{}, fmt.Errorf("token type %d has no prefix", t)
	}
	if domain != nil {
		return types.Name128{}, fmt.Errorf("token type %d does not take a domain prefix", t)
	}
	return p, nil
}

// putRaw applies an op to the tokens space, logging the pre-image into the
// current savepoint so rollback restores byte-identical state.
func (db *TokenDatabase) putRaw(rawKey []byte, op OpKind, value []byte) error {
	prev, err := db.engine.Get(rawKey)
	existed := true
	if errors.Is(err, storage.ErrNotFound) {
		existed = false
		err = nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEngine, err)
	}
	switch op {
	case OpAdd:
		if existed {
			return fmt.Errorf("%w: %x", ErrKeyExists, rawKey)
		}
	case OpUpdate:
		if !existed {
			return fmt.Errorf("%w: %x", ErrKeyAbsent, rawKey)
		}
	}
	if sp := db.top(); sp != nil {
		sp.logToken(rawKey, prev, existed)
	}
	if err := db.engine.Put(rawKey, value); err != nil {
		return fmt.Errorf("%w: %v", ErrEngine, err)
	}
	return nil
}

// --- assets space ---

// PutAsset upserts a balance record; the only write form in the assets
// space. Writes land in the overlay and reach the engine when their
// savepoint commits.
func (db *TokenDatabase) PutAsset(addr types.Address, symID uint32, value []byte) error {
	raw := assetRawKey(symID, addr)
	db.assets.put(db.top(), raw, value)
	return nil
}

// ExistsAsset reports presence, overlay first.
func (db *TokenDatabase) ExistsAsset(addr types.Address, symID uint32) (bool, error) {
	raw := assetRawKey(symID, addr)
	if v, ok := db.assets.get(raw); ok {
		return v != nil, nil
	}
	ok, err := db.engine.Has(raw)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrEngine, err)
	}
	return ok, nil
}

// ReadAsset returns the stored bytes, overlay first. With noThrow a missing
// key yields (nil, nil).
func (db *TokenDatabase) ReadAsset(addr types.Address, symID uint32, noThrow bool) ([]byte, error) {
	raw := assetRawKey(symID, addr)
	if v, ok := db.assets.get(raw); ok {
		if v == nil && !noThrow {
			return nil, fmt.Errorf("%w: asset %d/%s", ErrUnknownKey, symID, addr)
		}
		return v, nil
	}
	v, err := db.engine.Get(raw)
	if errors.Is(err, storage.ErrNotFound) {
		if noThrow {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: asset %d/%s", ErrUnknownKey, symID, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngine, err)
	}
	return v, nil
}

// ReadAssetsRange iterates balances of one symbol in address order, merging
// the overlay over an engine snapshot, skipping the first skip entries.
func (db *TokenDatabase) ReadAssetsRange(symID uint32, skip int, fn func(addr types.Address, value []byte) bool) (int, error) {
	scanPrefix := make([]byte, 5)
	scanPrefix[0] = spaceAssets
	binary.BigEndian.PutUint32(scanPrefix[1:], symID)

	snap, err := db.engine.Snapshot()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrEngine, err)
	}
	defer snap.Release()

	merged, err := db.assets.mergedView(snap, scanPrefix)
	if err != nil {
		return 0, err
	}
	count := 0
	seen := 0
	for _, entry := range merged {
		if seen < skip {
			seen++
			continue
		}
		addr, err := types.AddressFromBytes(entry.key[5:])
		if err != nil {
			return count, fmt.Errorf("%w: corrupt asset key: %v", ErrEngine, err)
		}
		count++
		if !fn(addr, entry.value) {
			break
		}
	}
	return count, nil
}
