package tokendb

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"jmzkchain/storage"
)

// overlayEntry is one live assets-space value: the current bytes plus a
// refcount of savepoint frames still guarding the key. An entry flushes to
// the engine only once no frame guards it.
type overlayEntry struct {
	ref   int
	value []byte
}

// assetsOverlay is the write cache for the assets keyspace. Every PutAsset
// lands here; reads check it before the engine; commits flush in one batch.
type assetsOverlay struct {
	entries map[string]*overlayEntry
}

func newAssetsOverlay() assetsOverlay {
	return assetsOverlay{entries: make(map[string]*overlayEntry)}
}

func (o *assetsOverlay) get(rawKey []byte) ([]byte, bool) {
	e, ok := o.entries[string(rawKey)]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// put records the new value, logging the previous overlay state into the
// current frame on its first touch of the key.
func (o *assetsOverlay) put(sp *savepoint, rawKey, value []byte) {
	k := string(rawKey)
	e, inOverlay := o.entries[k]
	if sp != nil {
		if _, touched := sp.assetSeen[k]; !touched {
			var prev []byte
			if inOverlay {
				prev = e.value
			}
			sp.logAsset(rawKey, prev, inOverlay)
			if !inOverlay {
				e = &overlayEntry{}
				o.entries[k] = e
			}
			e.ref++
		}
	}
	if e == nil {
		e = &overlayEntry{}
		o.entries[k] = e
	}
	e.value = append([]byte(nil), value...)
}

// rollback restores the overlay to the state before the frame, in reverse
// touch order.
func (o *assetsOverlay) rollback(sp *savepoint) {
	for i := len(sp.AssetUndo) - 1; i >= 0; i-- {
		u := sp.AssetUndo[i]
		k := string(u.Key)
		e, ok := o.entries[k]
		if !ok {
			continue
		}
		e.ref--
		if !u.InOverlay {
			delete(o.entries, k)
			continue
		}
		e.value = append([]byte(nil), u.Value...)
	}
}

// commitFrames releases the guards of frames popped from the front of the
// stack.
func (o *assetsOverlay) commitFrames(frames []*savepoint) {
	for _, sp := range frames {
		for k := range sp.assetSeen {
			if e, ok := o.entries[k]; ok {
				e.ref--
			}
		}
	}
}

// flushCommitted writes every unguarded entry to the engine in one fsynced
// batch and drops it from the overlay.
func (o *assetsOverlay) flushCommitted(engine storage.Database) error {
	ops := make([]storage.BatchOp, 0)
	for k, e := range o.entries {
		if e.ref <= 0 {
			ops = append(ops, storage.BatchOp{Key: []byte(k), Value: e.value})
		}
	}
	if len(ops) == 0 {
		return nil
	}
	if err := engine.Write(ops, true); err != nil {
		return fmt.Errorf("%w: %v", ErrEngine, err)
	}
	for _, op := range ops {
		delete(o.entries, string(op.Key))
	}
	return nil
}

// flush writes everything regardless of guards; only legal when the stack is
// empty.
func (o *assetsOverlay) flush(engine storage.Database) error {
	ops := make([]storage.BatchOp, 0, len(o.entries))
	for k, e := range o.entries {
		ops = append(ops, storage.BatchOp{Key: []byte(k), Value: e.value})
	}
	if len(ops) == 0 {
		return nil
	}
	if err := engine.Write(ops, true); err != nil {
		return fmt.Errorf("%w: %v", ErrEngine, err)
	}
	o.entries = make(map[string]*overlayEntry)
	return nil
}

type mergedEntry struct {
	key   []byte
	value []byte
}

// mergedView materializes the union of an engine snapshot and the overlay
// for one scan prefix, ordered by key. The overlay wins on conflicts.
func (o *assetsOverlay) mergedView(snap storage.Snapshot, prefix []byte) ([]mergedEntry, error) {
	seen := make(map[string][]byte)
	err := snap.IteratePrefix(prefix, func(k, v []byte) bool {
		seen[string(k)] = v
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngine, err)
	}
	for k, e := range o.entries {
		if strings.HasPrefix(k, string(prefix)) {
			seen[k] = e.value
		}
	}
	out := make([]mergedEntry, 0, len(seen))
	for k, v := range seen {
		out = append(out, mergedEntry{key: []byte(k), value: v})
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].key, out[j].key) < 0 })
	return out, nil
}
