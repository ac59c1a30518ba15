package tokendb

import (
	"fmt"

	"jmzkchain/storage"
)

// tokenPreimage is the state of one tokens-space key before the first write
// in a frame.
type tokenPreimage struct {
	Key     []byte `json:"key"`
	Value   []byte `json:"value,omitempty"`
	Existed bool   `json:"existed"`
}

// assetUndo is the overlay state of one assets-space key before the first
// write in a frame.
type assetUndo struct {
	Key       []byte `json:"key"`
	Value     []byte `json:"value,omitempty"`
	InOverlay bool   `json:"in_overlay"`
}

// savepoint is one frame of the undo stack. Frames are runtime by default;
// the sidecar materializes them on shutdown.
type savepoint struct {
	Seq       int64           `json:"seq"`
	TokenUndo []tokenPreimage `json:"token_undo,omitempty"`
	AssetUndo []assetUndo     `json:"asset_undo,omitempty"`
	tokenSeen map[string]struct{}
	assetSeen map[string]struct{}
}

func newSavepoint(seq int64) *savepoint {
	return &savepoint{
		Seq:       seq,
		tokenSeen: make(map[string]struct{}),
		assetSeen: make(map[string]struct{}),
	}
}

func (sp *savepoint) logToken(rawKey, prev []byte, existed bool) {
	if _, done := sp.tokenSeen[string(rawKey)]; done {
		return
	}
	sp.tokenSeen[string(rawKey)] = struct{}{}
	sp.TokenUndo = append(sp.TokenUndo, tokenPreimage{
		Key:     append([]byte(nil), rawKey...),
		Value:   append([]byte(nil), prev...),
		Existed: existed,
	})
}

func (sp *savepoint) logAsset(rawKey, prev []byte, inOverlay bool) {
	if _, done := sp.assetSeen[string(rawKey)]; done {
		return
	}
	sp.assetSeen[string(rawKey)] = struct{}{}
	sp.AssetUndo = append(sp.AssetUndo, assetUndo{
		Key:       append([]byte(nil), rawKey...),
		Value:     append([]byte(nil), prev...),
		InOverlay: inOverlay,
	})
}

// top returns the current frame, nil when the stack is empty.
func (db *TokenDatabase) top() *savepoint {
	if len(db.savepoints) == 0 {
		return nil
	}
	return db.savepoints[len(db.savepoints)-1]
}

// LatestSavepointSeq returns the top frame's sequence, or -1.
func (db *TokenDatabase) LatestSavepointSeq() int64 {
	if sp := db.top(); sp != nil {
		return sp.Seq
	}
	return -1
}

// OldestSavepointSeq returns the bottom frame's sequence, or -1.
func (db *TokenDatabase) OldestSavepointSeq() int64 {
	if len(db.savepoints) == 0 {
		return -1
	}
	return db.savepoints[0].Seq
}

// SavepointCount returns the stack depth.
func (db *TokenDatabase) SavepointCount() int {
	return len(db.savepoints)
}

// AddSavepoint pushes a frame. Sequences must be strictly increasing; the
// ring cap is a hard error, not an eviction.
func (db *TokenDatabase) AddSavepoint(seq int64) error {
	if sp := db.top(); sp != nil && seq <= sp.Seq {
		return fmt.Errorf("%w: %d <= %d", ErrSavepointSeq, seq, sp.Seq)
	}
	if len(db.savepoints) >= db.maxSavepoints {
		return ErrTooManySavepoints
	}
	if !db.dirty && db.persistPath != "" {
		if err := db.markDirty(); err != nil {
			return err
		}
	}
	db.savepoints = append(db.savepoints, newSavepoint(seq))
	return nil
}

// RollbackToLatestSavepoint reverts every write of the top frame and drops
// it, restoring byte-identical store state.
func (db *TokenDatabase) RollbackToLatestSavepoint() error {
	sp := db.top()
	if sp == nil {
		return ErrNoSavepoint
	}
	// Undo in reverse write order.
	ops := make([]storage.BatchOp, 0, len(sp.TokenUndo))
	for i := len(sp.TokenUndo) - 1; i >= 0; i-- {
		u := sp.TokenUndo[i]
		if u.Existed {
			ops = append(ops, storage.BatchOp{Key: u.Key, Value: u.Value})
			if db.onRollback != nil {
				db.onRollback(u.Key)
			}
		} else {
			ops = append(ops, storage.BatchOp{Key: u.Key, Value: nil})
			if db.onRemove != nil {
				db.onRemove(u.Key)
			}
		}
	}
	if len(ops) > 0 {
		if err := db.engine.Write(ops, false); err != nil {
			return fmt.Errorf("%w: %v", ErrEngine, err)
		}
	}
	db.assets.rollback(sp)
	db.savepoints = db.savepoints[:len(db.savepoints)-1]
	return nil
}

// Squash merges the top frame into the one below it. Pre-images already
// captured below win; keys first touched in the top frame carry their
// pre-images down.
func (db *TokenDatabase) Squash() error {
	if len(db.savepoints) < 2 {
		return fmt.Errorf("%w: squash needs two frames", ErrNoSavepoint)
	}
	topSP := db.savepoints[len(db.savepoints)-1]
	below := db.savepoints[len(db.savepoints)-2]
	for _, u := range topSP.TokenUndo {
		if _, done := below.tokenSeen[string(u.Key)]; done {
			continue
		}
		below.tokenSeen[string(u.Key)] = struct{}{}
		below.TokenUndo = append(below.TokenUndo, u)
	}
	for _, u := range topSP.AssetUndo {
		if _, done := below.assetSeen[string(u.Key)]; done {
			// Both frames guarded the key; the merged frame holds a single
			// guard, so the top one is released.
			if e, ok := db.assets.entries[string(u.Key)]; ok {
				e.ref--
			}
			continue
		}
		below.assetSeen[string(u.Key)] = struct{}{}
		below.AssetUndo = append(below.AssetUndo, u)
	}
	db.savepoints = db.savepoints[:len(db.savepoints)-1]
	return nil
}

// PopBackSavepoint drops the top frame, keeping its writes. With a parent
// frame this is a squash; without one the writes become permanent.
func (db *TokenDatabase) PopBackSavepoint() error {
	if len(db.savepoints) == 0 {
		return ErrNoSavepoint
	}
	if len(db.savepoints) >= 2 {
		return db.Squash()
	}
	db.savepoints = db.savepoints[:0]
	return db.assets.flush(db.engine)
}

// PopSavepoints commits every frame with seq < untilSeq from the front of
// the stack: their asset overlay entries are flushed to the engine in one
// fsynced batch and their undo logs are released.
func (db *TokenDatabase) PopSavepoints(untilSeq int64) error {
	cut := 0
	for cut < len(db.savepoints) && db.savepoints[cut].Seq < untilSeq {
		cut++
	}
	if cut == 0 {
		return nil
	}
	committed := db.savepoints[:cut]
	db.savepoints = append([]*savepoint(nil), db.savepoints[cut:]...)
	db.assets.commitFrames(committed)
	// Flush every entry no live frame still guards; the overlay refcounts
	// make those exactly the committed ones.
	return db.assets.flushCommitted(db.engine)
}
