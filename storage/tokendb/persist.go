package tokendb

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Sidecar header bytes.
const (
	sidecarClean byte = 0
	sidecarDirty byte = 1
)

type persistedOverlayEntry struct {
	Key   []byte `json:"key"`
	Ref   int    `json:"ref"`
	Value []byte `json:"value"`
}

type persistedState struct {
	Savepoints []*savepoint            `json:"savepoints"`
	Overlay    []persistedOverlayEntry `json:"overlay"`
}

// markDirty stamps the sidecar so a crash is detected on the next startup.
func (db *TokenDatabase) markDirty() error {
	if err := os.WriteFile(db.persistPath, []byte{sidecarDirty}, 0o644); err != nil {
		return fmt.Errorf("%w: mark sidecar dirty: %v", ErrEngine, err)
	}
	db.dirty = true
	return nil
}

// Close materializes the savepoint stack and the assets overlay into the
// sidecar with a clean header. Skipped when persistence is disabled.
func (db *TokenDatabase) Close() error {
	if db.persistPath == "" {
		return nil
	}
	state := persistedState{Savepoints: db.savepoints}
	for k, e := range db.assets.entries {
		state.Overlay = append(state.Overlay, persistedOverlayEntry{
			Key:   []byte(k),
			Ref:   e.ref,
			Value: e.value,
		})
	}
	body, err := json.Marshal(&state)
	if err != nil {
		return fmt.Errorf("%w: encode sidecar: %v", ErrEngine, err)
	}
	out := append([]byte{sidecarClean}, body...)
	if err := os.WriteFile(db.persistPath, out, 0o644); err != nil {
		return fmt.Errorf("%w: write sidecar: %v", ErrEngine, err)
	}
	db.dirty = false
	return nil
}

// loadSidecar reconstructs the stack from a clean sidecar. A dirty header
// surfaces ErrDirtyFlag so the caller replays from blocks instead.
func (db *TokenDatabase) loadSidecar() error {
	data, err := os.ReadFile(db.persistPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: read sidecar: %v", ErrEngine, err)
	}
	if len(data) == 0 {
		return nil
	}
	if data[0] == sidecarDirty {
		return ErrDirtyFlag
	}
	var state persistedState
	if err := json.Unmarshal(data[1:], &state); err != nil {
		return fmt.Errorf("%w: decode sidecar: %v", ErrEngine, err)
	}
	db.savepoints = state.Savepoints
	for _, sp := range db.savepoints {
		sp.tokenSeen = make(map[string]struct{}, len(sp.TokenUndo))
		for _, u := range sp.TokenUndo {
			sp.tokenSeen[string(u.Key)] = struct{}{}
		}
		sp.assetSeen = make(map[string]struct{}, len(sp.AssetUndo))
		for _, u := range sp.AssetUndo {
			sp.assetSeen[string(u.Key)] = struct{}{}
		}
	}
	db.assets = newAssetsOverlay()
	for _, e := range state.Overlay {
		db.assets.entries[string(e.Key)] = &overlayEntry{ref: e.Ref, value: e.Value}
	}
	return nil
}
