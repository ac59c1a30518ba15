// Package state persists the chain's non-token indexed objects: the global
// property, block summaries for TAPOS, the transaction dedup index and the
// reversible block rows.
package state

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"jmzkchain/core/types"
	"jmzkchain/storage"
)

var ErrCorrupt = errors.New("state store record is corrupt")

// BlockSummaryCount sizes the TAPOS ring.
const BlockSummaryCount = 1 << 16

var (
	globalPropertyKey  = []byte("gp")
	dynamicPropertyKey = []byte("dgp")
	summaryPrefix      = []byte("bs:")
	trxIDPrefix        = []byte("trxid:")
	trxExpPrefix       = []byte("trxexp:")
	reversiblePrefix   = []byte("rb:")
)

// GlobalProperty carries the producer-governed configuration and the
// schedule promotion pipeline.
type GlobalProperty struct {
	Config                   types.ChainConfig       `json:"config"`
	ActiveSchedule           types.ProducerSchedule  `json:"active_schedule"`
	PendingSchedule          *types.ProducerSchedule `json:"pending_schedule,omitempty"`
	PendingScheduleBlockNum  uint32                  `json:"pending_schedule_block_num,omitempty"`
	ProposedSchedule         *types.ProducerSchedule `json:"proposed_schedule,omitempty"`
	ProposedScheduleBlockNum uint32                  `json:"proposed_schedule_block_num,omitempty"`
	// ActionVersions records prodvote-driven dispatch upgrades, keyed by
	// action name; the registry is rewound to these on startup.
	ActionVersions map[string]int `json:"action_versions,omitempty"`
}

// DynamicGlobalProperty tracks the moving head marks.
type DynamicGlobalProperty struct {
	HeadBlockNum      uint32        `json:"head_block_num"`
	HeadBlockID       types.BlockID `json:"head_block_id"`
	HeadBlockTimeUnix int64         `json:"head_block_time_unix"`
	LastIrreversible  uint32        `json:"last_irreversible"`
	GlobalActionSeq   uint64        `json:"global_action_seq"`
}

// Store wraps the chainbase database.
type Store struct {
	db storage.Database
}

// New wraps the database.
func New(db storage.Database) *Store {
	return &Store{db: db}
}

func (s *Store) getJSON(key []byte, v any) (bool, error) {
	raw, err := s.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return true, nil
}

func (s *Store) putJSON(key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Put(key, raw)
}

// GlobalProperty loads the global property; found is false on a fresh store.
func (s *Store) GlobalProperty() (*GlobalProperty, bool, error) {
	var gp GlobalProperty
	found, err := s.getJSON(globalPropertyKey, &gp)
	return &gp, found, err
}

// SetGlobalProperty persists the global property.
func (s *Store) SetGlobalProperty(gp *GlobalProperty) error {
	return s.putJSON(globalPropertyKey, gp)
}

// DynamicGlobalProperty loads the dynamic marks.
func (s *Store) DynamicGlobalProperty() (*DynamicGlobalProperty, bool, error) {
	var dgp DynamicGlobalProperty
	found, err := s.getJSON(dynamicPropertyKey, &dgp)
	return &dgp, found, err
}

// SetDynamicGlobalProperty persists the dynamic marks.
func (s *Store) SetDynamicGlobalProperty(dgp *DynamicGlobalProperty) error {
	return s.putJSON(dynamicPropertyKey, dgp)
}

// --- block summaries (TAPOS ring) ---

func summaryKey(idx uint16) []byte {
	key := make([]byte, len(summaryPrefix)+2)
	copy(key, summaryPrefix)
	binary.BigEndian.PutUint16(key[len(summaryPrefix):], idx)
	return key
}

// SetBlockSummary stores the block id in its ring slot.
func (s *Store) SetBlockSummary(num uint32, id types.BlockID) error {
	return s.db.Put(summaryKey(uint16(num)), id[:])
}

// BlockSummary reads a ring slot; the zero id means unset.
func (s *Store) BlockSummary(num uint16) (types.BlockID, error) {
	raw, err := s.db.Get(summaryKey(num))
	if errors.Is(err, storage.ErrNotFound) {
		return types.BlockID{}, nil
	}
	if err != nil {
		return types.BlockID{}, err
	}
	var id types.BlockID
	copy(id[:], raw)
	return id, nil
}

// --- transaction dedup index ---

func trxIDKey(id [32]byte) []byte {
	return append(append([]byte(nil), trxIDPrefix...), id[:]...)
}

func trxExpKey(expUnix int64, id [32]byte) []byte {
	key := make([]byte, len(trxExpPrefix)+8+32)
	copy(key, trxExpPrefix)
	binary.BigEndian.PutUint64(key[len(trxExpPrefix):], uint64(expUnix))
	copy(key[len(trxExpPrefix)+8:], id[:])
	return key
}

// AddTrxID records an accepted transaction for the dedup window.
func (s *Store) AddTrxID(id [32]byte, expUnix int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(expUnix))
	ops := []storage.BatchOp{
		{Key: trxIDKey(id), Value: buf[:]},
		{Key: trxExpKey(expUnix, id), Value: []byte{1}},
	}
	return s.db.Write(ops, false)
}

// RemoveTrxID drops a transaction from the dedup index, used when a fork
// pop rewinds the block that carried it.
func (s *Store) RemoveTrxID(id [32]byte, expUnix int64) error {
	ops := []storage.BatchOp{
		{Key: trxIDKey(id)},
		{Key: trxExpKey(expUnix, id)},
	}
	return s.db.Write(ops, false)
}

// HasTrxID reports whether the id is inside the dedup window.
func (s *Store) HasTrxID(id [32]byte) (bool, error) {
	return s.db.Has(trxIDKey(id))
}

// PurgeExpiredTrxIDs drops index rows whose expiration passed.
func (s *Store) PurgeExpiredTrxIDs(nowUnix int64) error {
	var ops []storage.BatchOp
	err := s.db.IteratePrefix(trxExpPrefix, func(k, v []byte) bool {
		exp := int64(binary.BigEndian.Uint64(k[len(trxExpPrefix) : len(trxExpPrefix)+8]))
		if exp >= nowUnix {
			return false
		}
		var id [32]byte
		copy(id[:], k[len(trxExpPrefix)+8:])
		ops = append(ops, storage.BatchOp{Key: append([]byte(nil), k...)})
		ops = append(ops, storage.BatchOp{Key: trxIDKey(id)})
		return true
	})
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}
	return s.db.Write(ops, false)
}

// --- reversible blocks ---

func reversibleKey(num uint32) []byte {
	key := make([]byte, len(reversiblePrefix)+4)
	copy(key, reversiblePrefix)
	binary.BigEndian.PutUint32(key[len(reversiblePrefix):], num)
	return key
}

// PutReversibleBlock stores a not-yet-irreversible block row.
func (s *Store) PutReversibleBlock(block *types.SignedBlock) error {
	raw, err := block.Encode()
	if err != nil {
		return err
	}
	return s.db.Put(reversibleKey(block.BlockNum()), raw)
}

// ReversibleBlock fetches one row.
func (s *Store) ReversibleBlock(num uint32) (*types.SignedBlock, error) {
	raw, err := s.db.Get(reversibleKey(num))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return types.DecodeBlock(raw)
}

// ReversibleBlocks returns all rows in ascending block order.
func (s *Store) ReversibleBlocks() ([]*types.SignedBlock, error) {
	var out []*types.SignedBlock
	err := s.db.IteratePrefix(reversiblePrefix, func(k, v []byte) bool {
		b, err := types.DecodeBlock(v)
		if err != nil {
			return false
		}
		out = append(out, b)
		return true
	})
	return out, err
}

// DeleteReversibleBlocksThrough drops rows with num <= through.
func (s *Store) DeleteReversibleBlocksThrough(through uint32) error {
	return s.deleteReversible(func(num uint32) bool { return num <= through })
}

// DeleteReversibleBlocksFrom drops rows with num >= from, used when a fork
// pop rewinds the chain.
func (s *Store) DeleteReversibleBlocksFrom(from uint32) error {
	return s.deleteReversible(func(num uint32) bool { return num >= from })
}

func (s *Store) deleteReversible(match func(uint32) bool) error {
	var ops []storage.BatchOp
	err := s.db.IteratePrefix(reversiblePrefix, func(k, v []byte) bool {
		num := binary.BigEndian.Uint32(k[len(reversiblePrefix):])
		if match(num) {
			ops = append(ops, storage.BatchOp{Key: append([]byte(nil), k...)})
		}
		return true
	})
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}
	return s.db.Write(ops, false)
}
