package types

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrBlockValidate   = errors.New("block failed validation")
	ErrUnlinkableBlock = errors.New("block does not link to a known block")
)

// BlockID identifies a block. The first four bytes carry the block number so
// the number is recoverable from the id alone; the rest is the header digest.
type BlockID [32]byte

// Num extracts the block number embedded in the id.
func (id BlockID) Num() uint32 {
	return binary.BigEndian.Uint32(id[:4])
}

// Prefix returns the TAPOS prefix: the four bytes following the number.
func (id BlockID) Prefix() uint32 {
	return binary.BigEndian.Uint32(id[4:8])
}

// IsZero reports whether the id is unset.
func (id BlockID) IsZero() bool { return id == BlockID{} }

func (id BlockID) String() string { return hex.EncodeToString(id[:]) }

// MarshalJSON renders the hex form.
func (id BlockID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// UnmarshalJSON parses the hex form.
func (id *BlockID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return errors.New("malformed block id")
	}
	copy(id[:], raw)
	return nil
}

// ProducerScheduleEntry pairs a producer name with its block signing key.
type ProducerScheduleEntry struct {
	Name       Name128   `json:"name"`
	SigningKey PublicKey `json:"signing_key"`
}

// ProducerSchedule is a versioned producer rotation.
type ProducerSchedule struct {
	Version   uint32                  `json:"version"`
	Producers []ProducerScheduleEntry `json:"producers"`
}

// SigningKeyOf returns the signing key of the named producer.
func (s *ProducerSchedule) SigningKeyOf(name Name128) (PublicKey, bool) {
	for _, p := range s.Producers {
		if p.Name == name {
			return p.SigningKey, true
		}
	}
	return nil, false
}

// ScheduledProducer picks the producer for a slot time using the fixed
// block interval and producer repetition count.
func (s *ProducerSchedule) ScheduledProducer(slot uint64, repetitions uint64) ProducerScheduleEntry {
	if len(s.Producers) == 0 {
		return ProducerScheduleEntry{}
	}
	idx := (slot / repetitions) % uint64(len(s.Producers))
	return s.Producers[idx]
}

// BlockHeader carries the consensus metadata of one block.
type BlockHeader struct {
	Timestamp         time.Time         `json:"timestamp"`
	Producer          Name128           `json:"producer"`
	Confirmed         uint16            `json:"confirmed"`
	Previous          BlockID           `json:"previous"`
	TransactionMroot  [32]byte          `json:"transaction_mroot"`
	ActionMroot       [32]byte          `json:"action_mroot"`
	ScheduleVersion   uint32            `json:"schedule_version"`
	NewProducers      *ProducerSchedule `json:"new_producers,omitempty"`
	ProducerSignature Signature         `json:"producer_signature,omitempty"`
}

// BlockNum is one past the parent's number.
func (h *BlockHeader) BlockNum() uint32 {
	return h.Previous.Num() + 1
}

// Digest hashes the header without the producer signature; this is what the
// producer signs.
func (h *BlockHeader) Digest() ([32]byte, error) {
	unsigned := *h
	unsigned.ProducerSignature = nil
	b, err := json.Marshal(&unsigned)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(b), nil
}

// ID computes the block id: the header digest with the block number spliced
// into the first four bytes.
func (h *BlockHeader) ID() (BlockID, error) {
	d, err := h.Digest()
	if err != nil {
		return BlockID{}, err
	}
	var id BlockID
	copy(id[:], d[:])
	binary.BigEndian.PutUint32(id[:4], h.BlockNum())
	return id, nil
}

// SignedBlock is a header plus its transaction receipts.
type SignedBlock struct {
	BlockHeader
	Transactions []TransactionReceipt `json:"transactions,omitempty"`
}

// Encode serializes the block for the block log and the reversible store.
func (b *SignedBlock) Encode() ([]byte, error) {
	return json.Marshal(b)
}

// DecodeBlock deserializes a block.
func DecodeBlock(data []byte) (*SignedBlock, error) {
	var b SignedBlock
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// GenesisTimeEpoch is the chain's slot-zero anchor (year 2000).
var GenesisTimeEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// BlockIntervalMs is the fixed slot width.
const BlockIntervalMs = 500

// SlotOf converts a wall time into a slot number.
func SlotOf(t time.Time) uint64 {
	if t.Before(GenesisTimeEpoch) {
		return 0
	}
	return uint64(t.Sub(GenesisTimeEpoch).Milliseconds()) / BlockIntervalMs
}

// SlotTime converts a slot number back to its wall time.
func SlotTime(slot uint64) time.Time {
	return GenesisTimeEpoch.Add(time.Duration(slot) * BlockIntervalMs * time.Millisecond)
}
