package types

import (
	"errors"
	"time"
)

var (
	ErrLockStatus     = errors.New("lock is not in the required status")
	ErrLockAddress    = errors.New("lock payout address list is invalid")
	ErrLockAssets     = errors.New("lock asset list is invalid")
	ErrLockCondition  = errors.New("lock condition is invalid")
	ErrLockDupeKey    = errors.New("key has already approved this lock")
	ErrLockNotExpired = errors.New("lock deadline has not passed")
)

// LockStatus tracks the lifecycle of an escrow.
type LockStatus uint8

const (
	LockProposed LockStatus = iota
	LockSucceed
	LockFailed
)

// Lock asset kinds, the stable wire tags of the tagged union.
const (
	LockAssetNFT = "tokens"
	LockAssetFT  = "fungible"
)

// LockNFT lists escrowed non-fungible tokens of one domain.
type LockNFT struct {
	Domain Name128   `json:"domain"`
	Names  []Name128 `json:"names"`
}

// LockFT is an escrowed fungible amount held by the lock address.
type LockFT struct {
	From   Address `json:"from"`
	Amount Asset   `json:"amount"`
}

// LockAsset is the tagged union over LockNFT and LockFT.
type LockAsset struct {
	Kind   string   `json:"kind"`
	Tokens *LockNFT `json:"tokens,omitempty"`
	FT     *LockFT  `json:"fungible,omitempty"`
}

// Validate checks the tag and its payload.
func (a LockAsset) Validate() error {
	switch a.Kind {
	case LockAssetNFT:
		if a.Tokens == nil || len(a.Tokens.Names) == 0 {
			return ErrLockAssets
		}
	case LockAssetFT:
		if a.FT == nil || a.FT.Amount.Amount <= 0 {
			return ErrLockAssets
		}
	default:
		return ErrLockAssets
	}
	return nil
}

// LockCondKeys is the initial (and currently only) lock condition: a
// threshold over a fixed key list.
type LockCondKeys struct {
	Threshold uint32      `json:"threshold"`
	CondKeys  []PublicKey `json:"cond_keys"`
}

// LockCondition is a tagged union ready for further condition kinds.
type LockCondition struct {
	Kind     string        `json:"kind"`
	CondKeys *LockCondKeys `json:"cond_keys,omitempty"`
}

// LockCondKindKeys is the wire tag of the cond-keys condition.
const LockCondKindKeys = "cond_keys"

// Validate checks the tag and its payload.
func (c LockCondition) Validate() error {
	if c.Kind != LockCondKindKeys || c.CondKeys == nil {
		return ErrLockCondition
	}
	ck := c.CondKeys
	if ck.Threshold == 0 || len(ck.CondKeys) < int(ck.Threshold) {
		return ErrLockCondition
	}
	seen := make(map[string]struct{}, len(ck.CondKeys))
	for _, k := range ck.CondKeys {
		if !k.Valid() {
			return ErrLockCondition
		}
		if _, dup := seen[string(k)]; dup {
			return ErrLockCondition
		}
		seen[string(k)] = struct{}{}
	}
	return nil
}

// Lock is a time-boxed escrow of NFTs and fungible amounts. Assets move into
// the lock's generated address on creation and out to the succeed or failed
// payout addresses when the condition resolves.
type Lock struct {
	Name       Name128       `json:"name"`
	Proposer   PublicKey     `json:"proposer"`
	Status     LockStatus    `json:"status"`
	UnlockTime time.Time     `json:"unlock_time"`
	Deadline   time.Time     `json:"deadline"`
	Assets     []LockAsset   `json:"assets"`
	Condition  LockCondition `json:"condition"`
	SignedKeys []PublicKey   `json:"signed_keys,omitempty"`
	Succeed    []Address     `json:"succeed"`
	Failed     []Address     `json:"failed"`
}

// HasSigned reports whether the key already approved.
func (l *Lock) HasSigned(key PublicKey) bool {
	for _, k := range l.SignedKeys {
		if k.Equal(key) {
			return true
		}
	}
	return false
}

// ConditionMet reports whether enough condition keys have signed.
func (l *Lock) ConditionMet() bool {
	ck := l.Condition.CondKeys
	if ck == nil {
		return false
	}
	var satisfied uint32
	for _, signed := range l.SignedKeys {
		for _, k := range ck.CondKeys {
			if k.Equal(signed) {
				satisfied++
				break
			}
		}
	}
	return satisfied >= ck.Threshold
}
