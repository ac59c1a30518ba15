package types

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrBalance         = errors.New("insufficient balance")
	ErrPEVTImmovable   = errors.New("pinned EVT cannot be moved")
	ErrAddressReserved = errors.New("reserved address is not allowed here")
)

// Fungible defines a fungible token class. The symbol id doubles as the
// assets keyspace prefix; the fungible's own system address holds whatever
// part of the total supply has not been issued yet.
type Fungible struct {
	Name        Name128    `json:"name"`
	SymName     Name128    `json:"sym_name"`
	Sym         Symbol     `json:"sym"`
	Creator     PublicKey  `json:"creator"`
	CreateTime  time.Time  `json:"create_time"`
	Issue       Permission `json:"issue"`
	Transfer    Permission `json:"transfer"`
	Manage      Permission `json:"manage"`
	TotalSupply Asset      `json:"total_supply"`
	Metas       []Meta     `json:"metas,omitempty"`
}

// MetaValue returns the value for key and whether it is present.
func (f *Fungible) MetaValue(key Name128) (string, bool) {
	for _, m := range f.Metas {
		if m.Key == key {
			return m.Value, true
		}
	}
	return "", false
}

// SetTransferDisabled reports whether the `.disable-set-transfer` meta
// forbids updating the transfer permission.
func (f *Fungible) SetTransferDisabled() bool {
	v, ok := f.MetaValue(MetaDisableSetTransfer)
	return ok && v == "true"
}

// Permission returns the named permission slot.
func (f *Fungible) Permission(name string) (Permission, error) {
	switch name {
	case PermissionIssue:
		return f.Issue, nil
	case PermissionTransfer:
		return f.Transfer, nil
	case PermissionManage:
		return f.Manage, nil
	}
	return Permission{}, fmt.Errorf("fungible %d has no permission %q", f.Sym.ID, name)
}

// Property is the balance record of one (symbol, address) pair in the assets
// keyspace.
type Property struct {
	Amount       int64  `json:"amount"`
	Frozen       int64  `json:"frozen"`
	Sym          Symbol `json:"sym"`
	CreatedAt    int64  `json:"created_at"`
	CreatedIndex uint32 `json:"created_index"`
}

// StakeType distinguishes demand staking from fixed-term staking.
type StakeType uint8

const (
	StakeActive StakeType = iota
	StakeFixed
)

// StakeShare is one stake position against a validator. Units convert back
// to native tokens at the validator's net value.
type StakeShare struct {
	Validator Name128   `json:"validator"`
	Units     int64     `json:"units"`
	NetValue  int64     `json:"net_value"`
	Type      StakeType `json:"type"`
	FixedDays int32     `json:"fixed_days"`
	Time      int64     `json:"time"`
}

// PendingShare is a stake position proposed for unstaking, settleable after
// the pending window.
type PendingShare struct {
	Validator Name128 `json:"validator"`
	Units     int64   `json:"units"`
	Time      int64   `json:"time"`
}

// PropertyStakes extends a property with the inline stake positions of the
// holder. The share lists use small inline capacity in the common case; the
// encoding is identical either way.
type PropertyStakes struct {
	Property
	StakeShares   []StakeShare   `json:"stake_shares,omitempty"`
	PendingShares []PendingShare `json:"pending_shares,omitempty"`
}
