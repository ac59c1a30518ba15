package types

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrMetaKey      = errors.New("meta key is not allowed")
	ErrMetaValue    = errors.New("meta value is not allowed")
	ErrMetaDupe     = errors.New("meta key already present")
	ErrTokenOwner   = errors.New("token owner list is invalid")
	ErrNameReserved = errors.New("name is reserved")
)

// Meta is a free-form annotation attached to domains, tokens, groups and
// fungibles. Keys with a leading '.' are reserved; a small per-entity
// whitelist of reserved keys is recognized by the addmeta handler.
type Meta struct {
	Key     Name128       `json:"key"`
	Value   string        `json:"value"`
	Creator AuthorizerRef `json:"creator"`
}

// Reserved meta keys recognized per entity.
var (
	MetaDisableDestroy     = MustName128(".disable-destroy")
	MetaDisableSetTransfer = MustName128(".disable-set-transfer")
)

// Domain groups non-fungible tokens under shared issue/transfer/manage
// permissions.
type Domain struct {
	Name       Name128    `json:"name"`
	Creator    PublicKey  `json:"creator"`
	CreateTime time.Time  `json:"create_time"`
	Issue      Permission `json:"issue"`
	Transfer   Permission `json:"transfer"`
	Manage     Permission `json:"manage"`
	Metas      []Meta     `json:"metas,omitempty"`
}

// MetaValue returns the value for key and whether it is present.
func (d *Domain) MetaValue(key Name128) (string, bool) {
	for _, m := range d.Metas {
		if m.Key == key {
			return m.Value, true
		}
	}
	return "", false
}

// DestroyDisabled reports whether the `.disable-destroy` meta forbids
// destroying tokens in this domain.
func (d *Domain) DestroyDisabled() bool {
	v, ok := d.MetaValue(MetaDisableDestroy)
	return ok && v == "true"
}

// SetTransferDisabled reports whether the `.disable-set-transfer` meta
// forbids updating the transfer permission.
func (d *Domain) SetTransferDisabled() bool {
	v, ok := d.MetaValue(MetaDisableSetTransfer)
	return ok && v == "true"
}

// Permission returns the named permission slot.
func (d *Domain) Permission(name string) (Permission, error) {
	switch name {
	case PermissionIssue:
		return d.Issue, nil
	case PermissionTransfer:
		return d.Transfer, nil
	case PermissionManage:
		return d.Manage, nil
	}
	return Permission{}, fmt.Errorf("domain %s has no permission %q", d.Name, name)
}

// Token is a non-fungible token inside a domain. A token whose sole owner is
// the reserved address is destroyed; one whose owner is a ".lock" generated
// address is held in escrow. Both are frozen for transfer and destroy.
type Token struct {
	Domain Name128   `json:"domain"`
	Name   Name128   `json:"name"`
	Owner  []Address `json:"owner"`
	Metas  []Meta    `json:"metas,omitempty"`
}

// Destroyed reports whether the token has been destroyed.
func (t *Token) Destroyed() bool {
	return len(t.Owner) == 1 && t.Owner[0].IsReserved()
}

// Locked reports whether the token is held by a lock address.
func (t *Token) Locked() bool {
	return len(t.Owner) == 1 && t.Owner[0].IsGenerated() && t.Owner[0].GeneratedPrefix() == LockPrefix
}

// MetaValue returns the value for key and whether it is present.
func (t *Token) MetaValue(key Name128) (string, bool) {
	for _, m := range t.Metas {
		if m.Key == key {
			return m.Value, true
		}
	}
	return "", false
}

// ValidateOwners checks the owner list for issue/transfer: non-empty and free
// of reserved addresses.
func ValidateOwners(owners []Address) error {
	if len(owners) == 0 {
		return fmt.Errorf("%w: owner list is empty", ErrTokenOwner)
	}
	for _, o := range owners {
		if o.IsReserved() {
			return fmt.Errorf("%w: reserved address cannot own tokens", ErrTokenOwner)
		}
	}
	return nil
}

// System domain names, auto-created at genesis.
var (
	DomainDomainName   = MustName128(".domain")
	GroupDomainName    = MustName128(".group")
	SuspendDomainName  = MustName128(".suspend")
	FungibleDomainName = MustName128(".fungible")
)

// Generated-address prefixes for system-owned accounts.
var (
	DomainPrefix    = MustName128(".domain")
	FungiblePrefix  = MustName128(".fungible")
	LockPrefix      = MustName128(".lock")
	PsvBonusPrefix  = MustName128(".psvbonus")
	ValidatorPrefix = MustName128(".validator")
	StakingPrefix   = MustName128(".staking")
)

// FungibleAddress is the system account holding a fungible's un-issued
// supply.
func FungibleAddress(symID uint32) Address {
	name, _ := NewName128(fmt.Sprintf("%d", symID))
	return GeneratedAddress(FungiblePrefix, name, 0)
}

// DomainAddress is the system account owned by a domain.
func DomainAddress(domain Name128) Address {
	return GeneratedAddress(DomainPrefix, domain, 0)
}

// LockAddress is the escrow account of a lock proposal.
func LockAddress(name Name128) Address {
	return GeneratedAddress(LockPrefix, name, 0)
}

// PsvBonusAddress accumulates passive-bonus charges for a fungible.
func PsvBonusAddress(symID uint32) Address {
	name, _ := NewName128(fmt.Sprintf("%d", symID))
	return GeneratedAddress(PsvBonusPrefix, name, 0)
}

// PsvBonusDistAddress holds the funds of one distribution round.
func PsvBonusDistAddress(symID uint32, round uint32) Address {
	name, _ := NewName128(fmt.Sprintf("%d", symID))
	return GeneratedAddress(PsvBonusPrefix, name, round)
}

// ValidatorAddress is the system account of a validator.
func ValidatorAddress(name Name128) Address {
	return GeneratedAddress(ValidatorPrefix, name, 0)
}

// StakingAddress is the global staking pool account.
func StakingAddress() Address {
	return GeneratedAddress(StakingPrefix, Name128{}, 0)
}
