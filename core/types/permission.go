package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrPermissionType = errors.New("permission is malformed")
	ErrAuthorizerType = errors.New("authorizer reference is malformed")
)

// Authorizer reference kinds, the stable wire tags of the tagged union.
const (
	RefKindAccount = "account"
	RefKindOwner   = "owner"
	RefKindGroup   = "group"
)

// AuthorizerRef points at who may satisfy a slice of a permission: a concrete
// public key, the owner sentinel (the token's current owners), or a named
// group. Decoding rejects unknown kinds.
type AuthorizerRef struct {
	Kind  string    `json:"kind"`
	Key   PublicKey `json:"key,omitempty"`
	Group Name128   `json:"group,omitempty"`
}

// AccountRef builds a public-key reference.
func AccountRef(key PublicKey) AuthorizerRef {
	return AuthorizerRef{Kind: RefKindAccount, Key: key}
}

// OwnerRef builds the owner sentinel reference.
func OwnerRef() AuthorizerRef {
	return AuthorizerRef{Kind: RefKindOwner}
}

// GroupRef builds a group reference.
func GroupRef(name Name128) AuthorizerRef {
	return AuthorizerRef{Kind: RefKindGroup, Group: name}
}

// Validate checks the tag and its payload.
func (r AuthorizerRef) Validate() error {
	switch r.Kind {
	case RefKindAccount:
		if !r.Key.Valid() {
			return fmt.Errorf("%w: account ref carries invalid key", ErrAuthorizerType)
		}
	case RefKindOwner:
		if len(r.Key) != 0 || !r.Group.Empty() {
			return fmt.Errorf("%w: owner ref carries payload", ErrAuthorizerType)
		}
	case RefKindGroup:
		if r.Group.Empty() {
			return fmt.Errorf("%w: group ref lacks a name", ErrAuthorizerType)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrAuthorizerType, r.Kind)
	}
	return nil
}

// IsOwner reports whether the reference is the owner sentinel.
func (r AuthorizerRef) IsOwner() bool { return r.Kind == RefKindOwner }

// IsAccount reports whether the reference is a concrete key.
func (r AuthorizerRef) IsAccount() bool { return r.Kind == RefKindAccount }

// IsGroup reports whether the reference names a group.
func (r AuthorizerRef) IsGroup() bool { return r.Kind == RefKindGroup }

// String renders a short diagnostic form.
func (r AuthorizerRef) String() string {
	switch r.Kind {
	case RefKindAccount:
		return "account:" + r.Key.String()
	case RefKindOwner:
		return "owner"
	case RefKindGroup:
		return "group:" + r.Group.String()
	}
	return "invalid"
}

// AuthorizerWeight pairs a reference with its voting weight.
type AuthorizerWeight struct {
	Ref    AuthorizerRef `json:"ref"`
	Weight uint32        `json:"weight"`
}

// Permission names for the three fixed permission slots of domains and
// fungibles.
const (
	PermissionIssue    = "issue"
	PermissionTransfer = "transfer"
	PermissionManage   = "manage"
)

// Permission is a weighted threshold over authorizer references. A permission
// is satisfied when the recursive weighted sum of satisfied authorizers
// reaches the threshold.
type Permission struct {
	Name        string             `json:"name"`
	Threshold   uint32             `json:"threshold"`
	Authorizers []AuthorizerWeight `json:"authorizers"`
}

// Validate checks structural well-formedness. allowZeroThreshold is true only
// for manage permissions, where threshold 0 means "frozen". allowOwner is
// true only for transfer permissions.
func (p Permission) Validate(allowZeroThreshold, allowOwner bool) error {
	if p.Threshold == 0 && !allowZeroThreshold {
		return fmt.Errorf("%w: permission %q has zero threshold", ErrPermissionType, p.Name)
	}
	var total uint64
	seen := make(map[string]struct{}, len(p.Authorizers))
	for _, aw := range p.Authorizers {
		if err := aw.Ref.Validate(); err != nil {
			return err
		}
		if aw.Ref.IsOwner() && !allowOwner {
			return fmt.Errorf("%w: owner sentinel only legal in transfer permission", ErrPermissionType)
		}
		if aw.Weight == 0 {
			return fmt.Errorf("%w: authorizer %s has zero weight", ErrPermissionType, aw.Ref)
		}
		id := aw.Ref.String()
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: duplicate authorizer %s", ErrPermissionType, aw.Ref)
		}
		seen[id] = struct{}{}
		total += uint64(aw.Weight)
	}
	if total < uint64(p.Threshold) {
		return fmt.Errorf("%w: permission %q weights sum below threshold", ErrPermissionType, p.Name)
	}
	return nil
}

// Clone deep copies the permission.
func (p Permission) Clone() Permission {
	out := p
	out.Authorizers = make([]AuthorizerWeight, len(p.Authorizers))
	copy(out.Authorizers, p.Authorizers)
	return out
}

// UnmarshalJSON enforces tag validation at decode time.
func (p *Permission) UnmarshalJSON(data []byte) error {
	type alias Permission
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	for _, aw := range a.Authorizers {
		if err := aw.Ref.Validate(); err != nil {
			return err
		}
	}
	*p = Permission(a)
	return nil
}
