// Package token implements the domain, NFT, group and meta action handlers.
package token

import (
	"encoding/json"
	"errors"
	"fmt"

	"jmzkchain/core/execctx"
	"jmzkchain/core/types"
	"jmzkchain/storage/tokendb"
)

var (
	ErrDomainDuplicate = errors.New("domain already exists")
	ErrUnknownDomain   = errors.New("domain does not exist")
	ErrTokenDuplicate  = errors.New("token already exists")
	ErrUnknownToken    = errors.New("token does not exist")
	ErrTokenDestroyed  = errors.New("token has been destroyed")
	ErrTokenLocked     = errors.New("token is held by a lock")
	ErrDestroyDisabled = errors.New("domain forbids destroying tokens")
	ErrGroupDuplicate  = errors.New("group already exists")
	ErrUnknownGroup    = errors.New("group does not exist")
	ErrMetaInvolve     = errors.New("meta creator is not involved in the entity's permission")
	ErrActionKey       = errors.New("action key does not match the payload")
)

// Register wires the family into the action registry.
func Register(r *execctx.Registry) {
	r.Register(types.MustName128("newdomain"), "newdomain", 1, applyNewDomain)
	r.Register(types.MustName128("updatedomain"), "updatedomain", 1, applyUpdateDomain)
	r.Register(types.MustName128("issuetoken"), "issuetoken", 1, applyIssueToken)
	r.Register(types.MustName128("transfer"), "transfer", 1, applyTransfer)
	r.Register(types.MustName128("destroytoken"), "destroytoken", 1, applyDestroyToken)
	r.Register(types.MustName128("newgroup"), "newgroup", 1, applyNewGroup)
	r.Register(types.MustName128("updategroup"), "updategroup", 1, applyUpdateGroup)
	r.Register(types.MustName128("addmeta"), "addmeta", 1, applyAddMeta)
}

type newDomainPayload struct {
	Name     types.Name128    `json:"name"`
	Creator  types.PublicKey  `json:"creator"`
	Issue    types.Permission `json:"issue"`
	Transfer types.Permission `json:"transfer"`
	Manage   types.Permission `json:"manage"`
}

func validateGroupRefs(ctx *execctx.ApplyContext, perm types.Permission) error {
	for _, aw := range perm.Authorizers {
		if !aw.Ref.IsGroup() {
			continue
		}
		ok, err := ctx.Cache.DB().ExistsToken(tokendb.TypeGroup, nil, tokendb.KeyFromName(aw.Ref.Group))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownGroup, aw.Ref.Group)
		}
	}
	return nil
}

func applyNewDomain(ctx *execctx.ApplyContext) error {
	var act newDomainPayload
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	if act.Name != ctx.Action.Key {
		return fmt.Errorf("%w: domain %s vs key %s", ErrActionKey, act.Name, ctx.Action.Key)
	}
	if act.Name.Reserved() {
		return fmt.Errorf("%w: %s", types.ErrNameReserved, act.Name)
	}
	exists, err := ctx.Cache.DB().ExistsToken(tokendb.TypeDomain, nil, tokendb.KeyFromName(act.Name))
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrDomainDuplicate, act.Name)
	}
	if err := act.Issue.Validate(false, false); err != nil {
		return err
	}
	if err := act.Transfer.Validate(false, true); err != nil {
		return err
	}
	if err := act.Manage.Validate(true, false); err != nil {
		return err
	}
	for _, perm := range []types.Permission{act.Issue, act.Transfer, act.Manage} {
		if err := validateGroupRefs(ctx, perm); err != nil {
			return err
		}
	}
	domain := types.Domain{
		Name:    act.Name,
		Creator: act.Creator,
		// Stamped with the head block time, not the pending time; kept that
		// way for bit-exact replay of the chain's history.
		CreateTime: ctx.Control.HeadBlockTime(),
		Issue:      act.Issue,
		Transfer:   act.Transfer,
		Manage:     act.Manage,
	}
	return tokendb.PutToken(ctx.Cache, tokendb.TypeDomain, tokendb.OpAdd, nil, tokendb.KeyFromName(act.Name), &domain)
}

type updateDomainPayload struct {
	Name     types.Name128     `json:"name"`
	Issue    *types.Permission `json:"issue,omitempty"`
	Transfer *types.Permission `json:"transfer,omitempty"`
	Manage   *types.Permission `json:"manage,omitempty"`
}

func applyUpdateDomain(ctx *execctx.ApplyContext) error {
	var act updateDomainPayload
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	if act.Name != ctx.Action.Key {
		return fmt.Errorf("%w: domain %s vs key %s", ErrActionKey, act.Name, ctx.Action.Key)
	}
	domain, err := tokendb.ReadToken[types.Domain](ctx.Cache, tokendb.TypeDomain, nil, tokendb.KeyFromName(act.Name))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownDomain, act.Name)
	}
	updated := *domain
	if act.Issue != nil {
		if err := act.Issue.Validate(false, false); err != nil {
			return err
		}
		if err := validateGroupRefs(ctx, *act.Issue); err != nil {
			return err
		}
		updated.Issue = *act.Issue
	}
	if act.Transfer != nil {
		if domain.SetTransferDisabled() {
			return fmt.Errorf("%w: domain %s froze its transfer permission", types.ErrMetaValue, act.Name)
		}
		if err := act.Transfer.Validate(false, true); err != nil {
			return err
		}
		if err := validateGroupRefs(ctx, *act.Transfer); err != nil {
			return err
		}
		updated.Transfer = *act.Transfer
	}
	if act.Manage != nil {
		if err := act.Manage.Validate(true, false); err != nil {
			return err
		}
		if err := validateGroupRefs(ctx, *act.Manage); err != nil {
			return err
		}
		updated.Manage = *act.Manage
	}
	return tokendb.PutToken(ctx.Cache, tokendb.TypeDomain, tokendb.OpUpdate, nil, tokendb.KeyFromName(act.Name), &updated)
}

type issueTokenPayload struct {
	Domain types.Name128   `json:"domain"`
	Names  []types.Name128 `json:"names"`
	Owner  []types.Address `json:"owner"`
}

func applyIssueToken(ctx *execctx.ApplyContext) error {
	var act issueTokenPayload
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	if act.Domain != ctx.Action.Domain {
		return fmt.Errorf("%w: domain %s vs %s", ErrActionKey, act.Domain, ctx.Action.Domain)
	}
	if _, err := tokendb.ReadToken[types.Domain](ctx.Cache, tokendb.TypeDomain, nil, tokendb.KeyFromName(act.Domain)); err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownDomain, act.Domain)
	}
	if len(act.Names) == 0 {
		return fmt.Errorf("%w: no token names", ErrActionKey)
	}
	if err := types.ValidateOwners(act.Owner); err != nil {
		return err
	}
	keys := make([]tokendb.Key, 0, len(act.Names))
	values := make([][]byte, 0, len(act.Names))
	for _, name := range act.Names {
		if name.Reserved() {
			return fmt.Errorf("%w: %s", types.ErrNameReserved, name)
		}
		exists, err := ctx.Cache.DB().ExistsToken(tokendb.TypeToken, &act.Domain, tokendb.KeyFromName(name))
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s in %s", ErrTokenDuplicate, name, act.Domain)
		}
		token := types.Token{Domain: act.Domain, Name: name, Owner: act.Owner}
		raw, err := json.Marshal(&token)
		if err != nil {
			return err
		}
		keys = append(keys, tokendb.KeyFromName(name))
		values = append(values, raw)
	}
	return ctx.Cache.DB().PutTokens(tokendb.TypeToken, tokendb.OpAdd, &act.Domain, keys, values)
}

type transferPayload struct {
	Domain types.Name128   `json:"domain"`
	Name   types.Name128   `json:"name"`
	To     []types.Address `json:"to"`
	Memo   string          `json:"memo,omitempty"`
}

// loadLiveToken fetches a token and rejects destroyed or locked ones.
func loadLiveToken(ctx *execctx.ApplyContext, domain, name types.Name128) (*types.Token, error) {
	token, err := tokendb.ReadToken[types.Token](ctx.Cache, tokendb.TypeToken, &domain, tokendb.KeyFromName(name))
	if err != nil {
		return nil, fmt.Errorf("%w: %s in %s", ErrUnknownToken, name, domain)
	}
	if token.Destroyed() {
		return nil, fmt.Errorf("%w: %s in %s", ErrTokenDestroyed, name, domain)
	}
	if token.Locked() {
		return nil, fmt.Errorf("%w: %s in %s", ErrTokenLocked, name, domain)
	}
	return token, nil
}

func applyTransfer(ctx *execctx.ApplyContext) error {
	var act transferPayload
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	token, err := loadLiveToken(ctx, act.Domain, act.Name)
	if err != nil {
		return err
	}
	if err := types.ValidateOwners(act.To); err != nil {
		return err
	}
	updated := *token
	updated.Owner = act.To
	return tokendb.PutToken(ctx.Cache, tokendb.TypeToken, tokendb.OpUpdate, &act.Domain, tokendb.KeyFromName(act.Name), &updated)
}

type destroyTokenPayload struct {
	Domain types.Name128 `json:"domain"`
	Name   types.Name128 `json:"name"`
}

func applyDestroyToken(ctx *execctx.ApplyContext) error {
	var act destroyTokenPayload
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	domain, err := tokendb.ReadToken[types.Domain](ctx.Cache, tokendb.TypeDomain, nil, tokendb.KeyFromName(act.Domain))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownDomain, act.Domain)
	}
	if domain.DestroyDisabled() {
		return fmt.Errorf("%w: %s", ErrDestroyDisabled, act.Domain)
	}
	token, err := loadLiveToken(ctx, act.Domain, act.Name)
	if err != nil {
		return err
	}
	updated := *token
	updated.Owner = []types.Address{types.ReservedAddress()}
	return tokendb.PutToken(ctx.Cache, tokendb.TypeToken, tokendb.OpUpdate, &act.Domain, tokendb.KeyFromName(act.Name), &updated)
}

type newGroupPayload struct {
	Name  types.Name128 `json:"name"`
	Group types.Group   `json:"group"`
}

func applyNewGroup(ctx *execctx.ApplyContext) error {
	var act newGroupPayload
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	if act.Name != ctx.Action.Key || act.Name != act.Group.Name {
		return fmt.Errorf("%w: group name mismatch", ErrActionKey)
	}
	if act.Name.Reserved() {
		return fmt.Errorf("%w: %s", types.ErrNameReserved, act.Name)
	}
	exists, err := ctx.Cache.DB().ExistsToken(tokendb.TypeGroup, nil, tokendb.KeyFromName(act.Name))
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrGroupDuplicate, act.Name)
	}
	if err := act.Group.Validate(int(ctx.Control.ChainConfig().MaxAuthorityDepth)); err != nil {
		return err
	}
	return tokendb.PutToken(ctx.Cache, tokendb.TypeGroup, tokendb.OpAdd, nil, tokendb.KeyFromName(act.Name), &act.Group)
}

type updateGroupPayload struct {
	Name  types.Name128 `json:"name"`
	Group types.Group   `json:"group"`
}

func applyUpdateGroup(ctx *execctx.ApplyContext) error {
	var act updateGroupPayload
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	if act.Name != ctx.Action.Key || act.Name != act.Group.Name {
		return fmt.Errorf("%w: group name mismatch", ErrActionKey)
	}
	if _, err := tokendb.ReadToken[types.Group](ctx.Cache, tokendb.TypeGroup, nil, tokendb.KeyFromName(act.Name)); err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownGroup, act.Name)
	}
	if err := act.Group.Validate(int(ctx.Control.ChainConfig().MaxAuthorityDepth)); err != nil {
		return err
	}
	return tokendb.PutToken(ctx.Cache, tokendb.TypeGroup, tokendb.OpUpdate, nil, tokendb.KeyFromName(act.Name), &act.Group)
}

type addMetaPayload struct {
	Key     types.Name128       `json:"key"`
	Value   string              `json:"value"`
	Creator types.AuthorizerRef `json:"creator"`
}

// reservedMetaAllowed whitelists the reserved keys each entity recognizes,
// with their legal values.
func reservedMetaAllowed(entity string, key types.Name128, value string) bool {
	boolValue := value == "true" || value == "false"
	switch entity {
	case "domain":
		return (key == types.MetaDisableDestroy || key == types.MetaDisableSetTransfer) && boolValue
	case "fungible":
		return key == types.MetaDisableSetTransfer && boolValue
	}
	return false
}

func applyAddMeta(ctx *execctx.ApplyContext) error {
	var act addMetaPayload
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	if err := act.Creator.Validate(); err != nil {
		return err
	}
	meta := types.Meta{Key: act.Key, Value: act.Value, Creator: act.Creator}

	domainName := ctx.Action.Domain
	switch domainName {
	case types.GroupDomainName:
		return addMetaToGroup(ctx, act, meta)
	case types.FungibleDomainName:
		return addMetaToFungible(ctx, act, meta)
	default:
		if ctx.Action.Key == types.MustName128(".meta") {
			return addMetaToDomain(ctx, domainName, act, meta)
		}
		return addMetaToToken(ctx, domainName, ctx.Action.Key, act, meta)
	}
}

func metaCreatorSatisfied(ctx *execctx.ApplyContext, creator types.AuthorizerRef, perm types.Permission, owners []types.Address) error {
	switch {
	case creator.IsAccount():
		if !ctx.SignedKeys.Contains(creator.Key) {
			return ErrMetaInvolve
		}
		for _, aw := range perm.Authorizers {
			if aw.Ref.IsAccount() && aw.Ref.Key.Equal(creator.Key) {
				return nil
			}
			if aw.Ref.IsOwner() {
				for _, o := range owners {
					if k, ok := o.PublicKey(); ok && k.Equal(creator.Key) {
						return nil
					}
				}
			}
		}
		return ErrMetaInvolve
	case creator.IsGroup():
		for _, aw := range perm.Authorizers {
			if aw.Ref.IsGroup() && aw.Ref.Group == creator.Group {
				return nil
			}
		}
		return ErrMetaInvolve
	}
	return ErrMetaInvolve
}

func checkMetaDupe(metas []types.Meta, key types.Name128) error {
	for _, m := range metas {
		if m.Key == key {
			return fmt.Errorf("%w: %s", types.ErrMetaDupe, key)
		}
	}
	return nil
}

func addMetaToDomain(ctx *execctx.ApplyContext, name types.Name128, act addMetaPayload, meta types.Meta) error {
	domain, err := tokendb.ReadToken[types.Domain](ctx.Cache, tokendb.TypeDomain, nil, tokendb.KeyFromName(name))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownDomain, name)
	}
	if act.Key.Reserved() && !reservedMetaAllowed("domain", act.Key, act.Value) {
		return fmt.Errorf("%w: %s", types.ErrMetaKey, act.Key)
	}
	if err := checkMetaDupe(domain.Metas, act.Key); err != nil {
		return err
	}
	if err := metaCreatorSatisfied(ctx, act.Creator, domain.Manage, nil); err != nil {
		return err
	}
	updated := *domain
	updated.Metas = append(append([]types.Meta(nil), domain.Metas...), meta)
	return tokendb.PutToken(ctx.Cache, tokendb.TypeDomain, tokendb.OpUpdate, nil, tokendb.KeyFromName(name), &updated)
}

func addMetaToToken(ctx *execctx.ApplyContext, domainName, name types.Name128, act addMetaPayload, meta types.Meta) error {
	token, err := loadLiveToken(ctx, domainName, name)
	if err != nil {
		return err
	}
	if act.Key.Reserved() {
		return fmt.Errorf("%w: %s", types.ErrMetaKey, act.Key)
	}
	if err := checkMetaDupe(token.Metas, act.Key); err != nil {
		return err
	}
	// The creator must be one of the token's current owners.
	involved := false
	if act.Creator.IsAccount() && ctx.SignedKeys.Contains(act.Creator.Key) {
		for _, o := range token.Owner {
			if k, ok := o.PublicKey(); ok && k.Equal(act.Creator.Key) {
				involved = true
				break
			}
		}
	}
	if !involved {
		return ErrMetaInvolve
	}
	updated := *token
	updated.Metas = append(append([]types.Meta(nil), token.Metas...), meta)
	return tokendb.PutToken(ctx.Cache, tokendb.TypeToken, tokendb.OpUpdate, &domainName, tokendb.KeyFromName(name), &updated)
}

func addMetaToGroup(ctx *execctx.ApplyContext, act addMetaPayload, meta types.Meta) error {
	name := ctx.Action.Key
	group, err := tokendb.ReadToken[types.Group](ctx.Cache, tokendb.TypeGroup, nil, tokendb.KeyFromName(name))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownGroup, name)
	}
	if act.Key.Reserved() {
		return fmt.Errorf("%w: %s", types.ErrMetaKey, act.Key)
	}
	if err := checkMetaDupe(group.Metas, act.Key); err != nil {
		return err
	}
	if !act.Creator.IsAccount() || !act.Creator.Key.Equal(group.Key) || !ctx.SignedKeys.Contains(group.Key) {
		return ErrMetaInvolve
	}
	updated := *group
	updated.Metas = append(append([]types.Meta(nil), group.Metas...), meta)
	return tokendb.PutToken(ctx.Cache, tokendb.TypeGroup, tokendb.OpUpdate, nil, tokendb.KeyFromName(name), &updated)
}

func addMetaToFungible(ctx *execctx.ApplyContext, act addMetaPayload, meta types.Meta) error {
	name := ctx.Action.Key
	fungible, err := tokendb.ReadToken[types.Fungible](ctx.Cache, tokendb.TypeFungible, nil, tokendb.KeyFromName(name))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownDomain, name)
	}
	if act.Key.Reserved() && !reservedMetaAllowed("fungible", act.Key, act.Value) {
		return fmt.Errorf("%w: %s", types.ErrMetaKey, act.Key)
	}
	if err := checkMetaDupe(fungible.Metas, act.Key); err != nil {
		return err
	}
	if err := metaCreatorSatisfied(ctx, act.Creator, fungible.Manage, nil); err != nil {
		return err
	}
	updated := *fungible
	updated.Metas = append(append([]types.Meta(nil), fungible.Metas...), meta)
	return tokendb.PutToken(ctx.Cache, tokendb.TypeFungible, tokendb.OpUpdate, nil, tokendb.KeyFromName(name), &updated)
}
