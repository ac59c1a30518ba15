// Package lock implements time-boxed escrows holding NFTs and fungible
// amounts behind a condition-keys threshold.
package lock

import (
	"errors"
	"fmt"
	"time"

	"jmzkchain/core/execctx"
	"jmzkchain/core/types"
	"jmzkchain/native/common"
	"jmzkchain/storage/tokendb"
)

var (
	ErrLockDuplicate = errors.New("lock proposal already exists")
	ErrUnknownLock   = errors.New("lock proposal does not exist")
	ErrNotLockable   = errors.New("asset cannot be moved into the lock")
	ErrNotUnlockable = errors.New("lock condition is not met and the deadline has not passed")
)

// Register wires the family into the action registry.
func Register(r *execctx.Registry) {
	r.Register(types.MustName128("newlock"), "newlock", 1, applyNewLock)
	r.Register(types.MustName128("aprvlock"), "aprvlock", 1, applyAprvLock)
	r.Register(types.MustName128("tryunlock"), "tryunlock", 1, applyTryUnlock)
}

type newLockPayload struct {
	Name       types.Name128       `json:"name"`
	Proposer   types.PublicKey     `json:"proposer"`
	UnlockTime time.Time           `json:"unlock_time"`
	Deadline   time.Time           `json:"deadline"`
	Assets     []types.LockAsset   `json:"assets"`
	Condition  types.LockCondition `json:"condition"`
	Succeed    []types.Address     `json:"succeed"`
	Failed     []types.Address     `json:"failed"`
}

func validatePayouts(addrs []types.Address) error {
	if len(addrs) == 0 {
		return types.ErrLockAddress
	}
	for _, a := range addrs {
		if a.IsReserved() {
			return types.ErrLockAddress
		}
	}
	return nil
}

func applyNewLock(ctx *execctx.ApplyContext) error {
	var act newLockPayload
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	if act.Name != ctx.Action.Key {
		return fmt.Errorf("lock name %s does not match action key %s", act.Name, ctx.Action.Key)
	}
	exists, err := ctx.Cache.DB().ExistsToken(tokendb.TypeLock, nil, tokendb.KeyFromName(act.Name))
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrLockDuplicate, act.Name)
	}
	now := ctx.Control.PendingBlockTime()
	if !act.UnlockTime.After(now) || !act.Deadline.After(act.UnlockTime) {
		return fmt.Errorf("%w: unlock %s, deadline %s", types.ErrLockCondition, act.UnlockTime, act.Deadline)
	}
	if err := act.Condition.Validate(); err != nil {
		return err
	}
	if len(act.Assets) == 0 {
		return types.ErrLockAssets
	}
	if err := validatePayouts(act.Succeed); err != nil {
		return err
	}
	if err := validatePayouts(act.Failed); err != nil {
		return err
	}

	lockAddr := types.LockAddress(act.Name)
	for _, asset := range act.Assets {
		if err := asset.Validate(); err != nil {
			return err
		}
		switch asset.Kind {
		case types.LockAssetNFT:
			if err := lockNFTs(ctx, asset.Tokens, lockAddr); err != nil {
				return err
			}
		case types.LockAssetFT:
			// Fungible escrows pay out to exactly one address per side.
			if len(act.Succeed) != 1 || len(act.Failed) != 1 {
				return types.ErrLockAddress
			}
			if err := lockFT(ctx, asset.FT, lockAddr); err != nil {
				return err
			}
		}
	}

	record := types.Lock{
		Name:       act.Name,
		Proposer:   act.Proposer,
		Status:     types.LockProposed,
		UnlockTime: act.UnlockTime,
		Deadline:   act.Deadline,
		Assets:     act.Assets,
		Condition:  act.Condition,
		Succeed:    act.Succeed,
		Failed:     act.Failed,
	}
	return tokendb.PutToken(ctx.Cache, tokendb.TypeLock, tokendb.OpAdd, nil, tokendb.KeyFromName(act.Name), &record)
}

// lockNFTs moves tokens into the escrow address. Every current owner key
// must have signed the proposal.
func lockNFTs(ctx *execctx.ApplyContext, nft *types.LockNFT, lockAddr types.Address) error {
	for _, name := range nft.Names {
		token, err := tokendb.ReadToken[types.Token](ctx.Cache, tokendb.TypeToken, &nft.Domain, tokendb.KeyFromName(name))
		if err != nil {
			return fmt.Errorf("%w: %s in %s", ErrNotLockable, name, nft.Domain)
		}
		if token.Destroyed() || token.Locked() {
			return fmt.Errorf("%w: %s in %s is not transferable", ErrNotLockable, name, nft.Domain)
		}
		for _, o := range token.Owner {
			key, ok := o.PublicKey()
			if !ok || !ctx.SignedKeys.Contains(key) {
				return fmt.Errorf("%w: owner of %s did not sign", ErrNotLockable, name)
			}
		}
		updated := *token
		updated.Owner = []types.Address{lockAddr}
		if err := tokendb.PutToken(ctx.Cache, tokendb.TypeToken, tokendb.OpUpdate, &nft.Domain, tokendb.KeyFromName(name), &updated); err != nil {
			return err
		}
	}
	return nil
}

func lockFT(ctx *execctx.ApplyContext, ft *types.LockFT, lockAddr types.Address) error {
	key, ok := ft.From.PublicKey()
	if !ok || !ctx.SignedKeys.Contains(key) {
		return fmt.Errorf("%w: fungible source did not sign", ErrNotLockable)
	}
	if ft.Amount.Sym.ID == types.PEVTSymbolID {
		return types.ErrPEVTImmovable
	}
	return common.Transfer(ctx.Cache, ft.From, lockAddr, ft.Amount, ctx.Control.PendingBlockTime().Unix())
}

type aprvLockPayload struct {
	Name     types.Name128   `json:"name"`
	Approver types.PublicKey `json:"approver"`
}

func applyAprvLock(ctx *execctx.ApplyContext) error {
	var act aprvLockPayload
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	record, err := tokendb.ReadToken[types.Lock](ctx.Cache, tokendb.TypeLock, nil, tokendb.KeyFromName(act.Name))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownLock, act.Name)
	}
	if record.Status != types.LockProposed {
		return fmt.Errorf("%w: %v", types.ErrLockStatus, record.Status)
	}
	if ctx.Control.PendingBlockTime().After(record.Deadline) {
		return fmt.Errorf("%w: approvals closed at %s", types.ErrLockStatus, record.Deadline)
	}
	if !ctx.SignedKeys.Contains(act.Approver) {
		return fmt.Errorf("%w: approver did not sign", types.ErrLockCondition)
	}
	inCond := false
	for _, k := range record.Condition.CondKeys.CondKeys {
		if k.Equal(act.Approver) {
			inCond = true
			break
		}
	}
	if !inCond {
		return fmt.Errorf("%w: approver is not a condition key", types.ErrLockCondition)
	}
	if record.HasSigned(act.Approver) {
		return fmt.Errorf("%w: %s", types.ErrLockDupeKey, act.Approver)
	}
	updated := *record
	updated.SignedKeys = append(append([]types.PublicKey(nil), record.SignedKeys...), act.Approver)
	return tokendb.PutToken(ctx.Cache, tokendb.TypeLock, tokendb.OpUpdate, nil, tokendb.KeyFromName(act.Name), &updated)
}

type tryUnlockPayload struct {
	Name     types.Name128   `json:"name"`
	Executor types.PublicKey `json:"executor"`
}

func applyTryUnlock(ctx *execctx.ApplyContext) error {
	var act tryUnlockPayload
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	record, err := tokendb.ReadToken[types.Lock](ctx.Cache, tokendb.TypeLock, nil, tokendb.KeyFromName(act.Name))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownLock, act.Name)
	}
	if record.Status != types.LockProposed {
		return fmt.Errorf("%w: %v", types.ErrLockStatus, record.Status)
	}
	now := ctx.Control.PendingBlockTime()

	var payout []types.Address
	var status types.LockStatus
	switch {
	case !now.Before(record.UnlockTime) && record.ConditionMet():
		payout = record.Succeed
		status = types.LockSucceed
	case now.After(record.Deadline):
		payout = record.Failed
		status = types.LockFailed
	default:
		return ErrNotUnlockable
	}

	lockAddr := types.LockAddress(record.Name)
	for _, asset := range record.Assets {
		switch asset.Kind {
		case types.LockAssetNFT:
			for _, name := range asset.Tokens.Names {
				token, err := tokendb.ReadToken[types.Token](ctx.Cache, tokendb.TypeToken, &asset.Tokens.Domain, tokendb.KeyFromName(name))
				if err != nil {
					return err
				}
				updated := *token
				updated.Owner = payout
				if err := tokendb.PutToken(ctx.Cache, tokendb.TypeToken, tokendb.OpUpdate, &asset.Tokens.Domain, tokendb.KeyFromName(name), &updated); err != nil {
					return err
				}
			}
		case types.LockAssetFT:
			if err := common.Transfer(ctx.Cache, lockAddr, payout[0], asset.FT.Amount, now.Unix()); err != nil {
				return err
			}
		}
	}

	updated := *record
	updated.Status = status
	return tokendb.PutToken(ctx.Cache, tokendb.TypeLock, tokendb.OpUpdate, nil, tokendb.KeyFromName(act.Name), &updated)
}
