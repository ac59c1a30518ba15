// Package staking implements validators, stake pools and the three-step
// unstake protocol. Active stake accrues by a per-day geometric net-value
// curve; validator commission is carved out when bonuses are received.
package staking

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"jmzkchain/core/execctx"
	"jmzkchain/core/types"
	"jmzkchain/native/common"
	"jmzkchain/storage/tokendb"
)

var (
	ErrValidatorDuplicate = errors.New("validator already exists")
	ErrCommissionRange    = errors.New("commission must lie in [0,1]")
	ErrStakeType          = errors.New("stake type is invalid")
	ErrUnstakeOp          = errors.New("unstake operation is invalid")
	ErrNoWithdrawAddress  = errors.New("validator withdraw permission names no key")
)

// UnstakePendingDays is the waiting window between proposing an unstake and
// settling it.
const UnstakePendingDays = 7

const daysPerYear = 365

// Register wires the family into the action registry.
func Register(r *execctx.Registry) {
	r.Register(types.MustName128("newstakepool"), "newstakepool", 1, applyNewStakePool)
	r.Register(types.MustName128("updstakepool"), "updstakepool", 1, applyUpdStakePool)
	r.Register(types.MustName128("newvalidator"), "newvalidator", 1, applyNewValidator)
	r.Register(types.MustName128("staketkns"), "staketkns", 1, applyStakeTkns)
	r.Register(types.MustName128("unstaketkns"), "unstaketkns", 1, applyUnstakeTkns)
	r.Register(types.MustName128("toactivetkns"), "toactivetkns", 1, applyToActiveTkns)
	r.Register(types.MustName128("valiwithdraw"), "valiwithdraw", 1, applyValiWithdraw)
	r.Register(types.MustName128("recvstkbonus"), "recvstkbonus", 1, applyRecvStkBonus)
}

type stakePoolPayload struct {
	SymID             uint32      `json:"sym_id"`
	PurchaseThreshold types.Asset `json:"purchase_threshold"`
	DemandR           int64       `json:"demand_r"`
	DemandT           int64       `json:"demand_t"`
	DemandQ           int64       `json:"demand_q"`
	DemandW           int64       `json:"demand_w"`
	FixedR            int64       `json:"fixed_r"`
	FixedT            int64       `json:"fixed_t"`
	BeginTime         time.Time   `json:"begin_time"`
}

func applyNewStakePool(ctx *execctx.ApplyContext) error {
	var act stakePoolPayload
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	if _, err := tokendb.ReadToken[types.Fungible](ctx.Cache, tokendb.TypeFungible, nil, common.SymKey(act.SymID)); err != nil {
		return fmt.Errorf("fungible %d does not exist", act.SymID)
	}
	exists, err := ctx.Cache.DB().ExistsToken(tokendb.TypeStakepool, nil, common.SymKey(act.SymID))
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %d", types.ErrStakePoolExists, act.SymID)
	}
	pool := types.StakePool{
		SymID:             act.SymID,
		BeginTime:         act.BeginTime,
		PurchaseThreshold: act.PurchaseThreshold,
		DemandR:           act.DemandR,
		DemandT:           act.DemandT,
		DemandQ:           act.DemandQ,
		DemandW:           act.DemandW,
		FixedR:            act.FixedR,
		FixedT:            act.FixedT,
		Total:             types.Asset{Sym: act.PurchaseThreshold.Sym},
	}
	return tokendb.PutToken(ctx.Cache, tokendb.TypeStakepool, tokendb.OpAdd, nil, common.SymKey(act.SymID), &pool)
}

func applyUpdStakePool(ctx *execctx.ApplyContext) error {
	var act stakePoolPayload
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	pool, err := tokendb.ReadToken[types.StakePool](ctx.Cache, tokendb.TypeStakepool, nil, common.SymKey(act.SymID))
	if err != nil {
		return fmt.Errorf("%w: %d", types.ErrUnknownStakePool, act.SymID)
	}
	updated := *pool
	updated.PurchaseThreshold = act.PurchaseThreshold
	updated.DemandR = act.DemandR
	updated.DemandT = act.DemandT
	updated.DemandQ = act.DemandQ
	updated.DemandW = act.DemandW
	updated.FixedR = act.FixedR
	updated.FixedT = act.FixedT
	return tokendb.PutToken(ctx.Cache, tokendb.TypeStakepool, tokendb.OpUpdate, nil, common.SymKey(act.SymID), &updated)
}

type newValidatorPayload struct {
	Name       types.Name128    `json:"name"`
	Creator    types.PublicKey  `json:"creator"`
	Signer     types.PublicKey  `json:"signer"`
	Withdraw   types.Permission `json:"withdraw"`
	Manage     types.Permission `json:"manage"`
	Commission types.Percent    `json:"commission"`
}

func applyNewValidator(ctx *execctx.ApplyContext) error {
	var act newValidatorPayload
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	if act.Name != ctx.Action.Key {
		return fmt.Errorf("validator name %s does not match action key %s", act.Name, ctx.Action.Key)
	}
	if act.Name.Reserved() {
		return fmt.Errorf("%w: %s", types.ErrNameReserved, act.Name)
	}
	exists, err := ctx.Cache.DB().ExistsToken(tokendb.TypeValidator, nil, tokendb.KeyFromName(act.Name))
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrValidatorDuplicate, act.Name)
	}
	if err := act.Withdraw.Validate(false, false); err != nil {
		return err
	}
	if err := act.Manage.Validate(true, false); err != nil {
		return err
	}
	if act.Commission > types.PercentDenominator {
		return ErrCommissionRange
	}
	validator := types.Validator{
		Name:    act.Name,
		Creator: act.Creator,
		// Head time, not pending time, for bit-exact replay.
		CreateTime:      ctx.Control.HeadBlockTime(),
		Signer:          act.Signer,
		Withdraw:        act.Withdraw,
		Manage:          act.Manage,
		Commission:      act.Commission,
		InitialNetValue: types.NetValuePrecision,
		CurrentNetValue: types.NetValuePrecision,
		LastBonusTime:   ctx.Control.HeadBlockTime(),
	}
	return tokendb.PutToken(ctx.Cache, tokendb.TypeValidator, tokendb.OpAdd, nil, tokendb.KeyFromName(act.Name), &validator)
}

// withdrawAddress resolves the validator's payout address: the first account
// authorizer of its withdraw permission.
func withdrawAddress(v *types.Validator) (types.Address, error) {
	for _, aw := range v.Withdraw.Authorizers {
		if aw.Ref.IsAccount() {
			return types.PublicKeyAddress(aw.Ref.Key)
		}
	}
	return types.Address{}, ErrNoWithdrawAddress
}

type stakeTknsPayload struct {
	Staker    types.Address `json:"staker"`
	Validator types.Name128 `json:"validator"`
	Amount    types.Asset   `json:"amount"`
	Type      string        `json:"type"`
	FixedDays int32         `json:"fixed_days"`
}

func applyStakeTkns(ctx *execctx.ApplyContext) error {
	var act stakeTknsPayload
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	var stakeType types.StakeType
	switch act.Type {
	case "active":
		stakeType = types.StakeActive
		if act.FixedDays != 0 {
			return fmt.Errorf("%w: active stake takes no fixed days", ErrStakeType)
		}
	case "fixed":
		stakeType = types.StakeFixed
		if act.FixedDays <= 0 {
			return fmt.Errorf("%w: fixed stake needs fixed days", ErrStakeType)
		}
	default:
		return fmt.Errorf("%w: %q", ErrStakeType, act.Type)
	}
	pool, err := tokendb.ReadToken[types.StakePool](ctx.Cache, tokendb.TypeStakepool, nil, common.SymKey(act.Amount.Sym.ID))
	if err != nil {
		return fmt.Errorf("%w: %d", types.ErrUnknownStakePool, act.Amount.Sym.ID)
	}
	if act.Amount.Amount < pool.PurchaseThreshold.Amount {
		return fmt.Errorf("%w: %s below %s", types.ErrStakeBelowPurchase, act.Amount, pool.PurchaseThreshold)
	}
	validator, err := tokendb.ReadToken[types.Validator](ctx.Cache, tokendb.TypeValidator, nil, tokendb.KeyFromName(act.Validator))
	if err != nil {
		return fmt.Errorf("%w: %s", types.ErrUnknownValidator, act.Validator)
	}

	now := ctx.Control.PendingBlockTime()
	units := mulDiv(act.Amount.Amount, types.NetValuePrecision, validator.CurrentNetValue)
	if units <= 0 {
		return types.ErrValidatorUnits
	}
	if err := common.Transfer(ctx.Cache, act.Staker, types.StakingAddress(), act.Amount, now.Unix()); err != nil {
		return err
	}

	prop, err := common.ReadProperty(ctx.Cache, act.Staker, act.Amount.Sym)
	if err != nil {
		return err
	}
	prop.StakeShares = append(prop.StakeShares, types.StakeShare{
		Validator: act.Validator,
		Units:     units,
		NetValue:  validator.CurrentNetValue,
		Type:      stakeType,
		FixedDays: act.FixedDays,
		Time:      now.Unix(),
	})
	if err := common.SaveProperty(ctx.Cache, act.Staker, prop); err != nil {
		return err
	}

	updatedValidator := *validator
	updatedValidator.TotalUnits += units
	if err := tokendb.PutToken(ctx.Cache, tokendb.TypeValidator, tokendb.OpUpdate, nil, tokendb.KeyFromName(act.Validator), &updatedValidator); err != nil {
		return err
	}
	updatedPool := *pool
	total, err := updatedPool.Total.Add(act.Amount)
	if err != nil {
		return err
	}
	updatedPool.Total = total
	return tokendb.PutToken(ctx.Cache, tokendb.TypeStakepool, tokendb.OpUpdate, nil, common.SymKey(act.Amount.Sym.ID), &updatedPool)
}

type unstakeTknsPayload struct {
	Staker    types.Address `json:"staker"`
	Validator types.Name128 `json:"validator"`
	Units     int64         `json:"units"`
	Op        string        `json:"op"`
	SymID     uint32        `json:"sym_id"`
}

func applyUnstakeTkns(ctx *execctx.ApplyContext) error {
	var act unstakeTknsPayload
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	if act.Units <= 0 {
		return types.ErrValidatorUnits
	}
	if act.SymID == 0 {
		act.SymID = types.EVTSymbolID
	}
	sym := types.Symbol{Precision: types.EVTPrecision, ID: act.SymID}
	switch act.Op {
	case "propose":
		return unstakePropose(ctx, act, sym)
	case "cancel":
		return unstakeCancel(ctx, act, sym)
	case "settle":
		return unstakeSettle(ctx, act, sym)
	}
	return fmt.Errorf("%w: %q", ErrUnstakeOp, act.Op)
}

func unstakePropose(ctx *execctx.ApplyContext, act unstakeTknsPayload, sym types.Symbol) error {
	prop, err := common.ReadProperty(ctx.Cache, act.Staker, sym)
	if err != nil {
		return err
	}
	remaining := act.Units
	now := ctx.Control.PendingBlockTime().Unix()
	kept := prop.StakeShares[:0]
	for _, share := range prop.StakeShares {
		if remaining == 0 || share.Validator != act.Validator || share.Type != types.StakeActive {
			kept = append(kept, share)
			continue
		}
		take := share.Units
		if take > remaining {
			take = remaining
			share.Units -= take
			kept = append(kept, share)
		}
		remaining -= take
		prop.PendingShares = append(prop.PendingShares, types.PendingShare{
			Validator: act.Validator,
			Units:     take,
			Time:      now,
		})
	}
	if remaining > 0 {
		return fmt.Errorf("%w: %d units short", types.ErrValidatorUnits, remaining)
	}
	prop.StakeShares = kept
	if err := common.SaveProperty(ctx.Cache, act.Staker, prop); err != nil {
		return err
	}
	// Pending shares stop accruing.
	validator, err := tokendb.ReadToken[types.Validator](ctx.Cache, tokendb.TypeValidator, nil, tokendb.KeyFromName(act.Validator))
	if err != nil {
		return fmt.Errorf("%w: %s", types.ErrUnknownValidator, act.Validator)
	}
	updated := *validator
	updated.TotalUnits -= act.Units
	return tokendb.PutToken(ctx.Cache, tokendb.TypeValidator, tokendb.OpUpdate, nil, tokendb.KeyFromName(act.Validator), &updated)
}

func unstakeCancel(ctx *execctx.ApplyContext, act unstakeTknsPayload, sym types.Symbol) error {
	prop, err := common.ReadProperty(ctx.Cache, act.Staker, sym)
	if err != nil {
		return err
	}
	validator, err := tokendb.ReadToken[types.Validator](ctx.Cache, tokendb.TypeValidator, nil, tokendb.KeyFromName(act.Validator))
	if err != nil {
		return fmt.Errorf("%w: %s", types.ErrUnknownValidator, act.Validator)
	}
	remaining := act.Units
	kept := prop.PendingShares[:0]
	for _, pending := range prop.PendingShares {
		if remaining == 0 || pending.Validator != act.Validator {
			kept = append(kept, pending)
			continue
		}
		take := pending.Units
		if take > remaining {
			take = remaining
			pending.Units -= take
			kept = append(kept, pending)
		}
		remaining -= take
		prop.StakeShares = append(prop.StakeShares, types.StakeShare{
			Validator: act.Validator,
			Units:     take,
			NetValue:  validator.CurrentNetValue,
			Type:      types.StakeActive,
			Time:      ctx.Control.PendingBlockTime().Unix(),
		})
	}
	if remaining > 0 {
		return fmt.Errorf("%w: %d units short", types.ErrValidatorUnits, remaining)
	}
	prop.PendingShares = kept
	if err := common.SaveProperty(ctx.Cache, act.Staker, prop); err != nil {
		return err
	}
	updated := *validator
	updated.TotalUnits += act.Units
	return tokendb.PutToken(ctx.Cache, tokendb.TypeValidator, tokendb.OpUpdate, nil, tokendb.KeyFromName(act.Validator), &updated)
}

func unstakeSettle(ctx *execctx.ApplyContext, act unstakeTknsPayload, sym types.Symbol) error {
	prop, err := common.ReadProperty(ctx.Cache, act.Staker, sym)
	if err != nil {
		return err
	}
	validator, err := tokendb.ReadToken[types.Validator](ctx.Cache, tokendb.TypeValidator, nil, tokendb.KeyFromName(act.Validator))
	if err != nil {
		return fmt.Errorf("%w: %s", types.ErrUnknownValidator, act.Validator)
	}
	now := ctx.Control.PendingBlockTime()
	cutoff := now.Add(-UnstakePendingDays * 24 * time.Hour).Unix()

	remaining := act.Units
	kept := prop.PendingShares[:0]
	for _, pending := range prop.PendingShares {
		if remaining == 0 || pending.Validator != act.Validator {
			kept = append(kept, pending)
			continue
		}
		if pending.Time > cutoff {
			kept = append(kept, pending)
			continue
		}
		take := pending.Units
		if take > remaining {
			take = remaining
			pending.Units -= take
			kept = append(kept, pending)
		}
		remaining -= take
	}
	if remaining > 0 {
		return fmt.Errorf("%w: %d units not settleable", types.ErrStakePending, remaining)
	}
	prop.PendingShares = kept
	if err := common.SaveProperty(ctx.Cache, act.Staker, prop); err != nil {
		return err
	}

	payout := mulDiv(act.Units, validator.CurrentNetValue, types.NetValuePrecision)
	if err := common.Transfer(ctx.Cache, types.StakingAddress(), act.Staker, types.Asset{Amount: payout, Sym: sym}, now.Unix()); err != nil {
		return err
	}
	pool, err := tokendb.ReadToken[types.StakePool](ctx.Cache, tokendb.TypeStakepool, nil, common.SymKey(sym.ID))
	if err != nil {
		return fmt.Errorf("%w: %d", types.ErrUnknownStakePool, sym.ID)
	}
	updatedPool := *pool
	updatedPool.Total.Amount -= payout
	return tokendb.PutToken(ctx.Cache, tokendb.TypeStakepool, tokendb.OpUpdate, nil, common.SymKey(sym.ID), &updatedPool)
}

type toActiveTknsPayload struct {
	Staker    types.Address `json:"staker"`
	Validator types.Name128 `json:"validator"`
	SymID     uint32        `json:"sym_id"`
}

func applyToActiveTkns(ctx *execctx.ApplyContext) error {
	var act toActiveTknsPayload
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	if act.SymID == 0 {
		act.SymID = types.EVTSymbolID
	}
	sym := types.Symbol{Precision: types.EVTPrecision, ID: act.SymID}
	prop, err := common.ReadProperty(ctx.Cache, act.Staker, sym)
	if err != nil {
		return err
	}
	now := ctx.Control.PendingBlockTime().Unix()
	changed := false
	for i, share := range prop.StakeShares {
		if share.Validator != act.Validator || share.Type != types.StakeFixed {
			continue
		}
		maturity := share.Time + int64(share.FixedDays)*24*3600
		if now < maturity {
			continue
		}
		prop.StakeShares[i].Type = types.StakeActive
		prop.StakeShares[i].FixedDays = 0
		changed = true
	}
	if !changed {
		return fmt.Errorf("%w: no matured fixed shares", types.ErrValidatorUnits)
	}
	return common.SaveProperty(ctx.Cache, act.Staker, prop)
}

type valiWithdrawPayload struct {
	Name   types.Name128 `json:"name"`
	Addr   types.Address `json:"addr"`
	Amount types.Asset   `json:"amount"`
}

func applyValiWithdraw(ctx *execctx.ApplyContext) error {
	var act valiWithdrawPayload
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	validator, err := tokendb.ReadToken[types.Validator](ctx.Cache, tokendb.TypeValidator, nil, tokendb.KeyFromName(act.Name))
	if err != nil {
		return fmt.Errorf("%w: %s", types.ErrUnknownValidator, act.Name)
	}
	withdraw, err := withdrawAddress(validator)
	if err != nil {
		return err
	}
	return common.Transfer(ctx.Cache, withdraw, act.Addr, act.Amount, ctx.Control.PendingBlockTime().Unix())
}

type recvStkBonusPayload struct {
	Validator types.Name128 `json:"validator"`
	SymID     uint32        `json:"sym_id"`
}

func applyRecvStkBonus(ctx *execctx.ApplyContext) error {
	var act recvStkBonusPayload
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	validator, err := tokendb.ReadToken[types.Validator](ctx.Cache, tokendb.TypeValidator, nil, tokendb.KeyFromName(act.Validator))
	if err != nil {
		return fmt.Errorf("%w: %s", types.ErrUnknownValidator, act.Validator)
	}
	pool, err := tokendb.ReadToken[types.StakePool](ctx.Cache, tokendb.TypeStakepool, nil, common.SymKey(act.SymID))
	if err != nil {
		return fmt.Errorf("%w: %d", types.ErrUnknownStakePool, act.SymID)
	}
	sym := types.Symbol{Precision: types.EVTPrecision, ID: act.SymID}
	now := ctx.Control.PendingBlockTime()
	days := int64(now.Sub(validator.LastBonusTime).Hours() / 24)
	if days <= 0 {
		return fmt.Errorf("no full day has passed since the last bonus")
	}

	newNV := accrueNetValue(validator.CurrentNetValue, pool.DemandR, days)
	gainPerUnit := newNV - validator.CurrentNetValue
	if gainPerUnit <= 0 {
		return fmt.Errorf("net value did not grow")
	}
	commissionPerUnit := validator.Commission.Apply(gainPerUnit)
	stakerGainPerUnit := gainPerUnit - commissionPerUnit

	// The yield is issued from the un-issued supply: the stakers' share
	// funds the pool, the commission goes straight to the withdraw address.
	supply := types.FungibleAddress(sym.ID)
	stakerTotal := mulDiv(stakerGainPerUnit, validator.TotalUnits, types.NetValuePrecision)
	commissionTotal := mulDiv(commissionPerUnit, validator.TotalUnits, types.NetValuePrecision)
	if stakerTotal > 0 {
		if err := common.Transfer(ctx.Cache, supply, types.StakingAddress(), types.Asset{Amount: stakerTotal, Sym: sym}, now.Unix()); err != nil {
			return err
		}
	}
	if commissionTotal > 0 {
		withdraw, err := withdrawAddress(validator)
		if err != nil {
			return err
		}
		if err := common.Transfer(ctx.Cache, supply, withdraw, types.Asset{Amount: commissionTotal, Sym: sym}, now.Unix()); err != nil {
			return err
		}
	}

	updated := *validator
	updated.CurrentNetValue = validator.CurrentNetValue + stakerGainPerUnit
	updated.LastBonusTime = validator.LastBonusTime.Add(time.Duration(days) * 24 * time.Hour)
	return tokendb.PutToken(ctx.Cache, tokendb.TypeValidator, tokendb.OpUpdate, nil, tokendb.KeyFromName(act.Validator), &updated)
}

// accrueNetValue compounds the per-day demand rate over the elapsed days:
// nv * (1 + r/365)^days with r in millionths per year, all in integers.
func accrueNetValue(nv, yearlyRate, days int64) int64 {
	num := big.NewInt(types.PercentDenominator*daysPerYear + yearlyRate)
	den := big.NewInt(types.PercentDenominator * daysPerYear)
	acc := big.NewInt(nv)
	for i := int64(0); i < days; i++ {
		acc.Mul(acc, num)
		acc.Div(acc, den)
	}
	return acc.Int64()
}

func mulDiv(a, b, d int64) int64 {
	prod := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	return prod.Div(prod, big.NewInt(d)).Int64()
}
