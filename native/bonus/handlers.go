// Package bonus implements per-fungible passive fee schedules and their
// periodic distribution rounds.
package bonus

import (
	"encoding/json"
	"fmt"
	"math/big"

	"jmzkchain/core/execctx"
	"jmzkchain/core/types"
	"jmzkchain/native/common"
	"jmzkchain/storage/tokendb"
)

var (
	transferftName = types.MustName128("transferft")
	everipayName   = types.MustName128("everipay")
)

// Register wires the family into the action registry. Version 2 of
// setpsvbonus decodes rates from their string-wrapped form.
func Register(r *execctx.Registry) {
	r.Register(types.MustName128("setpsvbonus"), "setpsvbonus", 1, applySetPsvBonusV1)
	r.Register(types.MustName128("setpsvbonus"), "setpsvbonus", 2, applySetPsvBonusV2)
	r.Register(types.MustName128("distpsvbonus"), "distpsvbonus", 1, applyDistPsvBonus)
}

type setPsvBonusPayloadV1 struct {
	Sym             types.Symbol        `json:"sym"`
	Rate            types.Percent       `json:"rate"`
	BaseCharge      types.Asset         `json:"base_charge"`
	ChargeThreshold *types.Asset        `json:"charge_threshold,omitempty"`
	MinimumCharge   *types.Asset        `json:"minimum_charge,omitempty"`
	DistThreshold   types.Asset         `json:"dist_threshold"`
	Rules           []types.BonusRule   `json:"rules"`
	Methods         []types.BonusMethod `json:"methods"`
}

type setPsvBonusPayloadV2 struct {
	SymID           uint32              `json:"sym_id"`
	Rate            types.Percent       `json:"rate"`
	BaseCharge      types.Asset         `json:"base_charge"`
	ChargeThreshold *types.Asset        `json:"charge_threshold,omitempty"`
	MinimumCharge   *types.Asset        `json:"minimum_charge,omitempty"`
	DistThreshold   types.Asset         `json:"dist_threshold"`
	Rules           []types.BonusRule   `json:"rules"`
	Methods         []types.BonusMethod `json:"methods"`
}

func setPsvBonus(ctx *execctx.ApplyContext, b types.PassiveBonus) error {
	if b.SymID == types.PEVTSymbolID {
		return types.ErrPEVTImmovable
	}
	if _, err := tokendb.ReadToken[types.Fungible](ctx.Cache, tokendb.TypeFungible, nil, common.SymKey(b.SymID)); err != nil {
		return fmt.Errorf("fungible %d does not exist", b.SymID)
	}
	exists, err := ctx.Cache.DB().ExistsToken(tokendb.TypePsvBonus, nil, common.SymKey(b.SymID))
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: passive bonus for %d already configured", types.ErrBonusRules, b.SymID)
	}
	if b.DistThreshold.Amount <= 0 {
		return types.ErrBonusCharge
	}
	if err := types.ValidateBonusRules(b.Rules); err != nil {
		return err
	}
	if len(b.Methods) == 0 {
		return types.ErrBonusMethod
	}
	for _, m := range b.Methods {
		if m.Action != transferftName && m.Action != everipayName {
			return fmt.Errorf("%w: %s", types.ErrBonusMethod, m.Action)
		}
		if m.Method != types.BonusWithinAmount && m.Method != types.BonusOutsideAmount {
			return types.ErrBonusMethod
		}
	}
	return tokendb.PutToken(ctx.Cache, tokendb.TypePsvBonus, tokendb.OpAdd, nil, common.SymKey(b.SymID), &b)
}

func applySetPsvBonusV1(ctx *execctx.ApplyContext) error {
	var act setPsvBonusPayloadV1
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	return setPsvBonus(ctx, types.PassiveBonus{
		SymID:           act.Sym.ID,
		Rate:            act.Rate,
		BaseCharge:      act.BaseCharge,
		ChargeThreshold: act.ChargeThreshold,
		MinimumCharge:   act.MinimumCharge,
		DistThreshold:   act.DistThreshold,
		Rules:           act.Rules,
		Methods:         act.Methods,
	})
}

func applySetPsvBonusV2(ctx *execctx.ApplyContext) error {
	var act setPsvBonusPayloadV2
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	// Version 2 payloads must carry rates in the string form.
	var probe struct {
		Rate json.RawMessage `json:"rate"`
	}
	if err := json.Unmarshal(ctx.Action.Data, &probe); err != nil {
		return err
	}
	if len(probe.Rate) == 0 || probe.Rate[0] != '"' {
		return fmt.Errorf("%w: v2 rate must be a decimal string", execctx.ErrRawUnpack)
	}
	return setPsvBonus(ctx, types.PassiveBonus{
		SymID:           act.SymID,
		Rate:            act.Rate,
		BaseCharge:      act.BaseCharge,
		ChargeThreshold: act.ChargeThreshold,
		MinimumCharge:   act.MinimumCharge,
		DistThreshold:   act.DistThreshold,
		Rules:           act.Rules,
		Methods:         act.Methods,
	})
}

type distPsvBonusPayload struct {
	SymID uint32 `json:"sym_id"`
}

func distKey(symID, round uint32) tokendb.Key {
	name, err := types.NewName128(fmt.Sprintf("%d-%d", symID, round))
	if err != nil {
		panic(err)
	}
	return tokendb.KeyFromName(name)
}

func applyDistPsvBonus(ctx *execctx.ApplyContext) error {
	var act distPsvBonusPayload
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	record, err := tokendb.ReadToken[types.PassiveBonus](ctx.Cache, tokendb.TypePsvBonus, nil, common.SymKey(act.SymID))
	if err != nil {
		return fmt.Errorf("passive bonus for %d is not configured", act.SymID)
	}
	fungible, err := tokendb.ReadToken[types.Fungible](ctx.Cache, tokendb.TypeFungible, nil, common.SymKey(act.SymID))
	if err != nil {
		return err
	}
	sym := fungible.Sym
	holdAddr := types.PsvBonusAddress(act.SymID)
	pool, err := common.Balance(ctx.Cache, holdAddr, sym)
	if err != nil {
		return err
	}
	if pool.Amount < record.DistThreshold.Amount {
		return fmt.Errorf("%w: %s accumulated, %s required", types.ErrBonusNotReady, pool, record.DistThreshold)
	}

	now := ctx.Control.PendingBlockTime()
	nowUnix := now.Unix()

	// Fixed rules first, then percents over the post-fixed remainder, then
	// remaining-percents over the running tail.
	remainder := pool.Amount
	for _, rule := range record.Rules {
		if rule.Kind != types.BonusRuleFixed {
			continue
		}
		if rule.Amount.Amount > remainder {
			return fmt.Errorf("%w: fixed rules exceed the pool", types.ErrBonusRules)
		}
		if err := payReceiver(ctx, holdAddr, rule.Receiver, types.Asset{Amount: rule.Amount.Amount, Sym: sym}, nowUnix); err != nil {
			return err
		}
		remainder -= rule.Amount.Amount
	}
	percentBase := remainder
	for _, rule := range record.Rules {
		if rule.Kind != types.BonusRulePercent {
			continue
		}
		share := rule.Rate.Apply(percentBase)
		if share > remainder {
			return fmt.Errorf("%w: percent rules exceed the pool", types.ErrBonusRules)
		}
		if err := payReceiver(ctx, holdAddr, rule.Receiver, types.Asset{Amount: share, Sym: sym}, nowUnix); err != nil {
			return err
		}
		remainder -= share
	}
	for _, rule := range record.Rules {
		if rule.Kind != types.BonusRuleRemainingPercent {
			continue
		}
		share := rule.Rate.Apply(remainder)
		if err := payReceiver(ctx, holdAddr, rule.Receiver, types.Asset{Amount: share, Sym: sym}, nowUnix); err != nil {
			return err
		}
		remainder -= share
	}
	// Whatever dust the rules leave stays in the holding address and seeds
	// the next round.

	dist := types.BonusDistribution{
		SymID:    act.SymID,
		Round:    record.Round,
		Total:    pool,
		Rules:    record.Rules,
		Deadline: now,
	}
	if err := tokendb.PutToken(ctx.Cache, tokendb.TypePsvBonusDist, tokendb.OpAdd, nil, distKey(act.SymID, record.Round), &dist); err != nil {
		return err
	}
	updated := *record
	updated.Round++
	updated.Deadline = now
	return tokendb.PutToken(ctx.Cache, tokendb.TypePsvBonus, tokendb.OpUpdate, nil, common.SymKey(act.SymID), &updated)
}

// payReceiver routes one share to a concrete address or pro rata across the
// holders of the receiver's reference fungible at the snapshot.
func payReceiver(ctx *execctx.ApplyContext, from types.Address, recv types.BonusReceiver, amount types.Asset, nowUnix int64) error {
	if amount.Amount <= 0 {
		return nil
	}
	switch recv.Kind {
	case types.BonusReceiverAddress:
		return common.Transfer(ctx.Cache, from, *recv.Address, amount, nowUnix)
	case types.BonusReceiverFtHolders:
		return payFtHolders(ctx, from, recv, amount, nowUnix)
	}
	return types.ErrBonusRules
}

func payFtHolders(ctx *execctx.ApplyContext, from types.Address, recv types.BonusReceiver, amount types.Asset, nowUnix int64) error {
	refSym := recv.Threshold.Sym
	type holder struct {
		addr    types.Address
		balance int64
	}
	var holders []holder
	var total int64
	sysAddr := types.FungibleAddress(refSym.ID)
	_, err := ctx.Cache.DB().ReadAssetsRange(refSym.ID, 0, func(addr types.Address, value []byte) bool {
		var prop types.PropertyStakes
		if json.Unmarshal(value, &prop) != nil {
			return true
		}
		// System and reserved holdings never participate.
		if addr.IsReserved() || addr.Equal(sysAddr) || addr.Equal(from) {
			return true
		}
		if prop.Amount >= recv.Threshold.Amount {
			holders = append(holders, holder{addr: addr, balance: prop.Amount})
			total += prop.Amount
		}
		return true
	})
	if err != nil {
		return err
	}
	if total == 0 || len(holders) == 0 {
		return nil
	}
	for _, h := range holders {
		share := mulDiv(amount.Amount, h.balance, total)
		if share <= 0 {
			continue
		}
		if err := common.Transfer(ctx.Cache, from, h.addr, types.Asset{Amount: share, Sym: amount.Sym}, nowUnix); err != nil {
			return err
		}
	}
	return nil
}

func mulDiv(a, b, d int64) int64 {
	prod := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	return prod.Div(prod, big.NewInt(d)).Int64()
}
