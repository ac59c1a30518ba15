package common

import (
	"fmt"

	"jmzkchain/core/types"
	"jmzkchain/storage/tokendb"
)

// SymKey packs a symbol id into the token key used by the fungible, bonus
// and stakepool prefixes.
func SymKey(symID uint32) tokendb.Key {
	name, err := types.NewName128(fmt.Sprintf("%d", symID))
	if err != nil {
		panic(err)
	}
	return tokendb.KeyFromName(name)
}

// CollectPassiveBonus applies the fungible's passive-bonus schedule to a
// movement of amount triggered by action. It returns the amount the receiver
// nets and the total the payer spends. When the method is within_amount the
// fee comes out of the amount; outside_amount adds it on top. The fee is
// credited to the bonus-holding address.
func CollectPassiveBonus(cache *tokendb.Cache, sym types.Symbol, amount int64, action types.Name128, createdAt int64) (receiverAmount, payerAmount int64, err error) {
	receiverAmount, payerAmount = amount, amount
	bonus, err := tokendb.ReadTokenNoThrow[types.PassiveBonus](cache, tokendb.TypePsvBonus, nil, SymKey(sym.ID))
	if err != nil {
		return 0, 0, err
	}
	if bonus == nil {
		return receiverAmount, payerAmount, nil
	}
	method, ok := bonus.MethodFor(action)
	if !ok {
		return receiverAmount, payerAmount, nil
	}
	fee := bonus.Charge(amount)
	switch method {
	case types.BonusWithinAmount:
		if fee >= amount {
			return 0, 0, fmt.Errorf("%w: bonus charge %d swallows amount %d", types.ErrBonusCharge, fee, amount)
		}
		receiverAmount = amount - fee
	case types.BonusOutsideAmount:
		payerAmount = amount + fee
	default:
		return 0, 0, types.ErrBonusMethod
	}
	if err := Credit(cache, types.PsvBonusAddress(sym.ID), types.Asset{Amount: fee, Sym: sym}, createdAt); err != nil {
		return 0, 0, err
	}
	return receiverAmount, payerAmount, nil
}
