package core

import (
	"testing"

	"github.com/stretchr/testify/require"

	"jmzkchain/core/types"
	"jmzkchain/native/common"
	"jmzkchain/storage/tokendb"
)

func TestPassiveBonusCollectionAndDistribution(t *testing.T) {
	tc := newTestChain(t)
	keys := genKeys(t, 5)
	k1, a, b, r1, r3 := keys[0], keys[1], keys[2], keys[3], keys[4]
	sym := tc.newTestFungible(k1, 3, "10000.00000 S#3")

	fund := act(t, "issuefungible", ".fungible", "3", map[string]any{
		"address": keyAddr(t, a),
		"number":  "100.00000 S#3",
	})
	tc.produce(tc.makeTrx(keyAddr(t, k1), []types.Action{fund}, k1))

	r1Addr := keyAddr(t, r1)
	r3Addr := keyAddr(t, r3)
	configure := act(t, "setpsvbonus", ".fungible", "3", map[string]any{
		"sym":            sym,
		"rate":           "0.15",
		"base_charge":    "0.00010 S#3",
		"dist_threshold": "1.00000 S#3",
		"rules": []map[string]any{
			{
				"kind":     types.BonusRuleFixed,
				"receiver": map[string]any{"kind": types.BonusReceiverAddress, "address": r1Addr},
				"amount":   "0.10000 S#3",
			},
			{
				"kind":     types.BonusRulePercent,
				"receiver": map[string]any{"kind": types.BonusReceiverAddress, "address": keyAddr(t, b)},
				"rate":     "0.3",
			},
			{
				"kind":     types.BonusRuleRemainingPercent,
				"receiver": map[string]any{"kind": types.BonusReceiverAddress, "address": r3Addr},
				"rate":     "0.99",
			},
		},
		"methods": []map[string]any{
			{"action": "transferft", "method": string(types.BonusOutsideAmount)},
		},
	})
	tc.produce(tc.makeTrx(keyAddr(t, k1), []types.Action{configure}, k1))

	// Moving 10.00000 collects base 0.00010 plus 15%: 1.50010 on top.
	move := act(t, "transferft", ".fungible", "3", map[string]any{
		"from":   keyAddr(t, a),
		"to":     keyAddr(t, b),
		"number": "10.00000 S#3",
	})
	tc.produce(tc.makeTrx(keyAddr(t, a), []types.Action{move}, a))

	const fee = 10 + 150000 // base_charge + 15% of 1000000
	require.Equal(t, int64(10000000-1000000-fee), tc.balance(keyAddr(t, a), sym))
	require.Equal(t, int64(1000000), tc.balance(keyAddr(t, b), sym))
	bonusAddr := types.PsvBonusAddress(3)
	require.Equal(t, int64(fee), tc.balance(bonusAddr, sym))

	distribute := act(t, "distpsvbonus", ".fungible", "3", map[string]any{
		"sym_id": 3,
	})
	tc.produce(tc.makeTrx(keyAddr(t, k1), []types.Action{distribute}, k1))

	// Fixed first, then percents of the post-fixed pool, then the
	// remaining-percent of the tail.
	pool := int64(fee)
	fixed := int64(10000)
	percentBase := pool - fixed
	percentShare := percentBase * 3 / 10
	tail := percentBase - percentShare
	tailShare := tail * 99 / 100

	require.Equal(t, fixed, tc.balance(r1Addr, sym))
	require.Equal(t, int64(1000000)+percentShare, tc.balance(keyAddr(t, b), sym))
	require.Equal(t, tailShare, tc.balance(r3Addr, sym))
	require.Equal(t, pool-fixed-percentShare-tailShare, tc.balance(bonusAddr, sym))

	record, err := tokendb.ReadToken[types.PassiveBonus](tc.c.Cache(), tokendb.TypePsvBonus, nil, common.SymKey(3))
	require.NoError(t, err)
	require.Equal(t, uint32(1), record.Round)

	distName := types.MustName128("3-0")
	exists, err := tc.c.Cache().DB().ExistsToken(tokendb.TypePsvBonusDist, nil, tokendb.KeyFromName(distName))
	require.NoError(t, err)
	require.True(t, exists)
}

func TestBonusRuleOrderEnforced(t *testing.T) {
	tc := newTestChain(t)
	k1 := genKeys(t, 1)[0]
	sym := tc.newTestFungible(k1, 3, "10000.00000 S#3")

	badOrder := act(t, "setpsvbonus", ".fungible", "3", map[string]any{
		"sym":            sym,
		"rate":           "0.15",
		"base_charge":    "0.00010 S#3",
		"dist_threshold": "1.00000 S#3",
		"rules": []map[string]any{
			{
				"kind":     types.BonusRuleRemainingPercent,
				"receiver": map[string]any{"kind": types.BonusReceiverAddress, "address": keyAddr(t, k1)},
				"rate":     "0.99",
			},
			{
				"kind":     types.BonusRuleFixed,
				"receiver": map[string]any{"kind": types.BonusReceiverAddress, "address": keyAddr(t, k1)},
				"amount":   "0.10000 S#3",
			},
		},
		"methods": []map[string]any{
			{"action": "transferft", "method": string(types.BonusOutsideAmount)},
		},
	})
	err := tc.produceExpectErr(tc.makeTrx(keyAddr(t, k1), []types.Action{badOrder}, k1))
	require.ErrorIs(t, err, types.ErrBonusRules)
}
