package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"jmzkchain/core/types"
	"jmzkchain/storage/tokendb"
)

func TestStakeUnstakeLifecycle(t *testing.T) {
	tc := newTestChain(t)
	keys := genKeys(t, 2)
	kv, staker := keys[0], keys[1]
	evt := types.EVTSymbol()

	pool := act(t, "newstakepool", ".stakepool", "1", map[string]any{
		"sym_id":             1,
		"purchase_threshold": "1.00000 S#1",
		"demand_r":           3650000,
		"demand_t":           30,
		"demand_q":           10,
		"demand_w":           7,
		"fixed_r":            5000000,
		"fixed_t":            60,
		"begin_time":         tc.now,
	})
	tc.produce(tc.makeTrx(keyAddr(t, tc.producer), []types.Action{pool}, tc.producer))

	validator := act(t, "newvalidator", ".validator", "V", map[string]any{
		"name":       "V",
		"creator":    kv.PubKey(),
		"signer":     kv.PubKey(),
		"withdraw":   singleKeyPerm("withdraw", kv.PubKey()),
		"manage":     singleKeyPerm(types.PermissionManage, kv.PubKey()),
		"commission": "0.5",
	})
	tc.produce(tc.makeTrx(keyAddr(t, kv), []types.Action{validator}, kv))

	fund := act(t, "issuefungible", ".fungible", "1", map[string]any{
		"address": keyAddr(t, staker),
		"number":  "500000.00000 S#1",
	})
	tc.produce(tc.makeTrx(keyAddr(t, tc.producer), []types.Action{fund}, tc.producer))

	stake := act(t, "staketkns", ".validator", "V", map[string]any{
		"staker":     keyAddr(t, staker),
		"validator":  "V",
		"amount":     "500000.00000 S#1",
		"type":       "active",
		"fixed_days": 0,
	})
	tc.produce(tc.makeTrx(keyAddr(t, staker), []types.Action{stake}, staker))
	require.Equal(t, int64(0), tc.balance(keyAddr(t, staker), evt))

	vname := types.MustName128("V")
	v, err := tokendb.ReadToken[types.Validator](tc.c.Cache(), tokendb.TypeValidator, nil, tokendb.KeyFromName(vname))
	require.NoError(t, err)
	const stakedUnits = int64(50000000000)
	require.Equal(t, stakedUnits, v.TotalUnits)
	require.Equal(t, types.NetValuePrecision, v.CurrentNetValue)

	// Two full days pass before the bonus is received.
	tc.now = tc.now.Add(48 * time.Hour)
	bonus := act(t, "recvstkbonus", ".validator", "V", map[string]any{
		"validator": "V",
		"sym_id":    1,
	})
	tc.produce(tc.makeTrx(keyAddr(t, kv), []types.Action{bonus}, kv))

	// 1% daily growth compounds to 102010; the 50% commission halves the
	// stakers' share of the gain.
	v, err = tokendb.ReadToken[types.Validator](tc.c.Cache(), tokendb.TypeValidator, nil, tokendb.KeyFromName(vname))
	require.NoError(t, err)
	require.Equal(t, int64(101005), v.CurrentNetValue)
	commission := int64(1005) * stakedUnits / types.NetValuePrecision
	require.Equal(t, commission, tc.balance(keyAddr(t, kv), evt))

	// Three-step unstake: propose, wait out the pending window, settle.
	const unstakeUnits = int64(30000000000)
	propose := act(t, "unstaketkns", ".validator", "V", map[string]any{
		"staker":    keyAddr(t, staker),
		"validator": "V",
		"units":     unstakeUnits,
		"op":        "propose",
		"sym_id":    1,
	})
	tc.produce(tc.makeTrx(keyAddr(t, staker), []types.Action{propose}, staker))

	early := act(t, "unstaketkns", ".validator", "V", map[string]any{
		"staker":    keyAddr(t, staker),
		"validator": "V",
		"units":     unstakeUnits,
		"op":        "settle",
		"sym_id":    1,
	})
	err = tc.produceExpectErr(tc.makeTrx(keyAddr(t, staker), []types.Action{early}, staker))
	require.ErrorIs(t, err, types.ErrStakePending)

	tc.now = tc.now.Add(8 * 24 * time.Hour)
	settle := act(t, "unstaketkns", ".validator", "V", map[string]any{
		"staker":    keyAddr(t, staker),
		"validator": "V",
		"units":     unstakeUnits,
		"op":        "settle",
		"sym_id":    1,
	})
	tc.produce(tc.makeTrx(keyAddr(t, staker), []types.Action{settle}, staker))

	payout := unstakeUnits * 101005 / types.NetValuePrecision
	require.Equal(t, payout, tc.balance(keyAddr(t, staker), evt))

	v, err = tokendb.ReadToken[types.Validator](tc.c.Cache(), tokendb.TypeValidator, nil, tokendb.KeyFromName(vname))
	require.NoError(t, err)
	require.Equal(t, stakedUnits-unstakeUnits, v.TotalUnits)
}

func TestStakeBelowThresholdRejected(t *testing.T) {
	tc := newTestChain(t)
	keys := genKeys(t, 2)
	kv, staker := keys[0], keys[1]

	pool := act(t, "newstakepool", ".stakepool", "1", map[string]any{
		"sym_id":             1,
		"purchase_threshold": "100.00000 S#1",
		"demand_r":           3650000,
		"demand_t":           30,
		"demand_q":           10,
		"demand_w":           7,
		"fixed_r":            5000000,
		"fixed_t":            60,
		"begin_time":         tc.now,
	})
	tc.produce(tc.makeTrx(keyAddr(t, tc.producer), []types.Action{pool}, tc.producer))

	validator := act(t, "newvalidator", ".validator", "V", map[string]any{
		"name":       "V",
		"creator":    kv.PubKey(),
		"signer":     kv.PubKey(),
		"withdraw":   singleKeyPerm("withdraw", kv.PubKey()),
		"manage":     singleKeyPerm(types.PermissionManage, kv.PubKey()),
		"commission": "0.1",
	})
	tc.produce(tc.makeTrx(keyAddr(t, kv), []types.Action{validator}, kv))

	fund := act(t, "issuefungible", ".fungible", "1", map[string]any{
		"address": keyAddr(t, staker),
		"number":  "50.00000 S#1",
	})
	tc.produce(tc.makeTrx(keyAddr(t, tc.producer), []types.Action{fund}, tc.producer))

	small := act(t, "staketkns", ".validator", "V", map[string]any{
		"staker":     keyAddr(t, staker),
		"validator":  "V",
		"amount":     "50.00000 S#1",
		"type":       "active",
		"fixed_days": 0,
	})
	err := tc.produceExpectErr(tc.makeTrx(keyAddr(t, staker), []types.Action{small}, staker))
	require.ErrorIs(t, err, types.ErrStakeBelowPurchase)
}
