// Package fungible implements the fungible-token action handlers, including
// the implicit paycharge emitted at transaction finalize.
package fungible

import (
	"errors"
	"fmt"

	"jmzkchain/core/execctx"
	"jmzkchain/core/types"
	"jmzkchain/native/common"
	"jmzkchain/storage/tokendb"
)

var (
	ErrFungibleDuplicate = errors.New("fungible already exists")
	ErrUnknownFungible   = errors.New("fungible does not exist")
	ErrSupplyExceeded    = errors.New("issue exceeds the remaining supply")
	ErrSupplyInvalid     = errors.New("total supply is invalid")
)

var transferftName = types.MustName128("transferft")

// Register wires the family into the action registry. newfungible and
// updfungible carry two versions; version 2 adds the transfer permission.
func Register(r *execctx.Registry) {
	r.Register(types.MustName128("newfungible"), "newfungible", 1, applyNewFungibleV1)
	r.Register(types.MustName128("newfungible"), "newfungible", 2, applyNewFungibleV2)
	r.Register(types.MustName128("updfungible"), "updfungible", 1, applyUpdFungibleV1)
	r.Register(types.MustName128("updfungible"), "updfungible", 2, applyUpdFungibleV2)
	r.Register(types.MustName128("issuefungible"), "issuefungible", 1, applyIssueFungible)
	r.Register(types.MustName128("transferft"), "transferft", 1, applyTransferFT)
	r.Register(types.MustName128("recycleft"), "recycleft", 1, applyRecycleFT)
	r.Register(types.MustName128("destroyft"), "destroyft", 1, applyDestroyFT)
	r.Register(types.MustName128("evt2pevt"), "evt2pevt", 1, applyEVT2PEVT)
	r.Register(types.MustName128("paycharge"), "paycharge", 1, applyPayCharge)
}

type newFungiblePayloadV1 struct {
	Name        types.Name128    `json:"name"`
	SymName     types.Name128    `json:"sym_name"`
	Sym         types.Symbol     `json:"sym"`
	Creator     types.PublicKey  `json:"creator"`
	Issue       types.Permission `json:"issue"`
	Manage      types.Permission `json:"manage"`
	TotalSupply types.Asset      `json:"total_supply"`
}

type newFungiblePayloadV2 struct {
	newFungiblePayloadV1
	Transfer types.Permission `json:"transfer"`
}

func createFungible(ctx *execctx.ApplyContext, f types.Fungible) error {
	if f.Sym.Precision > types.MaxSymbolPrecision {
		return types.ErrAssetPrecision
	}
	if f.TotalSupply.Amount <= 0 || f.TotalSupply.Sym != f.Sym {
		return ErrSupplyInvalid
	}
	exists, err := ctx.Cache.DB().ExistsToken(tokendb.TypeFungible, nil, common.SymKey(f.Sym.ID))
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: id %d", ErrFungibleDuplicate, f.Sym.ID)
	}
	if err := f.Issue.Validate(false, false); err != nil {
		return err
	}
	if err := f.Transfer.Validate(false, true); err != nil {
		return err
	}
	if err := f.Manage.Validate(true, false); err != nil {
		return err
	}
	if err := tokendb.PutToken(ctx.Cache, tokendb.TypeFungible, tokendb.OpAdd, nil, common.SymKey(f.Sym.ID), &f); err != nil {
		return err
	}
	// Seed the fungible's own system address with the whole un-issued supply.
	return common.Credit(ctx.Cache, types.FungibleAddress(f.Sym.ID), f.TotalSupply, ctx.Control.PendingBlockTime().Unix())
}

func applyNewFungibleV1(ctx *execctx.ApplyContext) error {
	var act newFungiblePayloadV1
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	f := types.Fungible{
		Name:    act.Name,
		SymName: act.SymName,
		Sym:     act.Sym,
		Creator: act.Creator,
		// Head time, not pending time, for bit-exact replay.
		CreateTime: ctx.Control.HeadBlockTime(),
		Issue:      act.Issue,
		Transfer: types.Permission{
			Name:        types.PermissionTransfer,
			Threshold:   1,
			Authorizers: []types.AuthorizerWeight{{Ref: types.OwnerRef(), Weight: 1}},
		},
		Manage:      act.Manage,
		TotalSupply: act.TotalSupply,
	}
	return createFungible(ctx, f)
}

func applyNewFungibleV2(ctx *execctx.ApplyContext) error {
	var act newFungiblePayloadV2
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	f := types.Fungible{
		Name:        act.Name,
		SymName:     act.SymName,
		Sym:         act.Sym,
		Creator:     act.Creator,
		CreateTime:  ctx.Control.HeadBlockTime(),
		Issue:       act.Issue,
		Transfer:    act.Transfer,
		Manage:      act.Manage,
		TotalSupply: act.TotalSupply,
	}
	return createFungible(ctx, f)
}

type updFungiblePayloadV1 struct {
	SymID  uint32            `json:"sym_id"`
	Issue  *types.Permission `json:"issue,omitempty"`
	Manage *types.Permission `json:"manage,omitempty"`
}

type updFungiblePayloadV2 struct {
	updFungiblePayloadV1
	Transfer *types.Permission `json:"transfer,omitempty"`
}

func updateFungible(ctx *execctx.ApplyContext, symID uint32, issue, transfer, manage *types.Permission) error {
	fungible, err := tokendb.ReadToken[types.Fungible](ctx.Cache, tokendb.TypeFungible, nil, common.SymKey(symID))
	if err != nil {
		return fmt.Errorf("%w: id %d", ErrUnknownFungible, symID)
	}
	updated := *fungible
	if issue != nil {
		if err := issue.Validate(false, false); err != nil {
			return err
		}
		updated.Issue = *issue
	}
	if transfer != nil {
		if fungible.SetTransferDisabled() {
			return fmt.Errorf("%w: fungible %d froze its transfer permission", types.ErrMetaValue, symID)
		}
		if err := transfer.Validate(false, true); err != nil {
			return err
		}
		updated.Transfer = *transfer
	}
	if manage != nil {
		if err := manage.Validate(true, false); err != nil {
			return err
		}
		updated.Manage = *manage
	}
	return tokendb.PutToken(ctx.Cache, tokendb.TypeFungible, tokendb.OpUpdate, nil, common.SymKey(symID), &updated)
}

func applyUpdFungibleV1(ctx *execctx.ApplyContext) error {
	var act updFungiblePayloadV1
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	return updateFungible(ctx, act.SymID, act.Issue, nil, act.Manage)
}

func applyUpdFungibleV2(ctx *execctx.ApplyContext) error {
	var act updFungiblePayloadV2
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	return updateFungible(ctx, act.SymID, act.Issue, act.Transfer, act.Manage)
}

type issueFungiblePayload struct {
	Address types.Address `json:"address"`
	Number  types.Asset   `json:"number"`
	Memo    string        `json:"memo,omitempty"`
}

func applyIssueFungible(ctx *execctx.ApplyContext) error {
	var act issueFungiblePayload
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	if act.Address.IsReserved() {
		return types.ErrAddressReserved
	}
	if _, err := tokendb.ReadToken[types.Fungible](ctx.Cache, tokendb.TypeFungible, nil, common.SymKey(act.Number.Sym.ID)); err != nil {
		return fmt.Errorf("%w: id %d", ErrUnknownFungible, act.Number.Sym.ID)
	}
	holder := types.FungibleAddress(act.Number.Sym.ID)
	remaining, err := common.Balance(ctx.Cache, holder, act.Number.Sym)
	if err != nil {
		return err
	}
	if remaining.Amount < act.Number.Amount {
		return fmt.Errorf("%w: %s left, %s requested", ErrSupplyExceeded, remaining, act.Number)
	}
	return common.Transfer(ctx.Cache, holder, act.Address, act.Number, ctx.Control.PendingBlockTime().Unix())
}

type transferFTPayload struct {
	From   types.Address `json:"from"`
	To     types.Address `json:"to"`
	Number types.Asset   `json:"number"`
	Memo   string        `json:"memo,omitempty"`
}

func applyTransferFT(ctx *execctx.ApplyContext) error {
	var act transferFTPayload
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	if act.To.IsReserved() {
		return types.ErrAddressReserved
	}
	if act.From.Equal(act.To) {
		return common.ErrSelfTransfer
	}
	if act.Number.Sym.ID == types.PEVTSymbolID {
		return types.ErrPEVTImmovable
	}
	if act.Number.Amount <= 0 {
		return types.ErrAssetOverflow
	}
	fungible, err := tokendb.ReadToken[types.Fungible](ctx.Cache, tokendb.TypeFungible, nil, common.SymKey(act.Number.Sym.ID))
	if err != nil {
		return fmt.Errorf("%w: id %d", ErrUnknownFungible, act.Number.Sym.ID)
	}
	if fungible.Sym != act.Number.Sym {
		return types.ErrAssetPrecision
	}
	now := ctx.Control.PendingBlockTime().Unix()
	receiverAmt, payerAmt, err := common.CollectPassiveBonus(ctx.Cache, act.Number.Sym, act.Number.Amount, transferftName, now)
	if err != nil {
		return err
	}
	if err := common.Debit(ctx.Cache, act.From, types.Asset{Amount: payerAmt, Sym: act.Number.Sym}); err != nil {
		return err
	}
	return common.Credit(ctx.Cache, act.To, types.Asset{Amount: receiverAmt, Sym: act.Number.Sym}, now)
}

type recycleFTPayload struct {
	Address types.Address `json:"address"`
	Number  types.Asset   `json:"number"`
	Memo    string        `json:"memo,omitempty"`
}

func applyRecycleFT(ctx *execctx.ApplyContext) error {
	var act recycleFTPayload
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	if act.Number.Sym.ID == types.PEVTSymbolID {
		return types.ErrPEVTImmovable
	}
	holder := types.FungibleAddress(act.Number.Sym.ID)
	return common.Transfer(ctx.Cache, act.Address, holder, act.Number, ctx.Control.PendingBlockTime().Unix())
}

func applyDestroyFT(ctx *execctx.ApplyContext) error {
	var act recycleFTPayload
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	if act.Number.Sym.ID == types.PEVTSymbolID {
		return types.ErrPEVTImmovable
	}
	if err := common.Debit(ctx.Cache, act.Address, act.Number); err != nil {
		return err
	}
	return common.Credit(ctx.Cache, types.ReservedAddress(), act.Number, ctx.Control.PendingBlockTime().Unix())
}

type evt2pevtPayload struct {
	From   types.Address `json:"from"`
	To     types.Address `json:"to"`
	Number types.Asset   `json:"number"`
	Memo   string        `json:"memo,omitempty"`
}

func applyEVT2PEVT(ctx *execctx.ApplyContext) error {
	var act evt2pevtPayload
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	if act.Number.Sym != types.EVTSymbol() {
		return types.ErrAssetSymbolMismatch
	}
	if act.To.IsReserved() {
		return types.ErrAddressReserved
	}
	now := ctx.Control.PendingBlockTime().Unix()
	// The burned EVT lands in the reserved address and the minted PEVT comes
	// out of the pinned supply, keeping both totals conserved.
	if err := common.Debit(ctx.Cache, act.From, act.Number); err != nil {
		return err
	}
	if err := common.Credit(ctx.Cache, types.ReservedAddress(), act.Number, now); err != nil {
		return err
	}
	pinned := types.Asset{Amount: act.Number.Amount, Sym: types.PEVTSymbol()}
	return common.Transfer(ctx.Cache, types.FungibleAddress(types.PEVTSymbolID), act.To, pinned, now)
}

// PayChargePayload is the implicit fee action appended at finalize.
type PayChargePayload struct {
	Payer  types.Address `json:"payer"`
	Charge uint32        `json:"charge"`
}

func applyPayCharge(ctx *execctx.ApplyContext) error {
	var act PayChargePayload
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	evt := types.EVTSymbol()
	pevt := types.PEVTSymbol()
	now := ctx.Control.PendingBlockTime().Unix()

	producerKey := ctx.Control.PendingProducer()
	producerAddr, err := types.PublicKeyAddress(producerKey)
	if err != nil {
		return fmt.Errorf("producer address: %w", err)
	}

	remaining := int64(act.Charge)
	balance, err := common.Balance(ctx.Cache, act.Payer, evt)
	if err != nil {
		return err
	}
	fromEVT := remaining
	if balance.Amount < fromEVT {
		fromEVT = balance.Amount
	}
	if fromEVT > 0 {
		if err := common.Debit(ctx.Cache, act.Payer, types.Asset{Amount: fromEVT, Sym: evt}); err != nil {
			return err
		}
		if err := common.Credit(ctx.Cache, producerAddr, types.Asset{Amount: fromEVT, Sym: evt}, now); err != nil {
			return err
		}
		remaining -= fromEVT
	}
	if remaining > 0 {
		// The pinned twin backstops the fee; it never moves otherwise.
		if err := common.Debit(ctx.Cache, act.Payer, types.Asset{Amount: remaining, Sym: pevt}); err != nil {
			return types.ErrChargeExceeded
		}
		if err := common.Credit(ctx.Cache, producerAddr, types.Asset{Amount: remaining, Sym: pevt}, now); err != nil {
			return err
		}
	}
	return nil
}
