// Package evtlink implements the everiPass and everiPay handlers: one-shot
// capability links carrying their own signatures.
package evtlink

import (
	"fmt"
	"strconv"
	"time"

	"jmzkchain/core/execctx"
	"jmzkchain/core/types"
	"jmzkchain/crypto"
	"jmzkchain/native/common"
	"jmzkchain/storage/tokendb"
)

var everipayName = types.MustName128("everipay")

// Register wires the family into the action registry. Version 2 payloads add
// a memo.
func Register(r *execctx.Registry) {
	r.Register(types.MustName128("everipass"), "everipass", 1, applyEveriPassV1)
	r.Register(types.MustName128("everipass"), "everipass", 2, applyEveriPassV2)
	r.Register(types.MustName128("everipay"), "everipay", 1, applyEveriPayV1)
	r.Register(types.MustName128("everipay"), "everipay", 2, applyEveriPayV2)
}

type everiPassPayloadV1 struct {
	Link string `json:"link"`
}

type everiPassPayloadV2 struct {
	Link string `json:"link"`
	Memo string `json:"memo,omitempty"`
}

type everiPayPayloadV1 struct {
	Link   string        `json:"link"`
	Payee  types.Address `json:"payee"`
	Number types.Asset   `json:"number"`
}

type everiPayPayloadV2 struct {
	Link   string        `json:"link"`
	Payee  types.Address `json:"payee"`
	Number types.Asset   `json:"number"`
	Memo   string        `json:"memo,omitempty"`
}

// linkSigners recovers the distinct keys that signed the link.
func linkSigners(link *types.Link) (types.KeySet, error) {
	keys := make(types.KeySet, len(link.SigList))
	digest := link.Digest()
	for _, sig := range link.SigList {
		key, err := crypto.RecoverKey(digest, sig)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrLinkDecode, err)
		}
		keys.Add(key)
	}
	return keys, nil
}

// checkTimestamp enforces the link expiry window against the pending block
// time, skipped in loadtest mode.
func checkTimestamp(ctx *execctx.ApplyContext, link *types.Link) error {
	if ctx.Control.LoadtestMode() {
		return nil
	}
	seg, ok := link.Segment(types.SegTimestamp)
	if !ok {
		return fmt.Errorf("%w: link carries no timestamp", types.ErrLinkExpiration)
	}
	ts := time.Unix(int64(seg.Int), 0)
	window := time.Duration(ctx.Control.ChainConfig().EVTLinkExpiredSecs) * time.Second
	now := ctx.Control.PendingBlockTime()
	if now.Sub(ts) > window || ts.Sub(now) > window {
		return fmt.Errorf("%w: link stamped %s, now %s", types.ErrLinkExpiration, ts, now)
	}
	return nil
}

func applyEveriPass(ctx *execctx.ApplyContext, linkText string) error {
	link, err := types.DecodeLinkText(linkText)
	if err != nil {
		return err
	}
	if link.Header&types.LinkVersion1 == 0 {
		return types.ErrLinkVersion
	}
	if link.Header&types.LinkEveriPass == 0 {
		return fmt.Errorf("%w: not an everiPass link", types.ErrLinkType)
	}
	if err := checkTimestamp(ctx, link); err != nil {
		return err
	}
	domainSeg, ok := link.Segment(types.SegDomain)
	if !ok {
		return fmt.Errorf("%w: link carries no domain", types.ErrLinkDecode)
	}
	tokenSeg, ok := link.Segment(types.SegToken)
	if !ok {
		return fmt.Errorf("%w: link carries no token", types.ErrLinkDecode)
	}
	domainName, err := types.NewName128(domainSeg.Str)
	if err != nil {
		return err
	}
	tokenName, err := types.NewName128(tokenSeg.Str)
	if err != nil {
		return err
	}
	token, err := tokendb.ReadToken[types.Token](ctx.Cache, tokendb.TypeToken, &domainName, tokendb.KeyFromName(tokenName))
	if err != nil {
		return fmt.Errorf("%w: %s in %s", types.ErrEveriPass, tokenName, domainName)
	}
	if token.Destroyed() || token.Locked() {
		return fmt.Errorf("%w: token is not usable", types.ErrEveriPass)
	}

	signers, err := linkSigners(link)
	if err != nil {
		return err
	}
	if len(signers) != len(token.Owner) {
		return fmt.Errorf("%w: owner size and signer size don't match", types.ErrEveriPass)
	}
	for _, o := range token.Owner {
		key, ok := o.PublicKey()
		if !ok || !signers.Contains(key) {
			return fmt.Errorf("%w: owner didn't sign", types.ErrEveriPass)
		}
	}

	if link.Header&types.LinkDestroy != 0 {
		domain, err := tokendb.ReadToken[types.Domain](ctx.Cache, tokendb.TypeDomain, nil, tokendb.KeyFromName(domainName))
		if err != nil {
			return err
		}
		if domain.DestroyDisabled() {
			return fmt.Errorf("%w: domain forbids destroying tokens", types.ErrEveriPass)
		}
		updated := *token
		updated.Owner = []types.Address{types.ReservedAddress()}
		return tokendb.PutToken(ctx.Cache, tokendb.TypeToken, tokendb.OpUpdate, &domainName, tokendb.KeyFromName(tokenName), &updated)
	}
	return nil
}

func applyEveriPassV1(ctx *execctx.ApplyContext) error {
	var act everiPassPayloadV1
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	return applyEveriPass(ctx, act.Link)
}

func applyEveriPassV2(ctx *execctx.ApplyContext) error {
	var act everiPassPayloadV2
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	return applyEveriPass(ctx, act.Link)
}

func applyEveriPay(ctx *execctx.ApplyContext, linkText string, payee types.Address, number types.Asset) error {
	link, err := types.DecodeLinkText(linkText)
	if err != nil {
		return err
	}
	if link.Header&types.LinkVersion1 == 0 {
		return types.ErrLinkVersion
	}
	if link.Header&types.LinkEveriPay == 0 {
		return fmt.Errorf("%w: not an everiPay link", types.ErrLinkType)
	}
	if err := checkTimestamp(ctx, link); err != nil {
		return err
	}
	symSeg, ok := link.Segment(types.SegSymbolID)
	if !ok {
		return fmt.Errorf("%w: link carries no symbol id", types.ErrLinkDecode)
	}
	if symSeg.Int != number.Sym.ID {
		return fmt.Errorf("%w: symbol ids don't match, link %d vs %d", types.ErrEveriPay, symSeg.Int, number.Sym.ID)
	}
	if number.Sym.ID == types.PEVTSymbolID {
		return fmt.Errorf("%w: pinned EVT cannot be paid", types.ErrEveriPay)
	}
	if number.Amount <= 0 {
		return fmt.Errorf("%w: non-positive amount", types.ErrEveriPay)
	}

	signers, err := linkSigners(link)
	if err != nil {
		return err
	}
	if len(signers) != 1 {
		return fmt.Errorf("%w: exactly one signer required", types.ErrEveriPay)
	}
	payerKey := signers.Keys()[0]
	payer, err := types.PublicKeyAddress(payerKey)
	if err != nil {
		return err
	}
	if payer.Equal(payee) {
		return fmt.Errorf("%w: payer and payee are the same", types.ErrEveriPay)
	}

	// Max-pay bound: the integer segment and the string segment are mutually
	// exclusive (enforced at decode).
	var maxPay int64 = -1
	if seg, ok := link.Segment(types.SegMaxPay); ok {
		maxPay = int64(seg.Int)
	} else if seg, ok := link.Segment(types.SegMaxPayStr); ok {
		v, err := strconv.ParseInt(seg.Str, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: malformed max_pay_str", types.ErrLinkDecode)
		}
		maxPay = v
	}
	if maxPay < 0 {
		return fmt.Errorf("%w: link carries no max pay", types.ErrLinkDecode)
	}
	if number.Amount > maxPay {
		return fmt.Errorf("%w: exceeds max pay %d", types.ErrEveriPay, maxPay)
	}

	linkID, err := link.LinkID()
	if err != nil {
		return err
	}
	if err := ctx.Control.RegisterLinkID(linkID, ctx.TrxID); err != nil {
		return err
	}

	now := ctx.Control.PendingBlockTime().Unix()
	receiverAmt, payerAmt, err := common.CollectPassiveBonus(ctx.Cache, number.Sym, number.Amount, everipayName, now)
	if err != nil {
		return err
	}
	if err := common.Debit(ctx.Cache, payer, types.Asset{Amount: payerAmt, Sym: number.Sym}); err != nil {
		return err
	}
	return common.Credit(ctx.Cache, payee, types.Asset{Amount: receiverAmt, Sym: number.Sym}, now)
}

func applyEveriPayV1(ctx *execctx.ApplyContext) error {
	var act everiPayPayloadV1
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	return applyEveriPay(ctx, act.Link, act.Payee, act.Number)
}

func applyEveriPayV2(ctx *execctx.ApplyContext) error {
	var act everiPayPayloadV2
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	return applyEveriPay(ctx, act.Link, act.Payee, act.Number)
}
