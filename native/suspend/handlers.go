// Package suspend implements deferred-signing proposals: a wrapped
// transaction accumulates signatures until an executor runs it.
package suspend

import (
	"errors"
	"fmt"

	"jmzkchain/core/execctx"
	"jmzkchain/core/types"
	"jmzkchain/crypto"
	"jmzkchain/storage/tokendb"
)

var (
	ErrSuspendDuplicate = errors.New("suspend already exists")
	ErrUnknownSuspend   = errors.New("suspend does not exist")
)

var (
	suspendDomain = types.MustName128(".suspend")
	everipassName = types.MustName128("everipass")
	everipayName  = types.MustName128("everipay")
)

// Register wires the family into the action registry.
func Register(r *execctx.Registry) {
	r.Register(types.MustName128("newsuspend"), "newsuspend", 1, applyNewSuspend)
	r.Register(types.MustName128("aprvsuspend"), "aprvsuspend", 1, applyAprvSuspend)
	r.Register(types.MustName128("cancelsuspend"), "cancelsuspend", 1, applyCancelSuspend)
	r.Register(types.MustName128("execsuspend"), "execsuspend", 1, applyExecSuspend)
}

type newSuspendPayload struct {
	Name     types.Name128     `json:"name"`
	Proposer types.PublicKey   `json:"proposer"`
	Trx      types.Transaction `json:"trx"`
}

func applyNewSuspend(ctx *execctx.ApplyContext) error {
	var act newSuspendPayload
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	if act.Name != ctx.Action.Key {
		return fmt.Errorf("suspend name %s does not match action key %s", act.Name, ctx.Action.Key)
	}
	if err := act.Trx.Validate(); err != nil {
		return err
	}
	// A suspended transaction may not manage suspends nor carry link
	// actions, whose one-shot semantics do not survive deferral.
	for _, inner := range act.Trx.Actions {
		if inner.Domain == suspendDomain {
			return fmt.Errorf("%w: nested suspend action %s", types.ErrSuspendInvalidTrx, inner.Name)
		}
		if inner.Name == everipassName || inner.Name == everipayName {
			return fmt.Errorf("%w: %s", types.ErrSuspendInvalidTrx, inner.Name)
		}
	}
	if !act.Trx.Expiration.After(ctx.Control.PendingBlockTime()) {
		return types.ErrTrxExpired
	}
	exists, err := ctx.Cache.DB().ExistsToken(tokendb.TypeSuspend, nil, tokendb.KeyFromName(act.Name))
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrSuspendDuplicate, act.Name)
	}
	record := types.Suspend{
		Name:     act.Name,
		Proposer: act.Proposer,
		Status:   types.SuspendProposed,
		Trx:      act.Trx,
	}
	return tokendb.PutToken(ctx.Cache, tokendb.TypeSuspend, tokendb.OpAdd, nil, tokendb.KeyFromName(act.Name), &record)
}

type aprvSuspendPayload struct {
	Name       types.Name128     `json:"name"`
	Signatures []types.Signature `json:"signatures"`
}

func applyAprvSuspend(ctx *execctx.ApplyContext) error {
	var act aprvSuspendPayload
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	record, err := tokendb.ReadToken[types.Suspend](ctx.Cache, tokendb.TypeSuspend, nil, tokendb.KeyFromName(act.Name))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownSuspend, act.Name)
	}
	if record.Status != types.SuspendProposed {
		return fmt.Errorf("%w: %s is %s", types.ErrSuspendStatus, act.Name, record.Status)
	}
	if len(act.Signatures) == 0 {
		return fmt.Errorf("%w: no signatures supplied", types.ErrSuspendNotRequired)
	}
	digest, err := record.Trx.SigDigest(ctx.Control.ChainID())
	if err != nil {
		return err
	}
	updated := *record
	updated.SignedKeys = append([]types.PublicKey(nil), record.SignedKeys...)
	updated.Signatures = append([]types.Signature(nil), record.Signatures...)
	for _, sig := range act.Signatures {
		key, err := crypto.RecoverKey(digest, sig)
		if err != nil {
			return fmt.Errorf("%w: %v", types.ErrSuspendNotRequired, err)
		}
		if updated.HasSigned(key) {
			return fmt.Errorf("%w: %s", types.ErrSuspendDupeKey, key)
		}
		updated.SignedKeys = append(updated.SignedKeys, key)
		updated.Signatures = append(updated.Signatures, sig)
	}
	return tokendb.PutToken(ctx.Cache, tokendb.TypeSuspend, tokendb.OpUpdate, nil, tokendb.KeyFromName(act.Name), &updated)
}

type cancelSuspendPayload struct {
	Name types.Name128 `json:"name"`
}

func applyCancelSuspend(ctx *execctx.ApplyContext) error {
	var act cancelSuspendPayload
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	record, err := tokendb.ReadToken[types.Suspend](ctx.Cache, tokendb.TypeSuspend, nil, tokendb.KeyFromName(act.Name))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownSuspend, act.Name)
	}
	if record.Status != types.SuspendProposed {
		return fmt.Errorf("%w: %s is %s", types.ErrSuspendStatus, act.Name, record.Status)
	}
	updated := *record
	updated.Status = types.SuspendCancelled
	return tokendb.PutToken(ctx.Cache, tokendb.TypeSuspend, tokendb.OpUpdate, nil, tokendb.KeyFromName(act.Name), &updated)
}

type execSuspendPayload struct {
	Name     types.Name128   `json:"name"`
	Executor types.PublicKey `json:"executor"`
}

func applyExecSuspend(ctx *execctx.ApplyContext) error {
	var act execSuspendPayload
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	record, err := tokendb.ReadToken[types.Suspend](ctx.Cache, tokendb.TypeSuspend, nil, tokendb.KeyFromName(act.Name))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownSuspend, act.Name)
	}
	if record.Status != types.SuspendProposed {
		return fmt.Errorf("%w: %s is %s", types.ErrSuspendStatus, act.Name, record.Status)
	}
	if !record.HasSigned(act.Executor) {
		return fmt.Errorf("%w: %s", types.ErrSuspendExecutor, act.Executor)
	}
	if !record.Trx.Expiration.After(ctx.Control.PendingBlockTime()) {
		return types.ErrTrxExpired
	}

	updated := *record
	// The nested run re-verifies authorization and payer signing against the
	// collected keys; an objective failure marks the record failed without
	// cascading into this transaction.
	if err := ctx.Trx.ExecuteSuspended(&record.Trx, record.SignedKeys); err != nil {
		if errors.Is(err, types.ErrDeadline) {
			return err
		}
		updated.Status = types.SuspendFailed
	} else {
		updated.Status = types.SuspendExecuted
	}
	return tokendb.PutToken(ctx.Cache, tokendb.TypeSuspend, tokendb.OpUpdate, nil, tokendb.KeyFromName(act.Name), &updated)
}
