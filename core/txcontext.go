package core

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"jmzkchain/core/charge"
	"jmzkchain/core/execctx"
	"jmzkchain/core/types"
	"jmzkchain/crypto"
)

type trxKind int

const (
	trxInput trxKind = iota
	trxSuspend
	trxImplicit
)

// TransactionContext drives the lifecycle of one transaction: TAPOS and
// dedup validation, key recovery, authorization, dispatch, charging and the
// savepoint guard around all of it.
type TransactionContext struct {
	c   *Controller
	trx *types.Transaction

	kind       trxKind
	trxID      [32]byte
	signedID   [32]byte
	signedKeys types.KeySet
	deadline   time.Time

	charge   uint32
	receipts []types.ActionReceipt
	appended []types.Action

	savepointActive bool
}

func newTransactionContext(c *Controller, trx *types.Transaction, kind trxKind, deadline time.Time) (*TransactionContext, error) {
	trxID, err := trx.ID()
	if err != nil {
		return nil, err
	}
	signedID, err := trx.SignedID()
	if err != nil {
		return nil, err
	}
	return &TransactionContext{
		c:          c,
		trx:        trx,
		kind:       kind,
		trxID:      trxID,
		signedID:   signedID,
		signedKeys: make(types.KeySet),
		deadline:   deadline,
	}, nil
}

// initForInput validates expiration, lifetime, TAPOS and uniqueness for a
// transaction arriving from the outside.
func (tc *TransactionContext) initForInput() error {
	if err := tc.trx.Validate(); err != nil {
		return err
	}
	pendingTime := tc.c.PendingBlockTime()
	if !tc.trx.Expiration.After(pendingTime) {
		return types.ErrTrxExpired
	}
	cfg := tc.c.ChainConfig()
	if tc.trx.Expiration.Sub(pendingTime) > cfg.MaxLifetime() {
		return types.ErrTrxLifetime
	}
	summary, err := tc.c.state.BlockSummary(uint16(tc.trx.RefBlockNum))
	if err != nil {
		return err
	}
	if summary.IsZero() || summary.Prefix() != tc.trx.RefBlockPrefix {
		return fmt.Errorf("%w: ref block %d", types.ErrTAPOSMismatch, tc.trx.RefBlockNum)
	}
	dup, err := tc.c.state.HasTrxID(tc.signedID)
	if err != nil {
		return err
	}
	if !dup {
		_, dup = tc.c.pending.dedup[tc.signedID]
	}
	if dup {
		return types.ErrTrxDuplicate
	}
	return tc.recoverKeys()
}

// initForSuspend seeds the signing keys from the suspend record instead of
// recovering signatures. Expiration was checked when the suspend was
// proposed and again when it executed; the embedded TAPOS reference is not
// checked.
func (tc *TransactionContext) initForSuspend(keys []types.PublicKey) error {
	if err := tc.trx.Validate(); err != nil {
		return err
	}
	for _, k := range keys {
		tc.signedKeys.Add(k)
	}
	return nil
}

// recoverKeys resolves the signing keys, consulting the controller's
// signature cache keyed by signed id.
func (tc *TransactionContext) recoverKeys() error {
	if cached, ok := tc.c.recoveredKeys[tc.signedID]; ok {
		tc.signedKeys = cached
		return nil
	}
	digest, err := tc.trx.SigDigest(tc.c.chainID)
	if err != nil {
		return err
	}
	for _, sig := range tc.trx.Signatures {
		key, err := crypto.RecoverKey(digest, sig)
		if err != nil {
			return err
		}
		tc.signedKeys.Add(key)
	}
	tc.c.recoveredKeys[tc.signedID] = tc.signedKeys
	return nil
}

// checkAuthorization runs the authority checker over every action and
// enforces that a key payer signed.
func (tc *TransactionContext) checkAuthorization() error {
	checker := tc.c.newAuthChecker()
	for _, act := range tc.trx.Actions {
		if err := checker.SatisfiesAction(tc.signedKeys, act); err != nil {
			return err
		}
	}
	if key, ok := tc.trx.Payer.PublicKey(); ok {
		if !tc.signedKeys.Contains(key) {
			return fmt.Errorf("%w: payer did not sign", types.ErrPayer)
		}
	} else if !tc.trx.Payer.IsGenerated() {
		return fmt.Errorf("%w: payer is not chargeable", types.ErrPayer)
	}
	return nil
}

// exec dispatches the declared actions and any appended implicit ones under
// a fresh savepoint. The caller squashes or rolls back afterwards.
func (tc *TransactionContext) exec() error {
	seq := tc.c.nextTrxSavepointSeq()
	if err := tc.c.tokendb.AddSavepoint(seq); err != nil {
		return err
	}
	tc.savepointActive = true

	for _, act := range tc.trx.Actions {
		if err := tc.dispatch(act); err != nil {
			return err
		}
	}
	// Implicit actions appended during execution (paycharge) run after the
	// declared ones, in append order.
	for len(tc.appended) > 0 {
		act := tc.appended[0]
		tc.appended = tc.appended[1:]
		if err := tc.dispatch(act); err != nil {
			return err
		}
	}
	return nil
}

func (tc *TransactionContext) dispatch(act types.Action) error {
	if !tc.deadline.IsZero() && time.Now().After(tc.deadline) {
		return types.ErrDeadline
	}
	apply := &execctx.ApplyContext{
		Control:    tc.c,
		Cache:      tc.c.cache,
		Auth:       tc.c.newAuthChecker(),
		Trx:        tc,
		Action:     act,
		TrxID:      tc.trxID,
		SignedKeys: tc.signedKeys,
		Payer:      tc.trx.Payer,
	}
	if err := tc.c.registry.Apply(apply); err != nil {
		return err
	}
	tc.receipts = append(tc.receipts, types.ActionReceipt{
		TrxID:      tc.trxID,
		Name:       act.Name,
		Domain:     act.Domain,
		Key:        act.Key,
		DataDigest: sha256.Sum256(act.Data),
		GlobalSeq:  tc.c.nextGlobalActionSeq(),
	})
	return nil
}

// finalize computes the charge and, outside charge-free mode, emits the
// implicit paycharge debiting the payer and crediting the producer.
func (tc *TransactionContext) finalize() error {
	if tc.c.chargeFree || tc.kind == trxImplicit {
		return nil
	}
	packed, err := json.Marshal(tc.trx)
	if err != nil {
		return err
	}
	mgr := charge.New(tc.c.ChainConfig())
	tc.charge = mgr.Calculate(tc.trx, len(packed), len(tc.trx.Signatures))
	if tc.charge > tc.trx.MaxCharge {
		return fmt.Errorf("%w: %d > max %d", types.ErrChargeExceeded, tc.charge, tc.trx.MaxCharge)
	}
	payload, err := json.Marshal(map[string]any{
		"payer":  tc.trx.Payer,
		"charge": tc.charge,
	})
	if err != nil {
		return err
	}
	payChargeAct := types.Action{
		Name:   types.MustName128("paycharge"),
		Domain: types.MustName128(".charge"),
		Key:    types.Name128{},
		Data:   payload,
	}
	return tc.dispatch(payChargeAct)
}

// squash folds the transaction's savepoint into the enclosing block frame.
func (tc *TransactionContext) squash() error {
	if !tc.savepointActive {
		return nil
	}
	tc.savepointActive = false
	return tc.c.tokendb.Squash()
}

// undo rolls the transaction's savepoint back, leaving the pending block
// untouched.
func (tc *TransactionContext) undo() error {
	if !tc.savepointActive {
		return nil
	}
	tc.savepointActive = false
	return tc.c.tokendb.RollbackToLatestSavepoint()
}

// AppendAction implements execctx.TrxHook.
func (tc *TransactionContext) AppendAction(act types.Action) {
	tc.appended = append(tc.appended, act)
}

// ExecuteSuspended implements execctx.TrxHook: it runs a suspended
// transaction under the current block with pre-collected keys. The nested
// run keeps its own savepoint so an objective failure rolls back only the
// nested effects.
func (tc *TransactionContext) ExecuteSuspended(trx *types.Transaction, signedKeys []types.PublicKey) error {
	nested, err := newTransactionContext(tc.c, trx, trxSuspend, tc.deadline)
	if err != nil {
		return err
	}
	if err := nested.initForSuspend(signedKeys); err != nil {
		return err
	}
	if err := nested.checkAuthorization(); err != nil {
		return err
	}
	if err := nested.exec(); err != nil {
		if undoErr := nested.undo(); undoErr != nil {
			return undoErr
		}
		return err
	}
	if err := nested.finalize(); err != nil {
		if undoErr := nested.undo(); undoErr != nil {
			return undoErr
		}
		return err
	}
	if err := nested.squash(); err != nil {
		return err
	}
	tc.receipts = append(tc.receipts, nested.receipts...)
	return nil
}

// isSubjective classifies a failure: only deadline overruns are producer-
// local and soft-fail.
func isSubjective(err error) bool {
	return errors.Is(err, types.ErrDeadline)
}
