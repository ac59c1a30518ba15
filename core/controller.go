// Package core hosts the controller: block assembly and validation, fork
// switching, irreversibility and the signal bus gluing every subsystem
// together.
package core

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"jmzkchain/core/authority"
	"jmzkchain/core/blocklog"
	"jmzkchain/core/events"
	"jmzkchain/core/execctx"
	"jmzkchain/core/forkdb"
	"jmzkchain/core/genesis"
	"jmzkchain/core/state"
	"jmzkchain/core/types"
	"jmzkchain/storage"
	"jmzkchain/storage/tokendb"
)

var (
	ErrPendingBlock     = errors.New("a pending block is already open")
	ErrNoPendingBlock   = errors.New("no pending block is open")
	ErrControllerSync   = errors.New("controller and fork database are out of sync")
	ErrBlockRootsDiffer = errors.New("recomputed merkle roots differ from the block header")
)

// producerRepetitions is the number of consecutive slots one producer fills.
const producerRepetitions = 12

// Options wires a controller's collaborators.
type Options struct {
	DataDir    string
	StateDB    storage.Database
	TokenDB    storage.Database
	Genesis    *genesis.Genesis
	Registry   *execctx.Registry
	Logger     *slog.Logger
	ChargeFree bool
	Loadtest   bool
	// MaxSavepoints caps the token database undo stack; 0 keeps the default.
	MaxSavepoints int
}

type pendingState struct {
	blockNum  uint32
	time      time.Time
	previous  types.BlockID
	producer  types.ProducerScheduleEntry
	confirmed uint16

	receipts       []types.TransactionReceipt
	actionReceipts []types.ActionReceipt
	newProducers   *types.ProducerSchedule
	scheduleVer    uint32

	// dedup holds signed ids accepted into this block, persisted on commit.
	dedup map[[32]byte]int64

	// savedGP restores the global property on abort.
	savedGP state.GlobalProperty

	trxSeq int64

	signed *types.SignedBlock
	id     types.BlockID
}

// Controller owns the mutable chain state. It is single-threaded by design:
// every mutation happens on the caller's goroutine.
type Controller struct {
	logger *slog.Logger

	tokendb *tokendb.TokenDatabase
	cache   *tokendb.Cache
	state   *state.Store
	blog    *blocklog.BlockLog
	fdb     *forkdb.ForkDatabase

	registry *execctx.Registry
	bus      *events.Bus
	metrics  *metricsSet

	gen     *genesis.Genesis
	chainID [32]byte

	gp  *state.GlobalProperty
	dgp *state.DynamicGlobalProperty

	head    *forkdb.BlockState
	pending *pendingState

	unapplied     map[[32]byte]*types.Transaction
	recoveredKeys map[[32]byte]types.KeySet

	// queuedIrreversible defers LIB processing until the block that advanced
	// it has fully applied; fork-db callbacks fire mid-insertion.
	queuedIrreversible []*forkdb.BlockState

	forkdbPath string
	chargeFree bool
	loadtest   bool
	replaying  bool
	switching  bool
}

// NewController opens every store and either initializes from genesis or
// resumes from persisted state.
func NewController(opts Options) (*Controller, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tdb, err := tokendb.New(opts.TokenDB, tokendb.Options{
		MaxSavepoints: opts.MaxSavepoints,
		PersistPath:   filepath.Join(opts.DataDir, "tokendb", "savepoints.dat"),
	})
	if err != nil {
		return nil, err
	}
	blog, err := blocklog.Open(filepath.Join(opts.DataDir, "blocks"))
	if err != nil {
		return nil, err
	}
	c := &Controller{
		logger:        logger,
		tokendb:       tdb,
		state:         state.New(opts.StateDB),
		blog:          blog,
		registry:      opts.Registry,
		bus:           events.NewBus(logger),
		metrics:       newMetrics(),
		gen:           opts.Genesis,
		chainID:       opts.Genesis.ChainID(),
		unapplied:     make(map[[32]byte]*types.Transaction),
		recoveredKeys: make(map[[32]byte]types.KeySet),
		forkdbPath:    filepath.Join(opts.DataDir, "state", "forkdb.dat"),
		chargeFree:    opts.ChargeFree,
		loadtest:      opts.Loadtest,
	}
	c.cache = tokendb.NewCache(tdb)

	if err := c.startup(); err != nil {
		return nil, err
	}
	return c, nil
}

// Bus exposes the signal bus for external subscribers (history mirrors,
// transports).
func (c *Controller) Bus() *events.Bus { return c.bus }

// Cache exposes the typed token store for read-only queries.
func (c *Controller) Cache() *tokendb.Cache { return c.cache }

func (c *Controller) startup() error {
	gp, found, err := c.state.GlobalProperty()
	if err != nil {
		return err
	}
	if !found {
		return c.initializeFromGenesis()
	}
	c.gp = gp
	if err := c.applyActionVersions(); err != nil {
		return err
	}
	dgp, _, err := c.state.DynamicGlobalProperty()
	if err != nil {
		return err
	}
	c.dgp = dgp

	fdb, err := forkdb.Load(c.forkdbPath)
	if err != nil {
		return err
	}
	c.fdb = fdb
	c.fdb.OnIrreversible = c.onIrreversible
	if c.fdb.Empty() {
		if err := c.seedForkDBFromStores(); err != nil {
			return err
		}
	}
	head, ok := c.fdb.Get(c.dgp.HeadBlockID)
	if !ok {
		return fmt.Errorf("%w: head %s missing from fork database", ErrControllerSync, c.dgp.HeadBlockID)
	}
	c.head = head
	c.logger.Info("controller resumed", "head", c.head.BlockNum, "lib", c.dgp.LastIrreversible)
	return nil
}

// seedForkDBFromStores rebuilds the fork database after a snapshot loss: the
// block-log head becomes the root and reversible rows replay on top as
// validated blocks.
func (c *Controller) seedForkDBFromStores() error {
	anchor := c.blog.Head()
	if anchor == nil {
		return fmt.Errorf("%w: no block log to seed from", ErrControllerSync)
	}
	id, err := anchor.ID()
	if err != nil {
		return err
	}
	root := &forkdb.BlockState{
		ID:                       id,
		BlockNum:                 anchor.BlockNum(),
		Block:                    anchor,
		ActiveSchedule:           c.gp.ActiveSchedule,
		DposIrreversibleBlocknum: anchor.BlockNum(),
	}
	c.fdb.AddRoot(root)
	c.head = root

	c.replaying = true
	defer func() { c.replaying = false }()
	blocks, err := c.state.ReversibleBlocks()
	if err != nil {
		return err
	}
	for _, b := range blocks {
		if b.BlockNum() <= anchor.BlockNum() {
			continue
		}
		if err := c.PushBlock(b); err != nil {
			return fmt.Errorf("replay reversible block %d: %w", b.BlockNum(), err)
		}
	}
	return nil
}

func (c *Controller) initializeFromGenesis() error {
	c.logger.Info("initializing chain from genesis")
	if err := c.gen.PopulateTokenDB(c.cache); err != nil {
		return err
	}
	c.gp = &state.GlobalProperty{
		Config:         c.gen.InitialConfiguration,
		ActiveSchedule: c.gen.InitialSchedule(),
	}
	if err := c.state.SetGlobalProperty(c.gp); err != nil {
		return err
	}
	gblock, err := c.gen.Block()
	if err != nil {
		return err
	}
	id, err := gblock.ID()
	if err != nil {
		return err
	}
	if err := c.blog.ResetToGenesis(gblock); err != nil {
		return err
	}
	if err := c.state.SetBlockSummary(gblock.BlockNum(), id); err != nil {
		return err
	}
	c.dgp = &state.DynamicGlobalProperty{
		HeadBlockNum:      gblock.BlockNum(),
		HeadBlockID:       id,
		HeadBlockTimeUnix: gblock.Timestamp.Unix(),
		LastIrreversible:  gblock.BlockNum(),
	}
	if err := c.state.SetDynamicGlobalProperty(c.dgp); err != nil {
		return err
	}
	c.fdb = forkdb.New()
	c.fdb.OnIrreversible = c.onIrreversible
	root := &forkdb.BlockState{
		ID:                       id,
		BlockNum:                 gblock.BlockNum(),
		Block:                    gblock,
		ActiveSchedule:           c.gp.ActiveSchedule,
		DposIrreversibleBlocknum: gblock.BlockNum(),
	}
	c.fdb.AddRoot(root)
	c.head = root
	return nil
}

// Close persists the fork database snapshot and the savepoint sidecar.
func (c *Controller) Close() error {
	if c.pending != nil {
		c.AbortBlock()
	}
	if err := c.fdb.Save(c.forkdbPath); err != nil {
		return err
	}
	if err := c.tokendb.Close(); err != nil {
		return err
	}
	c.blog.Close()
	return nil
}

// --- savepoint sequencing: block frames sit at blockNum<<20, transaction
// frames fill the space above their block frame.

func blockSeq(num uint32) int64 { return int64(num) << 20 }

func (c *Controller) nextTrxSavepointSeq() int64 {
	c.pending.trxSeq++
	return blockSeq(c.pending.blockNum) + c.pending.trxSeq
}

func (c *Controller) nextGlobalActionSeq() uint64 {
	c.dgp.GlobalActionSeq++
	return c.dgp.GlobalActionSeq
}

func (c *Controller) newAuthChecker() *authority.Checker {
	return authority.New(c.cache, int(c.gp.Config.MaxAuthorityDepth), func() []types.PublicKey {
		keys := make([]types.PublicKey, 0, len(c.gp.ActiveSchedule.Producers))
		for _, p := range c.gp.ActiveSchedule.Producers {
			keys = append(keys, p.SigningKey)
		}
		return keys
	})
}

// --- ChainView ---

// HeadBlockTime is the committed head's timestamp. Handlers stamping
// create-time fields read this on purpose; see the replay note in each.
func (c *Controller) HeadBlockTime() time.Time {
	return time.Unix(c.dgp.HeadBlockTimeUnix, 0).UTC()
}

// PendingBlockTime is the timestamp of the block being assembled.
func (c *Controller) PendingBlockTime() time.Time {
	if c.pending != nil {
		return c.pending.time
	}
	return c.HeadBlockTime()
}

// PendingBlockNum is the number of the block being assembled.
func (c *Controller) PendingBlockNum() uint32 {
	if c.pending != nil {
		return c.pending.blockNum
	}
	return c.dgp.HeadBlockNum + 1
}

// PendingProducer is the scheduled producer's signing key.
func (c *Controller) PendingProducer() types.PublicKey {
	if c.pending != nil {
		return c.pending.producer.SigningKey
	}
	return c.gp.ActiveSchedule.ScheduledProducer(types.SlotOf(c.HeadBlockTime()), producerRepetitions).SigningKey
}

// ActiveProducers returns the active schedule.
func (c *Controller) ActiveProducers() types.ProducerSchedule {
	return c.gp.ActiveSchedule
}

// ChainConfig returns the current configuration.
func (c *Controller) ChainConfig() types.ChainConfig {
	return c.gp.Config
}

// SetChainConfig persists a configuration updated by a prodvote median.
func (c *Controller) SetChainConfig(cfg types.ChainConfig) error {
	c.gp.Config = cfg
	return c.state.SetGlobalProperty(c.gp)
}

// ProposeSchedule stages a schedule proposal; it becomes pending when its
// proposal block turns irreversible and the pending slot is free.
func (c *Controller) ProposeSchedule(sched types.ProducerSchedule) error {
	c.gp.ProposedSchedule = &sched
	c.gp.ProposedScheduleBlockNum = c.PendingBlockNum()
	return c.state.SetGlobalProperty(c.gp)
}

// SetActionVersion moves an action's dispatch version and records it so the
// registry is rebuilt identically on restart.
func (c *Controller) SetActionVersion(name types.Name128, version int) error {
	if err := c.registry.SetVersion(name, version); err != nil {
		return err
	}
	if c.gp.ActionVersions == nil {
		c.gp.ActionVersions = make(map[string]int)
	}
	c.gp.ActionVersions[name.String()] = version
	return c.state.SetGlobalProperty(c.gp)
}

// applyActionVersions rewinds the registry to the persisted dispatch
// versions.
func (c *Controller) applyActionVersions() error {
	for name, version := range c.gp.ActionVersions {
		parsed, err := types.NewName128(name)
		if err != nil {
			return fmt.Errorf("%w: persisted action version for %q: %v", ErrControllerSync, name, err)
		}
		if err := c.registry.SetVersion(parsed, version); err != nil {
			return fmt.Errorf("%w: persisted action version for %q: %v", ErrControllerSync, name, err)
		}
	}
	return nil
}

// LoadtestMode reports whether link expiry checks are skipped.
func (c *Controller) LoadtestMode() bool { return c.loadtest }

// ChainID returns the chain identifier.
func (c *Controller) ChainID() [32]byte { return c.chainID }

// RegisterLinkID records an accepted everipay link id in the undo-able
// store; a duplicate surfaces as ErrLinkDupe.
func (c *Controller) RegisterLinkID(linkID [16]byte, trxID [32]byte) error {
	obj := types.EVTLinkObject{
		LinkID:   linkID,
		BlockNum: c.PendingBlockNum(),
		TrxID:    trxID,
	}
	err := tokendb.PutToken(c.cache, tokendb.TypeEVTLink, tokendb.OpAdd, nil, tokendb.KeyFromBytes(linkID[:]), &obj)
	if errors.Is(err, tokendb.ErrKeyExists) {
		return fmt.Errorf("%w: %x", types.ErrLinkDupe, linkID)
	}
	return err
}

// HeadBlock returns the current head block.
func (c *Controller) HeadBlock() *types.SignedBlock { return c.head.Block }

// HeadBlockID returns the current head id.
func (c *Controller) HeadBlockID() types.BlockID { return c.head.ID }

// HeadBlockNum returns the current head number.
func (c *Controller) HeadBlockNum() uint32 { return c.head.BlockNum }

// LastIrreversibleBlockNum returns the LIB mark.
func (c *Controller) LastIrreversibleBlockNum() uint32 { return c.dgp.LastIrreversible }

// DropUnapplied removes a transaction from the unapplied queue, used by the
// producer after an objective failure.
func (c *Controller) DropUnapplied(trx *types.Transaction) {
	if signedID, err := trx.SignedID(); err == nil {
		delete(c.unapplied, signedID)
	}
}

// UnappliedTransactions returns transactions waiting for a block slot.
func (c *Controller) UnappliedTransactions() []*types.Transaction {
	out := make([]*types.Transaction, 0, len(c.unapplied))
	for _, trx := range c.unapplied {
		out = append(out, trx)
	}
	return out
}

// --- block lifecycle ---

// StartBlock opens a pending block at the given slot time, pushing the
// block's savepoint and running the schedule promotion cycle.
func (c *Controller) StartBlock(when time.Time, confirmCount uint16) error {
	if c.pending != nil {
		return ErrPendingBlock
	}
	num := c.head.BlockNum + 1
	if err := c.tokendb.AddSavepoint(blockSeq(num)); err != nil {
		return err
	}
	pending := &pendingState{
		blockNum:  num,
		time:      when.UTC(),
		previous:  c.head.ID,
		confirmed: confirmCount,
		dedup:     make(map[[32]byte]int64),
		savedGP:   *c.gp,
	}

	lib := c.dgp.LastIrreversible
	// Pending schedule becomes active once its promotion block is
	// irreversible.
	if c.gp.PendingSchedule != nil && c.gp.PendingScheduleBlockNum <= lib {
		c.gp.ActiveSchedule = *c.gp.PendingSchedule
		c.gp.PendingSchedule = nil
		c.gp.PendingScheduleBlockNum = 0
	}
	// Proposed schedule becomes pending once its proposal block is
	// irreversible and the pending slot is empty.
	if c.gp.ProposedSchedule != nil && c.gp.PendingSchedule == nil && c.gp.ProposedScheduleBlockNum <= lib {
		sched := *c.gp.ProposedSchedule
		pending.newProducers = &sched
		c.gp.PendingSchedule = &sched
		c.gp.PendingScheduleBlockNum = num
		c.gp.ProposedSchedule = nil
		c.gp.ProposedScheduleBlockNum = 0
	}
	pending.scheduleVer = c.gp.ActiveSchedule.Version
	pending.producer = c.gp.ActiveSchedule.ScheduledProducer(types.SlotOf(pending.time), producerRepetitions)

	c.pending = pending
	return nil
}

// PushTransaction executes one transaction into the pending block. The
// returned receipt reports the outcome; objective failures roll back and
// return the error alongside a hard-fail status.
func (c *Controller) PushTransaction(trx *types.Transaction, deadline time.Time) (*types.TransactionReceipt, error) {
	if c.pending == nil {
		return nil, ErrNoPendingBlock
	}
	tc, err := newTransactionContext(c, trx, trxInput, deadline)
	if err != nil {
		return nil, err
	}
	if err := tc.initForInput(); err != nil {
		return nil, err
	}
	return c.runTransaction(tc)
}

func (c *Controller) runTransaction(tc *TransactionContext) (*types.TransactionReceipt, error) {
	execErr := func() error {
		if err := tc.checkAuthorization(); err != nil {
			return err
		}
		if err := tc.exec(); err != nil {
			return err
		}
		return tc.finalize()
	}()
	if execErr != nil {
		if undoErr := tc.undo(); undoErr != nil {
			return nil, undoErr
		}
		status := types.TrxHardFail
		if isSubjective(execErr) {
			status = types.TrxSoftFail
		}
		return &types.TransactionReceipt{Status: status, Trx: *tc.trx}, execErr
	}
	if err := tc.squash(); err != nil {
		return nil, err
	}

	receipt := types.TransactionReceipt{
		Status: types.TrxExecuted,
		Charge: tc.charge,
		Trx:    *tc.trx,
	}
	c.pending.receipts = append(c.pending.receipts, receipt)
	c.pending.actionReceipts = append(c.pending.actionReceipts, tc.receipts...)
	c.pending.dedup[tc.signedID] = tc.trx.Expiration.Unix()
	delete(c.unapplied, tc.signedID)
	c.metrics.transactionsExecuted.Inc()

	c.emit(events.Event{Name: events.AcceptedTransaction, Transaction: &events.TransactionEvent{
		TrxID: tc.trxID, Receipt: &receipt, BlockNum: c.pending.blockNum,
	}})
	c.emit(events.Event{Name: events.AppliedTransaction, Transaction: &events.TransactionEvent{
		TrxID: tc.trxID, Receipt: &receipt, BlockNum: c.pending.blockNum,
	}})
	return &receipt, nil
}

// FinalizeBlock seals the pending block: merkle roots, summary slot and
// header id.
func (c *Controller) FinalizeBlock() error {
	if c.pending == nil {
		return ErrNoPendingBlock
	}
	trxDigests := make([][32]byte, 0, len(c.pending.receipts))
	for _, r := range c.pending.receipts {
		d, err := r.Digest()
		if err != nil {
			return err
		}
		trxDigests = append(trxDigests, d)
	}
	actDigests := make([][32]byte, 0, len(c.pending.actionReceipts))
	for _, r := range c.pending.actionReceipts {
		d, err := r.Digest()
		if err != nil {
			return err
		}
		actDigests = append(actDigests, d)
	}
	header := types.BlockHeader{
		Timestamp:        c.pending.time,
		Producer:         c.pending.producer.Name,
		Confirmed:        c.pending.confirmed,
		Previous:         c.pending.previous,
		TransactionMroot: types.Merkle(trxDigests),
		ActionMroot:      types.Merkle(actDigests),
		ScheduleVersion:  c.pending.scheduleVer,
		NewProducers:     c.pending.newProducers,
	}
	c.pending.signed = &types.SignedBlock{
		BlockHeader:  header,
		Transactions: c.pending.receipts,
	}
	id, err := header.ID()
	if err != nil {
		return err
	}
	c.pending.id = id
	return nil
}

// SignBlock lets the producer sign the sealed header.
func (c *Controller) SignBlock(signer func(digest [32]byte) (types.Signature, error)) error {
	if c.pending == nil || c.pending.signed == nil {
		return ErrNoPendingBlock
	}
	digest, err := c.pending.signed.Digest()
	if err != nil {
		return err
	}
	sig, err := signer(digest)
	if err != nil {
		return err
	}
	c.pending.signed.ProducerSignature = sig
	id, err := c.pending.signed.ID()
	if err != nil {
		return err
	}
	c.pending.id = id
	return nil
}

// CommitBlock finishes the pending block: fork-db insertion (for produced
// blocks), signal emission, reversible row, summary slot and dedup rows.
func (c *Controller) CommitBlock(addToForkDB bool) error {
	if c.pending == nil || c.pending.signed == nil {
		return ErrNoPendingBlock
	}
	block := c.pending.signed
	id := c.pending.id

	var bstate *forkdb.BlockState
	var err error
	if addToForkDB {
		bstate, err = c.fdb.Add(block, true)
		if err != nil {
			return err
		}
	} else {
		var ok bool
		bstate, ok = c.fdb.Get(id)
		if !ok {
			return fmt.Errorf("%w: committed block %s missing from fork database", ErrControllerSync, id)
		}
	}
	c.fdb.MarkInCurrentChain(bstate, true)

	if err := c.state.SetBlockSummary(block.BlockNum(), id); err != nil {
		return err
	}
	for signedID, exp := range c.pending.dedup {
		if err := c.state.AddTrxID(signedID, exp); err != nil {
			return err
		}
	}
	if err := c.state.PutReversibleBlock(block); err != nil {
		return err
	}
	if err := c.state.PurgeExpiredTrxIDs(c.pending.time.Add(-c.gp.Config.MaxLifetime()).Unix()); err != nil {
		return err
	}

	c.head = bstate
	c.dgp.HeadBlockNum = block.BlockNum()
	c.dgp.HeadBlockID = id
	c.dgp.HeadBlockTimeUnix = block.Timestamp.Unix()
	if err := c.state.SetDynamicGlobalProperty(c.dgp); err != nil {
		return err
	}
	if err := c.state.SetGlobalProperty(c.gp); err != nil {
		return err
	}
	c.pending = nil
	c.metrics.blocksCommitted.Inc()
	c.metrics.headBlockNum.Set(float64(block.BlockNum()))

	if err := c.emit(events.Event{Name: events.AcceptedBlockHeader, Block: &events.BlockEvent{Block: block, ID: id}}); err != nil {
		return err
	}
	if err := c.emit(events.Event{Name: events.AcceptedBlock, Block: &events.BlockEvent{Block: block, ID: id}}); err != nil {
		return err
	}
	c.drainIrreversible()
	return nil
}

// AbortBlock drops the pending block, rolling back its savepoint and
// re-enqueueing its transactions.
func (c *Controller) AbortBlock() {
	if c.pending == nil {
		return
	}
	for _, r := range c.pending.receipts {
		trx := r.Trx
		if signedID, err := trx.SignedID(); err == nil {
			c.unapplied[signedID] = &trx
		}
	}
	*c.gp = c.pending.savedGP
	c.resetActionVersions()
	if err := c.tokendb.RollbackToLatestSavepoint(); err != nil {
		c.logger.Error("abort rollback failed", "error", err)
	}
	c.pending = nil
}

// resetActionVersions re-syncs the registry with the global property after
// it is restored, undoing any in-block version votes.
func (c *Controller) resetActionVersions() {
	for _, name := range c.registry.Actions() {
		desired := 1
		if v, ok := c.gp.ActionVersions[name.String()]; ok {
			desired = v
		}
		if err := c.registry.SetVersion(name, desired); err != nil {
			c.logger.Error("action version resync failed", "action", name.String(), "error", err)
		}
	}
}

// --- external blocks ---

// PushBlock validates and applies a block received from the outside,
// switching forks when it extends a better chain.
func (c *Controller) PushBlock(block *types.SignedBlock) error {
	if c.pending != nil {
		return ErrPendingBlock
	}
	if err := c.emit(events.Event{Name: events.PreAcceptedBlock, Block: &events.BlockEvent{Block: block}}); err != nil {
		return err
	}
	bstate, err := c.fdb.Add(block, c.replaying)
	if err != nil {
		return err
	}
	newHead := c.fdb.Head()
	switch {
	case bstate.Block.Previous == c.head.ID && newHead.ID == bstate.ID:
		if err := c.applyBlock(bstate); err != nil {
			c.fdb.SetValidity(bstate, false)
			return err
		}
	case newHead.ID != c.head.ID:
		if err := c.switchForks(newHead); err != nil {
			return err
		}
	}
	c.drainIrreversible()
	return nil
}

// applyBlock replays a block's transactions into a pending block and
// requires the recomputed roots to match the header.
func (c *Controller) applyBlock(bstate *forkdb.BlockState) error {
	block := bstate.Block
	if err := c.StartBlock(block.Timestamp, block.Confirmed); err != nil {
		return err
	}
	ok := false
	defer func() {
		if !ok {
			c.AbortBlock()
		}
	}()

	c.pending.newProducers = block.NewProducers
	c.pending.scheduleVer = block.ScheduleVersion
	for _, r := range block.Transactions {
		trx := r.Trx
		receipt, err := c.PushTransaction(&trx, time.Time{})
		if err != nil {
			return err
		}
		if receipt.Status != r.Status {
			return fmt.Errorf("%w: receipt status %s vs %s", types.ErrBlockValidate, receipt.Status, r.Status)
		}
	}
	if err := c.FinalizeBlock(); err != nil {
		return err
	}
	if c.pending.signed.TransactionMroot != block.TransactionMroot ||
		c.pending.signed.ActionMroot != block.ActionMroot {
		return ErrBlockRootsDiffer
	}
	// Adopt the producer's header wholesale; the recomputed parts matched.
	c.pending.signed = block
	id, err := block.ID()
	if err != nil {
		return err
	}
	c.pending.id = id
	if err := c.CommitBlock(false); err != nil {
		return err
	}
	ok = true
	return nil
}

// switchForks pops the current branch back to the fork point and applies
// the new branch. A failure mid-apply invalidates the offending subtree and
// restores the previous branch.
func (c *Controller) switchForks(newHead *forkdb.BlockState) error {
	c.metrics.forkSwitches.Inc()
	c.switching = true
	defer func() { c.switching = false }()
	branchNew, branchOld, err := c.fdb.FetchBranchFrom(newHead.ID, c.head.ID)
	if err != nil {
		return err
	}
	c.logger.Info("switching forks",
		"from", c.head.ID.String(), "to", newHead.ID.String(),
		"pop", len(branchOld), "apply", len(branchNew))

	for i := len(branchOld) - 1; i >= 0; i-- {
		if err := c.popBlock(branchOld[i]); err != nil {
			return err
		}
	}

	var failed *forkdb.BlockState
	applied := make([]*forkdb.BlockState, 0, len(branchNew))
	for _, bstate := range branchNew {
		if err := c.applyBlock(bstate); err != nil {
			c.logger.Warn("fork block failed, reverting switch", "block", bstate.BlockNum, "error", err)
			failed = bstate
			break
		}
		c.fdb.MarkInCurrentChain(bstate, true)
		applied = append(applied, bstate)
	}
	if failed == nil {
		return nil
	}

	// Invalidate the offending subtree, rewind what was applied, and put the
	// previous branch back; it was valid before, it must be valid now.
	c.fdb.SetValidity(failed, false)
	c.queuedIrreversible = nil
	c.fdb.ResetLIBMark(c.dgp.LastIrreversible)
	for i := len(applied) - 1; i >= 0; i-- {
		if err := c.popBlock(applied[i]); err != nil {
			return err
		}
	}
	for _, bstate := range branchOld {
		if err := c.applyBlock(bstate); err != nil {
			return fmt.Errorf("%w: original branch failed on reapply: %v", ErrControllerSync, err)
		}
		c.fdb.MarkInCurrentChain(bstate, true)
	}
	return nil
}

// popBlock rewinds the head by one block: its savepoint rolls back, its
// transactions return to the unapplied queue and its reversible row drops.
func (c *Controller) popBlock(bstate *forkdb.BlockState) error {
	if bstate.ID != c.head.ID {
		return fmt.Errorf("%w: popping %d but head is %d", ErrControllerSync, bstate.BlockNum, c.head.BlockNum)
	}
	prev, ok := c.fdb.Get(bstate.Block.Previous)
	if !ok {
		return fmt.Errorf("%w: parent of %d missing", ErrControllerSync, bstate.BlockNum)
	}
	if err := c.tokendb.RollbackToLatestSavepoint(); err != nil {
		return err
	}
	for _, r := range bstate.Block.Transactions {
		trx := r.Trx
		signedID, err := trx.SignedID()
		if err != nil {
			continue
		}
		c.unapplied[signedID] = &trx
		if err := c.state.RemoveTrxID(signedID, trx.Expiration.Unix()); err != nil {
			return err
		}
	}
	if err := c.state.DeleteReversibleBlocksFrom(bstate.BlockNum); err != nil {
		return err
	}
	c.fdb.MarkInCurrentChain(bstate, false)
	c.head = prev
	c.dgp.HeadBlockNum = prev.BlockNum
	c.dgp.HeadBlockID = prev.ID
	c.dgp.HeadBlockTimeUnix = prev.Block.Timestamp.Unix()
	return c.state.SetDynamicGlobalProperty(c.dgp)
}

// onIrreversible queues a block for irreversibility processing; the queue
// drains after the current apply or fork switch completes.
func (c *Controller) onIrreversible(bstate *forkdb.BlockState) {
	c.queuedIrreversible = append(c.queuedIrreversible, bstate)
}

// drainIrreversible processes queued LIB advances for blocks that survived
// on the current chain. It waits out an in-flight fork switch so a failed
// switch can still rewind every applied block.
func (c *Controller) drainIrreversible() {
	if c.switching {
		return
	}
	queued := c.queuedIrreversible
	c.queuedIrreversible = nil
	for _, bs := range queued {
		if _, ok := c.fdb.Get(bs.ID); !ok {
			continue
		}
		if !bs.InCurrentChain {
			continue
		}
		c.commitIrreversible(bs)
	}
}

// commitIrreversible makes a block permanent: block log append, savepoint
// commit, reversible row trim.
func (c *Controller) commitIrreversible(bstate *forkdb.BlockState) {
	if bstate.BlockNum <= c.dgp.LastIrreversible {
		return
	}
	if c.blog.Head() != nil && bstate.BlockNum == c.blog.Head().BlockNum()+1 {
		if err := c.blog.Append(bstate.Block); err != nil {
			c.logger.Error("block log append failed", "block", bstate.BlockNum, "error", err)
			return
		}
	}
	if err := c.tokendb.PopSavepoints(blockSeq(bstate.BlockNum + 1)); err != nil {
		c.logger.Error("savepoint commit failed", "block", bstate.BlockNum, "error", err)
		return
	}
	if err := c.state.DeleteReversibleBlocksThrough(bstate.BlockNum); err != nil {
		c.logger.Error("reversible trim failed", "block", bstate.BlockNum, "error", err)
		return
	}
	c.dgp.LastIrreversible = bstate.BlockNum
	c.metrics.irreversibleBlockNum.Set(float64(bstate.BlockNum))
	if err := c.state.SetDynamicGlobalProperty(c.dgp); err != nil {
		c.logger.Error("dynamic property write failed", "error", err)
	}
	c.fdb.Prune(bstate.BlockNum)
	c.emit(events.Event{Name: events.IrreversibleBlock, Block: &events.BlockEvent{Block: bstate.Block, ID: bstate.ID}})
}

func (c *Controller) emit(ev events.Event) error {
	if err := c.bus.Emit(ev); err != nil {
		return fmt.Errorf("%w: %v", events.ErrFatalSignal, err)
	}
	return nil
}

// TAPOSRef computes the reference fields binding a new transaction to the
// current head.
func (c *Controller) TAPOSRef() (uint16, uint32) {
	return uint16(c.head.BlockNum), c.head.ID.Prefix()
}
