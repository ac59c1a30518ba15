// Package forkdb maintains the in-memory DAG of recent block states, tracks
// the longest validated chain and surfaces irreversibility.
package forkdb

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"jmzkchain/core/types"
	"jmzkchain/crypto"
)

var (
	ErrUnlinkable   = errors.New("block does not link to any known state")
	ErrDuplicate    = errors.New("block already present in the fork database")
	ErrUnknownBlock = errors.New("block not present in the fork database")
	ErrBadProducer  = errors.New("block producer signature is invalid")
	ErrIntegrity    = errors.New("fork database integrity violation")
)

// BlockState is one node of the DAG. Nodes are arena-allocated and refer to
// their parents by index, never by pointer, so shared ancestors need no
// reference cycles.
type BlockState struct {
	ID             types.BlockID      `json:"id"`
	BlockNum       uint32             `json:"block_num"`
	Block          *types.SignedBlock `json:"block"`
	Validated      bool               `json:"validated"`
	InCurrentChain bool               `json:"in_current_chain"`

	ActiveSchedule  types.ProducerSchedule  `json:"active_schedule"`
	PendingSchedule *types.ProducerSchedule `json:"pending_schedule,omitempty"`
	// PendingScheduleBlock is the block that proposed the pending schedule;
	// promotion waits until it is irreversible.
	PendingScheduleBlock uint32 `json:"pending_schedule_block,omitempty"`

	DposIrreversibleBlocknum uint32 `json:"dpos_irreversible_blocknum"`
	BftIrreversibleBlocknum  uint32 `json:"bft_irreversible_blocknum"`

	// TrxIDs lists the signed ids of the block's transactions for the
	// unapplied queue on pop.
	TrxIDs [][32]byte `json:"trx_ids,omitempty"`

	parent int // arena index of the parent, -1 for the root
}

// Irreversible returns the node's LIB: the max of the DPoS and BFT marks.
func (s *BlockState) Irreversible() uint32 {
	if s.BftIrreversibleBlocknum > s.DposIrreversibleBlocknum {
		return s.BftIrreversibleBlocknum
	}
	return s.DposIrreversibleBlocknum
}

// ForkDatabase indexes block states by id over an arena. The head is the
// validated node with the greatest block number (ties broken by lowest id).
type ForkDatabase struct {
	arena []*BlockState
	byID  map[types.BlockID]int

	head int
	root int

	// OnIrreversible fires when the head's LIB advances past the previous
	// mark, once per newly irreversible block in order.
	OnIrreversible func(*BlockState)

	lastLIB uint32
}

// New creates an empty fork database.
func New() *ForkDatabase {
	return &ForkDatabase{byID: make(map[types.BlockID]int), head: -1, root: -1}
}

// Empty reports whether no states are present.
func (fdb *ForkDatabase) Empty() bool { return len(fdb.arena) == 0 }

// Head returns the best validated state, nil when empty.
func (fdb *ForkDatabase) Head() *BlockState {
	if fdb.head < 0 {
		return nil
	}
	return fdb.arena[fdb.head]
}

// Root returns the oldest retained state.
func (fdb *ForkDatabase) Root() *BlockState {
	if fdb.root < 0 {
		return nil
	}
	return fdb.arena[fdb.root]
}

// Get returns the state for id.
func (fdb *ForkDatabase) Get(id types.BlockID) (*BlockState, bool) {
	idx, ok := fdb.byID[id]
	if !ok {
		return nil, false
	}
	return fdb.arena[idx], true
}

// AddRoot seeds the database with an already-trusted state (genesis or the
// replay head). Its parent is the void.
func (fdb *ForkDatabase) AddRoot(state *BlockState) {
	state.parent = -1
	state.Validated = true
	state.InCurrentChain = true
	fdb.arena = append(fdb.arena, state)
	idx := len(fdb.arena) - 1
	fdb.byID[state.ID] = idx
	fdb.root = idx
	fdb.head = idx
	fdb.lastLIB = state.Irreversible()
}

// Add validates and inserts a block, returning its new state. Unless trusted,
// the producer signature is checked against the parent's schedule. The head
// is recomputed; the caller compares it to the controller head to decide on
// a fork switch.
func (fdb *ForkDatabase) Add(block *types.SignedBlock, trusted bool) (*BlockState, error) {
	id, err := block.ID()
	if err != nil {
		return nil, err
	}
	if _, dup := fdb.byID[id]; dup {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	parentIdx, ok := fdb.byID[block.Previous]
	if !ok {
		return nil, fmt.Errorf("%w: previous %s", ErrUnlinkable, block.Previous)
	}
	parent := fdb.arena[parentIdx]

	state := &BlockState{
		ID:                       id,
		BlockNum:                 block.BlockNum(),
		Block:                    block,
		ActiveSchedule:           parent.ActiveSchedule,
		PendingSchedule:          parent.PendingSchedule,
		PendingScheduleBlock:     parent.PendingScheduleBlock,
		DposIrreversibleBlocknum: parent.DposIrreversibleBlocknum,
		BftIrreversibleBlocknum:  parent.BftIrreversibleBlocknum,
		parent:                   parentIdx,
	}
	if block.NewProducers != nil {
		sched := *block.NewProducers
		state.PendingSchedule = &sched
		state.PendingScheduleBlock = state.BlockNum
	}
	if !trusted {
		if err := fdb.verifyProducerSignature(state); err != nil {
			return nil, err
		}
		state.Validated = true
	} else {
		state.Validated = true
	}
	state.DposIrreversibleBlocknum = fdb.computeDposLIB(state)

	fdb.arena = append(fdb.arena, state)
	idx := len(fdb.arena) - 1
	fdb.byID[id] = idx
	fdb.recomputeHead()
	fdb.emitIrreversible()
	return state, nil
}

func (fdb *ForkDatabase) verifyProducerSignature(state *BlockState) error {
	sched := state.ActiveSchedule
	key, ok := sched.SigningKeyOf(state.Block.Producer)
	if !ok {
		return fmt.Errorf("%w: producer %s not in schedule v%d", ErrBadProducer, state.Block.Producer, sched.Version)
	}
	digest, err := state.Block.Digest()
	if err != nil {
		return err
	}
	if !crypto.VerifySignature(digest, state.Block.ProducerSignature, key) {
		return fmt.Errorf("%w: producer %s", ErrBadProducer, state.Block.Producer)
	}
	return nil
}

// computeDposLIB walks ancestors until blocks from a 2/3+1 supermajority of
// distinct producers have been built at or above the candidate; the block
// below that point is irreversible. A block never confirms itself into
// irreversibility: with a single producer the LIB trails the head by one.
func (fdb *ForkDatabase) computeDposLIB(state *BlockState) uint32 {
	n := len(state.ActiveSchedule.Producers)
	if n == 0 {
		return state.DposIrreversibleBlocknum
	}
	threshold := n*2/3 + 1
	seen := make(map[types.Name128]struct{}, threshold)
	cur := state
	for {
		seen[cur.Block.Producer] = struct{}{}
		if len(seen) >= threshold {
			if cur.BlockNum == 0 {
				return state.DposIrreversibleBlocknum
			}
			lib := cur.BlockNum - 1
			if lib < state.DposIrreversibleBlocknum {
				lib = state.DposIrreversibleBlocknum
			}
			return lib
		}
		if cur.parent < 0 {
			return state.DposIrreversibleBlocknum
		}
		cur = fdb.arena[cur.parent]
	}
}

// ResetLIBMark rolls the emission mark back after a reverted fork switch so
// skipped blocks re-emit once the chain settles.
func (fdb *ForkDatabase) ResetLIBMark(num uint32) {
	if num < fdb.lastLIB {
		fdb.lastLIB = num
	}
}

// SetBFTIrreversible records an out-of-band BFT finality mark.
func (fdb *ForkDatabase) SetBFTIrreversible(id types.BlockID) error {
	idx, ok := fdb.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBlock, id)
	}
	num := fdb.arena[idx].BlockNum
	for _, s := range fdb.arena {
		if s != nil && s.BftIrreversibleBlocknum < num && fdb.isAncestorOrSelf(idx, s) {
			s.BftIrreversibleBlocknum = num
		}
	}
	fdb.emitIrreversible()
	return nil
}

func (fdb *ForkDatabase) isAncestorOrSelf(ancestorIdx int, s *BlockState) bool {
	cur := s
	for {
		if fdb.byID[cur.ID] == ancestorIdx {
			return true
		}
		if cur.parent < 0 {
			return false
		}
		cur = fdb.arena[cur.parent]
	}
}

func (fdb *ForkDatabase) recomputeHead() {
	best := -1
	for idx, s := range fdb.arena {
		if s == nil || !s.Validated {
			continue
		}
		if best < 0 {
			best = idx
			continue
		}
		b := fdb.arena[best]
		if s.BlockNum > b.BlockNum {
			best = idx
			continue
		}
		if s.BlockNum == b.BlockNum && lessID(s.ID, b.ID) {
			best = idx
		}
	}
	fdb.head = best
}

func lessID(a, b types.BlockID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func (fdb *ForkDatabase) emitIrreversible() {
	head := fdb.Head()
	if head == nil || fdb.OnIrreversible == nil {
		return
	}
	lib := head.Irreversible()
	if lib <= fdb.lastLIB {
		return
	}
	// Emit in order along the head's ancestry.
	var pending []*BlockState
	cur := head
	for cur != nil && cur.BlockNum > fdb.lastLIB {
		if cur.BlockNum <= lib {
			pending = append(pending, cur)
		}
		if cur.parent < 0 {
			break
		}
		cur = fdb.arena[cur.parent]
	}
	for i := len(pending) - 1; i >= 0; i-- {
		fdb.OnIrreversible(pending[i])
	}
	fdb.lastLIB = lib
}

// FetchBranchFrom returns the two sides of the fork between a and b, each
// ordered root-to-tip, stopping at their common ancestor (excluded).
func (fdb *ForkDatabase) FetchBranchFrom(a, b types.BlockID) ([]*BlockState, []*BlockState, error) {
	ai, ok := fdb.byID[a]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownBlock, a)
	}
	bi, ok := fdb.byID[b]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownBlock, b)
	}
	var branchA, branchB []*BlockState
	sa, sb := fdb.arena[ai], fdb.arena[bi]
	for sa.BlockNum > sb.BlockNum {
		branchA = append(branchA, sa)
		if sa.parent < 0 {
			return nil, nil, ErrIntegrity
		}
		sa = fdb.arena[sa.parent]
	}
	for sb.BlockNum > sa.BlockNum {
		branchB = append(branchB, sb)
		if sb.parent < 0 {
			return nil, nil, ErrIntegrity
		}
		sb = fdb.arena[sb.parent]
	}
	for sa.ID != sb.ID {
		branchA = append(branchA, sa)
		branchB = append(branchB, sb)
		if sa.parent < 0 || sb.parent < 0 {
			return nil, nil, ErrIntegrity
		}
		sa = fdb.arena[sa.parent]
		sb = fdb.arena[sb.parent]
	}
	reverse(branchA)
	reverse(branchB)
	return branchA, branchB, nil
}

func reverse(s []*BlockState) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// MarkInCurrentChain flags whether a state lies on the controller's current
// chain.
func (fdb *ForkDatabase) MarkInCurrentChain(state *BlockState, in bool) {
	state.InCurrentChain = in
}

// SetValidity updates a state's validity; invalidation removes the state and
// its whole subtree.
func (fdb *ForkDatabase) SetValidity(state *BlockState, valid bool) {
	if valid {
		state.Validated = true
		fdb.recomputeHead()
		return
	}
	fdb.removeSubtree(fdb.byID[state.ID])
	fdb.recomputeHead()
}

func (fdb *ForkDatabase) removeSubtree(idx int) {
	removed := map[int]struct{}{idx: {}}
	// Children appear after parents in the arena, one pass suffices.
	for i := idx; i < len(fdb.arena); i++ {
		s := fdb.arena[i]
		if s == nil {
			continue
		}
		if _, gone := removed[s.parent]; gone {
			removed[i] = struct{}{}
		}
	}
	for i := range removed {
		s := fdb.arena[i]
		if s != nil {
			delete(fdb.byID, s.ID)
			fdb.arena[i] = nil
		}
	}
}

// Prune drops states below the irreversible mark that are not on the
// path to head, and advances the root.
func (fdb *ForkDatabase) Prune(lib uint32) {
	head := fdb.Head()
	if head == nil {
		return
	}
	onPath := make(map[int]struct{})
	cur := head
	for {
		onPath[fdb.byID[cur.ID]] = struct{}{}
		if cur.parent < 0 {
			break
		}
		cur = fdb.arena[cur.parent]
	}
	for i, s := range fdb.arena {
		if s == nil {
			continue
		}
		if s.BlockNum < lib {
			if _, keep := onPath[i]; !keep {
				delete(fdb.byID, s.ID)
				fdb.arena[i] = nil
			}
		}
	}
}

// persistedForkDB is the serialized snapshot layout of forkdb.dat.
type persistedForkDB struct {
	States []*persistedState `json:"states"`
	Head   types.BlockID     `json:"head"`
}

type persistedState struct {
	BlockState
	Parent types.BlockID `json:"parent"`
}

// Save writes the snapshot file.
func (fdb *ForkDatabase) Save(path string) error {
	out := persistedForkDB{}
	if h := fdb.Head(); h != nil {
		out.Head = h.ID
	}
	for _, s := range fdb.arena {
		if s == nil {
			continue
		}
		ps := &persistedState{BlockState: *s}
		if s.parent >= 0 && fdb.arena[s.parent] != nil {
			ps.Parent = fdb.arena[s.parent].ID
		}
		out.States = append(out.States, ps)
	}
	data, err := json.Marshal(&out)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Load reconstructs the DAG from a snapshot file. A missing file yields an
// empty database.
func Load(path string) (*ForkDatabase, error) {
	fdb := New()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return fdb, nil
	}
	if err != nil {
		return nil, err
	}
	var in persistedForkDB
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("%w: decode snapshot: %v", ErrIntegrity, err)
	}
	for _, ps := range in.States {
		s := ps.BlockState
		s.parent = -1
		if idx, ok := fdb.byID[ps.Parent]; ok {
			s.parent = idx
		}
		fdb.arena = append(fdb.arena, &s)
		fdb.byID[s.ID] = len(fdb.arena) - 1
		if s.parent < 0 {
			fdb.root = len(fdb.arena) - 1
		}
	}
	fdb.recomputeHead()
	if h := fdb.Head(); h != nil {
		fdb.lastLIB = h.Irreversible()
	}
	return fdb, nil
}
