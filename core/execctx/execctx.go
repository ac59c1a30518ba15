// Package execctx holds the versioned action registry and the apply context
// handed to action handlers. Dispatch is a flat function table keyed by
// action name and version; versions move only through producer votes or
// hard-fork upgrades.
package execctx

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"jmzkchain/core/types"
	"jmzkchain/storage/tokendb"
)

var (
	ErrUnknownAction  = errors.New("action is not registered")
	ErrUnknownVersion = errors.New("action version is not registered")
	ErrRawUnpack      = errors.New("action payload does not decode against its registered type")
	ErrVersionRange   = errors.New("action version outside the registered range")
)

// ChainView is the slice of controller state handlers may consult. The
// controller implements it; tests provide lightweight fakes.
type ChainView interface {
	// HeadBlockTime is the timestamp of the last committed block. Some
	// create-time fields deliberately use it instead of the pending time to
	// keep replay bit-exact with the chain's history.
	HeadBlockTime() time.Time
	// PendingBlockTime is the timestamp of the block being assembled.
	PendingBlockTime() time.Time
	// PendingBlockNum is the number of the block being assembled.
	PendingBlockNum() uint32
	// PendingProducer is the signing key of the scheduled producer.
	PendingProducer() types.PublicKey
	// ActiveProducers is the current producer schedule.
	ActiveProducers() types.ProducerSchedule
	// ChainConfig returns the current global configuration.
	ChainConfig() types.ChainConfig
	// SetChainConfig persists an updated configuration.
	SetChainConfig(types.ChainConfig) error
	// ProposeSchedule stages a new producer schedule proposal.
	ProposeSchedule(types.ProducerSchedule) error
	// SetActionVersion moves an action's current version after a producer
	// vote settles; the change persists and survives restarts.
	SetActionVersion(name types.Name128, version int) error
	// LoadtestMode skips link expiry checks for benchmarking networks.
	LoadtestMode() bool
	// ChainID identifies the chain for signature digests.
	ChainID() [32]byte
	// RegisterLinkID records an accepted everipay link id.
	RegisterLinkID(linkID [16]byte, trxID [32]byte) error
}

// AuthChecker re-runs a satisfaction check for handlers that synthesize
// authorization (everipass destroy, suspend execution).
type AuthChecker interface {
	SatisfiesAction(keys types.KeySet, action types.Action) error
}

// TrxHook is the slice of the transaction context handlers may touch:
// appending implicit actions and running nested transactions.
type TrxHook interface {
	// AppendAction enqueues an implicit action (paycharge) to execute after
	// the declared ones.
	AppendAction(types.Action)
	// ExecuteSuspended runs a suspended transaction under the current block.
	ExecuteSuspended(trx *types.Transaction, signedKeys []types.PublicKey) error
}

// ApplyContext carries everything one handler invocation may read or write.
type ApplyContext struct {
	Control ChainView
	Cache   *tokendb.Cache
	Auth    AuthChecker
	Trx     TrxHook

	Action     types.Action
	TrxID      [32]byte
	SignedKeys types.KeySet
	Payer      types.Address
}

// Handler is one versioned action implementation.
type Handler func(ctx *ApplyContext) error

type actionEntry struct {
	typeName       string
	currentVersion int
	maxVersion     int
	handlers       map[int]Handler
}

// Registry maps action names to their type, version window and handlers.
type Registry struct {
	entries map[types.Name128]*actionEntry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[types.Name128]*actionEntry)}
}

// Register adds one version of an action. The first registration fixes the
// type name; later versions extend the window upward.
func (r *Registry) Register(name types.Name128, typeName string, version int, h Handler) {
	e, ok := r.entries[name]
	if !ok {
		e = &actionEntry{typeName: typeName, currentVersion: version, maxVersion: version, handlers: make(map[int]Handler)}
		r.entries[name] = e
	}
	if version > e.maxVersion {
		e.maxVersion = version
	}
	e.handlers[version] = h
}

// SetVersion moves the current version of an action, the in-protocol upgrade
// path driven by producer votes.
func (r *Registry) SetVersion(name types.Name128, version int) error {
	e, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAction, name)
	}
	if version < 1 || version > e.maxVersion {
		return fmt.Errorf("%w: %s v%d (max %d)", ErrVersionRange, name, version, e.maxVersion)
	}
	e.currentVersion = version
	return nil
}

// CurrentVersion returns the active version of an action.
func (r *Registry) CurrentVersion(name types.Name128) (int, error) {
	e, ok := r.entries[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAction, name)
	}
	return e.currentVersion, nil
}

// TypeName returns the registered payload type of an action.
func (r *Registry) TypeName(name types.Name128) (string, error) {
	e, ok := r.entries[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAction, name)
	}
	return e.typeName, nil
}

// Actions lists the registered action names.
func (r *Registry) Actions() []types.Name128 {
	out := make([]types.Name128, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	return out
}

// Apply dispatches the context's action through the handler registered for
// the action's current version.
func (r *Registry) Apply(ctx *ApplyContext) error {
	e, ok := r.entries[ctx.Action.Name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAction, ctx.Action.Name)
	}
	h, ok := e.handlers[e.currentVersion]
	if !ok {
		return fmt.Errorf("%w: %s v%d", ErrUnknownVersion, ctx.Action.Name, e.currentVersion)
	}
	return h(ctx)
}

// DecodeStrict deserializes an action payload, rejecting unknown fields so a
// superfluous payload never decodes against an older type version.
func DecodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrRawUnpack, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing bytes after payload", ErrRawUnpack)
	}
	return nil
}
