// Package events is the controller's synchronous signal bus. Subscribers run
// inline on the chain-core worker; a designated fatal error kind propagates
// and halts consensus, every other subscriber error is logged and swallowed
// so replay stays deterministic.
package events

import (
	"errors"
	"log/slog"

	"jmzkchain/core/types"
)

// ErrFatalSignal marks a subscriber failure that must halt consensus.
// Subscribers wrap their error with it to opt in.
var ErrFatalSignal = errors.New("fatal signal handler failure")

// Signal names.
const (
	PreAcceptedBlock     = "pre_accepted_block"
	AcceptedBlockHeader  = "accepted_block_header"
	AcceptedBlock        = "accepted_block"
	AcceptedTransaction  = "accepted_transaction"
	AppliedTransaction   = "applied_transaction"
	IrreversibleBlock    = "irreversible_block"
	AcceptedConfirmation = "accepted_confirmation"
)

// BlockEvent carries a block through block-scoped signals.
type BlockEvent struct {
	Block *types.SignedBlock
	ID    types.BlockID
}

// TransactionEvent carries a transaction and its receipt outcome.
type TransactionEvent struct {
	TrxID    [32]byte
	Receipt  *types.TransactionReceipt
	BlockNum uint32
}

// Event is one emitted signal.
type Event struct {
	Name        string
	Block       *BlockEvent
	Transaction *TransactionEvent
}

// Subscriber handles emitted events.
type Subscriber func(Event) error

// Bus fans events out to subscribers in registration order.
type Bus struct {
	subscribers []Subscriber
	logger      *slog.Logger
}

// NewBus creates a bus logging swallowed errors to the given logger.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Subscribe registers a subscriber for all signals.
func (b *Bus) Subscribe(s Subscriber) {
	b.subscribers = append(b.subscribers, s)
}

// Emit delivers the event synchronously. Only ErrFatalSignal-wrapped errors
// propagate.
func (b *Bus) Emit(ev Event) error {
	for _, s := range b.subscribers {
		if err := s(ev); err != nil {
			if errors.Is(err, ErrFatalSignal) {
				return err
			}
			b.logger.Error("signal handler failed", "signal", ev.Name, "error", err)
		}
	}
	return nil
}
