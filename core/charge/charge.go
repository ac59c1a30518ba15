// Package charge computes per-transaction fees in base units of the native
// token from packed size, storage growth and signature work, scaled by the
// producer-adjustable factors.
package charge

import (
	"jmzkchain/core/types"
)

// Fixed cost model constants.
const (
	// fixedPackedOverhead covers the receipt envelope around a packed
	// transaction.
	fixedPackedOverhead = 16
	// signatureSize is the wire size of one recoverable signature.
	signatureSize = 65
	// sigVerifyCost is the cpu weight of one signature recovery.
	sigVerifyCost = 120
	// storageRowOverhead is the storage weight charged per action row.
	storageRowOverhead = 32
	// factorDenominator scales the global factor, fixed point /10000.
	factorDenominator = 10000
)

// Manager computes charges against the current chain configuration.
type Manager struct {
	cfg types.ChainConfig
}

// New creates a manager bound to a configuration snapshot.
func New(cfg types.ChainConfig) *Manager {
	return &Manager{cfg: cfg}
}

// Calculate returns the fee for a transaction given its packed byte size and
// signature count.
func (m *Manager) Calculate(trx *types.Transaction, packedSize int, sigCount int) uint32 {
	network := uint64(packedSize+fixedPackedOverhead+sigCount*signatureSize) * uint64(m.cfg.BaseNetworkChargeFactor)

	var storageBytes uint64
	for _, act := range trx.Actions {
		storageBytes += uint64(len(act.Data)) + storageRowOverhead
	}
	storage := storageBytes * uint64(m.cfg.BaseStorageChargeFactor)

	cpu := uint64(sigCount) * sigVerifyCost * uint64(m.cfg.BaseCPUChargeFactor)

	total := (network + storage + cpu) * uint64(m.cfg.GlobalChargeFactor) / factorDenominator
	if total > uint64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(total)
}
