package types

import "time"

// ChainConfig is the producer-adjustable global configuration, stored in the
// state database and updated through prodvote medians.
type ChainConfig struct {
	MaxTransactionLifetime  uint32 `json:"max_transaction_lifetime"`
	MaxAuthorityDepth       uint16 `json:"max_authority_depth"`
	BaseNetworkChargeFactor uint32 `json:"base_network_charge_factor"`
	BaseStorageChargeFactor uint32 `json:"base_storage_charge_factor"`
	BaseCPUChargeFactor     uint32 `json:"base_cpu_charge_factor"`
	GlobalChargeFactor      uint32 `json:"global_charge_factor"`
	EVTLinkExpiredSecs      uint32 `json:"evt_link_expired_secs"`
}

// DefaultChainConfig returns the genesis configuration.
func DefaultChainConfig() ChainConfig {
	return ChainConfig{
		MaxTransactionLifetime:  3600,
		MaxAuthorityDepth:       6,
		BaseNetworkChargeFactor: 10,
		BaseStorageChargeFactor: 10,
		BaseCPUChargeFactor:     10,
		GlobalChargeFactor:      10,
		EVTLinkExpiredSecs:      20,
	}
}

// Prodvote keys, the closed set of configuration knobs producers can move.
// Keys carrying the action prefix vote on an action's dispatch version
// instead of a configuration value.
const (
	ProdvoteNetworkFactor = "network-charge-factor"
	ProdvoteStorageFactor = "storage-charge-factor"
	ProdvoteCPUFactor     = "cpu-charge-factor"
	ProdvoteGlobalFactor  = "global-charge-factor"
	ProdvoteLinkExpired   = "evt-link-expired-secs"
	ProdvoteActionPrefix  = "action-"
)

// ApplyProdvote sets the knob named by key. Reports whether the key is
// known.
func (c *ChainConfig) ApplyProdvote(key string, value uint32) bool {
	switch key {
	case ProdvoteNetworkFactor:
		c.BaseNetworkChargeFactor = value
	case ProdvoteStorageFactor:
		c.BaseStorageChargeFactor = value
	case ProdvoteCPUFactor:
		c.BaseCPUChargeFactor = value
	case ProdvoteGlobalFactor:
		c.GlobalChargeFactor = value
	case ProdvoteLinkExpired:
		c.EVTLinkExpiredSecs = value
	default:
		return false
	}
	return true
}

// MaxLifetime returns the transaction lifetime bound as a duration.
func (c *ChainConfig) MaxLifetime() time.Duration {
	return time.Duration(c.MaxTransactionLifetime) * time.Second
}
