package types

import (
	"errors"
	"time"
)

var (
	ErrUnknownValidator   = errors.New("validator does not exist")
	ErrValidatorUnits     = errors.New("stake units are invalid")
	ErrStakePoolExists    = errors.New("stake pool already exists")
	ErrUnknownStakePool   = errors.New("stake pool does not exist")
	ErrStakeBelowPurchase = errors.New("stake amount below the pool purchase threshold")
	ErrStakePending       = errors.New("pending shares are not settleable yet")
)

// NetValuePrecision scales validator net values: a net value of
// 1.00000 is stored as 100000.
const NetValuePrecision int64 = 100000

// Validator is a staking target. TotalUnits counts outstanding stake shares;
// CurrentNetValue is the per-unit price in native-token base units scaled by
// NetValuePrecision.
type Validator struct {
	Name            Name128    `json:"name"`
	Creator         PublicKey  `json:"creator"`
	CreateTime      time.Time  `json:"create_time"`
	Signer          PublicKey  `json:"signer"`
	Withdraw        Permission `json:"withdraw"`
	Manage          Permission `json:"manage"`
	Commission      Percent    `json:"commission"`
	InitialNetValue int64      `json:"initial_net_value"`
	CurrentNetValue int64      `json:"current_net_value"`
	TotalUnits      int64      `json:"total_units"`
	LastBonusTime   time.Time  `json:"last_bonus_time"`
}

// Permission returns the named permission slot.
func (v *Validator) Permission(name string) (Permission, bool) {
	switch name {
	case "withdraw":
		return v.Withdraw, true
	case PermissionManage:
		return v.Manage, true
	}
	return Permission{}, false
}

// StakePool holds the chain-wide staking parameters of one symbol. The
// demand_* parameters shape the time-geometric yield curve for demand
// (active) staking; fixed_r/t shape fixed-term staking.
type StakePool struct {
	SymID             uint32    `json:"sym_id"`
	BeginTime         time.Time `json:"begin_time"`
	PurchaseThreshold Asset     `json:"purchase_threshold"`
	DemandR           int64     `json:"demand_r"`
	DemandT           int64     `json:"demand_t"`
	DemandQ           int64     `json:"demand_q"`
	DemandW           int64     `json:"demand_w"`
	FixedR            int64     `json:"fixed_r"`
	FixedT            int64     `json:"fixed_t"`
	Total             Asset     `json:"total"`
}
