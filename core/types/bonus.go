package types

import (
	"errors"
	"time"
)

var (
	ErrBonusRules    = errors.New("passive bonus rules are invalid")
	ErrBonusMethod   = errors.New("passive bonus method is invalid")
	ErrBonusCharge   = errors.New("passive bonus charge configuration is invalid")
	ErrBonusNotReady = errors.New("accumulated bonus is below the distribution threshold")
	ErrBonusRound    = errors.New("passive bonus round mismatch")
)

// Passive bonus rule kinds, ordered: every fixed rule precedes every percent
// rule, which precedes every remaining-percent rule.
const (
	BonusRuleFixed            = "fixed"
	BonusRulePercent          = "percent"
	BonusRuleRemainingPercent = "remaining_percent"
)

// Bonus receiver kinds.
const (
	BonusReceiverAddress   = "address"
	BonusReceiverFtHolders = "ftholders"
)

// BonusReceiver is either a concrete address or a pro-rata split over the
// holders of a fungible at the round snapshot, restricted to holders at or
// above Threshold.
type BonusReceiver struct {
	Kind      string   `json:"kind"`
	Address   *Address `json:"address,omitempty"`
	Threshold *Asset   `json:"threshold,omitempty"`
}

// Validate checks the tag and its payload.
func (r BonusReceiver) Validate() error {
	switch r.Kind {
	case BonusReceiverAddress:
		if r.Address == nil || r.Address.IsReserved() {
			return ErrBonusRules
		}
	case BonusReceiverFtHolders:
		if r.Threshold == nil || r.Threshold.Amount <= 0 {
			return ErrBonusRules
		}
	default:
		return ErrBonusRules
	}
	return nil
}

// BonusRule is one distribution rule. Fixed rules carry an absolute Amount;
// percent and remaining-percent rules carry a rate applied to the remainder
// at their stage.
type BonusRule struct {
	Kind     string        `json:"kind"`
	Receiver BonusReceiver `json:"receiver"`
	Amount   *Asset        `json:"amount,omitempty"`
	Rate     *Percent      `json:"rate,omitempty"`
}

// ruleStage orders rule kinds: fixed < percent < remaining_percent.
func (r BonusRule) ruleStage() int {
	switch r.Kind {
	case BonusRuleFixed:
		return 0
	case BonusRulePercent:
		return 1
	case BonusRuleRemainingPercent:
		return 2
	}
	return 3
}

// ValidateBonusRules checks each rule and the fixed<percent<remaining order.
func ValidateBonusRules(rules []BonusRule) error {
	if len(rules) == 0 {
		return ErrBonusRules
	}
	stage := 0
	for _, r := range rules {
		s := r.ruleStage()
		if s > 2 {
			return ErrBonusRules
		}
		if s < stage {
			return ErrBonusRules
		}
		stage = s
		if err := r.Receiver.Validate(); err != nil {
			return err
		}
		switch r.Kind {
		case BonusRuleFixed:
			if r.Amount == nil || r.Amount.Amount <= 0 {
				return ErrBonusRules
			}
		default:
			if r.Rate == nil || *r.Rate == 0 {
				return ErrBonusRules
			}
		}
	}
	return nil
}

// Bonus charge methods: whether the collected fee comes out of the moved
// amount or on top of it.
type BonusMethodKind string

const (
	BonusWithinAmount  BonusMethodKind = "within_amount"
	BonusOutsideAmount BonusMethodKind = "outside_amount"
)

// BonusMethod binds a charging method to one action name.
type BonusMethod struct {
	Action Name128         `json:"action"`
	Method BonusMethodKind `json:"method"`
}

// PassiveBonus is the per-fungible fee schedule: a rate over moved amounts,
// clamped by optional minimum and maximum charges, accumulated into the
// bonus-holding address and distributed by the rules once the threshold is
// reached.
type PassiveBonus struct {
	SymID           uint32        `json:"sym_id"`
	Rate            Percent       `json:"rate"`
	BaseCharge      Asset         `json:"base_charge"`
	ChargeThreshold *Asset        `json:"charge_threshold,omitempty"`
	MinimumCharge   *Asset        `json:"minimum_charge,omitempty"`
	DistThreshold   Asset         `json:"dist_threshold"`
	Rules           []BonusRule   `json:"rules"`
	Methods         []BonusMethod `json:"methods"`
	Round           uint32        `json:"round"`
	Deadline        time.Time     `json:"deadline"`
}

// MethodFor returns the charge method registered for the action, if any.
func (b *PassiveBonus) MethodFor(action Name128) (BonusMethodKind, bool) {
	for _, m := range b.Methods {
		if m.Action == action {
			return m.Method, true
		}
	}
	return "", false
}

// Charge computes the fee for moving amount under this schedule:
// base_charge + amount*rate, raised to minimum_charge and capped by
// charge_threshold when configured.
func (b *PassiveBonus) Charge(amount int64) int64 {
	charge := b.BaseCharge.Amount + b.Rate.Apply(amount)
	if b.MinimumCharge != nil && charge < b.MinimumCharge.Amount {
		charge = b.MinimumCharge.Amount
	}
	if b.ChargeThreshold != nil && charge > b.ChargeThreshold.Amount {
		charge = b.ChargeThreshold.Amount
	}
	return charge
}

// BonusDistribution snapshots one distribution round under its own nonced
// key.
type BonusDistribution struct {
	SymID    uint32      `json:"sym_id"`
	Round    uint32      `json:"round"`
	Total    Asset       `json:"total"`
	Rules    []BonusRule `json:"rules"`
	Deadline time.Time   `json:"deadline"`
}
