// Package common holds the balance plumbing every action family shares:
// typed property reads and writes over the assets overlay with checked
// arithmetic.
package common

import (
	"encoding/json"
	"errors"
	"fmt"

	"jmzkchain/core/types"
	"jmzkchain/storage/tokendb"
)

var (
	ErrBalanceLow   = errors.New("balance too low")
	ErrFrozenFunds  = errors.New("funds are frozen")
	ErrSelfTransfer = errors.New("sender and receiver are the same address")
)

// ReadProperty loads the balance record of (addr, sym). A missing record
// yields a zero property carrying the symbol.
func ReadProperty(cache *tokendb.Cache, addr types.Address, sym types.Symbol) (*types.PropertyStakes, error) {
	raw, err := cache.DB().ReadAsset(addr, sym.ID, true)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return &types.PropertyStakes{Property: types.Property{Sym: sym}}, nil
	}
	var prop types.PropertyStakes
	if err := json.Unmarshal(raw, &prop); err != nil {
		return nil, fmt.Errorf("decode property: %w", err)
	}
	return &prop, nil
}

// SaveProperty writes a balance record through the assets overlay.
func SaveProperty(cache *tokendb.Cache, addr types.Address, prop *types.PropertyStakes) error {
	raw, err := json.Marshal(prop)
	if err != nil {
		return fmt.Errorf("encode property: %w", err)
	}
	return cache.DB().PutAsset(addr, prop.Sym.ID, raw)
}

// Credit adds the amount to addr, creating the record on first touch.
// createdAt stamps a fresh record.
func Credit(cache *tokendb.Cache, addr types.Address, amount types.Asset, createdAt int64) error {
	prop, err := ReadProperty(cache, addr, amount.Sym)
	if err != nil {
		return err
	}
	if prop.CreatedAt == 0 {
		prop.CreatedAt = createdAt
	}
	sum, err := types.Asset{Amount: prop.Amount, Sym: prop.Sym}.Add(amount)
	if err != nil {
		return err
	}
	prop.Amount = sum.Amount
	return SaveProperty(cache, addr, prop)
}

// Debit removes the amount from addr, rejecting overdrafts and frozen
// balances.
func Debit(cache *tokendb.Cache, addr types.Address, amount types.Asset) error {
	prop, err := ReadProperty(cache, addr, amount.Sym)
	if err != nil {
		return err
	}
	available := prop.Amount - prop.Frozen
	if available < amount.Amount {
		return fmt.Errorf("%w: %s has %s available, needs %s",
			ErrBalanceLow, addr, types.Asset{Amount: available, Sym: amount.Sym}, amount)
	}
	diff, err := types.Asset{Amount: prop.Amount, Sym: prop.Sym}.Sub(amount)
	if err != nil {
		return err
	}
	prop.Amount = diff.Amount
	return SaveProperty(cache, addr, prop)
}

// Transfer moves the amount between distinct addresses.
func Transfer(cache *tokendb.Cache, from, to types.Address, amount types.Asset, createdAt int64) error {
	if from.Equal(to) {
		return ErrSelfTransfer
	}
	if err := Debit(cache, from, amount); err != nil {
		return err
	}
	return Credit(cache, to, amount, createdAt)
}

// Balance returns the spendable amount of (addr, sym).
func Balance(cache *tokendb.Cache, addr types.Address, sym types.Symbol) (types.Asset, error) {
	prop, err := ReadProperty(cache, addr, sym)
	if err != nil {
		return types.Asset{}, err
	}
	return types.Asset{Amount: prop.Amount - prop.Frozen, Sym: sym}, nil
}
