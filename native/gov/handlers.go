// Package gov implements the producer-governance handlers: configuration
// votes, schedule proposals, the script registry and address blacklisting.
package gov

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"jmzkchain/core/execctx"
	"jmzkchain/core/types"
	"jmzkchain/storage/tokendb"
)

var (
	ErrNotProducer     = errors.New("voter is not an active producer")
	ErrProdvoteKey     = errors.New("prodvote key is not recognized")
	ErrProdvoteValue   = errors.New("prodvote value is out of range")
	ErrScriptDuplicate = errors.New("script already exists")
	ErrUnknownScript   = errors.New("script does not exist")
)

// Register wires the family into the action registry.
func Register(r *execctx.Registry) {
	r.Register(types.MustName128("prodvote"), "prodvote", 1, applyProdvote)
	r.Register(types.MustName128("updsched"), "updsched", 1, applyUpdSched)
	r.Register(types.MustName128("newscript"), "newscript", 1, applyNewScript)
	r.Register(types.MustName128("updscript"), "updscript", 1, applyUpdScript)
	r.Register(types.MustName128("blackaddr"), "blackaddr", 1, applyBlackAddr)
}

type prodvotePayload struct {
	Producer types.PublicKey `json:"producer"`
	Key      string          `json:"key"`
	Value    uint32          `json:"value"`
}

// voteTally is the per-knob ballot box, keyed by producer key.
type voteTally struct {
	Votes map[string]uint32 `json:"votes"`
}

var prodvoteKeys = map[string]struct{}{
	types.ProdvoteNetworkFactor: {},
	types.ProdvoteStorageFactor: {},
	types.ProdvoteCPUFactor:     {},
	types.ProdvoteGlobalFactor:  {},
	types.ProdvoteLinkExpired:   {},
}

func applyProdvote(ctx *execctx.ApplyContext) error {
	var act prodvotePayload
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	isActionKey := strings.HasPrefix(act.Key, types.ProdvoteActionPrefix)
	if _, ok := prodvoteKeys[act.Key]; !ok && !isActionKey {
		return fmt.Errorf("%w: %q", ErrProdvoteKey, act.Key)
	}
	if act.Value == 0 || act.Value >= 1_000_000 {
		return fmt.Errorf("%w: %d", ErrProdvoteValue, act.Value)
	}
	schedule := ctx.Control.ActiveProducers()
	isProducer := false
	for _, p := range schedule.Producers {
		if p.SigningKey.Equal(act.Producer) {
			isProducer = true
			break
		}
	}
	if !isProducer {
		return fmt.Errorf("%w: %s", ErrNotProducer, act.Producer)
	}

	keyName, err := types.NewName128(act.Key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProdvoteKey, err)
	}
	tally, err := tokendb.ReadTokenNoThrow[voteTally](ctx.Cache, tokendb.TypeProdvote, nil, tokendb.KeyFromName(keyName))
	if err != nil {
		return err
	}
	op := tokendb.OpUpdate
	if tally == nil {
		tally = &voteTally{Votes: make(map[string]uint32)}
		op = tokendb.OpAdd
	}
	updated := voteTally{Votes: make(map[string]uint32, len(tally.Votes)+1)}
	for k, v := range tally.Votes {
		updated.Votes[k] = v
	}
	updated.Votes[act.Producer.String()] = act.Value
	if err := tokendb.PutToken(ctx.Cache, tokendb.TypeProdvote, op, nil, tokendb.KeyFromName(keyName), &updated); err != nil {
		return err
	}

	// Apply the median once a 2/3 supermajority of active producers voted.
	n := len(schedule.Producers)
	quorum := (2*n + 2) / 3
	voted := 0
	values := make([]uint32, 0, len(updated.Votes))
	for _, p := range schedule.Producers {
		if v, ok := updated.Votes[p.SigningKey.String()]; ok {
			voted++
			values = append(values, v)
		}
	}
	if voted < quorum {
		return nil
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	var median uint32
	if len(values)%2 == 1 {
		median = values[len(values)/2]
	} else {
		median = (values[len(values)/2-1] + values[len(values)/2]) / 2
	}
	if isActionKey {
		// Action keys upgrade dispatch versions instead of moving a
		// configuration knob.
		actionName, err := types.NewName128(strings.TrimPrefix(act.Key, types.ProdvoteActionPrefix))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProdvoteKey, err)
		}
		return ctx.Control.SetActionVersion(actionName, int(median))
	}
	cfg := ctx.Control.ChainConfig()
	if !cfg.ApplyProdvote(act.Key, median) {
		return fmt.Errorf("%w: %q", ErrProdvoteKey, act.Key)
	}
	return ctx.Control.SetChainConfig(cfg)
}

type updSchedPayload struct {
	Producers []types.ProducerScheduleEntry `json:"producers"`
}

func applyUpdSched(ctx *execctx.ApplyContext) error {
	var act updSchedPayload
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	if len(act.Producers) == 0 {
		return fmt.Errorf("schedule proposal names no producers")
	}
	seen := make(map[types.Name128]struct{}, len(act.Producers))
	for _, p := range act.Producers {
		if p.Name.Empty() || !p.SigningKey.Valid() {
			return fmt.Errorf("schedule entry for %s is malformed", p.Name)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("schedule lists %s twice", p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	next := ctx.Control.ActiveProducers().Version + 1
	return ctx.Control.ProposeSchedule(types.ProducerSchedule{Version: next, Producers: act.Producers})
}

// Script is a stored state script, addressable by name.
type Script struct {
	Name    types.Name128   `json:"name"`
	Content string          `json:"content"`
	Creator types.PublicKey `json:"creator"`
}

type scriptPayload struct {
	Name    types.Name128   `json:"name"`
	Content string          `json:"content"`
	Creator types.PublicKey `json:"creator,omitempty"`
}

func applyNewScript(ctx *execctx.ApplyContext) error {
	var act scriptPayload
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	if act.Name.Empty() || act.Name.Reserved() {
		return fmt.Errorf("%w: %s", types.ErrNameReserved, act.Name)
	}
	exists, err := ctx.Cache.DB().ExistsToken(tokendb.TypeScript, nil, tokendb.KeyFromName(act.Name))
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrScriptDuplicate, act.Name)
	}
	script := Script{Name: act.Name, Content: act.Content, Creator: act.Creator}
	return tokendb.PutToken(ctx.Cache, tokendb.TypeScript, tokendb.OpAdd, nil, tokendb.KeyFromName(act.Name), &script)
}

func applyUpdScript(ctx *execctx.ApplyContext) error {
	var act scriptPayload
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	script, err := tokendb.ReadToken[Script](ctx.Cache, tokendb.TypeScript, nil, tokendb.KeyFromName(act.Name))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownScript, act.Name)
	}
	updated := *script
	updated.Content = act.Content
	return tokendb.PutToken(ctx.Cache, tokendb.TypeScript, tokendb.OpUpdate, nil, tokendb.KeyFromName(act.Name), &updated)
}

// Blacklist is the validator address blacklist, a singleton record.
type Blacklist struct {
	Addrs []types.Address `json:"addrs"`
}

var blacklistKey = types.MustName128("blacklist")

type blackAddrPayload struct {
	Addrs []types.Address `json:"addrs"`
}

func applyBlackAddr(ctx *execctx.ApplyContext) error {
	var act blackAddrPayload
	if err := execctx.DecodeStrict(ctx.Action.Data, &act); err != nil {
		return err
	}
	if len(act.Addrs) == 0 {
		return fmt.Errorf("blackaddr lists no addresses")
	}
	for _, a := range act.Addrs {
		if a.IsReserved() {
			return types.ErrAddressReserved
		}
	}
	list, err := tokendb.ReadTokenNoThrow[Blacklist](ctx.Cache, tokendb.TypeScript, nil, tokendb.KeyFromName(blacklistKey))
	if err != nil {
		return err
	}
	op := tokendb.OpUpdate
	if list == nil {
		list = &Blacklist{}
		op = tokendb.OpAdd
	}
	updated := Blacklist{Addrs: append([]types.Address(nil), list.Addrs...)}
	for _, a := range act.Addrs {
		dup := false
		for _, existing := range updated.Addrs {
			if existing.Equal(a) {
				dup = true
				break
			}
		}
		if !dup {
			updated.Addrs = append(updated.Addrs, a)
		}
	}
	return tokendb.PutToken(ctx.Cache, tokendb.TypeScript, op, nil, tokendb.KeyFromName(blacklistKey), &updated)
}
