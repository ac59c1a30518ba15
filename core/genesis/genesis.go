// Package genesis defines the chain's genesis document, the chain id
// derivation and the initial token-store population.
package genesis

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"jmzkchain/core/types"
	"jmzkchain/native/common"
	"jmzkchain/storage/tokendb"
)

// Genesis is the chain's founding document. ChainID derives from its
// canonical encoding, so every field is consensus-critical.
type Genesis struct {
	InitialTimestamp     time.Time         `json:"initial_timestamp"`
	InitialKey           types.PublicKey   `json:"initial_key"`
	InitialConfiguration types.ChainConfig `json:"initial_configuration"`
}

// Default returns a genesis for local networks rooted at the given initial
// key.
func Default(initialKey types.PublicKey) *Genesis {
	return &Genesis{
		InitialTimestamp:     time.Date(2018, 5, 31, 12, 0, 0, 0, time.UTC),
		InitialKey:           initialKey,
		InitialConfiguration: types.DefaultChainConfig(),
	}
}

// Load reads a genesis document from a JSON file.
func Load(path string) (*Genesis, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis: %w", err)
	}
	var g Genesis
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("decode genesis: %w", err)
	}
	if !g.InitialKey.Valid() {
		return nil, fmt.Errorf("genesis initial key is invalid")
	}
	return &g, nil
}

// ChainID hashes the configuration and key into the chain identifier. The
// byte layout is fixed; changing it forks every network.
func (g *Genesis) ChainID() [32]byte {
	cfg, err := json.Marshal(&g.InitialConfiguration)
	if err != nil {
		panic(err)
	}
	h := sha256.New()
	h.Write(cfg)
	h.Write([]byte(g.InitialKey))
	h.Write([]byte(g.InitialTimestamp.UTC().Format(time.RFC3339)))
	var id [32]byte
	copy(id[:], h.Sum(nil))
	return id
}

// ProducerName is the founding producer slot name.
var ProducerName = types.MustName128("jmzk")

// InitialSchedule is the single-producer schedule rooted at the initial key.
func (g *Genesis) InitialSchedule() types.ProducerSchedule {
	return types.ProducerSchedule{
		Version:   0,
		Producers: []types.ProducerScheduleEntry{{Name: ProducerName, SigningKey: g.InitialKey}},
	}
}

// Block builds the genesis anchor block (block number 1).
func (g *Genesis) Block() (*types.SignedBlock, error) {
	header := types.BlockHeader{
		Timestamp: g.InitialTimestamp,
		Producer:  ProducerName,
	}
	return &types.SignedBlock{BlockHeader: header}, nil
}

// Native token supplies seeded at genesis.
var (
	evtTotalSupply  = types.Asset{Amount: 100_000_000_000_00000, Sym: types.EVTSymbol()}
	pevtTotalSupply = types.Asset{Amount: 100_000_000_000_00000, Sym: types.PEVTSymbol()}
)

// PopulateTokenDB creates the reserved domains and the native fungibles.
// Idempotence is not required; the caller runs it exactly once on an empty
// store.
func (g *Genesis) PopulateTokenDB(cache *tokendb.Cache) error {
	singleKey := func(name string) types.Permission {
		return types.Permission{
			Name:      name,
			Threshold: 1,
			Authorizers: []types.AuthorizerWeight{
				{Ref: types.AccountRef(g.InitialKey), Weight: 1},
			},
		}
	}
	frozen := func(name string) types.Permission {
		return types.Permission{Name: name, Threshold: 0}
	}

	for _, domainName := range []types.Name128{
		types.DomainDomainName,
		types.GroupDomainName,
		types.SuspendDomainName,
		types.FungibleDomainName,
	} {
		domain := types.Domain{
			Name:       domainName,
			Creator:    g.InitialKey,
			CreateTime: g.InitialTimestamp,
			Issue:      singleKey(types.PermissionIssue),
			Transfer:   frozen(types.PermissionTransfer),
			Manage:     singleKey(types.PermissionManage),
		}
		if err := tokendb.PutToken(cache, tokendb.TypeDomain, tokendb.OpAdd, nil, tokendb.KeyFromName(domainName), &domain); err != nil {
			return err
		}
	}

	evt := types.Fungible{
		Name:       types.MustName128("EVT"),
		SymName:    types.MustName128("EVT"),
		Sym:        types.EVTSymbol(),
		Creator:    g.InitialKey,
		CreateTime: g.InitialTimestamp,
		Issue:      singleKey(types.PermissionIssue),
		Transfer: types.Permission{
			Name:      types.PermissionTransfer,
			Threshold: 1,
			Authorizers: []types.AuthorizerWeight{
				{Ref: types.OwnerRef(), Weight: 1},
			},
		},
		Manage:      singleKey(types.PermissionManage),
		TotalSupply: evtTotalSupply,
	}
	pevt := types.Fungible{
		Name:       types.MustName128("PEVT"),
		SymName:    types.MustName128("PEVT"),
		Sym:        types.PEVTSymbol(),
		Creator:    g.InitialKey,
		CreateTime: g.InitialTimestamp,
		Issue:      singleKey(types.PermissionIssue),
		// The pinned twin never transfers; its permission is frozen from
		// birth.
		Transfer:    frozen(types.PermissionTransfer),
		Manage:      frozen(types.PermissionManage),
		TotalSupply: pevtTotalSupply,
	}
	for _, f := range []*types.Fungible{&evt, &pevt} {
		if err := tokendb.PutToken(cache, tokendb.TypeFungible, tokendb.OpAdd, nil, common.SymKey(f.Sym.ID), f); err != nil {
			return err
		}
		if err := common.Credit(cache, types.FungibleAddress(f.Sym.ID), f.TotalSupply, g.InitialTimestamp.Unix()); err != nil {
			return err
		}
	}
	return nil
}
