// Package authority implements the recursive satisfaction check over
// permissions, groups and keys, and records the minimal key set used.
package authority

import (
	"encoding/json"
	"errors"
	"fmt"

	"jmzkchain/core/types"
	"jmzkchain/storage/tokendb"
)

var (
	ErrUnsatisfied     = errors.New("signing keys do not satisfy the required authorization")
	ErrActionAuthorize = errors.New("action has no authorization rule")
	ErrUnknownDomain   = errors.New("domain does not exist")
	ErrUnknownToken    = errors.New("token does not exist")
	ErrUnknownGroup    = errors.New("group does not exist")
	ErrUnknownFungible = errors.New("fungible does not exist")
	ErrUnknownSuspend  = errors.New("suspend does not exist")
	ErrUnknownLock     = errors.New("lock proposal does not exist")
	ErrDepthExceeded   = errors.New("authority recursion exceeds the maximum depth")
)

// Checker runs satisfaction checks against the token store. It accumulates
// the used keys of every successful check so callers can answer
// get_required_keys.
type Checker struct {
	cache        *tokendb.Cache
	maxDepth     int
	producerKeys func() []types.PublicKey
	usedKeys     types.KeySet
}

// New builds a checker. producerKeys supplies the active schedule's signing
// keys for producer-gated actions.
func New(cache *tokendb.Cache, maxDepth int, producerKeys func() []types.PublicKey) *Checker {
	return &Checker{
		cache:        cache,
		maxDepth:     maxDepth,
		producerKeys: producerKeys,
		usedKeys:     make(types.KeySet),
	}
}

// UsedKeys returns the keys that contributed to satisfied checks, sorted.
func (c *Checker) UsedKeys() []types.PublicKey {
	return c.usedKeys.Keys()
}

func (c *Checker) use(k types.PublicKey) {
	c.usedKeys.Add(k)
}

// SatisfiesAction checks the signing keys against the requirement of one
// action. The requirement is fixed per action name.
func (c *Checker) SatisfiesAction(keys types.KeySet, act types.Action) error {
	name := act.Name.String()
	switch name {
	case "newdomain":
		return c.requirePayloadKey(keys, act, "creator")
	case "updatedomain":
		return c.requireDomainPermission(keys, act.Domain, types.PermissionManage, nil)
	case "issuetoken":
		return c.requireDomainPermission(keys, act.Domain, types.PermissionIssue, nil)
	case "transfer", "destroytoken":
		return c.requireDomainPermission(keys, act.Domain, types.PermissionTransfer, &act.Key)
	case "newgroup", "updategroup":
		return c.requireGroupKey(keys, act)
	case "addmeta":
		// Meta involvement rules are entity-specific; the handler enforces
		// them with the signing keys.
		return nil
	case "newfungible":
		return c.requirePayloadKey(keys, act, "creator")
	case "updfungible", "setpsvbonus":
		return c.requireFungiblePermission(keys, act.Key, types.PermissionManage)
	case "issuefungible":
		return c.requireFungiblePermission(keys, act.Key, types.PermissionIssue)
	case "transferft", "evt2pevt":
		return c.requirePayloadAddressKey(keys, act, "from")
	case "recycleft", "destroyft":
		return c.requirePayloadAddressKey(keys, act, "address")
	case "newsuspend":
		return c.requirePayloadKey(keys, act, "proposer")
	case "cancelsuspend":
		return c.requireSuspendProposer(keys, act)
	case "execsuspend":
		return c.requirePayloadKey(keys, act, "executor")
	case "aprvsuspend", "aprvlock", "distpsvbonus", "everipass", "everipay":
		// Authorization is carried in the payload itself (collected
		// signatures or link signatures) and checked by the handler.
		return nil
	case "newlock":
		return c.requirePayloadKey(keys, act, "proposer")
	case "tryunlock":
		return c.requirePayloadKey(keys, act, "executor")
	case "prodvote":
		return c.requirePayloadKey(keys, act, "producer")
	case "updsched", "newstakepool", "updstakepool", "newscript", "updscript", "blackaddr":
		return c.requireProducerKey(keys)
	case "newvalidator":
		return c.requirePayloadKey(keys, act, "creator")
	case "staketkns", "unstaketkns", "toactivetkns":
		return c.requirePayloadAddressKey(keys, act, "staker")
	case "valiwithdraw":
		return c.requireValidatorPermission(keys, act.Key, "withdraw")
	case "recvstkbonus":
		return c.requireValidatorPermission(keys, act.Key, types.PermissionManage)
	case "paycharge":
		// Implicit action, never authorized from signatures.
		return nil
	}
	return fmt.Errorf("%w: %s", ErrActionAuthorize, name)
}

// --- requirement helpers ---

func (c *Checker) requirePayloadKey(keys types.KeySet, act types.Action, field string) error {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(act.Data, &payload); err != nil {
		return fmt.Errorf("%w: %v", ErrActionAuthorize, err)
	}
	raw, ok := payload[field]
	if !ok {
		return fmt.Errorf("%w: %s payload lacks %q", ErrActionAuthorize, act.Name, field)
	}
	var key types.PublicKey
	if err := json.Unmarshal(raw, &key); err != nil {
		return fmt.Errorf("%w: %v", ErrActionAuthorize, err)
	}
	if !keys.Contains(key) {
		return fmt.Errorf("%w: %s must be signed by %s", ErrUnsatisfied, act.Name, key)
	}
	c.use(key)
	return nil
}

func (c *Checker) requirePayloadAddressKey(keys types.KeySet, act types.Action, field string) error {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(act.Data, &payload); err != nil {
		return fmt.Errorf("%w: %v", ErrActionAuthorize, err)
	}
	raw, ok := payload[field]
	if !ok {
		return fmt.Errorf("%w: %s payload lacks %q", ErrActionAuthorize, act.Name, field)
	}
	var addr types.Address
	if err := json.Unmarshal(raw, &addr); err != nil {
		return fmt.Errorf("%w: %v", ErrActionAuthorize, err)
	}
	key, ok := addr.PublicKey()
	if !ok {
		return fmt.Errorf("%w: %s %q is not a key address", ErrUnsatisfied, act.Name, field)
	}
	if !keys.Contains(key) {
		return fmt.Errorf("%w: %s must be signed by the %q address", ErrUnsatisfied, act.Name, field)
	}
	c.use(key)
	return nil
}

func (c *Checker) requireProducerKey(keys types.KeySet) error {
	for _, pk := range c.producerKeys() {
		if keys.Contains(pk) {
			c.use(pk)
			return nil
		}
	}
	return fmt.Errorf("%w: requires an active producer signature", ErrUnsatisfied)
}

func (c *Checker) requireDomainPermission(keys types.KeySet, domainName types.Name128, permName string, tokenName *types.Name128) error {
	domain, err := tokendb.ReadToken[types.Domain](c.cache, tokendb.TypeDomain, nil, tokendb.KeyFromName(domainName))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownDomain, domainName)
	}
	perm, err := domain.Permission(permName)
	if err != nil {
		return err
	}
	var owners func() ([]types.Address, error)
	if tokenName != nil {
		owners = func() ([]types.Address, error) {
			token, err := tokendb.ReadToken[types.Token](c.cache, tokendb.TypeToken, &domainName, tokendb.KeyFromName(*tokenName))
			if err != nil {
				return nil, fmt.Errorf("%w: %s in %s", ErrUnknownToken, *tokenName, domainName)
			}
			return token.Owner, nil
		}
	}
	return c.satisfiesPermission(keys, perm, owners)
}

func (c *Checker) requireFungiblePermission(keys types.KeySet, symKey types.Name128, permName string) error {
	fungible, err := tokendb.ReadToken[types.Fungible](c.cache, tokendb.TypeFungible, nil, tokendb.KeyFromName(symKey))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownFungible, symKey)
	}
	perm, err := fungible.Permission(permName)
	if err != nil {
		return err
	}
	return c.satisfiesPermission(keys, perm, nil)
}

func (c *Checker) requireValidatorPermission(keys types.KeySet, name types.Name128, permName string) error {
	validator, err := tokendb.ReadToken[types.Validator](c.cache, tokendb.TypeValidator, nil, tokendb.KeyFromName(name))
	if err != nil {
		return fmt.Errorf("%w: %s", types.ErrUnknownValidator, name)
	}
	perm, ok := validator.Permission(permName)
	if !ok {
		return fmt.Errorf("validator %s has no permission %q", name, permName)
	}
	return c.satisfiesPermission(keys, perm, nil)
}

func (c *Checker) requireGroupKey(keys types.KeySet, act types.Action) error {
	// On create the key comes from the payload; on update from the stored
	// group. Both must match the action key name.
	if act.Name.String() == "newgroup" {
		var payload struct {
			Group types.Group `json:"group"`
		}
		if err := json.Unmarshal(act.Data, &payload); err != nil {
			return fmt.Errorf("%w: %v", ErrActionAuthorize, err)
		}
		if !keys.Contains(payload.Group.Key) {
			return fmt.Errorf("%w: newgroup must be signed by the group key", ErrUnsatisfied)
		}
		c.use(payload.Group.Key)
		return nil
	}
	group, err := tokendb.ReadToken[types.Group](c.cache, tokendb.TypeGroup, nil, tokendb.KeyFromName(act.Key))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownGroup, act.Key)
	}
	if !keys.Contains(group.Key) {
		return fmt.Errorf("%w: updategroup must be signed by the group key", ErrUnsatisfied)
	}
	c.use(group.Key)
	return nil
}

func (c *Checker) requireSuspendProposer(keys types.KeySet, act types.Action) error {
	suspend, err := tokendb.ReadToken[types.Suspend](c.cache, tokendb.TypeSuspend, nil, tokendb.KeyFromName(act.Key))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownSuspend, act.Key)
	}
	if !keys.Contains(suspend.Proposer) {
		return fmt.Errorf("%w: cancelsuspend must be signed by the proposer", ErrUnsatisfied)
	}
	c.use(suspend.Proposer)
	return nil
}

// satisfiesPermission computes the weighted sum of satisfied authorizers and
// compares it to the threshold. A zero threshold means frozen and never
// satisfies.
func (c *Checker) satisfiesPermission(keys types.KeySet, perm types.Permission, owners func() ([]types.Address, error)) error {
	if perm.Threshold == 0 {
		return fmt.Errorf("%w: permission %q is frozen", ErrUnsatisfied, perm.Name)
	}
	var total uint64
	for _, aw := range perm.Authorizers {
		satisfied, err := c.satisfiesRef(keys, aw.Ref, owners)
		if err != nil {
			return err
		}
		if satisfied {
			total += uint64(aw.Weight)
			if total >= uint64(perm.Threshold) {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: permission %q", ErrUnsatisfied, perm.Name)
}

func (c *Checker) satisfiesRef(keys types.KeySet, ref types.AuthorizerRef, owners func() ([]types.Address, error)) (bool, error) {
	switch {
	case ref.IsAccount():
		if keys.Contains(ref.Key) {
			c.use(ref.Key)
			return true, nil
		}
		return false, nil
	case ref.IsOwner():
		if owners == nil {
			return false, fmt.Errorf("%w: owner sentinel outside a transfer permission", ErrActionAuthorize)
		}
		ownerAddrs, err := owners()
		if err != nil {
			return false, err
		}
		var used []types.PublicKey
		for _, addr := range ownerAddrs {
			key, ok := addr.PublicKey()
			if !ok || !keys.Contains(key) {
				return false, nil
			}
			used = append(used, key)
		}
		for _, k := range used {
			c.use(k)
		}
		return len(used) > 0, nil
	case ref.IsGroup():
		group, err := tokendb.ReadToken[types.Group](c.cache, tokendb.TypeGroup, nil, tokendb.KeyFromName(ref.Group))
		if err != nil {
			return false, fmt.Errorf("%w: %s", ErrUnknownGroup, ref.Group)
		}
		return c.satisfiesGroupNode(keys, group.Root, c.maxDepth)
	}
	return false, fmt.Errorf("%w: malformed authorizer", ErrActionAuthorize)
}

func (c *Checker) satisfiesGroupNode(keys types.KeySet, node types.GroupNode, depthLeft int) (bool, error) {
	if depthLeft <= 0 {
		return false, ErrDepthExceeded
	}
	if node.IsLeaf() {
		if keys.Contains(node.Key) {
			c.use(node.Key)
			return true, nil
		}
		return false, nil
	}
	var total uint64
	for _, child := range node.Nodes {
		ok, err := c.satisfiesGroupNode(keys, child, depthLeft-1)
		if err != nil {
			return false, err
		}
		if ok {
			total += uint64(child.Weight)
			if total >= uint64(node.Threshold) {
				return true, nil
			}
		}
	}
	return false, nil
}
