package types

import (
	"errors"
	"fmt"
)

var ErrGroupType = errors.New("group tree is malformed")

// GroupNode is one node of a group's recursive weighted tree. A leaf carries
// a key; a branch carries a threshold and children. Weight is how much the
// node contributes to its parent when satisfied (unused on the root).
type GroupNode struct {
	Threshold uint32      `json:"threshold,omitempty"`
	Weight    uint32      `json:"weight,omitempty"`
	Key       PublicKey   `json:"key,omitempty"`
	Nodes     []GroupNode `json:"nodes,omitempty"`
}

// IsLeaf reports whether the node carries a key rather than children.
func (n GroupNode) IsLeaf() bool { return len(n.Nodes) == 0 }

// Group is a named recursive weighted key tree. Key authorizes updates to the
// group itself.
type Group struct {
	Name  Name128   `json:"name"`
	Key   PublicKey `json:"key"`
	Root  GroupNode `json:"root"`
	Metas []Meta    `json:"metas,omitempty"`
}

// Validate checks the whole tree: every branch threshold is positive and
// reachable by its children's weights, every leaf has a valid key, depth is
// bounded by maxDepth.
func (g Group) Validate(maxDepth int) error {
	if g.Name.Empty() {
		return fmt.Errorf("%w: group has no name", ErrGroupType)
	}
	if !g.Key.Valid() {
		return fmt.Errorf("%w: group %s has invalid key", ErrGroupType, g.Name)
	}
	if g.Root.IsLeaf() {
		return fmt.Errorf("%w: group %s root has no children", ErrGroupType, g.Name)
	}
	return validateGroupNode(g.Root, true, maxDepth)
}

func validateGroupNode(n GroupNode, isRoot bool, depthLeft int) error {
	if depthLeft <= 0 {
		return fmt.Errorf("%w: tree exceeds maximum depth", ErrGroupType)
	}
	if !isRoot && n.Weight == 0 {
		return fmt.Errorf("%w: non-root node with zero weight", ErrGroupType)
	}
	if n.IsLeaf() {
		if !n.Key.Valid() {
			return fmt.Errorf("%w: leaf with invalid key", ErrGroupType)
		}
		if n.Threshold != 0 {
			return fmt.Errorf("%w: leaf with threshold", ErrGroupType)
		}
		return nil
	}
	if len(n.Key) != 0 {
		return fmt.Errorf("%w: branch with key", ErrGroupType)
	}
	if n.Threshold == 0 {
		return fmt.Errorf("%w: branch with zero threshold", ErrGroupType)
	}
	var total uint64
	for _, child := range n.Nodes {
		if err := validateGroupNode(child, false, depthLeft-1); err != nil {
			return err
		}
		total += uint64(child.Weight)
	}
	if total < uint64(n.Threshold) {
		return fmt.Errorf("%w: branch children weights sum below threshold", ErrGroupType)
	}
	return nil
}
