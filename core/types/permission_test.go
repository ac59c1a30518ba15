package types

import "testing"

func TestPermissionValidate(t *testing.T) {
	k1 := testKey(1)
	good := Permission{
		Name:      PermissionIssue,
		Threshold: 1,
		Authorizers: []AuthorizerWeight{
			{Ref: AccountRef(k1), Weight: 1},
		},
	}
	if err := good.Validate(false, false); err != nil {
		t.Fatal(err)
	}

	zero := Permission{Name: PermissionIssue, Threshold: 0}
	if err := zero.Validate(false, false); err == nil {
		t.Fatal("zero threshold must be rejected outside manage")
	}
	if err := zero.Validate(true, false); err != nil {
		t.Fatalf("frozen manage must be accepted: %v", err)
	}

	owner := Permission{
		Name:      PermissionIssue,
		Threshold: 1,
		Authorizers: []AuthorizerWeight{
			{Ref: OwnerRef(), Weight: 1},
		},
	}
	if err := owner.Validate(false, false); err == nil {
		t.Fatal("owner sentinel outside transfer must be rejected")
	}
	owner.Name = PermissionTransfer
	if err := owner.Validate(false, true); err != nil {
		t.Fatalf("owner sentinel in transfer must be accepted: %v", err)
	}

	short := Permission{
		Name:      PermissionIssue,
		Threshold: 5,
		Authorizers: []AuthorizerWeight{
			{Ref: AccountRef(k1), Weight: 1},
		},
	}
	if err := short.Validate(false, false); err == nil {
		t.Fatal("unreachable threshold must be rejected")
	}

	dup := Permission{
		Name:      PermissionIssue,
		Threshold: 1,
		Authorizers: []AuthorizerWeight{
			{Ref: AccountRef(k1), Weight: 1},
			{Ref: AccountRef(k1), Weight: 1},
		},
	}
	if err := dup.Validate(false, false); err == nil {
		t.Fatal("duplicate authorizer must be rejected")
	}
}

func TestGroupValidate(t *testing.T) {
	k1, k2 := testKey(1), testKey(2)
	group := Group{
		Name: MustName128("grp"),
		Key:  k1,
		Root: GroupNode{
			Threshold: 2,
			Nodes: []GroupNode{
				{Key: k1, Weight: 1},
				{Key: k2, Weight: 1},
			},
		},
	}
	if err := group.Validate(6); err != nil {
		t.Fatal(err)
	}

	group.Root.Threshold = 3
	if err := group.Validate(6); err == nil {
		t.Fatal("branch threshold above child weights must be rejected")
	}
	group.Root.Threshold = 2

	deep := GroupNode{Threshold: 1, Weight: 1, Nodes: []GroupNode{{Key: k1, Weight: 1}}}
	for i := 0; i < 8; i++ {
		deep = GroupNode{Threshold: 1, Weight: 1, Nodes: []GroupNode{deep}}
	}
	deep.Weight = 0
	group.Root = deep
	if err := group.Validate(6); err == nil {
		t.Fatal("depth above the maximum must be rejected")
	}
}
