package execctx

import (
	"testing"

	"github.com/stretchr/testify/require"

	"jmzkchain/core/types"
)

func TestRegistryVersioning(t *testing.T) {
	r := NewRegistry()
	name := types.MustName128("demo")
	var ran int
	r.Register(name, "demo", 1, func(ctx *ApplyContext) error { ran = 1; return nil })
	r.Register(name, "demo", 2, func(ctx *ApplyContext) error { ran = 2; return nil })

	v, err := r.CurrentVersion(name)
	require.NoError(t, err)
	require.Equal(t, 1, v)

	ctx := &ApplyContext{Action: types.Action{Name: name}}
	require.NoError(t, r.Apply(ctx))
	require.Equal(t, 1, ran)

	// A producer-vote upgrade moves the current version inside the window.
	require.NoError(t, r.SetVersion(name, 2))
	require.NoError(t, r.Apply(ctx))
	require.Equal(t, 2, ran)

	require.ErrorIs(t, r.SetVersion(name, 3), ErrVersionRange)
	require.ErrorIs(t, r.SetVersion(types.MustName128("ghost"), 1), ErrUnknownAction)

	ctx.Action.Name = types.MustName128("ghost")
	require.ErrorIs(t, r.Apply(ctx), ErrUnknownAction)
}

func TestDecodeStrict(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}
	var p payload
	require.NoError(t, DecodeStrict([]byte(`{"name":"x"}`), &p))
	require.Equal(t, "x", p.Name)

	// Unknown fields mean the payload was built against a newer type
	// version; it must not decode against this one.
	require.ErrorIs(t, DecodeStrict([]byte(`{"name":"x","memo":"y"}`), &p), ErrRawUnpack)
	// Trailing bytes after the payload are a decode error too.
	require.ErrorIs(t, DecodeStrict([]byte(`{"name":"x"}{"more":1}`), &p), ErrRawUnpack)
}
