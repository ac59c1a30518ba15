// Package native assembles the closed action set into one registry.
package native

import (
	"jmzkchain/core/execctx"
	"jmzkchain/native/bonus"
	"jmzkchain/native/evtlink"
	"jmzkchain/native/fungible"
	"jmzkchain/native/gov"
	"jmzkchain/native/lock"
	"jmzkchain/native/staking"
	"jmzkchain/native/suspend"
	"jmzkchain/native/token"
)

// NewRegistry builds the full action registry with every family wired in.
func NewRegistry() *execctx.Registry {
	r := execctx.NewRegistry()
	token.Register(r)
	fungible.Register(r)
	suspend.Register(r)
	lock.Register(r)
	bonus.Register(r)
	staking.Register(r)
	evtlink.Register(r)
	gov.Register(r)
	return r
}
