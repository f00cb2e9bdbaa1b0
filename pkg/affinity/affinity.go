// Package affinity binds a session to a single owner at a time. Go has no
// addressable thread identity, so an owner is an opaque token minted by
// NewOwner and carried in a context.Context down the call chain. A session
// checks the token of every call against the owner it was activated by.
package affinity

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/ajitpratap0/nebuladb/pkg/errors"
)

// Owner identifies one logical thread of control. The zero Owner means
// "no owner".
type Owner uint64

var lastOwner atomic.Uint64

// NewOwner returns a process-unique owner token.
func NewOwner() Owner {
	return Owner(lastOwner.Add(1))
}

// String renders the owner for logs
func (o Owner) String() string {
	if o == 0 {
		return "none"
	}
	return "owner-" + strconv.FormatUint(uint64(o), 10)
}

type ownerKey struct{}

// WithOwner returns a context carrying owner.
func WithOwner(ctx context.Context, owner Owner) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFrom returns the owner carried by ctx, or zero.
func OwnerFrom(ctx context.Context) Owner {
	if ctx == nil {
		return 0
	}
	o, _ := ctx.Value(ownerKey{}).(Owner)
	return o
}

// Ensure returns ctx unchanged when it already carries an owner, or a child
// context with a freshly minted one.
func Ensure(ctx context.Context) (context.Context, Owner) {
	if o := OwnerFrom(ctx); o != 0 {
		return ctx, o
	}
	o := NewOwner()
	return WithOwner(ctx, o), o
}

// Guard holds at most one owner.
type Guard struct {
	holder atomic.Uint64
}

// Claim binds the guard to owner. Claiming again with the current holder
// succeeds; claiming while another owner holds the guard fails with a
// thread-affinity error and leaves the holder unchanged.
func (g *Guard) Claim(owner Owner) error {
	if owner == 0 {
		return errors.New(errors.ErrorTypeValidation, "cannot claim with an empty owner")
	}
	if g.holder.CompareAndSwap(0, uint64(owner)) {
		return nil
	}
	current := Owner(g.holder.Load())
	if current == owner {
		return nil
	}
	return violation(current, owner)
}

// Release clears the holder. It is idempotent.
func (g *Guard) Release() {
	g.holder.Store(0)
}

// ReleaseIfHeld clears the holder only when owner holds the guard.
func (g *Guard) ReleaseIfHeld(owner Owner) bool {
	return g.holder.CompareAndSwap(uint64(owner), 0)
}

// Rebind hands the guard to owner unconditionally. Pools use it when a
// released session is lent to a new borrower.
func (g *Guard) Rebind(owner Owner) {
	g.holder.Store(uint64(owner))
}

// Check verifies that owner may use the guarded object. An unclaimed guard
// admits anyone.
func (g *Guard) Check(owner Owner) error {
	current := Owner(g.holder.Load())
	if current == 0 || current == owner {
		return nil
	}
	return violation(current, owner)
}

// Holder returns the current holder, or zero.
func (g *Guard) Holder() Owner {
	return Owner(g.holder.Load())
}

func violation(holder, claimant Owner) error {
	return errors.New(errors.ErrorTypeThreadAffinity, "session is bound to another owner").
		WithDetail("holder", holder.String()).
		WithDetail("claimant", claimant.String())
}
