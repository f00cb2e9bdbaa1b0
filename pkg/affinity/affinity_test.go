package affinity

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebuladb/pkg/errors"
	"github.com/ajitpratap0/nebuladb/pkg/testutil"
)

func TestClaimReleaseCycle(t *testing.T) {
	var g Guard
	a, b := NewOwner(), NewOwner()

	require.NoError(t, g.Claim(a))
	require.NoError(t, g.Claim(a), "reclaim by holder")

	err := g.Claim(b)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeThreadAffinity))
	assert.Equal(t, a, g.Holder(), "failed claim leaves holder unchanged")

	g.Release()
	g.Release()
	require.NoError(t, g.Claim(b))
	assert.Equal(t, b, g.Holder())
}

func TestCheck(t *testing.T) {
	var g Guard
	a, b := NewOwner(), NewOwner()
	assert.NoError(t, g.Check(b), "unclaimed guard admits anyone")

	require.NoError(t, g.Claim(a))
	assert.NoError(t, g.Check(a))
	assert.True(t, errors.IsType(g.Check(b), errors.ErrorTypeThreadAffinity))
}

func TestRebindAndReleaseIfHeld(t *testing.T) {
	var g Guard
	a, b := NewOwner(), NewOwner()
	require.NoError(t, g.Claim(a))

	assert.False(t, g.ReleaseIfHeld(b))
	g.Rebind(b)
	assert.Equal(t, b, g.Holder())
	assert.True(t, g.ReleaseIfHeld(b))
	assert.Equal(t, Owner(0), g.Holder())
}

func TestEmptyOwnerCannotClaim(t *testing.T) {
	var g Guard
	assert.True(t, errors.IsType(g.Claim(0), errors.ErrorTypeValidation))
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	var g Guard
	var winners atomic.Int32
	testutil.RunConcurrently(32, func(int) {
		if g.Claim(NewOwner()) == nil {
			winners.Add(1)
		}
	})
	assert.Equal(t, int32(1), winners.Load())
}

func TestContextOwner(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, Owner(0), OwnerFrom(ctx))

	ctx, o := Ensure(ctx)
	assert.NotZero(t, o)
	assert.Equal(t, o, OwnerFrom(ctx))

	same, o2 := Ensure(ctx)
	assert.Equal(t, o, o2)
	assert.Equal(t, ctx, same)
	assert.Equal(t, "none", Owner(0).String())
}
