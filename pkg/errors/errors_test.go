package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesStack(t *testing.T) {
	inner := New(ErrorTypeStorage, "disk full")
	outer := Wrap(inner, ErrorTypeTransaction, "commit failed")

	require.NotNil(t, outer)
	assert.Equal(t, inner.Stack, outer.Stack)
	assert.Equal(t, "transaction: commit failed: storage: disk full", outer.Error())
	assert.True(t, Is(outer, inner))
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrorTypeInternal, "nothing"))
}

func TestPredicates(t *testing.T) {
	cancelled := Wrap(context.Canceled, ErrorTypeCancelled, "command interrupted")
	wrapped := Wrap(cancelled, ErrorTypeTransaction, "rolled back")

	assert.True(t, IsCancelled(cancelled))
	assert.True(t, IsCancelled(wrapped))
	assert.False(t, IsAcquireTimeout(wrapped))
	assert.True(t, IsIllegalState(New(ErrorTypeIllegalState, "pool closed")))
	assert.False(t, IsType(fmt.Errorf("plain"), ErrorTypeInternal))
	assert.False(t, IsRetryable(New(ErrorTypeThreadAffinity, "owned")))
}

func TestDetails(t *testing.T) {
	err := Newf(ErrorTypeNotFound, "record %s not found", "#3:1").WithDetail("rid", "#3:1")

	v, ok := err.Detail("rid")
	require.True(t, ok)
	assert.Equal(t, "#3:1", v)
	_, ok = err.Detail("missing")
	assert.False(t, ok)
	assert.Equal(t, "not_found: record #3:1 not found", err.Error())
}
