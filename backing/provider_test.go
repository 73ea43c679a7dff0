package backing_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/triheap/triheap/backing"
)

func TestSystemAccounting(t *testing.T) {
	provider := &backing.System{}

	first, err := provider.Allocate(1024)
	require.NoError(t, err)
	require.Len(t, first, 1024)
	require.Equal(t, 1024, provider.AllocatedBytes())

	second, err := provider.Allocate(512)
	require.NoError(t, err)
	require.Equal(t, 1536, provider.AllocatedBytes())

	provider.Release(first)
	require.Equal(t, 512, provider.AllocatedBytes())

	provider.Release(second)
	require.Equal(t, 0, provider.AllocatedBytes())
}

func TestSystemRejectsInvalidSize(t *testing.T) {
	provider := &backing.System{}

	_, err := provider.Allocate(0)
	require.Error(t, err)

	_, err = provider.Allocate(-100)
	require.Error(t, err)
	require.Equal(t, 0, provider.AllocatedBytes())
}

func TestBoundedEnforcesLimit(t *testing.T) {
	provider := &backing.Bounded{Limit: 1024}

	first, err := provider.Allocate(1000)
	require.NoError(t, err)
	require.Equal(t, 1000, provider.UsedBytes())

	_, err = provider.Allocate(100)
	require.ErrorIs(t, err, backing.OutOfMemoryError)
	require.Equal(t, 1000, provider.UsedBytes())

	// Releasing frees headroom again
	provider.Release(first)
	require.Equal(t, 0, provider.UsedBytes())

	second, err := provider.Allocate(1024)
	require.NoError(t, err)
	require.Len(t, second, 1024)
	provider.Release(second)
}

func TestBoundedRejectsInvalidSize(t *testing.T) {
	provider := &backing.Bounded{Limit: 1024}

	_, err := provider.Allocate(0)
	require.Error(t, err)
	require.NotErrorIs(t, err, backing.OutOfMemoryError)
}
