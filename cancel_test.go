package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCancelRegistryDispatch(t *testing.T) {
	t.Parallel()

	registry := &cancelRegistry{entries: make(map[cancelKey]CancelFn)}
	key := cancelKey{processID: 1, secretKey: 2}

	var cancelled bool
	unregister := registry.register(key, func() { cancelled = true })

	require.True(t, registry.dispatch(key))
	require.True(t, cancelled)

	unregister()
	require.False(t, registry.dispatch(key))
}

func TestCancelRegistryUnknownKey(t *testing.T) {
	t.Parallel()

	registry := &cancelRegistry{entries: make(map[cancelKey]CancelFn)}
	require.False(t, registry.dispatch(cancelKey{processID: 99, secretKey: 99}))
}

func TestCancelRegistryDistinguishesKeys(t *testing.T) {
	t.Parallel()

	registry := &cancelRegistry{entries: make(map[cancelKey]CancelFn)}

	var firstCancelled, secondCancelled bool
	registry.register(cancelKey{processID: 1, secretKey: 1}, func() { firstCancelled = true })
	registry.register(cancelKey{processID: 1, secretKey: 2}, func() { secondCancelled = true })

	require.True(t, registry.dispatch(cancelKey{processID: 1, secretKey: 2}))
	require.True(t, secondCancelled)
	require.False(t, firstCancelled)
}
