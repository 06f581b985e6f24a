package wire

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-pgwire/pgwire/codes"
	pgerror "github.com/go-pgwire/pgwire/errors"
)

func TestStatementCacheOverflow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cache := NewStatementCache(2, nil)

	require.NoError(t, cache.Set(ctx, "a", &PreparedStatement{}))
	require.NoError(t, cache.Set(ctx, "b", &PreparedStatement{}))

	err := cache.Set(ctx, "c", &PreparedStatement{})
	require.Error(t, err)
	require.Equal(t, codes.OutOfMemory, pgerror.GetCode(err))

	// Replacing an existing entry never counts against the limit.
	require.NoError(t, cache.Set(ctx, "a", &PreparedStatement{}))
}

func TestStatementCacheReplaceInvokesOnClose(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	var closed []*PreparedStatement
	cache := NewStatementCache(0, func(statement *PreparedStatement) {
		closed = append(closed, statement)
	})

	first := &PreparedStatement{}
	second := &PreparedStatement{}

	require.NoError(t, cache.Set(ctx, "stmt", first))
	require.NoError(t, cache.Set(ctx, "stmt", second))
	require.Equal(t, []*PreparedStatement{first}, closed)

	require.NoError(t, cache.Close(ctx, "stmt"))
	require.Equal(t, []*PreparedStatement{first, second}, closed)
}

func TestStatementCacheGetUnknown(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cache := NewStatementCache(0, nil)

	_, err := cache.Get(ctx, "missing")
	require.Error(t, err)
	require.Equal(t, codes.InvalidPreparedStatementDefinition, pgerror.GetCode(err))
}

func TestPortalCacheOverflow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	statement := &PreparedStatement{}
	cache := NewPortalCache(1)

	require.NoError(t, cache.Bind(ctx, "p1", statement, nil, nil))

	err := cache.Bind(ctx, "p2", statement, nil, nil)
	require.Error(t, err)
	require.Equal(t, codes.OutOfMemory, pgerror.GetCode(err))

	// Rebinding the existing name never counts against the limit.
	require.NoError(t, cache.Bind(ctx, "p1", statement, nil, nil))
}

func TestPortalCacheCloseStatementCascades(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	statement := &PreparedStatement{}
	other := &PreparedStatement{}
	cache := NewPortalCache(0)

	require.NoError(t, cache.Bind(ctx, "p1", statement, nil, nil))
	require.NoError(t, cache.Bind(ctx, "p2", statement, nil, nil))
	require.NoError(t, cache.Bind(ctx, "p3", other, nil, nil))

	cache.CloseStatement(ctx, statement)

	_, err := cache.Get(ctx, "p1")
	require.Error(t, err)
	_, err = cache.Get(ctx, "p2")
	require.Error(t, err)

	// A portal bound from an unrelated statement survives.
	_, err = cache.Get(ctx, "p3")
	require.NoError(t, err)
}

func TestPortalCacheUnknownPortal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cache := NewPortalCache(0)

	_, err := cache.Get(ctx, "missing")
	require.Error(t, err)
	require.Equal(t, codes.InvalidCursorName, pgerror.GetCode(err))
}
