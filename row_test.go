package wire

import (
	"bytes"
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/go-pgwire/pgwire/internal/buffer"
)

func TestColumnsWriteNumericDecimal(t *testing.T) {
	t.Parallel()

	ctx := setTypeDecoder(context.Background(), pgtype.NewMap())
	columns := Columns{{Name: "price", OID: pgtype.NumericOID, Width: -1}}

	value := decimal.RequireFromString("19.99")

	var out bytes.Buffer
	writer := buffer.NewWriter(nil, &out)

	require.NoError(t, columns.Write(ctx, nil, writer, []any{value}))
	require.NotEmpty(t, out.Bytes())
}

func TestParameterDecodeNumericRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := setTypeDecoder(context.Background(), pgtype.NewMap())

	param := NewParameter(TextFormat, []byte("42.5000"))
	decoded, err := param.Decode(ctx, pgtype.NumericOID)
	require.NoError(t, err)

	got, ok := decoded.(decimal.Decimal)
	require.True(t, ok)
	require.True(t, decimal.RequireFromString("42.5000").Equal(got))
}

func TestParameterDecodeNumericNull(t *testing.T) {
	t.Parallel()

	ctx := setTypeDecoder(context.Background(), pgtype.NewMap())

	param := NewParameter(TextFormat, nil)
	decoded, err := param.Decode(ctx, pgtype.NumericOID)
	require.NoError(t, err)
	require.Nil(t, decoded)
}
