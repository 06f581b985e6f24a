package wire

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/go-pgwire/pgwire/internal/oid"
)

// errNumericNaN reports that a numeric parameter carried Postgres' NaN
// value, which decimal.Decimal has no representation for.
var errNumericNaN = errors.New("numeric value is NaN")

// Parameter is a single bind parameter as received in a Bind message: its
// wire format and raw (not yet decoded) bytes. Handlers decode it lazily via
// Decode, since not every parameter's declared OID is known up front for the
// unnamed statement.
type Parameter struct {
	format FormatCode
	value  []byte
}

// NewParameter constructs a Parameter from its wire format code and raw
// value bytes. A nil value represents SQL NULL.
func NewParameter(format FormatCode, value []byte) Parameter {
	return Parameter{format: format, value: value}
}

// Format returns the wire format (text or binary) the value was sent in.
func (p Parameter) Format() FormatCode {
	return p.format
}

// Value returns the raw, still-encoded parameter bytes, or nil for SQL
// NULL.
func (p Parameter) Value() []byte {
	return p.value
}

// IsNull reports whether the parameter represents SQL NULL.
func (p Parameter) IsNull() bool {
	return p.value == nil
}

// Decode interprets the parameter's raw bytes as the given OID, using the
// connection's type codec map (attached to ctx during the handshake) to
// pick the text or binary codec depending on the parameter's wire format.
func (p Parameter) Decode(ctx context.Context, typeOID uint32) (any, error) {
	if p.IsNull() {
		return nil, nil
	}

	if typeOID == pgtype.NumericOID {
		return p.decodeNumeric(ctx)
	}

	types := TypeDecoder(ctx)
	t, ok := types.TypeForOID(typeOID)
	if !ok {
		return nil, oid.InvalidTypeForParameter(typeOID)
	}

	formatCode := int16(pgtype.TextFormatCode)
	if p.format == BinaryFormat {
		formatCode = pgtype.BinaryFormatCode
	}

	var dst any
	if err := types.Scan(t.OID, formatCode, p.value, &dst); err != nil {
		return nil, oid.FailedToParseParameter(typeOID, err)
	}

	return dst, nil
}

// decodeNumeric decodes a numeric parameter into a decimal.Decimal rather
// than pgtype.Numeric's internal representation, so handlers get an
// arbitrary-precision value they can do exact arithmetic on directly.
func (p Parameter) decodeNumeric(ctx context.Context) (any, error) {
	types := TypeDecoder(ctx)

	formatCode := int16(pgtype.TextFormatCode)
	if p.format == BinaryFormat {
		formatCode = pgtype.BinaryFormatCode
	}

	var num pgtype.Numeric
	if err := types.Scan(pgtype.NumericOID, formatCode, p.value, &num); err != nil {
		return nil, oid.FailedToParseParameter(pgtype.NumericOID, err)
	}

	if !num.Valid {
		return nil, nil
	}

	if num.NaN {
		return decimal.Decimal{}, oid.FailedToParseParameter(pgtype.NumericOID, errNumericNaN)
	}

	return decimal.NewFromBigInt(num.Int, num.Exp), nil
}
