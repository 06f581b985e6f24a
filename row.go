package wire

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/go-pgwire/pgwire/internal/buffer"
	"github.com/go-pgwire/pgwire/internal/types"
)

// Columns represents a result set's column definitions, in positional
// order.
type Columns []Column

// Column represents a single result column and its wire attributes.
// https://www.postgresql.org/docs/current/catalog-pg-attribute.html
type Column struct {
	Table        int32  // originating table OID, 0 if not applicable
	Name         string // column name
	AttrNo       int16  // originating column attribute number, 0 if not applicable
	OID          uint32 // data type OID
	Width        int16  // data type size, negative for variable-width types
	TypeModifier int32
}

// resolveFormat applies the protocol's format-code derivation rule: zero
// codes means every column defaults to text, exactly one code applies to
// every column, and two or more codes apply positionally.
// https://www.postgresql.org/docs/current/protocol-message-formats.html
func resolveFormat(formats []FormatCode, index int) FormatCode {
	switch len(formats) {
	case 0:
		return TextFormat
	case 1:
		return formats[0]
	default:
		if index < len(formats) {
			return formats[index]
		}
		return TextFormat
	}
}

// Define writes the RowDescription header for columns. formats follows the
// same zero/one/many derivation rule as Bind's column format codes.
func (columns Columns) Define(ctx context.Context, writer *buffer.Writer, formats []FormatCode) error {
	writer.Start(types.ServerRowDescription)
	writer.AddInt16(int16(len(columns)))

	for index, column := range columns {
		column.define(writer, resolveFormat(formats, index))
	}

	return writer.End()
}

// Write writes a single DataRow message for the given source values, using
// formats to pick the text/binary encoder per the same derivation rule as
// Define.
func (columns Columns) Write(ctx context.Context, formats []FormatCode, writer *buffer.Writer, values []any) error {
	if len(values) != len(columns) {
		return fmt.Errorf("unexpected row width: %d columns defined, %d values given", len(columns), len(values))
	}

	decoder := TypeDecoder(ctx)

	writer.Start(types.ServerDataRow)
	writer.AddInt16(int16(len(columns)))

	for index, column := range columns {
		err := column.write(writer, decoder, resolveFormat(formats, index), values[index])
		if err != nil {
			return err
		}
	}

	return writer.End()
}

// define writes this column's RowDescription field.
func (column Column) define(writer *buffer.Writer, format FormatCode) {
	writer.AddString(column.Name)
	writer.AddNullTerminate()
	writer.AddInt32(column.Table)
	writer.AddInt16(column.AttrNo)
	writer.AddInt32(int32(column.OID))
	writer.AddInt16(column.Width)
	writer.AddInt32(column.TypeModifier)
	writer.AddInt16(int16(format))
}

// write encodes a single column value into the active DataRow message. A nil
// src is encoded as SQL NULL.
func (column Column) write(writer *buffer.Writer, decoder *pgtype.Map, format FormatCode, src any) error {
	if src == nil {
		writer.AddInt32(-1)
		return nil
	}

	// pgtype.Map has no codec for decimal.Decimal directly; convert to its
	// own Numeric representation first so handlers can return exact,
	// arbitrary-precision values for numeric columns.
	if column.OID == pgtype.NumericOID {
		if d, ok := src.(decimal.Decimal); ok {
			src = pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
		}
	}

	t, ok := decoder.TypeForOID(column.OID)
	if !ok {
		return fmt.Errorf("no codec registered for column %q (oid %d)", column.Name, column.OID)
	}

	bb, err := decoder.Encode(t.OID, int16(format), src, nil)
	if err != nil {
		return fmt.Errorf("failed to encode column %q: %w", column.Name, err)
	}

	writer.AddInt32(int32(len(bb)))
	writer.AddBytes(bb)

	return nil
}
