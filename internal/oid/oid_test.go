package oid

import (
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/require"
)

// TestRegistryMatchesPgtype cross-checks the lib/pq/oid-sourced registry
// against pgx/v5/pgtype's constants for the types both packages know about,
// guarding against the two catalogs drifting apart.
func TestRegistryMatchesPgtype(t *testing.T) {
	t.Parallel()

	cases := []struct {
		oid  uint32
		name string
	}{
		{pgtype.BoolOID, "bool"},
		{pgtype.Int4OID, "int4"},
		{pgtype.Int8OID, "int8"},
		{pgtype.NumericOID, "numeric"},
		{pgtype.TextOID, "text"},
		{pgtype.ByteaOID, "bytea"},
		{pgtype.UUIDOID, "uuid"},
		{pgtype.JSONBOID, "jsonb"},
	}

	for _, c := range cases {
		descriptor, ok := Lookup(c.oid)
		require.Truef(t, ok, "oid %d (%s) missing from registry", c.oid, c.name)
		require.Equal(t, c.name, descriptor.Name)
		require.Equal(t, c.name, Name(c.oid))
	}
}

func TestNameUnknownOID(t *testing.T) {
	t.Parallel()
	require.Equal(t, "unknown", Name(999999))
}
