// Package oid implements the Types & Values component: a static registry of
// the well-known PostgreSQL type OIDs together with their name, size class,
// and type category. The OID numbers themselves are sourced from
// github.com/lib/pq/oid's generated constants rather than hardcoded, so the
// table can be cross-checked against another independently maintained
// source; actual codec work (Encode/Scan) is left to pgx/v5/pgtype.Map.
package oid

import pqoid "github.com/lib/pq/oid"

// SizeClass distinguishes fixed-width types (int4, bool, ...) from
// variable-width types (text, bytea, numeric, ...).
type SizeClass int

const (
	FixedSize SizeClass = iota
	VariableSize
)

// Category mirrors Postgres' pg_type.typcategory single-letter
// classification, used by clients (and occasionally handlers) to pick a
// sensible default display or coercion behavior for an otherwise-unknown
// type.
type Category byte

const (
	CategoryBoolean    Category = 'B'
	CategoryComposite  Category = 'C'
	CategoryDateTime   Category = 'D'
	CategoryEnum       Category = 'E'
	CategoryGeometric  Category = 'G'
	CategoryNetwork    Category = 'I'
	CategoryNumeric    Category = 'N'
	CategoryPseudo     Category = 'P'
	CategoryString     Category = 'S'
	CategoryTimespan   Category = 'T'
	CategoryUserDefined Category = 'U'
	CategoryArray      Category = 'A'
	CategoryUnknown    Category = 'X'
)

// Descriptor describes a single well-known type.
type Descriptor struct {
	OID      uint32
	Name     string
	Size     SizeClass
	Category Category
}

// registry enumerates the well-known types spec.md §4.2 names. Every entry's
// OID is sourced from lib/pq/oid's constants rather than hardcoded;
// oid_test.go cross-checks them against pgx/v5's pgtype constants.
var registry = []Descriptor{
	{uint32(pqoid.T_bool), "bool", FixedSize, CategoryBoolean},
	{uint32(pqoid.T_int2), "int2", FixedSize, CategoryNumeric},
	{uint32(pqoid.T_int4), "int4", FixedSize, CategoryNumeric},
	{uint32(pqoid.T_int8), "int8", FixedSize, CategoryNumeric},
	{uint32(pqoid.T_float4), "float4", FixedSize, CategoryNumeric},
	{uint32(pqoid.T_float8), "float8", FixedSize, CategoryNumeric},
	{uint32(pqoid.T_numeric), "numeric", VariableSize, CategoryNumeric},
	{uint32(pqoid.T_text), "text", VariableSize, CategoryString},
	{uint32(pqoid.T_varchar), "varchar", VariableSize, CategoryString},
	{uint32(pqoid.T_bpchar), "bpchar", VariableSize, CategoryString},
	{uint32(pqoid.T_bytea), "bytea", VariableSize, CategoryUserDefined},
	{uint32(pqoid.T_date), "date", FixedSize, CategoryDateTime},
	{uint32(pqoid.T_time), "time", FixedSize, CategoryDateTime},
	{uint32(pqoid.T_timestamp), "timestamp", FixedSize, CategoryDateTime},
	{uint32(pqoid.T_timestamptz), "timestamptz", FixedSize, CategoryDateTime},
	{uint32(pqoid.T_interval), "interval", FixedSize, CategoryTimespan},
	{uint32(pqoid.T_uuid), "uuid", FixedSize, CategoryUserDefined},
	{uint32(pqoid.T_json), "json", VariableSize, CategoryUserDefined},
	{uint32(pqoid.T_jsonb), "jsonb", VariableSize, CategoryUserDefined},
	{uint32(pqoid.T__int4), "int4[]", VariableSize, CategoryArray},
	{uint32(pqoid.T__text), "text[]", VariableSize, CategoryArray},
}

var byOID = func() map[uint32]Descriptor {
	m := make(map[uint32]Descriptor, len(registry))
	for _, d := range registry {
		m[d.OID] = d
	}
	return m
}()

// Lookup returns the well-known descriptor for oid, if any.
func Lookup(oid uint32) (Descriptor, bool) {
	d, ok := byOID[oid]
	return d, ok
}

// Name returns the well-known type name for oid, or "unknown" if the OID
// isn't in the registry (it may still be a valid, handler-defined type).
func Name(oid uint32) string {
	if d, ok := byOID[oid]; ok {
		return d.Name
	}

	return "unknown"
}
