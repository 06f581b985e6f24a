package oid

import (
	"fmt"

	"github.com/go-pgwire/pgwire/codes"
	pgerror "github.com/go-pgwire/pgwire/errors"
)

// InvalidTypeForParameter reports that a parameter declared (or inferred to
// be) oid has no registered codec.
func InvalidTypeForParameter(oid uint32) error {
	err := fmt.Errorf("no codec registered for parameter type oid %d", oid)
	return pgerror.WithSeverity(pgerror.WithCode(err, codes.InvalidParameterValue), pgerror.LevelError)
}

// ParameterIndexOutOfBound reports that a Bind message referenced a
// parameter index the associated prepared statement doesn't declare.
func ParameterIndexOutOfBound(index, count int) error {
	err := fmt.Errorf("parameter index %d out of bound, statement declares %d parameter(s)", index, count)
	return pgerror.WithSeverity(pgerror.WithCode(err, codes.ProtocolViolation), pgerror.LevelError)
}

// FailedToParseParameter reports that the bytes for a parameter of the given
// oid could not be decoded.
func FailedToParseParameter(oid uint32, cause error) error {
	err := fmt.Errorf("failed to parse parameter of type oid %d: %w", oid, cause)
	return pgerror.WithSeverity(pgerror.WithCode(err, codes.InvalidTextRepresentation), pgerror.LevelError)
}
