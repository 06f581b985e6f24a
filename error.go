package wire

import (
	"strconv"

	pgerror "github.com/go-pgwire/pgwire/errors"
	"github.com/go-pgwire/pgwire/internal/buffer"
	"github.com/go-pgwire/pgwire/internal/types"
)

// writeErrorResponse writes an ErrorResponse message for err. It never
// writes a following ReadyForQuery; callers decide whether and how the
// command cycle resumes (a plain ReadyForQuery for the simple query
// protocol, or skip-until-Sync bookkeeping for the extended query
// protocol).
// https://www.postgresql.org/docs/current/protocol-error-fields.html
func writeErrorResponse(writer *buffer.Writer, err error) error {
	desc := pgerror.Flatten(err)

	writer.Start(types.ServerErrorResponse)

	writer.AddByte(byte(buffer.ErrFieldSeverity))
	writer.AddString(string(desc.Severity))
	writer.AddNullTerminate()
	writer.AddByte(byte(buffer.ErrFieldSQLState))
	writer.AddString(string(desc.Code))
	writer.AddNullTerminate()
	writer.AddByte(byte(buffer.ErrFieldMsgPrimary))
	writer.AddString(desc.Message)
	writer.AddNullTerminate()

	if desc.Hint != "" {
		writer.AddByte(byte(buffer.ErrFieldHint))
		writer.AddString(desc.Hint)
		writer.AddNullTerminate()
	}

	if desc.Detail != "" {
		writer.AddByte(byte(buffer.ErrFieldDetail))
		writer.AddString(desc.Detail)
		writer.AddNullTerminate()
	}

	if desc.ConstraintName != "" {
		writer.AddByte(byte(buffer.ErrFieldConstraintName))
		writer.AddString(desc.ConstraintName)
		writer.AddNullTerminate()
	}

	if desc.Source != nil {
		writer.AddByte(byte(buffer.ErrFieldSrcFile))
		writer.AddString(desc.Source.File)
		writer.AddNullTerminate()

		writer.AddByte(byte(buffer.ErrFieldSrcLine))
		writer.AddString(strconv.Itoa(int(desc.Source.Line)))
		writer.AddNullTerminate()

		writer.AddByte(byte(buffer.ErrFieldSrcFunction))
		writer.AddString(desc.Source.Function)
		writer.AddNullTerminate()
	}

	writer.AddNullTerminate()
	return writer.End()
}

// ErrorCode writes an ErrorResponse for err and, unless the error is fatal,
// a following ReadyForQuery(Idle). This is the simple query protocol's error
// path, where a failed statement simply ends the current command cycle.
func ErrorCode(writer *buffer.Writer, err error) error {
	writeErr := writeErrorResponse(writer, err)
	if writeErr != nil {
		return writeErr
	}

	if pgerror.GetSeverity(err) == pgerror.LevelFatal {
		return nil
	}

	return readyForQuery(writer, types.ServerIdle)
}

// isFatal reports whether err carries FATAL severity, in which case no
// further protocol traffic (ReadyForQuery included) should follow it -- the
// connection is expected to close.
func isFatal(err error) bool {
	return pgerror.GetSeverity(err) == pgerror.LevelFatal
}
