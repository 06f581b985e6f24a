package wire

import (
	"context"
	"io"

	"github.com/go-pgwire/pgwire/internal/buffer"
)

// ParseFn handles an incoming (simple or extended) query and returns the
// statements it produces. A simple query may contain multiple
// semicolon-separated statements; the extended query protocol always
// expects exactly one.
type ParseFn func(ctx context.Context, query string) (PreparedStatements, error)

// PreparedStatementFn executes a single prepared statement against the
// given parameters, writing its results through writer.
type PreparedStatementFn func(ctx context.Context, writer DataWriter, parameters []Parameter) error

// PreparedStatement couples a handler's executable with the metadata the
// wire protocol needs to describe it to a client: the OIDs of its
// parameters (as declared or inferred) and the columns of its result set.
type PreparedStatement struct {
	fn         PreparedStatementFn
	parameters []uint32
	columns    Columns
}

// NewPreparedStatement constructs a PreparedStatement ready to be returned
// from a ParseFn.
func NewPreparedStatement(fn PreparedStatementFn, parameters []uint32, columns Columns) *PreparedStatement {
	return &PreparedStatement{
		fn:         fn,
		parameters: parameters,
		columns:    columns,
	}
}

// PreparedStatements is the result of parsing a (possibly multi-statement)
// query.
type PreparedStatements []*PreparedStatement

// SessionHandler is invoked once per connection, immediately after
// authentication succeeds and before the connection starts consuming
// commands. It may attach session-scoped values to the context.
type SessionHandler func(ctx context.Context) (context.Context, error)

// CloseFn is invoked when a connection is terminated, either by the client
// sending a Terminate message or the underlying socket closing.
type CloseFn func(ctx context.Context) error

// ErrorHandler observes (and may transform) an error immediately before it
// is written to the client as an ErrorResponse. Returning a different error
// changes what's sent on the wire; returning the same error leaves it
// untouched. This is the hook point for redacting internal error detail,
// adding logging side effects, or mapping a handler's domain errors onto a
// different SQLSTATE than the one it constructed.
type ErrorHandler func(ctx context.Context, err error) error

// Limit is the maximum number of rows an Execute message requests, with
// zero meaning "no limit".
type Limit uint32

// DataWriter writes columns and data rows for a single statement execution
// back to the connected client.
type DataWriter interface {
	// Define writes the RowDescription header for columns. Must be called
	// (even with an empty Columns) before any Row.
	Define(columns Columns) error

	// Row writes a single data row. Each element must correspond
	// positionally to the columns passed to Define.
	Row(values []any) error

	// Written returns the number of rows written so far.
	Written() uint64

	// Empty announces that the command produces no rows at all; it must be
	// called instead of Complete when no Row call has been made for a
	// statement with no declared columns.
	Empty() error

	// Complete announces that the command has finished, with description
	// becoming the CommandComplete tag (e.g. "SELECT 2").
	Complete(description string) error

	// CopyIn initiates a CopyIn sub-protocol exchange and returns a reader
	// streaming the raw bytes sent by the client.
	CopyIn(format FormatCode) (*CopyReader, error)

	// Limit returns the row limit requested by the triggering Execute
	// message, or zero if unrestricted.
	Limit() uint32
}

// ErrClosedWriter is returned when a DataWriter method is called after the
// writer has already completed or emptied its response.
var ErrClosedWriter = dataWriterClosedError{}

type dataWriterClosedError struct{}

func (dataWriterClosedError) Error() string { return "data writer is closed" }

// ErrSuspended is returned by Row once the triggering Execute message's row
// limit has been reached. A handler that receives it from Row should stop
// producing rows and return immediately without calling Complete or Empty;
// the extended query protocol reports the portal as suspended rather than
// finished. A later Execute on the same portal runs the handler again from
// the start; it does not continue after the rows already sent.
var ErrSuspended = dataWriterSuspendedError{}

type dataWriterSuspendedError struct{}

func (dataWriterSuspendedError) Error() string { return "data writer row limit reached" }

// NewDataWriter constructs the default DataWriter implementation, writing
// directly to the connection's protocol writer.
func NewDataWriter(ctx context.Context, formats []FormatCode, client *buffer.Writer, limit Limit, copyReader func(FormatCode) (*CopyReader, error)) DataWriter {
	return &dataWriter{
		ctx:     ctx,
		formats: formats,
		client:  client,
		limit:   limit,
		copyFn:  copyReader,
	}
}

type dataWriter struct {
	ctx       context.Context
	columns   Columns
	formats   []FormatCode
	client    *buffer.Writer
	closed    bool
	suspended bool
	written   uint64
	limit     Limit
	copyFn    func(FormatCode) (*CopyReader, error)
}

func (writer *dataWriter) Define(columns Columns) error {
	if writer.closed {
		return ErrClosedWriter
	}

	writer.columns = columns
	return columns.Define(writer.ctx, writer.client, writer.formats)
}

func (writer *dataWriter) Row(values []any) error {
	if writer.closed {
		return ErrClosedWriter
	}

	if writer.limit > 0 && writer.written >= uint64(writer.limit) {
		writer.suspended = true
		return ErrSuspended
	}

	writer.written++
	return writer.columns.Write(writer.ctx, writer.formats, writer.client, values)
}

// Suspended reports whether Row refused to write a row because the
// triggering Execute message's row limit was reached. Queried by the
// extended query protocol's Execute handler, not part of the public
// DataWriter interface.
func (writer *dataWriter) Suspended() bool {
	return writer.suspended
}

func (writer *dataWriter) CopyIn(format FormatCode) (*CopyReader, error) {
	if writer.closed {
		return nil, ErrClosedWriter
	}

	if writer.copyFn == nil {
		return nil, io.ErrUnexpectedEOF
	}

	return writer.copyFn(format)
}

func (writer *dataWriter) Empty() error {
	if writer.closed {
		return ErrClosedWriter
	}

	defer writer.close()
	return writeEmptyQuery(writer.client)
}

func (writer *dataWriter) Written() uint64 {
	return writer.written
}

func (writer *dataWriter) Limit() uint32 {
	return uint32(writer.limit)
}

func (writer *dataWriter) Complete(description string) error {
	if writer.closed {
		return ErrClosedWriter
	}

	defer writer.close()
	return commandComplete(writer.client, description)
}

func (writer *dataWriter) close() {
	writer.closed = true
}
