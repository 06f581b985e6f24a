package wire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/go-pgwire/pgwire/codes"
	pgerror "github.com/go-pgwire/pgwire/errors"
	"github.com/go-pgwire/pgwire/internal/buffer"
	"github.com/go-pgwire/pgwire/internal/oid"
	"github.com/go-pgwire/pgwire/internal/types"
)

// run consumes commands from the connection until the client disconnects,
// sends Terminate, or an unrecoverable protocol error occurs.
func (c *connection) run(ctx context.Context) {
	for {
		if err := c.applyIdleDeadline(); err != nil {
			c.server.logger.Error("failed to set idle-in-transaction deadline", slog.Any("error", err))
			return
		}

		typed, _, err := c.reader.ReadTypedMsg()
		if err != nil {
			if isDeadlineExceeded(err) && c.txState != types.ServerIdle {
				c.fail(ctx, errQueryCanceled("idle-in-transaction session"), false) //nolint:errcheck
			} else {
				c.server.logger.Debug("connection closed", slog.Any("error", err))
			}
			return
		}

		if done := c.handleCommand(ctx, typed); done {
			return
		}
	}
}

// applyIdleDeadline arms (or clears) the connection's read deadline for
// idle_in_txn_deadline: the deadline only applies while the last
// ReadyForQuery reported a transaction block or failed-transaction status
// ('T' or 'E'), matching Postgres' own idle_in_transaction_session_timeout.
func (c *connection) applyIdleDeadline() error {
	if c.server.idleInTxnDeadline <= 0 || c.txState == types.ServerIdle {
		return c.conn.SetReadDeadline(time.Time{})
	}

	return c.conn.SetReadDeadline(time.Now().Add(c.server.idleInTxnDeadline))
}

// handleCommand dispatches a single client message to its handler. It
// reports whether the connection should close.
func (c *connection) handleCommand(ctx context.Context, typed types.ClientMessage) (done bool) {
	c.server.metrics.CommandHandled(typed.String())

	// In the extended query protocol, once an error has been reported every
	// message up to the next Sync is discarded without further processing;
	// that Sync is answered with ReadyForQuery and ends the skip (REDESIGN:
	// error-skip-until-Sync).
	if c.skipUntilSync {
		switch typed {
		case types.ClientSync:
			// Report the failed status this Sync is closing out before
			// resetting for the next command cycle.
			if err := readyForQuery(c.writer, c.txState); err != nil {
				c.server.logger.Error("failed to write ReadyForQuery", slog.Any("error", err))
				return true
			}
			c.skipUntilSync = false
			c.txState = types.ServerIdle
			return false
		case types.ClientTerminate:
			return true
		default:
			// The message body was already fully read into reader.Msg by
			// ReadTypedMsg; discarding it without inspection is sufficient.
			return false
		}
	}

	switch typed {
	case types.ClientSimpleQuery:
		return c.handleSimpleQuery(ctx)
	case types.ClientParse:
		return c.handleParse(ctx)
	case types.ClientBind:
		return c.handleBind(ctx)
	case types.ClientDescribe:
		return c.handleDescribe(ctx)
	case types.ClientExecute:
		return c.handleExecute(ctx)
	case types.ClientClose:
		return c.handleClose(ctx)
	case types.ClientSync:
		return c.handleSync(ctx)
	case types.ClientFlush:
		return c.handleFlush(ctx)
	case types.ClientTerminate:
		return true
	default:
		return c.fail(ctx, NewErrUnimplementedMessageType(typed), true)
	}
}

// fail writes an ErrorResponse for err. In the simple query protocol
// (extended == false) it follows immediately with ReadyForQuery; in the
// extended query protocol it instead arms skip-until-Sync so every
// subsequent message is discarded until the client's next Sync, per the
// documented recovery procedure.
func (c *connection) fail(ctx context.Context, err error, extended bool) (done bool) {
	c.server.metrics.CommandError(string(pgerror.GetCode(err)))

	reported, writeErr := c.server.reportError(ctx, c.writer, err)
	if writeErr != nil {
		c.server.logger.Error("failed to write ErrorResponse", slog.Any("error", writeErr))
		return true
	}
	err = reported

	if isFatal(err) {
		return true
	}

	if !extended {
		c.txState = types.ServerIdle
		if writeErr := readyForQuery(c.writer, c.txState); writeErr != nil {
			c.server.logger.Error("failed to write ReadyForQuery", slog.Any("error", writeErr))
			return true
		}
		return false
	}

	c.skipUntilSync = true
	c.txState = types.ServerTransactionFailed
	return false
}

// handleSimpleQuery handles a simple query ('Q') message: the query string
// may contain any number of semicolon-separated statements, each executed
// in turn and each producing its own RowDescription/DataRow*/CommandComplete
// sequence, followed by one ReadyForQuery for the whole batch.
func (c *connection) handleSimpleQuery(ctx context.Context) (done bool) {
	query, err := c.reader.GetString()
	if err != nil {
		return c.fail(ctx, err, false)
	}

	if c.server.parse == nil {
		return c.fail(ctx, errFeatureNotSupported("simple query protocol"), false)
	}

	if strings.TrimSpace(query) == "" {
		if err = writeEmptyQuery(c.writer); err != nil {
			return true
		}
		return c.finishSimple(ctx)
	}

	statements, err := c.server.parse(ctx, query)
	if err != nil {
		return c.fail(ctx, err, false)
	}

	for _, statement := range statements {
		writer := NewDataWriter(ctx, nil, c.writer, 0, c.copyInFn(statement.columns))

		if err = statement.fn(ctx, writer, nil); err != nil {
			if errors.Is(err, ErrSuspended) {
				err = nil
			} else {
				return c.fail(ctx, err, false)
			}
		}

		if dw, ok := writer.(*dataWriter); ok && !dw.closed {
			// The handler returned without calling Complete or Empty; fall
			// back to a generic tag rather than leave the command cycle
			// unterminated.
			tag := "OK"
			if len(statement.columns) > 0 {
				tag = fmt.Sprintf("SELECT %d", dw.Written())
			}
			if err = commandComplete(c.writer, tag); err != nil {
				return true
			}
		}
	}

	return c.finishSimple(ctx)
}

func (c *connection) finishSimple(ctx context.Context) bool {
	c.txState = types.ServerIdle
	if err := readyForQuery(c.writer, c.txState); err != nil {
		c.server.logger.Error("failed to write ReadyForQuery", slog.Any("error", err))
		return true
	}
	return false
}

// copyInFn returns the closure handed to DataWriter.CopyIn: it writes the
// CopyInResponse and returns a reader streaming the client's copy data.
func (c *connection) copyInFn(columns Columns) func(FormatCode) (*CopyReader, error) {
	return func(format FormatCode) (*CopyReader, error) {
		if err := writeCopyInResponse(c.writer, format, len(columns)); err != nil {
			return nil, err
		}

		return NewCopyReader(c.reader, c.writer, columns), nil
	}
}

// handleParse handles a Parse ('P') message: a (possibly unnamed) statement
// name, a query string containing exactly one statement, and the OIDs of
// its parameters, as many as the client chooses to specify up front.
func (c *connection) handleParse(ctx context.Context) (done bool) {
	name, err := c.reader.GetString()
	if err != nil {
		return c.fail(ctx, err, true)
	}

	query, err := c.reader.GetString()
	if err != nil {
		return c.fail(ctx, err, true)
	}

	count, err := c.reader.GetUint16()
	if err != nil {
		return c.fail(ctx, err, true)
	}

	declared := make([]uint32, count)
	for i := range declared {
		oidValue, err := c.reader.GetUint32()
		if err != nil {
			return c.fail(ctx, err, true)
		}
		declared[i] = oidValue
	}

	if c.server.parse == nil {
		return c.fail(ctx, errFeatureNotSupported("extended query protocol"), true)
	}

	statements, err := c.server.parse(ctx, query)
	if err != nil {
		return c.fail(ctx, err, true)
	}

	if len(statements) != 1 {
		return c.fail(ctx, errMultipleStatements(len(statements)), true)
	}

	statement := statements[0]
	for i, oidValue := range declared {
		if oidValue != 0 && i < len(statement.parameters) {
			statement.parameters[i] = oidValue
		}
	}

	if err = c.statements.Set(ctx, name, statement); err != nil {
		return c.fail(ctx, err, true)
	}

	if err = writeParseComplete(c.writer); err != nil {
		return true
	}

	return false
}

// handleBind handles a Bind ('B') message: binds the named statement's
// parameters to concrete values and the result columns' requested formats,
// producing a named (or unnamed) portal.
func (c *connection) handleBind(ctx context.Context) (done bool) {
	portalName, err := c.reader.GetString()
	if err != nil {
		return c.fail(ctx, err, true)
	}

	statementName, err := c.reader.GetString()
	if err != nil {
		return c.fail(ctx, err, true)
	}

	statement, err := c.statements.Get(ctx, statementName)
	if err != nil {
		return c.fail(ctx, err, true)
	}

	paramFormats, err := readFormatCodes(c.reader)
	if err != nil {
		return c.fail(ctx, err, true)
	}

	paramCount, err := c.reader.GetUint16()
	if err != nil {
		return c.fail(ctx, err, true)
	}

	if len(statement.parameters) > 0 && int(paramCount) != len(statement.parameters) {
		return c.fail(ctx, oid.ParameterIndexOutOfBound(int(paramCount), len(statement.parameters)), true)
	}

	parameters := make([]Parameter, paramCount)
	for i := range parameters {
		length, err := c.reader.GetInt32()
		if err != nil {
			return c.fail(ctx, err, true)
		}

		value, err := c.reader.GetBytes(int(length))
		if err != nil {
			return c.fail(ctx, err, true)
		}

		parameters[i] = NewParameter(resolveFormat(paramFormats, i), value)
	}

	resultFormats, err := readFormatCodes(c.reader)
	if err != nil {
		return c.fail(ctx, err, true)
	}

	if err = c.portals.Bind(ctx, portalName, statement, parameters, resultFormats); err != nil {
		return c.fail(ctx, err, true)
	}

	if err = writeBindComplete(c.writer); err != nil {
		return true
	}

	return false
}

// readFormatCodes reads a format code array as carried by Bind: a uint16
// count followed by that many int16 format codes.
func readFormatCodes(reader *buffer.Reader) ([]FormatCode, error) {
	count, err := reader.GetUint16()
	if err != nil {
		return nil, err
	}

	codes := make([]FormatCode, count)
	for i := range codes {
		v, err := reader.GetInt16()
		if err != nil {
			return nil, err
		}
		codes[i] = FormatCode(v)
	}

	return codes, nil
}

// handleDescribe handles a Describe ('D') message for either a prepared
// statement (ParameterDescription + RowDescription/NoData) or a portal
// (RowDescription/NoData only).
func (c *connection) handleDescribe(ctx context.Context) (done bool) {
	target, err := c.reader.GetPrepareType()
	if err != nil {
		return c.fail(ctx, err, true)
	}

	name, err := c.reader.GetString()
	if err != nil {
		return c.fail(ctx, err, true)
	}

	var columns Columns

	switch target {
	case types.PrepareStatement:
		statement, err := c.statements.Get(ctx, name)
		if err != nil {
			return c.fail(ctx, err, true)
		}

		if err = writeParameterDescription(c.writer, statement.parameters); err != nil {
			return true
		}

		columns = statement.columns
	case types.PreparePortal:
		portal, err := c.portals.Get(ctx, name)
		if err != nil {
			return c.fail(ctx, err, true)
		}

		columns = portal.statement.columns
	default:
		return c.fail(ctx, NewErrUnimplementedMessageType(types.ClientDescribe), true)
	}

	if len(columns) == 0 {
		if err = writeNoData(c.writer); err != nil {
			return true
		}
		return false
	}

	var formats []FormatCode
	if target == types.PreparePortal {
		if portal, err := c.portals.Get(ctx, name); err == nil {
			formats = portal.formats
		}
	}

	if err = columns.Define(ctx, c.writer, formats); err != nil {
		return true
	}

	return false
}

// handleExecute handles an Execute ('E') message: runs the named portal's
// statement, honoring the requested row limit (REDESIGN: PortalSuspended).
func (c *connection) handleExecute(ctx context.Context) (done bool) {
	name, err := c.reader.GetString()
	if err != nil {
		return c.fail(ctx, err, true)
	}

	limit, err := c.reader.GetUint32()
	if err != nil {
		return c.fail(ctx, err, true)
	}

	portal, err := c.portals.Get(ctx, name)
	if err != nil {
		return c.fail(ctx, err, true)
	}

	writer := NewDataWriter(ctx, portal.formats, c.writer, Limit(limit), c.copyInFn(portal.statement.columns))

	err = c.portals.Execute(ctx, name, writer)

	dw, _ := writer.(*dataWriter)

	switch {
	case dw != nil && dw.Suspended():
		if err = writePortalSuspended(c.writer); err != nil {
			return true
		}
		return false
	case err != nil:
		return c.fail(ctx, err, true)
	case dw != nil && !dw.closed:
		tag := "OK"
		if len(portal.statement.columns) > 0 {
			tag = fmt.Sprintf("SELECT %d", dw.Written())
		}
		if err = commandComplete(c.writer, tag); err != nil {
			return true
		}
	}

	return false
}

// handleClose handles a Close ('C') message, closing either a named
// prepared statement (cascading to every portal bound from it) or a named
// portal.
func (c *connection) handleClose(ctx context.Context) (done bool) {
	target, err := c.reader.GetPrepareType()
	if err != nil {
		return c.fail(ctx, err, true)
	}

	name, err := c.reader.GetString()
	if err != nil {
		return c.fail(ctx, err, true)
	}

	switch target {
	case types.PrepareStatement:
		if err = c.statements.Close(ctx, name); err != nil {
			return c.fail(ctx, err, true)
		}
	case types.PreparePortal:
		if err = c.portals.Close(ctx, name); err != nil {
			return c.fail(ctx, err, true)
		}
	default:
		return c.fail(ctx, NewErrUnimplementedMessageType(types.ClientClose), true)
	}

	if err = writeCloseComplete(c.writer); err != nil {
		return true
	}

	return false
}

// handleSync handles a Sync ('S') message: ends the current extended query
// command cycle and reports the transaction status.
func (c *connection) handleSync(ctx context.Context) (done bool) {
	if err := readyForQuery(c.writer, c.txState); err != nil {
		c.server.logger.Error("failed to write ReadyForQuery", slog.Any("error", err))
		return true
	}

	return false
}

// handleFlush handles a Flush ('H') message. Since every write already goes
// straight to the connection's underlying io.Writer, there is no client-
// visible buffering to flush; Flush is a no-op besides acknowledging receipt.
func (c *connection) handleFlush(ctx context.Context) (done bool) {
	return false
}

func writeParseComplete(writer *buffer.Writer) error {
	writer.Start(types.ServerParseComplete)
	return writer.End()
}

func writeBindComplete(writer *buffer.Writer) error {
	writer.Start(types.ServerBindComplete)
	return writer.End()
}

func writeCloseComplete(writer *buffer.Writer) error {
	writer.Start(types.ServerCloseComplete)
	return writer.End()
}

func writeNoData(writer *buffer.Writer) error {
	writer.Start(types.ServerNoData)
	return writer.End()
}

func writePortalSuspended(writer *buffer.Writer) error {
	writer.Start(types.ServerPortalSuspended)
	return writer.End()
}

func writeParameterDescription(writer *buffer.Writer, parameters []uint32) error {
	writer.Start(types.ServerParameterDescription)
	writer.AddInt16(int16(len(parameters)))
	for _, oidValue := range parameters {
		writer.AddInt32(int32(oidValue))
	}
	return writer.End()
}

// NewErrUnimplementedMessageType reports that typed has no handler.
func NewErrUnimplementedMessageType(typed types.ClientMessage) error {
	err := fmt.Errorf("unimplemented message type: %s", typed)
	return pgerror.WithSeverity(pgerror.WithCode(err, codes.FeatureNotSupported), pgerror.LevelError)
}

func errFeatureNotSupported(feature string) error {
	err := fmt.Errorf("%s is not configured on this server", feature)
	return pgerror.WithSeverity(pgerror.WithCode(err, codes.FeatureNotSupported), pgerror.LevelError)
}

func errMultipleStatements(count int) error {
	err := fmt.Errorf("Parse expects exactly one statement, query produced %d", count)
	return pgerror.WithSeverity(pgerror.WithCode(err, codes.ProtocolViolation), pgerror.LevelError)
}

func newErrClientCopyFailed(reason string) error {
	err := fmt.Errorf("client reported copy failure: %s", reason)
	return pgerror.WithSeverity(pgerror.WithCode(err, codes.ProtocolViolation), pgerror.LevelError)
}

// errQueryCanceled reports that phase (the startup exchange, authentication,
// or an idle-in-transaction wait) exceeded its configured deadline. It's
// FATAL: the connection closes right after the ErrorResponse, matching
// Postgres' own handling of a server-enforced timeout.
func errQueryCanceled(phase string) error {
	err := fmt.Errorf("%s exceeded its configured deadline", phase)
	return pgerror.WithSeverity(pgerror.WithCode(err, codes.QueryCanceled), pgerror.LevelFatal)
}

// isDeadlineExceeded reports whether err was caused by a net.Conn deadline
// (set for startup_deadline, auth_deadline, or idle_in_txn_deadline)
// expiring mid-read.
func isDeadlineExceeded(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
