package wire

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"

	"github.com/go-pgwire/pgwire/codes"
	pgerror "github.com/go-pgwire/pgwire/errors"
	"github.com/go-pgwire/pgwire/internal/buffer"
	"github.com/go-pgwire/pgwire/internal/mock"
	"github.com/go-pgwire/pgwire/internal/types"
)

// TListenAndServe starts server on an arbitrary local port and stops it when
// the test completes, returning the address to dial.
func TListenAndServe(t *testing.T, server *Server) net.Addr {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		_ = server.Serve(listener)
	}()

	t.Cleanup(func() {
		_ = server.Close()
	})

	return listener.Addr()
}

var greeting = Columns{
	{Name: "name", OID: pgtype.TextOID, Width: 256},
	{Name: "age", OID: pgtype.Int4OID, Width: 4},
}

var greetingRows = [][]any{
	{"John", int32(29)},
	{"Marry", int32(21)},
}

func greetingHandler(ctx context.Context, writer DataWriter, parameters []Parameter) error {
	if err := writer.Define(greeting); err != nil {
		return err
	}

	for _, row := range greetingRows {
		if err := writer.Row(row); err != nil {
			if err == ErrSuspended {
				return nil
			}
			return err
		}
	}

	return writer.Complete("SELECT 2")
}

func greetingParse(ctx context.Context, query string) (PreparedStatements, error) {
	return PreparedStatements{NewPreparedStatement(greetingHandler, nil, greeting)}, nil
}

func TestSimpleQueryRoundTrip(t *testing.T) {
	t.Parallel()

	server, err := NewServer(Logger(slogt.New(t)), SimpleQuery(greetingParse))
	require.NoError(t, err)

	addr := TListenAndServe(t, server)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	client := mock.NewClient(conn)
	client.Handshake(t, "bob", "")
	client.ExpectAuthOK(t)
	client.ReadyForQuery(t, types.ServerIdle)

	client.SimpleQuery(t, "select * from greeting")
	client.ExpectMessage(t, types.ServerRowDescription)
	client.ExpectMessage(t, types.ServerDataRow)
	client.ExpectMessage(t, types.ServerDataRow)
	client.ExpectMessage(t, types.ServerCommandComplete)
	client.ReadyForQuery(t, types.ServerIdle)

	client.Close(t)
}

func TestExtendedProtocolRoundTrip(t *testing.T) {
	t.Parallel()

	server, err := NewServer(Logger(slogt.New(t)), SimpleQuery(greetingParse))
	require.NoError(t, err)

	addr := TListenAndServe(t, server)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	client := mock.NewClient(conn)
	client.Handshake(t, "bob", "")
	client.ExpectAuthOK(t)
	client.ReadyForQuery(t, types.ServerIdle)

	client.Parse(t, "stmt1", "select * from greeting")
	client.ExpectMessage(t, types.ServerParseComplete)

	client.Bind(t, "portal1", "stmt1", nil)
	client.ExpectMessage(t, types.ServerBindComplete)

	client.Describe(t, types.PreparePortal, "portal1")
	client.ExpectMessage(t, types.ServerRowDescription)

	client.Execute(t, "portal1", 0)
	client.ExpectMessage(t, types.ServerDataRow)
	client.ExpectMessage(t, types.ServerDataRow)
	client.ExpectMessage(t, types.ServerCommandComplete)

	client.Sync(t)
	client.ReadyForQuery(t, types.ServerIdle)

	client.Close(t)
}

func TestExtendedProtocolPortalSuspended(t *testing.T) {
	t.Parallel()

	server, err := NewServer(Logger(slogt.New(t)), SimpleQuery(greetingParse))
	require.NoError(t, err)

	addr := TListenAndServe(t, server)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	client := mock.NewClient(conn)
	client.Handshake(t, "bob", "")
	client.ExpectAuthOK(t)
	client.ReadyForQuery(t, types.ServerIdle)

	client.Parse(t, "stmt1", "select * from greeting")
	client.ExpectMessage(t, types.ServerParseComplete)

	client.Bind(t, "portal1", "stmt1", nil)
	client.ExpectMessage(t, types.ServerBindComplete)

	// A row limit of 1 against a handler that would otherwise produce two
	// rows must suspend the portal rather than complete it.
	client.Execute(t, "portal1", 1)
	client.ExpectMessage(t, types.ServerDataRow)
	client.ExpectMessage(t, types.ServerPortalSuspended)

	client.Sync(t)
	client.ReadyForQuery(t, types.ServerIdle)

	client.Close(t)
}

func TestExtendedProtocolSkipUntilSync(t *testing.T) {
	t.Parallel()

	server, err := NewServer(Logger(slogt.New(t)), SimpleQuery(greetingParse))
	require.NoError(t, err)

	addr := TListenAndServe(t, server)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	client := mock.NewClient(conn)
	client.Handshake(t, "bob", "")
	client.ExpectAuthOK(t)
	client.ReadyForQuery(t, types.ServerIdle)

	// Binding against a statement that was never Parsed is a protocol
	// error; the connection must report it, discard every message up to the
	// next Sync, and answer that Sync with ReadyForQuery.
	client.Bind(t, "portal1", "missing", nil)
	client.ExpectError(t)

	client.Execute(t, "portal1", 0)
	client.Describe(t, types.PreparePortal, "portal1")

	client.Sync(t)
	client.ReadyForQuery(t, types.ServerTransactionFailed)

	client.Close(t)
}

// expectErrorCode reads an ErrorResponse and asserts its SQLSTATE.
func expectErrorCode(t *testing.T, client *mock.Client, want codes.Code) {
	t.Helper()

	client.ExpectMessage(t, types.ServerErrorResponse)
	fields := readRawFields(t, client.Rest())
	require.Equal(t, string(want), fields[byte(buffer.ErrFieldSQLState)])
}

func TestStartupDeadlineExpires(t *testing.T) {
	t.Parallel()

	server, err := NewServer(Logger(slogt.New(t)), SimpleQuery(greetingParse), StartupDeadline(50*time.Millisecond))
	require.NoError(t, err)

	addr := TListenAndServe(t, server)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	// Never send a StartupMessage; the server must close the connection with
	// QueryCanceled once startup_deadline elapses.
	client := mock.NewClient(conn)
	expectErrorCode(t, client, codes.QueryCanceled)
}

func TestAuthDeadlineExpires(t *testing.T) {
	t.Parallel()

	store := credentialMap{"bob": "pencil"}
	server, err := NewServer(Logger(slogt.New(t)), WithAuthStrategy(MD5Password(store)), SimpleQuery(greetingParse), AuthDeadline(50*time.Millisecond))
	require.NoError(t, err)

	conn := dialTestServer(t, server)
	client := mock.NewClient(conn)
	client.Handshake(t, "bob", "")

	// Read the AuthenticationMD5Password challenge but never answer it.
	client.ReadAuth(t)
	expectErrorCode(t, client, codes.QueryCanceled)
}

func TestIdleInTransactionDeadlineExpires(t *testing.T) {
	t.Parallel()

	server, err := NewServer(Logger(slogt.New(t)), SimpleQuery(greetingParse), IdleInTransactionDeadline(50*time.Millisecond))
	require.NoError(t, err)

	addr := TListenAndServe(t, server)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	client := mock.NewClient(conn)
	client.Handshake(t, "bob", "")
	client.ExpectAuthOK(t)
	client.ReadyForQuery(t, types.ServerIdle)

	// Drive the connection into the failed-transaction state and never send
	// the Sync that would otherwise clear it.
	client.Bind(t, "portal1", "missing", nil)
	client.ExpectError(t)

	expectErrorCode(t, client, codes.QueryCanceled)
}

func TestOnErrorTransformsOutgoingError(t *testing.T) {
	t.Parallel()

	server, err := NewServer(
		Logger(slogt.New(t)),
		SimpleQuery(greetingParse),
		OnError(func(ctx context.Context, err error) error {
			return pgerror.WithCode(err, codes.InsufficientPrivilege)
		}),
	)
	require.NoError(t, err)

	addr := TListenAndServe(t, server)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	client := mock.NewClient(conn)
	client.Handshake(t, "bob", "")
	client.ExpectAuthOK(t)
	client.ReadyForQuery(t, types.ServerIdle)

	// Binding against a never-parsed statement triggers fail(); the
	// configured ErrorHandler must be the one deciding the outgoing SQLSTATE.
	client.Bind(t, "portal1", "missing", nil)
	expectErrorCode(t, client, codes.InsufficientPrivilege)
}
