// Package wire implements the server side of the PostgreSQL frontend/
// backend wire protocol, version 3.0. It lets a Go program speak just
// enough of the protocol to be addressed by any standard Postgres client
// library or by psql itself, while leaving SQL parsing and execution to the
// handler functions supplied via SimpleQuery and the extended query
// protocol's ParseFn.
package wire

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/go-pgwire/pgwire/internal/buffer"
	"github.com/go-pgwire/pgwire/internal/types"
)

// DefaultVersion is reported to clients as the server_version parameter
// when no Version option is supplied.
const DefaultVersion = "15.0"

// DefaultStatementCacheSize and DefaultPortalCacheSize bound the number of
// prepared statements/portals a single connection may hold when no
// StatementCacheSize/PortalCacheSize option is supplied. Zero would mean
// unbounded; a generous default protects a server from a client that never
// closes what it opens.
const (
	DefaultStatementCacheSize = 1 << 10
	DefaultPortalCacheSize    = 1 << 10
)

// Server listens for and serves Postgres wire protocol connections. Values
// returned by NewServer are ready to Serve immediately; every exported
// field is configured through an OptionFn passed to NewServer, not set
// directly.
type Server struct {
	logger *slog.Logger

	BufferedMsgSize int
	Parameters      Parameters
	Version         string

	Auth AuthStrategy

	parse   ParseFn
	Session SessionHandler

	TerminateConn CloseFn
	CloseConn     CloseFn
	Error         ErrorHandler

	TLSConfig  *tls.Config
	ClientCAs  *x509.CertPool
	ClientAuth tls.ClientAuthType

	maxStatementCache int
	maxPortalCache    int

	startupDeadline   time.Duration
	authDeadline      time.Duration
	idleInTxnDeadline time.Duration

	metrics *Metrics

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
	closer  net.Listener
}

// NewServer constructs a Server with every supplied option applied in
// order. Later options override earlier ones for the same field.
func NewServer(options ...OptionFn) (*Server, error) {
	srv := &Server{
		logger:            slog.New(slog.NewTextHandler(os.Stdout, nil)),
		BufferedMsgSize:   buffer.DefaultBufferSize,
		Version:           DefaultVersion,
		maxStatementCache: DefaultStatementCacheSize,
		maxPortalCache:    DefaultPortalCacheSize,
		metrics:           NewMetrics(),
	}

	for _, option := range options {
		if err := option(srv); err != nil {
			return nil, fmt.Errorf("wire: invalid option: %w", err)
		}
	}

	return srv, nil
}

// serverParameters builds the set announced right after authentication: the
// always-reported values (server_encoding and client_encoding as UTF8,
// is_superuser, server_version, and session_authorization taken from the
// client's user parameter), overridden or extended by the server's
// configured parameters. No other client startup parameter is echoed back.
func (srv *Server) serverParameters(client Parameters) Parameters {
	params := Parameters{
		ParamServerEncoding:       "UTF8",
		ParamClientEncoding:       "UTF8",
		ParamIsSuperuser:          buffer.EncodeBoolean(false),
		ParamSessionAuthorization: client[ParamUsername],
		ParamServerVersion:        srv.Version,
	}

	for key, value := range srv.Parameters {
		params[key] = value
	}

	return params
}

// reportError runs err through the configured ErrorHandler (if any) and
// writes the result as an ErrorResponse, returning the (possibly
// transformed) error so the caller's own severity/recovery decisions are
// based on what was actually sent.
func (srv *Server) reportError(ctx context.Context, writer *buffer.Writer, err error) (error, error) {
	if srv.Error != nil {
		err = srv.Error(ctx, err)
	}

	return err, writeErrorResponse(writer, err)
}

// ListenAndServe listens on the given TCP address and serves incoming
// connections until an unrecoverable listener error occurs or Close is
// called.
func (srv *Server) ListenAndServe(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}

	return srv.Serve(listener)
}

// Serve accepts and handles connections from listener until it returns an
// error (including the net.ErrClosed raised by a concurrent Close).
func (srv *Server) Serve(listener net.Listener) error {
	srv.mu.Lock()
	srv.closer = listener
	srv.mu.Unlock()

	srv.logger.Info("server listening", slog.String("address", listener.Addr().String()))

	for {
		conn, err := listener.Accept()
		if err != nil {
			srv.mu.Lock()
			closing := srv.closing
			srv.mu.Unlock()

			if closing {
				return nil
			}

			return err
		}

		srv.wg.Add(1)
		go func() {
			defer srv.wg.Done()
			srv.serve(conn)
		}()
	}
}

// Close stops accepting new connections and blocks until every in-flight
// connection has finished. It does not close connections that are still
// open, and it does not invoke the CloseConn handler.
func (srv *Server) Close() error {
	srv.mu.Lock()
	srv.closing = true
	closer := srv.closer
	srv.mu.Unlock()

	var err error
	if closer != nil {
		err = closer.Close()
	}

	srv.wg.Wait()
	return err
}

// serve drives a single accepted connection end to end: handshake,
// authentication, the command loop, and teardown. Errors are logged, never
// returned, since the caller is a detached goroutine per connection.
func (srv *Server) serve(conn net.Conn) {
	defer conn.Close() //nolint:errcheck

	ctx := context.Background()
	ctx = setTypeDecoder(ctx, pgtype.NewMap())
	ctx = setRemoteAddress(ctx, conn.RemoteAddr().String())

	conn, reader, writer, ctx, key, err := srv.Handshake(ctx, conn)
	if err != nil {
		if errors.Is(err, errCancelRequestHandled) {
			return
		}

		srv.logger.Error("handshake failed", slog.Any("error", err))
		// An expired startup or auth deadline blocks writes as well as
		// reads; clear it so the ErrorResponse reaches the client.
		_ = conn.SetDeadline(time.Time{})
		srv.reportError(ctx, writer, err) //nolint:errcheck
		return
	}

	username := AuthenticatedUsername(ctx)
	srv.logger.Info("client authenticated", slog.String("user", username))
	srv.metrics.ConnectionOpened()
	defer srv.metrics.ConnectionClosed()

	unregister := globalCancelRegistry.register(key, func() { conn.Close() }) //nolint:errcheck
	defer unregister()

	if srv.Session != nil {
		ctx, err = srv.Session(ctx)
		if err != nil {
			srv.logger.Error("session handler failed", slog.Any("error", err))
			srv.reportError(ctx, writer, err) //nolint:errcheck
			return
		}
	}

	c := &connection{
		server:  srv,
		conn:    conn,
		reader:  reader,
		writer:  writer,
		txState: types.ServerIdle,
	}
	c.statements = NewStatementCache(srv.maxStatementCache, func(statement *PreparedStatement) {
		c.portals.CloseStatement(ctx, statement)
	})
	c.portals = NewPortalCache(srv.maxPortalCache)

	c.run(ctx)

	if srv.TerminateConn != nil {
		if err = srv.TerminateConn(ctx); err != nil {
			srv.logger.Error("terminate handler failed", slog.Any("error", err))
		}
	}
}

// connection holds the per-connection state of an authenticated session:
// its buffered reader/writer, its prepared statement and portal caches (not
// shared across connections, unlike statements prepared on the server in
// older generations of this model), and the transaction status tracked for
// ReadyForQuery.
type connection struct {
	server *Server
	conn   net.Conn
	reader *buffer.Reader
	writer *buffer.Writer

	statements StatementCache
	portals    PortalCache

	txState       types.ServerStatus
	skipUntilSync bool
}
