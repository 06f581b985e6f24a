package wire

import (
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"time"

	"github.com/go-pgwire/pgwire/scram"
)

// OptionFn configures a Server at construction time.
type OptionFn func(*Server) error

// SimpleQuery sets the handler invoked for the simple query protocol
// (a plain 'Q' message).
func SimpleQuery(fn ParseFn) OptionFn {
	return func(srv *Server) error {
		srv.parse = fn
		return nil
	}
}

// Logger overrides the server's default logger.
func Logger(logger *slog.Logger) OptionFn {
	return func(srv *Server) error {
		srv.logger = logger
		return nil
	}
}

// Version sets the server_version parameter reported to connecting
// clients.
func Version(version string) OptionFn {
	return func(srv *Server) error {
		srv.Version = version
		return nil
	}
}

// BufferedMsgSize caps the size (in bytes) of any single protocol message
// the server will read from a client before rejecting it.
func BufferedMsgSize(size int) OptionFn {
	return func(srv *Server) error {
		srv.BufferedMsgSize = size
		return nil
	}
}

// ServerParameters sets the fixed server parameters announced after
// authentication completes, in addition to the ones the server always
// reports (server_encoding, client_encoding, is_superuser, ...).
func ServerParameters(parameters Parameters) OptionFn {
	return func(srv *Server) error {
		srv.Parameters = parameters
		return nil
	}
}

// GlobalSession registers a SessionHandler invoked once per connection
// right after authentication succeeds.
func GlobalSession(fn SessionHandler) OptionFn {
	return func(srv *Server) error {
		srv.Session = fn
		return nil
	}
}

// TerminateConn registers a CloseFn invoked when a connection terminates.
func TerminateConn(fn CloseFn) OptionFn {
	return func(srv *Server) error {
		srv.TerminateConn = fn
		return nil
	}
}

// CloseConn stores a CloseFn in Server.CloseConn. The server itself never
// invokes it: Close does not drop still-open connections, and TerminateConn
// is the hook that runs when a connection ends.
func CloseConn(fn CloseFn) OptionFn {
	return func(srv *Server) error {
		srv.CloseConn = fn
		return nil
	}
}

// OnError registers an ErrorHandler invoked on every error about to be
// written to a client as an ErrorResponse, across both the simple and
// extended query protocols, the handshake, and the session handler.
func OnError(fn ErrorHandler) OptionFn {
	return func(srv *Server) error {
		srv.Error = fn
		return nil
	}
}

// TLSConfig enables opportunistic TLS upgrade using the given configuration.
func TLSConfig(config *tls.Config) OptionFn {
	return func(srv *Server) error {
		srv.TLSConfig = config
		return nil
	}
}

// ClientCAs sets the certificate pool used to verify client certificates
// when ClientAuthentication requires one.
func ClientCAs(pool *x509.CertPool) OptionFn {
	return func(srv *Server) error {
		srv.ClientCAs = pool
		return nil
	}
}

// ClientAuthentication sets the TLS client authentication policy.
func ClientAuthentication(auth tls.ClientAuthType) OptionFn {
	return func(srv *Server) error {
		srv.ClientAuth = auth
		return nil
	}
}

// WithAuthStrategy sets the authentication strategy used for incoming
// connections. Defaults to Trust (no authentication) if never set. The
// credential lookup a strategy validates against (for MD5Password and
// ScramSHA256) is supplied directly to the strategy constructor, not through
// a separate option.
func WithAuthStrategy(strategy AuthStrategy) OptionFn {
	return func(srv *Server) error {
		srv.Auth = strategy
		return nil
	}
}

// StatementCacheSize bounds the number of prepared statements a single
// connection may hold, beyond which Parse fails with SQLSTATE 53200
// (out_of_memory).
func StatementCacheSize(max int) OptionFn {
	return func(srv *Server) error {
		srv.maxStatementCache = max
		return nil
	}
}

// PortalCacheSize bounds the number of portals a single connection may
// hold, beyond which Bind fails with SQLSTATE 53200 (out_of_memory).
func PortalCacheSize(max int) OptionFn {
	return func(srv *Server) error {
		srv.maxPortalCache = max
		return nil
	}
}

// StartupDeadline bounds how long a connection may take, from the moment
// it's accepted, to complete the SSL negotiation and StartupMessage. A
// connection that exceeds it is sent ErrorResponse(57014) and closed. Zero
// (the default) means no deadline.
func StartupDeadline(d time.Duration) OptionFn {
	return func(srv *Server) error {
		srv.startupDeadline = d
		return nil
	}
}

// AuthDeadline bounds how long a connection may take to complete
// authentication once the StartupMessage has been read. A connection that
// exceeds it is sent ErrorResponse(57014) and closed. Zero (the default)
// means no deadline.
func AuthDeadline(d time.Duration) OptionFn {
	return func(srv *Server) error {
		srv.authDeadline = d
		return nil
	}
}

// IdleInTransactionDeadline bounds how long a connection may sit idle while
// ReadyForQuery last reported a transaction block or failed-transaction
// status ('T' or 'E') before the next command arrives. A connection that
// exceeds it is sent ErrorResponse(57014) and closed. Zero (the default)
// means no deadline.
func IdleInTransactionDeadline(d time.Duration) OptionFn {
	return func(srv *Server) error {
		srv.idleInTxnDeadline = d
		return nil
	}
}

// CredentialLookup resolves a username's stored credentials for the
// configured authentication strategy.
type CredentialLookup interface {
	// Scram resolves the SCRAM-SHA-256 stored credentials for username.
	Scram(username string) (scram.StoredCredentials, bool, error)
	// Plaintext resolves the plaintext password for username, for use by
	// the MD5Password strategy. Implementations backed
	// only by SCRAM verifiers should return ok=false.
	Plaintext(username string) (password string, ok bool, err error)
}
