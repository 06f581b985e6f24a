package wire

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/go-pgwire/pgwire/internal/buffer"
	"github.com/go-pgwire/pgwire/internal/types"
)

// errCancelRequestHandled is returned by Handshake once it has dispatched a
// CancelRequest against another connection; the caller should simply close
// this (throwaway) connection without treating it as a failure.
var errCancelRequestHandled = errors.New("wire: cancel request handled")

// wrapDeadlineErr translates a net.Conn deadline expiry (startup_deadline or
// auth_deadline) into a QueryCanceled error carrying the given phase name,
// leaving every other error untouched.
func wrapDeadlineErr(err error, phase string) error {
	if isDeadlineExceeded(err) {
		return errQueryCanceled(phase)
	}
	return err
}

// Handshake drives the untagged startup exchange for a freshly accepted
// connection: an optional SSL negotiation (looping, since a client may
// retry with a plaintext StartupMessage after an 'N' response), the
// StartupMessage proper, authentication, and the BackendKeyData/
// ParameterStatus/ReadyForQuery trio that follows a successful
// authentication.
//
// It returns the (possibly TLS-upgraded) connection together with buffered
// readers/writers built around it, the context enriched with the client's
// startup parameters, and the cancellation key registered for this
// connection. A CancelRequest is handled entirely inside Handshake; callers
// should check for errCancelRequestHandled via errors.Is and close the
// connection without logging it as a failure.
func (srv *Server) Handshake(ctx context.Context, conn net.Conn) (net.Conn, *buffer.Reader, *buffer.Writer, context.Context, cancelKey, error) {
	reader := buffer.NewReader(srv.logger, conn, srv.BufferedMsgSize)
	writer := buffer.NewWriter(srv.logger, conn)

	if srv.startupDeadline > 0 {
		if err := conn.SetDeadline(time.Now().Add(srv.startupDeadline)); err != nil {
			return conn, reader, writer, ctx, cancelKey{}, err
		}
	}

	for {
		version, err := readVersion(reader)
		if err != nil {
			return conn, reader, writer, ctx, cancelKey{}, wrapDeadlineErr(err, "startup")
		}

		if version != types.VersionSSLRequest {
			if version == types.VersionCancel {
				key, err := readCancelRequest(reader)
				if err != nil {
					return conn, reader, writer, ctx, cancelKey{}, wrapDeadlineErr(err, "startup")
				}

				globalCancelRegistry.dispatch(key)
				return conn, reader, writer, ctx, cancelKey{}, errCancelRequestHandled
			}

			break
		}

		conn, reader, writer, err = srv.upgradeConn(conn, reader, writer)
		if err != nil {
			return conn, reader, writer, ctx, cancelKey{}, wrapDeadlineErr(err, "startup")
		}
	}

	params, err := readClientParameters(reader)
	if err != nil {
		return conn, reader, writer, ctx, cancelKey{}, wrapDeadlineErr(err, "startup")
	}

	ctx = setClientParameters(ctx, params)

	switch {
	case srv.authDeadline > 0:
		if err := conn.SetDeadline(time.Now().Add(srv.authDeadline)); err != nil {
			return conn, reader, writer, ctx, cancelKey{}, err
		}
	case srv.startupDeadline > 0:
		if err := conn.SetDeadline(time.Time{}); err != nil {
			return conn, reader, writer, ctx, cancelKey{}, err
		}
	}

	if err = srv.handleAuth(ctx, reader, writer); err != nil {
		return conn, reader, writer, ctx, cancelKey{}, wrapDeadlineErr(err, "authentication")
	}

	if srv.authDeadline > 0 {
		if err := conn.SetDeadline(time.Time{}); err != nil {
			return conn, reader, writer, ctx, cancelKey{}, err
		}
	}

	key, err := newCancelKey()
	if err != nil {
		return conn, reader, writer, ctx, cancelKey{}, err
	}

	ctx = setServerParameters(ctx, srv.serverParameters(params))

	if err = writeParameters(writer, ServerParameters(ctx)); err != nil {
		return conn, reader, writer, ctx, cancelKey{}, err
	}

	if err = writeBackendKeyData(writer, key); err != nil {
		return conn, reader, writer, ctx, cancelKey{}, err
	}

	if err = readyForQuery(writer, types.ServerIdle); err != nil {
		return conn, reader, writer, ctx, cancelKey{}, err
	}

	return conn, reader, writer, ctx, key, nil
}

// upgradeConn responds to an SSLRequest and, if the server is configured for
// TLS, performs the server-side handshake and rebuilds reader/writer around
// the upgraded connection. If no TLS is configured it reports 'N' and
// leaves the connection untouched, as Postgres clients fall back to
// plaintext and retry the startup sequence.
func (srv *Server) upgradeConn(conn net.Conn, reader *buffer.Reader, writer *buffer.Writer) (net.Conn, *buffer.Reader, *buffer.Writer, error) {
	if srv.TLSConfig == nil {
		if _, err := conn.Write(sslUnsupported); err != nil {
			return conn, reader, writer, err
		}

		return conn, reader, writer, nil
	}

	if _, err := conn.Write(sslSupported); err != nil {
		return conn, reader, writer, err
	}

	config := srv.TLSConfig.Clone()
	if srv.ClientCAs != nil {
		config.ClientCAs = srv.ClientCAs
	}
	config.ClientAuth = srv.ClientAuth

	upgraded := tls.Server(conn, config)
	if err := upgraded.HandshakeContext(context.Background()); err != nil {
		return conn, reader, writer, err
	}

	srv.logger.Debug("connection upgraded to TLS", slog.String("version", tlsVersionName(upgraded.ConnectionState().Version)))

	return upgraded, buffer.NewReader(srv.logger, upgraded, srv.BufferedMsgSize), buffer.NewWriter(srv.logger, upgraded), nil
}

func tlsVersionName(version uint16) string {
	switch version {
	case tls.VersionTLS10:
		return "TLS1.0"
	case tls.VersionTLS11:
		return "TLS1.1"
	case tls.VersionTLS12:
		return "TLS1.2"
	case tls.VersionTLS13:
		return "TLS1.3"
	default:
		return "unknown"
	}
}

// newCancelKey generates a random (processID, secretKey) pair identifying a
// connection for the lifetime of its cancel registry entry.
func newCancelKey() (cancelKey, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return cancelKey{}, err
	}

	return cancelKey{
		processID: int32(b[0])<<24 | int32(b[1])<<16 | int32(b[2])<<8 | int32(b[3]),
		secretKey: int32(b[4])<<24 | int32(b[5])<<16 | int32(b[6])<<8 | int32(b[7]),
	}, nil
}

// readVersion reads the leading 4-byte version/request-code field shared by
// every untagged startup-family message.
func readVersion(reader *buffer.Reader) (types.Version, error) {
	_, err := reader.ReadUntypedMsg()
	if err != nil {
		return 0, err
	}

	version, err := reader.GetUint32()
	if err != nil {
		return 0, err
	}

	return types.Version(version), nil
}

// readCancelRequest reads the remainder of a CancelRequest message (process
// ID and secret key) after its version field has already been consumed by
// readVersion.
func readCancelRequest(reader *buffer.Reader) (cancelKey, error) {
	pid, err := reader.GetInt32()
	if err != nil {
		return cancelKey{}, err
	}

	secret, err := reader.GetInt32()
	if err != nil {
		return cancelKey{}, err
	}

	return cancelKey{processID: pid, secretKey: secret}, nil
}

// readClientParameters reads the repeated name/value C-string pairs that
// make up the remainder of a StartupMessage.
func readClientParameters(reader *buffer.Reader) (Parameters, error) {
	params := Parameters{}

	for {
		key, err := reader.GetString()
		if err != nil {
			return nil, err
		}

		if key == "" {
			break
		}

		value, err := reader.GetString()
		if err != nil {
			return nil, err
		}

		params[ParameterStatus(key)] = value
	}

	return params, nil
}

// readyForQuery writes a ReadyForQuery message reporting the given
// transaction status.
func readyForQuery(writer *buffer.Writer, status types.ServerStatus) error {
	writer.Start(types.ServerReady)
	writer.AddByte(byte(status))
	return writer.End()
}

// writeBackendKeyData sends the client the (processID, secretKey) pair it
// must echo back inside a future CancelRequest to cancel this connection.
func writeBackendKeyData(writer *buffer.Writer, key cancelKey) error {
	writer.Start(types.ServerBackendKeyData)
	writer.AddInt32(key.processID)
	writer.AddInt32(key.secretKey)
	return writer.End()
}

// writeParameters writes one ParameterStatus message per entry in params.
func writeParameters(writer *buffer.Writer, params Parameters) error {
	for key, value := range params {
		writer.Start(types.ServerParameterStatus)
		writer.AddString(string(key))
		writer.AddNullTerminate()
		writer.AddString(value)
		writer.AddNullTerminate()

		if err := writer.End(); err != nil {
			return err
		}
	}

	return nil
}

// writeEmptyQuery writes an EmptyQueryResponse, sent instead of
// CommandComplete when a simple query string contained no statement at all.
func writeEmptyQuery(writer *buffer.Writer) error {
	writer.Start(types.ServerEmptyQuery)
	return writer.End()
}

// commandComplete writes a CommandComplete message carrying description as
// its command tag (e.g. "SELECT 2", "INSERT 0 1").
func commandComplete(writer *buffer.Writer, description string) error {
	writer.Start(types.ServerCommandComplete)
	writer.AddString(description)
	writer.AddNullTerminate()
	return writer.End()
}
