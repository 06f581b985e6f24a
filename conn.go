package wire

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

type ctxKey int

const (
	ctxTypeDecoder ctxKey = iota
	ctxClientMetadata
	ctxServerMetadata
	ctxRemoteAddress
)

// setTypeDecoder attaches the connection's type codec map to ctx.
func setTypeDecoder(ctx context.Context, types *pgtype.Map) context.Context {
	return context.WithValue(ctx, ctxTypeDecoder, types)
}

// TypeDecoder returns the connection's pgtype codec map, used to encode and
// decode column values and parameters.
func TypeDecoder(ctx context.Context) *pgtype.Map {
	val := ctx.Value(ctxTypeDecoder)
	if val == nil {
		return nil
	}

	return val.(*pgtype.Map)
}

// Parameters is a collection of connection parameter keys and values, as
// exchanged during startup and via ParameterStatus messages.
type Parameters map[ParameterStatus]string

// ParameterStatus is a well-known (or handler-defined) connection parameter
// name.
type ParameterStatus string

// At present there is a hard-wired set of parameters for which
// ParameterStatus messages will be generated.
// https://www.postgresql.org/docs/current/protocol-flow.html#PROTOCOL-ASYNC
const (
	ParamServerEncoding       ParameterStatus = "server_encoding"
	ParamClientEncoding       ParameterStatus = "client_encoding"
	ParamIsSuperuser          ParameterStatus = "is_superuser"
	ParamSessionAuthorization ParameterStatus = "session_authorization"
	ParamApplicationName      ParameterStatus = "application_name"
	ParamDatabase             ParameterStatus = "database"
	ParamUsername             ParameterStatus = "user"
	ParamServerVersion        ParameterStatus = "server_version"
)

// setClientParameters constructs a new context containing the given
// parameters. Any previously defined metadata is overridden.
func setClientParameters(ctx context.Context, params Parameters) context.Context {
	if params == nil {
		return ctx
	}

	return context.WithValue(ctx, ctxClientMetadata, params)
}

// ClientParameters returns the connection parameters sent by the client
// during startup, if set inside ctx.
func ClientParameters(ctx context.Context) Parameters {
	val := ctx.Value(ctxClientMetadata)
	if val == nil {
		return nil
	}

	return val.(Parameters)
}

// setServerParameters constructs a new context containing the given
// parameters map. Any previously defined metadata is overridden.
func setServerParameters(ctx context.Context, params Parameters) context.Context {
	if params == nil {
		return ctx
	}

	return context.WithValue(ctx, ctxServerMetadata, params)
}

// ServerParameters returns the parameters the server reported to the
// client, if set inside ctx.
func ServerParameters(ctx context.Context) Parameters {
	val := ctx.Value(ctxServerMetadata)
	if val == nil {
		return nil
	}

	return val.(Parameters)
}

// setRemoteAddress attaches the connection's remote network address to ctx.
func setRemoteAddress(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, ctxRemoteAddress, addr)
}

// RemoteAddress returns the connecting client's remote network address
// (host:port), as reported by the underlying net.Conn.
func RemoteAddress(ctx context.Context) string {
	val := ctx.Value(ctxRemoteAddress)
	if val == nil {
		return ""
	}

	return val.(string)
}
