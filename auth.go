package wire

import (
	"context"
	"crypto/md5" //nolint:gosec // required by the wire protocol's MD5 auth sub-flow, not used for anything security-sensitive beyond it
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/go-pgwire/pgwire/codes"
	pgerror "github.com/go-pgwire/pgwire/errors"
	"github.com/go-pgwire/pgwire/internal/buffer"
	"github.com/go-pgwire/pgwire/internal/types"
	"github.com/go-pgwire/pgwire/scram"
)

// authType represents the manner in which a client is able to authenticate.
type authType int32

const (
	authOK                authType = 0
	authClearTextPassword authType = 3
	authMD5Password       authType = 5
	authSASL              authType = 10
	authSASLContinue      authType = 11
	authSASLFinal         authType = 12
)

// AuthStrategy represents an authentication strategy used to authenticate a
// connecting client.
type AuthStrategy func(ctx context.Context, writer *buffer.Writer, reader *buffer.Reader) (err error)

// handleAuth handles the client authentication for the given connection.
// The configured strategy validates the incoming credentials and, on
// success, writes AuthenticationOk. When the provided credentials are
// invalid or any unexpected error occurs, an error is returned without an
// ErrorResponse being written; the caller reports it and closes the
// connection.
func (srv *Server) handleAuth(ctx context.Context, reader *buffer.Reader, writer *buffer.Writer) error {
	srv.logger.Debug("authenticating client connection")

	if srv.Auth == nil {
		return writeAuthType(writer, authOK, nil)
	}

	return srv.Auth(ctx, writer, reader)
}

// Trust authenticates every client unconditionally. This is the default
// strategy when none is configured.
func Trust() AuthStrategy {
	return func(ctx context.Context, writer *buffer.Writer, reader *buffer.Reader) error {
		return writeAuthType(writer, authOK, nil)
	}
}

// ClearTextPassword announces to the client to authenticate by sending a
// clear text password and validates it against validate.
func ClearTextPassword(validate func(ctx context.Context, username, password string) (bool, error)) AuthStrategy {
	return func(ctx context.Context, writer *buffer.Writer, reader *buffer.Reader) (err error) {
		if err = writeAuthType(writer, authClearTextPassword, nil); err != nil {
			return err
		}

		password, err := readPasswordMessage(reader)
		if err != nil {
			return err
		}

		params := ClientParameters(ctx)
		valid, err := validate(ctx, params[ParamUsername], password)
		if err != nil {
			return err
		}

		if !valid {
			return invalidCredentialsError()
		}

		return writeAuthType(writer, authOK, nil)
	}
}

// MD5Password announces to the client to authenticate using Postgres' MD5
// challenge-response scheme and validates it against the plaintext password
// resolved from store.
//
// stored = "md5" + hex(md5(password + username))
// response = "md5" + hex(md5(hex(md5(password+username)) + salt))
func MD5Password(store CredentialLookup) AuthStrategy {
	return func(ctx context.Context, writer *buffer.Writer, reader *buffer.Reader) (err error) {
		var salt [4]byte
		if _, err = rand.Read(salt[:]); err != nil {
			return err
		}

		if err = writeAuthType(writer, authMD5Password, salt[:]); err != nil {
			return err
		}

		response, err := readPasswordMessage(reader)
		if err != nil {
			return err
		}

		params := ClientParameters(ctx)
		username := params[ParamUsername]

		password, ok, err := store.Plaintext(username)
		if err != nil {
			return err
		}

		if !ok || response != md5Response(username, password, salt[:]) {
			return invalidCredentialsError()
		}

		return writeAuthType(writer, authOK, nil)
	}
}

func md5Response(username, password string, salt []byte) string {
	inner := md5Hex([]byte(password + username))
	outer := md5Hex(append([]byte(inner), salt...))
	return "md5" + outer
}

func md5Hex(b []byte) string {
	sum := md5.Sum(b) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// ScramSHA256 announces AuthenticationSASL and drives a full SCRAM-SHA-256
// exchange (RFC 7677), resolving stored credentials for the connecting
// username via store.
func ScramSHA256(store CredentialLookup) AuthStrategy {
	return func(ctx context.Context, writer *buffer.Writer, reader *buffer.Reader) (err error) {
		if err = writeSASLMechanisms(writer, scram.SHA256); err != nil {
			return err
		}

		mechanism, clientFirst, err := readSASLInitialResponse(reader)
		if err != nil {
			return err
		}

		if mechanism != string(scram.SHA256) {
			return unsupportedSASLMechanismError(mechanism)
		}

		params := ClientParameters(ctx)
		username := params[ParamUsername]

		server := scram.NewServer(func(requested string) (scram.StoredCredentials, error) {
			if requested != username {
				return scram.StoredCredentials{}, fmt.Errorf("scram: unknown user %q", requested)
			}

			creds, ok, err := store.Scram(requested)
			if err != nil {
				return scram.StoredCredentials{}, err
			}

			if !ok {
				return scram.StoredCredentials{}, fmt.Errorf("scram: unknown user %q", requested)
			}

			return creds, nil
		})

		serverFirst, err := server.Start(clientFirst)
		if err != nil {
			return invalidCredentialsError()
		}

		if err = writeAuthSASLContinue(writer, serverFirst); err != nil {
			return err
		}

		clientFinal, err := readSASLResponse(reader)
		if err != nil {
			return err
		}

		serverFinal, err := server.Finish(clientFinal)
		if err != nil {
			return invalidCredentialsError()
		}

		if err = writeAuthSASLFinal(writer, serverFinal); err != nil {
			return err
		}

		return writeAuthType(writer, authOK, nil)
	}
}

func invalidCredentialsError() error {
	err := errors.New("password authentication failed")
	return pgerror.WithSeverity(pgerror.WithCode(err, codes.InvalidPassword), pgerror.LevelFatal)
}

func unsupportedSASLMechanismError(mechanism string) error {
	err := fmt.Errorf("unsupported SASL mechanism: %q", mechanism)
	return pgerror.WithSeverity(pgerror.WithCode(err, codes.InvalidAuthorizationSpecification), pgerror.LevelFatal)
}

// readPasswordMessage reads a PasswordMessage ('p') and returns its
// contained C-string.
func readPasswordMessage(reader *buffer.Reader) (string, error) {
	t, _, err := reader.ReadTypedMsg()
	if err != nil {
		return "", err
	}

	if t != types.ClientPassword {
		return "", fmt.Errorf("unexpected message type %s, expected PasswordMessage", t)
	}

	return reader.GetString()
}

// readSASLInitialResponse reads a SASLInitialResponse, carried as a
// PasswordMessage containing: mechanism name (C-string), response length
// (int32), response bytes.
func readSASLInitialResponse(reader *buffer.Reader) (mechanism string, response []byte, err error) {
	t, _, err := reader.ReadTypedMsg()
	if err != nil {
		return "", nil, err
	}

	if t != types.ClientPassword {
		return "", nil, fmt.Errorf("unexpected message type %s, expected SASLInitialResponse", t)
	}

	mechanism, err = reader.GetString()
	if err != nil {
		return "", nil, err
	}

	length, err := reader.GetInt32()
	if err != nil {
		return "", nil, err
	}

	response, err = reader.GetBytes(int(length))
	if err != nil {
		return "", nil, err
	}

	return mechanism, response, nil
}

// readSASLResponse reads a SASLResponse, carried as a PasswordMessage whose
// entire remaining body is the mechanism-specific response.
func readSASLResponse(reader *buffer.Reader) ([]byte, error) {
	t, _, err := reader.ReadTypedMsg()
	if err != nil {
		return nil, err
	}

	if t != types.ClientPassword {
		return nil, fmt.Errorf("unexpected message type %s, expected SASLResponse", t)
	}

	return reader.Rest(), nil
}

// writeAuthType writes the AuthenticationXXX message informing the client
// about the authentication status and any accompanying data (e.g. an MD5
// salt).
func writeAuthType(writer *buffer.Writer, status authType, data []byte) error {
	writer.Start(types.ServerAuth)
	writer.AddInt32(int32(status))
	writer.AddBytes(data)
	return writer.End()
}

func writeSASLMechanisms(writer *buffer.Writer, mechanisms ...scram.Mechanism) error {
	writer.Start(types.ServerAuth)
	writer.AddInt32(int32(authSASL))
	for _, mechanism := range mechanisms {
		writer.AddString(string(mechanism))
		writer.AddNullTerminate()
	}
	writer.AddNullTerminate()
	return writer.End()
}

func writeAuthSASLContinue(writer *buffer.Writer, data []byte) error {
	writer.Start(types.ServerAuth)
	writer.AddInt32(int32(authSASLContinue))
	writer.AddBytes(data)
	return writer.End()
}

func writeAuthSASLFinal(writer *buffer.Writer, data []byte) error {
	writer.Start(types.ServerAuth)
	writer.AddInt32(int32(authSASLFinal))
	writer.AddBytes(data)
	return writer.End()
}

// IsSuperUser reports whether the authenticated connection is a super user.
// psql-wire style servers never grant superuser; handlers that need to
// report otherwise should wrap ServerParameters.
func IsSuperUser(ctx context.Context) bool {
	return false
}

// AuthenticatedUsername returns the username supplied during connection
// startup.
func AuthenticatedUsername(ctx context.Context) string {
	parameters := ClientParameters(ctx)
	return parameters[ParamUsername]
}
