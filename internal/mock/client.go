package mock

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/go-pgwire/pgwire/internal/types"
)

// NewClient wraps conn with the reader/writer pair needed to speak the wire
// protocol's client side.
func NewClient(conn net.Conn) *Client {
	return &Client{
		conn:   conn,
		Writer: NewWriter(conn),
		Reader: NewReader(conn),
	}
}

// Client is a minimal wire protocol client used to drive a Server end to end
// from a test, without depending on an actual Postgres driver.
type Client struct {
	conn net.Conn
	*Writer
	*Reader
}

// Handshake writes a StartupMessage naming username (and, if non-empty,
// database) as connection parameters.
func (client *Client) Handshake(t *testing.T, username, database string) {
	t.Helper()

	version := make([]byte, 4)
	binary.BigEndian.PutUint32(version, uint32(types.Version30))

	nul := byte(0)
	params := append([]byte("user"), nul)
	params = append(params, append([]byte(username), nul)...)

	if database != "" {
		params = append(params, append([]byte("database"), nul)...)
		params = append(params, append([]byte(database), nul)...)
	}

	params = append(params, nul)

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(version)+len(params)+len(header)))

	if _, err := client.conn.Write(append(header, append(version, params...)...)); err != nil {
		t.Fatal(err)
	}
}

// ExpectAuthOK reads a single AuthenticationOk message, failing the test if
// anything else is received. It does not drive multi-step exchanges (MD5,
// SASL); callers authenticating with those strategies read the intervening
// messages themselves.
func (client *Client) ExpectAuthOK(t *testing.T) {
	t.Helper()

	typed, _, err := client.ReadTypedMsg()
	if err != nil {
		t.Fatal(err)
	}

	if typed != types.ServerAuth {
		t.Fatalf("unexpected message type %s, expected Auth", typed)
	}

	status, err := client.GetUint32()
	if err != nil {
		t.Fatal(err)
	}

	if status != 0 {
		t.Fatalf("unexpected auth status %d, expected AuthenticationOk", status)
	}
}

// PasswordMessage sends a cleartext or MD5 PasswordMessage carrying
// response.
func (client *Client) PasswordMessage(t *testing.T, response string) {
	t.Helper()

	client.Start(types.ClientPassword)
	client.AddString(response)
	client.AddNullTerminate()
	if err := client.End(); err != nil {
		t.Fatal(err)
	}
}

// ReadyForQuery reads and discards ParameterStatus/BackendKeyData messages
// until ReadyForQuery, then asserts the given transaction status.
func (client *Client) ReadyForQuery(t *testing.T, want types.ServerStatus) {
	t.Helper()

	var typed types.ServerMessage
	var err error

	for {
		typed, _, err = client.ReadTypedMsg()
		if err != nil {
			t.Fatal(err)
		}

		if typed != types.ServerParameterStatus && typed != types.ServerBackendKeyData {
			break
		}
	}

	if typed != types.ServerReady {
		t.Fatalf("unexpected message type %s, expected Ready", typed)
	}

	status, err := client.GetByte()
	if err != nil {
		t.Fatal(err)
	}

	if types.ServerStatus(status) != want {
		t.Fatalf("unexpected transaction status %q, expected %q", status, want)
	}
}

// SimpleQuery sends a simple query ('Q') message.
func (client *Client) SimpleQuery(t *testing.T, query string) {
	t.Helper()

	client.Start(types.ClientSimpleQuery)
	client.AddString(query)
	client.AddNullTerminate()
	if err := client.End(); err != nil {
		t.Fatal(err)
	}
}

// Parse sends a Parse ('P') message declaring no parameter OIDs up front.
func (client *Client) Parse(t *testing.T, name, query string) {
	t.Helper()

	client.Start(types.ClientParse)
	client.AddString(name)
	client.AddNullTerminate()
	client.AddString(query)
	client.AddNullTerminate()
	client.AddInt16(0)
	if err := client.End(); err != nil {
		t.Fatal(err)
	}
}

// Bind sends a Bind ('B') message with no parameters and the given result
// format codes (empty meaning "all text").
func (client *Client) Bind(t *testing.T, portal, statement string, resultFormats []int16) {
	t.Helper()

	client.Start(types.ClientBind)
	client.AddString(portal)
	client.AddNullTerminate()
	client.AddString(statement)
	client.AddNullTerminate()
	client.AddInt16(0) // parameter format codes
	client.AddInt16(0) // parameter count
	client.AddInt16(int16(len(resultFormats)))
	for _, f := range resultFormats {
		client.AddInt16(f)
	}
	if err := client.End(); err != nil {
		t.Fatal(err)
	}
}

// Describe sends a Describe ('D') message for the named statement or portal.
func (client *Client) Describe(t *testing.T, target types.PrepareType, name string) {
	t.Helper()

	client.Start(types.ClientDescribe)
	client.AddByte(byte(target))
	client.AddString(name)
	client.AddNullTerminate()
	if err := client.End(); err != nil {
		t.Fatal(err)
	}
}

// Execute sends an Execute ('E') message for the named portal, requesting at
// most limit rows (0 meaning unlimited).
func (client *Client) Execute(t *testing.T, portal string, limit int32) {
	t.Helper()

	client.Start(types.ClientExecute)
	client.AddString(portal)
	client.AddNullTerminate()
	client.AddInt32(limit)
	if err := client.End(); err != nil {
		t.Fatal(err)
	}
}

// Sync sends a Sync ('S') message.
func (client *Client) Sync(t *testing.T) {
	t.Helper()

	client.Start(types.ClientSync)
	if err := client.End(); err != nil {
		t.Fatal(err)
	}
}

// ReadAuth reads an AuthenticationXXX message, returning its status code and
// any trailing payload (an MD5 salt, a SASL mechanism list, or a SASL
// continue/final payload).
func (client *Client) ReadAuth(t *testing.T) (int32, []byte) {
	t.Helper()

	typed, _, err := client.ReadTypedMsg()
	if err != nil {
		t.Fatal(err)
	}

	if typed != types.ServerAuth {
		t.Fatalf("unexpected message type %s, expected Auth", typed)
	}

	status, err := client.GetInt32()
	if err != nil {
		t.Fatal(err)
	}

	return status, client.Rest()
}

// SASLInitialResponse sends a PasswordMessage carrying a SASLInitialResponse:
// the chosen mechanism name followed by the length-prefixed client-first
// message.
func (client *Client) SASLInitialResponse(t *testing.T, mechanism string, response []byte) {
	t.Helper()

	client.Start(types.ClientPassword)
	client.AddString(mechanism)
	client.AddNullTerminate()
	client.AddInt32(int32(len(response)))
	client.AddBytes(response)
	if err := client.End(); err != nil {
		t.Fatal(err)
	}
}

// SASLResponse sends a PasswordMessage carrying a SASLResponse: the raw
// mechanism-specific payload with no framing.
func (client *Client) SASLResponse(t *testing.T, response []byte) {
	t.Helper()

	client.Start(types.ClientPassword)
	client.AddBytes(response)
	if err := client.End(); err != nil {
		t.Fatal(err)
	}
}

// ExpectMessage reads the next message and asserts its type.
func (client *Client) ExpectMessage(t *testing.T, want types.ServerMessage) {
	t.Helper()

	typed, _, err := client.ReadTypedMsg()
	if err != nil {
		t.Fatal(err)
	}

	if typed != want {
		t.Fatalf("unexpected message type %s, expected %s", typed, want)
	}
}

// ExpectError reads an ErrorResponse message, failing the test if anything
// else is received.
func (client *Client) ExpectError(t *testing.T) {
	t.Helper()
	client.ExpectMessage(t, types.ServerErrorResponse)
}

// Close sends a Terminate ('X') message.
func (client *Client) Close(t *testing.T) {
	t.Helper()

	client.Start(types.ClientTerminate)
	if err := client.End(); err != nil {
		t.Fatal(err)
	}
}
