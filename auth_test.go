package wire

import (
	"crypto/hmac"
	"crypto/md5" //nolint:gosec // mirrors the client side of the wire protocol's MD5 challenge
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net"
	"strings"
	"testing"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/pbkdf2"

	"github.com/go-pgwire/pgwire/internal/mock"
	"github.com/go-pgwire/pgwire/internal/types"
	"github.com/go-pgwire/pgwire/scram"
)

type credentialMap map[string]string

func (m credentialMap) Plaintext(username string) (string, bool, error) {
	password, ok := m[username]
	return password, ok, nil
}

func (m credentialMap) Scram(username string) (scram.StoredCredentials, bool, error) {
	password, ok := m[username]
	if !ok {
		return scram.StoredCredentials{}, false, nil
	}

	creds, err := scram.NewStoredCredentials(password)
	if err != nil {
		return scram.StoredCredentials{}, false, err
	}

	return creds, true, nil
}

// clientMD5Response reproduces libpq's side of the MD5 challenge, kept
// independent of auth.go's md5Response so the test exercises the server's
// implementation rather than comparing it against itself.
func clientMD5Response(username, password string, salt []byte) string {
	innerSum := md5.Sum([]byte(password + username)) //nolint:gosec
	inner := hex.EncodeToString(innerSum[:])

	outerSum := md5.Sum(append([]byte(inner), salt...)) //nolint:gosec
	return "md5" + hex.EncodeToString(outerSum[:])
}

func dialTestServer(t *testing.T, server *Server) net.Conn {
	t.Helper()

	addr := TListenAndServe(t, server)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func TestMD5PasswordAuthentication(t *testing.T) {
	t.Parallel()

	store := credentialMap{"bob": "pencil"}
	server, err := NewServer(Logger(slogt.New(t)), WithAuthStrategy(MD5Password(store)), SimpleQuery(greetingParse))
	require.NoError(t, err)

	conn := dialTestServer(t, server)
	client := mock.NewClient(conn)
	client.Handshake(t, "bob", "")

	status, salt := client.ReadAuth(t)
	require.EqualValues(t, authMD5Password, status)
	require.Len(t, salt, 4)

	client.PasswordMessage(t, clientMD5Response("bob", "pencil", salt))
	client.ExpectAuthOK(t)
	client.ReadyForQuery(t, types.ServerIdle)

	client.Close(t)
}

func TestMD5PasswordAuthenticationRejectsWrongPassword(t *testing.T) {
	t.Parallel()

	store := credentialMap{"bob": "pencil"}
	server, err := NewServer(Logger(slogt.New(t)), WithAuthStrategy(MD5Password(store)), SimpleQuery(greetingParse))
	require.NoError(t, err)

	conn := dialTestServer(t, server)
	client := mock.NewClient(conn)
	client.Handshake(t, "bob", "")

	_, salt := client.ReadAuth(t)
	client.PasswordMessage(t, clientMD5Response("bob", "wrong-password", salt))
	client.ExpectError(t)
}

// scramClientProof computes the client side of a SCRAM-SHA-256 exchange,
// mirroring jackc/pgconn's auth_scram.go so the test drives the server
// through a real RFC 7677 exchange rather than reusing its own internals.
func scramClientProof(password string, salt []byte, iterations int, authMessage string) (proof, serverSignature []byte) {
	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, sha256.Size, sha256.New)

	clientKey := hmacSHA256(saltedPassword, "Client Key")
	storedKey := sha256.Sum256(clientKey)
	clientSignature := hmacSHA256(storedKey[:], authMessage)

	proof = make([]byte, len(clientKey))
	for i := range proof {
		proof[i] = clientKey[i] ^ clientSignature[i]
	}

	serverKey := hmacSHA256(saltedPassword, "Server Key")
	serverSignature = hmacSHA256(serverKey, authMessage)

	return proof, serverSignature
}

func hmacSHA256(key []byte, msg string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}

func TestScramSHA256Authentication(t *testing.T) {
	t.Parallel()

	store := credentialMap{"bob": "pencil"}
	server, err := NewServer(Logger(slogt.New(t)), WithAuthStrategy(ScramSHA256(store)), SimpleQuery(greetingParse))
	require.NoError(t, err)

	conn := dialTestServer(t, server)
	client := mock.NewClient(conn)
	client.Handshake(t, "bob", "")

	status, mechanisms := client.ReadAuth(t)
	require.EqualValues(t, authSASL, status)
	require.Contains(t, string(mechanisms), "SCRAM-SHA-256")

	clientNonce := make([]byte, 18)
	_, err = rand.Read(clientNonce)
	require.NoError(t, err)
	nonce := base64.RawStdEncoding.EncodeToString(clientNonce)

	clientFirstBare := "n=bob,r=" + nonce
	client.SASLInitialResponse(t, "SCRAM-SHA-256", []byte("n,,"+clientFirstBare))

	status, serverFirst := client.ReadAuth(t)
	require.EqualValues(t, authSASLContinue, status)

	var combinedNonce, saltB64, iterB64 string
	for _, part := range strings.Split(string(serverFirst), ",") {
		switch {
		case strings.HasPrefix(part, "r="):
			combinedNonce = part[2:]
		case strings.HasPrefix(part, "s="):
			saltB64 = part[2:]
		case strings.HasPrefix(part, "i="):
			iterB64 = part[2:]
		}
	}
	require.True(t, strings.HasPrefix(combinedNonce, nonce))

	salt, err := base64.StdEncoding.DecodeString(saltB64)
	require.NoError(t, err)

	iterations := 0
	for _, c := range iterB64 {
		iterations = iterations*10 + int(c-'0')
	}
	require.Equal(t, scram.DefaultIterations, iterations)

	clientFinalWithoutProof := "c=biws,r=" + combinedNonce
	authMessage := strings.Join([]string{clientFirstBare, string(serverFirst), clientFinalWithoutProof}, ",")

	proof, wantServerSignature := scramClientProof("pencil", salt, iterations, authMessage)
	clientFinal := clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof)

	client.SASLResponse(t, []byte(clientFinal))

	status, serverFinal := client.ReadAuth(t)
	require.EqualValues(t, authSASLFinal, status)
	require.Equal(t, "v="+base64.StdEncoding.EncodeToString(wantServerSignature), string(serverFinal))

	client.ExpectAuthOK(t)
	client.ReadyForQuery(t, types.ServerIdle)

	client.Close(t)
}

// TestScramSHA256RFC7677Vector pins the SCRAM-SHA-256 crypto primitives
// against the literal test vector from RFC 7677 section 3, independent of
// this package's own nonce generation.
func TestScramSHA256RFC7677Vector(t *testing.T) {
	t.Parallel()

	salt, err := base64.StdEncoding.DecodeString("W22ZaJ0SNY7soEsUEjb6gQ==")
	require.NoError(t, err)

	stored, err := scram.NewStoredCredentialsWithSalt("pencil", salt, 4096)
	require.NoError(t, err)

	const (
		clientFirstBare            = "n=user,r=rOprNGfwEbeRWgbNEkqO"
		serverFirst                = "r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=4096"
		clientFinalWithoutProof    = "c=biws,r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0"
		proofB64                  = "dHzbZapWIk4jUhN+Ute9ytag9zjfMHgsqmmiz7AndVQ="
		expectedServerFinalMessage = "v=6rriTRBi23WpRR/wtup+mMhUZUn/dB5nLTJRsjl95G4="
	)

	proof, err := base64.StdEncoding.DecodeString(proofB64)
	require.NoError(t, err)

	authMessage := scram.AuthMessage(clientFirstBare, serverFirst, clientFinalWithoutProof)

	signature, err := scram.VerifyClientProof(stored, authMessage, proof)
	require.NoError(t, err)
	require.Equal(t, expectedServerFinalMessage, string(scram.ServerFinalMessage(signature)))
}

func TestScramSHA256AuthenticationRejectsWrongPassword(t *testing.T) {
	t.Parallel()

	store := credentialMap{"bob": "pencil"}
	server, err := NewServer(Logger(slogt.New(t)), WithAuthStrategy(ScramSHA256(store)), SimpleQuery(greetingParse))
	require.NoError(t, err)

	conn := dialTestServer(t, server)
	client := mock.NewClient(conn)
	client.Handshake(t, "bob", "")

	client.ReadAuth(t)

	clientNonce := make([]byte, 18)
	_, err = rand.Read(clientNonce)
	require.NoError(t, err)
	nonce := base64.RawStdEncoding.EncodeToString(clientNonce)

	clientFirstBare := "n=bob,r=" + nonce
	client.SASLInitialResponse(t, "SCRAM-SHA-256", []byte("n,,"+clientFirstBare))

	status, serverFirst := client.ReadAuth(t)
	require.EqualValues(t, authSASLContinue, status)

	var combinedNonce, saltB64 string
	for _, part := range strings.Split(string(serverFirst), ",") {
		switch {
		case strings.HasPrefix(part, "r="):
			combinedNonce = part[2:]
		case strings.HasPrefix(part, "s="):
			saltB64 = part[2:]
		}
	}

	salt, err := base64.StdEncoding.DecodeString(saltB64)
	require.NoError(t, err)

	clientFinalWithoutProof := "c=biws,r=" + combinedNonce
	authMessage := strings.Join([]string{clientFirstBare, string(serverFirst), clientFinalWithoutProof}, ",")

	proof, _ := scramClientProof("wrong-password", salt, scram.DefaultIterations, authMessage)
	clientFinal := clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof)

	client.SASLResponse(t, []byte(clientFinal))
	client.ExpectError(t)
}
