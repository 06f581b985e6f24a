// Package scram implements the server side of the SCRAM-SHA-256 SASL
// mechanism (RFC 5802, RFC 7677) used by the PostgreSQL wire protocol's
// AuthenticationSASL exchange. The cryptographic primitives mirror
// jackc/pgconn's client-side auth_scram.go; this package inverts that flow
// to play the server role.
package scram

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/secure/precis"
)

// Mechanism is the SASL mechanism name negotiated during AuthenticationSASL.
type Mechanism string

const (
	SHA256     Mechanism = "SCRAM-SHA-256"
	SHA256Plus Mechanism = "SCRAM-SHA-256-PLUS"
)

// DefaultIterations is the PBKDF2 iteration count used when deriving a
// salted password, matching libpq's default SCRAM iteration count.
const DefaultIterations = 4096

const nonceLen = 18

// StoredCredentials holds the salted-password artifacts a server persists
// instead of a plaintext password, as produced by NewStoredCredentials.
type StoredCredentials struct {
	Salt       []byte
	Iterations int
	StoredKey  []byte
	ServerKey  []byte
}

// NewStoredCredentials derives SCRAM stored credentials for password using a
// freshly generated random salt and DefaultIterations.
func NewStoredCredentials(password string) (StoredCredentials, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return StoredCredentials{}, err
	}

	return NewStoredCredentialsWithSalt(password, salt, DefaultIterations)
}

// NewStoredCredentialsWithSalt derives SCRAM stored credentials using the
// given salt and iteration count, for deterministic tests and migrations.
func NewStoredCredentialsWithSalt(password string, salt []byte, iterations int) (StoredCredentials, error) {
	normalized, err := saslPrep(password)
	if err != nil {
		return StoredCredentials{}, err
	}

	saltedPassword := pbkdf2.Key(normalized, salt, iterations, sha256.Size, sha256.New)
	clientKey := hmacSum(saltedPassword, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)
	serverKey := hmacSum(saltedPassword, []byte("Server Key"))

	return StoredCredentials{
		Salt:       salt,
		Iterations: iterations,
		StoredKey:  storedKey[:],
		ServerKey:  serverKey,
	}, nil
}

// saslPrep applies the OpaqueString SASLprep profile (RFC 8265) to a
// password, falling back to the raw bytes on failure -- Postgres itself
// tolerates passwords that aren't strictly SASLprep-valid.
func saslPrep(password string) ([]byte, error) {
	prepped, err := precis.OpaqueString.String(password)
	if err != nil {
		return []byte(password), nil //nolint:nilerr
	}

	return []byte(prepped), nil
}

func hmacSum(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

// ClientFirstMessage is the parsed body of the client-first-message that
// accompanies a SASLInitialResponse.
type ClientFirstMessage struct {
	GS2Header      string
	ChannelBinding string
	Username       string
	Nonce          string
	bare           string
}

var (
	ErrInvalidMessage       = errors.New("scram: malformed message")
	ErrUnsupportedGS2Header = errors.New("scram: unsupported gs2 header")
	ErrAuthentication       = errors.New("scram: authentication failed")
)

// ParseClientFirstMessage parses the client-first-message of a
// SASLInitialResponse payload: the "n,,"/"y,," gs2 header followed by
// client-first-message-bare. A "p=..." header is rejected with
// ErrUnsupportedGS2Header.
func ParseClientFirstMessage(data []byte) (ClientFirstMessage, error) {
	msg := string(data)

	var gs2 string
	switch {
	case strings.HasPrefix(msg, "n,,"):
		gs2, msg = "n,,", msg[3:]
	case strings.HasPrefix(msg, "y,,"):
		gs2, msg = "y,,", msg[3:]
	case strings.HasPrefix(msg, "p="):
		idx := strings.IndexByte(msg, ',')
		if idx == -1 {
			return ClientFirstMessage{}, ErrInvalidMessage
		}
		// channel-binding requested; SCRAM-SHA-256 (without -PLUS) never
		// offers it, so a "p=" header here is always a protocol error.
		return ClientFirstMessage{}, ErrUnsupportedGS2Header
	default:
		return ClientFirstMessage{}, ErrUnsupportedGS2Header
	}

	bare := msg
	var username string
	parts := strings.SplitN(msg, ",", 2)
	if len(parts) != 2 {
		return ClientFirstMessage{}, ErrInvalidMessage
	}

	if strings.HasPrefix(parts[0], "n=") {
		username = parts[0][2:]
	}

	rest := parts[1]
	if !strings.HasPrefix(rest, "r=") {
		return ClientFirstMessage{}, ErrInvalidMessage
	}
	nonce := rest[2:]
	if idx := strings.IndexByte(nonce, ','); idx != -1 {
		nonce = nonce[:idx]
	}

	if nonce == "" {
		return ClientFirstMessage{}, ErrInvalidMessage
	}

	return ClientFirstMessage{
		GS2Header: gs2,
		Username:  username,
		Nonce:     nonce,
		bare:      bare,
	}, nil
}

// ServerFirstMessage builds the server-first-message for the given client
// nonce, salt, and iteration count, returning both the wire payload and the
// combined nonce the client-final-message must echo back.
func ServerFirstMessage(clientNonce string, salt []byte, iterations int) (payload []byte, combinedNonce string) {
	serverNonceSuffix := make([]byte, nonceLen)
	_, _ = rand.Read(serverNonceSuffix)

	combinedNonce = clientNonce + base64.RawStdEncoding.EncodeToString(serverNonceSuffix)
	saltB64 := base64.StdEncoding.EncodeToString(salt)

	return []byte(fmt.Sprintf("r=%s,s=%s,i=%d", combinedNonce, saltB64, iterations)), combinedNonce
}

// ClientFinalMessage is the parsed body of a client-final-message.
type ClientFinalMessage struct {
	ChannelBinding string
	Nonce          string
	Proof          []byte
	withoutProof   string
}

// ParseClientFinalMessage parses a client-final-message payload.
func ParseClientFinalMessage(data []byte) (ClientFinalMessage, error) {
	msg := string(data)

	idx := strings.LastIndex(msg, ",p=")
	if idx == -1 {
		return ClientFinalMessage{}, ErrInvalidMessage
	}

	withoutProof := msg[:idx]
	proofB64 := msg[idx+3:]

	proof, err := base64.StdEncoding.DecodeString(proofB64)
	if err != nil {
		return ClientFinalMessage{}, fmt.Errorf("%w: invalid proof encoding", ErrInvalidMessage)
	}

	var channelBinding, nonce string
	for _, part := range strings.Split(withoutProof, ",") {
		switch {
		case strings.HasPrefix(part, "c="):
			channelBinding = part[2:]
		case strings.HasPrefix(part, "r="):
			nonce = part[2:]
		}
	}

	if channelBinding == "" || nonce == "" {
		return ClientFinalMessage{}, ErrInvalidMessage
	}

	return ClientFinalMessage{
		ChannelBinding: channelBinding,
		Nonce:          nonce,
		Proof:          proof,
		withoutProof:   withoutProof,
	}, nil
}

// AuthMessage reconstructs the SCRAM auth-message given the three exchange
// legs, used both to verify the client proof and to compute the server
// signature.
func AuthMessage(clientFirstBare, serverFirst, clientFinalWithoutProof string) string {
	return strings.Join([]string{clientFirstBare, serverFirst, clientFinalWithoutProof}, ",")
}

// Bare returns client-first-message-bare ("n=...,r=...") as received, as
// required to rebuild the auth-message.
func (m ClientFirstMessage) Bare() string {
	return m.bare
}

// WithoutProof exposes client-final-message-without-proof, as required to
// rebuild the auth-message.
func (m ClientFinalMessage) WithoutProof() string {
	return m.withoutProof
}

// VerifyClientProof checks a client-final-message's proof against stored
// credentials and the reconstructed auth-message, returning the server
// signature to send back on success.
func VerifyClientProof(stored StoredCredentials, authMessage string, proof []byte) (serverSignature []byte, err error) {
	clientSignature := hmacSum(stored.StoredKey, []byte(authMessage))

	clientKey := make([]byte, len(proof))
	for i := range clientKey {
		if i >= len(clientSignature) {
			return nil, ErrAuthentication
		}
		clientKey[i] = proof[i] ^ clientSignature[i]
	}

	candidateStoredKey := sha256.Sum256(clientKey)
	if subtle.ConstantTimeCompare(candidateStoredKey[:], stored.StoredKey) != 1 {
		return nil, ErrAuthentication
	}

	return hmacSum(stored.ServerKey, []byte(authMessage)), nil
}

// ServerFinalMessage builds the v=<signature> wire payload for a successful
// exchange.
func ServerFinalMessage(serverSignature []byte) []byte {
	return []byte("v=" + base64.StdEncoding.EncodeToString(serverSignature))
}

// EncodeSalt converts stored salt bytes to their base64 wire
// representation.
func EncodeSalt(salt []byte) string {
	return base64.StdEncoding.EncodeToString(salt)
}

// DecodeSalt parses a base64-encoded salt as received from storage or a
// configuration file.
func DecodeSalt(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// FormatIterations renders an iteration count for embedding in a
// server-first-message.
func FormatIterations(i int) string {
	return strconv.Itoa(i)
}
