package scram

import (
	"encoding/base64"
	"errors"
)

// step enumerates where a server-side exchange is in its lifecycle.
type step int

const (
	stepInitial step = iota
	stepAwaitingFinal
	stepDone
)

// ErrOutOfOrder is returned when a server-side exchange method is called out
// of the expected Initial -> Continue -> Final sequence.
var ErrOutOfOrder = errors.New("scram: message received out of order")

// CredentialLookup resolves the stored credentials for a username, as
// supplied by the caller of NewServer.
type CredentialLookup func(username string) (StoredCredentials, error)

// Server drives one SCRAM-SHA-256 server-side exchange across the three
// SASL messages a connection sends during authentication.
type Server struct {
	lookup CredentialLookup
	step   step

	clientFirstBare string
	serverFirst     string
	stored          StoredCredentials
	combinedNonce   string
	gs2Header       string
}

// NewServer constructs a Server that resolves a client's stored credentials
// via lookup, called once the client-first-message reveals the username.
func NewServer(lookup CredentialLookup) *Server {
	return &Server{lookup: lookup}
}

// Start consumes the client-first-message (the payload of a
// SASLInitialResponse) and returns the server-first-message payload to send
// back in an AuthenticationSASLContinue.
func (s *Server) Start(clientFirst []byte) ([]byte, error) {
	if s.step != stepInitial {
		return nil, ErrOutOfOrder
	}

	msg, err := ParseClientFirstMessage(clientFirst)
	if err != nil {
		return nil, err
	}

	stored, err := s.lookup(msg.Username)
	if err != nil {
		return nil, err
	}

	payload, combinedNonce := ServerFirstMessage(msg.Nonce, stored.Salt, stored.Iterations)

	s.clientFirstBare = msg.Bare()
	s.serverFirst = string(payload)
	s.stored = stored
	s.combinedNonce = combinedNonce
	s.gs2Header = msg.GS2Header
	s.step = stepAwaitingFinal

	return payload, nil
}

// Finish consumes the client-final-message and returns the
// server-final-message payload to send back in an AuthenticationSASLFinal.
// A non-nil error means authentication failed and the connection must be
// terminated with an error response, never an AuthenticationOk.
func (s *Server) Finish(clientFinal []byte) ([]byte, error) {
	if s.step != stepAwaitingFinal {
		return nil, ErrOutOfOrder
	}

	msg, err := ParseClientFinalMessage(clientFinal)
	if err != nil {
		return nil, err
	}

	if msg.Nonce != s.combinedNonce {
		return nil, ErrAuthentication
	}

	if msg.ChannelBinding != base64.StdEncoding.EncodeToString([]byte(s.gs2Header)) {
		return nil, ErrAuthentication
	}

	authMessage := AuthMessage(s.clientFirstBare, s.serverFirst, msg.WithoutProof())

	signature, err := VerifyClientProof(s.stored, authMessage, msg.Proof)
	if err != nil {
		return nil, err
	}

	s.step = stepDone

	return ServerFinalMessage(signature), nil
}

// Done reports whether the exchange completed successfully.
func (s *Server) Done() bool {
	return s.step == stepDone
}
