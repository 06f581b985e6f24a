// Package mock provides a minimal client-side implementation of the wire
// protocol, used by integration tests to drive a Server over a real net.Conn
// without pulling in an actual Postgres driver.
package mock

import (
	"io"
	"log/slog"

	"github.com/go-pgwire/pgwire/internal/buffer"
	"github.com/go-pgwire/pgwire/internal/types"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// NewWriter constructs a client-side message writer.
func NewWriter(writer io.Writer) *Writer {
	return &Writer{buffer.NewWriter(discard, writer)}
}

// Writer wraps buffer.Writer, accepting client message types rather than
// server ones.
type Writer struct {
	*buffer.Writer
}

// Start begins a new client message of the given type.
func (w *Writer) Start(t types.ClientMessage) {
	w.Writer.Start(types.ServerMessage(t))
}

// NewReader constructs a client-side message reader.
func NewReader(reader io.Reader) *Reader {
	return &Reader{buffer.NewReader(discard, reader, buffer.DefaultBufferSize)}
}

// Reader wraps buffer.Reader, reporting server message types rather than
// client ones.
type Reader struct {
	*buffer.Reader
}

// ReadTypedMsg reads the next message, reporting it as a server message type.
func (r *Reader) ReadTypedMsg() (types.ServerMessage, int, error) {
	t, l, err := r.Reader.ReadTypedMsg()
	return types.ServerMessage(t), l, err
}
