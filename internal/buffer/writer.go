package buffer

import (
	"bytes"
	"encoding/binary"
	"io"
	"log/slog"

	"github.com/go-pgwire/pgwire/internal/types"
)

// Writer provides a convenient way to write pgwire protocol messages.
type Writer struct {
	io.Writer
	logger *slog.Logger
	frame  bytes.Buffer
	putbuf [64]byte
	err    error
}

// NewWriter constructs a new Postgres buffered message writer for the given
// io.Writer.
func NewWriter(logger *slog.Logger, writer io.Writer) *Writer {
	return &Writer{
		logger: logger,
		Writer: writer,
	}
}

// Start resets the buffer writer and starts a new message with the given
// message type. The message type (byte) and reserved message length bytes
// (int32) are written to the underlying frame buffer.
func (writer *Writer) Start(t types.ServerMessage) {
	writer.Reset()
	writer.putbuf[0] = byte(t)
	writer.frame.Write(writer.putbuf[:5]) // message type + message length
}

// AddByte writes a single byte to the frame.
func (writer *Writer) AddByte(b byte) {
	if writer.err != nil {
		return
	}

	writer.err = writer.frame.WriteByte(b)
}

// AddInt16 writes a big-endian int16 to the frame.
func (writer *Writer) AddInt16(i int16) (size int) {
	if writer.err != nil {
		return size
	}

	x := make([]byte, 2)
	binary.BigEndian.PutUint16(x, uint16(i))
	size, writer.err = writer.frame.Write(x)
	return size
}

// AddInt32 writes a big-endian int32 to the frame.
func (writer *Writer) AddInt32(i int32) (size int) {
	if writer.err != nil {
		return size
	}

	x := make([]byte, 4)
	binary.BigEndian.PutUint32(x, uint32(i))
	size, writer.err = writer.frame.Write(x)
	return size
}

// AddBytes writes raw bytes to the frame.
func (writer *Writer) AddBytes(b []byte) (size int) {
	if writer.err != nil {
		return size
	}

	size, writer.err = writer.frame.Write(b)
	return size
}

// AddString writes a raw string to the frame (no terminator).
func (writer *Writer) AddString(s string) (size int) {
	if writer.err != nil {
		return size
	}

	size, writer.err = writer.frame.WriteString(s)
	return size
}

// AddNullTerminate appends a NUL byte, closing a C-string.
func (writer *Writer) AddNullTerminate() {
	if writer.err != nil {
		return
	}

	writer.err = writer.frame.WriteByte(0)
}

// Error returns the first error encountered while building the current frame.
func (writer *Writer) Error() error {
	return writer.err
}

// Bytes returns the bytes written to the active frame so far.
func (writer *Writer) Bytes() []byte {
	return writer.frame.Bytes()
}

// Reset clears the active frame, discarding any partially built message.
func (writer *Writer) Reset() {
	writer.frame.Reset()
	writer.err = nil
}

// End finalizes the active frame -- patching in its length -- and flushes it
// to the underlying io.Writer.
func (writer *Writer) End() error {
	defer writer.Reset()
	if writer.Error() != nil {
		return writer.Error()
	}

	bb := writer.frame.Bytes()
	length := uint32(writer.frame.Len() - 1) // total length minus the type byte
	binary.BigEndian.PutUint32(bb[1:5], length)
	_, err := writer.Write(bb)

	if writer.logger != nil {
		writer.logger.Debug("-> writing message", slog.String("type", types.ServerMessage(bb[0]).String()))
	}

	return err
}

// EncodeBoolean returns a string value ("on"/"off") representing the given
// boolean value, as used by several ParameterStatus values.
func EncodeBoolean(value bool) string {
	if value {
		return "on"
	}

	return "off"
}
