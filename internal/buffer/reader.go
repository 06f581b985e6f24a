package buffer

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"log/slog"
	"unsafe"

	"github.com/go-pgwire/pgwire/internal/types"
)

// DefaultBufferSize represents the default buffer size whenever the buffer
// size is not set or a negative value is presented.
const DefaultBufferSize = 1 << 24 // 16777216 bytes

// BufferedReader extends io.Reader with the convenience methods the decoder
// needs to pull length-prefixed frames off the wire.
type BufferedReader interface {
	io.Reader
	ReadString(delim byte) (string, error)
	ReadByte() (byte, error)
}

// Reader provides a convenient way to read pgwire protocol messages. A Reader
// is never shared across connections; it owns the bytes backing the most
// recently decoded message body (Msg) until the next read advances it.
type Reader struct {
	logger         *slog.Logger
	Buffer         BufferedReader
	Msg            []byte
	MaxMessageSize int
	header         [4]byte
}

// NewReader constructs a new Postgres wire buffer for the given io.Reader.
func NewReader(logger *slog.Logger, reader io.Reader, bufferSize int) *Reader {
	if reader == nil {
		return nil
	}

	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	return &Reader{
		logger:         logger,
		Buffer:         bufio.NewReaderSize(reader, bufferSize),
		MaxMessageSize: bufferSize,
	}
}

// reset sets reader.Msg to exactly size, attempting to use spare capacity
// at the end of the existing slice when possible and allocating a new
// slice when necessary.
func (reader *Reader) reset(size int) {
	if reader.Msg != nil {
		reader.Msg = reader.Msg[len(reader.Msg):]
	}

	if cap(reader.Msg) >= size {
		reader.Msg = reader.Msg[:size]
		return
	}

	allocSize := size
	if allocSize < 4096 {
		allocSize = 4096
	}
	reader.Msg = make([]byte, size, allocSize)
}

// ReadType reads the client message type tag from the provided reader.
func (reader *Reader) ReadType() (types.ClientMessage, error) {
	b, err := reader.Buffer.ReadByte()
	if err != nil {
		return 0, err
	}

	return types.ClientMessage(b), nil
}

// ReadTypedMsg reads a tagged message from the provided reader, returning its
// type and the number of bytes read (including the 1-byte tag and 4-byte
// length).
func (reader *Reader) ReadTypedMsg() (types.ClientMessage, int, error) {
	typed, err := reader.ReadType()
	if err != nil {
		return typed, 0, err
	}

	n, err := reader.ReadUntypedMsg()
	if err != nil {
		return 0, 0, err
	}

	return typed, n + 1, nil
}

// Slurp reads and discards size bytes. It can drain the remainder of a frame
// that was rejected for exceeding MaxMessageSize.
func (reader *Reader) Slurp(size int) error {
	remaining := size
	for remaining > 0 {
		reading := remaining

		if reading > reader.MaxMessageSize {
			reading = reader.MaxMessageSize
		}

		reader.reset(reading)

		n, err := io.ReadFull(reader.Buffer, reader.Msg)
		if err != nil {
			return err
		}

		remaining -= n
	}

	return nil
}

// ReadMsgSize reads the length of the next message from the provided reader.
func (reader *Reader) ReadMsgSize() (int, error) {
	nread, err := io.ReadFull(reader.Buffer, reader.header[:])
	if err != nil {
		return nread, err
	}

	size := int(binary.BigEndian.Uint32(reader.header[:]))
	if size < 4 {
		return size, NewInsufficientData(size)
	}

	// size includes itself.
	size -= 4

	return size, nil
}

// ReadUntypedMsg reads a length-prefixed message. It is only used directly
// during the startup/handshake phase of the protocol (Startup, SSLRequest,
// CancelRequest are untagged); ReadTypedMsg is used at all other times.
//
// If the declared size exceeds MaxMessageSize, a MessageSizeExceeded error is
// returned and the message body is left unread on the connection.
func (reader *Reader) ReadUntypedMsg() (int, error) {
	size, err := reader.ReadMsgSize()
	if err != nil {
		return 0, err
	}

	if size > reader.MaxMessageSize || size < 0 {
		return size, NewMessageSizeExceeded(reader.MaxMessageSize, size)
	}

	reader.reset(size)
	n, err := io.ReadFull(reader.Buffer, reader.Msg)
	return len(reader.header) + n, err
}

// GetString reads a NUL-terminated string from the remaining message body.
func (reader *Reader) GetString() (string, error) {
	pos := bytes.IndexByte(reader.Msg, 0)
	if pos == -1 {
		return "", NewMissingNulTerminator()
	}

	// NOTE: this avoids a copy by reinterpreting the byte slice as a string.
	// It is safe because the read buffer backing these bytes is never reused
	// while the returned string is alive.
	s := reader.Msg[:pos]
	reader.Msg = reader.Msg[pos+1:]
	return *((*string)(unsafe.Pointer(&s))), nil
}

// GetPrepareType returns the next byte as a PrepareType (Close/Describe
// target discriminator).
func (reader *Reader) GetPrepareType() (types.PrepareType, error) {
	v, err := reader.GetBytes(1)
	if err != nil {
		return 0, err
	}

	return types.PrepareType(v[0]), nil
}

// GetBytes returns the next n bytes of the message body. n == -1 is
// interpreted as a SQL NULL parameter and returns (nil, nil).
func (reader *Reader) GetBytes(n int) ([]byte, error) {
	if n == -1 {
		return nil, nil
	}

	if len(reader.Msg) < n {
		return nil, NewInsufficientData(len(reader.Msg))
	}

	v := reader.Msg[:n]
	reader.Msg = reader.Msg[n:]
	return v, nil
}

// Rest returns and consumes every remaining byte of the message body. It is
// used by messages whose final field has no explicit length prefix, such as
// the SASL mechanism payloads carried inside PasswordMessage.
func (reader *Reader) Rest() []byte {
	v := reader.Msg
	reader.Msg = reader.Msg[len(reader.Msg):]
	return v
}

// GetByte returns the next byte of the message body.
func (reader *Reader) GetByte() (byte, error) {
	if len(reader.Msg) < 1 {
		return 0, NewInsufficientData(len(reader.Msg))
	}

	v := reader.Msg[0]
	reader.Msg = reader.Msg[1:]
	return v, nil
}

// GetUint16 returns the next 2 bytes of the message body as a big-endian
// uint16.
func (reader *Reader) GetUint16() (uint16, error) {
	if len(reader.Msg) < 2 {
		return 0, NewInsufficientData(len(reader.Msg))
	}

	v := binary.BigEndian.Uint16(reader.Msg[:2])
	reader.Msg = reader.Msg[2:]
	return v, nil
}

// GetUint32 returns the next 4 bytes of the message body as a big-endian
// uint32.
func (reader *Reader) GetUint32() (uint32, error) {
	if len(reader.Msg) < 4 {
		return 0, NewInsufficientData(len(reader.Msg))
	}

	v := binary.BigEndian.Uint32(reader.Msg[:4])
	reader.Msg = reader.Msg[4:]
	return v, nil
}

// GetInt16 returns the next 2 bytes of the message body as a big-endian
// int16.
func (reader *Reader) GetInt16() (int16, error) {
	v, err := reader.GetUint16()
	return int16(v), err
}

// GetInt32 returns the next 4 bytes of the message body as a big-endian
// int32.
func (reader *Reader) GetInt32() (int32, error) {
	v, err := reader.GetUint32()
	return int32(v), err
}
