package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-pgwire/pgwire/codes"
	pgerror "github.com/go-pgwire/pgwire/errors"
	"github.com/go-pgwire/pgwire/internal/buffer"
	"github.com/go-pgwire/pgwire/internal/types"
)

// readRawFields parses an ErrorResponse body already stripped of its type
// byte and length prefix into a field-tag -> value map.
func readRawFields(t *testing.T, body []byte) map[byte]string {
	t.Helper()

	fields := make(map[byte]string)
	for len(body) > 0 && body[0] != 0 {
		tag := body[0]
		idx := bytes.IndexByte(body[1:], 0)
		require.GreaterOrEqual(t, idx, 0)
		fields[tag] = string(body[1 : 1+idx])
		body = body[1+idx+1:]
	}

	return fields
}

// readMessages splits buf into a sequence of (type, body) pairs, matching
// the wire format a Writer produces: 1-byte type, 4-byte length (including
// itself), body.
func readMessages(t *testing.T, buf []byte) []struct {
	typ  byte
	body []byte
} {
	t.Helper()

	var messages []struct {
		typ  byte
		body []byte
	}

	for len(buf) > 0 {
		require.GreaterOrEqual(t, len(buf), 5)
		typ := buf[0]
		length := binary.BigEndian.Uint32(buf[1:5])
		body := buf[5 : 1+length]
		messages = append(messages, struct {
			typ  byte
			body []byte
		}{typ, body})
		buf = buf[1+length:]
	}

	return messages
}

func TestWriteErrorResponseFields(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	writer := buffer.NewWriter(nil, &out)

	cause := errors.New("relation \"missing\" does not exist")
	err := pgerror.WithDetail(pgerror.WithCode(cause, codes.UndefinedTable), "no such relation in this database")

	require.NoError(t, writeErrorResponse(writer, err))

	messages := readMessages(t, out.Bytes())
	require.Len(t, messages, 1)
	require.Equal(t, byte(types.ServerErrorResponse), messages[0].typ)

	fields := readRawFields(t, messages[0].body)
	require.Equal(t, string(codes.UndefinedTable), fields[byte(buffer.ErrFieldSQLState)])
	require.Equal(t, cause.Error(), fields[byte(buffer.ErrFieldMsgPrimary)])
	require.Equal(t, "no such relation in this database", fields[byte(buffer.ErrFieldDetail)])
	require.Equal(t, string(pgerror.LevelError), fields[byte(buffer.ErrFieldSeverity)])
}

func TestErrorCodeWritesReadyForQueryWhenNotFatal(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	writer := buffer.NewWriter(nil, &out)

	err := pgerror.WithCode(errors.New("syntax error"), codes.Syntax)
	require.NoError(t, ErrorCode(writer, err))

	messages := readMessages(t, out.Bytes())
	require.Len(t, messages, 2)
	require.Equal(t, byte(types.ServerErrorResponse), messages[0].typ)
	require.Equal(t, byte(types.ServerReady), messages[1].typ)
	require.Equal(t, byte(types.ServerIdle), messages[1].body[0])
}

func TestErrorCodeSkipsReadyForQueryWhenFatal(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	writer := buffer.NewWriter(nil, &out)

	err := pgerror.WithSeverity(pgerror.WithCode(errors.New("password authentication failed"), codes.InvalidPassword), pgerror.LevelFatal)
	require.NoError(t, ErrorCode(writer, err))

	messages := readMessages(t, out.Bytes())
	require.Len(t, messages, 1)
	require.Equal(t, byte(types.ServerErrorResponse), messages[0].typ)
}

func TestIsFatal(t *testing.T) {
	t.Parallel()

	require.False(t, isFatal(errors.New("plain error")))
	require.False(t, isFatal(pgerror.WithSeverity(errors.New("err"), pgerror.LevelError)))
	require.True(t, isFatal(pgerror.WithSeverity(errors.New("err"), pgerror.LevelFatal)))
}
