package buffer

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/go-pgwire/pgwire/codes"
	pgerror "github.com/go-pgwire/pgwire/errors"
)

// ErrMissingNulTerminator is thrown when no NUL terminator is found when
// interpreting a message property as a string.
var ErrMissingNulTerminator = errors.New("NUL terminator not found")

// NewMissingNulTerminator constructs a protocol error wrapping
// ErrMissingNulTerminator with the appropriate SQLSTATE and severity.
func NewMissingNulTerminator() error {
	return pgerror.WithSeverity(pgerror.WithCode(ErrMissingNulTerminator, codes.ProtocolViolation), pgerror.LevelFatal)
}

// ErrInsufficientData is thrown when there is insufficient data available
// inside the given message to decode into the requested type.
var ErrInsufficientData = errors.New("insufficient data")

// NewInsufficientData constructs a protocol error wrapping
// ErrInsufficientData with the appropriate SQLSTATE and severity.
func NewInsufficientData(length int) error {
	err := fmt.Errorf("length: %d %w", length, ErrInsufficientData)
	return pgerror.WithSeverity(pgerror.WithCode(err, codes.ProtocolViolation), pgerror.LevelFatal)
}

// MessageSizeExceeded indicates that a decoded frame declared a length
// larger than the reader's configured maximum.
type MessageSizeExceeded struct {
	Message string
	Size    int
	Max     int
}

func (err MessageSizeExceeded) Error() string {
	return err.Message
}

func (err MessageSizeExceeded) Is(target error) bool {
	return reflect.TypeOf(target) == reflect.TypeOf(err)
}

// ErrMessageSizeExceeded is the sentinel value errors.Is checks match
// against; use NewMessageSizeExceeded to construct one carrying real sizes.
var ErrMessageSizeExceeded = MessageSizeExceeded{Message: "maximum message size exceeded"}

// NewMessageSizeExceeded constructs a MessageSizeExceeded error wrapped with
// the appropriate SQLSTATE and severity.
func NewMessageSizeExceeded(max, size int) error {
	err := MessageSizeExceeded{
		Message: fmt.Sprintf("message size %d, bigger than maximum allowed message size %d", size, max),
		Size:    size,
		Max:     max,
	}

	return pgerror.WithSeverity(pgerror.WithCode(err, codes.ProgramLimitExceeded), pgerror.LevelError)
}

// UnwrapMessageSizeExceeded attempts to unwrap the given error as a
// MessageSizeExceeded. The boolean reports whether the unwrap succeeded.
func UnwrapMessageSizeExceeded(err error) (result MessageSizeExceeded, _ bool) {
	return result, errors.As(err, &result)
}
