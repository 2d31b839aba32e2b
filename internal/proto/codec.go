package proto

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrMessageTooLong is returned when a line does not fit the reader buffer.
	ErrMessageTooLong = errors.New("proto: message too long")
	// ErrInvalidMessage is returned when a message to write contains a line break.
	ErrInvalidMessage = errors.New("proto: message contains line break")
)

// WriteMessage writes msg as a single newline terminated line.
func WriteMessage(w io.Writer, msg string) error {
	if strings.ContainsAny(msg, "\r\n") {
		return ErrInvalidMessage
	}
	_, err := io.WriteString(w, msg+"\n")
	return err
}

// ReadMessage reads one line from r and returns it without the terminator.
// Bytes after the line stay buffered in r, so r must be kept for the life of the connection.
func ReadMessage(r *bufio.Reader) (string, error) {
	line, err := r.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return "", ErrMessageTooLong
		}
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return "", fmt.Errorf("proto: truncated message: %w", io.ErrUnexpectedEOF)
		}
		return "", err
	}
	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return string(line), nil
}

// Expect reads one message and fails unless it equals want.
func Expect(r *bufio.Reader, want string) error {
	got, err := ReadMessage(r)
	if err != nil {
		return err
	}
	if got != want {
		return &UnexpectedError{Want: want, Got: got}
	}
	return nil
}

// UnexpectedError reports a literal reply other than the one the state machine waits for.
type UnexpectedError struct {
	Want string
	Got  string
}

func (e *UnexpectedError) Error() string {
	got := e.Got
	if len(got) > 64 {
		got = got[:64] + "..."
	}
	return fmt.Sprintf("proto: expected %q, got %q", e.Want, got)
}
