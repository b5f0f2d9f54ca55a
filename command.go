package kvstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

type OperationType byte

const (
	SetOp OperationType = 1
	DelOp OperationType = 2
)

func (op OperationType) String() string {
	switch op {
	case SetOp:
		return "set"
	case DelOp:
		return "rm"
	default:
		return fmt.Sprintf("op(%d)", byte(op))
	}
}

// Command is a single mutation: a Set carrying a value, or a Remove (tombstone).
// For Remove commands Value is always empty.
type Command struct {
	Op    OperationType
	Key   string
	Value string
}

func NewSet(key, value string) Command {
	return Command{Op: SetOp, Key: key, Value: value}
}

func NewRemove(key string) Command {
	return Command{Op: DelOp, Key: key}
}

// The payload format is the following (every length is 4 bytes, big endian):
//
// For a remove record: [DelOp][Key length][Key]
//
// For a set record:    [SetOp][Key length][Key][Value length][Value]
func (cmd Command) encode() []byte {
	size := 1 + 4 + len(cmd.Key)
	if cmd.Op == SetOp {
		size += 4 + len(cmd.Value)
	}

	encoded := make([]byte, 0, size)
	encoded = append(encoded, byte(cmd.Op))
	encoded = append(encoded, encode4BytesInt(len(cmd.Key))...)
	encoded = append(encoded, cmd.Key...)

	if cmd.Op == SetOp {
		encoded = append(encoded, encode4BytesInt(len(cmd.Value))...)
		encoded = append(encoded, cmd.Value...)
	}

	return encoded
}

// decodeCommand parses a payload produced by encode. Unknown operations, short
// buffers and trailing bytes all fail with ErrMalformed.
func decodeCommand(payload []byte) (Command, error) {
	if len(payload) < 5 {
		return Command{}, fmt.Errorf("%w: %d byte payload", ErrMalformed, len(payload))
	}

	op := OperationType(payload[0])
	keyLen := binary.BigEndian.Uint32(payload[1:5])
	rest := payload[5:]

	if uint64(keyLen) > uint64(len(rest)) {
		return Command{}, fmt.Errorf("%w: key length %d exceeds payload", ErrMalformed, keyLen)
	}
	key := string(rest[:keyLen])
	rest = rest[keyLen:]

	switch op {
	case DelOp:
		if len(rest) != 0 {
			return Command{}, fmt.Errorf("%w: %d trailing bytes after remove", ErrMalformed, len(rest))
		}
		return NewRemove(key), nil

	case SetOp:
		if len(rest) < 4 {
			return Command{}, fmt.Errorf("%w: missing value length", ErrMalformed)
		}
		valueLen := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		if uint64(valueLen) != uint64(len(rest)) {
			return Command{}, fmt.Errorf("%w: value length %d, have %d bytes", ErrMalformed, valueLen, len(rest))
		}
		return NewSet(key, string(rest)), nil

	default:
		return Command{}, fmt.Errorf("%w: unknown operation %d", ErrMalformed, byte(op))
	}
}

const recordHeaderSize = 4

// encodeRecord frames a command as [payload length][payload]. The same framing
// is used by the WAL and by segment files.
func encodeRecord(cmd Command) []byte {
	payload := cmd.encode()
	record := make([]byte, 0, recordHeaderSize+len(payload))
	record = append(record, encode4BytesInt(len(payload))...)
	return append(record, payload...)
}

// readRecord reads the next framed record from r and returns the command with
// its payload length. A clean end of input yields io.EOF; a frame cut short
// yields ErrTruncated.
func readRecord(r io.Reader) (Command, uint32, error) {
	header := make([]byte, recordHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Command{}, 0, ErrTruncated
		}
		return Command{}, 0, err
	}

	length := binary.BigEndian.Uint32(header)

	// CopyN grows the buffer as data arrives, so a corrupted length does not
	// allocate gigabytes up front.
	var payload bytes.Buffer
	if _, err := io.CopyN(&payload, r, int64(length)); err != nil {
		if errors.Is(err, io.EOF) {
			return Command{}, 0, ErrTruncated
		}
		return Command{}, 0, err
	}

	cmd, err := decodeCommand(payload.Bytes())
	if err != nil {
		return Command{}, 0, err
	}
	return cmd, length, nil
}

func encode4BytesInt(n int) []byte {
	encoded := make([]byte, 4)
	binary.BigEndian.PutUint32(encoded, uint32(n))

	return encoded
}
