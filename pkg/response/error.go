package response

import (
	"encoding/binary"
	"errors"
	"fmt"

	"infershm/pkg/codec"
	"infershm/pkg/shm"
)

var errCodec = codec.CBOR()

type errorBlob struct {
	Message string `cbor:"message"`
}

// Error is the error value attached to a failed response. It serializes
// into the arena as a u32 length prefix followed by a CBOR blob.
type Error struct {
	msg       string
	shmHandle shm.Handle
}

// NewError builds an error value from a message.
func NewError(msg string) *Error { return &Error{msg: msg} }

func (e *Error) Message() string { return e.msg }

func (e *Error) Error() string { return e.msg }

// ShmHandle returns the arena handle of the serialized record. Valid only
// after Save or LoadError.
func (e *Error) ShmHandle() shm.Handle { return e.shmHandle }

// Save serializes the error into the arena.
func (e *Error) Save(arena *shm.Arena) error {
	blob, err := errCodec.Marshal(errorBlob{Message: e.msg})
	if err != nil {
		return fmt.Errorf("response error: encode: %w", err)
	}
	handle, rec, err := arena.Allocate(4 + uint64(len(blob)))
	if err != nil {
		return fmt.Errorf("response error: %w", err)
	}
	binary.LittleEndian.PutUint32(rec[0:4], uint32(len(blob)))
	copy(rec[4:], blob)
	e.shmHandle = handle
	return nil
}

// LoadError reconstructs an error value from its arena record.
func LoadError(arena *shm.Arena, handle shm.Handle) (*Error, error) {
	rec, err := arena.Load(handle)
	if err != nil {
		return nil, err
	}
	if len(rec) < 4 {
		return nil, errors.New("response error: record too short")
	}
	blobLen := binary.LittleEndian.Uint32(rec[0:4])
	if uint64(4+blobLen) > uint64(len(rec)) {
		return nil, errors.New("response error: blob overruns record")
	}
	var blob errorBlob
	if err := errCodec.Unmarshal(rec[4:4+blobLen], &blob); err != nil {
		return nil, fmt.Errorf("response error: decode: %w", err)
	}
	return &Error{msg: blob.Message, shmHandle: handle}, nil
}
