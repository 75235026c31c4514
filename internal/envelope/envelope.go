// Package envelope implements the versioned wire format that crosses the
// host/guest boundary.
//
// Layout:
//
//	[version: uint32 little-endian][payload: canonical CBOR]
//
// The version is checked before a single payload byte is interpreted. An
// envelope produced by a build with a different SchemaVersion is rejected with
// a *VersionMismatchError rather than parsed leniently.
package envelope

import (
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"
)

// SchemaVersion is the payload schema revision this build reads and writes.
const SchemaVersion uint32 = 1

// HeaderSize is the byte width of the version tag.
const HeaderSize = 4

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("envelope: failed to create CBOR enc mode: %v", err))
	}
	encMode = em

	dm, err := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		DefaultMapType:    reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("envelope: failed to create CBOR dec mode: %v", err))
	}
	decMode = dm
}

// Envelope is an immutable serialized value. It is handed from one step to the
// next exactly once: Take moves the bytes out and any later Take fails with
// ErrConsumed. Use Clone when a second consumer is intended.
type Envelope struct {
	data     []byte
	consumed atomic.Bool
}

// Encode serializes v under the current SchemaVersion.
func Encode(v any) (*Envelope, error) {
	payload, err := encMode.Marshal(v)
	if err != nil {
		return nil, &SerializationError{Type: fmt.Sprintf("%T", v), Err: err}
	}

	data := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(data, SchemaVersion)
	copy(data[HeaderSize:], payload)

	return &Envelope{data: data}, nil
}

// FromBytes wraps bytes that the caller owns, typically copied out of guest
// memory. Nothing is validated; use Validate or Decode for that.
func FromBytes(data []byte) *Envelope {
	return &Envelope{data: data}
}

// Bytes returns a read-only view of the envelope without consuming it.
func (e *Envelope) Bytes() []byte {
	return e.data
}

// Len returns the encoded size including the version header.
func (e *Envelope) Len() int {
	return len(e.data)
}

// Take moves the encoded bytes out of the envelope.
func (e *Envelope) Take() ([]byte, error) {
	if e == nil {
		return nil, ErrConsumed
	}
	if !e.consumed.CompareAndSwap(false, true) {
		return nil, ErrConsumed
	}
	return e.data, nil
}

// Consumed reports whether Take has been called.
func (e *Envelope) Consumed() bool {
	return e.consumed.Load()
}

// Clone returns an independent, unconsumed copy.
func (e *Envelope) Clone() *Envelope {
	data := make([]byte, len(e.data))
	copy(data, e.data)
	return &Envelope{data: data}
}

// Decode consumes the envelope and deserializes its payload into v.
func Decode(e *Envelope, v any) error {
	data, err := e.Take()
	if err != nil {
		return err
	}
	return DecodeBytes(data, v)
}

// DecodeBytes checks the version tag of data and deserializes the payload into v.
func DecodeBytes(data []byte, v any) error {
	payload, err := payloadOf(data)
	if err != nil {
		return err
	}
	if err := decMode.Unmarshal(payload, v); err != nil {
		return &DeserializationError{Reason: fmt.Sprintf("payload does not match %T", v), Err: err}
	}
	return nil
}

// Validate checks the version tag and that the payload is exactly one
// well-formed CBOR data item, without decoding it to a Go type.
func Validate(data []byte) error {
	payload, err := payloadOf(data)
	if err != nil {
		return err
	}
	var raw cbor.RawMessage
	if err := decMode.Unmarshal(payload, &raw); err != nil {
		return &DeserializationError{Reason: "malformed payload", Err: err}
	}
	return nil
}

// Version reads the version tag of data.
func Version(data []byte) (uint32, error) {
	if len(data) < HeaderSize {
		return 0, &DeserializationError{
			Reason: fmt.Sprintf("envelope too short: %d bytes, header needs %d", len(data), HeaderSize),
		}
	}
	return binary.LittleEndian.Uint32(data), nil
}

func payloadOf(data []byte) ([]byte, error) {
	version, err := Version(data)
	if err != nil {
		return nil, err
	}
	if version != SchemaVersion {
		return nil, &VersionMismatchError{Got: version, Want: SchemaVersion}
	}
	if len(data) == HeaderSize {
		return nil, &DeserializationError{Reason: "empty payload"}
	}
	return data[HeaderSize:], nil
}

// ErrConsumed is returned when an envelope is used after it was moved.
var ErrConsumed = errors.New("envelope already consumed")
