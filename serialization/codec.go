package serialization

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"reflect"
)

var (
	// ErrEmptyPayload is returned when decoding a zero-length blob
	ErrEmptyPayload = errors.New("serialization: empty payload")
	// ErrEncode wraps gob encoding failures
	ErrEncode = errors.New("serialization: encode failed")
	// ErrDecode wraps gob decoding failures
	ErrDecode = errors.New("serialization: decode failed")
)

// ContentType labels gob blobs on the wire
const ContentType = "application/x-gob"

// Codec converts values to and from opaque blobs
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// GobCodec is the gob-backed Codec used on the wire
type GobCodec struct{}

// Default is the codec used by the package level helpers
var Default Codec = GobCodec{}

// Marshal encodes v
func (GobCodec) Marshal(v any) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: nil value", ErrEncode)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes data into v, which must be a non-nil pointer
func (GobCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return ErrEmptyPayload
	}

	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return nil
}

// Marshal encodes v with the Default codec
func Marshal(v any) ([]byte, error) {
	return Default.Marshal(v)
}

// Unmarshal decodes data with the Default codec
func Unmarshal(data []byte, v any) error {
	return Default.Unmarshal(data, v)
}

// EncodeValue encodes a single value of any type, including nil pointers,
// nil interfaces and zero values. The blob can only be read back with
// DecodeValue for the same type.
func EncodeValue(v reflect.Value) ([]byte, error) {
	if !v.IsValid() {
		return nil, fmt.Errorf("%w: invalid value", ErrEncode)
	}

	holder := reflect.New(holderType(v.Type())).Elem()
	holder.Field(0).Set(v)

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).EncodeValue(holder); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrEncode, v.Type(), err)
	}
	return buf.Bytes(), nil
}

// DecodeValue decodes a blob produced by EncodeValue into a fresh value of type t
func DecodeValue(data []byte, t reflect.Type) (reflect.Value, error) {
	if len(data) == 0 {
		return reflect.Value{}, ErrEmptyPayload
	}

	holder := reflect.New(holderType(t))
	if err := gob.NewDecoder(bytes.NewReader(data)).DecodeValue(holder); err != nil {
		return reflect.Value{}, fmt.Errorf("%w: %s: %v", ErrDecode, t, err)
	}
	return holder.Elem().Field(0), nil
}

// holderType wraps t in a one-field struct so gob can omit nil and zero values
func holderType(t reflect.Type) reflect.Type {
	return reflect.StructOf([]reflect.StructField{{Name: "V", Type: t}})
}
