package chainstore

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// Serializer is the value-serialization hook KV and List values are
// written through; CRC is computed over the serialized bytes it produces.
// Set keys bypass this entirely and use their raw 16-byte MD5 digest.
type Serializer interface {
	Serialize(value interface{}) ([]byte, error)
	Deserialize(data []byte, out interface{}) error
}

// GobSerializer is the default: it round-trips any value encoding/gob can
// handle, which covers the host language's native scalar and composite
// types reversibly without requiring callers to register anything for the
// common cases (structs, maps, slices of registered or built-in types).
type GobSerializer struct{}

func (GobSerializer) Serialize(value interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GobSerializer) Deserialize(data []byte, out interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(out)
}

// RawSerializer stores []byte and string values with no framing at all:
// Serialize requires one of those two types and returns its bytes
// verbatim; Deserialize requires out to be *[]byte or *string.
type RawSerializer struct{}

func (RawSerializer) Serialize(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("chainstore: RawSerializer cannot encode %T", value)
	}
}

func (RawSerializer) Deserialize(data []byte, out interface{}) error {
	switch p := out.(type) {
	case *[]byte:
		*p = append([]byte(nil), data...)
		return nil
	case *string:
		*p = string(data)
		return nil
	default:
		return fmt.Errorf("chainstore: RawSerializer cannot decode into %T", out)
	}
}
