// Package valuecodec applies optional compression to already-serialized
// value bytes, independent of the Serializer hook in spec §6.3. Carried
// over from the teacher's internal/codec package; snappy remains the only
// backend since it is the one the teacher's data files were cut with.
package valuecodec

import "github.com/golang/snappy"

// Kind identifies the compression applied to a value's stored bytes.
// Callers that enable compression are responsible for recording which
// values used it; the KV flavor stores it in the codec byte of its record
// header (see internal/engine/kvrecord.go).
type Kind uint8

const (
	None Kind = iota
	Snappy
)

// Encode compresses src according to kind. None returns a defensive copy.
func Encode(kind Kind, src []byte) ([]byte, error) {
	switch kind {
	case Snappy:
		return snappy.Encode(nil, src), nil
	default:
		return append([]byte(nil), src...), nil
	}
}

// Decode reverses Encode.
func Decode(kind Kind, src []byte) ([]byte, error) {
	switch kind {
	case Snappy:
		return snappy.Decode(nil, src)
	default:
		return append([]byte(nil), src...), nil
	}
}
