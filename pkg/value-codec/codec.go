// Package codec frames cache values for transmission to the remote tier.
//
// The engine only ever moves opaque bytes, so the frame is minimal: a single
// marker byte says whether the payload is raw or s2-compressed. Compression
// is a configuration flag; raw and compressed values can coexist in the same
// store, which keeps the flag safe to flip on a running fleet.
package codec

import (
	"fmt"

	"github.com/klauspost/compress/s2"
)

const (
	markerRaw  = 0x00
	markerS2   = 0x01
	headerSize = 1
)

// Codec encodes and decodes framed values.
type Codec struct {
	compress bool
}

// New returns a Codec. When compress is true, Encode emits s2-compressed
// frames; Decode always accepts both frame types.
func New(compress bool) Codec {
	return Codec{compress: compress}
}

// Encode frames the value for storage.
func (c Codec) Encode(value []byte) []byte {
	if !c.compress {
		framed := make([]byte, 0, headerSize+len(value))
		framed = append(framed, markerRaw)
		return append(framed, value...)
	}
	encoded := s2.Encode(nil, value)
	framed := make([]byte, 0, headerSize+len(encoded))
	framed = append(framed, markerS2)
	return append(framed, encoded...)
}

// Decode unframes a stored value.
func (c Codec) Decode(framed []byte) ([]byte, error) {
	if len(framed) < headerSize {
		return nil, fmt.Errorf("codec: frame too short (%d bytes)", len(framed))
	}
	switch framed[0] {
	case markerRaw:
		return framed[headerSize:], nil
	case markerS2:
		value, err := s2.Decode(nil, framed[headerSize:])
		if err != nil {
			return nil, fmt.Errorf("codec: s2 decode: %w", err)
		}
		return value, nil
	default:
		return nil, fmt.Errorf("codec: unknown frame marker 0x%02x", framed[0])
	}
}
