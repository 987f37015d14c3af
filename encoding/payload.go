// Package encoding provides centralized serialization for tether.
// ALL msgpack operations MUST go through this package to ensure consistent behavior.
//
// Thread Safety: all functions are safe for concurrent use.
//
// Payload blobs (free-form client metadata attached to reconciliation records and
// broadcast envelopes) are framed with a one-byte format tag so large payloads can
// be transparently zstd-compressed at rest and on the wire.
package encoding

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// Format tags prepended to encoded payload blobs.
const (
	formatMsgpack     byte = 0x01
	formatMsgpackZstd byte = 0x02
)

// compressThreshold is the encoded size above which payloads are compressed.
const compressThreshold = 1024

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// Marshal encodes a value to msgpack format.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data using loose interface decoding.
// When decoding into interface{}, strings are preserved as Go strings (not []byte).
// This matters for SQLite, which treats BLOB and TEXT as different types.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}

// EncodePayload serializes an opaque payload map into a framed blob.
// Nil payloads encode to nil (stored as SQL NULL).
func EncodePayload(payload map[string]interface{}) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}

	raw, err := Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	if len(raw) < compressThreshold {
		out := make([]byte, 0, len(raw)+1)
		out = append(out, formatMsgpack)
		return append(out, raw...), nil
	}

	compressed := zstdEncoder.EncodeAll(raw, []byte{formatMsgpackZstd})
	return compressed, nil
}

// DecodePayload deserializes a framed blob produced by EncodePayload.
// Nil or empty blobs decode to nil.
func DecodePayload(blob []byte) (map[string]interface{}, error) {
	if len(blob) == 0 {
		return nil, nil
	}

	tag, body := blob[0], blob[1:]

	switch tag {
	case formatMsgpack:
		// body decoded below
	case formatMsgpackZstd:
		raw, err := zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress payload: %w", err)
		}
		body = raw
	default:
		return nil, fmt.Errorf("unknown payload format tag: 0x%02x", tag)
	}

	var payload map[string]interface{}
	if err := Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return payload, nil
}
