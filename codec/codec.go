// Package codec converts typed values to and from byte sequences: a
// narrow Encode/Decode boundary so tiers that persist bytes (the disk and
// hybrid tiers) never need to know the in-memory value type. Compressed
// wraps any inner codec with a klauspost/compress algorithm behind a
// one-byte marker, so the decode side can tell compressed payloads from
// raw fall-through ones.
package codec

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Codec converts values of type V to and from bytes for storage.
type Codec[V any] interface {
	Encode(v V) ([]byte, error)
	Decode(data []byte) (V, error)
}

type jsonCodec[V any] struct{}

// JSON returns a Codec that marshals values with encoding/json.
func JSON[V any]() Codec[V] { return jsonCodec[V]{} }

func (jsonCodec[V]) Encode(v V) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec[V]) Decode(data []byte) (V, error) {
	var v V
	err := json.Unmarshal(data, &v)
	return v, err
}

type binaryCodec[V any] struct{}

// Binary returns a Codec that marshals values with encoding/gob.
func Binary[V any]() Codec[V] { return binaryCodec[V]{} }

func (binaryCodec[V]) Encode(v V) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (binaryCodec[V]) Decode(data []byte) (V, error) {
	var v V
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v)
	return v, err
}

// Algorithm selects the compression scheme a Compressed codec applies.
// LZ4, LZFSE, and LZMA are accepted but currently implemented via ZSTD.
type Algorithm int

const (
	ZSTD Algorithm = iota
	Zlib
	LZ4
	LZFSE
	LZMA
)

const (
	magicRaw        byte = 0x00
	magicCompressed byte = 0x01
)

type compressedCodec[V any] struct {
	inner Codec[V]
	algo  Algorithm
}

// Compressed wraps inner so its encoded bytes are additionally compressed
// with algo. Every encoded blob is prefixed with a one-byte marker so
// Decode can detect and pass through bytes that failed to compress.
func Compressed[V any](inner Codec[V], algo Algorithm) Codec[V] {
	return compressedCodec[V]{inner: inner, algo: algo}
}

func (c compressedCodec[V]) Encode(v V) ([]byte, error) {
	raw, err := c.inner.Encode(v)
	if err != nil {
		return nil, err
	}

	compressed, err := compress(raw, c.algo)
	if err != nil {
		out := make([]byte, 1+len(raw))
		out[0] = magicRaw
		copy(out[1:], raw)
		return out, nil
	}

	out := make([]byte, 1+len(compressed))
	out[0] = magicCompressed
	copy(out[1:], compressed)
	return out, nil
}

func (c compressedCodec[V]) Decode(data []byte) (V, error) {
	var zero V
	if len(data) == 0 {
		return zero, fmt.Errorf("codec: empty compressed payload")
	}

	marker, body := data[0], data[1:]
	switch marker {
	case magicRaw:
		return c.inner.Decode(body)
	case magicCompressed:
		raw, err := decompress(body, c.algo)
		if err != nil {
			return zero, err
		}
		return c.inner.Decode(raw)
	default:
		return zero, fmt.Errorf("codec: unknown compression marker %#x", marker)
	}
}

func compress(raw []byte, algo Algorithm) ([]byte, error) {
	switch algo {
	case Zlib:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(raw); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default: // ZSTD, LZ4, LZFSE, LZMA all route to zstd.
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(raw, nil), nil
	}
}

func decompress(data []byte, algo Algorithm) ([]byte, error) {
	switch algo {
	case Zlib:
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	default:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(data, nil)
	}
}

type chainedCodec[V, M any] struct {
	up   func(V) (M, error)
	down func(M) (V, error)
	mid  Codec[M]
}

// Chained composes a Codec[M] with conversion functions up (V -> M) and
// down (M -> V), letting a value type be stored via an intermediate
// representation (e.g. encoding a struct through its protobuf twin).
func Chained[V, M any](mid Codec[M], up func(V) (M, error), down func(M) (V, error)) Codec[V] {
	return chainedCodec[V, M]{up: up, down: down, mid: mid}
}

func (c chainedCodec[V, M]) Encode(v V) ([]byte, error) {
	m, err := c.up(v)
	if err != nil {
		return nil, err
	}
	return c.mid.Encode(m)
}

func (c chainedCodec[V, M]) Decode(data []byte) (V, error) {
	var zero V
	m, err := c.mid.Decode(data)
	if err != nil {
		return zero, err
	}
	return c.down(m)
}
