// Package codec compresses the payload of on-disk collection files.
//
// A compressed payload is framed as the four magic bytes "QDBC", one byte
// naming the compression type, then the compressed data. Uncompressed
// payloads carry no frame so plain JSON files stay readable by hand.
package codec

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type is a compression algorithm.
type Type uint8

const (
	// None stores data as is.
	None Type = 0x0
	// Snappy uses Google Snappy block compression.
	Snappy Type = 0x1
	// LZ4 uses the LZ4 frame format.
	LZ4 Type = 0x4
	// Zstd uses Zstandard.
	Zstd Type = 0x7
)

var magic = []byte("QDBC")

// String returns the configuration name of the type.
func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Parse resolves a configuration name. The empty string means None.
func Parse(name string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return None, nil
	case "snappy":
		return Snappy, nil
	case "lz4":
		return LZ4, nil
	case "zstd", "zstandard":
		return Zstd, nil
	default:
		return None, fmt.Errorf("unsupported compression %q", name)
	}
}

// Encode compresses data with t and frames it.
func Encode(t Type, data []byte) ([]byte, error) {
	var (
		payload []byte
		err     error
	)
	switch t {
	case None:
		return data, nil
	case Snappy:
		payload = snappy.Encode(nil, data)
	case LZ4:
		payload, err = compressLZ4(data)
	case Zstd:
		payload, err = compressZstd(data)
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(magic)+1+len(payload))
	out = append(out, magic...)
	out = append(out, byte(t))
	return append(out, payload...), nil
}

// Decode reverses Encode. Unframed data is returned as is, whatever type
// it was written with.
func Decode(data []byte) ([]byte, Type, error) {
	if len(data) <= len(magic) || !bytes.Equal(data[:len(magic)], magic) {
		return data, None, nil
	}

	t := Type(data[len(magic)])
	payload := data[len(magic)+1:]
	var (
		out []byte
		err error
	)
	switch t {
	case None:
		out = payload
	case Snappy:
		out, err = snappy.Decode(nil, payload)
	case LZ4:
		out, err = io.ReadAll(lz4.NewReader(bytes.NewReader(payload)))
	case Zstd:
		out, err = decompressZstd(payload)
	default:
		return nil, t, fmt.Errorf("unsupported compression type: %s", t)
	}
	if err != nil {
		return nil, t, fmt.Errorf("%s decode: %w", t, err)
	}
	return out, t, nil
}

func compressLZ4(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if err := w.Apply(lz4.CompressionLevelOption(lz4.Fast)); err != nil {
		return nil, fmt.Errorf("lz4 apply level: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("lz4 write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4 close: %w", err)
	}
	return buf.Bytes(), nil
}

func compressZstd(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	defer encoder.Close()
	return encoder.EncodeAll(data, nil), nil
}

func decompressZstd(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	defer decoder.Close()
	return decoder.DecodeAll(data, nil)
}
