package store

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
	CompressionLZ4  = "lz4"
)

// Compressed value header: codec id byte | uncompressed size uint32 (little endian).
const headerSize = 5

const (
	codecNone byte = iota
	codecZstd
	codecLZ4
)

// incompressibleRatio is compressed size share, above which data is stored as is.
const incompressibleRatio = 0.9

type Codec interface {
	Name() string
	id() byte
	compress(data []byte) ([]byte, error)
	decompress(compressed []byte, size int) ([]byte, error)
}

func NewCodec(name string) (Codec, error) {
	switch name {
	case CompressionNone, "":
		return noneCodec{}, nil
	case CompressionZstd:
		return zstdCodec{}, nil
	case CompressionLZ4:
		return lz4Codec{}, nil
	}
	return nil, errors.Errorf("unknown compression %q", name)
}

var codecs = map[byte]Codec{
	codecNone: noneCodec{},
	codecZstd: zstdCodec{},
	codecLZ4:  lz4Codec{},
}

// Compressed compresses data saved into underlying Store.
// Loaded data is decompressed by codec recorded in header, so codec can be
// changed between runs.
type Compressed struct {
	Store
	codec Codec
}

func NewCompressed(s Store, c Codec) *Compressed {
	return &Compressed{Store: s, codec: c}
}

func (c *Compressed) Save(ctx context.Context, key string, data []byte) error {
	encoded, err := Encode(c.codec, data)
	if err != nil {
		return err
	}
	return c.Store.Save(ctx, key, encoded)
}

func (c *Compressed) Load(ctx context.Context, key string) ([]byte, error) {
	encoded, err := c.Store.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	return Decode(encoded)
}

// Encode compresses data and prepends header.
func Encode(c Codec, data []byte) ([]byte, error) {
	codec := c
	payload := data
	if len(data) > 0 && c.id() != codecNone {
		compressed, err := c.compress(data)
		if err != nil {
			return nil, errors.Wrapf(err, "%s compress", c.Name())
		}
		if len(compressed) > 0 && float64(len(compressed)) <= float64(len(data))*incompressibleRatio {
			payload = compressed
		} else {
			codec = noneCodec{}
		}
	} else {
		codec = noneCodec{}
	}
	result := make([]byte, headerSize+len(payload))
	result[0] = codec.id()
	binary.LittleEndian.PutUint32(result[1:], uint32(len(data)))
	copy(result[headerSize:], payload)
	return result, nil
}

func Decode(encoded []byte) ([]byte, error) {
	if len(encoded) < headerSize {
		return nil, errors.New("compressed value too small for header")
	}
	codec, ok := codecs[encoded[0]]
	if !ok {
		return nil, errors.Errorf("unknown codec id %v", encoded[0])
	}
	size := int(binary.LittleEndian.Uint32(encoded[1:]))
	data, err := codec.decompress(encoded[headerSize:], size)
	if err != nil {
		return nil, errors.Wrapf(err, "%s decompress", codec.Name())
	}
	if len(data) != size {
		return nil, errors.Errorf("decompressed size mismatch: %v instead of %v", len(data), size)
	}
	return data, nil
}

type noneCodec struct{}

func (noneCodec) Name() string { return CompressionNone }
func (noneCodec) id() byte     { return codecNone }

func (noneCodec) compress(data []byte) ([]byte, error) { return data, nil }

func (noneCodec) decompress(p []byte, _ int) ([]byte, error) { return p, nil }

var (
	zstdEncoders sync.Pool
	zstdDecoders sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoders.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoders.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

type zstdCodec struct{}

func (zstdCodec) Name() string { return CompressionZstd }
func (zstdCodec) id() byte     { return codecZstd }

func (zstdCodec) compress(data []byte) ([]byte, error) {
	enc := getZstdEncoder()
	defer zstdEncoders.Put(enc)
	return enc.EncodeAll(data, nil), nil
}

func (zstdCodec) decompress(p []byte, size int) ([]byte, error) {
	dec := getZstdDecoder()
	defer zstdDecoders.Put(dec)
	return dec.DecodeAll(p, make([]byte, 0, size))
}

type lz4Codec struct{}

func (lz4Codec) Name() string { return CompressionLZ4 }
func (lz4Codec) id() byte     { return codecLZ4 }

func (lz4Codec) compress(data []byte) ([]byte, error) {
	compressed := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, compressed, nil)
	if err != nil {
		return nil, err
	}
	return compressed[:n], nil
}

func (lz4Codec) decompress(p []byte, size int) ([]byte, error) {
	data := make([]byte, size)
	n, err := lz4.UncompressBlock(p, data)
	if err != nil {
		return nil, err
	}
	return data[:n], nil
}
