// Package compress implements the payload compression providers.
//
// Compressed payloads are framed so they can be decompressed without knowing
// which provider wrote them:
//
//	'K' 'Z' | field 1 varint codec id | field 2 varint original length | field 3 bytes body
//
// The fields use protobuf wire encoding and appear in that order.
package compress

import (
	"bytes"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxDecodedSize bounds the original length a frame may claim.
const MaxDecodedSize = 64 << 20

var (
	// ErrNotCompressed is returned when decompressing bytes that carry no frame.
	ErrNotCompressed = errors.New("payload is not a compressed frame")
	// ErrCorruptFrame is returned for frames that do not decode.
	ErrCorruptFrame = errors.New("corrupt compressed frame")
	// ErrUnknownCodec is returned for frames naming an unregistered codec.
	ErrUnknownCodec = errors.New("unknown compression codec")
)

var magic = []byte{0x4B, 0x5A}

const (
	fieldCodec  protowire.Number = 1
	fieldLength protowire.Number = 2
	fieldBody   protowire.Number = 3
)

// Provider compresses payloads on write and reverses it on read. The path is
// informational; providers may use it to vary behavior per subtree.
type Provider interface {
	Compress(path string, data []byte) ([]byte, error)
	Decompress(path string, data []byte) ([]byte, error)
}

// Framed writes frames with one codec and reads frames of any registered
// codec.
type Framed struct {
	codec Codec
}

// NewFramed returns a provider that compresses with codec.
func NewFramed(codec Codec) *Framed {
	return &Framed{codec: codec}
}

// Gzip returns the default provider.
func Gzip() *Framed {
	c, _ := lookup(CodecGzip)
	return NewFramed(c)
}

// Zstd returns a zstd provider.
func Zstd() *Framed {
	c, _ := lookup(CodecZstd)
	return NewFramed(c)
}

// Snappy returns a snappy provider.
func Snappy() *Framed {
	c, _ := lookup(CodecSnappy)
	return NewFramed(c)
}

// ByName returns the provider for a codec name as used in config files.
func ByName(name string) (*Framed, error) {
	switch name {
	case "", "gzip":
		return Gzip(), nil
	case "zstd":
		return Zstd(), nil
	case "snappy":
		return Snappy(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// Codec returns the codec used for writes.
func (f *Framed) Codec() CodecID {
	return f.codec.ID()
}

// Compress frames data compressed with the provider's codec.
func (f *Framed) Compress(_ string, data []byte) ([]byte, error) {
	body, err := f.codec.Encode(data)
	if err != nil {
		return nil, fmt.Errorf("compress with %s: %w", f.codec.ID(), err)
	}
	out := make([]byte, 0, len(magic)+len(body)+24)
	out = append(out, magic...)
	out = protowire.AppendTag(out, fieldCodec, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(f.codec.ID()))
	out = protowire.AppendTag(out, fieldLength, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(len(data)))
	out = protowire.AppendTag(out, fieldBody, protowire.BytesType)
	out = protowire.AppendBytes(out, body)
	return out, nil
}

// Decompress inflates any frame, whichever codec wrote it.
func (f *Framed) Decompress(_ string, data []byte) ([]byte, error) {
	return Decompress(data)
}

// IsFramed reports whether data starts with the frame magic.
func IsFramed(data []byte) bool {
	return bytes.HasPrefix(data, magic)
}

type frame struct {
	codec  CodecID
	length uint64
	body   []byte
}

func parse(data []byte) (frame, error) {
	var fr frame
	if !IsFramed(data) {
		return fr, ErrNotCompressed
	}
	b := data[len(magic):]

	expect := []struct {
		num protowire.Number
		typ protowire.Type
	}{
		{fieldCodec, protowire.VarintType},
		{fieldLength, protowire.VarintType},
		{fieldBody, protowire.BytesType},
	}
	for _, e := range expect {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fr, fmt.Errorf("%w: %v", ErrCorruptFrame, protowire.ParseError(n))
		}
		if num != e.num || typ != e.typ {
			return fr, fmt.Errorf("%w: unexpected field %d", ErrCorruptFrame, num)
		}
		b = b[n:]

		switch e.num {
		case fieldCodec, fieldLength:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fr, fmt.Errorf("%w: %v", ErrCorruptFrame, protowire.ParseError(n))
			}
			if e.num == fieldCodec {
				fr.codec = CodecID(v)
			} else {
				fr.length = v
			}
			b = b[n:]
		case fieldBody:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fr, fmt.Errorf("%w: %v", ErrCorruptFrame, protowire.ParseError(n))
			}
			fr.body = v
			b = b[n:]
		}
	}
	if len(b) != 0 {
		return fr, fmt.Errorf("%w: %d trailing bytes", ErrCorruptFrame, len(b))
	}
	return fr, nil
}

// Decompress inflates a frame written by any Framed provider.
func Decompress(data []byte) ([]byte, error) {
	fr, err := parse(data)
	if err != nil {
		return nil, err
	}
	if fr.length > MaxDecodedSize {
		return nil, fmt.Errorf("%w: original length %d exceeds %d", ErrCorruptFrame, fr.length, MaxDecodedSize)
	}
	codec, ok := lookup(fr.codec)
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrUnknownCodec, uint64(fr.codec))
	}
	out, err := codec.Decode(fr.body, int(fr.length))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptFrame, fr.codec, err)
	}
	if uint64(len(out)) != fr.length {
		return nil, fmt.Errorf("%w: inflated to %d bytes, expected %d", ErrCorruptFrame, len(out), fr.length)
	}
	return out, nil
}
