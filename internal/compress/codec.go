package compress

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// CodecID identifies the algorithm inside a frame. Ids are persisted with
// the payload and must never be reused.
type CodecID uint64

const (
	CodecGzip   CodecID = 1
	CodecZstd   CodecID = 2
	CodecSnappy CodecID = 3
)

func (id CodecID) String() string {
	switch id {
	case CodecGzip:
		return "gzip"
	case CodecZstd:
		return "zstd"
	case CodecSnappy:
		return "snappy"
	default:
		return fmt.Sprintf("codec(%d)", uint64(id))
	}
}

// Codec is a raw compression algorithm without framing.
type Codec interface {
	ID() CodecID
	Encode(src []byte) ([]byte, error)
	// Decode inflates src, which is known to inflate to exactly size bytes.
	Decode(src []byte, size int) ([]byte, error)
}

var (
	codecsMu sync.RWMutex
	codecs   = map[CodecID]Codec{
		CodecGzip:   gzipCodec{level: gzip.DefaultCompression},
		CodecZstd:   &zstdCodec{},
		CodecSnappy: snappyCodec{},
	}
)

// Register makes a codec available to Decompress. Registering an id twice
// replaces the earlier codec.
func Register(c Codec) {
	codecsMu.Lock()
	defer codecsMu.Unlock()
	codecs[c.ID()] = c
}

func lookup(id CodecID) (Codec, bool) {
	codecsMu.RLock()
	defer codecsMu.RUnlock()
	c, ok := codecs[id]
	return c, ok
}

type gzipCodec struct {
	level int
}

func (gzipCodec) ID() CodecID { return CodecGzip }

func (c gzipCodec) Encode(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipCodec) Decode(src []byte, size int) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	out := make([]byte, 0, size)
	buf := bytes.NewBuffer(out)
	// One extra byte so an oversized stream is detected rather than truncated.
	if _, err := io.Copy(buf, io.LimitReader(r, int64(size)+1)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type zstdCodec struct {
	once sync.Once
	enc  *zstd.Encoder
	dec  *zstd.Decoder
	err  error
}

func (*zstdCodec) ID() CodecID { return CodecZstd }

func (c *zstdCodec) init() error {
	c.once.Do(func() {
		c.enc, c.err = zstd.NewWriter(nil)
		if c.err != nil {
			return
		}
		c.dec, c.err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0), zstd.WithDecoderMaxMemory(uint64(MaxDecodedSize)))
	})
	return c.err
}

func (c *zstdCodec) Encode(src []byte) ([]byte, error) {
	if err := c.init(); err != nil {
		return nil, err
	}
	return c.enc.EncodeAll(src, make([]byte, 0, len(src)/2+16)), nil
}

func (c *zstdCodec) Decode(src []byte, size int) ([]byte, error) {
	if err := c.init(); err != nil {
		return nil, err
	}
	return c.dec.DecodeAll(src, make([]byte, 0, size))
}

type snappyCodec struct{}

func (snappyCodec) ID() CodecID { return CodecSnappy }

func (snappyCodec) Encode(src []byte) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}

func (snappyCodec) Decode(src []byte, size int) ([]byte, error) {
	n, err := snappy.DecodedLen(src)
	if err != nil {
		return nil, err
	}
	if n != size {
		return nil, fmt.Errorf("snappy block inflates to %d bytes, frame says %d", n, size)
	}
	return snappy.Decode(nil, src)
}
