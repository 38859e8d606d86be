package compress

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
)

func samplePayloads() map[string][]byte {
	rnd := rand.New(rand.NewSource(1))
	random := make([]byte, 4096)
	rnd.Read(random)

	return map[string][]byte{
		"empty":      {},
		"one byte":   {0x7f},
		"text":       []byte("the quick brown fox jumps over the lazy dog"),
		"repetitive": bytes.Repeat([]byte("keeper"), 2000),
		"random":     random,
		"magic only": {0x4B, 0x5A},
	}
}

func TestRoundTrip(t *testing.T) {
	providers := map[string]*Framed{
		"gzip":   Gzip(),
		"zstd":   Zstd(),
		"snappy": Snappy(),
	}

	for pname, p := range providers {
		for name, payload := range samplePayloads() {
			t.Run(pname+"/"+name, func(t *testing.T) {
				compressed, err := p.Compress("/a", payload)
				if err != nil {
					t.Fatalf("Compress failed: %v", err)
				}
				if !IsFramed(compressed) {
					t.Fatal("Expected compressed output to be framed")
				}

				out, err := p.Decompress("/a", compressed)
				if err != nil {
					t.Fatalf("Decompress failed: %v", err)
				}
				if !bytes.Equal(out, payload) {
					t.Errorf("Expected %d bytes back, got %d", len(payload), len(out))
				}
			})
		}
	}
}

func TestCompressedDiffersFromInput(t *testing.T) {
	payload := []byte("hello world, hello world, hello world")

	compressed, err := Gzip().Compress("/a", payload)
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	if bytes.Equal(compressed, payload) {
		t.Error("Expected compressed bytes to differ from the input")
	}
	if len(compressed) == len(payload) {
		t.Error("Expected compressed length to differ from the input length")
	}
}

func TestDecompressAcrossProviders(t *testing.T) {
	payload := bytes.Repeat([]byte("abc"), 100)

	compressed, err := Zstd().Compress("/x", payload)
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}

	// A reader configured for gzip still reads zstd frames.
	out, err := Gzip().Decompress("/x", compressed)
	if err != nil {
		t.Fatalf("Decompress failed: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Error("Expected payload to survive a provider switch")
	}
}

func TestDecompressRejectsBadInput(t *testing.T) {
	good, err := Snappy().Compress("/a", []byte("payload"))
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}

	unknown := append([]byte{}, good...)
	unknown[3] = 99 // codec id varint

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"plain bytes", []byte("payload"), ErrNotCompressed},
		{"nil", nil, ErrNotCompressed},
		{"truncated", good[:len(good)-2], ErrCorruptFrame},
		{"trailing bytes", append(append([]byte{}, good...), 0x00), ErrCorruptFrame},
		{"magic only", []byte{0x4B, 0x5A}, ErrCorruptFrame},
		{"unknown codec", unknown, ErrUnknownCodec},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decompress(tt.data)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestByName(t *testing.T) {
	tests := []struct {
		name string
		want CodecID
	}{
		{"", CodecGzip},
		{"gzip", CodecGzip},
		{"zstd", CodecZstd},
		{"snappy", CodecSnappy},
	}
	for _, tt := range tests {
		p, err := ByName(tt.name)
		if err != nil {
			t.Fatalf("ByName(%q) failed: %v", tt.name, err)
		}
		if p.Codec() != tt.want {
			t.Errorf("ByName(%q): Expected %v, got %v", tt.name, tt.want, p.Codec())
		}
	}

	if _, err := ByName("lz4"); !errors.Is(err, ErrUnknownCodec) {
		t.Errorf("Expected ErrUnknownCodec, got %v", err)
	}
}

type reverseCodec struct{}

func (reverseCodec) ID() CodecID { return 200 }

func (reverseCodec) Encode(src []byte) ([]byte, error) {
	out := make([]byte, len(src))
	for i, b := range src {
		out[len(src)-1-i] = b
	}
	return out, nil
}

func (c reverseCodec) Decode(src []byte, _ int) ([]byte, error) {
	return c.Encode(src)
}

func TestRegisterCustomCodec(t *testing.T) {
	Register(reverseCodec{})

	p := NewFramed(reverseCodec{})
	compressed, err := p.Compress("/a", []byte("abc"))
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	out, err := Decompress(compressed)
	if err != nil {
		t.Fatalf("Decompress failed: %v", err)
	}
	if string(out) != "abc" {
		t.Errorf("Expected abc, got %q", out)
	}
}
