package kv

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Framed entry format: MAGIC (4 bytes) | HDRLEN (uint32 big-endian) |
// HDRBYTES (JSON envelopeHeader) | PAYLOAD (raw or zstd).
var magicBytes = []byte("MGE1")

const (
	// maxHeaderSize is the maximum allowed size for the JSON header (64 KiB).
	maxHeaderSize = 64 * 1024

	// compressionThreshold is the minimum payload size before compression
	// is considered. zstd overhead is not worth it below this.
	compressionThreshold = 2048

	// maxDecompressedSize is the hard cap during decompression to prevent
	// compression bombs. Chunks are bounded well below this by the writer.
	maxDecompressedSize = 64 * 1024 * 1024
)

var (
	// ErrInvalidMagic is returned when an entry doesn't start with the
	// expected magic bytes.
	ErrInvalidMagic = errors.New("invalid magic bytes: expected MGE1")

	// ErrHeaderTooLarge is returned when the header exceeds maxHeaderSize.
	ErrHeaderTooLarge = errors.New("header exceeds maximum size")

	// ErrCorrupted is returned when payload digest verification fails.
	ErrCorrupted = errors.New("payload digest mismatch")

	// ErrDecompressionBomb is returned when decompressed size exceeds the cap.
	ErrDecompressionBomb = errors.New("decompressed payload exceeds maximum size")
)

type payloadEncoding string

const (
	encodingIdentity payloadEncoding = "identity"
	encodingZstd     payloadEncoding = "zstd"
)

// envelopeHeader is the JSON header persisted ahead of every payload.
type envelopeHeader struct {
	Meta         Metadata        `json:"meta"`
	Encoding     payloadEncoding `json:"encoding"`
	OriginalSize int64           `json:"original_size"`
	Digest       string          `json:"digest,omitempty"`
}

// envelopeCodec encodes and decodes framed entries with optional zstd
// compression. Safe for concurrent use.
type envelopeCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

func newEnvelopeCodec() (*envelopeCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &envelopeCodec{encoder: enc, decoder: dec}, nil
}

func (c *envelopeCodec) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// encode frames metadata and payload into a single value.
func (c *envelopeCodec) encode(meta Metadata, payload []byte) ([]byte, error) {
	hdr := envelopeHeader{
		Meta:         meta,
		Encoding:     encodingIdentity,
		OriginalSize: int64(len(payload)),
		Digest:       computeDigest(payload),
	}

	body := payload
	if len(payload) >= compressionThreshold {
		c.mu.RLock()
		enc := c.encoder
		c.mu.RUnlock()
		if enc != nil {
			compressed := enc.EncodeAll(payload, nil)
			if len(compressed) < len(payload) {
				body = compressed
				hdr.Encoding = encodingZstd
			}
		}
	}

	headerBytes, err := json.Marshal(hdr)
	if err != nil {
		return nil, fmt.Errorf("marshaling header: %w", err)
	}
	if len(headerBytes) > maxHeaderSize {
		return nil, ErrHeaderTooLarge
	}

	var buf bytes.Buffer
	buf.Grow(len(magicBytes) + 4 + len(headerBytes) + len(body))
	buf.Write(magicBytes)
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(headerBytes))); err != nil {
		return nil, fmt.Errorf("writing header length: %w", err)
	}
	buf.Write(headerBytes)
	buf.Write(body)

	return buf.Bytes(), nil
}

// decode parses a framed value, decompressing and verifying the payload.
func (c *envelopeCodec) decode(data []byte) (Metadata, []byte, error) {
	r := bytes.NewReader(data)

	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return Metadata{}, nil, fmt.Errorf("reading magic bytes: %w", err)
	}
	if !bytes.Equal(magic, magicBytes) {
		return Metadata{}, nil, ErrInvalidMagic
	}

	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return Metadata{}, nil, fmt.Errorf("reading header length: %w", err)
	}
	if headerLen > maxHeaderSize {
		return Metadata{}, nil, ErrHeaderTooLarge
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return Metadata{}, nil, fmt.Errorf("reading header: %w", err)
	}

	var hdr envelopeHeader
	if err := json.Unmarshal(headerBytes, &hdr); err != nil {
		return Metadata{}, nil, fmt.Errorf("parsing header: %w", err)
	}

	body := data[len(data)-r.Len():]

	payload, err := c.decodePayload(body, hdr)
	if err != nil {
		return Metadata{}, nil, err
	}

	return hdr.Meta, payload, nil
}

func (c *envelopeCodec) decodePayload(body []byte, hdr envelopeHeader) ([]byte, error) {
	switch hdr.Encoding {
	case encodingIdentity, "":
		if hdr.Digest != "" && computeDigest(body) != hdr.Digest {
			return nil, ErrCorrupted
		}
		return body, nil

	case encodingZstd:
		if hdr.OriginalSize > maxDecompressedSize {
			return nil, ErrDecompressionBomb
		}

		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("decoder not initialized")
		}

		decompressed, err := dec.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing payload: %w", err)
		}
		if int64(len(decompressed)) > maxDecompressedSize {
			return nil, ErrDecompressionBomb
		}
		if hdr.Digest != "" && computeDigest(decompressed) != hdr.Digest {
			return nil, ErrCorrupted
		}
		return decompressed, nil

	default:
		return nil, fmt.Errorf("unsupported encoding: %v", hdr.Encoding)
	}
}

// computeDigest computes a sha256 digest in canonical format.
func computeDigest(data []byte) string {
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}
