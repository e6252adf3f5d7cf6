package kv

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCodec(t *testing.T) *envelopeCodec {
	t.Helper()
	c, err := newEnvelopeCodec()
	require.NoError(t, err)
	t.Cleanup(c.close)
	return c
}

func TestEnvelopeRoundTrip(t *testing.T) {
	c := testCodec(t)

	meta := Metadata{
		ContentType: "video/mp4",
		CreatedAt:   time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		Size:        5,
	}
	framed, err := c.encode(meta, []byte("hello"))
	require.NoError(t, err)

	gotMeta, payload, err := c.decode(framed)
	require.NoError(t, err)
	assert.Equal(t, meta.ContentType, gotMeta.ContentType)
	assert.Equal(t, []byte("hello"), payload)
}

func TestEnvelopeSmallPayloadNotCompressed(t *testing.T) {
	c := testCodec(t)

	framed, err := c.encode(Metadata{}, []byte("tiny"))
	require.NoError(t, err)

	// The raw payload should be present verbatim at the tail.
	assert.True(t, bytes.HasSuffix(framed, []byte("tiny")))
}

func TestEnvelopeCompressesLargePayload(t *testing.T) {
	c := testCodec(t)

	payload := bytes.Repeat([]byte("abcdefgh"), 4096)
	framed, err := c.encode(Metadata{}, payload)
	require.NoError(t, err)
	assert.Less(t, len(framed), len(payload))

	_, got, err := c.decode(framed)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestEnvelopeInvalidMagic(t *testing.T) {
	c := testCodec(t)

	_, _, err := c.decode([]byte("XXXXrest-of-entry"))
	require.ErrorIs(t, err, ErrInvalidMagic)
}

func TestEnvelopeCorruptedPayload(t *testing.T) {
	c := testCodec(t)

	framed, err := c.encode(Metadata{}, []byte("payload-bytes"))
	require.NoError(t, err)

	// Flip a payload byte; the digest check must catch it.
	framed[len(framed)-1] ^= 0xff
	_, _, err = c.decode(framed)
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestEnvelopeTruncated(t *testing.T) {
	c := testCodec(t)

	framed, err := c.encode(Metadata{}, []byte("payload"))
	require.NoError(t, err)

	_, _, err = c.decode(framed[:6])
	require.Error(t, err)
}
