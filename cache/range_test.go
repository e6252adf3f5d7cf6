package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRange(t *testing.T) {
	tests := []struct {
		name   string
		header string
		length int64
		want   ByteRange
		ok     bool
	}{
		{
			name:   "closed range",
			header: "bytes=0-99",
			length: 1000,
			want:   ByteRange{Start: 0, End: 99, Total: 1000},
			ok:     true,
		},
		{
			name:   "open end",
			header: "bytes=500-",
			length: 1000,
			want:   ByteRange{Start: 500, End: 999, Total: 1000},
			ok:     true,
		},
		{
			name:   "suffix",
			header: "bytes=-100",
			length: 1000,
			want:   ByteRange{Start: 900, End: 999, Total: 1000},
			ok:     true,
		},
		{
			name:   "end clamped to length",
			header: "bytes=900-2000",
			length: 1000,
			want:   ByteRange{Start: 900, End: 999, Total: 1000},
			ok:     true,
		},
		{
			name:   "multi range falls back to full body",
			header: "bytes=0-1,5-9",
			length: 1000,
			ok:     false,
		},
		{
			name:   "unknown unit falls back",
			header: "items=0-1",
			length: 1000,
			ok:     false,
		},
		{
			name:   "empty header",
			header: "",
			length: 1000,
			ok:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := ParseRange(tt.header, tt.length)
			require.NoError(t, err)
			require.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestParseRangeUnsatisfiable(t *testing.T) {
	_, _, err := ParseRange("bytes=1000-1100", 1000)
	require.ErrorIs(t, err, ErrUnsatisfiableRange)
}

func TestSlice(t *testing.T) {
	body := []byte("0123456789")

	part, br, ok, err := Slice(body, "bytes=2-5")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("2345"), part)
	assert.Equal(t, "bytes 2-5/10", br.ContentRange())
	assert.Equal(t, int64(4), br.Size())
}

func TestSliceOverGuardServedWhole(t *testing.T) {
	body := make([]byte, maxSliceSize+1)

	_, _, ok, err := Slice(body, "bytes=0-9")
	require.NoError(t, err)
	assert.False(t, ok)
}
