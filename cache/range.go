package cache

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnsatisfiableRange is returned when a byte range falls entirely
// outside the cached body.
var ErrUnsatisfiableRange = errors.New("cache: requested range not satisfiable")

// maxSliceSize caps the cached bodies the gateway will slice locally.
// Larger entries are served whole, or the range is forwarded upstream.
const maxSliceSize = 32 << 20

// ByteRange is a single absolute byte range within a body of known size.
// Total is the full body size, not the slice size.
type ByteRange struct {
	Start int64
	End   int64
	Total int64
}

// Size returns the number of bytes covered by the range.
func (br ByteRange) Size() int64 {
	return br.End - br.Start + 1
}

// ContentRange formats the Content-Range header value for the slice.
func (br ByteRange) ContentRange() string {
	return fmt.Sprintf("bytes %d-%d/%d", br.Start, br.End, br.Total)
}

// ParseRange parses a single-range Range header ("bytes=a-b", "bytes=a-",
// "bytes=-n") against a body of size length. Multi-range requests and
// other units return ok=false so the caller serves the full body.
func ParseRange(header string, length int64) (ByteRange, bool, error) {
	if header == "" || length <= 0 {
		return ByteRange{}, false, nil
	}

	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return ByteRange{}, false, nil
	}

	startStr, endStr, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return ByteRange{}, false, nil
	}

	var start, end int64
	switch {
	case startStr == "" && endStr == "":
		return ByteRange{}, false, nil
	case startStr == "":
		// suffix range, last n bytes
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return ByteRange{}, false, nil
		}
		if n > length {
			n = length
		}
		start, end = length-n, length-1
	default:
		var err error
		start, err = strconv.ParseInt(startStr, 10, 64)
		if err != nil || start < 0 {
			return ByteRange{}, false, nil
		}
		if start >= length {
			return ByteRange{}, false, ErrUnsatisfiableRange
		}
		if endStr == "" {
			end = length - 1
		} else {
			end, err = strconv.ParseInt(endStr, 10, 64)
			if err != nil || end < start {
				return ByteRange{}, false, nil
			}
			if end >= length {
				end = length - 1
			}
		}
	}

	return ByteRange{Start: start, End: end, Total: length}, true, nil
}

// Slice returns the byte range of body for the Range header, along with
// the resolved range. Bodies above the slicing guard are not sliced.
func Slice(body []byte, header string) ([]byte, ByteRange, bool, error) {
	if int64(len(body)) > maxSliceSize {
		return nil, ByteRange{}, false, nil
	}

	br, ok, err := ParseRange(header, int64(len(body)))
	if err != nil || !ok {
		return nil, ByteRange{}, false, err
	}
	return body[br.Start : br.End+1], br, true, nil
}
