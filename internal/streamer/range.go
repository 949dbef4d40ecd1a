package streamer

import (
	"errors"
	"strconv"
	"strings"
)

// ErrUnsatisfiableRange reports a syntactically valid range that lies
// entirely outside the resource.
var ErrUnsatisfiableRange = errors.New("streamer: requested range not satisfiable")

// ByteRange is an inclusive byte interval of a resource.
type ByteRange struct {
	Start int64
	End   int64
}

// Length returns the number of bytes the range covers.
func (r ByteRange) Length() int64 {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// ParseRange interprets a Range header value against a resource of the
// given size. A missing or malformed header means the full content, per the
// lenient reading of RFC 7233 media players rely on. Only the first range
// of a multi-range header is honored. partial reports whether the caller
// should answer with a partial-content response.
func ParseRange(header string, size int64) (rng ByteRange, partial bool, err error) {
	full := ByteRange{Start: 0, End: size - 1}

	header = strings.TrimSpace(header)
	if header == "" {
		return full, false, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return full, false, nil
	}
	if i := strings.IndexByte(spec, ','); i >= 0 {
		spec = spec[:i]
	}
	startStr, endStr, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return full, false, nil
	}

	if startStr == "" {
		// Suffix form: the last n bytes.
		n, perr := strconv.ParseInt(endStr, 10, 64)
		if perr != nil || n <= 0 {
			return full, false, nil
		}
		if size == 0 {
			return ByteRange{}, false, ErrUnsatisfiableRange
		}
		return ByteRange{Start: max(0, size-n), End: size - 1}, true, nil
	}

	start, perr := strconv.ParseInt(startStr, 10, 64)
	if perr != nil || start < 0 {
		return full, false, nil
	}
	if start >= size {
		return ByteRange{}, false, ErrUnsatisfiableRange
	}

	end := size - 1
	if endStr != "" {
		e, perr := strconv.ParseInt(endStr, 10, 64)
		if perr != nil {
			return full, false, nil
		}
		if e < start {
			return full, false, nil
		}
		end = min(e, size-1)
	}
	return ByteRange{Start: start, End: end}, true, nil
}
