package download

import (
	"strconv"
	"strings"

	"github.com/cubbyhost/cubby/pkg/errs"
	"github.com/cubbyhost/cubby/pkg/storage"
)

// ParseRange parses a single HTTP Range header value against an object of
// the given size. Supported forms: "bytes=a-b", "bytes=a-" and the suffix
// form "bytes=-n". A nil result means the whole object. Ranges that start
// beyond the end of the object fail with KindRangeNotSatisfiable; malformed
// headers fail with Validation. Multi-range requests are not supported.
func ParseRange(header string, size int64) (*storage.ByteRange, error) {
	const op = "download.ParseRange"

	if header == "" {
		return nil, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return nil, errs.Validation(op, "unsupported range unit")
	}
	if strings.Contains(spec, ",") {
		return nil, errs.Validation(op, "multiple ranges are not supported")
	}

	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return nil, errs.Validation(op, "malformed range")
	}

	// Suffix form: last n bytes.
	if startStr == "" {
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return nil, errs.Validation(op, "malformed range")
		}
		if size == 0 {
			return nil, &errs.Error{Kind: errs.KindRangeNotSatisfiable, Op: op, Message: "object is empty"}
		}
		if n > size {
			n = size
		}
		return &storage.ByteRange{Start: size - n, End: size - 1}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return nil, errs.Validation(op, "malformed range")
	}
	if start >= size {
		return nil, &errs.Error{Kind: errs.KindRangeNotSatisfiable, Op: op, Message: "range starts beyond end of object"}
	}

	end := int64(-1)
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return nil, errs.Validation(op, "malformed range")
		}
		if end >= size {
			end = size - 1
		}
	} else {
		end = size - 1
	}
	return &storage.ByteRange{Start: start, End: end}, nil
}
