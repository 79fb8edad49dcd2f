// Package download implements the Query service's range-aware file
// streaming: metadata lookup through a multi-level cache, mode-gated access
// to the owning Storage Element, and RFC 7233 range handling.
package download

import (
	"strconv"
	"strings"

	"github.com/wisbric/strata/pkg/domain"
)

// ByteRange is a resolved, inclusive [Start, End] byte range.
type ByteRange struct {
	Start, End int64
}

// Length returns the number of bytes the range covers.
func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// ParseRangeHeader parses a "Range: bytes=..." header value against a known
// file size, supporting single ranges, comma-separated multiple ranges,
// suffix ranges ("-500"), and open ranges ("1000-"). It returns a
// domain.KindRangeNotSatisfiable error for anything unsatisfiable, matching RFC
// 7233's instruction to answer with 416 rather than silently clamping.
func ParseRangeHeader(header string, fileSize int64) ([]ByteRange, error) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return nil, domain.NewError(domain.KindRangeNotSatisfiable, "range header must start with 'bytes='")
	}
	spec := strings.TrimPrefix(header, prefix)
	parts := strings.Split(spec, ",")

	ranges := make([]ByteRange, 0, len(parts))
	for _, raw := range parts {
		part := strings.TrimSpace(raw)
		r, err := parseOnePart(part, fileSize)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, r)
	}

	if err := rejectOverlapping(ranges); err != nil {
		return nil, err
	}
	return ranges, nil
}

func parseOnePart(part string, fileSize int64) (ByteRange, error) {
	if strings.HasPrefix(part, "-") {
		suffixLen, err := strconv.ParseInt(part[1:], 10, 64)
		if err != nil {
			return ByteRange{}, domain.WrapError(domain.KindRangeNotSatisfiable, "invalid suffix range: "+part, err)
		}
		if suffixLen <= 0 {
			return ByteRange{}, domain.NewError(domain.KindRangeNotSatisfiable, "suffix length must be positive")
		}
		start := fileSize - suffixLen
		if start < 0 {
			start = 0
		}
		return ByteRange{Start: start, End: fileSize - 1}, nil
	}

	dash := strings.IndexByte(part, '-')
	if dash < 0 {
		return ByteRange{}, domain.NewError(domain.KindRangeNotSatisfiable, "invalid range format: "+part)
	}
	startStr, endStr := part[:dash], part[dash+1:]

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return ByteRange{}, domain.WrapError(domain.KindRangeNotSatisfiable, "invalid start position: "+startStr, err)
	}

	var end int64
	if endStr == "" {
		end = fileSize - 1
	} else {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil {
			return ByteRange{}, domain.WrapError(domain.KindRangeNotSatisfiable, "invalid end position: "+endStr, err)
		}
	}

	if start < 0 || end < 0 {
		return ByteRange{}, domain.NewError(domain.KindRangeNotSatisfiable, "range positions must be non-negative")
	}
	if start > end {
		return ByteRange{}, domain.NewError(domain.KindRangeNotSatisfiable, "start position exceeds end position")
	}
	if start >= fileSize {
		return ByteRange{}, domain.NewError(domain.KindRangeNotSatisfiable, "start position is at or beyond file size")
	}
	if end >= fileSize {
		end = fileSize - 1
	}
	return ByteRange{Start: start, End: end}, nil
}

// rejectOverlapping rejects a range set containing any pair of ranges that
// intersect, since serving overlapping ranges back-to-back would duplicate
// bytes with no well-defined semantics.
func rejectOverlapping(ranges []ByteRange) error {
	for i := 0; i < len(ranges); i++ {
		for j := i + 1; j < len(ranges); j++ {
			a, b := ranges[i], ranges[j]
			if a.Start <= b.End && b.Start <= a.End {
				return domain.NewError(domain.KindRangeNotSatisfiable, "overlapping ranges are not satisfiable")
			}
		}
	}
	return nil
}
