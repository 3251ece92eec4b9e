package splitter

import (
	"fmt"
	"strconv"
	"strings"
)

// ParsePageRanges expands a selection such as "1-3,5,8-" into ascending,
// 1-based page numbers within pageCount. An open-ended range runs to the
// last page. Segments must be ascending and must not overlap.
func ParsePageRanges(expr string, pageCount int) ([]int, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty selection", ErrInvalidPageRange)
	}

	var pages []int
	last := 0

	for seg := range strings.SplitSeq(expr, ",") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			return nil, fmt.Errorf("%w: empty segment in %q", ErrInvalidPageRange, expr)
		}

		start, end, err := parseRange(seg, pageCount)
		if err != nil {
			return nil, err
		}
		if start <= last {
			return nil, fmt.Errorf("%w: %q overlaps or is out of order", ErrInvalidPageRange, seg)
		}
		last = end

		for p := start; p <= end; p++ {
			pages = append(pages, p)
		}
	}

	return pages, nil
}

func parseRange(seg string, pageCount int) (int, int, error) {
	first, rest, isRange := strings.Cut(seg, "-")

	start, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q is not a page number", ErrInvalidPageRange, seg)
	}

	end := start
	if isRange {
		rest = strings.TrimSpace(rest)
		if rest == "" {
			end = pageCount
		} else if end, err = strconv.Atoi(rest); err != nil {
			return 0, 0, fmt.Errorf("%w: %q is not a page range", ErrInvalidPageRange, seg)
		}
	}

	if start < 1 || end < start || end > pageCount {
		return 0, 0, fmt.Errorf("%w: %q outside 1-%d", ErrInvalidPageRange, seg, pageCount)
	}
	return start, end, nil
}
