// Package uid canonicalizes the many spellings a card UID arrives in
// (byte-value lists from the reader firmware, hex strings with arbitrary
// separators, plain decimal runs) into the uppercase hex key used by the
// registry.
//
// Storage and search normalization deliberately differ for strings without
// hex content; the two code paths must stay separate so existing rows keep
// matching the spellings that produced them.
package uid

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	nonHex  = regexp.MustCompile(`[^0-9A-Fa-f]`)
	decRuns = regexp.MustCompile(`[0-9]+`)
)

// ForSearch normalizes a UID for registry lookups. Total: never fails,
// falls back to an uppercased string rendering of the input.
func ForSearch(raw interface{}) string {
	if vals, ok := byteValues(raw); ok {
		return hexConcat(vals)
	}
	if s, ok := raw.(string); ok {
		return strings.ToUpper(nonHex.ReplaceAllString(s, ""))
	}
	return strings.ToUpper(fmt.Sprint(raw))
}

// ForStorage normalizes a UID before inserting it into the registry.
// Unlike ForSearch, a string with no hex content at all is re-read as a
// list of decimal runs, each rendered as a two-digit hex byte.
func ForStorage(raw interface{}) string {
	if vals, ok := byteValues(raw); ok {
		return hexConcat(vals)
	}
	if s, ok := raw.(string); ok {
		cleaned := strings.ToUpper(nonHex.ReplaceAllString(s, ""))
		if cleaned != "" {
			return cleaned
		}
		if runs := decRuns.FindAllString(s, -1); len(runs) > 0 {
			vals := make([]int64, 0, len(runs))
			for _, r := range runs {
				n, err := strconv.ParseInt(r, 10, 64)
				if err != nil {
					continue
				}
				vals = append(vals, n)
			}
			return hexConcat(vals)
		}
		return strings.ToUpper(s)
	}
	return strings.ToUpper(fmt.Sprint(raw))
}

// byteValues extracts a numeric sequence from the list shapes a UID can
// take: raw reader bytes, int slices from callers, or the []interface{}
// that json.Unmarshal produces for a JSON array of numbers.
func byteValues(raw interface{}) ([]int64, bool) {
	switch v := raw.(type) {
	case []byte:
		out := make([]int64, len(v))
		for i, b := range v {
			out[i] = int64(b)
		}
		return out, true
	case []int:
		out := make([]int64, len(v))
		for i, n := range v {
			out[i] = int64(n)
		}
		return out, true
	case []int64:
		return v, true
	case []interface{}:
		out := make([]int64, 0, len(v))
		for _, e := range v {
			switch n := e.(type) {
			case float64:
				out = append(out, int64(n))
			case int:
				out = append(out, int64(n))
			case int64:
				out = append(out, n)
			default:
				return nil, false
			}
		}
		return out, true
	}
	return nil, false
}

func hexConcat(vals []int64) string {
	var b strings.Builder
	for _, v := range vals {
		fmt.Fprintf(&b, "%02X", v)
	}
	return b.String()
}
