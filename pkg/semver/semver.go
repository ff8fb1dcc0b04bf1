// Package semver compares the loosely-structured version strings the OTA
// control plane hands out. Components are not guaranteed to use strict
// semantic versioning (a trailing "-JT4.6" build tag is common), so the
// comparison splits on separators and falls back to lexicographic ordering
// for any segment that isn't purely numeric.
package semver

import (
	"strconv"
	"strings"
)

// isSeparator reports whether r should split a version string into segments.
func isSeparator(r rune) bool {
	return r == '.' || r == '-' || r == '_' || r == '+'
}

// segments splits a version string into its comparable parts.
func segments(v string) []string {
	return strings.FieldsFunc(v, isSeparator)
}

// compareSegment orders two segments: numeric segments compare numerically,
// anything else falls back to lexicographic comparison. A numeric segment
// always sorts before a non-numeric one at the same position, so a word
// suffix sorts after the bare version ("1.0.0" < "1.0.0-beta") and after
// any numeric continuation ("1.0.0.5" < "1.0.0-rc1").
func compareSegment(a, b string) int {
	an, aErr := strconv.Atoi(a)
	bn, bErr := strconv.Atoi(b)
	switch {
	case aErr == nil && bErr == nil:
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	case aErr == nil:
		return -1
	case bErr == nil:
		return 1
	default:
		return strings.Compare(a, b)
	}
}

// Compare returns -1, 0, or 1 as v sorts before, equal to, or after w.
// A shorter segment list is padded with implicit "0" segments to the
// longer one's length before comparing, so "1.2" < "1.2.1" but
// "" and "0.0.0" compare equal (both are all-implicit-zero) — the empty
// string only sorts below a version once a real, non-zero segment appears
// ("" < "any", since "any" pads against a numeric zero and a word never
// equals zero).
func Compare(v, w string) int {
	vs, ws := segments(v), segments(w)
	n := len(vs)
	if len(ws) > n {
		n = len(ws)
	}
	for i := 0; i < n; i++ {
		a, b := "0", "0"
		if i < len(vs) {
			a = vs[i]
		}
		if i < len(ws) {
			b = ws[i]
		}
		if c := compareSegment(a, b); c != 0 {
			return c
		}
	}
	return 0
}

// Less reports whether v orders strictly before w.
func Less(v, w string) bool {
	return Compare(v, w) < 0
}

// Equal reports whether v and w compare equal under Compare.
func Equal(v, w string) bool {
	return Compare(v, w) == 0
}
