// Package glob implements the minimal pattern surface the runtime
// documents: `*` matches within a path segment, `**` crosses segments,
// `?` matches a single character. Brace alternation is not supported.
package glob

import "strings"

// Match reports whether the forward-slash path matches the pattern.
func Match(pattern, path string) bool {
	return matchSegments(splitSegments(pattern), splitSegments(path))
}

// MatchAny reports whether any pattern matches.
func MatchAny(patterns []string, path string) bool {
	for _, p := range patterns {
		if Match(p, path) {
			return true
		}
	}
	return false
}

func splitSegments(s string) []string {
	s = strings.Trim(s, "/")
	if s == "" {
		return nil
	}
	return strings.Split(s, "/")
}

func matchSegments(pat, segs []string) bool {
	if len(pat) == 0 {
		return len(segs) == 0
	}
	if pat[0] == "**" {
		// `**` may swallow zero or more whole segments.
		for i := 0; i <= len(segs); i++ {
			if matchSegments(pat[1:], segs[i:]) {
				return true
			}
		}
		return false
	}
	if len(segs) == 0 {
		return false
	}
	if !matchSegment(pat[0], segs[0]) {
		return false
	}
	return matchSegments(pat[1:], segs[1:])
}

// matchSegment matches one path segment against a pattern segment with
// `*` and `?` wildcards, no slash crossing.
func matchSegment(pat, seg string) bool {
	var p, s int
	star, mark := -1, 0
	for s < len(seg) {
		switch {
		case p < len(pat) && (pat[p] == '?' || pat[p] == seg[s]):
			p++
			s++
		case p < len(pat) && pat[p] == '*':
			star, mark = p, s
			p++
		case star != -1:
			p = star + 1
			mark++
			s = mark
		default:
			return false
		}
	}
	for p < len(pat) && pat[p] == '*' {
		p++
	}
	return p == len(pat)
}
