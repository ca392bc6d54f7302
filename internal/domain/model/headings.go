package model

import (
	"regexp"
	"strings"
)

const maxHeadings = 50

var headingLine = regexp.MustCompile(`(?m)^#{1,6} .*$`)

// ExtractHeadings returns the markdown section labels in document order, without
// their leading hashes.
func ExtractHeadings(markdown string) []string {
	lines := headingLine.FindAllString(markdown, -1)
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		l = strings.TrimSpace(strings.TrimLeft(l, "#"))
		if l != "" {
			out = append(out, l)
		}
	}
	return MergeHeadings(nil, out)
}

// MergeHeadings appends labels not already present, keeping order and the cap.
func MergeHeadings(existing []string, add []string) []string {
	out := append([]string{}, existing...)
	seen := make(map[string]struct{}, len(out))
	for _, h := range out {
		seen[h] = struct{}{}
	}
	for _, h := range add {
		if len(out) >= maxHeadings {
			break
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}
