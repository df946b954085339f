// Package utils provides small helpers shared by the transport layer. They
// carry no domain logic.
package utils

import "strconv"

// AtoiDefault converts s with strconv.Atoi, returning def when s is empty or
// not an integer.
//
//	utils.AtoiDefault("42", 0) // 42
//	utils.AtoiDefault("", 10)  // 10
//	utils.AtoiDefault("x", 5)  // 5
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// PageParams parses 1-based page and page size query values. Missing or
// invalid values fall back to page 1 and defSize; the size is capped at
// maxSize.
func PageParams(page, size string, defSize, maxSize int) (int, int) {
	p := AtoiDefault(page, 1)
	if p < 1 {
		p = 1
	}
	ps := AtoiDefault(size, defSize)
	if ps < 1 {
		ps = defSize
	}
	if maxSize > 0 && ps > maxSize {
		ps = maxSize
	}
	return p, ps
}
