// Package utils holds small helpers shared across layers, free of any
// domain logic.
package utils

import "strconv"

// AtoiDefault parses s as an int and returns def when s is empty or does not
// parse. Handlers use it for optional numeric query parameters:
//
//	limit := utils.AtoiDefault(c.Query("limit"), defaultLimit)
//
// The input is not trimmed; " 42" yields the default.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}
