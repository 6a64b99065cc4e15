package util

import (
	"strings"
	"sync"
)

// UCase upper-cases any string-like value, e.g. [transport.Proto] or a header name.
func UCase[T ~string](s T) T { return T(strings.ToUpper(string(s))) }

// LCase lower-cases any string-like value.
func LCase[T ~string](s T) T { return T(strings.ToLower(string(s))) }

// EqFold compares two string-like values case-insensitively.
func EqFold[T1, T2 ~string](s1 T1, s2 T2) bool {
	return strings.EqualFold(string(s1), string(s2))
}

// Ellipsis truncates s to maxLen bytes for logging raw wire data.
func Ellipsis(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

var builders = sync.Pool{
	New: func() any {
		sb := new(strings.Builder)
		sb.Grow(512)
		return sb
	},
}

func GetStringBuilder() *strings.Builder {
	return builders.Get().(*strings.Builder) //nolint:forcetypeassert
}

func FreeStringBuilder(sb *strings.Builder) {
	sb.Reset()
	builders.Put(sb)
}
