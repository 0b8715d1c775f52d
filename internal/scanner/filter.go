package scanner

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

const (
	DefaultPageSize    = 20
	MaxPageSize        = 50
	DefaultConcurrency = 3
	MaxConcurrency     = 10
)

// Normalize makes filter values comparable regardless of case, padding and NBSP.
func Normalize(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	return strings.ToLower(strings.TrimSpace(s))
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// JobID derives the job key from a normalized filter value. Filters that are
// already slugs map to "optimize_<slug>"; any other filter gets a digest suffix
// after "_", which no slug contains, so distinct filters never share a key.
func JobID(norm string) string {
	slug := strings.Trim(nonSlug.ReplaceAllString(norm, "-"), "-")
	if slug == "" && norm == "" {
		return "optimize_all"
	}
	if slug == norm {
		return "optimize_" + slug
	}
	sum := sha256.Sum256([]byte(norm))
	return "optimize_" + slug + "_" + hex.EncodeToString(sum[:6])
}

// ClampPageSize maps a missing (zero) value to the default and clamps to [1, MaxPageSize].
func ClampPageSize(n int) int { return clamp(n, DefaultPageSize, MaxPageSize) }

// ClampConcurrency maps a missing (zero) value to the default and clamps to [1, MaxConcurrency].
func ClampConcurrency(n int) int { return clamp(n, DefaultConcurrency, MaxConcurrency) }

func clamp(n, def, max int) int {
	switch {
	case n == 0:
		return def
	case n < 1:
		return 1
	case n > max:
		return max
	default:
		return n
	}
}
