package variants

import (
	"regexp"
	"strconv"
	"strings"
)

// Spec is one derivative to produce from a source image.
type Spec struct {
	Name    string
	Width   int
	Quality int
}

// Names of the variants the optimizer keys its completeness checks on.
const (
	Thumb  = "thumb"
	Card   = "card"
	Detail = "detail"
)

var (
	CoverSet = []Spec{
		{Name: Thumb, Width: 320, Quality: 70},
		{Name: Card, Width: 640, Quality: 75},
		{Name: Detail, Width: 1024, Quality: 80},
	}
	// DetailSet serves quality and gallery images.
	DetailSet = []Spec{
		{Name: Card, Width: 640, Quality: 75},
		{Name: Detail, Width: 1024, Quality: 80},
	}
)

// Prefix builds "<collection>/<id>/optimized/<role>[_<key>]".
func Prefix(collection, id, role, key string) string {
	p := collection + "/" + id + "/optimized/" + role
	if key != "" {
		p += "_" + key
	}
	return p
}

// Key builds "<prefix>_<width><ext>".
func Key(prefix string, width int, ext string) string {
	return prefix + "_" + strconv.Itoa(width) + ext
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// SafeKey joins parts with "_" and replaces anything outside [A-Za-z0-9_-].
func SafeKey(parts ...string) string {
	var kept []string
	for _, p := range parts {
		p = strings.Trim(unsafeChars.ReplaceAllString(strings.TrimSpace(p), "-"), "-")
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "_")
}
