package pathresolver

import (
	"net/url"
	"strings"
)

// Resolver turns image references stored on records into canonical object paths.
type Resolver struct {
	bucket string
}

// New returns a resolver. bucket is optional; when set, public URLs are cut after
// the segment that equals it instead of after the first segment.
func New(bucket string) *Resolver {
	return &Resolver{bucket: bucket}
}

// Resolve accepts a canonical path, a signed download URL carrying the object path
// in an encoded "/o/<path>" segment, or a public URL of the form ".../<bucket>/<path>".
// It reports false for empty input and anything it cannot parse.
func (r *Resolver) Resolve(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}

	if !strings.Contains(ref, "://") {
		return clean(ref)
	}

	u, err := url.Parse(ref)
	if err != nil || u.Host == "" {
		return "", false
	}

	if u.Scheme == "gs" || u.Scheme == "s3" {
		return clean(u.Path)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}

	escaped := u.EscapedPath()

	// signed download url: /v0/b/<bucket>/o/<url-encoded path>
	if i := strings.Index(escaped, "/o/"); i >= 0 {
		p, err := url.PathUnescape(escaped[i+len("/o/"):])
		if err != nil {
			return "", false
		}
		return clean(p)
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if r.bucket != "" {
		for i, s := range segments {
			if s == r.bucket {
				return clean(strings.Join(segments[i+1:], "/"))
			}
		}
	}
	if len(segments) < 2 {
		return "", false
	}
	return clean(strings.Join(segments[1:], "/"))
}

func clean(p string) (string, bool) {
	p = strings.TrimLeft(p, "/")
	if p == "" {
		return "", false
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", false
		}
	}
	return p, true
}
