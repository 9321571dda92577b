// Package profileurl normalizes LinkedIn profile URLs so that the same person
// compares equal regardless of tracking parameters or trailing slashes.
package profileurl

import (
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/jdziat/sniper/pkg/core"
)

// Normalize returns the canonical form of raw: scheme-qualified (https is
// assumed when missing), lower-case host, no query or fragment, no trailing
// slash. Only http and https URLs are accepted.
func Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", errors.Wrap(core.ErrInvalidInput, "empty profile url")
	}
	u, err := url.Parse(s)
	if err == nil && u.Scheme == "" {
		u, err = url.Parse("https://" + strings.TrimPrefix(s, "//"))
	}
	if err != nil {
		return "", errors.Wrapf(core.ErrInvalidInput, "parse profile url %q", raw)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", errors.Wrapf(core.ErrInvalidInput, "unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.Wrapf(core.ErrInvalidInput, "profile url %q has no host", raw)
	}
	path := strings.TrimRight(u.EscapedPath(), "/")
	return scheme + "://" + strings.ToLower(u.Host) + path, nil
}

// Dedupe normalizes urls and drops duplicates and invalid entries, keeping the
// first occurrence order. The second return value counts dropped invalid urls.
func Dedupe(urls []string) ([]string, int) {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	invalid := 0
	for _, raw := range urls {
		n, err := Normalize(raw)
		if err != nil {
			invalid++
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out, invalid
}
