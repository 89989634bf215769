package service

import (
	"fmt"
	"net/url"
	"strings"
)

// resolveTarget returns the absolute upstream URL for a call. An absolute
// target is used as-is, a relative one resolves against base, and an empty
// one appends the inbound escaped path to base.
func resolveTarget(target string, base *url.URL, inboundPath string) (*url.URL, error) {
	if target == "" {
		if base == nil {
			return nil, ErrMissingTarget
		}
		return JoinPath(base, inboundPath)
	}

	t, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if !t.IsAbs() {
		if base == nil {
			return nil, fmt.Errorf("%w: relative target %q", ErrMissingTarget, target)
		}
		t = base.ResolveReference(t)
	}
	if err := checkUpstreamURL(t); err != nil {
		return nil, err
	}
	t.Fragment = ""
	t.RawFragment = ""
	return t, nil
}

// JoinPath appends an escaped path to base's path with a single slash between
// them. base is not modified; its query is kept.
func JoinPath(base *url.URL, inboundPath string) (*url.URL, error) {
	u := *base
	u.Fragment = ""
	u.RawFragment = ""

	if inboundPath == "" {
		inboundPath = "/"
	}
	joined := strings.TrimSuffix(base.EscapedPath(), "/") + inboundPath
	p, err := url.PathUnescape(joined)
	if err != nil {
		return nil, fmt.Errorf("%w: path %q: %v", ErrInvalidTarget, joined, err)
	}
	u.Path = p
	u.RawPath = joined
	return &u, nil
}

func checkUpstreamURL(u *url.URL) error {
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidTarget, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: no host in %q", ErrInvalidTarget, u.String())
	}
	return nil
}

// resolveQuery picks exactly one query source: the explicit option, then the
// target's inline query, then the inbound query. Sources are never merged.
func resolveQuery(explicit url.Values, inline, inbound string) string {
	switch {
	case explicit != nil:
		return explicit.Encode()
	case inline != "":
		return inline
	default:
		return inbound
	}
}
