// Package httpheader filters connection-scoped headers out of header sets
// that cross the relay boundary.
package httpheader

import (
	"net/http"

	"github.com/golang/gddo/httputil/header"
)

// hopByHop holds canonical names of headers that only apply to a single
// connection leg. Host is included because it is recomputed from the target.
var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Host":                {},
}

// IsHopByHop reports whether name is in the fixed hop-by-hop set.
func IsHopByHop(name string) bool {
	_, ok := hopByHop[http.CanonicalHeaderKey(name)]
	return ok
}

// Filter returns a copy of src without hop-by-hop headers and without any
// header listed as a token in src's Connection header.
func Filter(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	CopyFiltered(dst, src)
	return dst
}

// CopyFiltered appends the values of every forwardable header in src to dst.
func CopyFiltered(dst, src http.Header) {
	scoped := connectionTokens(src)
	for key, vals := range src {
		ck := http.CanonicalHeaderKey(key)
		if IsHopByHop(ck) {
			continue
		}
		if _, ok := scoped[ck]; ok {
			continue
		}
		for _, v := range vals {
			dst.Add(ck, v)
		}
	}
}

func connectionTokens(h http.Header) map[string]struct{} {
	tokens := header.ParseList(h, "Connection")
	if len(tokens) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		out[http.CanonicalHeaderKey(t)] = struct{}{}
	}
	return out
}
