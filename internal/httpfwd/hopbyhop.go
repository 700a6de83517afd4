package httpfwd

import (
	"net/http"
	"strings"
)

// hopByHopHeaders are meaningful only for a single transport hop and must
// never be forwarded to the origin.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Proxy-Authorization",
	"Keep-Alive",
	"Transfer-Encoding",
	"TE",
	"Trailer",
	"Upgrade",
}

// stripHopByHopHeaders returns a copy of h with hop-by-hop headers removed,
// including any headers the h's own Connection field nominates for
// removal (RFC 7230 section 6.1).
func stripHopByHopHeaders(h http.Header) http.Header {
	out := h.Clone()

	for _, f := range out.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			out.Del(strings.TrimSpace(name))
		}
	}

	for _, name := range hopByHopHeaders {
		out.Del(name)
	}

	return out
}
