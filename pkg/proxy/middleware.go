package proxy

import "net/http"

// hopByHopHeaders lists headers meaningful only to the immediate
// connection, per RFC 7230 §6.1, plus the ones §4.3 step 5 singles out for
// stripping before forwarding: authorization, content-length, host, and
// transfer-encoding.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Authorization",
	"Content-Length",
	"Host",
}

// stripHopByHopHeaders removes connection-scoped and credential headers in
// place, so neither the original client's bearer token nor its framing
// headers leak to (or back from) the upstream inference server.
func stripHopByHopHeaders(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
