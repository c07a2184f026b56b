package proxy

import (
	"io"
	"net/http"
	"strings"

	"github.com/clescot/littleproxy-go/msgtausch-srv/logger"
)

// aclFilters decorates another HttpFilters implementation, running the
// Allowlist/Blocklist admission check before deferring to the wrapped
// filters' own ClientToProxyRequest. This keeps host-based access control a
// stage of the client-to-proxy filter chain (spec.md step 5's
// "filters.clientToProxyRequest(head)" short-circuit) instead of a second,
// parallel gate evaluated alongside it.
type aclFilters struct {
	HttpFilters
	proxy      *Proxy
	clientIP   string
	hostname   string
	remotePort uint16
}

func (f *aclFilters) ClientToProxyRequest(req *http.Request) *http.Response {
	if !f.proxy.isHostAllowed(f.hostname, f.clientIP, f.remotePort) {
		logger.Warn("Host not allowed: %s", f.hostname)
		if f.proxy.Collector != nil {
			if err := f.proxy.Collector.RecordBlockedRequest(req.Context(), f.clientIP, f.hostname, "host_not_allowed"); err != nil {
				logger.Error("Failed to record blocked request: %v", err)
			}
		}
		const body = "Host not allowed\n"
		return &http.Response{
			StatusCode:    http.StatusForbidden,
			Proto:         req.Proto,
			ProtoMajor:    req.ProtoMajor,
			ProtoMinor:    req.ProtoMinor,
			Header:        http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
			Body:          io.NopCloser(strings.NewReader(body)),
			ContentLength: int64(len(body)),
		}
	}
	if f.proxy.Collector != nil {
		if err := f.proxy.Collector.RecordAllowedRequest(req.Context(), f.clientIP, f.hostname); err != nil {
			logger.Error("Failed to record allowed request: %v", err)
		}
	}
	return f.HttpFilters.ClientToProxyRequest(req)
}
