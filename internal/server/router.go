package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/l0p7/assetcache/internal/worker"
)

// CacheHeader reports whether a response was served from the active bucket.
const CacheHeader = "X-Asset-Cache"

// Registration is the surface the gateway needs from the worker registration.
type Registration interface {
	Fetch(ctx context.Context, r *http.Request) (*http.Response, bool, error)
	Snapshot() worker.Snapshot
}

// hopHeaders are connection-scoped and never forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// NewGatewayHandler turns inbound requests into fetch events against origin.
// Exactly /healthz and /health report the registration snapshot; every other
// path is resolved against origin and answered from cache or network.
func NewGatewayHandler(reg Registration, origin *url.URL, logger *slog.Logger) http.Handler {
	if reg == nil || origin == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "gateway unavailable", http.StatusServiceUnavailable)
		})
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With(slog.String("agent", "gateway"))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz", "/health":
			serveHealth(w, reg.Snapshot())
			return
		}

		upstream := upstreamRequest(r, origin)
		resp, hit, err := reg.Fetch(r.Context(), upstream)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			logger.Warn("fetch failed",
				slog.String("method", upstream.Method),
				slog.String("url", upstream.URL.String()),
				slog.String("error", err.Error()),
			)
			w.Header().Set(CacheHeader, "miss")
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()

		header := w.Header()
		for name, values := range resp.Header {
			header[name] = append([]string(nil), values...)
		}
		removeHopHeaders(header)
		if hit {
			header.Set(CacheHeader, "hit")
		} else {
			header.Set(CacheHeader, "miss")
		}
		w.WriteHeader(resp.StatusCode)
		if r.Method == http.MethodHead {
			return
		}
		if _, err := io.Copy(w, resp.Body); err != nil {
			logger.Debug("response copy interrupted",
				slog.String("url", upstream.URL.String()),
				slog.String("error", err.Error()),
			)
		}
	})
}

// upstreamRequest rewrites r so it targets origin with the same method,
// headers and body.
func upstreamRequest(r *http.Request, origin *url.URL) *http.Request {
	target := origin.ResolveReference(&url.URL{Path: r.URL.Path, RawQuery: r.URL.RawQuery})
	out := r.Clone(r.Context())
	out.URL = target
	out.Host = target.Host
	out.RequestURI = ""
	removeHopHeaders(out.Header)
	return out
}

func removeHopHeaders(h http.Header) {
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func serveHealth(w http.ResponseWriter, snap worker.Snapshot) {
	status := http.StatusOK
	if snap.Active == "" {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(snap)
}
