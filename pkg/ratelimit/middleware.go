package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"hiegate/pkg/httpx"
	"hiegate/pkg/metrics"
)

// RejectFunc writes the 429 body. Retry-After is already set.
type RejectFunc func(w http.ResponseWriter, r *http.Request)

// RejectResult writes the {result: "fail"} envelope.
func RejectResult(w http.ResponseWriter, _ *http.Request) {
	httpx.Fail(w, http.StatusTooManyRequests, "too many requests, try again later")
}

// RejectStatus writes the login endpoint's {status: "fail"} envelope.
func RejectStatus(w http.ResponseWriter, _ *http.Request) {
	httpx.StatusFail(w, http.StatusTooManyRequests, "too many login attempts, try again later")
}

type Guard struct {
	Limiter Limiter
	Metrics *metrics.Registry
	// TrustedProxies are peers whose X-Forwarded-For is believed.
	TrustedProxies []*net.IPNet
}

// Limit returns middleware that counts requests per class and client IP.
func (g *Guard) Limit(class string, rate Rate, reject RejectFunc) func(http.Handler) http.Handler {
	if reject == nil {
		reject = RejectResult
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := class + ":" + ClientIP(r, g.TrustedProxies)
			d := g.Limiter.Allow(r.Context(), key, rate)
			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				if g.Metrics != nil {
					g.Metrics.Inc(metrics.RateLimited, class)
				}
				h.Set("Retry-After", strconv.Itoa(d.RetryAfter(time.Now())))
				reject(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP is the peer address, or the left-most forwarded address when the
// peer is a trusted proxy.
func ClientIP(r *http.Request, trusted []*net.IPNet) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer := net.ParseIP(host)
	if peer == nil || !inAny(peer, trusted) {
		return host
	}
	fwd := r.Header.Get("X-Forwarded-For")
	if fwd == "" {
		return host
	}
	first, _, _ := strings.Cut(fwd, ",")
	if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
		return ip.String()
	}
	return host
}

func inAny(ip net.IP, nets []*net.IPNet) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
