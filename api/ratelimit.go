package api

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// Issuing endpoints lock a client out after failureThreshold failed
// requests. Each further failure doubles the lockout up to maxLockout.
const (
	failureThreshold = 20
	baseLockout      = time.Minute
	maxLockout       = 30 * time.Minute
	// failureMemory is how long a client's failures are remembered after the
	// most recent one.
	failureMemory = time.Hour
)

type clientFailures struct {
	count  int
	last   time.Time
	locked time.Time
}

// failureLimiter counts failed issuance requests per client address.
type failureLimiter struct {
	mu      sync.Mutex
	clients map[netip.Addr]*clientFailures
	now     func() time.Time
}

func newFailureLimiter() *failureLimiter {
	return &failureLimiter{
		clients: make(map[netip.Addr]*clientFailures),
		now:     time.Now,
	}
}

// lockoutFor returns the lockout earned by count failures.
func lockoutFor(count int) time.Duration {
	if count < failureThreshold {
		return 0
	}
	over := count - failureThreshold
	if over >= 5 {
		return maxLockout
	}
	return min(baseLockout<<over, maxLockout)
}

// blocked reports whether addr is locked out and for how much longer.
func (l *failureLimiter) blocked(addr netip.Addr) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c := l.clients[addr]
	if c == nil {
		return 0, false
	}
	now := l.now()
	if now.Sub(c.last) > failureMemory {
		delete(l.clients, addr)
		return 0, false
	}
	if remaining := c.locked.Sub(now); remaining > 0 {
		return remaining, true
	}
	return 0, false
}

func (l *failureLimiter) fail(addr netip.Addr) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c := l.clients[addr]
	if c == nil {
		c = &clientFailures{}
		l.clients[addr] = c
	}
	c.count++
	c.last = l.now()
	if d := lockoutFor(c.count); d > 0 {
		c.locked = c.last.Add(d)
	}
}

func (l *failureLimiter) reset(addr netip.Addr) {
	l.mu.Lock()
	delete(l.clients, addr)
	l.mu.Unlock()
}

// sweep forgets clients whose last failure is older than failureMemory.
func (l *failureLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-failureMemory)
	for addr, c := range l.clients {
		if c.last.Before(cutoff) {
			delete(l.clients, addr)
		}
	}
}

// rateLimit rejects locked-out clients and counts every response with a
// status of 400 or above as a failure.
func (a *API) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr := clientAddr(r, a.trustedProxies)
		if remaining, locked := a.limiter.blocked(addr); locked {
			a.audit.log(AuditRateLimited, r, slog.String("client_ip", addr.String()))
			w.Header().Set("Retry-After", retryAfterSeconds(remaining))
			writeError(w, http.StatusTooManyRequests, CodeRateLimited, "too many failed requests; try again later")
			return
		}

		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		if ww.Status() >= http.StatusBadRequest {
			a.limiter.fail(addr)
			return
		}
		a.limiter.reset(addr)
	})
}

func retryAfterSeconds(d time.Duration) string {
	return strconv.Itoa(max(int(d/time.Second), 1))
}

// clientAddr resolves the address a request is attributed to. Forwarding
// headers count only when the direct peer is inside trusted; the first
// parseable X-Forwarded-For entry wins, then X-Real-IP.
func clientAddr(r *http.Request, trusted []netip.Prefix) netip.Addr {
	peer, _ := parseAddr(r.RemoteAddr)
	if !peer.IsValid() || !inPrefixes(peer, trusted) {
		return peer
	}
	for hop := range strings.SplitSeq(r.Header.Get("X-Forwarded-For"), ",") {
		if addr, ok := parseAddr(hop); ok {
			return addr
		}
	}
	if addr, ok := parseAddr(r.Header.Get("X-Real-IP")); ok {
		return addr
	}
	return peer
}

func inPrefixes(addr netip.Addr, prefixes []netip.Prefix) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// parseAddr accepts a bare address or host:port, with optional brackets or
// quotes. Zones are dropped and IPv4-mapped IPv6 is unmapped.
func parseAddr(raw string) (netip.Addr, bool) {
	s := strings.Trim(strings.TrimSpace(raw), `"`)
	if s == "" {
		return netip.Addr{}, false
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.WithZone("").Unmap(), true
}
