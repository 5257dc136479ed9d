package util

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// TrustedProxies is the set of peers whose forwarding headers are believed.
type TrustedProxies struct {
	nets []*net.IPNet
}

// ParseTrustedProxies reads a comma-separated list of IPs and CIDRs.
// An empty list trusts nobody and yields nil.
func ParseTrustedProxies(raw string) (*TrustedProxies, error) {
	var nets []*net.IPNet
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, &net.ParseError{Type: "IP address", Text: entry}
			}
			if ip.To4() != nil {
				entry += "/32"
			} else {
				entry += "/128"
			}
		}
		_, cidr, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, err
		}
		nets = append(nets, cidr)
	}
	if len(nets) == 0 {
		return nil, nil
	}
	return &TrustedProxies{nets: nets}, nil
}

func (t *TrustedProxies) contains(ip net.IP) bool {
	if t == nil || ip == nil {
		return false
	}
	for _, n := range t.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

type clientIPContextKey struct{}

// WithClientIP resolves the caller address once per request and stores it in
// the context for rate limiting and logging.
func WithClientIP(trusted *TrustedProxies) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r, trusted)
			ctx := context.WithValue(r.Context(), clientIPContextKey{}, ip)
			ctx = ContextWithLogger(ctx, LoggerFromContext(ctx).With("client_ip", ip))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientIPFromContext returns the address stored by WithClientIP.
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPContextKey{}).(string)
	return ip
}

// ClientIP returns the direct peer unless it is a trusted proxy, in which case
// the right-most untrusted X-Forwarded-For hop wins, then X-Real-IP.
func ClientIP(r *http.Request, trusted *TrustedProxies) string {
	remote := hostIP(r.RemoteAddr)
	if remote == nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	if !trusted.contains(remote) {
		return remote.String()
	}

	var chain []net.IP
	for _, part := range strings.Split(r.Header.Get("X-Forwarded-For"), ",") {
		if ip := net.ParseIP(strings.TrimSpace(part)); ip != nil {
			chain = append(chain, ip)
		}
	}
	if len(chain) > 0 {
		chain = append(chain, remote)
		for i := len(chain) - 1; i >= 0; i-- {
			if !trusted.contains(chain[i]) {
				return chain[i].String()
			}
		}
		return chain[0].String()
	}
	if real := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); real != nil {
		return real.String()
	}
	return remote.String()
}

func hostIP(addr string) net.IP {
	addr = strings.TrimSpace(addr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return net.ParseIP(addr)
}
